package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hearthlabs/hearth/internal/agent/access"
)

type spawnSubagentArgs struct {
	Task string `json:"task" jsonschema:"required,description=Complete self-contained instructions for the sub-agent"`
}

func spawnSubagentTool(d Deps) *Tool {
	return &Tool{
		Name:          "spawn_subagent",
		Description:   "Start a background sub-agent that works on a task with its own tool loop and reports back when done.",
		Parameters:    GenerateSchema[spawnSubagentArgs](),
		RequiresLevel: access.Owner,
		Enabled:       true,
		Scrub:         ScrubNone,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args spawnSubagentArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", err
			}
			if strings.TrimSpace(args.Task) == "" {
				return "", fmt.Errorf("task is required")
			}
			caller := CallerFrom(ctx)
			runID, err := d.Subagents.Spawn(ctx, caller.SessionID, args.Task)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Sub-agent %s started. You will be notified when it completes.", runID), nil
		},
	}
}

type subagentStatusArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"description=How many recent runs to show,default=5"`
}

func subagentStatusTool(d Deps) *Tool {
	return &Tool{
		Name:          "subagent_status",
		Description:   "Show recent sub-agent runs and their states.",
		Parameters:    GenerateSchema[subagentStatusArgs](),
		RequiresLevel: access.Owner,
		Enabled:       true,
		Scrub:         ScrubNone,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args subagentStatusArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", err
			}
			if args.Limit <= 0 {
				args.Limit = 5
			}
			runs, err := d.Subagents.Runs(ctx, args.Limit)
			if err != nil {
				return "", err
			}
			if len(runs) == 0 {
				return "No sub-agent runs yet.", nil
			}
			var b strings.Builder
			for _, r := range runs {
				fmt.Fprintf(&b, "- %s [%s] started %s", r.RunID, r.Status, r.StartedAt.Format(time.RFC3339))
				if r.CompletedAt != nil {
					fmt.Fprintf(&b, ", finished %s", r.CompletedAt.Format(time.RFC3339))
				}
				task := r.Task
				if len(task) > 80 {
					task = task[:80] + "..."
				}
				fmt.Fprintf(&b, ": %s\n", task)
			}
			return b.String(), nil
		},
	}
}
