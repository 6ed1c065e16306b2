package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hearthlabs/hearth/internal/agent/access"
	"github.com/hearthlabs/hearth/internal/store"
)

type scheduleTaskArgs struct {
	Name          string `json:"name" jsonschema:"required,description=Short human-readable task name"`
	ScheduleType  string `json:"schedule_type" jsonschema:"required,enum=once,enum=interval,enum=cron,description=once (RFC3339 time) / interval (seconds) / cron (5-field expression)"`
	ScheduleValue string `json:"schedule_value" jsonschema:"required,description=RFC3339 timestamp for once; seconds for interval; cron expression for cron"`
	Payload       string `json:"payload" jsonschema:"required,description=The message the agent should act on when the task fires"`
}

func scheduleTaskTool(d Deps) *Tool {
	return &Tool{
		Name:          "schedule_task",
		Description:   "Schedule a future or recurring task. When it fires, the payload is handled as if the user had sent it.",
		Parameters:    GenerateSchema[scheduleTaskArgs](),
		RequiresLevel: access.Family,
		Enabled:       true,
		Scrub:         ScrubNone,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args scheduleTaskArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", err
			}
			if strings.TrimSpace(args.Payload) == "" {
				return "", fmt.Errorf("payload is required")
			}
			caller := CallerFrom(ctx)
			task := &store.ScheduledTask{
				Name:          args.Name,
				ScheduleType:  args.ScheduleType,
				ScheduleValue: args.ScheduleValue,
				Payload:       args.Payload,
				Enabled:       true,
				CreatedBy:     fmt.Sprintf("%s/%s", caller.Platform, caller.ChatID),
			}
			if err := d.Scheduler.Create(ctx, task); err != nil {
				return "", err
			}
			next := "unknown"
			if task.NextRun != nil {
				next = task.NextRun.Format(time.RFC3339)
			}
			return fmt.Sprintf("Scheduled task #%d %q (%s %s), next run %s.",
				task.ID, task.Name, task.ScheduleType, task.ScheduleValue, next), nil
		},
	}
}

type listTasksArgs struct{}

func listTasksTool(d Deps) *Tool {
	return &Tool{
		Name:          "list_tasks",
		Description:   "List scheduled tasks with their next run times.",
		Parameters:    GenerateSchema[listTasksArgs](),
		RequiresLevel: access.Family,
		Enabled:       true,
		Scrub:         ScrubNone,
		Handler: func(ctx context.Context, _ json.RawMessage) (string, error) {
			tasks, err := d.Scheduler.List(ctx)
			if err != nil {
				return "", err
			}
			if len(tasks) == 0 {
				return "No scheduled tasks.", nil
			}
			var b strings.Builder
			for _, t := range tasks {
				state := "enabled"
				if !t.Enabled {
					state = "disabled"
				}
				next := "-"
				if t.NextRun != nil {
					next = t.NextRun.Format(time.RFC3339)
				}
				fmt.Fprintf(&b, "- #%d %q %s %s [%s] next=%s runs=%d\n",
					t.ID, t.Name, t.ScheduleType, t.ScheduleValue, state, next, t.RunCount)
			}
			return b.String(), nil
		},
	}
}

type cancelTaskArgs struct {
	ID int64 `json:"id" jsonschema:"required,description=Task id to cancel"`
}

func cancelTaskTool(d Deps) *Tool {
	return &Tool{
		Name:          "cancel_task",
		Description:   "Cancel a scheduled task by id.",
		Parameters:    GenerateSchema[cancelTaskArgs](),
		RequiresLevel: access.Family,
		Enabled:       true,
		Scrub:         ScrubNone,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args cancelTaskArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", err
			}
			if args.ID == 0 {
				return "", fmt.Errorf("id is required")
			}
			if err := d.Scheduler.Cancel(ctx, args.ID); err != nil {
				return "", err
			}
			return fmt.Sprintf("Cancelled task #%d.", args.ID), nil
		},
	}
}
