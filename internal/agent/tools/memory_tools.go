package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hearthlabs/hearth/internal/agent/access"
	"github.com/hearthlabs/hearth/internal/agent/memory"
)

type rememberArgs struct {
	Content    string  `json:"content" jsonschema:"required,description=The fact to remember; one concise sentence"`
	Category   string  `json:"category,omitempty" jsonschema:"description=One of: fact preference event lesson decision health relationship config,default=fact"`
	Importance float64 `json:"importance,omitempty" jsonschema:"description=How important this is from 0.1 to 1.0,default=0.5"`
	Permanent  bool    `json:"permanent,omitempty" jsonschema:"description=Never let this fact expire or be pruned"`
}

func rememberTool(d Deps) *Tool {
	return &Tool{
		Name:          "remember",
		Description:   "Store a long-term memory about the current user. Near-duplicates update the existing memory instead of piling up.",
		Parameters:    GenerateSchema[rememberArgs](),
		RequiresLevel: access.Friend,
		Enabled:       true,
		Scrub:         ScrubNone,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args rememberArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", err
			}
			if strings.TrimSpace(args.Content) == "" {
				return "", fmt.Errorf("content is required")
			}
			if args.Importance == 0 {
				args.Importance = 0.5
			}
			caller := CallerFrom(ctx)
			m, created, err := d.Memory.StoreIfNew(ctx, memory.Input{
				Content:    args.Content,
				Category:   args.Category,
				Source:     "tool",
				UserID:     caller.UserID,
				Importance: args.Importance,
				Permanent:  args.Permanent,
			})
			if err != nil {
				return "", err
			}
			if !created {
				return fmt.Sprintf("Updated existing memory %s: %s", m.ID, m.Content), nil
			}
			return fmt.Sprintf("Remembered (%s): %s", m.Category, m.Content), nil
		},
	}
}

type recallArgs struct {
	Query string `json:"query" jsonschema:"required,description=What to look for in stored memories"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of memories to return,default=5"`
}

func recallMemoriesTool(d Deps) *Tool {
	return &Tool{
		Name:          "recall_memories",
		Description:   "Search stored memories by meaning and return the closest matches.",
		Parameters:    GenerateSchema[recallArgs](),
		RequiresLevel: access.Friend,
		Enabled:       true,
		Scrub:         ScrubNone,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args recallArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", err
			}
			caller := CallerFrom(ctx)
			matches, err := d.Memory.Recall(ctx, args.Query, args.Limit, caller.UserID, caller.Level)
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No matching memories.", nil
			}
			var b strings.Builder
			for _, m := range matches {
				fmt.Fprintf(&b, "- [%s, %.2f] %s (id %s)\n", m.Category, m.Similarity, m.Content, m.ID)
			}
			return b.String(), nil
		},
	}
}

type forgetArgs struct {
	ID string `json:"id" jsonschema:"required,description=The memory id to delete"`
}

func forgetMemoryTool(d Deps) *Tool {
	return &Tool{
		Name:          "forget_memory",
		Description:   "Delete one stored memory by id.",
		Parameters:    GenerateSchema[forgetArgs](),
		RequiresLevel: access.Family,
		Enabled:       true,
		Scrub:         ScrubNone,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args forgetArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", err
			}
			if args.ID == "" {
				return "", fmt.Errorf("id is required")
			}
			if err := d.Memory.Forget(args.ID); err != nil {
				return "", err
			}
			return fmt.Sprintf("Forgot memory %s.", args.ID), nil
		},
	}
}
