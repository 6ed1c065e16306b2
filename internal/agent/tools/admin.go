package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hearthlabs/hearth/internal/agent/access"
)

type updateConfigArgs struct {
	Action string `json:"action" jsonschema:"required,enum=get,enum=set,enum=list,description=What to do"`
	Key    string `json:"key,omitempty" jsonschema:"description=Config key in dotted form like memory.auto_capture"`
	Value  string `json:"value,omitempty" jsonschema:"description=New value when action is set"`
}

func updateConfigTool(d Deps) *Tool {
	return &Tool{
		Name:          "update_config",
		Description:   "Read or change runtime configuration keys. Changes persist across restarts.",
		Parameters:    GenerateSchema[updateConfigArgs](),
		RequiresLevel: access.Owner,
		Enabled:       true,
		Scrub:         ScrubSafe,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args updateConfigArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", err
			}
			switch args.Action {
			case "get":
				if args.Key == "" {
					return "", fmt.Errorf("key is required for get")
				}
				return fmt.Sprintf("%s = %s", args.Key, d.Config.String(args.Key, "(unset)")), nil
			case "set":
				if args.Key == "" || args.Value == "" {
					return "", fmt.Errorf("key and value are required for set")
				}
				if err := d.Config.Set(args.Key, args.Value); err != nil {
					return "", err
				}
				d.refresh()
				return fmt.Sprintf("Set %s = %s", args.Key, args.Value), nil
			case "list":
				if d.Store == nil {
					return "", fmt.Errorf("no persistent config store attached")
				}
				all, err := d.Store.AllConfig()
				if err != nil {
					return "", err
				}
				if len(all) == 0 {
					return "No overridden keys; everything at defaults.", nil
				}
				keys := make([]string, 0, len(all))
				for k := range all {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				var b strings.Builder
				for _, k := range keys {
					fmt.Fprintf(&b, "%s = %s\n", k, all[k])
				}
				return b.String(), nil
			default:
				return "", fmt.Errorf("unknown action %q", args.Action)
			}
		},
	}
}

type manageUsersArgs struct {
	Action string `json:"action" jsonschema:"required,enum=list,enum=set_level,description=What to do"`
	UserID int64  `json:"user_id,omitempty" jsonschema:"description=Target user id for set_level"`
	Level  string `json:"level,omitempty" jsonschema:"description=New access level: public friend family admin or owner"`
}

func manageUsersTool(d Deps) *Tool {
	return &Tool{
		Name:          "manage_users",
		Description:   "List registered users or change a user's access level.",
		Parameters:    GenerateSchema[manageUsersArgs](),
		RequiresLevel: access.Owner,
		Enabled:       true,
		Scrub:         ScrubNone,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args manageUsersArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", err
			}
			switch args.Action {
			case "list":
				users, err := d.Store.ListUsers()
				if err != nil {
					return "", err
				}
				if len(users) == 0 {
					return "No registered users.", nil
				}
				var b strings.Builder
				for _, u := range users {
					fmt.Fprintf(&b, "- #%d %s (%s/%s) level=%s\n", u.ID, u.Name, u.Platform, u.PlatformID, u.AccessLevel)
				}
				return b.String(), nil
			case "set_level":
				if args.UserID == 0 {
					return "", fmt.Errorf("user_id is required for set_level")
				}
				level := strings.ToLower(strings.TrimSpace(args.Level))
				if access.ParseLevel(level).String() != level {
					return "", fmt.Errorf("unknown level %q", args.Level)
				}
				if err := d.Store.SetUserLevel(args.UserID, level); err != nil {
					return "", err
				}
				return fmt.Sprintf("User #%d is now %s.", args.UserID, level), nil
			default:
				return "", fmt.Errorf("unknown action %q", args.Action)
			}
		},
	}
}

type manageGroupsArgs struct {
	Action  string `json:"action" jsonschema:"required,enum=list,enum=enable,enum=disable,description=What to do"`
	GroupID string `json:"group_id,omitempty" jsonschema:"description=Platform group id for enable/disable"`
}

func manageGroupsTool(d Deps) *Tool {
	return &Tool{
		Name:          "manage_groups",
		Description:   "List known group chats or toggle whether the agent responds in one.",
		Parameters:    GenerateSchema[manageGroupsArgs](),
		RequiresLevel: access.Owner,
		Enabled:       true,
		Scrub:         ScrubNone,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args manageGroupsArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", err
			}
			caller := CallerFrom(ctx)
			platform := caller.Platform
			if platform == "" {
				platform = "telegram"
			}
			switch args.Action {
			case "list":
				groups, err := d.Store.ListGroups()
				if err != nil {
					return "", err
				}
				if len(groups) == 0 {
					return "No known groups.", nil
				}
				var b strings.Builder
				for _, g := range groups {
					state := "disabled"
					if g.Enabled {
						state = "enabled"
					}
					fmt.Fprintf(&b, "- %s/%s %s\n", g.Platform, g.PlatformGroupID, state)
				}
				return b.String(), nil
			case "enable", "disable":
				if args.GroupID == "" {
					return "", fmt.Errorf("group_id is required")
				}
				if err := d.Store.SetGroupEnabled(platform, args.GroupID, args.Action == "enable"); err != nil {
					return "", err
				}
				return fmt.Sprintf("Group %s %sd.", args.GroupID, args.Action), nil
			default:
				return "", fmt.Errorf("unknown action %q", args.Action)
			}
		},
	}
}

type manageRulesArgs struct {
	Action string `json:"action" jsonschema:"required,enum=list,enum=set,enum=delete,description=What to do"`
	Name   string `json:"name,omitempty" jsonschema:"description=Rule name"`
	Body   string `json:"body,omitempty" jsonschema:"description=Rule text when action is set"`
}

func manageRulesTool(d Deps) *Tool {
	return &Tool{
		Name:          "manage_rules",
		Description:   "List, set, or delete behavior rules injected into the system prompt. Numbered system rules are protected.",
		Parameters:    GenerateSchema[manageRulesArgs](),
		RequiresLevel: access.Owner,
		Enabled:       true,
		Scrub:         ScrubNone,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args manageRulesArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", err
			}
			switch args.Action {
			case "list":
				rules, err := d.Store.ListRules()
				if err != nil {
					return "", err
				}
				if len(rules) == 0 {
					return "No custom rules.", nil
				}
				var b strings.Builder
				for _, r := range rules {
					fmt.Fprintf(&b, "- %s: %s\n", r.Name, r.Body)
				}
				return b.String(), nil
			case "set", "delete":
				if args.Name == "" {
					return "", fmt.Errorf("name is required")
				}
				if access.IsProtectedRule(args.Name) {
					return "", fmt.Errorf("rule %q is protected and cannot be modified", args.Name)
				}
				if args.Action == "delete" {
					if err := d.Store.DeleteRule(args.Name); err != nil {
						return "", err
					}
					d.refresh()
					return fmt.Sprintf("Deleted rule %s.", args.Name), nil
				}
				if strings.TrimSpace(args.Body) == "" {
					return "", fmt.Errorf("body is required for set")
				}
				if err := d.Store.UpsertRule(args.Name, args.Body); err != nil {
					return "", err
				}
				d.refresh()
				return fmt.Sprintf("Rule %s saved.", args.Name), nil
			default:
				return "", fmt.Errorf("unknown action %q", args.Action)
			}
		},
	}
}

type updateIdentityArgs struct {
	Body string `json:"body" jsonschema:"required,description=The full new identity document"`
}

func updateIdentityTool(d Deps) *Tool {
	return &Tool{
		Name:          "update_identity",
		Description:   "Replace the agent's identity document. Takes effect on the next prompt refresh for all live sessions.",
		Parameters:    GenerateSchema[updateIdentityArgs](),
		RequiresLevel: access.Owner,
		Enabled:       true,
		Scrub:         ScrubNone,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args updateIdentityArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", err
			}
			if strings.TrimSpace(args.Body) == "" {
				return "", fmt.Errorf("body is required")
			}
			if err := d.Store.SetIdentity(args.Body); err != nil {
				return "", err
			}
			d.refresh()
			return "Identity updated; live sessions refreshed.", nil
		},
	}
}
