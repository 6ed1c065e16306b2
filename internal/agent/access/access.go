// Package access defines the user tier ordering and the hardcoded
// access rules enforced across the agent (Rule 700, Rule 760, group
// degradation, sub-agent filtering, protected rules, command blacklist).
package access

import "strings"

// Level is a user access tier. Levels are totally ordered.
type Level int

const (
	Public Level = iota
	Friend
	Family
	Admin
	Owner
)

var levelNames = map[Level]string{
	Public: "public",
	Friend: "friend",
	Family: "family",
	Admin:  "admin",
	Owner:  "owner",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "public"
}

// ParseLevel maps a stored level string to a Level. Unknown strings map
// to Public so a corrupted row can never grant elevated access.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "owner":
		return Owner
	case "admin":
		return Admin
	case "family":
		return Family
	case "friend":
		return Friend
	default:
		return Public
	}
}

// AtLeast reports whether l meets the required tier.
func (l Level) AtLeast(required Level) bool {
	return l >= required
}

// OwnerOnlyTools is the Rule 700 set: system-level tools that fail closed
// for any non-owner caller, checked in the registry before the ordinary
// level comparison.
var OwnerOnlyTools = map[string]bool{
	"update_config":   true,
	"manage_users":    true,
	"manage_groups":   true,
	"manage_rules":    true,
	"update_identity": true,
	"spawn_subagent":  true,
	"subagent_status": true,
	"shell_exec":      true,
}

// SubagentBlockedTools are hidden from sub-agent schemas and rejected at
// call time. Sub-agents work at owner tier but may not reconfigure the
// system or spawn further agents.
var SubagentBlockedTools = map[string]bool{
	"spawn_subagent":  true,
	"subagent_status": true,
	"update_config":   true,
	"manage_users":    true,
	"manage_groups":   true,
	"manage_rules":    true,
	"update_identity": true,
}

// PrivateMemoryCategories is the Rule 760 set: memories in these
// categories are never recalled across users below admin tier.
var PrivateMemoryCategories = map[string]bool{
	"health":       true,
	"relationship": true,
}

// ProtectedRulePrefixes guard the numbered access rules and system rules
// from modification at any tier.
var ProtectedRulePrefixes = []string{"700", "760", "system"}

// CommandBlacklist entries are substring-matched against shell commands
// before execution.
var CommandBlacklist = []string{
	"rm -rf /",
	"rm -rf ~",
	"mkfs",
	"dd if=",
	":(){",
	"> /dev/sd",
	"shutdown",
	"reboot",
	"halt -f",
	"chmod -R 777 /",
}

// Effective returns the level used for tool exposure and Rule 700 checks.
// Group chats degrade every caller to public regardless of nominal tier.
func Effective(nominal Level, isGroup bool) Level {
	if isGroup {
		return Public
	}
	return nominal
}

// Rule700Blocks reports whether the named tool is owner-only and the
// caller is below owner.
func Rule700Blocks(tool string, level Level) bool {
	return OwnerOnlyTools[tool] && level < Owner
}

// Rule760Filters reports whether a memory must be withheld from the
// requester: private category, different owner, requester below admin.
func Rule760Filters(category string, memoryUserID, requesterUserID int64, requester Level) bool {
	if !PrivateMemoryCategories[category] {
		return false
	}
	if memoryUserID == requesterUserID {
		return false
	}
	return requester < Admin
}

// IsProtectedRule reports whether the rule name may never be modified.
func IsProtectedRule(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	for _, prefix := range ProtectedRulePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// CommandBlocked reports whether a shell command matches the blacklist.
func CommandBlocked(command string) (string, bool) {
	normalized := strings.ToLower(command)
	for _, entry := range CommandBlacklist {
		if strings.Contains(normalized, entry) {
			return entry, true
		}
	}
	return "", false
}
