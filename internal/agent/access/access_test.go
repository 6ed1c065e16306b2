package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelOrdering(t *testing.T) {
	assert.True(t, Owner.AtLeast(Admin))
	assert.True(t, Admin.AtLeast(Family))
	assert.True(t, Family.AtLeast(Friend))
	assert.True(t, Friend.AtLeast(Public))
	assert.False(t, Public.AtLeast(Friend))
	assert.False(t, Family.AtLeast(Admin))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, Owner, ParseLevel("owner"))
	assert.Equal(t, Admin, ParseLevel("  Admin "))
	assert.Equal(t, Public, ParseLevel("public"))
	// unknown strings never grant access
	assert.Equal(t, Public, ParseLevel("superuser"))
	assert.Equal(t, Public, ParseLevel(""))
}

func TestEffectiveGroupDegradation(t *testing.T) {
	assert.Equal(t, Public, Effective(Owner, true))
	assert.Equal(t, Public, Effective(Admin, true))
	assert.Equal(t, Owner, Effective(Owner, false))
	assert.Equal(t, Friend, Effective(Friend, false))
}

func TestRule700(t *testing.T) {
	assert.True(t, Rule700Blocks("update_config", Admin))
	assert.True(t, Rule700Blocks("spawn_subagent", Family))
	assert.False(t, Rule700Blocks("update_config", Owner))
	assert.False(t, Rule700Blocks("world_time", Public))
}

func TestRule760(t *testing.T) {
	// private category, cross-user, low tier: filtered
	assert.True(t, Rule760Filters("health", 1, 2, Family))
	// same user always passes
	assert.False(t, Rule760Filters("health", 1, 1, Public))
	// admin and owner see everything
	assert.False(t, Rule760Filters("health", 1, 2, Admin))
	assert.False(t, Rule760Filters("relationship", 1, 2, Owner))
	// non-private categories pass
	assert.False(t, Rule760Filters("fact", 1, 2, Public))
}

func TestProtectedRules(t *testing.T) {
	assert.True(t, IsProtectedRule("700_owner_access"))
	assert.True(t, IsProtectedRule("760-family-privacy"))
	assert.True(t, IsProtectedRule("System_base"))
	assert.False(t, IsProtectedRule("greeting_style"))
}

func TestCommandBlocked(t *testing.T) {
	entry, blocked := CommandBlocked("sudo rm -rf / --no-preserve-root")
	assert.True(t, blocked)
	assert.Equal(t, "rm -rf /", entry)

	_, blocked = CommandBlocked("ls -la /tmp")
	assert.False(t, blocked)
}
