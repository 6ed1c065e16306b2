package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthlabs/hearth/internal/agent/chat"
)

func callMsg(content string, ids ...string) chat.Message {
	m := chat.Message{Role: chat.RoleAssistant, Content: content, Kind: chat.KindToolCalls}
	for _, id := range ids {
		m.ToolCalls = append(m.ToolCalls, chat.ToolCall{ID: id, Name: "tool_" + id, Args: []byte(`{}`)})
	}
	return m
}

func TestSanitizeCleanStreamUnchanged(t *testing.T) {
	ms := []chat.Message{
		chat.System("persona"),
		chat.User("what time is it?"),
		callMsg("", "c1"),
		chat.ToolResult("c1", "world_time", "14:02"),
		chat.Assistant("it is 14:02"),
	}
	out := Sanitize(ms)
	assert.Equal(t, ms, out)
}

func TestSanitizeDemotesOrphanToolCalls(t *testing.T) {
	ms := []chat.Message{
		chat.User("go"),
		callMsg("let me check", "c1"),
		// result trimmed away; the demoted turn merges with the next one
		chat.Assistant("done"),
	}
	out := Sanitize(ms)

	require.Len(t, out, 2)
	assert.False(t, out[1].HasToolCalls())
	assert.Contains(t, out[1].Content, "let me check")
	assert.Contains(t, out[1].Content, orphanToolCallNote)
	assert.Contains(t, out[1].Content, "done")
}

func TestSanitizeDropsOrphanResults(t *testing.T) {
	ms := []chat.Message{
		chat.ToolResult("ghost", "world_time", "stale"),
		chat.User("hello"),
	}
	out := Sanitize(ms)

	require.Len(t, out, 1)
	assert.Equal(t, chat.RoleUser, out[0].Role)
}

func TestSanitizePairsOnlyMatchingResults(t *testing.T) {
	ms := []chat.Message{
		chat.User("go"),
		callMsg("", "c1", "c2"),
		chat.ToolResult("c1", "tool_c1", "ok"),
		chat.ToolResult("cX", "tool_cX", "stray"),
		chat.Assistant("done"),
	}
	out := Sanitize(ms)

	// c2 lost its result: dropped from the call list; cX dropped entirely
	require.Len(t, out, 4)
	require.Len(t, out[1].ToolCalls, 1)
	assert.Equal(t, "c1", out[1].ToolCalls[0].ID)
	assert.Equal(t, "c1", out[2].ToolCallID)
}

func TestSanitizeMergesConsecutiveSameRole(t *testing.T) {
	ms := []chat.Message{
		chat.User("first"),
		chat.User("second"),
		chat.Assistant("a"),
		chat.Assistant("b"),
	}
	out := Sanitize(ms)

	require.Len(t, out, 2)
	assert.Equal(t, "first\n\nsecond", out[0].Content)
	assert.Equal(t, "a\n\nb", out[1].Content)
}

func TestSanitizeIdempotent(t *testing.T) {
	damaged := []chat.Message{
		chat.System("p"),
		chat.ToolResult("ghost", "t", "stale"),
		chat.User("q1"),
		chat.User("q2"),
		callMsg("thinking", "c1", "c2"),
		chat.ToolResult("c2", "tool_c2", "ok"),
		callMsg("again", "c3"),
		chat.Assistant("tail"),
	}

	once := Sanitize(damaged)
	twice := Sanitize(once)
	assert.Equal(t, once, twice)
}
