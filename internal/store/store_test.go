package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthlabs/hearth/internal/agent/chat"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "hearth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)

	sess, err := s.GetOrCreateSession("telegram", "chat-1", 1)
	require.NoError(t, err)
	assert.Equal(t, SessionActive, sess.Status)

	// same chat resolves to the same session
	again, err := s.GetOrCreateSession("telegram", "chat-1", 1)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, again.ID)

	// archiving makes room for a fresh one
	require.NoError(t, s.ArchiveSession(sess.ID))
	fresh, err := s.GetOrCreateSession("telegram", "chat-1", 1)
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, fresh.ID)
}

func TestMessagesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	sess, err := s.GetOrCreateSession("cli", "local", 1)
	require.NoError(t, err)

	_, err = s.AppendMessage(sess.ID, chat.User("hello"))
	require.NoError(t, err)

	assistant := chat.Message{
		Role:    chat.RoleAssistant,
		Content: "checking",
		Kind:    chat.KindToolCalls,
		ToolCalls: []chat.ToolCall{
			{ID: "call_1", Name: "world_time", Args: []byte(`{"tz":"Asia/Jakarta"}`)},
		},
	}
	_, err = s.AppendMessage(sess.ID, assistant)
	require.NoError(t, err)

	_, err = s.AppendMessage(sess.ID, chat.ToolResult("call_1", "world_time", "14:02"))
	require.NoError(t, err)

	msgs, err := s.GetMessages(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	decoded := msgs[1].AsChat()
	require.Len(t, decoded.ToolCalls, 1)
	assert.Equal(t, "world_time", decoded.ToolCalls[0].Name)
	assert.Equal(t, "call_1", decoded.ToolCalls[0].ID)

	result := msgs[2].AsChat()
	assert.Equal(t, "call_1", result.ToolCallID)
	assert.Equal(t, "world_time", result.ToolName)

	// counter tracked on the session
	got, err := s.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.MessageCount)
}

func TestAppendMessageStripsNUL(t *testing.T) {
	s := openTestStore(t)
	sess, err := s.GetOrCreateSession("cli", "local", 1)
	require.NoError(t, err)

	_, err = s.AppendMessage(sess.ID, chat.User("he\x00llo"))
	require.NoError(t, err)

	msgs, err := s.GetMessages(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestAppendMessageSkipsEmpty(t *testing.T) {
	s := openTestStore(t)
	sess, err := s.GetOrCreateSession("cli", "local", 1)
	require.NoError(t, err)

	id, err := s.AppendMessage(sess.ID, chat.Assistant(""))
	require.NoError(t, err)
	assert.Zero(t, id)

	n, err := s.CountMessages(sess.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFirstUserBecomesOwner(t *testing.T) {
	s := openTestStore(t)

	first, err := s.CreateUser("dian", "telegram", "100", "Dian")
	require.NoError(t, err)
	assert.Equal(t, "owner", first.AccessLevel)

	second, err := s.CreateUser("rudi", "telegram", "200", "Rudi")
	require.NoError(t, err)
	assert.Equal(t, "public", second.AccessLevel)
}

func TestEnsureUserIdempotent(t *testing.T) {
	s := openTestStore(t)

	a, err := s.EnsureUser("dian", "telegram", "100", "Dian")
	require.NoError(t, err)
	b, err := s.EnsureUser("dian", "telegram", "100", "Dian")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
}

func TestMemoryRoundTrip(t *testing.T) {
	s := openTestStore(t)

	m := &Memory{
		ID: "mem-1", UserID: 1, Content: "prefers tea over coffee",
		Category: "preference", Importance: 0.6, Source: "auto_capture",
		Embedding: []float32{0.1, 0.2, 0.3},
	}
	require.NoError(t, s.InsertMemory(m))

	all, err := s.AllMemories()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.InDelta(t, 0.2, all[0].Embedding[1], 1e-6)
	assert.Equal(t, 3, all[0].EmbeddingDim)

	require.NoError(t, s.UpdateMemory("mem-1", "prefers coffee now", 0.7, []float32{0.3, 0.2, 0.1}))
	all, err = s.AllMemories()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "prefers coffee now", all[0].Content)

	dim, err := s.StoredEmbeddingDim()
	require.NoError(t, err)
	assert.Equal(t, 3, dim)
}

func TestTaskLifecycle(t *testing.T) {
	s := openTestStore(t)

	next := time.Now().Add(-time.Minute)
	task := &ScheduledTask{
		Name: "morning brief", ScheduleType: ScheduleInterval, ScheduleValue: "3600",
		Payload: "give me the morning briefing", Enabled: true, NextRun: &next,
		CreatedBy: "owner",
	}
	require.NoError(t, s.CreateTask(task))
	require.NotZero(t, task.ID)

	due, err := s.DueTasks(time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)

	fired := time.Now()
	rescheduled := fired.Add(time.Hour)
	require.NoError(t, s.MarkTaskRun(task.ID, fired, &rescheduled, true))

	due, err = s.DueTasks(time.Now())
	require.NoError(t, err)
	assert.Empty(t, due)

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	require.NotNil(t, got.LastRun)

	require.NoError(t, s.DeleteTask(task.ID))
	all, err := s.ListTasks()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSweepStaleRuns(t *testing.T) {
	s := openTestStore(t)

	run := &SubagentRun{RunID: "run-1", ParentSessionID: 1, Task: "research"}
	require.NoError(t, s.InsertRun(run))

	n, err := s.SweepStaleRuns("bot restarted")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, RunFailed, got.Status)
	assert.Equal(t, "bot restarted", got.Error)
	require.NotNil(t, got.CompletedAt)
}

func TestAbilitySyncPreservesUserFields(t *testing.T) {
	s := openTestStore(t)

	rec := &AbilityRecord{
		Name: "image_analysis", Description: "reads images", Version: "1.0",
		Source: AbilitySourceBundled, Config: "{}", Enabled: true,
		RequiresAccessLevel: "friend",
	}
	require.NoError(t, s.SyncAbility(rec))

	// owner disables it and tunes config
	require.NoError(t, s.SetAbilityEnabled("image_analysis", false))
	require.NoError(t, s.SetAbilityConfig("image_analysis", `{"detail":"high"}`))

	// a restart re-syncs code-derived fields
	rec.Description = "reads images v2"
	rec.Version = "1.1"
	require.NoError(t, s.SyncAbility(rec))

	got, err := s.GetAbility("image_analysis")
	require.NoError(t, err)
	assert.Equal(t, "reads images v2", got.Description)
	assert.Equal(t, "1.1", got.Version)
	assert.False(t, got.Enabled)
	assert.Equal(t, `{"detail":"high"}`, got.Config)
}

func TestConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.GetConfig("memory.auto_capture")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetConfig("memory.auto_capture", "true"))
	v, ok, err := s.GetConfig("memory.auto_capture")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "true", v)
}
