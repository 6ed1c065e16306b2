package compact

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthlabs/hearth/internal/agent/chat"
	"github.com/hearthlabs/hearth/internal/agent/provider"
	"github.com/hearthlabs/hearth/internal/store"
)

type fakeProvider struct {
	reply    string
	requests []*provider.ChatRequest
	err      error
}

func (f *fakeProvider) Name() string { return "fake" }
func (f *fakeProvider) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &provider.ChatResponse{Content: f.reply}, nil
}
func (f *fakeProvider) Embed(context.Context, []string) ([][]float32, error) { return nil, nil }
func (f *fakeProvider) EmbedDimensions() int                                 { return 0 }
func (f *fakeProvider) SupportsVision() bool                                 { return false }
func (f *fakeProvider) ContextWindow() int                                   { return 200000 }
func (f *fakeProvider) ReservedOutput() int                                  { return 8192 }
func (f *fakeProvider) ConsumeAuthFailure() bool                             { return false }

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "hearth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedSession(t *testing.T, s *store.Store, turns int) int64 {
	t.Helper()
	sess, err := s.GetOrCreateSession("cli", "local", 1)
	require.NoError(t, err)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < turns; i++ {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		_, err := s.AppendMessageAt(sess.ID,
			chat.Message{Role: role, Content: fmt.Sprintf("turn %d", i)},
			base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	return sess.ID
}

func TestShouldCompactThreshold(t *testing.T) {
	c := New(nil, nil, 20)
	assert.False(t, c.ShouldCompact(30))
	assert.True(t, c.ShouldCompact(31))
}

func TestCompactBelowThresholdIsNoop(t *testing.T) {
	s := openTestStore(t)
	llm := &fakeProvider{reply: "summary"}
	sessID := seedSession(t, s, 30)

	did, err := New(s, llm, 20).Compact(context.Background(), sessID)
	require.NoError(t, err)
	assert.False(t, did)
	assert.Empty(t, llm.requests, "no provider call below threshold")

	count, err := s.CountMessages(sessID)
	require.NoError(t, err)
	assert.Equal(t, 30, count)
}

func TestCompactFoldsOldSpan(t *testing.T) {
	s := openTestStore(t)
	llm := &fakeProvider{reply: "the user discussed 35 things"}
	sessID := seedSession(t, s, 35)

	did, err := New(s, llm, 20).Compact(context.Background(), sessID)
	require.NoError(t, err)
	assert.True(t, did)

	msgs, err := s.GetMessages(sessID)
	require.NoError(t, err)
	require.Len(t, msgs, 21, "keepRecent + summary")

	head := msgs[0].AsChat()
	assert.Equal(t, chat.RoleSystem, head.Role)
	assert.Equal(t, chat.KindCompactionSummary, head.Kind)
	assert.Equal(t, "the user discussed 35 things", head.Content)

	// the kept tail is the newest 20 turns
	assert.Equal(t, "turn 15", msgs[1].Content)
	assert.Equal(t, "turn 34", msgs[20].Content)

	sess, err := s.GetSession(sessID)
	require.NoError(t, err)
	assert.Equal(t, 21, sess.MessageCount)
	assert.Equal(t, "the user discussed 35 things", sess.Summary)
}

func TestCompactSummaryPlacedAtSpanStart(t *testing.T) {
	s := openTestStore(t)
	llm := &fakeProvider{reply: "summary"}
	sessID := seedSession(t, s, 35)

	before, err := s.GetMessages(sessID)
	require.NoError(t, err)
	earliest := before[0].CreatedAt

	_, err = New(s, llm, 20).Compact(context.Background(), sessID)
	require.NoError(t, err)

	after, err := s.GetMessages(sessID)
	require.NoError(t, err)
	assert.Equal(t, earliest.UnixMilli(), after[0].CreatedAt.UnixMilli())
}

func TestCompactRequestShape(t *testing.T) {
	s := openTestStore(t)
	llm := &fakeProvider{reply: "summary"}
	sessID := seedSession(t, s, 35)

	_, err := New(s, llm, 20).Compact(context.Background(), sessID)
	require.NoError(t, err)

	require.Len(t, llm.requests, 1)
	req := llm.requests[0]
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.1, *req.Temperature, 1e-9)
	assert.Equal(t, 2000, req.MaxTokens)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, chat.RoleSystem, req.Messages[0].Role)
	// the oldest 15 turns are in the transcript, the kept 20 are not
	assert.Contains(t, req.Messages[1].Content, "USER: turn 0")
	assert.Contains(t, req.Messages[1].Content, "turn 14")
	assert.NotContains(t, req.Messages[1].Content, "turn 15")
}

func TestCompactProviderFailureLeavesHistory(t *testing.T) {
	s := openTestStore(t)
	llm := &fakeProvider{err: assert.AnError}
	sessID := seedSession(t, s, 35)

	_, err := New(s, llm, 20).Compact(context.Background(), sessID)
	require.Error(t, err)

	count, err := s.CountMessages(sessID)
	require.NoError(t, err)
	assert.Equal(t, 35, count, "history untouched on failure")
}

func TestTranscriptCapsMessages(t *testing.T) {
	long := strings.Repeat("x", 800)
	span := []store.Message{
		{Role: "user", Content: long},
		{Role: "assistant", Content: "short"},
		{Role: "tool", Content: ""},
	}
	out := Transcript(span)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2, "empty turns are skipped")
	assert.True(t, strings.HasPrefix(lines[0], "USER: "))
	assert.LessOrEqual(t, len(lines[0]), len("USER: ")+503)
	assert.True(t, strings.HasSuffix(lines[0], "..."))
	assert.Equal(t, "ASSISTANT: short", lines[1])
}

func TestTranscriptCapsTotal(t *testing.T) {
	block := strings.Repeat("y", 400)
	var span []store.Message
	for i := 0; i < 200; i++ {
		span = append(span, store.Message{Role: "user", Content: block})
	}
	out := Transcript(span)
	assert.LessOrEqual(t, len(out), 30000)
}
