package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthlabs/hearth/internal/agent/access"
	"github.com/hearthlabs/hearth/internal/agent/chat"
	"github.com/hearthlabs/hearth/internal/agent/provider"
	"github.com/hearthlabs/hearth/internal/agent/tools"
	"github.com/hearthlabs/hearth/internal/config"
	"github.com/hearthlabs/hearth/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "hearth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromBytes([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

const defaultTestConfig = `
subagents:
  enabled: true
  max_concurrent: 2
  timeout_seconds: 900
  max_tool_rounds: 25
provider:
  active_model: test-model
`

// scriptedProvider returns canned responses in order; when the script
// runs out, it repeats the last entry.
type scriptedProvider struct {
	mu       sync.Mutex
	script   []provider.ChatResponse
	requests []provider.ChatRequest
	chatFn   func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	if p.chatFn != nil {
		return p.chatFn(ctx, req)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, *req)
	idx := len(p.requests) - 1
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	resp := p.script[idx]
	return &resp, nil
}

func (p *scriptedProvider) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	return nil, nil
}
func (p *scriptedProvider) EmbedDimensions() int     { return 0 }
func (p *scriptedProvider) SupportsVision() bool     { return false }
func (p *scriptedProvider) ContextWindow() int       { return 200000 }
func (p *scriptedProvider) ReservedOutput() int      { return 8192 }
func (p *scriptedProvider) ConsumeAuthFailure() bool { return false }

func (p *scriptedProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func testRegistry() *tools.Registry {
	r := tools.NewRegistry()
	r.Register(&tools.Tool{
		Name:        "echo",
		Description: "echoes",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Enabled:     true,
		Scrub:       tools.ScrubNone,
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "echoed", nil
		},
	})
	r.Register(&tools.Tool{
		Name:          "spawn_subagent",
		Description:   "spawns",
		Parameters:    map[string]any{"type": "object", "properties": map[string]any{}},
		RequiresLevel: access.Owner,
		Enabled:       true,
		Scrub:         tools.ScrubNone,
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			return "should never run inside a worker", nil
		},
	})
	return r
}

func toolCallResponse(name string) provider.ChatResponse {
	return provider.ChatResponse{
		ToolCalls: []chat.ToolCall{{ID: "call-1", Name: name, Args: json.RawMessage(`{}`)}},
		Usage:     chat.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func finalResponse(content string) provider.ChatResponse {
	return provider.ChatResponse{Content: content, Usage: chat.Usage{InputTokens: 10, OutputTokens: 5}}
}

func waitForStatus(t *testing.T, st *store.Store, runID string, want string) *store.SubagentRun {
	t.Helper()
	var run *store.SubagentRun
	require.Eventually(t, func() bool {
		r, err := st.GetRun(runID)
		if err != nil {
			return false
		}
		run = r
		return r.Status == want
	}, 5*time.Second, 10*time.Millisecond, "run %s never reached %s", runID, want)
	return run
}

func TestSpawnRunsToolLoopToCompletion(t *testing.T) {
	st := openTestStore(t)
	prov := &scriptedProvider{script: []provider.ChatResponse{
		toolCallResponse("echo"),
		finalResponse("task done: found 3 items"),
	}}
	m := New(st, testConfig(t, defaultTestConfig), prov, testRegistry())

	var (
		mu       sync.Mutex
		doneRun  string
		doneStat string
		doneOut  string
		doneSess int64
	)
	m.SetCompletionFunc(func(runID, status, output string, parentSessionID int64) {
		mu.Lock()
		defer mu.Unlock()
		doneRun, doneStat, doneOut, doneSess = runID, status, output, parentSessionID
	})

	runID, err := m.Spawn(context.Background(), 42, "count the items")
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	run := waitForStatus(t, st, runID, store.RunCompleted)
	assert.Equal(t, "task done: found 3 items", run.Result)
	assert.Equal(t, int64(42), run.ParentSessionID)
	assert.Equal(t, "test-model", run.Model)
	assert.Equal(t, 20, run.InputTokens)
	assert.Equal(t, 10, run.OutputTokens)
	require.NotNil(t, run.CompletedAt)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return doneRun == runID
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, store.RunCompleted, doneStat)
	assert.Equal(t, "task done: found 3 items", doneOut)
	assert.Equal(t, int64(42), doneSess)
	mu.Unlock()

	assert.Equal(t, 0, m.Active())
}

func TestSpawnPersistsRecordBeforeWorker(t *testing.T) {
	st := openTestStore(t)
	started := make(chan struct{})
	release := make(chan struct{})
	prov := &scriptedProvider{chatFn: func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		close(started)
		<-release
		return &provider.ChatResponse{Content: "done"}, nil
	}}
	m := New(st, testConfig(t, defaultTestConfig), prov, testRegistry())

	runID, err := m.Spawn(context.Background(), 1, "wait around")
	require.NoError(t, err)

	// The record is visible in running state while the worker blocks.
	run, err := st.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunRunning, run.Status)
	assert.Equal(t, "wait around", run.Task)

	<-started
	assert.Equal(t, 1, m.Active())
	close(release)
	waitForStatus(t, st, runID, store.RunCompleted)
}

func TestSpawnHonorsDisabledFlag(t *testing.T) {
	st := openTestStore(t)
	m := New(st, testConfig(t, "subagents:\n  enabled: false\n"), &scriptedProvider{}, testRegistry())

	_, err := m.Spawn(context.Background(), 1, "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func TestSpawnEnforcesConcurrencyCap(t *testing.T) {
	st := openTestStore(t)
	release := make(chan struct{})
	prov := &scriptedProvider{chatFn: func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		<-release
		return &provider.ChatResponse{Content: "done"}, nil
	}}
	cfg := testConfig(t, "subagents:\n  enabled: true\n  max_concurrent: 2\nprovider:\n  active_model: test-model\n")
	m := New(st, cfg, prov, testRegistry())

	first, err := m.Spawn(context.Background(), 1, "one")
	require.NoError(t, err)
	second, err := m.Spawn(context.Background(), 1, "two")
	require.NoError(t, err)

	_, err = m.Spawn(context.Background(), 1, "three")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sub-agent limit reached (2 running, max 2)")

	close(release)
	waitForStatus(t, st, first, store.RunCompleted)
	waitForStatus(t, st, second, store.RunCompleted)

	// Slots free up once workers finish.
	require.Eventually(t, func() bool { return m.Active() == 0 }, 5*time.Second, 10*time.Millisecond)
	_, err = m.Spawn(context.Background(), 1, "four")
	require.NoError(t, err)
}

func TestWorkerRejectsBlockedTools(t *testing.T) {
	st := openTestStore(t)
	prov := &scriptedProvider{script: []provider.ChatResponse{
		toolCallResponse("spawn_subagent"),
		finalResponse("gave up on nesting"),
	}}
	m := New(st, testConfig(t, defaultTestConfig), prov, testRegistry())

	runID, err := m.Spawn(context.Background(), 7, "try to nest")
	require.NoError(t, err)
	waitForStatus(t, st, runID, store.RunCompleted)

	// The second request carries the denial as the tool result.
	prov.mu.Lock()
	defer prov.mu.Unlock()
	require.Len(t, prov.requests, 2)
	last := prov.requests[1].Messages[len(prov.requests[1].Messages)-1]
	assert.Equal(t, chat.RoleTool, last.Role)
	assert.Contains(t, last.Content, `"spawn_subagent" is not available to sub-agents`)
}

func TestWorkerRoundCapForcesTerminalTurn(t *testing.T) {
	st := openTestStore(t)
	prov := &scriptedProvider{script: []provider.ChatResponse{
		toolCallResponse("echo"), // repeated for every scripted round
	}}
	cfg := testConfig(t, "subagents:\n  enabled: true\n  max_concurrent: 2\n  max_tool_rounds: 3\nprovider:\n  active_model: test-model\n")

	// After three tool rounds the worker must issue one no-tools call;
	// answer that one with plain content.
	calls := 0
	base := prov
	base.chatFn = func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		base.mu.Lock()
		base.requests = append(base.requests, *req)
		calls++
		n := calls
		base.mu.Unlock()
		if n <= 3 {
			resp := toolCallResponse("echo")
			return &resp, nil
		}
		resp := finalResponse("partial progress report")
		return &resp, nil
	}
	m := New(st, cfg, prov, testRegistry())

	runID, err := m.Spawn(context.Background(), 7, "loop forever")
	require.NoError(t, err)
	run := waitForStatus(t, st, runID, store.RunCompleted)
	assert.Equal(t, "partial progress report", run.Result)

	prov.mu.Lock()
	defer prov.mu.Unlock()
	require.Len(t, prov.requests, 4)
	final := prov.requests[3]
	assert.Empty(t, final.Tools, "the forced terminal turn must not offer tools")
	foundDirective := false
	for _, msg := range final.Messages {
		if msg.Role == chat.RoleSystem && strings.Contains(msg.Content, "STOP") {
			foundDirective = true
		}
	}
	assert.True(t, foundDirective, "exhaustion directive missing from the forced turn")
}

func TestWorkerTimesOut(t *testing.T) {
	st := openTestStore(t)
	prov := &scriptedProvider{chatFn: func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	cfg := testConfig(t, "subagents:\n  enabled: true\n  timeout_seconds: 1\nprovider:\n  active_model: test-model\n")
	m := New(st, cfg, prov, testRegistry())

	runID, err := m.Spawn(context.Background(), 7, "stall")
	require.NoError(t, err)

	run := waitForStatus(t, st, runID, store.RunFailed)
	assert.Contains(t, run.Error, "timed out after 1s")
	assert.Equal(t, 0, m.Active())
}

func TestCancelMarksRunCancelled(t *testing.T) {
	st := openTestStore(t)
	started := make(chan struct{})
	prov := &scriptedProvider{chatFn: func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	m := New(st, testConfig(t, defaultTestConfig), prov, testRegistry())

	runID, err := m.Spawn(context.Background(), 7, "long job")
	require.NoError(t, err)
	<-started

	require.NoError(t, m.Cancel(context.Background(), runID))
	run := waitForStatus(t, st, runID, store.RunCancelled)
	assert.Equal(t, "cancelled", run.Error)

	// A second cancel finds nothing active.
	require.Eventually(t, func() bool { return m.Active() == 0 }, 5*time.Second, 10*time.Millisecond)
	err = m.Cancel(context.Background(), runID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no active sub-agent run")
}

func TestWorkerPanicIsIsolated(t *testing.T) {
	st := openTestStore(t)
	prov := &scriptedProvider{chatFn: func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		panic("provider exploded")
	}}
	m := New(st, testConfig(t, defaultTestConfig), prov, testRegistry())

	runID, err := m.Spawn(context.Background(), 7, "boom")
	require.NoError(t, err)

	run := waitForStatus(t, st, runID, store.RunFailed)
	assert.Contains(t, run.Error, "worker panicked: provider exploded")
	assert.Equal(t, 0, m.Active())
}

func TestSweepStaleFailsLeftoverRuns(t *testing.T) {
	st := openTestStore(t)
	stale := &store.SubagentRun{RunID: "stale-1", ParentSessionID: 3, Task: "left behind"}
	require.NoError(t, st.InsertRun(stale))

	m := New(st, testConfig(t, defaultTestConfig), &scriptedProvider{}, testRegistry())
	require.NoError(t, m.SweepStale(context.Background()))

	run, err := st.GetRun("stale-1")
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Equal(t, "bot restarted", run.Error)
	require.NotNil(t, run.CompletedAt)
}

func TestWorkerPromptNamesPrivileges(t *testing.T) {
	st := openTestStore(t)
	m := New(st, testConfig(t, defaultTestConfig), &scriptedProvider{}, testRegistry())
	m.SetBasePrompt(func() string { return "You are Hearth." })

	prompt := m.workerPrompt()
	assert.True(t, strings.HasPrefix(prompt, "You are Hearth."))
	assert.Contains(t, prompt, "sub-agent worker")
	assert.Contains(t, prompt, "Available tools: echo")
	assert.Contains(t, prompt, "spawn_subagent")
	assert.Contains(t, prompt, "Do not attempt to use them")
}

func TestRunsListsRecent(t *testing.T) {
	st := openTestStore(t)
	prov := &scriptedProvider{script: []provider.ChatResponse{finalResponse("ok")}}
	m := New(st, testConfig(t, defaultTestConfig), prov, testRegistry())

	runID, err := m.Spawn(context.Background(), 1, fmt.Sprintf("job %d", 1))
	require.NoError(t, err)
	waitForStatus(t, st, runID, store.RunCompleted)

	runs, err := m.Runs(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].RunID)
}
