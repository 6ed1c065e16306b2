// Package subagent runs bounded background workers: each spawn gets its
// own tool loop at owner tier minus the blocked set, a wall-clock
// timeout, and a persisted run record that outlives the process.
package subagent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hearthlabs/hearth/internal/agent/access"
	"github.com/hearthlabs/hearth/internal/agent/chat"
	"github.com/hearthlabs/hearth/internal/agent/provider"
	"github.com/hearthlabs/hearth/internal/agent/tools"
	"github.com/hearthlabs/hearth/internal/config"
	"github.com/hearthlabs/hearth/internal/logging"
	"github.com/hearthlabs/hearth/internal/store"
)

// CompletionFunc is invoked after a run reaches a terminal state and its
// record is written. The conversation layer uses it to tell the parent
// session how the worker ended.
type CompletionFunc func(runID, status, output string, parentSessionID int64)

const exhaustionDirective = "STOP. You have used your full tool budget. " +
	"Do not request any more tools; summarize what you accomplished and what remains."

type Manager struct {
	store    *store.Store
	cfg      *config.Config
	llm      provider.Provider
	registry *tools.Registry

	mu         sync.Mutex
	active     map[string]context.CancelFunc
	basePrompt func() string
	onDone     CompletionFunc
}

func New(st *store.Store, cfg *config.Config, llm provider.Provider, registry *tools.Registry) *Manager {
	return &Manager{
		store:    st,
		cfg:      cfg,
		llm:      llm,
		registry: registry,
		active:   map[string]context.CancelFunc{},
	}
}

// SetBasePrompt installs the provider of the live system prompt; the
// worker-privileges stanza is appended to whatever it returns.
func (m *Manager) SetBasePrompt(fn func() string) {
	m.mu.Lock()
	m.basePrompt = fn
	m.mu.Unlock()
}

// SetCompletionFunc installs the terminal-state callback.
func (m *Manager) SetCompletionFunc(fn CompletionFunc) {
	m.mu.Lock()
	m.onDone = fn
	m.mu.Unlock()
}

// SweepStale fails every run still marked running. Called once at
// startup, before any spawn, so leftovers from the previous process do
// not read as live work.
func (m *Manager) SweepStale(ctx context.Context) error {
	n, err := m.store.SweepStaleRuns("bot restarted")
	if err != nil {
		return err
	}
	if n > 0 {
		logging.G(ctx).WithField("runs", n).Warn("swept stale sub-agent runs")
	}
	return nil
}

// Active reports the number of in-flight workers.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Runs returns recent run records, newest first.
func (m *Manager) Runs(ctx context.Context, limit int) ([]store.SubagentRun, error) {
	return m.store.ListRuns(limit)
}

// Spawn starts one background worker for the task. The run record is
// persisted before the worker goroutine exists, so a crash between the
// two leaves a sweepable row instead of silent loss.
func (m *Manager) Spawn(ctx context.Context, parentSessionID int64, task string) (string, error) {
	if !m.cfg.Bool("subagents.enabled", true) {
		return "", errors.New("sub-agents are disabled")
	}
	maxConcurrent := m.cfg.Int("subagents.max_concurrent", 2)

	runID := uuid.NewString()
	workerCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if len(m.active) >= maxConcurrent {
		n := len(m.active)
		m.mu.Unlock()
		cancel()
		return "", errors.Errorf("sub-agent limit reached (%d running, max %d)", n, maxConcurrent)
	}
	m.active[runID] = cancel
	m.mu.Unlock()

	run := &store.SubagentRun{
		RunID:           runID,
		ParentSessionID: parentSessionID,
		Task:            task,
		Model:           m.cfg.String("provider.active_model", ""),
	}
	if err := m.store.InsertRun(run); err != nil {
		m.release(runID)
		return "", errors.Wrap(err, "persist run")
	}

	logging.G(ctx).WithFields(map[string]any{
		"run_id":         runID,
		"parent_session": parentSessionID,
	}).Info("sub-agent spawned")

	go m.work(workerCtx, run)
	return runID, nil
}

// Cancel aborts a live worker. The worker itself writes the cancelled
// record when its context dies.
func (m *Manager) Cancel(ctx context.Context, runID string) error {
	m.mu.Lock()
	cancel, ok := m.active[runID]
	m.mu.Unlock()
	if !ok {
		return errors.Errorf("no active sub-agent run %s", runID)
	}
	cancel()
	logging.G(ctx).WithField("run_id", runID).Info("sub-agent cancel requested")
	return nil
}

func (m *Manager) release(runID string) {
	m.mu.Lock()
	if cancel, ok := m.active[runID]; ok {
		cancel()
		delete(m.active, runID)
	}
	m.mu.Unlock()
}

func (m *Manager) work(ctx context.Context, run *store.SubagentRun) {
	log := logging.L.WithField("run_id", run.RunID)
	ctx = logging.WithLogger(ctx, log)

	timeout := time.Duration(m.cfg.Int("subagents.timeout_seconds", 900)) * time.Second
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	// Tool handlers see a synthetic caller so work created by a worker
	// (scheduled tasks and the like) is attributed to the run.
	ctx = tools.WithCaller(ctx, tools.Caller{
		Level:     access.Owner,
		SessionID: run.ParentSessionID,
		Platform:  "subagent",
		ChatID:    run.RunID,
	})

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("sub-agent worker panicked")
			m.finish(run, store.RunFailed, "", fmt.Sprintf("worker panicked: %v", r), chat.Usage{})
		}
	}()

	status, result, errText, usage := m.loop(ctx, run, timeout)
	m.finish(run, status, result, errText, usage)
}

// loop is the worker's round loop: same shape as the conversation
// engine's, with the sub-agent round cap and tool filter.
func (m *Manager) loop(ctx context.Context, run *store.SubagentRun, timeout time.Duration) (status, result, errText string, usage chat.Usage) {
	messages := []chat.Message{
		chat.System(m.workerPrompt()),
		chat.User(run.Task),
	}
	defs := m.registry.SchemasForSubagent()
	maxRounds := m.cfg.Int("subagents.max_tool_rounds", 25)
	log := logging.G(ctx)

	for round := 0; round < maxRounds; round++ {
		resp, err := m.llm.Chat(ctx, &provider.ChatRequest{
			Messages: messages,
			Model:    run.Model,
			Tools:    defs,
		})
		if err != nil {
			return terminalFor(ctx, err, timeout, usage)
		}
		usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			return store.RunCompleted, strings.TrimSpace(resp.Content), "", usage
		}

		messages = append(messages, chat.Message{
			Role:      chat.RoleAssistant,
			Content:   resp.Content,
			Kind:      chat.KindToolCalls,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			log.WithField("tool", call.Name).Debug("sub-agent tool call")
			out := m.registry.ExecuteSubagent(ctx, call)
			messages = append(messages, chat.ToolResult(call.ID, call.Name, out.Content))
		}
	}

	// Round cap: one forced turn with no tools on offer.
	log.WithField("rounds", maxRounds).Warn("sub-agent hit round cap")
	messages = append(messages, chat.System(exhaustionDirective))
	resp, err := m.llm.Chat(ctx, &provider.ChatRequest{
		Messages: messages,
		Model:    run.Model,
	})
	if err != nil {
		return terminalFor(ctx, err, timeout, usage)
	}
	usage.Add(resp.Usage)
	return store.RunCompleted, strings.TrimSpace(resp.Content), "", usage
}

// terminalFor maps a provider failure to a terminal run state,
// distinguishing timeout, cancellation, and genuine errors.
func terminalFor(ctx context.Context, err error, timeout time.Duration, usage chat.Usage) (string, string, string, chat.Usage) {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return store.RunFailed, "", fmt.Sprintf("timed out after %s", timeout), usage
	case context.Canceled:
		return store.RunCancelled, "", "cancelled", usage
	default:
		return store.RunFailed, "", err.Error(), usage
	}
}

func (m *Manager) finish(run *store.SubagentRun, status, result, errText string, usage chat.Usage) {
	if err := m.store.FinishRun(run.RunID, status, result, errText, usage.InputTokens, usage.OutputTokens); err != nil {
		logging.L.WithField("run_id", run.RunID).WithError(err).Error("could not record sub-agent completion")
	}
	m.release(run.RunID)

	logging.L.WithFields(map[string]any{
		"run_id": run.RunID,
		"status": status,
	}).Info("sub-agent finished")

	m.mu.Lock()
	onDone := m.onDone
	m.mu.Unlock()
	if onDone != nil {
		output := result
		if output == "" {
			output = errText
		}
		onDone(run.RunID, status, output, run.ParentSessionID)
	}
}

// workerPrompt is the base system prompt plus the worker-privileges
// stanza naming what the worker may and may not touch.
func (m *Manager) workerPrompt() string {
	m.mu.Lock()
	base := m.basePrompt
	m.mu.Unlock()

	var b strings.Builder
	if base != nil {
		if p := strings.TrimSpace(base()); p != "" {
			b.WriteString(p)
			b.WriteString("\n\n")
		}
	}

	var allowed []string
	for _, def := range m.registry.SchemasForSubagent() {
		allowed = append(allowed, def.Name)
	}
	denied := make([]string, 0, len(access.SubagentBlockedTools))
	for name := range access.SubagentBlockedTools {
		denied = append(denied, name)
	}
	sort.Strings(denied)

	b.WriteString("You are a sub-agent worker. Complete the task you were given autonomously and ")
	b.WriteString("make your final message a self-contained report of the outcome.\n")
	b.WriteString("Available tools: ")
	if len(allowed) > 0 {
		b.WriteString(strings.Join(allowed, ", "))
	} else {
		b.WriteString("none")
	}
	b.WriteString(".\nUnavailable to sub-agents: ")
	b.WriteString(strings.Join(denied, ", "))
	b.WriteString(". Do not attempt to use them or to spawn further sub-agents.")
	return b.String()
}
