// Package convo is the conversation engine: per-chat state, the tool
// round loop, compaction scheduling, memory recall, and the channel-
// agnostic manager that owns the live conversations.
package convo

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/hearthlabs/hearth/internal/agent/ability"
	"github.com/hearthlabs/hearth/internal/agent/access"
	"github.com/hearthlabs/hearth/internal/agent/classify"
	"github.com/hearthlabs/hearth/internal/agent/compact"
	"github.com/hearthlabs/hearth/internal/agent/memory"
	"github.com/hearthlabs/hearth/internal/agent/provider"
	"github.com/hearthlabs/hearth/internal/agent/tools"
	"github.com/hearthlabs/hearth/internal/config"
	"github.com/hearthlabs/hearth/internal/logging"
	"github.com/hearthlabs/hearth/internal/store"
)

// Input is one inbound user turn. When the channel received an
// attachment, InputType names it (image, audio, document) and InputPath
// points at the downloaded payload inside the workspace.
type Input struct {
	Text      string
	InputType string
	InputPath string
	MIME      string
}

// Callbacks let channels observe engine activity without the engine
// knowing the channel. All fields are optional.
type Callbacks struct {
	// Deliver sends text outside a request/reply cycle: scheduled task
	// results and sub-agent completions.
	Deliver func(platform, chatID, text string)
	// Status surfaces transient engine states (compaction in progress).
	Status func(platform, chatID, text string)
	// ToolActivity fires before each tool or ability call.
	ToolActivity func(platform, chatID, tool string)
}

// Deps carries the engine's collaborators.
type Deps struct {
	Store     *store.Store
	Config    *config.Config
	Provider  provider.Provider
	Tools     *tools.Registry
	Abilities *ability.Registry
	Memory    *memory.Engine
	Compactor *compact.Compactor
	// PromptExtra contributes per-channel context to the system prompt
	// (the CLI adds its working directory). Optional.
	PromptExtra func(platform, chatID string) string
}

// Manager maps (platform, chatID) to live conversations and routes
// turns, scheduled payloads, and sub-agent completions into them.
type Manager struct {
	store       *store.Store
	cfg         *config.Config
	llm         provider.Provider
	tools       *tools.Registry
	abilities   *ability.Registry
	memory      *memory.Engine
	compactor   *compact.Compactor
	promptExtra func(platform, chatID string) string

	mu        sync.Mutex
	convos    map[string]*Conversation
	callbacks Callbacks
}

func NewManager(d Deps) *Manager {
	return &Manager{
		store:       d.Store,
		cfg:         d.Config,
		llm:         d.Provider,
		tools:       d.Tools,
		abilities:   d.Abilities,
		memory:      d.Memory,
		compactor:   d.Compactor,
		promptExtra: d.PromptExtra,
		convos:      map[string]*Conversation{},
	}
}

// SetCallbacks installs the channel callbacks.
func (m *Manager) SetCallbacks(cb Callbacks) {
	m.mu.Lock()
	m.callbacks = cb
	m.mu.Unlock()
}

func sessionKey(platform, chatID string) string {
	return platform + "/" + chatID
}

// HandleMessage runs one user turn through the engine and returns the
// reply text. A trailing "MEDIA: <path>" line asks the channel to send
// that file. Errors are returned unclassified; the channel renders them
// for the user exactly once.
func (m *Manager) HandleMessage(ctx context.Context, platform, chatID string, user *store.User, in Input, isGroup bool) (string, error) {
	c, err := m.conversation(platform, chatID, user.ID, isGroup)
	if err != nil {
		return "", err
	}
	return c.handle(ctx, user, in)
}

// conversation returns the live conversation for a chat, creating it on
// first contact: session row, eager history load, system prompt.
func (m *Manager) conversation(platform, chatID string, userID int64, isGroup bool) (*Conversation, error) {
	key := sessionKey(platform, chatID)

	m.mu.Lock()
	if c, ok := m.convos[key]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	sess, err := m.store.GetOrCreateSession(platform, chatID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "open session")
	}
	rows, err := m.store.GetMessages(sess.ID)
	if err != nil {
		return nil, errors.Wrap(err, "load history")
	}

	c := &Conversation{
		m:        m,
		session:  sess,
		platform: platform,
		chatID:   chatID,
		isGroup:  isGroup,
	}
	for _, row := range rows {
		c.history = append(c.history, row.AsChat())
	}
	c.prompt = m.promptFor(c)

	m.mu.Lock()
	if existing, ok := m.convos[key]; ok {
		// lost the race to another turn on the same chat
		m.mu.Unlock()
		return existing, nil
	}
	m.convos[key] = c
	m.mu.Unlock()

	logging.L.WithFields(map[string]any{
		"session":  sess.ID,
		"platform": platform,
		"history":  len(c.history),
	}).Info("conversation opened")
	return c, nil
}

// promptFor rebuilds the system prompt for one conversation from current
// store state.
func (m *Manager) promptFor(c *Conversation) string {
	level := access.Public
	if !c.isGroup {
		if u, err := m.store.GetUserByID(c.session.UserID); err == nil {
			level = access.ParseLevel(u.AccessLevel)
		}
	}
	extra := ""
	if m.promptExtra != nil {
		extra = m.promptExtra(c.platform, c.chatID)
	}
	return m.buildPrompt(level, c.isGroup, extra)
}

// RefreshSystemPrompts rebuilds every live conversation's prompt after
// identity, rule, config, or ability changes.
func (m *Manager) RefreshSystemPrompts() {
	m.mu.Lock()
	live := make([]*Conversation, 0, len(m.convos))
	for _, c := range m.convos {
		live = append(live, c)
	}
	m.mu.Unlock()

	for _, c := range live {
		c.setPrompt(m.promptFor(c))
	}
	logging.L.WithField("conversations", len(live)).Debug("system prompts refreshed")
}

// Live reports the number of conversations held in memory.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.convos)
}

// Forget archives a chat's session and drops its live conversation; the
// next message starts fresh.
func (m *Manager) Forget(platform, chatID string) error {
	key := sessionKey(platform, chatID)

	m.mu.Lock()
	c, ok := m.convos[key]
	delete(m.convos, key)
	m.mu.Unlock()

	if ok {
		return m.store.ArchiveSession(c.session.ID)
	}
	if sess, err := m.store.ActiveSession(platform, chatID); err == nil {
		return m.store.ArchiveSession(sess.ID)
	}
	return nil
}

// deliver sends out-of-band text through the channel callback.
func (m *Manager) deliver(platform, chatID, text string) {
	m.mu.Lock()
	fn := m.callbacks.Deliver
	m.mu.Unlock()
	if fn != nil {
		fn(platform, chatID, text)
	}
}

func (m *Manager) status(platform, chatID, text string) {
	m.mu.Lock()
	fn := m.callbacks.Status
	m.mu.Unlock()
	if fn != nil {
		fn(platform, chatID, text)
	}
}

func (m *Manager) toolActivity(platform, chatID, tool string) {
	m.mu.Lock()
	fn := m.callbacks.ToolActivity
	m.mu.Unlock()
	if fn != nil {
		fn(platform, chatID, tool)
	}
}

// HandleSystemTurn injects a synthetic user turn into a chat's active
// session and delivers the reply through the delivery callback. It is
// the entry point for scheduled task payloads and sub-agent completions.
func (m *Manager) HandleSystemTurn(ctx context.Context, platform, chatID, text string) {
	log := logging.G(ctx).WithFields(map[string]any{
		"platform": platform,
		"chat":     chatID,
	})

	sess, err := m.store.ActiveSession(platform, chatID)
	if err != nil {
		// No live session to reason in; at least hand the raw text over.
		log.WithError(err).Warn("no active session for system turn, delivering raw payload")
		m.deliver(platform, chatID, text)
		return
	}
	user, err := m.store.GetUserByID(sess.UserID)
	if err != nil {
		log.WithError(err).Warn("system turn user vanished, delivering raw payload")
		m.deliver(platform, chatID, text)
		return
	}

	reply, err := m.HandleMessage(ctx, platform, chatID, user, Input{Text: text}, false)
	if err != nil {
		log.WithError(err).Warn("system turn failed")
		m.deliver(platform, chatID, classify.UserMessage(err))
		return
	}
	m.deliver(platform, chatID, reply)
}

// DeliverTask adapts HandleSystemTurn to the scheduler's delivery
// signature. CreatedBy carries "platform/chatID".
func (m *Manager) DeliverTask(ctx context.Context, task store.ScheduledTask) {
	platform, chatID, ok := strings.Cut(task.CreatedBy, "/")
	if !ok {
		logging.G(ctx).WithFields(map[string]any{
			"task":       task.ID,
			"created_by": task.CreatedBy,
		}).Warn("task has no routable origin, dropping payload")
		return
	}
	m.HandleSystemTurn(ctx, platform, chatID, fmt.Sprintf("[scheduled task %q] %s", task.Name, task.Payload))
}

// NotifySubagentDone routes a sub-agent completion back into the parent
// session as a synthetic turn so the agent can report the outcome.
func (m *Manager) NotifySubagentDone(runID, status, output string, parentSessionID int64) {
	ctx := context.Background()
	sess, err := m.store.GetSession(parentSessionID)
	if err != nil {
		logging.L.WithField("run_id", runID).WithError(err).Warn("sub-agent parent session vanished")
		return
	}
	m.HandleSystemTurn(ctx, sess.Platform, sess.PlatformChatID,
		fmt.Sprintf("[sub-agent %s finished: %s] %s", runID, status, output))
}
