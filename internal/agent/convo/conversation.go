package convo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/hearthlabs/hearth/internal/agent/ability"
	"github.com/hearthlabs/hearth/internal/agent/access"
	"github.com/hearthlabs/hearth/internal/agent/chat"
	"github.com/hearthlabs/hearth/internal/agent/classify"
	"github.com/hearthlabs/hearth/internal/agent/contextwin"
	"github.com/hearthlabs/hearth/internal/agent/provider"
	"github.com/hearthlabs/hearth/internal/agent/tools"
	"github.com/hearthlabs/hearth/internal/logging"
	"github.com/hearthlabs/hearth/internal/store"
)

const (
	// compactThreshold is the fraction of the context window at which a
	// pre-flight compaction runs before calling the provider.
	compactThreshold = 0.90

	compactingNotice = "One moment, summarizing our conversation so far..."

	exhaustionDirective = "STOP — summarize progress. You have used your entire tool budget " +
		"for this reply. Do not request any more tools; report what you did and what is left."

	roundCapNotice = "(I hit my tool budget for this reply and stopped early.)"

	authFailureNotice = "My API credentials were rejected, so I can't think right now. " +
		"The owner needs to check the provider configuration."

	mediaPrefix = "MEDIA: "
)

// Conversation is the engine state for one chat: the active session,
// the in-memory history cache, and per-turn scratch. A mutex serializes
// turns so tool rounds never interleave within a chat.
type Conversation struct {
	m        *Manager
	session  *store.Session
	platform string
	chatID   string
	isGroup  bool

	mu      sync.Mutex
	prompt  string
	history []chat.Message

	// per-turn scratch
	pendingMedia    string
	cachedInputType string
	cachedInputData string
}

func (c *Conversation) setPrompt(p string) {
	c.mu.Lock()
	c.prompt = p
	c.mu.Unlock()
}

// SessionID exposes the backing session row.
func (c *Conversation) SessionID() int64 { return c.session.ID }

// handle runs one user turn: pre-process attachments, persist, compact
// if needed, recall memories, then drive the tool round loop.
func (c *Conversation) handle(ctx context.Context, user *store.User, in Input) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	level := access.Effective(access.ParseLevel(user.AccessLevel), c.isGroup)
	log := logging.G(ctx).WithFields(map[string]any{
		"session": c.session.ID,
		"user_id": user.ID,
	})
	ctx = logging.WithLogger(ctx, log)
	ctx = tools.WithCaller(ctx, tools.Caller{
		UserID:    user.ID,
		Level:     level,
		SessionID: c.session.ID,
		Platform:  c.platform,
		ChatID:    c.chatID,
	})

	c.pendingMedia = ""
	c.cachedInputType = ""
	c.cachedInputData = ""

	userMsg := c.preProcess(ctx, in)
	if strings.TrimSpace(userMsg.Content) == "" && userMsg.Image == nil {
		return "", classify.New(classify.KindBadRequest, "empty message")
	}

	if _, err := c.m.store.AppendMessage(c.session.ID, userMsg); err != nil {
		return "", errors.Wrap(err, "persist user turn")
	}
	c.history = append(c.history, userMsg)

	c.maybeCompact(ctx)

	memBlock := c.recallBlock(ctx, userMsg.Content, user.ID, level)

	defs := c.m.tools.SchemasForLevel(level)
	defs = append(defs, c.m.abilities.SchemasForLevel(level)...)

	reply, err := c.rounds(ctx, level, user.ID, memBlock, defs)
	if err != nil {
		return "", err
	}

	if c.m.cfg.Bool("memory.auto_capture", true) && in.Text != "" {
		go c.autoCapture(in.Text, user.ID)
	}
	return reply, nil
}

// preProcess applies ability-first input handling: the first enabled
// priority ability that handles the input type transforms the payload to
// text. On failure the engine falls back to native vision for images,
// otherwise the turn proceeds as plain text.
func (c *Conversation) preProcess(ctx context.Context, in Input) chat.Message {
	text := strings.ReplaceAll(in.Text, "\x00", "")
	msg := chat.User(text)
	if in.InputType == "" {
		msg.Content = text
		return msg
	}

	log := logging.G(ctx).WithField("input_type", in.InputType)
	c.cachedInputType = in.InputType
	c.cachedInputData = in.InputPath

	res, name, handled := c.m.abilities.PreProcess(ctx, in.InputType, in.InputPath, text)
	if handled && res.Success {
		log.WithField("ability", name).Debug("input pre-processed")
		msg.Content = joinProcessed(text, in.InputType, res.Result)
		return msg
	}
	if handled {
		log.WithFields(map[string]any{"ability": name, "error": res.Error}).Warn("input pre-processing failed")
	}

	if in.InputType == "image" && c.m.llm.SupportsVision() {
		if img, err := inlineImage(in.InputPath, in.MIME); err != nil {
			log.WithError(err).Warn("could not inline image for native vision")
		} else {
			msg.Kind = chat.KindImage
			msg.Image = img
			if msg.Content == "" {
				msg.Content = "(image attached)"
			}
			return msg
		}
	}

	if msg.Content == "" {
		msg.Content = fmt.Sprintf("[the user sent an unprocessable %s attachment]", in.InputType)
	}
	return msg
}

// joinProcessed appends an ability's text rendering of an attachment to
// the user's caption.
func joinProcessed(text, inputType, rendered string) string {
	block := fmt.Sprintf("[%s content]\n%s", inputType, strings.TrimSpace(rendered))
	if strings.TrimSpace(text) == "" {
		return block
	}
	return text + "\n\n" + block
}

// inlineImage loads a workspace file as a base64 attachment.
func inlineImage(path, mime string) (*chat.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read image")
	}
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return &chat.Image{MIME: mime, Base64: base64.StdEncoding.EncodeToString(data)}, nil
}

func (c *Conversation) window() contextwin.Window {
	return contextwin.Window{
		MaxContext:     c.m.llm.ContextWindow(),
		ReservedOutput: c.m.llm.ReservedOutput(),
	}
}

// maybeCompact folds old history before the provider call when the
// estimate crosses the threshold.
func (c *Conversation) maybeCompact(ctx context.Context) {
	if !c.window().ShouldCompact(c.history, compactThreshold) {
		return
	}
	c.m.status(c.platform, c.chatID, compactingNotice)

	done, err := c.m.compactor.Compact(ctx, c.session.ID)
	if err != nil {
		logging.G(ctx).WithError(err).Warn("pre-flight compaction failed")
		return
	}
	if !done {
		return
	}
	rows, err := c.m.store.GetMessages(c.session.ID)
	if err != nil {
		logging.G(ctx).WithError(err).Warn("could not reload history after compaction")
		return
	}
	c.history = c.history[:0]
	for _, row := range rows {
		c.history = append(c.history, row.AsChat())
	}
}

// recallBlock renders access-filtered memory recall as one system
// message body, or "" when nothing relevant surfaced.
func (c *Conversation) recallBlock(ctx context.Context, query string, userID int64, level access.Level) string {
	limit := c.m.cfg.Int("memory.recall_limit", 5)
	recalled, err := c.m.memory.Recall(ctx, query, limit, userID, level)
	if err != nil {
		logging.G(ctx).WithError(err).Warn("memory recall failed")
		return ""
	}
	if len(recalled) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant memories:\n")
	for _, r := range recalled {
		fmt.Fprintf(&b, "- [%s] %s\n", r.Category, r.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// assemble builds the provider context: system prompt, optional memory
// block, then history, trimmed to the window.
func (c *Conversation) assemble(memBlock string) []chat.Message {
	msgs := make([]chat.Message, 0, len(c.history)+2)
	msgs = append(msgs, chat.System(c.prompt))
	if memBlock != "" {
		msgs = append(msgs, chat.System(memBlock))
	}
	msgs = append(msgs, c.history...)
	return c.window().Trim(msgs)
}

// rounds drives the tool loop until the model answers in plain text or
// the round budget runs out.
func (c *Conversation) rounds(ctx context.Context, level access.Level, userID int64, memBlock string, defs []chat.ToolDefinition) (string, error) {
	maxRounds := c.m.cfg.Int("session.max_tool_rounds", 100)
	thinking := c.m.cfg.Int("session.thinking_budget", 0)
	log := logging.G(ctx)

	for round := 0; round < maxRounds; round++ {
		resp, err := c.m.llm.Chat(ctx, &provider.ChatRequest{
			Messages:       c.assemble(memBlock),
			Tools:          defs,
			ThinkingBudget: thinking,
		})
		if err != nil {
			return c.providerFailure(err)
		}

		if len(resp.ToolCalls) == 0 {
			return c.finalize(resp.Content)
		}

		assistant := chat.Message{
			Role:      chat.RoleAssistant,
			Content:   resp.Content,
			Kind:      chat.KindToolCalls,
			ToolCalls: resp.ToolCalls,
		}
		if _, err := c.m.store.AppendMessage(c.session.ID, assistant); err != nil {
			return "", errors.Wrap(err, "persist assistant turn")
		}
		c.history = append(c.history, assistant)

		for _, call := range resp.ToolCalls {
			c.m.toolActivity(c.platform, c.chatID, call.Name)
			log.WithFields(map[string]any{"tool": call.Name, "round": round + 1}).Debug("tool call")

			content := c.dispatch(ctx, call, level, userID)
			if path, ok := mediaSuffix(content); ok {
				c.pendingMedia = path
			}

			toolMsg := chat.ToolResult(call.ID, call.Name, content)
			if _, err := c.m.store.AppendMessage(c.session.ID, toolMsg); err != nil {
				return "", errors.Wrap(err, "persist tool result")
			}
			c.history = append(c.history, toolMsg)
		}
	}

	// Budget exhausted: one forced turn with no tools on offer.
	log.WithField("rounds", maxRounds).Warn("tool round cap reached")
	msgs := append(c.assemble(memBlock), chat.System(exhaustionDirective))
	resp, err := c.m.llm.Chat(ctx, &provider.ChatRequest{
		Messages:       msgs,
		ThinkingBudget: thinking,
	})
	if err != nil {
		return c.providerFailure(err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		text = roundCapNotice
	} else {
		text += "\n\n" + roundCapNotice
	}
	return c.finalize(text)
}

// dispatch routes one call to the tool registry or the ability registry.
// Builtin tool names win collisions; unknown names fall through to the
// tool registry, whose correction text teaches the model its real tools.
func (c *Conversation) dispatch(ctx context.Context, call chat.ToolCall, level access.Level, userID int64) string {
	if _, ok := c.m.tools.Get(call.Name); ok {
		return c.m.tools.Execute(ctx, call, level).Content
	}
	if _, ok := c.m.abilities.Get(call.Name); ok {
		return c.dispatchAbility(ctx, call, level, userID)
	}
	return c.m.tools.Execute(ctx, call, level).Content
}

func (c *Conversation) dispatchAbility(ctx context.Context, call chat.ToolCall, level access.Level, userID int64) string {
	var params map[string]any
	if len(call.Args) > 0 {
		if err := json.Unmarshal(call.Args, &params); err != nil {
			return fmt.Sprintf("Error: arguments are not valid JSON: %v", err)
		}
	}

	res := c.m.abilities.Execute(ctx, call.Name, params, &ability.Context{
		UserID:    userID,
		SessionID: c.session.ID,
		Level:     level,
		InputType: c.cachedInputType,
		InputData: c.cachedInputData,
	})

	if len(res.Media) > 0 {
		if len(res.Media) > 1 {
			logging.G(ctx).WithFields(map[string]any{
				"ability":   call.Name,
				"discarded": len(res.Media) - 1,
			}).Warn("only the last media path is delivered")
		}
		c.pendingMedia = res.Media[len(res.Media)-1]
	}
	if !res.Success {
		return "Error: " + res.Error
	}
	return res.Result
}

// providerFailure turns a chat error into either the one-shot auth
// notice (persisted, returned as the reply) or a propagated error for
// the channel to classify.
func (c *Conversation) providerFailure(err error) (string, error) {
	if c.m.llm.ConsumeAuthFailure() {
		notice := chat.Assistant(authFailureNotice)
		if _, perr := c.m.store.AppendMessage(c.session.ID, notice); perr != nil {
			logging.L.WithError(perr).Warn("could not persist auth notice")
		}
		c.history = append(c.history, notice)
		return authFailureNotice, nil
	}
	return "", err
}

// finalize persists the assistant reply, attaching pending media when
// the model did not reference any itself.
func (c *Conversation) finalize(content string) (string, error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return "", classify.New(classify.KindEmptyResponse, "model returned an empty reply")
	}
	if c.pendingMedia != "" {
		if _, ok := mediaSuffix(text); !ok {
			text += "\n" + mediaPrefix + c.pendingMedia
		}
	}

	msg := chat.Assistant(text)
	if _, err := c.m.store.AppendMessage(c.session.ID, msg); err != nil {
		return "", errors.Wrap(err, "persist reply")
	}
	c.history = append(c.history, msg)
	return text, nil
}

// autoCapture runs the memory evaluator off the request path.
func (c *Conversation) autoCapture(userText string, userID int64) {
	stored, err := c.m.memory.AutoCapture(context.Background(), userText, userID)
	if err != nil {
		logging.L.WithError(err).Debug("auto-capture failed")
		return
	}
	if stored {
		logging.L.WithField("user_id", userID).Debug("auto-captured memory")
	}
}

// mediaSuffix extracts the path from a trailing "MEDIA: <path>" line.
func mediaSuffix(text string) (string, bool) {
	trimmed := strings.TrimRight(text, "\n ")
	idx := strings.LastIndex(trimmed, "\n")
	lastLine := trimmed
	if idx >= 0 {
		lastLine = trimmed[idx+1:]
	}
	if !strings.HasPrefix(lastLine, mediaPrefix) {
		return "", false
	}
	path := strings.TrimSpace(strings.TrimPrefix(lastLine, mediaPrefix))
	if path == "" {
		return "", false
	}
	return path, true
}
