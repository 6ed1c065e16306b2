// Package telegram runs the Telegram channel: a Bot API long-poll loop
// that feeds the conversation manager and sends replies back as
// Telegram-flavored HTML.
package telegram

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hearthlabs/hearth/internal/agent/access"
	"github.com/hearthlabs/hearth/internal/agent/classify"
	"github.com/hearthlabs/hearth/internal/agent/convo"
	"github.com/hearthlabs/hearth/internal/agent/ratelimit"
	"github.com/hearthlabs/hearth/internal/channels"
	"github.com/hearthlabs/hearth/internal/config"
	"github.com/hearthlabs/hearth/internal/logging"
	"github.com/hearthlabs/hearth/internal/markdown"
	"github.com/hearthlabs/hearth/internal/store"
	"github.com/hearthlabs/hearth/internal/workspace"
)

var _ channels.Channel = (*Adapter)(nil)

const (
	// messageLimit is Telegram's hard cap per sendMessage.
	messageLimit = 4096
	// sourceChunk leaves headroom for HTML escaping and tags added by
	// rendering, so a rendered chunk rarely exceeds messageLimit.
	sourceChunk = 3500
	// longPollSeconds is the server-side getUpdates hold.
	longPollSeconds = 50
	// pollRetryDelay spaces retries after a failed poll.
	pollRetryDelay = 3 * time.Second
	// typingRefresh re-sends the chat action before Telegram's ~5s
	// indicator expires.
	typingRefresh = 4 * time.Second
)

// Adapter is the Telegram channel adapter.
type Adapter struct {
	api     *Client
	st      *store.Store
	cfg     *config.Config
	limiter *ratelimit.Limiter
	mgr     *convo.Manager
	ws      *workspace.Workspace

	botID   int64
	botName string // username, without the @
}

// New builds the adapter around an authenticated API client.
func New(api *Client, st *store.Store, cfg *config.Config, limiter *ratelimit.Limiter, mgr *convo.Manager, ws *workspace.Workspace) *Adapter {
	return &Adapter{api: api, st: st, cfg: cfg, limiter: limiter, mgr: mgr, ws: ws}
}

// Name implements channels.Channel.
func (a *Adapter) Name() string { return "telegram" }

// Run verifies the token, then long-polls until ctx is cancelled. Each
// message is handled on its own goroutine so one slow turn never blocks
// the poll loop.
func (a *Adapter) Run(ctx context.Context) error {
	log := logging.G(ctx).WithField("channel", "telegram")

	me, err := a.api.GetMe(ctx)
	if err != nil {
		return errors.Wrap(err, "telegram getMe")
	}
	a.botID = me.ID
	a.botName = me.Username
	log.WithField("bot", me.Username).Info("telegram connected")

	var offset int64
	for {
		if ctx.Err() != nil {
			return nil
		}
		updates, err := a.api.GetUpdates(ctx, offset, longPollSeconds)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if classify.Classify(err) == classify.KindAuth {
				// Token revoked mid-run; let the launcher decide.
				return errors.Wrap(err, "telegram poll")
			}
			log.WithError(err).Warn("telegram poll failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollRetryDelay):
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil {
				continue
			}
			msg := u.Message
			go a.handleMessage(ctx, msg)
		}
	}
}

// handleMessage runs the full ingest pipeline for one inbound message:
// group gating, user resolution, rate limiting, attachment download,
// then the engine turn and the reply send.
func (a *Adapter) handleMessage(ctx context.Context, msg *Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}
	if msg.Chat.Type == "channel" {
		return
	}
	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	log := logging.G(ctx).WithField("channel", "telegram").WithField("chat", chatID)

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	if isGroup {
		proceed, err := a.gateGroup(msg, chatID, text)
		if err != nil {
			log.WithError(err).Warn("group gate failed")
			return
		}
		if !proceed {
			return
		}
		text = a.stripMention(msg, text)
	}

	user, err := a.resolveUser(msg, isGroup)
	if err != nil {
		log.WithError(err).Warn("resolve user failed")
		return
	}
	if user == nil {
		// Unregistered sender in a registered-only group.
		return
	}

	if allowed, retryAfter := a.limiter.Allow(user.ID, access.ParseLevel(user.AccessLevel)); !allowed {
		a.sendPlain(ctx, msg.Chat.ID, channels.RateLimitNotice(retryAfter))
		return
	}

	in, err := a.buildInput(ctx, msg, text)
	if err != nil {
		log.WithError(err).Warn("attachment download failed")
		a.sendPlain(ctx, msg.Chat.ID, "I couldn't download that attachment. Please try again.")
		return
	}
	if in.Text == "" && in.InputType == "" {
		return
	}

	// Keep the typing indicator alive for the whole turn.
	typingCtx, stopTyping := context.WithCancel(ctx)
	go a.typeLoop(typingCtx, msg.Chat.ID)

	reply, err := a.mgr.HandleMessage(ctx, "telegram", chatID, user, in, isGroup)
	stopTyping()
	if err != nil {
		log.WithError(err).Error("turn failed")
		a.sendPlain(ctx, msg.Chat.ID, classify.UserMessage(err))
		return
	}
	if reply == "" {
		return
	}
	a.sendReply(ctx, msg.Chat.ID, reply)
}

// gateGroup applies the group policy: allowlist membership, mention
// requirement, and the allow_from sender rule.
func (a *Adapter) gateGroup(msg *Message, chatID, text string) (bool, error) {
	policy := a.cfg.String("telegram.group_policy", "allowlist")
	group, err := a.st.EnsureGroup("telegram", chatID, policy == "open")
	if err != nil {
		return false, err
	}
	if !group.Enabled {
		return false, nil
	}
	if group.RequireMention && a.cfg.Bool("telegram.require_mention", true) && !a.mentioned(msg, text) {
		return false, nil
	}
	if group.AllowFrom == store.AllowFromRegistered {
		if _, err := a.st.GetUser("telegram", strconv.FormatInt(msg.From.ID, 10)); err != nil {
			return false, nil
		}
	}
	return true, nil
}

// mentioned reports whether the message addresses the bot: an explicit
// @username mention, the configured trigger name anywhere in the text,
// or a direct reply to one of the bot's messages.
func (a *Adapter) mentioned(msg *Message, text string) bool {
	if msg.ReplyTo != nil && msg.ReplyTo.From != nil && msg.ReplyTo.From.ID == a.botID {
		return true
	}
	lower := strings.ToLower(text)
	if a.botName != "" && strings.Contains(lower, "@"+strings.ToLower(a.botName)) {
		return true
	}
	trigger := strings.ToLower(a.cfg.String("telegram.bot_trigger_name", "hearth"))
	return trigger != "" && strings.Contains(lower, trigger)
}

// stripMention removes a leading @botname so the engine sees the actual
// request.
func (a *Adapter) stripMention(msg *Message, text string) string {
	if a.botName == "" {
		return text
	}
	mention := "@" + a.botName
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(strings.ToLower(trimmed), strings.ToLower(mention)) {
		return strings.TrimSpace(trimmed[len(mention):])
	}
	return text
}

// resolveUser maps the Telegram sender onto a stored user. DMs and
// open groups auto-register; registered-only groups return nil for
// unknown senders (the caller drops the message silently).
func (a *Adapter) resolveUser(msg *Message, isGroup bool) (*store.User, error) {
	platformID := strconv.FormatInt(msg.From.ID, 10)

	if isGroup {
		group, err := a.st.GetGroup("telegram", strconv.FormatInt(msg.Chat.ID, 10))
		if err == nil && group.AllowFrom == store.AllowFromRegistered {
			u, err := a.st.GetUser("telegram", platformID)
			if err != nil {
				return nil, nil
			}
			return u, nil
		}
	}

	name := msg.From.Username
	if name == "" {
		name = msg.From.FirstName
	}
	if name == "" {
		name = "tg" + platformID
	}
	display := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	return a.st.EnsureUser(name, "telegram", platformID, display)
}

// buildInput downloads any attachment into the workspace uploads dir and
// names its type for ability pre-processing.
func (a *Adapter) buildInput(ctx context.Context, msg *Message, text string) (convo.Input, error) {
	in := convo.Input{Text: text}

	var fileID, name, mime, inputType string
	switch {
	case len(msg.Photo) > 0:
		// Telegram sends multiple resolutions; the last is the largest.
		p := msg.Photo[len(msg.Photo)-1]
		fileID, inputType, mime = p.FileID, "image", "image/jpeg"
	case msg.Document != nil:
		fileID, inputType = msg.Document.FileID, "document"
		name, mime = msg.Document.FileName, msg.Document.MIMEType
	case msg.Voice != nil:
		fileID, inputType = msg.Voice.FileID, "audio"
		mime = msg.Voice.MIMEType
		if mime == "" {
			mime = "audio/ogg"
		}
	default:
		return in, nil
	}

	f, err := a.api.GetFile(ctx, fileID)
	if err != nil {
		return in, err
	}
	data, err := a.api.Download(ctx, f.FilePath)
	if err != nil {
		return in, err
	}
	if name == "" {
		name = filepath.Base(f.FilePath)
	}
	if name == "" || name == "." {
		name = fileID
	}
	path, err := a.ws.SaveUpload(name, data)
	if err != nil {
		return in, err
	}

	in.InputType = inputType
	in.InputPath = path
	in.MIME = mime
	return in, nil
}

// typeLoop keeps the typing indicator visible until ctx is cancelled.
func (a *Adapter) typeLoop(ctx context.Context, chatID int64) {
	ticker := time.NewTicker(typingRefresh)
	defer ticker.Stop()
	_ = a.api.SendChatAction(ctx, chatID, "typing")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = a.api.SendChatAction(ctx, chatID, "typing")
		}
	}
}

// sendReply delivers one engine reply: text rendered to HTML and split
// to the message limit, a trailing media path sent as photo or document
// with the text as caption when it fits.
func (a *Adapter) sendReply(ctx context.Context, chatID int64, reply string) {
	text, mediaPath := channels.ExtractMedia(reply)

	if mediaPath != "" {
		caption := text
		if len(caption) > captionLimit {
			a.sendText(ctx, chatID, text)
			caption = ""
		}
		if err := a.sendMedia(ctx, chatID, mediaPath, caption); err != nil {
			logging.G(ctx).WithError(err).Warn("media send failed")
			a.sendPlain(ctx, chatID, fmt.Sprintf("(I produced a file at %s but couldn't send it.)", mediaPath))
			if caption != "" {
				a.sendText(ctx, chatID, text)
			}
		}
		return
	}
	a.sendText(ctx, chatID, text)
}

// sendMedia picks sendPhoto for image extensions and sendDocument for
// everything else.
func (a *Adapter) sendMedia(ctx context.Context, chatID int64, path, caption string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return a.api.SendPhoto(ctx, chatID, path, caption)
	default:
		return a.api.SendDocument(ctx, chatID, path, caption)
	}
}

// sendText renders markdown to Telegram HTML and sends it in
// limit-sized pieces. Splitting happens on the source so tag pairs
// never straddle a message boundary.
func (a *Adapter) sendText(ctx context.Context, chatID int64, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	for _, piece := range channels.Split(text, sourceChunk) {
		html := markdown.Render(piece)
		if len(html) <= messageLimit {
			a.sendHTML(ctx, chatID, html, piece)
			continue
		}
		// Escaping blew past the limit; hard-split the rendered form.
		for _, part := range channels.Split(html, messageLimit) {
			a.sendHTML(ctx, chatID, part, part)
		}
	}
}

// sendHTML attempts an HTML-mode send and falls back to the plain
// source on an entity parse rejection.
func (a *Adapter) sendHTML(ctx context.Context, chatID int64, html, fallback string) {
	_, err := a.api.SendMessage(ctx, chatID, html, "HTML")
	if err == nil {
		return
	}
	if classify.Classify(err) == classify.KindBadRequest {
		a.sendPlain(ctx, chatID, fallback)
		return
	}
	logging.G(ctx).WithError(err).Warn("telegram send failed")
}

// sendPlain sends without parse mode, split to the hard limit.
func (a *Adapter) sendPlain(ctx context.Context, chatID int64, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	for _, piece := range channels.Split(text, messageLimit) {
		if _, err := a.api.SendMessage(ctx, chatID, piece, ""); err != nil {
			logging.G(ctx).WithError(err).Warn("telegram send failed")
			return
		}
	}
}

// Deliver implements the manager's out-of-band delivery callback for
// scheduled task results and sub-agent completion notices.
func (a *Adapter) Deliver(chatID, text string) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		logging.L.WithField("chat", chatID).Warn("deliver: bad telegram chat id")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	a.sendReply(ctx, id, text)
}

// Status surfaces transient engine states (compaction in progress) as a
// low-key italic notice.
func (a *Adapter) Status(chatID, text string) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.sendHTML(ctx, id, "<i>"+markdown.Escape(text)+"</i>", text)
}

// ToolActivity refreshes the typing indicator when a tool round starts;
// tool names stay out of the chat.
func (a *Adapter) ToolActivity(chatID, tool string) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.api.SendChatAction(ctx, id, "typing")
}
