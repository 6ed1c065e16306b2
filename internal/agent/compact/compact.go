// Package compact reclaims context budget by folding the oldest turns of
// a session into a single summary message.
package compact

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/hearthlabs/hearth/internal/agent/chat"
	"github.com/hearthlabs/hearth/internal/agent/classify"
	"github.com/hearthlabs/hearth/internal/agent/provider"
	"github.com/hearthlabs/hearth/internal/logging"
	"github.com/hearthlabs/hearth/internal/store"
)

const (
	// DefaultKeepRecent is how many turns survive a compaction untouched.
	DefaultKeepRecent = 20

	// triggerSlack keeps compaction from thrashing right at the boundary:
	// nothing happens until the history outgrows keepRecent by this much.
	triggerSlack = 10

	perMessageCap    = 500
	transcriptCap    = 30000
	summaryMaxTokens = 2000
)

const summaryDirective = `Summarize the conversation transcript below so it can stand in for the original turns.
Keep it strictly factual: include only things actually said, done, or confirmed in the transcript.
Preserve names, dates, numbers, decisions, stated preferences, and unresolved questions.
Note any tool failures so they are not retried blindly.
Do not speculate and do not add assumptions. Respond with the summary text only.`

// Compactor summarizes the oldest span of a session and swaps it for a
// single system turn.
type Compactor struct {
	store      *store.Store
	llm        provider.Provider
	keepRecent int
}

// New builds a compactor; keepRecent <= 0 selects the default.
func New(st *store.Store, llm provider.Provider, keepRecent int) *Compactor {
	if keepRecent <= 0 {
		keepRecent = DefaultKeepRecent
	}
	return &Compactor{store: st, llm: llm, keepRecent: keepRecent}
}

// KeepRecent exposes the configured tail size.
func (c *Compactor) KeepRecent() int { return c.keepRecent }

// ShouldCompact reports whether a history of this length gets folded.
func (c *Compactor) ShouldCompact(totalMessages int) bool {
	return totalMessages > c.keepRecent+triggerSlack
}

// Compact folds everything but the keepRecent tail into one summary.
// Below threshold it is a no-op and returns false. After a successful
// run the session holds keepRecent+1 messages and the summary leads.
func (c *Compactor) Compact(ctx context.Context, sessionID int64) (bool, error) {
	msgs, err := c.store.GetMessages(sessionID)
	if err != nil {
		return false, errors.Wrap(err, "load session history")
	}
	if !c.ShouldCompact(len(msgs)) {
		return false, nil
	}

	span := msgs[:len(msgs)-c.keepRecent]
	summary, err := c.summarize(ctx, span)
	if err != nil {
		return false, errors.Wrap(err, "summarize span")
	}

	ids := make([]int64, len(span))
	for i, m := range span {
		ids[i] = m.ID
	}
	summaryMsg := chat.Message{
		Role:    chat.RoleSystem,
		Content: summary,
		Kind:    chat.KindCompactionSummary,
	}
	count, err := c.store.ReplaceWithSummary(sessionID, ids, summaryMsg, span[0].CreatedAt)
	if err != nil {
		return false, errors.Wrap(err, "replace span")
	}

	logging.G(ctx).WithFields(map[string]any{
		"session":    sessionID,
		"summarized": len(span),
		"remaining":  count,
	}).Info("compacted session")
	return true, nil
}

func (c *Compactor) summarize(ctx context.Context, span []store.Message) (string, error) {
	temp := 0.1
	resp, err := c.llm.Chat(ctx, &provider.ChatRequest{
		Messages: []chat.Message{
			chat.System(summaryDirective),
			chat.User(Transcript(span)),
		},
		Temperature: &temp,
		MaxTokens:   summaryMaxTokens,
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", classify.New(classify.KindEmptyResponse, "summarizer returned nothing")
	}
	return summary, nil
}

// Transcript renders a span as ROLE: content lines, each message capped
// at 500 chars and the whole at 30 000.
func Transcript(span []store.Message) string {
	var b strings.Builder
	for _, m := range span {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if len(content) > perMessageCap {
			content = content[:perMessageCap] + "..."
		}
		line := fmt.Sprintf("%s: %s\n", strings.ToUpper(m.Role), content)
		if b.Len()+len(line) > transcriptCap {
			break
		}
		b.WriteString(line)
	}
	return b.String()
}
