package memory

import (
	"context"
	"strconv"
	"strings"

	"github.com/hearthlabs/hearth/internal/agent/chat"
	"github.com/hearthlabs/hearth/internal/agent/provider"
	"github.com/hearthlabs/hearth/internal/logging"
)

// evaluator constants. The classifier answers SKIP or
// STORE|category|importance|content on one line.
const (
	evalMinLength   = 15
	evalMaxTokens   = 150
	evalTemperature = 0.1
)

const evalDirective = `Decide whether the user's message contains something worth remembering long-term about them or their household.

Worth remembering: stable facts, preferences, relationships, health details, decisions, lessons, plans with dates.
Not worth remembering: greetings, small talk, questions, one-off requests, anything transient.

Answer with exactly one line, either:
SKIP
or:
STORE|category|importance|content

where category is one of fact, preference, event, lesson, decision, health, relationship, config;
importance is a number between 0.1 and 1.0;
content is a single concise sentence restating the fact in the third person.`

var greetings = []string{
	"hi", "hello", "hey", "yo", "good morning", "good afternoon",
	"good evening", "good night", "thanks", "thank you", "ok", "okay",
	"bye", "goodbye", "lol", "haha",
}

var rememberCues = []string{
	"remember this", "remember that", "don't forget", "do not forget",
	"make a note", "note this down", "keep in mind",
}

// Evaluation is the parsed classifier verdict.
type Evaluation struct {
	Store      bool
	Category   string
	Importance float64
	Content    string
	Permanent  bool
}

// SetEvaluator routes classifier calls to a separate provider, typically
// a small local model. Its SKIP verdicts are trusted like any other; there
// is no fallback to the main provider.
func (e *Engine) SetEvaluator(p provider.Provider) {
	e.evaluator = p
}

// Evaluate runs the auto-capture pipeline for one user message: quick
// filters first, then the classifier. Anything malformed is a SKIP; the
// classifier's SKIP is always trusted.
func (e *Engine) Evaluate(ctx context.Context, userMessage string) (*Evaluation, error) {
	msg := strings.TrimSpace(userMessage)
	if quickSkip(msg) {
		return &Evaluation{}, nil
	}

	llm := e.llm
	if e.evaluator != nil {
		llm = e.evaluator
	}
	temp := evalTemperature
	resp, err := llm.Chat(ctx, &provider.ChatRequest{
		Messages: []chat.Message{
			chat.System(evalDirective),
			chat.User(msg),
		},
		Temperature: &temp,
		MaxTokens:   evalMaxTokens,
	})
	if err != nil {
		return nil, err
	}

	eval := parseEvaluation(resp.Content)
	if eval.Store && hasRememberCue(msg) {
		eval.Permanent = true
	}
	if eval.Store {
		logging.G(ctx).WithFields(map[string]any{
			"category":   eval.Category,
			"importance": eval.Importance,
		}).Debug("auto-capture verdict")
	}
	return eval, nil
}

// AutoCapture evaluates one user message and stores the verdict when it
// says STORE. Returns true when a memory was written or updated.
func (e *Engine) AutoCapture(ctx context.Context, userMessage string, userID int64) (bool, error) {
	eval, err := e.Evaluate(ctx, userMessage)
	if err != nil {
		return false, err
	}
	if !eval.Store {
		return false, nil
	}
	_, _, err = e.StoreIfNew(ctx, Input{
		Content:    eval.Content,
		Category:   eval.Category,
		Source:     "auto_capture",
		UserID:     userID,
		Importance: eval.Importance,
		Permanent:  eval.Permanent,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// quickSkip rejects messages that are never worth a classifier call.
func quickSkip(msg string) bool {
	if len(msg) < evalMinLength {
		return true
	}
	lower := strings.ToLower(strings.TrimRight(msg, "!?. "))
	for _, g := range greetings {
		if lower == g {
			return true
		}
	}
	// short bare questions are lookups, not facts
	if strings.HasSuffix(strings.TrimSpace(msg), "?") && len(msg) < 60 {
		return true
	}
	return false
}

func hasRememberCue(msg string) bool {
	lower := strings.ToLower(msg)
	for _, cue := range rememberCues {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}

// parseEvaluation reads the one-line verdict. Any deviation from the
// format means SKIP.
func parseEvaluation(raw string) *Evaluation {
	line := strings.TrimSpace(raw)
	// take the first non-empty line; some models add trailing prose
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	if line == "" || strings.EqualFold(line, "SKIP") {
		return &Evaluation{}
	}

	parts := strings.SplitN(line, "|", 4)
	if len(parts) != 4 || !strings.EqualFold(strings.TrimSpace(parts[0]), "STORE") {
		return &Evaluation{}
	}

	category := strings.ToLower(strings.TrimSpace(parts[1]))
	if !Categories[category] {
		return &Evaluation{}
	}
	importance, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil {
		return &Evaluation{}
	}
	content := strings.TrimSpace(parts[3])
	if content == "" {
		return &Evaluation{}
	}

	return &Evaluation{
		Store:      true,
		Category:   category,
		Importance: clampImportance(importance),
		Content:    content,
	}
}
