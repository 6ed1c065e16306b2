// Package provider exposes a uniform chat/embed surface over the
// supported LLM backends (Anthropic, OpenAI, Ollama) plus conversation
// sanitization, transient retry, and OAuth credential refresh.
package provider

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/hearthlabs/hearth/internal/agent/chat"
)

// ChatRequest is one normalized provider round trip.
type ChatRequest struct {
	Messages       []chat.Message
	Model          string
	Temperature    *float64
	MaxTokens      int
	Tools          []chat.ToolDefinition
	ThinkingBudget int
}

// ChatResponse is the buffered result of a round trip.
type ChatResponse struct {
	Content   string
	ToolCalls []chat.ToolCall
	Thinking  string
	Usage     chat.Usage
}

// Provider is the port the engine and the memory layer consume.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	EmbedDimensions() int
	SupportsVision() bool
	ContextWindow() int
	ReservedOutput() int
	// ConsumeAuthFailure reports and clears the auth-failure flag, so
	// the engine emits exactly one user-visible notice per incident.
	ConsumeAuthFailure() bool
}

// authState carries the sticky auth-failure flag shared by adapters.
type authState struct {
	failed atomic.Bool
}

func (a *authState) trip() { a.failed.Store(true) }

func (a *authState) ConsumeAuthFailure() bool {
	return a.failed.Swap(false)
}

// modelSpec carries per-model capability flags.
type modelSpec struct {
	contextWindow  int
	reservedOutput int
	vision         bool
}

// lookupModel resolves capability flags with conservative fallbacks.
func lookupModel(model string) modelSpec {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "claude"):
		return modelSpec{contextWindow: 200000, reservedOutput: 8192, vision: true}
	case strings.HasPrefix(lower, "gpt"), strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o4"):
		return modelSpec{contextWindow: 128000, reservedOutput: 8192, vision: true}
	default:
		// local models vary widely; assume a small window
		return modelSpec{contextWindow: 32768, reservedOutput: 4096, vision: false}
	}
}
