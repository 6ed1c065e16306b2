package provider

import (
	"context"
	"strings"

	"github.com/hearthlabs/hearth/internal/agent/chat"
	"github.com/hearthlabs/hearth/internal/agent/classify"
	"github.com/hearthlabs/hearth/internal/config"
)

// Hybrid composes a chat backend with a separate embedding backend.
// Capability flags come from the chat side; vectors from the embed side.
type Hybrid struct {
	chatSide  Provider
	embedSide Provider
}

// NewHybrid pairs the two sides. Identical sides are fine; the wrapper
// then only forwards.
func NewHybrid(chatSide, embedSide Provider) *Hybrid {
	return &Hybrid{chatSide: chatSide, embedSide: embedSide}
}

func (h *Hybrid) Name() string         { return h.chatSide.Name() }
func (h *Hybrid) SupportsVision() bool { return h.chatSide.SupportsVision() }
func (h *Hybrid) ContextWindow() int   { return h.chatSide.ContextWindow() }
func (h *Hybrid) ReservedOutput() int  { return h.chatSide.ReservedOutput() }
func (h *Hybrid) EmbedDimensions() int { return h.embedSide.EmbedDimensions() }

func (h *Hybrid) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return h.chatSide.Chat(ctx, req)
}

func (h *Hybrid) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	return h.embedSide.Embed(ctx, inputs)
}

// ConsumeAuthFailure drains both sides so neither flag goes stale.
func (h *Hybrid) ConsumeAuthFailure() bool {
	chatFailed := h.chatSide.ConsumeAuthFailure()
	embedFailed := h.embedSide.ConsumeAuthFailure()
	return chatFailed || embedFailed
}

// FromConfig assembles the active provider: the chat backend is chosen
// by model name prefix, the embedding backend by provider.active_embedding.
// A Hybrid wraps them when they differ.
func FromConfig(cfg *config.Config) (Provider, error) {
	model := cfg.String("provider.active_model", "")
	if model == "" {
		return nil, classify.New(classify.KindBadRequest, "provider.active_model is not set")
	}

	chatSide, err := chatBackend(cfg, model)
	if err != nil {
		return nil, err
	}

	embedSide := embedBackend(cfg, chatSide)
	if embedSide == chatSide {
		return chatSide, nil
	}
	return NewHybrid(chatSide, embedSide), nil
}

func chatBackend(cfg *config.Config, model string) (Provider, error) {
	switch BackendFor(model) {
	case "anthropic":
		oauth := NewOAuthSource(OAuthCredentialsPath(cfg.DataDir()))
		return NewAnthropic(
			cfg.Credential("anthropic_api_key"),
			cfg.String("provider.anthropic_base_url", ""),
			model,
			oauth,
		), nil
	case "openai":
		return NewOpenAI(OpenAIConfig{
			APIKey:  cfg.Credential("openai_api_key"),
			BaseURL: cfg.String("provider.openai_base_url", ""),
			Model:   model,
		}), nil
	default:
		return NewOllama(OllamaConfig{
			BaseURL: cfg.String("provider.ollama_host", ""),
			Model:   model,
		}), nil
	}
}

// embedBackend picks the embedding side, reusing the chat adapter when
// it already serves the requested backend.
func embedBackend(cfg *config.Config, chatSide Provider) Provider {
	want := cfg.String("provider.active_embedding", "openai")
	models := cfg.Strings("provider.embedding_models", nil)
	embedModel := ""
	if len(models) > 0 {
		embedModel = models[0]
	}

	if chatSide.Name() == want && chatSide.EmbedDimensions() > 0 {
		return chatSide
	}

	switch want {
	case "ollama":
		return NewOllama(OllamaConfig{
			BaseURL:    cfg.String("provider.ollama_host", ""),
			EmbedModel: embedModel,
		})
	default:
		return NewOpenAI(OpenAIConfig{
			APIKey:     cfg.Credential("openai_api_key"),
			BaseURL:    cfg.String("provider.openai_base_url", ""),
			EmbedModel: embedModel,
		})
	}
}

// BackendFor maps a model name onto its serving backend.
func BackendFor(model string) string {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "claude"):
		return "anthropic"
	case strings.HasPrefix(lower, "gpt"), strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o4"):
		return "openai"
	default:
		return "ollama"
	}
}

var _ Provider = (*Hybrid)(nil)
var _ Provider = (*Anthropic)(nil)
var _ Provider = (*OpenAI)(nil)
var _ Provider = (*Ollama)(nil)
