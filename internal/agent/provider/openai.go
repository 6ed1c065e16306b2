package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/pkg/errors"

	"github.com/hearthlabs/hearth/internal/agent/chat"
	"github.com/hearthlabs/hearth/internal/agent/classify"
	"github.com/hearthlabs/hearth/internal/logging"
)

const (
	defaultOpenAIBaseURL   = "https://api.openai.com/v1"
	defaultOpenAIEmbed     = "text-embedding-3-small"
	defaultOpenAIEmbedDims = 1536
)

// OpenAI adapts the Chat Completions API and the embeddings endpoint.
// The same adapter can serve as the embedding side of a Hybrid while a
// different backend handles chat.
type OpenAI struct {
	authState
	client     openai.Client
	httpClient *http.Client
	apiKey     string
	baseURL    string
	model      string
	embedModel string
	embedDims  int
	spec       modelSpec
}

// OpenAIConfig configures the adapter. Zero values fall back to the
// public API and text-embedding-3-small at 1536 dimensions.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	EmbedModel string
	EmbedDims  int
}

// NewOpenAI builds the adapter.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = defaultOpenAIEmbed
	}
	if cfg.EmbedDims == 0 {
		cfg.EmbedDims = defaultOpenAIEmbedDims
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != defaultOpenAIBaseURL {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAI{
		client:     openai.NewClient(opts...),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		embedModel: cfg.EmbedModel,
		embedDims:  cfg.EmbedDims,
		spec:       lookupModel(cfg.Model),
	}
}

func (p *OpenAI) Name() string         { return "openai" }
func (p *OpenAI) ContextWindow() int   { return p.spec.contextWindow }
func (p *OpenAI) ReservedOutput() int  { return p.spec.reservedOutput }
func (p *OpenAI) EmbedDimensions() int { return p.embedDims }

// SupportsVision is false until image content parts are wired for this
// backend; media lands on vision-capable backends via Hybrid.
func (p *OpenAI) SupportsVision() bool { return false }

// Chat performs one buffered round trip.
func (p *OpenAI) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: p.buildMessages(Sanitize(req.Messages)),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = buildOpenAITools(req.Tools)
	}

	logging.G(ctx).WithFields(map[string]any{
		"provider": "openai",
		"model":    model,
		"messages": len(params.Messages),
		"tools":    len(req.Tools),
	}).Debug("chat request")

	var completion *openai.ChatCompletion
	err := withRetry(ctx, "openai chat", func() error {
		var err error
		completion, err = p.client.Chat.Completions.New(ctx, params)
		return p.classifyErr(err)
	})
	if err != nil {
		return nil, err
	}

	if len(completion.Choices) == 0 {
		return nil, classify.New(classify.KindEmptyResponse, "openai returned no choices")
	}
	choice := completion.Choices[0].Message

	resp := &ChatResponse{
		Content: choice.Content,
		Usage: chat.Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}
	for _, tc := range choice.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, chat.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}

	if resp.Content == "" && len(resp.ToolCalls) == 0 {
		return nil, classify.New(classify.KindEmptyResponse, "openai returned an empty response")
	}
	return resp, nil
}

func (p *OpenAI) classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if classify.Classify(err) == classify.KindAuth {
		p.trip()
	}
	return err
}

func (p *OpenAI) buildMessages(ms []chat.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(ms))

	for _, m := range ms {
		switch m.Role {
		case chat.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))

		case chat.RoleUser:
			if m.Content == "" {
				continue
			}
			out = append(out, openai.UserMessage(m.Content))

		case chat.RoleAssistant:
			msg := openai.ChatCompletionAssistantMessageParam{Role: "assistant"}
			if m.Content != "" {
				msg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(m.Content),
				}
			}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			if m.Content != "" || len(msg.ToolCalls) > 0 {
				out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &msg})
			}

		case chat.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}

func buildOpenAITools(defs []chat.ToolDefinition) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  shared.FunctionParameters(def.Parameters),
			},
		})
	}
	return tools
}

// Embed calls the embeddings endpoint directly; the dimensions parameter
// keeps vectors at the configured width.
func (p *OpenAI) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	if p.apiKey == "" {
		p.trip()
		return nil, classify.New(classify.KindAuth, "openai api key not configured")
	}

	body, err := json.Marshal(map[string]any{
		"input":      inputs,
		"model":      p.embedModel,
		"dimensions": p.embedDims,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal embeddings request")
	}

	var out [][]float32
	err = withRetry(ctx, "openai embed", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
		if err != nil {
			return errors.Wrap(err, "build embeddings request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+p.apiKey)

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return classify.Wrap(classify.KindNetwork, "embeddings request", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			err := errors.Errorf("embeddings endpoint returned %s: %s", resp.Status, string(respBody))
			return p.classifyErr(classifyHTTPStatus(resp.StatusCode, err))
		}

		var result struct {
			Data []struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			} `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return errors.Wrap(err, "decode embeddings response")
		}

		out = make([][]float32, len(inputs))
		for _, item := range result.Data {
			if item.Index >= 0 && item.Index < len(out) {
				out[item.Index] = item.Embedding
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// classifyHTTPStatus types raw HTTP failures so retry and the auth flag
// behave the same as for SDK errors.
func classifyHTTPStatus(status int, err error) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return classify.Wrap(classify.KindAuth, "request rejected", err)
	case status == http.StatusTooManyRequests:
		return classify.Wrap(classify.KindRateLimited, "rate limited", err)
	case status >= 500:
		return classify.Wrap(classify.KindOverloaded, "backend unavailable", err)
	case status >= 400:
		return classify.Wrap(classify.KindBadRequest, "bad request", err)
	default:
		return err
	}
}
