package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/pkg/errors"

	"github.com/hearthlabs/hearth/internal/agent/chat"
	"github.com/hearthlabs/hearth/internal/agent/classify"
	"github.com/hearthlabs/hearth/internal/logging"
)

const (
	defaultOllamaHost      = "http://127.0.0.1:11434"
	defaultOllamaEmbed     = "nomic-embed-text"
	defaultOllamaEmbedDims = 768
)

// Ollama adapts a local Ollama daemon for chat and embeddings. Local
// models get no auth flag handling; failures are network or shape
// problems.
type Ollama struct {
	authState
	client     *api.Client
	httpClient *http.Client
	baseURL    string
	model      string
	embedModel string
	embedDims  int
	spec       modelSpec
}

// OllamaConfig configures the adapter. Zero values target a local
// daemon with nomic-embed-text embeddings.
type OllamaConfig struct {
	BaseURL    string
	Model      string
	EmbedModel string
	EmbedDims  int
}

// NewOllama builds the adapter.
func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOllamaHost
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = defaultOllamaEmbed
	}
	if cfg.EmbedDims == 0 {
		cfg.EmbedDims = defaultOllamaEmbedDims
	}

	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		parsed, _ = url.Parse(defaultOllamaHost)
	}

	// local inference can be slow on first load
	httpClient := &http.Client{Timeout: 5 * time.Minute}

	return &Ollama{
		client:     api.NewClient(parsed, httpClient),
		httpClient: httpClient,
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		embedModel: cfg.EmbedModel,
		embedDims:  cfg.EmbedDims,
		spec:       lookupModel(cfg.Model),
	}
}

func (p *Ollama) Name() string         { return "ollama" }
func (p *Ollama) SupportsVision() bool { return false }
func (p *Ollama) ContextWindow() int   { return p.spec.contextWindow }
func (p *Ollama) ReservedOutput() int  { return p.spec.reservedOutput }
func (p *Ollama) EmbedDimensions() int { return p.embedDims }

// Chat performs one buffered round trip. The daemon streams regardless,
// so the callback accumulates until done.
func (p *Ollama) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: p.buildMessages(Sanitize(req.Messages)),
	}
	stream := false
	chatReq.Stream = &stream

	if req.Temperature != nil || req.MaxTokens > 0 {
		chatReq.Options = make(map[string]any)
		if req.Temperature != nil {
			chatReq.Options["temperature"] = *req.Temperature
		}
		if req.MaxTokens > 0 {
			chatReq.Options["num_predict"] = req.MaxTokens
		}
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = buildOllamaTools(req.Tools)
	}

	logging.G(ctx).WithFields(map[string]any{
		"provider": "ollama",
		"model":    model,
		"messages": len(chatReq.Messages),
		"tools":    len(req.Tools),
	}).Debug("chat request")

	var resp *ChatResponse
	err := withRetry(ctx, "ollama chat", func() error {
		out := &ChatResponse{}
		toolCallCounter := 0

		err := p.client.Chat(ctx, chatReq, func(r api.ChatResponse) error {
			out.Content += r.Message.Content
			out.Thinking += r.Message.Thinking
			for _, tc := range r.Message.ToolCalls {
				toolCallCounter++
				args, _ := json.Marshal(tc.Function.Arguments.ToMap())
				out.ToolCalls = append(out.ToolCalls, chat.ToolCall{
					// the daemon assigns no ids; synthesize stable ones
					ID:   fmt.Sprintf("ollama-call-%d", toolCallCounter),
					Name: tc.Function.Name,
					Args: args,
				})
			}
			if r.Done {
				out.Usage.Add(chat.Usage{
					InputTokens:  r.PromptEvalCount,
					OutputTokens: r.EvalCount,
				})
			}
			return nil
		})
		if err != nil {
			return classify.Wrap(classify.KindNetwork, "ollama chat", err)
		}
		if out.Content == "" && len(out.ToolCalls) == 0 {
			return classify.New(classify.KindEmptyResponse, "ollama returned an empty response")
		}
		resp = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (p *Ollama) buildMessages(ms []chat.Message) []api.Message {
	out := make([]api.Message, 0, len(ms))

	for _, m := range ms {
		switch m.Role {
		case chat.RoleSystem:
			out = append(out, api.Message{Role: "system", Content: m.Content})

		case chat.RoleUser:
			if m.Content == "" {
				continue
			}
			out = append(out, api.Message{Role: "user", Content: m.Content})

		case chat.RoleAssistant:
			msg := api.Message{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				args := api.NewToolCallFunctionArguments()
				var argsMap map[string]any
				if err := json.Unmarshal(tc.Args, &argsMap); err == nil {
					for k, v := range argsMap {
						args.Set(k, v)
					}
				}
				msg.ToolCalls = append(msg.ToolCalls, api.ToolCall{
					ID: tc.ID,
					Function: api.ToolCallFunction{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			if msg.Content != "" || len(msg.ToolCalls) > 0 {
				out = append(out, msg)
			}

		case chat.RoleTool:
			out = append(out, api.Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
				ToolName:   m.ToolName,
			})
		}
	}
	return out
}

func buildOllamaTools(defs []chat.ToolDefinition) api.Tools {
	out := make(api.Tools, 0, len(defs))

	for _, def := range defs {
		params := api.ToolFunctionParameters{Type: "object"}

		if props, ok := def.Parameters["properties"].(map[string]any); ok {
			propsMap := api.NewToolPropertiesMap()
			for name, raw := range props {
				if obj, ok := raw.(map[string]any); ok {
					propsMap.Set(name, convertOllamaProperty(obj))
				}
			}
			params.Properties = propsMap
		}
		switch required := def.Parameters["required"].(type) {
		case []string:
			params.Required = required
		case []any:
			for _, r := range required {
				if s, ok := r.(string); ok {
					params.Required = append(params.Required, s)
				}
			}
		}

		out = append(out, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func convertOllamaProperty(prop map[string]any) api.ToolProperty {
	result := api.ToolProperty{}
	if t, ok := prop["type"].(string); ok {
		result.Type = api.PropertyType{t}
	}
	if desc, ok := prop["description"].(string); ok {
		result.Description = desc
	}
	if enum, ok := prop["enum"].([]any); ok {
		result.Enum = enum
	}
	if items, ok := prop["items"]; ok {
		result.Items = items
	}
	return result
}

// Embed calls /api/embed directly; the response carries full-width
// vectors for the embedding model.
func (p *Ollama) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(map[string]any{
		"model": p.embedModel,
		"input": inputs,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal embed request")
	}

	var out [][]float32
	err = withRetry(ctx, "ollama embed", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
		if err != nil {
			return errors.Wrap(err, "build embed request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return classify.Wrap(classify.KindNetwork, "embed request", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			return classifyHTTPStatus(resp.StatusCode,
				errors.Errorf("embed endpoint returned %s: %s", resp.Status, string(respBody)))
		}

		var result struct {
			Embeddings [][]float32 `json:"embeddings"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return errors.Wrap(err, "decode embed response")
		}
		if len(result.Embeddings) != len(inputs) {
			return classify.New(classify.KindShape, "embed response length mismatch")
		}
		out = result.Embeddings
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reachable reports whether the daemon answers at all; the doctor
// command uses it for diagnostics.
func (p *Ollama) Reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
