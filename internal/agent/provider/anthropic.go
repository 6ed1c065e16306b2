package provider

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hearthlabs/hearth/internal/agent/chat"
	"github.com/hearthlabs/hearth/internal/agent/classify"
	"github.com/hearthlabs/hearth/internal/logging"
)

// Anthropic adapts the Claude Messages API. Authentication is either a
// plain API key or OAuth bearer tokens from the credential file; OAuth
// wins when a credential file is present.
type Anthropic struct {
	authState
	apiKey  string
	baseURL string
	model   string
	oauth   *OAuthSource
	spec    modelSpec
}

// NewAnthropic builds the adapter. oauth may be nil when only API-key
// auth is configured.
func NewAnthropic(apiKey, baseURL, model string, oauth *OAuthSource) *Anthropic {
	return &Anthropic{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		oauth:   oauth,
		spec:    lookupModel(model),
	}
}

func (p *Anthropic) Name() string         { return "anthropic" }
func (p *Anthropic) SupportsVision() bool { return p.spec.vision }
func (p *Anthropic) ContextWindow() int   { return p.spec.contextWindow }
func (p *Anthropic) ReservedOutput() int  { return p.spec.reservedOutput }
func (p *Anthropic) EmbedDimensions() int { return 0 }

// Embed is not served by Anthropic; pair with an embedding backend via
// Hybrid.
func (p *Anthropic) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	return nil, classify.New(classify.KindNotImplemented, "anthropic does not provide embeddings")
}

// clientFor resolves auth per request so rotated OAuth tokens are picked
// up without rebuilding the adapter.
func (p *Anthropic) clientFor(ctx context.Context) (anthropic.Client, error) {
	var opts []option.RequestOption
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL))
	}

	if p.oauth != nil && p.oauth.Available() {
		tok, err := p.oauth.Token(ctx)
		if err != nil {
			p.trip()
			return anthropic.Client{}, classify.Wrap(classify.KindAuth, "oauth token unavailable", err)
		}
		opts = append(opts,
			option.WithAuthToken(tok),
			option.WithHeader("anthropic-beta", "oauth-2025-04-20"),
			option.WithHeaderDel("X-Api-Key"),
		)
		return anthropic.NewClient(opts...), nil
	}

	if p.apiKey == "" {
		p.trip()
		return anthropic.Client{}, classify.New(classify.KindAuth, "anthropic api key not configured")
	}
	opts = append(opts, option.WithAPIKey(p.apiKey))
	return anthropic.NewClient(opts...), nil
}

// Chat performs one buffered round trip.
func (p *Anthropic) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	system, messages := p.buildMessages(Sanitize(req.Messages))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(p.spec.reservedOutput),
		Messages:  messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = buildAnthropicTools(req.Tools)
	}
	if req.ThinkingBudget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudget))
		if int(params.MaxTokens) <= req.ThinkingBudget {
			params.MaxTokens = int64(req.ThinkingBudget + p.spec.reservedOutput)
		}
	}

	logging.G(ctx).WithFields(map[string]any{
		"provider": "anthropic",
		"model":    model,
		"messages": len(messages),
		"tools":    len(req.Tools),
	}).Debug("chat request")

	var msg *anthropic.Message
	err := withRetry(ctx, "anthropic chat", func() error {
		client, err := p.clientFor(ctx)
		if err != nil {
			return err
		}
		msg, err = client.Messages.New(ctx, params)
		return p.classifyErr(err)
	})
	if err != nil {
		return nil, err
	}

	resp := &ChatResponse{
		Usage: chat.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content += b.Text
		case anthropic.ThinkingBlock:
			resp.Thinking += b.Thinking
		case anthropic.ToolUseBlock:
			resp.ToolCalls = append(resp.ToolCalls, chat.ToolCall{
				ID:   b.ID,
				Name: b.Name,
				Args: json.RawMessage(b.Input),
			})
		}
	}

	if resp.Content == "" && len(resp.ToolCalls) == 0 {
		return nil, classify.New(classify.KindEmptyResponse, "anthropic returned an empty response")
	}
	return resp, nil
}

func (p *Anthropic) classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if classify.Classify(err) == classify.KindAuth {
		p.trip()
	}
	return err
}

// buildMessages splits system turns out into the dedicated System param
// and converts the rest to native blocks. Runs of tool results collapse
// into a single user message, which the API requires.
func (p *Anthropic) buildMessages(ms []chat.Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	var out []anthropic.MessageParam

	for i := 0; i < len(ms); i++ {
		m := ms[i]
		switch m.Role {
		case chat.RoleSystem:
			if m.Content != "" {
				system = append(system, anthropic.TextBlockParam{Text: m.Content})
			}

		case chat.RoleUser:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Image != nil && p.spec.vision {
				blocks = append(blocks, anthropic.NewImageBlockBase64(m.Image.MIME, m.Image.Base64))
			}
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}

		case chat.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal(tc.Args, &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: input,
					},
				})
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
			}

		case chat.RoleTool:
			// consume the whole run of results into one user message
			var blocks []anthropic.ContentBlockParamUnion
			for ; i < len(ms) && ms[i].Role == chat.RoleTool; i++ {
				blocks = append(blocks, anthropic.NewToolResultBlock(ms[i].ToolCallID, ms[i].Content, false))
			}
			i--
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		}
	}
	return system, out
}

func buildAnthropicTools(defs []chat.ToolDefinition) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		tool := anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: def.Parameters["properties"],
			},
		}
		if required, ok := def.Parameters["required"].([]string); ok {
			tool.InputSchema.Required = required
		} else if raw, ok := def.Parameters["required"].([]any); ok {
			names := make([]string, 0, len(raw))
			for _, r := range raw {
				if s, ok := r.(string); ok {
					names = append(names, s)
				}
			}
			tool.InputSchema.Required = names
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return tools
}
