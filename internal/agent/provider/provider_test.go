package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthlabs/hearth/internal/agent/chat"
	"github.com/hearthlabs/hearth/internal/agent/classify"
)

func TestLookupModelCapabilities(t *testing.T) {
	claude := lookupModel("claude-sonnet-4-5")
	assert.Equal(t, 200000, claude.contextWindow)
	assert.Equal(t, 8192, claude.reservedOutput)
	assert.True(t, claude.vision)

	gpt := lookupModel("gpt-4o")
	assert.Equal(t, 128000, gpt.contextWindow)
	assert.True(t, gpt.vision)

	local := lookupModel("qwen3:4b")
	assert.Equal(t, 32768, local.contextWindow)
	assert.False(t, local.vision)
}

func TestBackendForModelPrefix(t *testing.T) {
	assert.Equal(t, "anthropic", BackendFor("claude-sonnet-4-5"))
	assert.Equal(t, "anthropic", BackendFor("Claude-Opus-4"))
	assert.Equal(t, "openai", BackendFor("gpt-4o-mini"))
	assert.Equal(t, "openai", BackendFor("o3-mini"))
	assert.Equal(t, "ollama", BackendFor("qwen3:4b"))
	assert.Equal(t, "ollama", BackendFor("llama3.2"))
}

func toolDef() chat.ToolDefinition {
	return chat.ToolDefinition{
		Name:        "world_time",
		Description: "Current time in a timezone",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA timezone name",
				},
			},
			"required": []string{"timezone"},
		},
	}
}

func TestBuildAnthropicTools(t *testing.T) {
	tools := buildAnthropicTools([]chat.ToolDefinition{toolDef()})
	require.Len(t, tools, 1)
	require.NotNil(t, tools[0].OfTool)
	assert.Equal(t, "world_time", tools[0].OfTool.Name)
	assert.Equal(t, []string{"timezone"}, tools[0].OfTool.InputSchema.Required)
	assert.NotNil(t, tools[0].OfTool.InputSchema.Properties)
}

func TestBuildAnthropicToolsRequiredFromAnySlice(t *testing.T) {
	def := toolDef()
	def.Parameters["required"] = []any{"timezone"}
	tools := buildAnthropicTools([]chat.ToolDefinition{def})
	require.Len(t, tools, 1)
	assert.Equal(t, []string{"timezone"}, tools[0].OfTool.InputSchema.Required)
}

func TestBuildOpenAITools(t *testing.T) {
	tools := buildOpenAITools([]chat.ToolDefinition{toolDef()})
	require.Len(t, tools, 1)
	assert.Equal(t, "world_time", tools[0].Function.Name)
	assert.Contains(t, map[string]any(tools[0].Function.Parameters), "properties")
}

func TestBuildOllamaTools(t *testing.T) {
	tools := buildOllamaTools([]chat.ToolDefinition{toolDef()})
	require.Len(t, tools, 1)
	assert.Equal(t, "world_time", tools[0].Function.Name)
	assert.Equal(t, []string{"timezone"}, tools[0].Function.Parameters.Required)
}

func TestAnthropicBuildMessagesGroupsToolResults(t *testing.T) {
	p := NewAnthropic("key", "", "claude-sonnet-4-5", nil)

	ms := []chat.Message{
		chat.System("persona"),
		chat.User("check two things"),
		callMsg("", "c1", "c2"),
		chat.ToolResult("c1", "world_time", "14:02"),
		chat.ToolResult("c2", "recall_memories", "nothing"),
		chat.Assistant("done"),
	}
	system, out := p.buildMessages(ms)

	require.Len(t, system, 1)
	assert.Equal(t, "persona", system[0].Text)

	// user, assistant(tool_use x2), user(tool_result x2), assistant
	require.Len(t, out, 4)
	assert.Len(t, out[1].Content, 2)
	assert.Len(t, out[2].Content, 2)
	for _, block := range out[2].Content {
		assert.NotNil(t, block.OfToolResult)
	}
}

func TestAnthropicBuildMessagesSkipsEmptyUser(t *testing.T) {
	p := NewAnthropic("key", "", "claude-sonnet-4-5", nil)
	_, out := p.buildMessages([]chat.Message{
		chat.User(""),
		chat.User("hello"),
	})
	require.Len(t, out, 1)
}

func TestAnthropicBuildMessagesCarriesImages(t *testing.T) {
	p := NewAnthropic("key", "", "claude-sonnet-4-5", nil)
	_, out := p.buildMessages([]chat.Message{
		{
			Role:    chat.RoleUser,
			Content: "what is this?",
			Kind:    chat.KindImage,
			Image:   &chat.Image{MIME: "image/png", Base64: "aGVsbG8="},
		},
	})
	require.Len(t, out, 1)
	require.Len(t, out[0].Content, 2)
	assert.NotNil(t, out[0].Content[0].OfImage)
}

func TestOpenAIBuildMessagesToolFlow(t *testing.T) {
	p := NewOpenAI(OpenAIConfig{APIKey: "key", Model: "gpt-4o"})

	ms := []chat.Message{
		chat.System("persona"),
		chat.User("go"),
		callMsg("", "c1"),
		chat.ToolResult("c1", "world_time", "14:02"),
	}
	out := p.buildMessages(ms)

	require.Len(t, out, 4)
	require.NotNil(t, out[2].OfAssistant)
	require.Len(t, out[2].OfAssistant.ToolCalls, 1)
	assert.Equal(t, "c1", out[2].OfAssistant.ToolCalls[0].ID)
	require.NotNil(t, out[3].OfTool)
}

func TestOllamaBuildMessagesToolFlow(t *testing.T) {
	p := NewOllama(OllamaConfig{Model: "qwen3:4b"})

	ms := []chat.Message{
		chat.System("persona"),
		chat.User("go"),
		callMsg("", "c1"),
		chat.ToolResult("c1", "world_time", "14:02"),
	}
	out := p.buildMessages(ms)

	require.Len(t, out, 4)
	assert.Equal(t, "system", out[0].Role)
	require.Len(t, out[2].ToolCalls, 1)
	assert.Equal(t, "world_time", out[2].ToolCalls[0].Function.Name)
	assert.Equal(t, "c1", out[3].ToolCallID)
	assert.Equal(t, "world_time", out[3].ToolName)
}

func TestHybridComposesSides(t *testing.T) {
	chatSide := NewAnthropic("key", "", "claude-sonnet-4-5", nil)
	embedSide := NewOpenAI(OpenAIConfig{APIKey: "key"})
	h := NewHybrid(chatSide, embedSide)

	assert.Equal(t, "anthropic", h.Name())
	assert.True(t, h.SupportsVision())
	assert.Equal(t, 200000, h.ContextWindow())
	assert.Equal(t, defaultOpenAIEmbedDims, h.EmbedDimensions())
}

func TestHybridDrainsBothAuthFlags(t *testing.T) {
	chatSide := NewAnthropic("key", "", "claude-sonnet-4-5", nil)
	embedSide := NewOpenAI(OpenAIConfig{APIKey: "key"})
	h := NewHybrid(chatSide, embedSide)

	chatSide.trip()
	embedSide.trip()

	assert.True(t, h.ConsumeAuthFailure())
	assert.False(t, h.ConsumeAuthFailure(), "flags drain after one read")
	assert.False(t, chatSide.ConsumeAuthFailure())
	assert.False(t, embedSide.ConsumeAuthFailure())
}

func TestAuthStateConsumeClearsFlag(t *testing.T) {
	var s authState
	assert.False(t, s.ConsumeAuthFailure())
	s.trip()
	assert.True(t, s.ConsumeAuthFailure())
	assert.False(t, s.ConsumeAuthFailure())
}

func TestClassifyHTTPStatus(t *testing.T) {
	for status, want := range map[int]classify.Kind{
		401: classify.KindAuth,
		403: classify.KindAuth,
		429: classify.KindRateLimited,
		500: classify.KindOverloaded,
		503: classify.KindOverloaded,
		400: classify.KindBadRequest,
	} {
		err := classifyHTTPStatus(status, assert.AnError)
		require.Error(t, err, "status %d", status)
		assert.Equal(t, want, classify.Classify(err), "status %d", status)
	}
}
