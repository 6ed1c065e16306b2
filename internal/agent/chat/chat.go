// Package chat defines the normalized conversation types shared by the
// store, the provider adapters, and the conversation engine.
package chat

import "encoding/json"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Metadata kinds. A message carries at most one kind.
const (
	KindToolCalls         = "tool_calls"
	KindToolResult        = "tool"
	KindImage             = "image"
	KindCompactionSummary = "compaction_summary"
)

// ToolCall is a normalized function call emitted by a model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Image is an inline attachment on a user message.
type Image struct {
	MIME   string `json:"mime"`
	Base64 string `json:"base64"`
}

// Message is one turn in a conversation. The tagged metadata fields are
// populated according to Kind: ToolCalls for assistant turns that request
// tools, ToolName/ToolCallID for tool results, Image for user turns with
// attachments, and Kind alone for compaction summaries.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Kind       string     `json:"kind,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Image      *Image     `json:"image,omitempty"`
}

// HasToolCalls reports whether the message requests tool execution.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// System builds a plain system message.
func System(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// User builds a plain user message.
func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Assistant builds a plain assistant message.
func Assistant(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolResult builds a tool message answering the given call.
func ToolResult(callID, toolName, content string) Message {
	return Message{
		Role:       RoleTool,
		Content:    content,
		Kind:       KindToolResult,
		ToolName:   toolName,
		ToolCallID: callID,
	}
}

// ToolDefinition is the normalized function-calling declaration sent to
// providers: name, description and a JSON-schema parameters object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage counts tokens for one provider round trip.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates usage across rounds.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
