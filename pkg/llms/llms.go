// Package llms provides chat-completion providers for OpenAI, Anthropic
// and Google Gemini behind a single Provider interface. All three
// support tool calling; structured output uses each provider's native
// mechanism where one exists.
package llms

import (
	"context"
	"encoding/json"
)

// Role identifies the sender of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single turn in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`

	// ToolCallID and ToolName are set on tool result messages.
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// RawArgs returns the arguments as a JSON string.
func (tc ToolCall) RawArgs() string {
	if tc.Args == nil {
		return "{}"
	}
	raw, err := json.Marshal(tc.Args)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is the input for a generation call.
type Request struct {
	// System is the system instruction, kept separate because providers
	// place it differently.
	System string

	// Messages is the conversation so far, oldest first.
	Messages []Message

	// Tools the model may call. Empty means plain generation.
	Tools []ToolDefinition

	// ToolChoice is "auto", "none" or "required". Empty defaults to
	// "auto" when tools are present.
	ToolChoice string

	// Temperature overrides the provider default when non-nil.
	Temperature *float64

	// MaxTokens caps the response length. Zero uses the provider default.
	MaxTokens int

	// ResponseSchema constrains output to a JSON schema when set.
	ResponseSchema map[string]any

	// SchemaName labels the schema for providers that require a name.
	SchemaName string

	// Purpose tags the call for metrics ("analysis", "routing", "chat").
	Purpose string
}

// Response is the output of a generation call.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// HasToolCalls reports whether the model requested tools.
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// Usage is token accounting for a single call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Provider generates chat completions.
type Provider interface {
	// Name returns the provider identifier ("openai", "anthropic", "gemini").
	Name() string

	// Model returns the model identifier.
	Model() string

	// Generate produces one completion for the request.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// Close releases provider resources.
	Close() error
}

// Ptr returns a pointer to v. Convenience for Temperature overrides.
func Ptr[T any](v T) *T {
	return &v
}
