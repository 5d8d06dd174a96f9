package provider

import (
	"context"
)

// Message represents a chat message.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool results
	ToolName   string     `json:"tool_name,omitempty"`    // For tool results
}

// ToolDecl declares one callable tool to the model.
type ToolDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatRequest is one complete model invocation: system instruction,
// running message history and the declared tool set.
type ChatRequest struct {
	System   string     `json:"system,omitempty"`
	Messages []Message  `json:"messages"`
	Tools    []ToolDecl `json:"tools,omitempty"`
}

// Response represents the output from the model.
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"args"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates usage across model calls within one response.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Provider defines the interface for AI model interactions.
type Provider interface {
	// Chat sends a request to the model and returns a response. The model
	// may answer with free text, one or more tool calls, or both.
	Chat(ctx context.Context, req ChatRequest) (*Response, error)

	// Embed generates a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Name returns the provider identifier (e.g., "stub", "gemini").
	Name() string
}
