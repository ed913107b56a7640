// Package llm streams chat completions from an OpenAI-compatible provider,
// normalizing deltas, tool calls, and usage into a single chunk schema.
package llm

import "encoding/json"

// Message is one prompt element in provider-neutral form.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a fully-assembled model tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition describes one callable tool in the request manifest.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is one streaming completion call.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	Temperature float64
}

// ChunkKind discriminates stream chunks.
type ChunkKind string

const (
	// ChunkDelta carries incremental assistant text.
	ChunkDelta ChunkKind = "delta"
	// ChunkToolCall carries one fully-coalesced tool call. Fragmentary
	// provider deltas never surface.
	ChunkToolCall ChunkKind = "tool_call"
	// ChunkUsage carries token counts, when the provider reports them.
	ChunkUsage ChunkKind = "usage"
	// ChunkDone terminates the stream.
	ChunkDone ChunkKind = "done"
)

// Usage is the token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk is one element of the completion stream. Exactly one of Delta,
// ToolCall, Usage is meaningful, per Kind.
type Chunk struct {
	Kind     ChunkKind
	Delta    string
	ToolCall *ToolCall
	Usage    *Usage
}
