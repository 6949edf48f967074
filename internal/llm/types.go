// Package llm provides the reasoning-service client.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents a chat message for the reasoning service.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall represents a capability-invocation request from the model.
// ID is the correlation id pairing the request with its result.
type ToolCall struct {
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// ChatResponse is the unified response from the reasoning service.
// Wire format conversion happens at the provider boundary (openai.go).
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Reasoning string // internal reasoning trace; never persisted or re-fed
	Done      bool

	InputTokens  int
	OutputTokens int
}

// StreamEvent represents a single event in a streaming response.
// Consumers switch on Kind to determine what data is available.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// Reasoning is set for KindReasoning events.
	Reasoning string

	// Response is set for KindDone events (final summary).
	Response *ChatResponse
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental answer-text token from the model.
	KindToken StreamEventKind = iota

	// KindReasoning is an incremental reasoning-trace token.
	KindReasoning

	// KindDone signals the stream is complete. Response carries final metadata.
	KindDone
)

// StreamCallback receives streaming events.
type StreamCallback func(event StreamEvent)
