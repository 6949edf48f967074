package llm

import "context"

// Client is the interface implemented by reasoning-service providers.
type Client interface {
	// Chat sends a non-streaming chat completion request.
	Chat(ctx context.Context, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream sends a chat request, streaming tokens via callback.
	// A nil callback degrades to a non-streaming request.
	ChatStream(ctx context.Context, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)
}
