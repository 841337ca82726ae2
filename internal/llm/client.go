package llm

import "context"

// Client is the interface the executor consumes for model I/O.
type Client interface {
	// ChatStream sends a streaming chat request. If callback is
	// non-nil, tokens and reasoning fragments are streamed to it as
	// they arrive; the assembled response is returned when the stream
	// closes.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
