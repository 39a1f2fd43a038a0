package llm

import "context"

// Client is the interface that all model providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// The tools argument carries JSON-schema tool definitions in the
	// provider's function-calling format.
	Chat(ctx context.Context, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
