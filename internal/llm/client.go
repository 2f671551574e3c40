package llm

import "context"

// Client is the interface the orchestrator uses to consult the
// completion provider. Given the transcript and the declared tool
// catalog, the provider returns either free text or a request to
// invoke exactly one tool.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
