package core

import (
	"context"

	"github.com/vango-go/vai-callbridge/pkg/core/types"
)

// Model is the interface that all language model providers implement.
type Model interface {
	// Name returns the provider identifier (e.g., "openai", "gemini").
	Name() string

	// Stream starts a streaming completion for the request.
	Stream(ctx context.Context, req *types.ChatRequest) (EventStream, error)
}

// EventStream is an iterator over streaming events.
type EventStream interface {
	// Next returns the next event. Returns nil, io.EOF when done.
	Next() (types.StreamEvent, error)

	// Close releases resources.
	Close() error
}
