// Package tts provides the live speech synthesis boundary.
package tts

import (
	"context"
	"time"
)

// Provider opens synthesis connections.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Connect opens a connection able to synthesize many independent contexts.
	Connect(ctx context.Context, opts Options) (Conn, error)
}

// Conn is a live synthesis connection.
//
// Each Speak call opens a provider context identified by contextID. Audio for
// that context arrives on Chunks, and a chunk with Final set marks the end of it.
type Conn interface {
	Speak(ctx context.Context, contextID, text string) error
	Abort(ctx context.Context, contextID string) error
	Chunks() <-chan Chunk
	// Err reports why Chunks was closed. It is nil after a local Close.
	Err() error
	Close() error
}

// Chunk is a piece of synthesized audio.
type Chunk struct {
	ContextID string
	Audio     []byte
	Final     bool
}

// Options configures a synthesis connection.
type Options struct {
	VoiceID         string
	Model           string
	OutputFormat    string
	Stability       float64
	SimilarityBoost float64
	Style           float64
	SpeakerBoost    bool
	ChunkSchedule   []int
	KeepAlive       time.Duration
}
