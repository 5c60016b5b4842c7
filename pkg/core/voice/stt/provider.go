// Package stt provides the live speech recognition boundary.
package stt

import (
	"context"
	"time"
)

// Provider opens live recognition streams.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// NewStream connects a live recognition session. Audio is pushed with
	// SendAudio and recognition events arrive on Events.
	NewStream(ctx context.Context, opts StreamOptions) (Stream, error)
}

// Stream is one live recognition session.
type Stream interface {
	SendAudio(data []byte) error
	Events() <-chan Event
	// Err reports why Events was closed. It is nil after a local Close.
	Err() error
	Close() error
}

// StreamOptions configures a live recognition session.
type StreamOptions struct {
	Model          string
	Language       string
	Encoding       string
	SampleRate     int
	Channels       int
	InterimResults bool
	SmartFormat    bool
	VADEvents      bool
	UtteranceEnd   time.Duration
	Endpointing    time.Duration
	KeepAlive      time.Duration
}

// EventKind classifies recognition events.
type EventKind int

const (
	EventPartial EventKind = iota + 1
	EventFinal
	EventUtteranceEnd
	EventSpeechStarted
)

func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventUtteranceEnd:
		return "utterance_end"
	case EventSpeechStarted:
		return "speech_started"
	default:
		return "unknown"
	}
}

// Event is a recognition fragment or activity signal.
//
// Start and Duration are offsets into the audio stream. SpeechFinal marks a
// final fragment after which the provider detected an end of speech.
type Event struct {
	Kind        EventKind
	Text        string
	SpeechFinal bool
	Confidence  float64
	Start       time.Duration
	Duration    time.Duration
}
