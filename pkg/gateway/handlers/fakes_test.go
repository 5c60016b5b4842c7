package handlers

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/core/types"
	"github.com/vango-go/vai-callbridge/pkg/core/voice/stt"
	"github.com/vango-go/vai-callbridge/pkg/core/voice/tts"
)

// lineModel answers every request with the same sentence.
type lineModel struct{}

func (lineModel) Name() string { return "line" }

func (lineModel) Stream(context.Context, *types.ChatRequest) (core.EventStream, error) {
	return &lineStream{events: []types.StreamEvent{
		types.TextDeltaEvent{Text: "Yes I am here to help you today."},
		types.MessageStopEvent{StopReason: "stop"},
	}}, nil
}

type lineStream struct {
	events []types.StreamEvent
}

func (s *lineStream) Next() (types.StreamEvent, error) {
	if len(s.events) == 0 {
		return nil, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *lineStream) Close() error { return nil }

// helloSTT hears the caller say one thing on every new stream.
type helloSTT struct{}

func (helloSTT) Name() string { return "hello-stt" }

func (helloSTT) NewStream(context.Context, stt.StreamOptions) (stt.Stream, error) {
	s := &quietStream{events: make(chan stt.Event, 1)}
	s.events <- stt.Event{Kind: stt.EventFinal, Text: "Hello is anyone there", SpeechFinal: true, Duration: time.Second, Confidence: 0.9}
	return s, nil
}

type quietStream struct {
	once   sync.Once
	events chan stt.Event
}

func (s *quietStream) SendAudio([]byte) error   { return nil }
func (s *quietStream) Events() <-chan stt.Event { return s.events }
func (s *quietStream) Err() error               { return nil }
func (s *quietStream) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

type quietTTS struct {
	mu     sync.Mutex
	voices []string
}

func (q *quietTTS) Name() string { return "quiet-tts" }

func (q *quietTTS) Connect(_ context.Context, opts tts.Options) (tts.Conn, error) {
	q.mu.Lock()
	q.voices = append(q.voices, opts.VoiceID)
	q.mu.Unlock()
	return &quietConn{chunks: make(chan tts.Chunk)}, nil
}

type quietConn struct {
	once   sync.Once
	chunks chan tts.Chunk
}

func (c *quietConn) Speak(context.Context, string, string) error { return nil }
func (c *quietConn) Abort(context.Context, string) error         { return nil }
func (c *quietConn) Chunks() <-chan tts.Chunk                    { return c.chunks }
func (c *quietConn) Err() error                                  { return nil }
func (c *quietConn) Close() error {
	c.once.Do(func() { close(c.chunks) })
	return nil
}
