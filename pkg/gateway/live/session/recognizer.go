package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sethvargo/go-retry"

	"github.com/vango-go/vai-callbridge/pkg/core/voice/stt"
	"github.com/vango-go/vai-callbridge/pkg/gateway/metrics"
)

var errNotConnected = errors.New("recognition stream not connected")

// recognizer owns the recognition stream for one session and reconnects it
// when the provider drops. Audio sent while reconnecting is dropped.
type recognizer struct {
	provider stt.Provider
	opts     stt.StreamOptions
	retry    retryPolicy
	events   chan<- stt.Event
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	stream stt.Stream
}

func newRecognizer(provider stt.Provider, opts stt.StreamOptions, policy retryPolicy, events chan<- stt.Event, logger *slog.Logger, m *metrics.Metrics) *recognizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &recognizer{provider: provider, opts: opts, retry: policy, events: events, logger: logger, metrics: m}
}

// Send forwards one inbound audio frame.
func (r *recognizer) Send(audio []byte) error {
	r.mu.Lock()
	stream := r.stream
	r.mu.Unlock()
	if stream == nil {
		return errNotConnected
	}
	return stream.SendAudio(audio)
}

// Run connects, forwards events and reconnects until ctx is done.
func (r *recognizer) Run(ctx context.Context) error {
	defer r.close()
	first := true
	for {
		stream, err := r.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &ProviderStreamError{Provider: r.provider.Name(), Err: err}
		}
		if !first {
			r.metrics.ProviderReconnected(r.provider.Name())
			r.logger.Info("recognition stream reconnected")
		}
		first = false

		err = r.forward(ctx, stream)
		if err == nil {
			return nil
		}
		r.metrics.ProviderError(r.provider.Name())
		r.logger.Warn("recognition stream dropped", "error", err)
		r.mu.Lock()
		r.stream = nil
		r.mu.Unlock()
		_ = stream.Close()
	}
}

func (r *recognizer) connect(ctx context.Context) (stt.Stream, error) {
	var stream stt.Stream
	err := r.retry.do(ctx, func(ctx context.Context) error {
		s, err := r.provider.NewStream(ctx, r.opts)
		if err != nil {
			r.metrics.ProviderError(r.provider.Name())
			return retry.RetryableError(err)
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.stream = stream
	r.mu.Unlock()
	return stream, nil
}

// forward returns nil when ctx ends and the stream's error when it drops.
func (r *recognizer) forward(ctx context.Context, stream stt.Stream) error {
	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				if err := stream.Err(); err != nil {
					return err
				}
				return errors.New("recognition stream closed")
			}
			select {
			case r.events <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (r *recognizer) close() {
	r.mu.Lock()
	stream := r.stream
	r.stream = nil
	r.mu.Unlock()
	if stream != nil {
		_ = stream.Close()
	}
}
