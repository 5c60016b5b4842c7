package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vango-go/vai-callbridge/pkg/core/voice/tts"
	"github.com/vango-go/vai-callbridge/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-callbridge/pkg/gateway/metrics"
)

const (
	mulawBytesPerSecond = protocol.SampleRate
	minPace             = 5 * time.Millisecond
	maxPace             = 100 * time.Millisecond
)

var (
	errUnitHalted = errors.New("unit halted")
	errConnLost   = errors.New("synthesis connection lost")
)

type synthEventKind int

const (
	unitStarted synthEventKind = iota + 1
	unitPlayed
	unitDiscarded
)

// synthEvent reports unit progress to the orchestrator. Mark is set on
// unitPlayed and names the mark frame sent after the unit's audio.
type synthEvent struct {
	kind   synthEventKind
	unit   Unit
	mark   string
	reason string
	// audio is the real-time length of the unit's forwarded audio.
	audio  time.Duration
}

type SynthesizerConfig struct {
	StreamSID string
	Options   tts.Options
	// PacingFactor scales the real-time duration of each forwarded batch.
	PacingFactor float64
	// DrainUnits is how many queued units of a superseded generation may still start.
	DrainUnits int
}

// Synthesizer turns units into paced audio frames on the outbound queue.
//
// Units play strictly in arrival order. A unit of a generation that is no
// longer valid is started only within the drain budget granted by the last
// Supersede; a halted generation never starts or continues a unit.
type Synthesizer struct {
	provider   tts.Provider
	controller *GenerationController
	cfg        SynthesizerConfig
	retry      retryPolicy
	send       func(ctx context.Context, f outboundFrame) error
	events     chan<- synthEvent
	logger     *slog.Logger
	metrics    *metrics.Metrics
	sleep      func(ctx context.Context, halt <-chan struct{}, d time.Duration) bool

	mu          sync.Mutex
	queue       []Unit
	active      bool
	drainBudget int

	wake chan struct{}
	halt chan struct{}

	conn tts.Conn
}

func NewSynthesizer(provider tts.Provider, controller *GenerationController, cfg SynthesizerConfig, policy retryPolicy, send func(ctx context.Context, f outboundFrame) error, events chan<- synthEvent, logger *slog.Logger, m *metrics.Metrics) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PacingFactor < 0 {
		cfg.PacingFactor = 0
	}
	return &Synthesizer{
		provider:   provider,
		controller: controller,
		cfg:        cfg,
		retry:      policy,
		send:       send,
		events:     events,
		logger:     logger,
		metrics:    m,
		sleep:      pace,
		wake:       make(chan struct{}, 1),
		halt:       make(chan struct{}, 1),
	}
}

// Enqueue appends u behind every unit already queued.
func (s *Synthesizer) Enqueue(u Unit) {
	s.mu.Lock()
	s.queue = append(s.queue, u)
	s.mu.Unlock()
	signal(s.wake)
}

// Supersede opens a drain window for units of generations that were just replaced.
func (s *Synthesizer) Supersede() {
	s.mu.Lock()
	s.drainBudget = s.cfg.DrainUnits
	s.mu.Unlock()
}

// Halt interrupts the unit in flight if its generation has been flushed.
func (s *Synthesizer) Halt() {
	s.mu.Lock()
	s.drainBudget = 0
	s.mu.Unlock()
	signal(s.halt)
	signal(s.wake)
}

// Busy reports whether a unit is playing or waiting.
func (s *Synthesizer) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active || len(s.queue) > 0
}

// Run plays units until ctx is done. It returns a ProviderStreamError once
// the synthesis connection cannot be re-established within the retry budget.
func (s *Synthesizer) Run(ctx context.Context) error {
	defer s.closeConn()
	for {
		u, ok := s.next(ctx)
		if !ok {
			return nil
		}
		if !s.admit(ctx, u) {
			continue
		}
		err := s.play(ctx, u)
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()

		switch {
		case err == nil:
		case errors.Is(err, errUnitHalted):
			s.metrics.UnitsDiscarded("halted", 1)
			s.report(ctx, synthEvent{kind: unitDiscarded, unit: u, reason: "halted"})
		case ctx.Err() != nil:
			return nil
		default:
			s.report(ctx, synthEvent{kind: unitDiscarded, unit: u, reason: "provider_error"})
			return &ProviderStreamError{Provider: s.provider.Name(), Err: err}
		}
	}
}

func (s *Synthesizer) next(ctx context.Context) (Unit, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			u := s.queue[0]
			s.queue = s.queue[1:]
			s.active = true
			s.mu.Unlock()
			return u, true
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Unit{}, false
		case <-s.wake:
		}
	}
}

// admit applies the drain-or-discard rule to a unit about to start.
func (s *Synthesizer) admit(ctx context.Context, u Unit) bool {
	reason := ""
	switch {
	case s.controller.Halted(u.Generation):
		reason = "halted"
	case s.controller.IsValid(u.Generation):
	default:
		s.mu.Lock()
		if s.drainBudget > 0 {
			s.drainBudget--
		} else {
			reason = "superseded"
		}
		s.mu.Unlock()
	}
	if reason == "" {
		return true
	}
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.metrics.UnitsDiscarded(reason, 1)
	s.report(ctx, synthEvent{kind: unitDiscarded, unit: u, reason: reason})
	return false
}

func (s *Synthesizer) play(ctx context.Context, u Unit) error {
	contextID := fmt.Sprintf("g%d-u%d", u.Generation, u.Seq)
	s.report(ctx, synthEvent{kind: unitStarted, unit: u})

	forwarded := 0
	attempt := 0
	err := s.retry.do(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			s.metrics.ProviderReconnected(s.provider.Name())
			s.logger.Info("resuming unit on new synthesis connection", "generation", u.Generation, "unit", u.Seq, "forwarded_bytes", forwarded)
		}
		conn, err := s.connection(ctx)
		if err != nil {
			return retry.RetryableError(err)
		}
		if err := conn.Speak(ctx, contextID, u.Text); err != nil {
			s.dropConn(conn, err)
			return retry.RetryableError(err)
		}
		err = s.stream(ctx, conn, u, contextID, &forwarded)
		if errors.Is(err, errConnLost) {
			s.dropConn(conn, err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return err
	}

	mark := contextID
	payload, err := protocol.EncodeMark(s.cfg.StreamSID, mark)
	if err != nil {
		return err
	}
	if err := s.send(ctx, outboundFrame{generation: u.Generation, mark: true, payload: payload}); err != nil {
		return err
	}
	s.report(ctx, synthEvent{kind: unitPlayed, unit: u, mark: mark, audio: time.Duration(forwarded) * time.Second / mulawBytesPerSecond})
	return nil
}

// stream forwards the audio of one provider context. Bytes already forwarded
// by an earlier attempt are skipped so a resumed unit is not heard twice.
func (s *Synthesizer) stream(ctx context.Context, conn tts.Conn, u Unit, contextID string, forwarded *int) error {
	received := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.halt:
			if s.controller.Halted(u.Generation) {
				_ = conn.Abort(ctx, contextID)
				return errUnitHalted
			}
		case chunk, ok := <-conn.Chunks():
			if !ok {
				if err := conn.Err(); err != nil {
					return fmt.Errorf("%w: %v", errConnLost, err)
				}
				return errConnLost
			}
			if chunk.ContextID != contextID {
				continue
			}
			if s.controller.Halted(u.Generation) {
				_ = conn.Abort(ctx, contextID)
				return errUnitHalted
			}

			audio := chunk.Audio
			if skip := *forwarded - received; skip > 0 {
				if skip > len(audio) {
					skip = len(audio)
				}
				audio = audio[skip:]
			}
			received += len(chunk.Audio)

			if len(audio) > 0 {
				payload, err := protocol.EncodeMedia(s.cfg.StreamSID, audio)
				if err != nil {
					return err
				}
				if err := s.send(ctx, outboundFrame{generation: u.Generation, audio: true, payload: payload}); err != nil {
					return err
				}
				*forwarded += len(audio)
				if !s.sleep(ctx, s.halt, s.paceFor(len(audio))) && s.controller.Halted(u.Generation) {
					_ = conn.Abort(ctx, contextID)
					return errUnitHalted
				}
			}
			if chunk.Final {
				return nil
			}
		}
	}
}

func (s *Synthesizer) paceFor(n int) time.Duration {
	if s.cfg.PacingFactor == 0 {
		return 0
	}
	realtime := time.Duration(n) * time.Second / mulawBytesPerSecond
	d := time.Duration(float64(realtime) * s.cfg.PacingFactor)
	if d < minPace {
		d = minPace
	}
	if d > maxPace {
		d = maxPace
	}
	return d
}

func (s *Synthesizer) connection(ctx context.Context) (tts.Conn, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		return conn, nil
	}
	conn, err := s.provider.Connect(ctx, s.cfg.Options)
	if err != nil {
		s.metrics.ProviderError(s.provider.Name())
		return nil, err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return conn, nil
}

func (s *Synthesizer) dropConn(conn tts.Conn, cause error) {
	s.metrics.ProviderError(s.provider.Name())
	s.logger.Warn("synthesis connection lost", "error", cause)
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Synthesizer) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Synthesizer) report(ctx context.Context, ev synthEvent) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// pace waits d. It returns false when interrupted by halt or ctx.
func pace(ctx context.Context, halt <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-halt:
		return false
	case <-ctx.Done():
		return false
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
