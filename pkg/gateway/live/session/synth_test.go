package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-callbridge/pkg/core/voice/tts"
)

type synthRig struct {
	t          *testing.T
	controller *GenerationController
	out        *fakeTransport
	synth      *Synthesizer
	errc       chan error

	mu     sync.Mutex
	events []synthEvent
}

func newSynthRig(t *testing.T, provider tts.Provider, drainUnits int) *synthRig {
	t.Helper()
	r := &synthRig{
		t:          t,
		controller: NewGenerationController(context.Background(), nil),
		out:        newFakeTransport(false),
		errc:       make(chan error, 1),
	}
	events := make(chan synthEvent, 64)
	send := func(_ context.Context, f outboundFrame) error { return r.out.WriteMessage(0, f.payload) }
	r.synth = NewSynthesizer(provider, r.controller, SynthesizerConfig{StreamSID: "MZ1", DrainUnits: drainUnits},
		retryPolicy{retries: 2, base: time.Millisecond}, send, events, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for ev := range events {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	go func() { r.errc <- r.synth.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-r.errc
		close(events)
	})
	return r
}

func (r *synthRig) outcome(contextID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		id := ev.mark
		if id == "" {
			id = contextIDFor(ev.unit)
		}
		if id != contextID {
			continue
		}
		switch ev.kind {
		case unitPlayed:
			return "played"
		case unitDiscarded:
			return ev.reason
		}
	}
	return ""
}

func (r *synthRig) waitOutcome(contextID, want string) {
	r.t.Helper()
	require.Eventually(r.t, func() bool { return r.outcome(contextID) == want }, waitFor, 5*time.Millisecond,
		"unit %s: got %q, want %q", contextID, r.outcome(contextID), want)
}

func contextIDFor(u Unit) string {
	return fmt.Sprintf("g%d-u%d", u.Generation, u.Seq)
}

func TestSynthesizer_PlaysUnitsInOrderWithMarks(t *testing.T) {
	r := newSynthRig(t, newFakeTTS(), 0)
	gen := r.controller.Begin(TriggerUtterance, "x")
	r.synth.Enqueue(Unit{Generation: gen.ID, Seq: 0, Text: "First unit."})
	r.synth.Enqueue(Unit{Generation: gen.ID, Seq: 1, Text: "Second unit."})

	r.waitOutcome("g1-u1", "played")
	assert.Equal(t, "played", r.outcome("g1-u0"))
	assert.False(t, r.synth.Busy())

	var order []string
	for _, f := range r.out.frames() {
		switch f.event {
		case "media":
			order = append(order, "audio:"+contextOf(f.audio))
		case "mark":
			order = append(order, "mark:"+f.mark)
		}
	}
	assert.Equal(t, []string{
		"audio:g1-u0", "audio:g1-u0", "mark:g1-u0",
		"audio:g1-u1", "audio:g1-u1", "mark:g1-u1",
	}, order)
}

func TestSynthesizer_SupersededUnitsDrainOrDiscard(t *testing.T) {
	tests := []struct {
		name       string
		drainUnits int
		wantQueued string
	}{
		{name: "no drain", drainUnits: 0, wantQueued: "superseded"},
		{name: "drain one", drainUnits: 1, wantQueued: "played"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := newFakeTTS()
			release := ft.hold("g1-u0")
			r := newSynthRig(t, ft, tt.drainUnits)

			g1 := r.controller.Begin(TriggerUtterance, "x")
			r.synth.Enqueue(Unit{Generation: g1.ID, Seq: 0, Text: "In flight now."})
			r.synth.Enqueue(Unit{Generation: g1.ID, Seq: 1, Text: "Still queued."})
			require.Eventually(t, func() bool { return ft.spokeContext("g1-u0") }, waitFor, 5*time.Millisecond)

			g2 := r.controller.Begin(TriggerToolResult, "")
			r.synth.Supersede()
			r.synth.Enqueue(Unit{Generation: g2.ID, Seq: 0, Text: "New reply."})
			close(release)

			r.waitOutcome("g2-u0", "played")
			// the unit already playing always finishes
			assert.Equal(t, "played", r.outcome("g1-u0"))
			assert.Equal(t, tt.wantQueued, r.outcome("g1-u1"))
		})
	}
}

func TestSynthesizer_HaltStopsInFlightAndQueued(t *testing.T) {
	ft := newFakeTTS()
	release := ft.hold("g1-u0")
	r := newSynthRig(t, ft, 5)

	g1 := r.controller.Begin(TriggerUtterance, "x")
	r.synth.Enqueue(Unit{Generation: g1.ID, Seq: 0, Text: "Talking over you."})
	r.synth.Enqueue(Unit{Generation: g1.ID, Seq: 1, Text: "And more."})
	require.Eventually(t, func() bool { return len(audioByContext(r.out.frames())["g1-u0"]) > 0 }, waitFor, 5*time.Millisecond)

	r.controller.Flush()
	r.synth.Halt()
	r.waitOutcome("g1-u0", "halted")
	r.waitOutcome("g1-u1", "halted")
	close(release)

	for _, f := range r.out.frames() {
		assert.NotEqual(t, "mark", f.event, "halted units must not be marked")
	}
	assert.False(t, ft.spokeContext("g1-u1"))

	g2 := r.controller.Begin(TriggerUtterance, "y")
	r.synth.Enqueue(Unit{Generation: g2.ID, Seq: 0, Text: "Go ahead."})
	r.waitOutcome("g2-u0", "played")
}

func TestSynthesizer_ResumesWithoutRepeatingAudio(t *testing.T) {
	ft := newFakeTTS()
	ft.dropAfter[0] = 1
	r := newSynthRig(t, ft, 0)

	gen := r.controller.Begin(TriggerUtterance, "x")
	r.synth.Enqueue(Unit{Generation: gen.ID, Seq: 0, Text: "Resume me please."})
	r.waitOutcome("g1-u0", "played")

	assert.Equal(t, 2, ft.connections())
	assert.Equal(t, joinAudio(fakeAudio("g1-u0", "Resume me please.")), audioByContext(r.out.frames())["g1-u0"])
}

type downTTS struct{}

func (downTTS) Name() string { return "down-tts" }

func (downTTS) Connect(context.Context, tts.Options) (tts.Conn, error) {
	return nil, errors.New("connection refused")
}

func TestSynthesizer_RetryBudgetExhausted(t *testing.T) {
	r := newSynthRig(t, downTTS{}, 0)
	gen := r.controller.Begin(TriggerUtterance, "x")
	r.synth.Enqueue(Unit{Generation: gen.ID, Seq: 0, Text: "Hello."})

	select {
	case err := <-r.errc:
		var pe *ProviderStreamError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "down-tts", pe.Provider)
		r.errc <- err
	case <-time.After(waitFor):
		t.Fatal("synthesizer kept running")
	}
	r.waitOutcome("g1-u0", "provider_error")
}

func TestSynthesizer_PaceFor(t *testing.T) {
	s := &Synthesizer{cfg: SynthesizerConfig{PacingFactor: 1}}
	assert.Equal(t, minPace, s.paceFor(1))
	assert.Equal(t, 20*time.Millisecond, s.paceFor(160))
	assert.Equal(t, maxPace, s.paceFor(8000))

	s.cfg.PacingFactor = 0
	assert.Zero(t, s.paceFor(8000))
}
