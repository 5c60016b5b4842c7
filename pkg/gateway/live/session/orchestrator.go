package session

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/vango-go/vai-callbridge/pkg/core/types"
	"github.com/vango-go/vai-callbridge/pkg/core/voice/stt"
	"github.com/vango-go/vai-callbridge/pkg/gateway/live/protocol"
)

const silenceTick = 250 * time.Millisecond

// Close reasons reported in logs and metrics.
const (
	reasonCallerHangup  = "caller_hangup"
	reasonAgentHangup   = "agent_hangup"
	reasonTransport     = "transport_error"
	reasonProvider      = "provider_error"
	reasonMaxDuration   = "max_duration"
	reasonCancelled     = "cancelled"
	reasonTransportDone = "transport_closed"
)

type genEventKind int

const (
	genToolCall genEventKind = iota + 1
	genDone
)

type genEvent struct {
	kind       genEventKind
	generation uint64
	call       types.ToolCall
	reply      Reply
	err        error
}

// pendingMark is a mark sent to the peer and not yet echoed back.
type pendingMark struct {
	generation uint64
	expires    time.Time
}

// genState is the loop's bookkeeping for one generation.
type genState struct {
	gen        *Generation
	calls      []types.ToolCall
	held       []ToolJob
	done       bool
	units      int
	played     int
	discarded  int
	turnClosed bool
	heard      bool
}

// settled reports whether every unit of the generation has been played or dropped.
func (g *genState) settled() bool {
	return g.done && g.played+g.discarded >= g.units
}

// generationSink hands units straight to the synthesizer and routes tool
// calls through the loop, which alone may submit jobs.
type generationSink struct {
	ctx    context.Context
	synth  *Synthesizer
	events chan<- genEvent
}

func (k generationSink) Unit(u Unit) { k.synth.Enqueue(u) }

func (k generationSink) ToolCall(generation uint64, call types.ToolCall) {
	select {
	case k.events <- genEvent{kind: genToolCall, generation: generation, call: call}:
	case <-k.ctx.Done():
	}
}

// loop is the single owner of history, generations and marks. It returns
// why the call is ending and, for abnormal ends, the error.
func (s *CallSession) loop(inbound <-chan inboundFrame) (string, error) {
	limiter := newInboundAudioLimiter(s.now, s.cfg.InboundMaxFPS, s.cfg.InboundBurst)
	silence := time.NewTicker(silenceTick)
	defer silence.Stop()

	var maxDuration <-chan time.Time
	if s.cfg.MaxSessionDuration > 0 {
		t := time.NewTimer(s.cfg.MaxSessionDuration)
		defer t.Stop()
		maxDuration = t.C
	}
	defer func() {
		if s.hangup != nil {
			s.hangup.Stop()
		}
	}()

	for {
		var hangup <-chan time.Time
		if s.hangup != nil {
			hangup = s.hangup.C
		}

		select {
		case <-s.groupCtx.Done():
			select {
			case err := <-s.failures:
				return s.failureReason(err)
			default:
			}
			return reasonCancelled, nil

		case err := <-s.failures:
			return s.failureReason(err)

		case frame, ok := <-inbound:
			if !ok {
				return reasonTransportDone, nil
			}
			if frame.err != nil {
				if isNormalClose(frame.err) {
					return reasonCallerHangup, nil
				}
				if s.ctx.Err() != nil {
					return reasonCancelled, nil
				}
				return reasonTransport, &TransportError{Op: "read", Err: frame.err}
			}
			if done := s.onFrame(frame.data, limiter); done {
				return reasonCallerHangup, nil
			}

		case ev := <-s.sttEvents:
			s.onRecognition(ev)

		case ev := <-s.genEvents:
			s.onGenerationEvent(ev)

		case ev := <-s.synthEvents:
			s.onSynthEvent(ev)

		case job := <-s.executor.Results():
			s.onToolResult(job)

		case <-silence.C:
			s.expireMarks()
			if u, ok := s.aggregator.Flush(); ok {
				s.onUtterance(u)
			} else if s.pendingFollowUp && s.aggregator.Quiet() && !s.speaking() {
				s.followUp()
			}

		case <-hangup:
			return reasonAgentHangup, nil

		case <-maxDuration:
			return reasonMaxDuration, nil
		}
	}
}

func (s *CallSession) failureReason(err error) (string, error) {
	if IsTransport(err) {
		return reasonTransport, err
	}
	var pe *ProviderStreamError
	if errors.As(err, &pe) {
		s.metrics.ProviderError(pe.Provider)
	}
	return reasonProvider, err
}

// onFrame handles one inbound media-stream frame. It reports true on stop.
func (s *CallSession) onFrame(data []byte, limiter *inboundAudioLimiter) bool {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn("ignoring invalid frame", "error", err)
		return false
	}
	switch m := msg.(type) {
	case protocol.Media:
		if !limiter.Allow() {
			return false
		}
		s.metrics.Audio("inbound", len(m.Audio))
		select {
		case s.audioIn <- m.Audio:
		default:
			s.logger.Debug("recognition backlog, dropping inbound frame")
		}
	case protocol.Mark:
		s.onMark(m.Mark.Name)
	case protocol.DTMF:
		s.logger.Info("dtmf received", "digit", m.DTMF.Digit)
	case protocol.Stop:
		return true
	}
	return false
}

func (s *CallSession) onRecognition(ev stt.Event) {
	switch ev.Kind {
	case stt.EventSpeechStarted:
		s.aggregator.OnSpeechStarted()
		s.bargeIn("speech_started")
		return
	case stt.EventPartial, stt.EventFinal:
		if normalizeSpace(ev.Text) != "" && !s.aggregator.IsReplay(ev) {
			s.bargeIn("transcript")
		}
	}
	if u, ok := s.aggregator.Handle(ev); ok {
		s.onUtterance(u)
	}
}

func (s *CallSession) onUtterance(u Utterance) {
	if s.State() != StateActive {
		return
	}
	// a turn still being composed would answer an older question
	s.bargeIn("utterance")
	s.pendingFollowUp = false
	gen := s.beginGeneration(TriggerUtterance, u.Text)
	s.history.append(types.UserTurn(u.Text, gen.ID, u.At))
	s.logger.Info("utterance", "generation", gen.ID, "text", u.Text, "confidence", u.Confidence)
	s.launch(gen)
}

// speaking reports whether the agent holds the floor: a reply is still being
// produced, audio is queued or playing, or sent audio has not been played out.
func (s *CallSession) speaking() bool {
	if live := s.controller.Live(); live != 0 {
		if st := s.gens[live]; st != nil && !st.done {
			return true
		}
	}
	return len(s.marks) > 0 || s.synth.Busy()
}

// bargeIn hard-stops everything the caller would otherwise hear.
func (s *CallSession) bargeIn(cause string) {
	if !s.speaking() {
		return
	}
	live := s.controller.Flush()
	s.synth.Halt()
	s.sendClear()
	for name := range s.marks {
		delete(s.marks, name)
	}
	if live != 0 {
		s.closeTurn(live, false)
	}
	s.metrics.BargeIn()
	s.logger.Info("barge-in", "cause", cause, "generation", live)
}

func (s *CallSession) beginGeneration(trigger Trigger, text string) *Generation {
	gen := s.controller.Begin(trigger, text)
	s.synth.Supersede()
	s.gens[gen.ID] = &genState{gen: gen}
	s.metrics.GenerationStarted(string(trigger))
	return gen
}

// launch runs the responder for gen against a snapshot of the history.
func (s *CallSession) launch(gen *Generation) {
	turns := s.history.snapshot(s.cfg.MaxHistoryTurns)
	sink := generationSink{ctx: s.groupCtx, synth: s.synth, events: s.genEvents}
	s.group.Go(func() error {
		reply, err := s.responder.Respond(gen, turns, sink)
		select {
		case s.genEvents <- genEvent{kind: genDone, generation: gen.ID, reply: reply, err: err}:
		case <-s.groupCtx.Done():
		}
		return nil
	})
}

func (s *CallSession) onGenerationEvent(ev genEvent) {
	st := s.gens[ev.generation]
	switch ev.kind {
	case genToolCall:
		if st == nil || !s.controller.IsValid(ev.generation) {
			s.logger.Debug("dropping tool call from stale generation", "generation", ev.generation, "tool", ev.call.Name)
			return
		}
		st.calls = append(st.calls, ev.call)
		s.executor.Submit(ev.generation, ev.call)
		s.logger.Info("tool job submitted", "generation", ev.generation, "tool", ev.call.Name, "call_id", ev.call.ID)

	case genDone:
		if st == nil {
			return
		}
		st.done = true
		st.units = ev.reply.Units
		switch {
		case st.turnClosed:
			// already retired by a barge-in
		case ev.err != nil:
			s.logger.Warn("generation failed", "generation", ev.generation, "error", ev.err)
			valid := s.controller.IsValid(ev.generation)
			s.closeTurn(ev.generation, false)
			if valid {
				s.speakFallback()
			}
		case ev.reply.Cancelled:
			s.closeTurn(ev.generation, true)
		default:
			s.history.append(types.AssistantTurn(ev.reply.Text, st.calls, ev.generation, s.now()))
			st.turnClosed = true
			s.releaseHeld(st, true)
		}
		s.settle()
	}
}

// closeTurn retires a generation that will not complete normally. Tool calls
// it already submitted still get an assistant turn so their results pair up.
func (s *CallSession) closeTurn(id uint64, followUp bool) {
	st := s.gens[id]
	if st == nil || st.turnClosed {
		return
	}
	st.turnClosed = true
	if len(st.calls) > 0 {
		s.history.append(types.AssistantTurn("", st.calls, id, s.now()))
	}
	s.releaseHeld(st, followUp)
}

// releaseHeld appends results that arrived while their generation was still
// streaming, and optionally starts the follow-up generation for them.
func (s *CallSession) releaseHeld(st *genState, followUp bool) {
	if len(st.held) == 0 {
		return
	}
	held := st.held
	st.held = nil
	for _, job := range held {
		s.appendToolResult(job)
	}
	if followUp && !s.aggregator.Pending() {
		s.followUp()
	} else {
		// spoken once the caller goes quiet, unless their next utterance covers it
		s.pendingFollowUp = true
	}
}

func (s *CallSession) onToolResult(job ToolJob) {
	if st := s.gens[job.Generation]; st != nil && !st.turnClosed {
		st.held = append(st.held, job)
		return
	}
	s.appendToolResult(job)
	if s.aggregator.Pending() {
		s.pendingFollowUp = true
		return
	}
	s.followUp()
}

// collectToolResults records results that finished after the loop stopped.
// Nothing is spoken for them.
func (s *CallSession) collectToolResults() {
	for {
		select {
		case job := <-s.executor.Results():
			if st := s.gens[job.Generation]; st != nil && !st.turnClosed {
				st.held = append(st.held, job)
				continue
			}
			s.appendToolResult(job)
		default:
			var open []uint64
			for id, st := range s.gens {
				if !st.turnClosed && len(st.held) > 0 {
					open = append(open, id)
				}
			}
			slices.Sort(open)
			for _, id := range open {
				s.closeTurn(id, false)
			}
			return
		}
	}
}

func (s *CallSession) appendToolResult(job ToolJob) {
	s.history.append(types.ToolResultTurn(job.CallID, job.Name, job.Content, job.Generation, s.now()))
	if job.EndCall {
		s.endCall = true
	}
	s.logger.Info("tool result", "tool", job.Name, "call_id", job.CallID, "state", string(job.State))
}

// followUp starts the generation that tells the caller about new tool results.
func (s *CallSession) followUp() {
	s.pendingFollowUp = false
	gen := s.beginGeneration(TriggerToolResult, "")
	s.launch(gen)
}

// speakFallback replaces a failed generation with the apology.
func (s *CallSession) speakFallback() {
	gen := s.beginGeneration(TriggerFallback, s.cfg.ApologyPhrase)
	st := s.gens[gen.ID]
	st.done = true
	st.units = 1
	st.turnClosed = true
	s.synth.Enqueue(Unit{Generation: gen.ID, Seq: 0, Text: s.cfg.ApologyPhrase})
	s.history.append(types.AssistantTurn(s.cfg.ApologyPhrase, nil, gen.ID, s.now()))
}

func (s *CallSession) onSynthEvent(ev synthEvent) {
	st := s.gens[ev.unit.Generation]
	switch ev.kind {
	case unitStarted:
		if st != nil && !st.heard {
			st.heard = true
			s.metrics.FirstAudio(s.now().Sub(st.gen.CreatedAt))
		}
		return
	case unitPlayed:
		if st != nil {
			st.played++
		}
		if !s.controller.Halted(ev.unit.Generation) {
			s.marks[ev.mark] = pendingMark{
				generation: ev.unit.Generation,
				expires:    s.now().Add(ev.audio + s.cfg.MarkSlack),
			}
		}
	case unitDiscarded:
		if st != nil {
			st.discarded++
		}
		s.logger.Debug("unit discarded", "generation", ev.unit.Generation, "unit", ev.unit.Seq, "reason", ev.reason)
	}
	s.settle()
}

func (s *CallSession) onMark(name string) {
	if _, ok := s.marks[name]; !ok {
		return
	}
	delete(s.marks, name)
	s.settle()
}

// expireMarks forgets marks the peer never echoed, so a silent peer cannot
// hold the floor forever.
func (s *CallSession) expireMarks() {
	if len(s.marks) == 0 || s.cfg.MarkSlack <= 0 {
		return
	}
	now := s.now()
	expired := 0
	for name, m := range s.marks {
		if now.After(m.expires) {
			delete(s.marks, name)
			expired++
		}
	}
	if expired > 0 {
		s.logger.Debug("marks expired without echo", "count", expired)
		s.settle()
	}
}

// settle forgets finished generations and arms the hangup timer once an
// ended call has played out.
func (s *CallSession) settle() {
	live := s.controller.Live()
	for id, st := range s.gens {
		if id != live && st.settled() && st.turnClosed && len(st.held) == 0 {
			delete(s.gens, id)
		}
	}
	if !s.endCall || s.hangup != nil {
		return
	}
	for _, st := range s.gens {
		if !st.settled() {
			return
		}
	}
	if len(s.marks) > 0 || s.synth.Busy() {
		return
	}
	s.logger.Info("call ended by agent, hanging up", "delay", s.cfg.HangupDelay)
	s.hangup = time.NewTimer(s.cfg.HangupDelay)
}
