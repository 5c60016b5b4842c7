package session

import (
	"strings"
	"time"

	"github.com/vango-go/vai-callbridge/pkg/core/voice/stt"
)

// Utterance is a finalized span of caller speech.
type Utterance struct {
	Text       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
	At         time.Time
}

type fragment struct {
	text       string
	start      time.Duration
	end        time.Duration
	confidence float64
}

// TranscriptAggregator folds recognition fragments into utterances.
// It is owned by the orchestrator loop and is not safe for concurrent use.
type TranscriptAggregator struct {
	now            func() time.Time
	silence        time.Duration
	repeatLimit    int
	finals         []fragment
	interim        fragment
	interimRepeats int
	lastActivity   time.Time

	// committed holds every final of the last utterance so a replay of it
	// is recognized fragment by fragment.
	committed map[fragmentKey]struct{}
}

type fragmentKey struct {
	start time.Duration
	text  string
}

func NewTranscriptAggregator(now func() time.Time, silence time.Duration, repeatLimit int) *TranscriptAggregator {
	if now == nil {
		now = time.Now
	}
	return &TranscriptAggregator{now: now, silence: silence, repeatLimit: repeatLimit}
}

// Handle applies one recognition event. It returns an utterance when the
// event closes one.
func (a *TranscriptAggregator) Handle(ev stt.Event) (Utterance, bool) {
	switch ev.Kind {
	case stt.EventPartial:
		return a.OnPartial(ev)
	case stt.EventFinal:
		return a.OnFinal(ev)
	case stt.EventUtteranceEnd:
		return a.OnUtteranceEnd()
	case stt.EventSpeechStarted:
		a.OnSpeechStarted()
	}
	return Utterance{}, false
}

func (a *TranscriptAggregator) OnPartial(ev stt.Event) (Utterance, bool) {
	text := normalizeSpace(ev.Text)
	if text == "" {
		return Utterance{}, false
	}
	a.lastActivity = a.now()
	if text == a.interim.text {
		a.interimRepeats++
	} else {
		a.interimRepeats = 1
	}
	a.interim = fragment{text: text, start: ev.Start, end: ev.Start + ev.Duration, confidence: ev.Confidence}

	// Some calls never get a final for a short reply; a stable interim is taken as one.
	if a.repeatLimit > 0 && a.interimRepeats >= a.repeatLimit {
		a.addFinal(a.interim)
		return a.commit()
	}
	return Utterance{}, false
}

func (a *TranscriptAggregator) OnFinal(ev stt.Event) (Utterance, bool) {
	text := normalizeSpace(ev.Text)
	if text != "" {
		a.lastActivity = a.now()
		if a.IsReplay(ev) {
			a.interim = fragment{}
			a.interimRepeats = 0
			if ev.SpeechFinal {
				a.dropReplayed()
			}
			return Utterance{}, false
		}
		f := fragment{text: text, start: ev.Start, end: ev.Start + ev.Duration, confidence: ev.Confidence}
		a.addFinal(f)
		a.interim = fragment{}
		a.interimRepeats = 0
	}
	if ev.SpeechFinal {
		return a.commit()
	}
	return Utterance{}, false
}

// IsReplay reports whether ev is a final already handed off in the last utterance.
func (a *TranscriptAggregator) IsReplay(ev stt.Event) bool {
	if ev.Kind != stt.EventFinal || len(a.committed) == 0 {
		return false
	}
	_, ok := a.committed[fragmentKey{start: ev.Start, text: normalizeSpace(ev.Text)}]
	return ok
}

func (a *TranscriptAggregator) dropReplayed() {
	kept := a.finals[:0]
	for _, f := range a.finals {
		if _, ok := a.committed[fragmentKey{start: f.start, text: f.text}]; !ok {
			kept = append(kept, f)
		}
	}
	a.finals = kept
}

// OnUtteranceEnd commits the accumulated finals, or the last interim when there are none.
func (a *TranscriptAggregator) OnUtteranceEnd() (Utterance, bool) {
	if len(a.finals) == 0 && a.interim.text != "" {
		a.addFinal(a.interim)
	}
	return a.commit()
}

// OnSpeechStarted records voice activity. Barge-in is decided by the caller.
func (a *TranscriptAggregator) OnSpeechStarted() {
	a.lastActivity = a.now()
}

// Pending reports whether any text is buffered.
func (a *TranscriptAggregator) Pending() bool {
	return len(a.finals) > 0 || a.interim.text != ""
}

// Quiet reports whether nothing is buffered and no speech was heard for the silence window.
func (a *TranscriptAggregator) Quiet() bool {
	return !a.Pending() && a.now().Sub(a.lastActivity) >= a.silence
}

// Flush force-commits buffered text once no fragment arrived for the silence window.
func (a *TranscriptAggregator) Flush() (Utterance, bool) {
	if !a.Pending() || a.silence <= 0 {
		return Utterance{}, false
	}
	if a.now().Sub(a.lastActivity) < a.silence {
		return Utterance{}, false
	}
	return a.OnUtteranceEnd()
}

// Reset drops buffered text without committing it.
func (a *TranscriptAggregator) Reset() {
	a.finals = a.finals[:0]
	a.interim = fragment{}
	a.interimRepeats = 0
}

func (a *TranscriptAggregator) addFinal(f fragment) {
	for i := range a.finals {
		if a.finals[i].start == f.start {
			a.finals[i] = f
			return
		}
	}
	a.finals = append(a.finals, f)
}

func (a *TranscriptAggregator) commit() (Utterance, bool) {
	defer a.Reset()
	if len(a.finals) == 0 {
		return Utterance{}, false
	}
	parts := make([]string, 0, len(a.finals))
	var conf float64
	for _, f := range a.finals {
		parts = append(parts, f.text)
		conf += f.confidence
	}
	text := normalizeSpace(strings.Join(parts, " "))
	if text == "" {
		return Utterance{}, false
	}
	first, last := a.finals[0], a.finals[len(a.finals)-1]
	a.committed = make(map[fragmentKey]struct{}, len(a.finals))
	for _, f := range a.finals {
		a.committed[fragmentKey{start: f.start, text: f.text}] = struct{}{}
	}
	return Utterance{
		Text:       text,
		Start:      first.start,
		End:        last.end,
		Confidence: conf / float64(len(a.finals)),
		At:         a.now(),
	}, true
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
