package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/core/types"
	"github.com/vango-go/vai-callbridge/pkg/core/voice/stt"
	"github.com/vango-go/vai-callbridge/pkg/core/voice/tts"
)

// ---- telephony transport ----

type sentFrame struct {
	event string
	audio []byte
	mark  string
}

type fakeTransport struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	echoMarks bool

	mu  sync.Mutex
	out []sentFrame
}

func newFakeTransport(echoMarks bool) *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 256), closed: make(chan struct{}), echoMarks: echoMarks}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	var msg struct {
		Event string `json:"event"`
		Media struct {
			Payload string `json:"payload"`
		} `json:"media"`
		Mark struct {
			Name string `json:"name"`
		} `json:"mark"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	frame := sentFrame{event: msg.Event, mark: msg.Mark.Name}
	if msg.Media.Payload != "" {
		audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return err
		}
		frame.audio = audio
	}
	f.mu.Lock()
	f.out = append(f.out, frame)
	f.mu.Unlock()

	if f.echoMarks && frame.event == "mark" {
		echo := mustJSON(map[string]any{"event": "mark", "streamSid": "MZ1", "mark": map[string]string{"name": frame.mark}})
		go func() {
			select {
			case f.in <- echo:
			case <-f.closed:
			}
		}()
	}
	return nil
}

func (f *fakeTransport) WriteControl(int, []byte, time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) push(v any) {
	select {
	case f.in <- mustJSON(v):
	case <-f.closed:
	}
}

func (f *fakeTransport) sendStart() {
	f.push(map[string]any{
		"event":     "start",
		"streamSid": "MZ1",
		"start": map[string]any{
			"streamSid":        "MZ1",
			"callSid":          "CA1",
			"customParameters": map[string]string{"caller": "+15550100"},
		},
	})
}

func (f *fakeTransport) sendStop() {
	f.push(map[string]any{"event": "stop", "streamSid": "MZ1"})
}

func (f *fakeTransport) frames() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentFrame, len(f.out))
	copy(out, f.out)
	return out
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

// ---- language model ----

type modelScript struct {
	events  []types.StreamEvent
	openErr error
	midErr  error
	// gate, when set, blocks the stream before event gateAt until closed.
	gate   chan struct{}
	gateAt int
}

type fakeModel struct {
	mu       sync.Mutex
	scripts  []modelScript
	requests []types.ChatRequest
}

func (m *fakeModel) Name() string { return "fake" }

func (m *fakeModel) Stream(ctx context.Context, req *types.ChatRequest) (core.EventStream, error) {
	m.mu.Lock()
	cp := *req
	cp.Turns = append([]types.Turn(nil), req.Turns...)
	m.requests = append(m.requests, cp)
	script := modelScript{events: []types.StreamEvent{types.TextDeltaEvent{Text: "Okay."}}}
	if len(m.scripts) > 0 {
		script = m.scripts[0]
		m.scripts = m.scripts[1:]
	}
	m.mu.Unlock()

	if script.openErr != nil {
		return nil, script.openErr
	}
	return &fakeEventStream{ctx: ctx, events: script.events, err: script.midErr, gate: script.gate, gateAt: script.gateAt}, nil
}

func (m *fakeModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *fakeModel) request(i int) types.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

type fakeEventStream struct {
	ctx    context.Context
	events []types.StreamEvent
	err    error
	gate   chan struct{}
	gateAt int
	pos    int
}

func (s *fakeEventStream) Next() (types.StreamEvent, error) {
	if s.gate != nil && s.pos == s.gateAt {
		select {
		case <-s.gate:
		case <-s.ctx.Done():
		}
	}
	s.pos++
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.events) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *fakeEventStream) Close() error { return nil }

func textScript(parts ...string) modelScript {
	events := make([]types.StreamEvent, 0, len(parts)+1)
	for _, p := range parts {
		events = append(events, types.TextDeltaEvent{Text: p})
	}
	events = append(events, types.MessageStopEvent{StopReason: "stop"})
	return modelScript{events: events}
}

func toolScript(id, name, args string) modelScript {
	return modelScript{events: []types.StreamEvent{
		types.ToolCallEvent{Call: types.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}},
		types.MessageStopEvent{StopReason: "tool_calls"},
	}}
}

// ---- recognition ----

type fakeSTT struct {
	mu      sync.Mutex
	streams []*fakeSTTStream
	ready   chan *fakeSTTStream
	failN   int
}

func newFakeSTT() *fakeSTT {
	return &fakeSTT{ready: make(chan *fakeSTTStream, 8)}
}

func (f *fakeSTT) Name() string { return "fake-stt" }

func (f *fakeSTT) NewStream(ctx context.Context, opts stt.StreamOptions) (stt.Stream, error) {
	f.mu.Lock()
	if f.failN > 0 {
		f.failN--
		f.mu.Unlock()
		return nil, errors.New("dial failed")
	}
	s := &fakeSTTStream{events: make(chan stt.Event, 64)}
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	f.ready <- s
	return s, nil
}

type fakeSTTStream struct {
	mu     sync.Mutex
	events chan stt.Event
	closed bool
	err    error
	audio  int
}

func (s *fakeSTTStream) SendAudio(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("closed")
	}
	s.audio += len(data)
	return nil
}

func (s *fakeSTTStream) Events() <-chan stt.Event { return s.events }

func (s *fakeSTTStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSTTStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeSTTStream) emit(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- ev
	}
}

func (s *fakeSTTStream) drop(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.err = err
		s.closed = true
		close(s.events)
	}
}

func (s *fakeSTTStream) audioBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

// ---- synthesis ----

const fakePieces = 2

// fakeAudio is the deterministic audio the fake provider produces for one context.
func fakeAudio(contextID, text string) [][]byte {
	mid := len(text) / 2
	parts := []string{text[:mid], text[mid:]}
	out := make([][]byte, 0, fakePieces)
	for i, p := range parts {
		out = append(out, []byte(fmt.Sprintf("[%s#%d]%s", contextID, i, p)))
	}
	return out
}

type speakRequest struct {
	contextID string
	text      string
}

type fakeTTS struct {
	mu    sync.Mutex
	conns []*fakeTTSConn
	// dropAfter closes connection i with an error after that many chunks.
	dropAfter map[int]int
	// holds blocks the final chunk of a context until the channel is closed.
	holds  map[string]chan struct{}
	spoken []speakRequest
}

func newFakeTTS() *fakeTTS {
	return &fakeTTS{dropAfter: map[int]int{}, holds: map[string]chan struct{}{}}
}

func (f *fakeTTS) Name() string { return "fake-tts" }

func (f *fakeTTS) Connect(ctx context.Context, opts tts.Options) (tts.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.conns)
	drop, hasDrop := f.dropAfter[idx]
	c := &fakeTTSConn{
		owner:   f,
		speak:   make(chan speakRequest, 16),
		chunks:  make(chan tts.Chunk, 16),
		done:    make(chan struct{}),
		aborted: map[string]bool{},
		drop:    -1,
	}
	if hasDrop {
		c.drop = drop
	}
	f.conns = append(f.conns, c)
	go c.loop()
	return c, nil
}

func (f *fakeTTS) hold(contextID string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.holds[contextID] = ch
	return ch
}

func (f *fakeTTS) holdFor(contextID string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.holds[contextID]
}

func (f *fakeTTS) spokenTexts() []speakRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]speakRequest(nil), f.spoken...)
}

func (f *fakeTTS) connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeTTS) spokeContext(contextID string) bool {
	for _, s := range f.spokenTexts() {
		if s.contextID == contextID {
			return true
		}
	}
	return false
}

type fakeTTSConn struct {
	owner     *fakeTTS
	speak     chan speakRequest
	chunks    chan tts.Chunk
	done      chan struct{}
	closeOnce sync.Once
	drop      int

	mu      sync.Mutex
	aborted map[string]bool
	err     error
}

func (c *fakeTTSConn) Speak(ctx context.Context, contextID, text string) error {
	c.owner.mu.Lock()
	c.owner.spoken = append(c.owner.spoken, speakRequest{contextID: contextID, text: text})
	c.owner.mu.Unlock()
	select {
	case c.speak <- speakRequest{contextID: contextID, text: text}:
		return nil
	case <-c.done:
		return errors.New("connection closed")
	}
}

func (c *fakeTTSConn) Abort(ctx context.Context, contextID string) error {
	c.mu.Lock()
	c.aborted[contextID] = true
	c.mu.Unlock()
	return nil
}

func (c *fakeTTSConn) isAborted(contextID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted[contextID]
}

func (c *fakeTTSConn) Chunks() <-chan tts.Chunk { return c.chunks }

func (c *fakeTTSConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeTTSConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeTTSConn) loop() {
	defer close(c.chunks)
	sent := 0
	for {
		var req speakRequest
		select {
		case <-c.done:
			return
		case req = <-c.speak:
		}
		pieces := fakeAudio(req.contextID, req.text)
		for i, audio := range pieces {
			if c.drop >= 0 && sent >= c.drop {
				c.mu.Lock()
				c.err = errors.New("provider went away")
				c.mu.Unlock()
				return
			}
			final := i == len(pieces)-1
			if final {
				if hold := c.owner.holdFor(req.contextID); hold != nil {
					select {
					case <-hold:
					case <-c.done:
						return
					}
				}
			}
			if c.isAborted(req.contextID) {
				break
			}
			select {
			case c.chunks <- tts.Chunk{ContextID: req.contextID, Audio: audio, Final: final}:
				sent++
			case <-c.done:
				return
			}
		}
	}
}

// ---- helpers ----

// audioByContext groups forwarded media bytes by the context id embedded in them.
func audioByContext(frames []sentFrame) map[string][]byte {
	out := map[string][]byte{}
	for _, f := range frames {
		if f.event != "media" {
			continue
		}
		id := contextOf(f.audio)
		out[id] = append(out[id], f.audio...)
	}
	return out
}

func contextOf(audio []byte) string {
	s := string(audio)
	if !strings.HasPrefix(s, "[") {
		return ""
	}
	end := strings.Index(s, "#")
	if end < 0 {
		return ""
	}
	return s[1:end]
}

func joinAudio(pieces [][]byte) []byte {
	var out []byte
	for _, p := range pieces {
		out = append(out, p...)
	}
	return out
}
