// Package session runs one phone call: it bridges the telephony media stream
// to live recognition, the language model, synthesis and tools, and owns the
// generation and barge-in protocol that keeps them consistent.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/core/types"
	"github.com/vango-go/vai-callbridge/pkg/core/voice/stt"
	"github.com/vango-go/vai-callbridge/pkg/core/voice/tts"
	"github.com/vango-go/vai-callbridge/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-callbridge/pkg/gateway/metrics"
	"github.com/vango-go/vai-callbridge/pkg/gateway/tools"
)

const outboundPriorityQueueSize = 8

// State is a session's lifecycle stage. It only moves forward.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Config struct {
	HandshakeTimeout    time.Duration
	TurnTimeout         time.Duration
	ToolTimeout         time.Duration
	ToolDrainGrace      time.Duration
	ToolQueueSize       int
	DrainUnits          int
	HangupDelay         time.Duration
	WriteTimeout        time.Duration
	PingInterval        time.Duration
	ReadTimeout         time.Duration
	MaxSessionDuration  time.Duration
	MaxJSONMessageBytes int64
	OutboundQueueSize   int
	InboundMaxFPS       int
	InboundBurst        int
	ProviderRetries     int
	ProviderRetryBase   time.Duration
	PacingFactor        float64
	InterimRepeats      int
	SilenceCommit       time.Duration
	MaxHistoryTurns     int
	// MarkSlack is how long past a unit's audio duration an unechoed mark is kept.
	MarkSlack           time.Duration
	AckPhrase           string
	ApologyPhrase       string
	Segmenter           SegmenterConfig
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:    10 * time.Second,
		TurnTimeout:         20 * time.Second,
		ToolTimeout:         15 * time.Second,
		ToolDrainGrace:      5 * time.Second,
		ToolQueueSize:       16,
		HangupDelay:         2 * time.Second,
		WriteTimeout:        5 * time.Second,
		PingInterval:        20 * time.Second,
		MaxSessionDuration:  30 * time.Minute,
		MaxJSONMessageBytes: 64 << 10,
		OutboundQueueSize:   256,
		InboundMaxFPS:       100,
		InboundBurst:        200,
		ProviderRetries:     3,
		ProviderRetryBase:   200 * time.Millisecond,
		PacingFactor:        0.7,
		InterimRepeats:      3,
		SilenceCommit:       1500 * time.Millisecond,
		MaxHistoryTurns:     40,
		MarkSlack:           3 * time.Second,
		AckPhrase:           "Let me check on that.",
		ApologyPhrase:       "Sorry, I ran into an issue with that request. Please try again.",
		Segmenter:           DefaultSegmenterConfig(),
	}
}

// readTuner is implemented by transports whose reads can be bounded.
type readTuner interface {
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
}

// Transport is the telephony media-stream leg. *websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// ToolSet is the closed table of tools a session may call. *tools.Registry satisfies it.
type ToolSet interface {
	ToolRunner
	Definitions() []types.ToolDefinition
}

type Dependencies struct {
	Conn         Transport
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Model        core.Model
	ModelName    string
	Temperature  *float64
	MaxTokens    int
	SystemPrompt string
	STT          stt.Provider
	STTOptions   stt.StreamOptions
	TTS          tts.Provider
	TTSOptions   tts.Options
	Tools        ToolSet
	Scope        tools.Scope
	SessionID    string
	Config       Config
	Now          func() time.Time
}

// CallSession is one bridged call.
type CallSession struct {
	conn        Transport
	logger      *slog.Logger
	metrics     *metrics.Metrics
	model       core.Model
	modelName   string
	temperature *float64
	maxTokens   int
	system      string
	sttProvider stt.Provider
	sttOptions  stt.StreamOptions
	ttsProvider tts.Provider
	ttsOptions  tts.Options
	toolSet     ToolSet
	scope       tools.Scope
	id          string
	cfg         Config
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32

	streamSID string
	startedAt time.Time

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	// Owned by the run loop once Run has started.
	controller  *GenerationController
	responder   *Responder
	synth       *Synthesizer
	executor    *ToolExecutor
	recognizer  *recognizer
	aggregator  *TranscriptAggregator
	history     *history
	gens        map[uint64]*genState
	marks       map[string]pendingMark
	endCall     bool
	hangup      *time.Timer
	genEvents   chan genEvent
	synthEvents chan synthEvent
	sttEvents   chan stt.Event
	audioIn     chan []byte
	failures    chan error
	group       *errgroup.Group
	groupCtx    context.Context

	// set when tool results reached the history without a reply to speak them
	pendingFollowUp bool

	doneMu sync.Mutex
	turns  []types.Turn
	jobs   []ToolJob
}

func New(deps Dependencies) (*CallSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Model == nil {
		return nil, fmt.Errorf("model is required")
	}
	if deps.STT == nil {
		return nil, fmt.Errorf("stt provider is required")
	}
	if deps.TTS == nil {
		return nil, fmt.Errorf("tts provider is required")
	}
	if strings.TrimSpace(deps.ModelName) == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	def := DefaultConfig()
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = def.OutboundQueueSize
	}
	if deps.Config.HandshakeTimeout <= 0 {
		deps.Config.HandshakeTimeout = def.HandshakeTimeout
	}
	if deps.Config.ApologyPhrase == "" {
		deps.Config.ApologyPhrase = def.ApologyPhrase
	}
	if deps.SessionID != "" {
		deps.Scope.SessionID = deps.SessionID
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &CallSession{
		conn:             deps.Conn,
		logger:           deps.Logger.With("session_id", deps.SessionID),
		metrics:          deps.Metrics,
		model:            deps.Model,
		modelName:        deps.ModelName,
		temperature:      deps.Temperature,
		maxTokens:        deps.MaxTokens,
		system:           deps.SystemPrompt,
		sttProvider:      deps.STT,
		sttOptions:       deps.STTOptions,
		ttsProvider:      deps.TTS,
		ttsOptions:       deps.TTSOptions,
		toolSet:          deps.Tools,
		scope:            deps.Scope,
		id:               deps.SessionID,
		cfg:              deps.Config,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
	}
	return s, nil
}

func (s *CallSession) ID() string { return s.id }

func (s *CallSession) State() State { return State(s.state.Load()) }

func (s *CallSession) setState(next State) {
	for {
		cur := s.state.Load()
		if int32(next) <= cur {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			s.logger.Debug("session state", "from", State(cur).String(), "to", next.String())
			return
		}
	}
}

// Cancel ends the call from outside, for example at the end of a server drain.
func (s *CallSession) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// History returns the conversation. It is populated once Run has returned.
func (s *CallSession) History() []types.Turn {
	s.doneMu.Lock()
	defer s.doneMu.Unlock()
	out := make([]types.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// ToolJobs returns every tool job and its final state once Run has returned.
func (s *CallSession) ToolJobs() []ToolJob {
	s.doneMu.Lock()
	defer s.doneMu.Unlock()
	out := make([]ToolJob, len(s.jobs))
	copy(out, s.jobs)
	return out
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

// Run serves the call until the caller hangs up, the agent ends the call,
// ctx is cancelled or the transport fails. It returns nil for an orderly end.
func (s *CallSession) Run(ctx context.Context) error {
	defer s.cancel()
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	inbound := make(chan inboundFrame, 64)
	go s.readLoop(inbound)

	start, err := s.handshake(inbound)
	if err != nil {
		s.setState(StateClosed)
		_ = s.conn.Close()
		return err
	}
	s.streamSID = start.StreamSID
	if s.scope.CallSID == "" {
		s.scope.CallSID = start.Start.CallSID
	}
	if caller := start.Start.CustomParameters["caller"]; caller != "" && s.scope.Caller == "" {
		s.scope.Caller = caller
	}
	s.logger = s.logger.With("stream_sid", s.streamSID, "call_sid", s.scope.CallSID)
	s.startedAt = s.now()
	s.setState(StateActive)
	s.metrics.SessionStarted()
	s.logger.Info("call connected", "agent_id", s.scope.AgentID)

	s.build()
	reason, runErr := s.loop(inbound)
	s.shutdown(reason)
	if runErr != nil {
		s.logger.Warn("call ended with error", "reason", reason, "error", runErr)
	} else {
		s.logger.Info("call ended", "reason", reason)
	}
	return runErr
}

func (s *CallSession) handshake(inbound <-chan inboundFrame) (protocol.Start, error) {
	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return protocol.Start{}, ErrClosed
		case <-timer.C:
			return protocol.Start{}, &TransportError{Op: "handshake", Err: errors.New("no start event before timeout")}
		case frame, ok := <-inbound:
			if !ok {
				return protocol.Start{}, &TransportError{Op: "handshake", Err: errors.New("connection closed")}
			}
			if frame.err != nil {
				return protocol.Start{}, &TransportError{Op: "handshake", Err: frame.err}
			}
			msg, err := protocol.Decode(frame.data)
			if err != nil {
				s.logger.Warn("invalid frame during handshake", "error", err)
				continue
			}
			switch m := msg.(type) {
			case protocol.Start:
				return m, nil
			case protocol.Stop:
				return protocol.Start{}, ErrClosed
			}
		}
	}
}

// build wires the per-call components. It runs once the stream has started.
func (s *CallSession) build() {
	g, gctx := errgroup.WithContext(s.ctx)
	s.group, s.groupCtx = g, gctx

	policy := retryPolicy{retries: s.cfg.ProviderRetries, base: s.cfg.ProviderRetryBase}
	s.controller = NewGenerationController(gctx, s.now)
	s.aggregator = NewTranscriptAggregator(s.now, s.cfg.SilenceCommit, s.cfg.InterimRepeats)
	s.history = newHistory()
	s.gens = make(map[uint64]*genState)
	s.marks = make(map[string]pendingMark)
	s.genEvents = make(chan genEvent, 64)
	s.synthEvents = make(chan synthEvent, 64)
	s.sttEvents = make(chan stt.Event, 64)
	s.audioIn = make(chan []byte, 64)
	s.failures = make(chan error, 4)

	var defs []types.ToolDefinition
	var runner ToolRunner
	if s.toolSet != nil {
		defs = s.toolSet.Definitions()
		runner = s.toolSet
	}
	s.responder = NewResponder(s.model, defs, s.controller, ResponderConfig{
		SystemPrompt: s.system,
		Model:        s.modelName,
		Temperature:  s.temperature,
		MaxTokens:    s.maxTokens,
		AckPhrase:    s.cfg.AckPhrase,
		TurnTimeout:  s.cfg.TurnTimeout,
		Segmenter:    s.cfg.Segmenter,
	}, policy, s.logger)
	s.executor = NewToolExecutor(runner, s.scope, s.cfg.ToolQueueSize, s.cfg.ToolTimeout, s.now, s.logger, s.metrics)
	go s.executor.Run()

	s.synth = NewSynthesizer(s.ttsProvider, s.controller, SynthesizerConfig{
		StreamSID:    s.streamSID,
		Options:      s.ttsOptions,
		PacingFactor: s.cfg.PacingFactor,
		DrainUnits:   s.cfg.DrainUnits,
	}, policy, s.sendNormal, s.synthEvents, s.logger, s.metrics)
	s.recognizer = newRecognizer(s.sttProvider, s.sttOptions, policy, s.sttEvents, s.logger, s.metrics)

	w := &outboundWriter{
		ws:       s.conn,
		ctx:      s.groupCtx,
		cfg:      s.cfg,
		priority: s.outboundPriority,
		normal:   s.outboundNormal,
		isHalted: s.controller.Halted,
		onAudio: func(_ uint64, n int) {
			s.metrics.Audio("outbound", n)
		},
	}
	s.goComponent(func(context.Context) error { return w.Run() })
	s.goComponent(s.synth.Run)
	s.goComponent(s.recognizer.Run)
	s.goComponent(s.pumpAudio)
}

// goComponent runs fn in the session group and reports its failure to the loop.
func (s *CallSession) goComponent(fn func(ctx context.Context) error) {
	ctx := s.groupCtx
	s.group.Go(func() error {
		err := fn(ctx)
		if err != nil {
			select {
			case s.failures <- err:
			default:
			}
		}
		return err
	})
}

func (s *CallSession) pumpAudio(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case audio := <-s.audioIn:
			if err := s.recognizer.Send(audio); err != nil && !errors.Is(err, errNotConnected) {
				s.logger.Debug("dropping inbound audio", "error", err)
			}
		}
	}
}

func (s *CallSession) shutdown(reason string) {
	s.setState(StateClosing)
	s.controller.Flush()
	if s.synth != nil {
		s.synth.Halt()
	}
	s.sendClear()
	s.executor.Close(s.cfg.ToolDrainGrace)
	s.collectToolResults()
	s.cancel()
	if err := s.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("session components stopped", "error", err)
	}

	s.doneMu.Lock()
	s.turns = s.history.snapshot(0)
	s.jobs = s.executor.Jobs()
	s.doneMu.Unlock()

	s.setState(StateClosed)
	s.metrics.SessionEnded(reason, s.now().Sub(s.startedAt))
}

func (s *CallSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	tuner, _ := s.conn.(readTuner)
	if tuner != nil && s.cfg.MaxJSONMessageBytes > 0 {
		tuner.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	for {
		if tuner != nil && s.cfg.ReadTimeout > 0 {
			_ = tuner.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *CallSession) sendNormal(ctx context.Context, frame outboundFrame) error {
	select {
	case s.outboundNormal <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendPriority never blocks; it evicts the oldest priority frames when full.
func (s *CallSession) sendPriority(frame outboundFrame) error {
	for i := 0; i < outboundPriorityQueueSize; i++ {
		select {
		case s.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-s.outboundPriority:
		default:
		}
	}
	return errBackpressure
}

func (s *CallSession) sendClear() {
	if s.streamSID == "" {
		return
	}
	payload, err := protocol.EncodeClear(s.streamSID)
	if err != nil {
		return
	}
	if err := s.sendPriority(outboundFrame{payload: payload}); err != nil {
		s.logger.Warn("clear frame dropped", "error", err)
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
