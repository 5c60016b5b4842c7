package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/core/types"
)

// Unit is one speakable fragment of a reply. Seq orders units within a generation.
type Unit struct {
	Generation uint64
	Seq        int
	Text       string
	// Ack marks the filler spoken while a tool runs.
	Ack bool
}

// unitSink receives a generation's output as it is produced.
type unitSink interface {
	Unit(u Unit)
	ToolCall(generation uint64, call types.ToolCall)
}

// Reply is what one generation produced.
type Reply struct {
	Generation uint64
	// Text is every unit handed to synthesis, in order.
	Text      string
	ToolCalls []types.ToolCall
	Units     int
	Cancelled bool
	Usage     types.Usage
}

type ResponderConfig struct {
	SystemPrompt string
	Model        string
	Temperature  *float64
	MaxTokens    int
	AckPhrase    string
	TurnTimeout  time.Duration
	Segmenter    SegmenterConfig
}

// Responder drives the model for one generation at a time and segments its
// output into units.
type Responder struct {
	model      core.Model
	tools      []types.ToolDefinition
	controller *GenerationController
	cfg        ResponderConfig
	retry      retryPolicy
	logger     *slog.Logger
}

func NewResponder(model core.Model, tools []types.ToolDefinition, controller *GenerationController, cfg ResponderConfig, policy retryPolicy, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		model:      model,
		tools:      tools,
		controller: controller,
		cfg:        cfg,
		retry:      policy,
		logger:     logger,
	}
}

// Respond streams a reply for gen over turns. It stops without further output
// as soon as gen is no longer valid and reports that through Reply.Cancelled.
func (r *Responder) Respond(gen *Generation, turns []types.Turn, sink unitSink) (Reply, error) {
	reply := Reply{Generation: gen.ID}
	ctx := gen.Context()
	if r.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.TurnTimeout)
		defer cancel()
	}

	if !r.controller.IsValid(gen.ID) {
		reply.Cancelled = true
		return reply, nil
	}

	stream, err := r.open(ctx, turns)
	if err != nil {
		if !r.controller.IsValid(gen.ID) {
			reply.Cancelled = true
			return reply, nil
		}
		return reply, &ProviderStreamError{Provider: r.model.Name(), Err: err}
	}
	defer stream.Close()

	seg := NewSegmenter(r.cfg.Segmenter)
	var spoken []string
	emit := func(text string, ack bool) bool {
		if !r.controller.IsValid(gen.ID) {
			return false
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return true
		}
		sink.Unit(Unit{Generation: gen.ID, Seq: reply.Units, Text: text, Ack: ack})
		reply.Units++
		spoken = append(spoken, text)
		return true
	}
	finish := func() Reply {
		reply.Text = strings.Join(spoken, " ")
		return reply
	}
	cancelled := func() (Reply, error) {
		reply.Cancelled = true
		return finish(), nil
	}

	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if !r.controller.IsValid(gen.ID) {
				return cancelled()
			}
			return finish(), &ProviderStreamError{Provider: r.model.Name(), Err: err}
		}
		if !r.controller.IsValid(gen.ID) {
			return cancelled()
		}

		switch e := ev.(type) {
		case types.TextDeltaEvent:
			for _, text := range seg.Push(e.Text) {
				if !emit(text, false) {
					return cancelled()
				}
			}
		case types.ToolCallEvent:
			for _, text := range seg.Flush() {
				if !emit(text, false) {
					return cancelled()
				}
			}
			if reply.Units == 0 && r.cfg.AckPhrase != "" {
				if !emit(r.cfg.AckPhrase, true) {
					return cancelled()
				}
			}
			call := e.Call
			if call.ID == "" {
				call.ID = "call_" + uuid.NewString()
			}
			reply.ToolCalls = append(reply.ToolCalls, call)
			sink.ToolCall(gen.ID, call)
			r.logger.Debug("model requested tool", "generation", gen.ID, "tool", call.Name, "call_id", call.ID)
		case types.MessageStopEvent:
			reply.Usage = e.Usage
		}
	}

	for _, text := range seg.Flush() {
		if !emit(text, false) {
			return cancelled()
		}
	}
	if reply.Units == 0 && len(reply.ToolCalls) == 0 {
		return finish(), &ProviderStreamError{Provider: r.model.Name(), Err: errors.New("empty response")}
	}
	return finish(), nil
}

func (r *Responder) open(ctx context.Context, turns []types.Turn) (core.EventStream, error) {
	req := &types.ChatRequest{
		Model:       r.cfg.Model,
		System:      r.cfg.SystemPrompt,
		Turns:       turns,
		Tools:       r.tools,
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
	}
	var stream core.EventStream
	err := r.retry.do(ctx, func(ctx context.Context) error {
		s, err := r.model.Stream(ctx, req)
		if err != nil {
			if core.IsRetryable(err) {
				r.logger.Warn("model stream open failed, retrying", "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open model stream: %w", err)
	}
	return stream, nil
}
