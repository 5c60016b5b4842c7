package openai

import (
	"bufio"
	"encoding/json"
	"io"
	"sort"
	"strings"

	"github.com/vango-go/vai-callbridge/pkg/core/types"
)

// eventStream implements core.EventStream for OpenAI SSE responses.
type eventStream struct {
	reader   *bufio.Reader
	closer   io.Closer
	err      error
	finished bool
	pending  []types.StreamEvent

	toolCalls    map[int]*toolCallAccumulator
	finishReason string
	usage        types.Usage
}

// toolCallAccumulator accumulates a single tool call across deltas.
type toolCallAccumulator struct {
	ID            string
	Name          string
	ArgumentsJSON strings.Builder
}

// chatChunk is the OpenAI streaming chunk format.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string          `json:"content,omitempty"`
			ToolCalls []toolCallDelta `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

// toolCallDelta represents a tool call delta in streaming (has Index field).
type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

func newEventStream(body io.ReadCloser) *eventStream {
	return &eventStream{
		reader:    bufio.NewReader(body),
		closer:    body,
		toolCalls: make(map[int]*toolCallAccumulator),
	}
}

// Next returns the next event from the stream.
// Returns nil, io.EOF when the stream is complete.
func (s *eventStream) Next() (types.StreamEvent, error) {
	if len(s.pending) > 0 {
		event := s.pending[0]
		s.pending = s.pending[1:]
		return event, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.finished {
		return nil, io.EOF
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return s.finish()
			}
			s.err = err
			return nil, err
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return s.finish()
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // Skip unparseable chunks
		}
		if chunk.Usage != nil {
			s.usage = types.Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			s.finishReason = choice.FinishReason
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc, ok := s.toolCalls[tc.Index]
			if !ok {
				acc = &toolCallAccumulator{}
				s.toolCalls[tc.Index] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			acc.ArgumentsJSON.WriteString(tc.Function.Arguments)
		}
		if choice.Delta.Content != "" {
			return types.TextDeltaEvent{Text: choice.Delta.Content}, nil
		}
	}
}

// finish queues completed tool calls and the stop event.
func (s *eventStream) finish() (types.StreamEvent, error) {
	s.finished = true

	indexes := make([]int, 0, len(s.toolCalls))
	for idx := range s.toolCalls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		acc := s.toolCalls[idx]
		if acc.Name == "" {
			continue
		}
		args := strings.TrimSpace(acc.ArgumentsJSON.String())
		if args == "" {
			args = "{}"
		}
		s.pending = append(s.pending, types.ToolCallEvent{Call: types.ToolCall{
			ID:        acc.ID,
			Name:      acc.Name,
			Arguments: json.RawMessage(args),
		}})
	}
	s.pending = append(s.pending, types.MessageStopEvent{StopReason: s.finishReason, Usage: s.usage})

	event := s.pending[0]
	s.pending = s.pending[1:]
	return event, nil
}

// Close releases resources associated with the stream.
func (s *eventStream) Close() error {
	return s.closer.Close()
}
