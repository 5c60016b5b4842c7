package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/core/types"
)

type fakeModels struct {
	model     string
	contents  []*genai.Content
	config    *genai.GenerateContentConfig
	responses []*genai.GenerateContentResponse
	err       error
}

func (f *fakeModels) GenerateContentStream(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	f.model, f.contents, f.config = model, contents, config
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		for _, r := range f.responses {
			if !yield(r, nil) {
				return
			}
		}
		if f.err != nil {
			yield(nil, f.err)
		}
	}
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: text}}},
	}}}
}

func collect(t *testing.T, s core.EventStream) ([]types.StreamEvent, error) {
	t.Helper()
	var out []types.StreamEvent
	for {
		ev, err := s.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

func TestProvider_StreamsTextAndFunctionCalls(t *testing.T) {
	fake := &fakeModels{responses: []*genai.GenerateContentResponse{
		textResponse("Let me check. "),
		{
			Candidates: []*genai.Candidate{{
				FinishReason: genai.FinishReasonStop,
				Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{
					FunctionCall: &genai.FunctionCall{Name: "get_availability", Args: map[string]any{"days_ahead": 1}},
				}}},
			}},
			UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 20, CandidatesTokenCount: 5},
		},
	}}
	p := &Provider{models: fake}
	temp := 0.8

	stream, err := p.Stream(context.Background(), &types.ChatRequest{
		System:      "be brief",
		Temperature: &temp,
		Turns:       []types.Turn{types.UserTurn("what times are open tomorrow", 1, time.Now())},
		Tools:       []types.ToolDefinition{{Name: "get_availability", Parameters: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)
	defer stream.Close()

	events, err := collect(t, stream)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, types.TextDeltaEvent{Text: "Let me check. "}, events[0])

	call := events[1].(types.ToolCallEvent).Call
	assert.Equal(t, "get_availability", call.Name)
	assert.NotEmpty(t, call.ID)
	assert.JSONEq(t, `{"days_ahead":1}`, string(call.Arguments))

	stop := events[2].(types.MessageStopEvent)
	assert.Equal(t, string(genai.FinishReasonStop), stop.StopReason)
	assert.Equal(t, 20, stop.Usage.InputTokens)

	assert.Equal(t, DefaultModel, fake.model)
	require.NotNil(t, fake.config.SystemInstruction)
	require.NotNil(t, fake.config.Temperature)
	assert.InDelta(t, 0.8, float64(*fake.config.Temperature), 0.0001)
	require.Len(t, fake.config.Tools, 1)
}

func TestBuildContents_ToolResultsBecomeFunctionResponses(t *testing.T) {
	now := time.Now()
	contents, err := buildContents([]types.Turn{
		types.UserTurn("book it", 1, now),
		types.AssistantTurn("", []types.ToolCall{{ID: "c1", Name: "set_meeting", Arguments: json.RawMessage(`{"meeting_name":"Intro"}`)}}, 1, now),
		types.ToolResultTurn("c1", "set_meeting", `{"status":"booked"}`, 1, now),
		types.ToolResultTurn("c2", "end_call", "plain text", 1, now),
	})
	require.NoError(t, err)
	require.Len(t, contents, 3)
	assert.Equal(t, genai.RoleModel, contents[1].Role)
	fr := contents[2].Parts[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, "booked", fr.Response["status"])
	assert.Equal(t, map[string]any{"output": "plain text"}, responseObject("plain text"))
}

func TestProvider_StreamErrorIsTyped(t *testing.T) {
	fake := &fakeModels{err: &genai.APIError{Code: 503, Message: "overloaded"}}
	stream, err := (&Provider{models: fake}).Stream(context.Background(), &types.ChatRequest{})
	require.NoError(t, err)
	defer stream.Close()

	_, err = collect(t, stream)
	require.Error(t, err)
	var pe *core.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, core.ErrOverloaded, pe.Type)
	assert.True(t, pe.Retryable())
}
