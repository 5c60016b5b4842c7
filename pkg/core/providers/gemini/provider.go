// Package gemini implements a streaming Gemini model on top of the genai SDK.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/core/types"
)

// DefaultModel is used when a request does not name one.
const DefaultModel = "gemini-2.5-flash"

// contentStreamer is the subset of *genai.Models used by the provider.
type contentStreamer interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// Provider implements core.Model for the Gemini API.
type Provider struct {
	models contentStreamer
}

// Options configures client construction.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a Gemini provider backed by a genai client.
func New(ctx context.Context, apiKey string, opts Options) (*Provider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: opts.HTTPClient,
	}
	if strings.TrimSpace(opts.BaseURL) != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Provider{models: client.Models}, nil
}

var _ core.Model = (*Provider)(nil)

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return "gemini"
}

// Stream starts a streaming generateContent call.
func (p *Provider) Stream(ctx context.Context, req *types.ChatRequest) (core.EventStream, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = DefaultModel
	}
	contents, err := buildContents(req.Turns)
	if err != nil {
		return nil, &core.Error{Type: core.ErrInvalidRequest, Provider: "gemini", Message: err.Error()}
	}
	seq := p.models.GenerateContentStream(ctx, model, contents, buildConfig(req))
	next, stop := iter.Pull2(seq)
	return &eventStream{next: next, stop: stop}, nil
}

func buildConfig(req *types.ChatRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if strings.TrimSpace(req.System) != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, def := range req.Tools {
			decl := &genai.FunctionDeclaration{Name: def.Name, Description: def.Description}
			if def.Parameters != nil {
				decl.ParametersJsonSchema = def.Parameters
			}
			decls = append(decls, decl)
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

func buildContents(turns []types.Turn) ([]*genai.Content, error) {
	var out []*genai.Content
	for _, turn := range types.PairToolResults(turns) {
		switch turn.Role {
		case types.RoleUser:
			if strings.TrimSpace(turn.Text) == "" {
				continue
			}
			out = append(out, genai.NewContentFromText(turn.Text, genai.RoleUser))
		case types.RoleAssistant:
			if turn.IsEmpty() {
				continue
			}
			content := &genai.Content{Role: genai.RoleModel}
			if strings.TrimSpace(turn.Text) != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: turn.Text})
			}
			for _, call := range turn.ToolCalls {
				args := map[string]any{}
				if len(call.Arguments) > 0 {
					if err := json.Unmarshal(call.Arguments, &args); err != nil {
						return nil, fmt.Errorf("tool call %s arguments: %w", call.ID, err)
					}
				}
				content.Parts = append(content.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: call.ID, Name: call.Name, Args: args}})
			}
			out = append(out, content)
		case types.RoleTool:
			out = append(out, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					ID:       turn.ToolCallID,
					Name:     turn.ToolName,
					Response: responseObject(turn.Text),
				}}},
			})
		}
	}
	return out, nil
}

// responseObject decodes tool content as a JSON object, wrapping anything else.
func responseObject(content string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"output": content}
}

// eventStream adapts the SDK iterator to core.EventStream.
type eventStream struct {
	next    func() (*genai.GenerateContentResponse, error, bool)
	stop    func()
	pending []types.StreamEvent
	done    bool
	reason  string
	usage   types.Usage
}

func (s *eventStream) Next() (types.StreamEvent, error) {
	for {
		if len(s.pending) > 0 {
			event := s.pending[0]
			s.pending = s.pending[1:]
			return event, nil
		}
		if s.done {
			return nil, ioEOF
		}

		resp, err, ok := s.next()
		if !ok {
			s.done = true
			s.pending = append(s.pending, types.MessageStopEvent{StopReason: s.reason, Usage: s.usage})
			continue
		}
		if err != nil {
			s.done = true
			return nil, wrapError(err)
		}
		s.collect(resp)
	}
}

func (s *eventStream) collect(resp *genai.GenerateContentResponse) {
	if resp == nil {
		return
	}
	if resp.UsageMetadata != nil {
		s.usage = types.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return
	}
	cand := resp.Candidates[0]
	if cand.FinishReason != "" {
		s.reason = string(cand.FinishReason)
	}
	if cand.Content == nil {
		return
	}
	for _, part := range cand.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		if part.Text != "" {
			s.pending = append(s.pending, types.TextDeltaEvent{Text: part.Text})
		}
		if fc := part.FunctionCall; fc != nil {
			args, _ := json.Marshal(fc.Args)
			id := fc.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			s.pending = append(s.pending, types.ToolCallEvent{Call: types.ToolCall{ID: id, Name: fc.Name, Arguments: args}})
		}
	}
}

func (s *eventStream) Close() error {
	s.stop()
	return nil
}

// wrapError maps SDK API errors onto core.Error.
func wrapError(err error) error {
	var apiErr genai.APIError
	if ok := asAPIError(err, &apiErr); ok {
		return core.ErrorFromStatus("gemini", apiErr.Code, apiErr.Message)
	}
	return &core.Error{Type: core.ErrAPI, Provider: "gemini", Message: err.Error()}
}
