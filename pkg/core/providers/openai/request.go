package openai

import (
	"strings"

	"github.com/vango-go/vai-callbridge/pkg/core/types"
)

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Tools         []chatTool     `json:"tools,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

func buildRequest(req *types.ChatRequest) *chatRequest {
	out := &chatRequest{
		Model:         strings.TrimSpace(req.Model),
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	if out.Model == "" {
		out.Model = DefaultModel
	}
	if strings.TrimSpace(req.System) != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: strPtr(req.System)})
	}

	for _, turn := range types.PairToolResults(req.Turns) {
		switch turn.Role {
		case types.RoleUser:
			if strings.TrimSpace(turn.Text) == "" {
				continue
			}
			out.Messages = append(out.Messages, chatMessage{Role: "user", Content: strPtr(turn.Text)})
		case types.RoleAssistant:
			if turn.IsEmpty() {
				continue
			}
			msg := chatMessage{Role: "assistant"}
			if strings.TrimSpace(turn.Text) != "" {
				msg.Content = strPtr(turn.Text)
			}
			for _, call := range turn.ToolCalls {
				tc := chatToolCall{ID: call.ID, Type: "function"}
				tc.Function.Name = call.Name
				tc.Function.Arguments = string(call.Arguments)
				if tc.Function.Arguments == "" {
					tc.Function.Arguments = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, tc)
			}
			out.Messages = append(out.Messages, msg)
		case types.RoleTool:
			out.Messages = append(out.Messages, chatMessage{Role: "tool", ToolCallID: turn.ToolCallID, Content: strPtr(turn.Text)})
		}
	}

	for _, def := range req.Tools {
		params := def.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out.Tools = append(out.Tools, chatTool{
			Type:     "function",
			Function: chatFunction{Name: def.Name, Description: def.Description, Parameters: params},
		})
	}
	return out
}

func strPtr(s string) *string { return &s }
