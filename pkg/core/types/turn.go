package types

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a structured request from the model to run a named tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Turn is one entry of a conversation history.
//
// Assistant turns may carry ToolCalls alongside spoken text. Tool turns carry
// the result content for exactly one call, referenced by ToolCallID.
type Turn struct {
	Role         Role       `json:"role"`
	Text         string     `json:"text,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID   string     `json:"tool_call_id,omitempty"`
	ToolName     string     `json:"tool_name,omitempty"`
	GenerationID uint64     `json:"generation_id,omitempty"`
	At           time.Time  `json:"at"`
}

func UserTurn(text string, generationID uint64, at time.Time) Turn {
	return Turn{Role: RoleUser, Text: text, GenerationID: generationID, At: at}
}

func AssistantTurn(text string, calls []ToolCall, generationID uint64, at time.Time) Turn {
	return Turn{Role: RoleAssistant, Text: text, ToolCalls: calls, GenerationID: generationID, At: at}
}

func ToolResultTurn(callID, toolName, content string, generationID uint64, at time.Time) Turn {
	return Turn{Role: RoleTool, Text: content, ToolCallID: callID, ToolName: toolName, GenerationID: generationID, At: at}
}

// IsEmpty reports whether the turn carries nothing a model could use.
func (t Turn) IsEmpty() bool {
	return strings.TrimSpace(t.Text) == "" && len(t.ToolCalls) == 0
}
