package types

// StreamEvent is the interface for all model streaming event types.
type StreamEvent interface {
	EventType() string
}

// TextDeltaEvent carries the next fragment of assistant text.
type TextDeltaEvent struct {
	Text string `json:"text"`
}

func (e TextDeltaEvent) EventType() string { return "text_delta" }

// ToolCallEvent is emitted once a tool call has been fully received.
type ToolCallEvent struct {
	Call ToolCall `json:"call"`
}

func (e ToolCallEvent) EventType() string { return "tool_call" }

// MessageStopEvent is the last event of a successful stream.
type MessageStopEvent struct {
	StopReason string `json:"stop_reason,omitempty"`
	Usage      Usage  `json:"usage"`
}

func (e MessageStopEvent) EventType() string { return "message_stop" }

// Usage reports token accounting for one model call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
