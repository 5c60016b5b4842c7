package tools

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ToolError reports a tool that ran and failed.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// ValidationError reports arguments that do not satisfy a tool's schema.
type ValidationError struct {
	Tool   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("tool %s: invalid arguments: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("tool %s: invalid argument %q: %s", e.Tool, e.Field, e.Reason)
}

// ErrorContent renders err as the structured result content handed back to the model.
func ErrorContent(tool string, err error) string {
	payload := map[string]any{
		"tool":       tool,
		"error":      err.Error(),
		"error_type": "tool_error",
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		payload["error_type"] = "validation"
		payload["error"] = ve.Reason
		if ve.Field != "" {
			payload["field"] = ve.Field
		}
	}
	var te *ToolError
	if errors.As(err, &te) && te.Err != nil {
		payload["error"] = te.Err.Error()
	}
	raw, _ := json.Marshal(payload)
	return string(raw)
}
