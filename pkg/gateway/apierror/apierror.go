// Package apierror renders failures on the HTTP surface as a JSON envelope.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/gateway/agents"
	"github.com/vango-go/vai-callbridge/pkg/gateway/live/sessions"
)

// Error is the body of a failed HTTP response.
type Error struct {
	Type      core.ErrorType `json:"type"`
	Message   string         `json:"message"`
	Code      string         `json:"code,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

type Envelope struct {
	Error *Error `json:"error"`
}

// FromError maps err to a response body and status. Unknown errors are
// reported as internal without their detail.
func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Type: core.ErrAPI, Message: "request timeout", RequestID: requestID}, http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return &Error{Type: core.ErrAPI, Message: "request cancelled", Code: "cancelled", RequestID: requestID}, http.StatusRequestTimeout
	case errors.Is(err, agents.ErrUnknown):
		return &Error{Type: core.ErrNotFound, Message: "unknown agent", Code: "unknown_agent", RequestID: requestID}, http.StatusNotFound
	case errors.Is(err, sessions.ErrAtCapacity):
		return &Error{Type: core.ErrOverloaded, Message: "call capacity reached", Code: "at_capacity", RequestID: requestID}, http.StatusServiceUnavailable
	}

	var pe *core.Error
	if errors.As(err, &pe) && pe != nil {
		return &Error{Type: pe.Type, Message: pe.Message, Code: pe.Code, RequestID: requestID}, statusFromType(pe.Type)
	}

	return &Error{Type: core.ErrAPI, Message: "internal error", RequestID: requestID}, http.StatusInternalServerError
}

// Write encodes body with status.
func Write(w http.ResponseWriter, status int, body *Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: body})
}

// WriteError maps err and writes it.
func WriteError(w http.ResponseWriter, requestID string, err error) {
	body, status := FromError(err, requestID)
	Write(w, status, body)
}

func statusFromType(t core.ErrorType) int {
	switch t {
	case core.ErrInvalidRequest:
		return http.StatusBadRequest
	case core.ErrAuthentication:
		return http.StatusUnauthorized
	case core.ErrPermission:
		return http.StatusForbidden
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrRateLimit:
		return http.StatusTooManyRequests
	case core.ErrOverloaded:
		return http.StatusServiceUnavailable
	case core.ErrAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
