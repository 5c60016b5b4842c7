package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/gateway/agents"
	"github.com/vango-go/vai-callbridge/pkg/gateway/live/sessions"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType core.ErrorType
		wantCode string
		status   int
	}{
		{name: "cancelled", err: context.Canceled, wantType: core.ErrAPI, wantCode: "cancelled", status: http.StatusRequestTimeout},
		{name: "timeout", err: fmt.Errorf("lookup: %w", context.DeadlineExceeded), wantType: core.ErrAPI, status: http.StatusGatewayTimeout},
		{name: "unknown agent", err: fmt.Errorf("agent x: %w", agents.ErrUnknown), wantType: core.ErrNotFound, wantCode: "unknown_agent", status: http.StatusNotFound},
		{name: "capacity", err: sessions.ErrAtCapacity, wantType: core.ErrOverloaded, wantCode: "at_capacity", status: http.StatusServiceUnavailable},
		{name: "provider rate limit", err: &core.Error{Type: core.ErrRateLimit, Message: "slow down"}, wantType: core.ErrRateLimit, status: http.StatusTooManyRequests},
		{name: "opaque", err: errors.New("dsn contains password"), wantType: core.ErrAPI, status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, status := FromError(tt.err, "req_1")
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.wantType, body.Type)
			assert.Equal(t, tt.wantCode, body.Code)
			assert.Equal(t, "req_1", body.RequestID)
		})
	}
}

func TestFromError_HidesInternalDetail(t *testing.T) {
	body, _ := FromError(errors.New("dsn contains password"), "")
	assert.Equal(t, "internal error", body.Message)
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, "req_2", agents.ErrUnknown)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NotNil(t, env.Error)
	assert.Equal(t, "req_2", env.Error.RequestID)
	assert.Equal(t, core.ErrNotFound, env.Error.Type)
}
