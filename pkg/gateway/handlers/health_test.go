package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-callbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-callbridge/pkg/gateway/live/sessions"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func readiness(t *testing.T, h ReadyHandler) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())
}

func TestReadyHandler(t *testing.T) {
	calls := sessions.NewTracker(1)
	_, err := calls.Register(sessions.Handle{Call: sessions.Call{SessionID: "s1"}})
	require.NoError(t, err)

	status, body := readiness(t, ReadyHandler{
		Lifecycle: &lifecycle.Lifecycle{},
		DB:        pingerFunc(func(context.Context) error { return nil }),
		Calls:     calls,
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(1), body["live_calls"])
	assert.Equal(t, true, body["at_limit"])
}

func TestReadyHandler_NotReady(t *testing.T) {
	tests := []struct {
		name  string
		h     func() ReadyHandler
		issue string
	}{
		{
			name: "draining",
			h: func() ReadyHandler {
				lc := &lifecycle.Lifecycle{}
				lc.BeginDrain(time.Now())
				return ReadyHandler{Lifecycle: lc}
			},
			issue: "draining",
		},
		{
			name: "database down",
			h: func() ReadyHandler {
				return ReadyHandler{DB: pingerFunc(func(context.Context) error { return errors.New("connection refused") })}
			},
			issue: "database unreachable",
		},
		{
			name: "database slow",
			h: func() ReadyHandler {
				return ReadyHandler{Timeout: 10 * time.Millisecond, DB: pingerFunc(func(ctx context.Context) error {
					<-ctx.Done()
					return ctx.Err()
				})}
			},
			issue: "database unreachable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := readiness(t, tt.h())
			assert.Equal(t, http.StatusServiceUnavailable, status)
			assert.Equal(t, false, body["ok"])
			assert.Equal(t, []any{tt.issue}, body["issues"])
		})
	}
}
