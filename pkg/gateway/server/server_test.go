package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vango-go/vai-callbridge/pkg/gateway/agents"
	"github.com/vango-go/vai-callbridge/pkg/gateway/config"
	"github.com/vango-go/vai-callbridge/pkg/gateway/handlers"
	"github.com/vango-go/vai-callbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-callbridge/pkg/gateway/metrics"
)

func newTestServer(t *testing.T, lc *lifecycle.Lifecycle) http.Handler {
	t.Helper()
	cfg := config.Default()
	dir := agents.NewStatic(agents.Profile{ID: "front-desk", Welcome: "Hello."})
	m := metrics.New("test")
	s := New(cfg, Routes{
		Voice:   handlers.VoiceHandler{Agents: dir, Lifecycle: lc, Metrics: m},
		Media:   handlers.MediaStreamHandler{Agents: dir, Lifecycle: lc, Metrics: m},
		Ready:   handlers.ReadyHandler{Lifecycle: lc},
		Metrics: m,
	}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	return s.Handler()
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestServer_Routes(t *testing.T) {
	h := newTestServer(t, &lifecycle.Lifecycle{})

	tests := []struct {
		method, path string
		status       int
		contains     string
	}{
		{http.MethodGet, "/healthz", http.StatusOK, "ok"},
		{http.MethodGet, "/readyz", http.StatusOK, `"ok":true`},
		{http.MethodPost, "/twilio/agents/front-desk", http.StatusOK, "<Connect>"},
		{http.MethodGet, "/media-stream/nobody", http.StatusNotFound, `"type":"not_found_error"`},
		{http.MethodGet, "/metrics", http.StatusOK, "test_sessions_active"},
		{http.MethodGet, "/does-not-exist", http.StatusNotFound, `"type":"not_found_error"`},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := serve(h, tt.method, tt.path)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.contains)
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		})
	}
}

func TestServer_DrainingTurnsCallsAway(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.BeginDrain(time.Now())
	h := newTestServer(t, lc)

	rec := serve(h, http.MethodPost, "/twilio/agents/front-desk")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "<Hangup>"))

	assert.Equal(t, http.StatusServiceUnavailable, serve(h, http.MethodGet, "/readyz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(h, http.MethodGet, "/media-stream/front-desk").Code)
}
