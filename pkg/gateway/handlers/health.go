package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/vai-callbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-callbridge/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Pinger is satisfied by *store.DB.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyHandler fails while draining or when the database is unreachable so
// the load balancer stops sending new calls.
type ReadyHandler struct {
	Lifecycle *lifecycle.Lifecycle
	DB        Pinger
	Calls     *sessions.Tracker
	Timeout   time.Duration
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK        bool     `json:"ok"`
		Draining  bool     `json:"draining"`
		LiveCalls int      `json:"live_calls"`
		AtLimit   bool     `json:"at_limit,omitempty"`
		Issues    []string `json:"issues,omitempty"`
	}

	var issues []string
	draining := h.Lifecycle.Draining()
	if draining {
		issues = append(issues, "draining")
	}
	if h.DB != nil {
		timeout := h.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		err := h.DB.Ping(ctx)
		cancel()
		if err != nil {
			issues = append(issues, "database unreachable")
		}
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:        ok,
		Draining:  draining,
		LiveCalls: h.Calls.Count(),
		AtLimit:   h.Calls.Full(),
		Issues:    issues,
	})
}
