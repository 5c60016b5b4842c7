package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SessionStarted()
	m.SessionEnded("hangup", time.Second)
	m.GenerationStarted("utterance")
	m.BargeIn()
	m.FirstAudio(time.Millisecond)
	m.UnitsDiscarded("superseded", 2)
	m.Audio("outbound", 160)
	m.ToolJob("end_call", "completed", time.Millisecond)
	m.ProviderError("tts")
	m.ProviderReconnected("tts")
	m.CallRejected("draining")
}

func TestRecorders(t *testing.T) {
	m := New("test")
	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded("hangup", 3*time.Second)
	m.GenerationStarted("utterance")
	m.GenerationStarted("tool_result")
	m.GenerationStarted("utterance")
	m.BargeIn()
	m.ToolJob("get_availability", "failed", 0)
	m.CallRejected("unknown_agent")

	assert.InDelta(t, 1, testutil.ToFloat64(m.SessionsActive), 1e-9)
	assert.InDelta(t, 2, testutil.ToFloat64(m.GenerationsTotal.WithLabelValues("utterance")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.BargeInsTotal), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CallsRejected.WithLabelValues("unknown_agent")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ToolJobsTotal.WithLabelValues("get_availability", "failed")), 1e-9)
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New("test")
	m.BargeIn()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "test_barge_ins_total 1")
}
