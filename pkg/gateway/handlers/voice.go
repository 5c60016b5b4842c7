package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/vango-go/vai-callbridge/pkg/gateway/agents"
	"github.com/vango-go/vai-callbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-callbridge/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-callbridge/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-callbridge/pkg/gateway/metrics"
	"github.com/vango-go/vai-callbridge/pkg/gateway/mw"
)

const (
	busyMessage    = "All of our agents are busy right now. Please call back in a few minutes."
	unknownMessage = "Sorry, this number is not set up to take calls yet. Goodbye."
	errorMessage   = "Sorry, something went wrong on our end. Please try again later."
)

// VoiceHandler answers the telephony voice webhook for
// /twilio/agents/{agent_id} with TwiML that bridges the call to the media
// stream.
type VoiceHandler struct {
	Agents    agents.Directory
	Lifecycle *lifecycle.Lifecycle
	Calls     *sessions.Tracker
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// PublicHost overrides the request Host in the stream URL.
	PublicHost string
	// Voice is the Say voice attribute, for example "Polly.Joanna".
	Voice string
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed form body")
		return
	}
	logger := h.logger().With("agent_id", r.PathValue("agent_id"), "call_sid", r.Form.Get("CallSid"))
	if reqID, ok := mw.RequestIDFrom(r.Context()); ok {
		logger = logger.With("request_id", reqID)
	}

	resp := &protocol.VoiceResponse{}
	switch {
	case h.Lifecycle.Draining():
		h.Metrics.CallRejected("draining")
		logger.Info("call refused while draining")
		resp.AddSay(busyMessage, h.Voice).AddHangup()
	case h.Calls.Full():
		h.Metrics.CallRejected("at_capacity")
		logger.Warn("call refused at capacity", "live_calls", h.Calls.Count())
		resp.AddSay(busyMessage, h.Voice).AddHangup()
	default:
		profile, err := h.Agents.Lookup(r.Context(), r.PathValue("agent_id"))
		switch {
		case errors.Is(err, agents.ErrUnknown):
			h.Metrics.CallRejected("unknown_agent")
			logger.Warn("call for unknown agent")
			resp.AddSay(unknownMessage, h.Voice).AddHangup()
		case err != nil:
			h.Metrics.CallRejected("lookup_failed")
			logger.Error("agent lookup failed", "error", err)
			resp.AddSay(errorMessage, h.Voice).AddHangup()
		default:
			params := map[string]string{"call_sid": r.Form.Get("CallSid")}
			if from := strings.TrimSpace(r.Form.Get("From")); from != "" {
				params["caller"] = from
			}
			resp.AddSay(profile.Welcome, h.Voice).ConnectStream(h.streamURL(r, profile.ID), params)
			logger.Info("bridging call", "caller", params["caller"])
		}
	}

	body, err := resp.Marshal()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to render twiml")
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h VoiceHandler) streamURL(r *http.Request, agentID string) string {
	host := strings.TrimSpace(h.PublicHost)
	if host == "" {
		host = r.Host
	}
	u := url.URL{Scheme: "wss", Host: host, Path: "/media-stream/" + agentID}
	return u.String()
}

func (h VoiceHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
