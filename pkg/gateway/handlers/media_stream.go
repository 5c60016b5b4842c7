package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/core/voice/stt"
	"github.com/vango-go/vai-callbridge/pkg/core/voice/tts"
	"github.com/vango-go/vai-callbridge/pkg/gateway/agents"
	"github.com/vango-go/vai-callbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-callbridge/pkg/gateway/live/session"
	"github.com/vango-go/vai-callbridge/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-callbridge/pkg/gateway/metrics"
	"github.com/vango-go/vai-callbridge/pkg/gateway/mw"
	"github.com/vango-go/vai-callbridge/pkg/gateway/tools"
)

// ToolsFunc returns the tools an agent's calls may use.
type ToolsFunc func(profile agents.Profile) (session.ToolSet, error)

// MediaStreamHandler upgrades /media-stream/{agent_id} and runs one call
// session over the socket.
type MediaStreamHandler struct {
	Agents    agents.Directory
	Lifecycle *lifecycle.Lifecycle
	Calls     *sessions.Tracker
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	Model        core.Model
	ModelName    string
	Temperature  *float64
	MaxTokens    int
	SystemPrompt string
	STT          stt.Provider
	STTOptions   stt.StreamOptions
	TTS          tts.Provider
	TTSOptions   tts.Options
	Tools        ToolsFunc
	Config       session.Config

	Upgrader websocket.Upgrader
	Now      func() time.Time
}

func (h MediaStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.Lifecycle.Draining() {
		h.Metrics.CallRejected("draining")
		writeError(w, r, http.StatusServiceUnavailable, "server is draining")
		return
	}

	agentID := r.PathValue("agent_id")
	logger := h.logger().With("agent_id", agentID)
	if reqID, ok := mw.RequestIDFrom(r.Context()); ok {
		logger = logger.With("request_id", reqID)
	}

	profile, err := h.Agents.Lookup(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, agents.ErrUnknown) {
			h.Metrics.CallRejected("unknown_agent")
		} else {
			logger.Error("agent lookup failed", "error", err)
		}
		writeErr(w, r, err)
		return
	}

	var toolSet session.ToolSet
	if h.Tools != nil {
		toolSet, err = h.Tools(profile)
		if err != nil {
			logger.Error("building agent tools failed", "error", err)
			writeErr(w, r, err)
			return
		}
	}

	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		logger.Debug("media stream upgrade failed", "error", err)
		return
	}

	sessionID := "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	logger = logger.With("session_id", sessionID)

	ttsOptions := h.TTSOptions
	if profile.VoiceID != "" {
		ttsOptions.VoiceID = profile.VoiceID
	}
	systemPrompt := h.SystemPrompt
	if strings.TrimSpace(profile.SystemPrompt) != "" {
		systemPrompt = profile.SystemPrompt
	}

	s, err := session.New(session.Dependencies{
		Conn:         conn,
		Logger:       h.logger(),
		Metrics:      h.Metrics,
		Model:        h.Model,
		ModelName:    h.ModelName,
		Temperature:  h.Temperature,
		MaxTokens:    h.MaxTokens,
		SystemPrompt: systemPrompt,
		STT:          h.STT,
		STTOptions:   h.STTOptions,
		TTS:          h.TTS,
		TTSOptions:   ttsOptions,
		Tools:        toolSet,
		Scope: tools.Scope{
			AgentID: profile.ID,
			Subject: profile.Subject,
		},
		SessionID: sessionID,
		Config:    h.Config,
		Now:       h.Now,
	})
	if err != nil {
		logger.Error("creating call session failed", "error", err)
		closeWith(conn, websocket.CloseInternalServerErr, "session setup failed")
		return
	}

	unregister, err := h.Calls.Register(sessions.Handle{
		Call: sessions.Call{
			SessionID: sessionID,
			AgentID:   profile.ID,
			Started:   h.now(),
		},
		Cancel: s.Cancel,
	})
	if err != nil {
		h.Metrics.CallRejected("at_capacity")
		logger.Warn("call refused at capacity", "live_calls", h.Calls.Count())
		closeWith(conn, websocket.CloseTryAgainLater, "at capacity")
		return
	}
	defer unregister()

	if err := s.Run(r.Context()); err != nil {
		logger.Warn("call session ended with error", "error", err)
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	_ = conn.Close()
}

func (h MediaStreamHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h MediaStreamHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
