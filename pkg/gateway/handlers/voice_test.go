package handlers

import (
	"context"
	"encoding/xml"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-callbridge/pkg/gateway/agents"
	"github.com/vango-go/vai-callbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-callbridge/pkg/gateway/live/sessions"
)

type twiml struct {
	Say []struct {
		Text string `xml:",chardata"`
	} `xml:"Say"`
	Connect *struct {
		Stream struct {
			URL        string `xml:"url,attr"`
			Parameters []struct {
				Name  string `xml:"name,attr"`
				Value string `xml:"value,attr"`
			} `xml:"Parameter"`
		} `xml:"Stream"`
	} `xml:"Connect"`
	Hangup *struct{} `xml:"Hangup"`
}

type failingDirectory struct{}

func (failingDirectory) Lookup(context.Context, string) (agents.Profile, error) {
	return agents.Profile{}, errors.New("database unavailable")
}

var frontDesk = agents.Profile{ID: "front-desk", Welcome: "Thanks for calling Acme.", Subject: "owner@example.com"}

func postVoice(t *testing.T, h VoiceHandler, agentID string) twiml {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/twilio/agents/{agent_id}", h)

	form := url.Values{"CallSid": {"CA123"}, "From": {"+15550100"}}
	req := httptest.NewRequest(http.MethodPost, "/twilio/agents/"+agentID, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Host = "bridge.internal:8080"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/xml; charset=utf-8", rec.Header().Get("Content-Type"))
	var doc twiml
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &doc))
	return doc
}

func TestVoiceHandler_BridgesKnownAgent(t *testing.T) {
	doc := postVoice(t, VoiceHandler{Agents: agents.NewStatic(frontDesk), PublicHost: "calls.example.com"}, "front-desk")

	require.Len(t, doc.Say, 1)
	assert.Equal(t, frontDesk.Welcome, doc.Say[0].Text)
	require.NotNil(t, doc.Connect)
	assert.Nil(t, doc.Hangup)
	assert.Equal(t, "wss://calls.example.com/media-stream/front-desk", doc.Connect.Stream.URL)

	params := map[string]string{}
	for _, p := range doc.Connect.Stream.Parameters {
		params[p.Name] = p.Value
	}
	assert.Equal(t, map[string]string{"call_sid": "CA123", "caller": "+15550100"}, params)
}

func TestVoiceHandler_UsesRequestHostByDefault(t *testing.T) {
	doc := postVoice(t, VoiceHandler{Agents: agents.NewStatic(frontDesk)}, "front-desk")
	require.NotNil(t, doc.Connect)
	assert.Equal(t, "wss://bridge.internal:8080/media-stream/front-desk", doc.Connect.Stream.URL)
}

func TestVoiceHandler_Refusals(t *testing.T) {
	draining := &lifecycle.Lifecycle{}
	draining.BeginDrain(time.Now())

	full := sessions.NewTracker(1)
	_, err := full.Register(sessions.Handle{Call: sessions.Call{SessionID: "busy"}})
	require.NoError(t, err)

	tests := []struct {
		name    string
		h       VoiceHandler
		agentID string
		say     string
	}{
		{name: "draining", h: VoiceHandler{Agents: agents.NewStatic(frontDesk), Lifecycle: draining}, agentID: "front-desk", say: busyMessage},
		{name: "at capacity", h: VoiceHandler{Agents: agents.NewStatic(frontDesk), Calls: full}, agentID: "front-desk", say: busyMessage},
		{name: "unknown agent", h: VoiceHandler{Agents: agents.NewStatic(frontDesk)}, agentID: "nobody", say: unknownMessage},
		{name: "lookup failure", h: VoiceHandler{Agents: failingDirectory{}}, agentID: "front-desk", say: errorMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := postVoice(t, tt.h, tt.agentID)
			require.Len(t, doc.Say, 1)
			assert.Equal(t, tt.say, doc.Say[0].Text)
			assert.Nil(t, doc.Connect)
			assert.NotNil(t, doc.Hangup)
		})
	}
}

func TestVoiceHandler_RejectsOtherMethods(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("/twilio/agents/{agent_id}", VoiceHandler{Agents: agents.NewStatic(frontDesk)})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/twilio/agents/front-desk", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, POST", rec.Header().Get("Allow"))
}
