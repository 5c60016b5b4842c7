package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/text-to-speech/{voice_id}/multi-stream-input"
}

func nextChunk(t *testing.T, c Conn) Chunk {
	t.Helper()
	select {
	case chunk, ok := <-c.Chunks():
		require.True(t, ok, "chunks closed")
		return chunk
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chunk")
		return Chunk{}
	}
}

func TestElevenLabs_SpeakStreamsContextAudio(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	received := make(chan []map[string]any, 1)
	var gotPath, gotQuery, gotKey string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery, gotKey = r.URL.Path, r.URL.RawQuery, r.Header.Get("xi-api-key")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var msgs []map[string]any
		for i := 0; i < 3; i++ {
			var m map[string]any
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			msgs = append(msgs, m)
		}
		received <- msgs

		audio := base64.StdEncoding.EncodeToString([]byte{0x7f, 0x7f, 0x7f})
		_ = conn.WriteJSON(map[string]any{"contextId": "g1-u1", "audio": audio})
		_ = conn.WriteJSON(map[string]any{"contextId": "g1-u1", "isFinal": true})
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	opts := DefaultOptions("voice_1")
	opts.KeepAlive = 0
	conn, err := NewElevenLabs("xi-test", baseURL(srv)).Connect(context.Background(), opts)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Speak(context.Background(), "g1-u1", "Let me check."))

	msgs := <-received
	require.Len(t, msgs, 3)
	assert.Equal(t, "g1-u1", msgs[0]["context_id"])
	assert.NotNil(t, msgs[0]["voice_settings"])
	assert.Equal(t, "Let me check. ", msgs[1]["text"])
	assert.Equal(t, true, msgs[1]["flush"])
	assert.Equal(t, true, msgs[2]["close_context"])

	chunk := nextChunk(t, conn)
	assert.Equal(t, "g1-u1", chunk.ContextID)
	assert.Equal(t, []byte{0x7f, 0x7f, 0x7f}, chunk.Audio)
	chunk = nextChunk(t, conn)
	assert.True(t, chunk.Final)

	assert.Equal(t, "/v1/text-to-speech/voice_1/multi-stream-input", gotPath)
	assert.Contains(t, gotQuery, "model_id=eleven_turbo_v2_5")
	assert.Contains(t, gotQuery, "output_format=ulaw_8000")
	assert.Equal(t, "xi-test", gotKey)
}

func TestElevenLabs_ServerDropSurfacesErr(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		raw, _ := json.Marshal(map[string]any{"error": "quota exceeded"})
		_ = conn.WriteMessage(websocket.TextMessage, raw)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "boom"), time.Now().Add(time.Second))
		_ = conn.Close()
	}))
	defer srv.Close()

	conn, err := NewElevenLabs("k", baseURL(srv)).Connect(context.Background(), Options{VoiceID: "v"})
	require.NoError(t, err)
	defer conn.Close()

	select {
	case _, ok := <-conn.Chunks():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("chunks not closed")
	}
	require.Error(t, conn.Err())
	assert.Contains(t, conn.Err().Error(), "quota exceeded")
}

func TestBuildElevenLabsWSURL_Defaults(t *testing.T) {
	u, err := buildElevenLabsWSURL("", DefaultOptions("abc"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "wss://api.elevenlabs.io/v1/text-to-speech/abc/multi-stream-input?"))
	assert.Contains(t, u, "inactivity_timeout=60")
}
