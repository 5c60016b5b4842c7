package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// multi-stream-input supports per-message context_id, which lets every
// speakable unit be tracked to completion independently.
const defaultElevenLabsWSBase = "wss://api.elevenlabs.io/v1/text-to-speech/{voice_id}/multi-stream-input"

// ElevenLabsProvider implements Provider with the ElevenLabs websocket API.
type ElevenLabsProvider struct {
	apiKey  string
	baseURL string
}

// NewElevenLabs creates an ElevenLabs provider. An empty baseURL selects the public endpoint.
func NewElevenLabs(apiKey, baseURL string) *ElevenLabsProvider {
	return &ElevenLabsProvider{apiKey: apiKey, baseURL: baseURL}
}

// Name returns the provider identifier.
func (p *ElevenLabsProvider) Name() string {
	return "elevenlabs"
}

// DefaultOptions matches telephony playback over a media stream.
func DefaultOptions(voiceID string) Options {
	return Options{
		VoiceID:         voiceID,
		Model:           "eleven_turbo_v2_5",
		OutputFormat:    "ulaw_8000",
		Stability:       0.5,
		SimilarityBoost: 0.8,
		SpeakerBoost:    true,
		ChunkSchedule:   []int{120, 160, 250, 290},
		KeepAlive:       10 * time.Second,
	}
}

// Connect dials the multi-stream-input socket.
func (p *ElevenLabsProvider) Connect(ctx context.Context, opts Options) (Conn, error) {
	if strings.TrimSpace(p.apiKey) == "" {
		return nil, fmt.Errorf("elevenlabs api key is required")
	}
	if strings.TrimSpace(opts.VoiceID) == "" {
		return nil, fmt.Errorf("elevenlabs voice id is required")
	}
	wsURL, err := buildElevenLabsWSURL(strings.TrimSpace(p.baseURL), opts)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("xi-api-key", strings.TrimSpace(p.apiKey))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs connect: %w", err)
	}
	out := &elevenLabsConn{
		conn:   conn,
		opts:   opts,
		chunks: make(chan Chunk, 256),
		closed: make(chan struct{}),
	}
	go out.readLoop()
	if opts.KeepAlive > 0 {
		go out.keepAliveLoop(opts.KeepAlive)
	}
	return out, nil
}

type elevenLabsConn struct {
	conn *websocket.Conn
	opts Options

	writeMu sync.Mutex
	metaMu  sync.Mutex
	errMu   sync.Mutex

	activeContextID string
	chunks          chan Chunk
	closed          chan struct{}
	closeOnce       sync.Once
	localClose      atomic.Bool

	lastServerError string
	readErr         error
}

// Speak opens contextID, sends the text, and closes the context so the
// provider reports isFinal once the audio is complete.
func (c *elevenLabsConn) Speak(ctx context.Context, contextID, text string) error {
	contextID = strings.TrimSpace(contextID)
	if contextID == "" {
		return fmt.Errorf("context id is required")
	}
	c.metaMu.Lock()
	c.activeContextID = contextID
	c.metaMu.Unlock()

	init := map[string]any{
		"text":       " ",
		"context_id": contextID,
		"voice_settings": map[string]any{
			"stability":         c.opts.Stability,
			"similarity_boost":  c.opts.SimilarityBoost,
			"style":             c.opts.Style,
			"use_speaker_boost": c.opts.SpeakerBoost,
		},
	}
	if len(c.opts.ChunkSchedule) > 0 {
		init["generation_config"] = map[string]any{"chunk_length_schedule": c.opts.ChunkSchedule}
	}
	if err := c.writeJSON(ctx, init); err != nil {
		return err
	}

	payloadText := text
	if !strings.HasSuffix(payloadText, " ") {
		payloadText += " "
	}
	if err := c.writeJSON(ctx, map[string]any{
		"text":       payloadText,
		"context_id": contextID,
		"flush":      true,
	}); err != nil {
		return err
	}
	return c.writeJSON(ctx, map[string]any{
		"context_id":    contextID,
		"close_context": true,
	})
}

// Abort stops synthesis for contextID.
func (c *elevenLabsConn) Abort(ctx context.Context, contextID string) error {
	contextID = strings.TrimSpace(contextID)
	if contextID == "" {
		return nil
	}
	c.metaMu.Lock()
	if c.activeContextID == contextID {
		c.activeContextID = ""
	}
	c.metaMu.Unlock()
	return c.writeJSON(ctx, map[string]any{
		"context_id":    contextID,
		"close_context": true,
	})
}

func (c *elevenLabsConn) Chunks() <-chan Chunk {
	return c.chunks
}

func (c *elevenLabsConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

func (c *elevenLabsConn) Close() error {
	c.closeOnce.Do(func() {
		c.localClose.Store(true)
		close(c.closed)
		_ = c.writeJSON(context.Background(), map[string]any{"close_socket": true})
		_ = c.conn.Close()
	})
	return nil
}

func (c *elevenLabsConn) readLoop() {
	defer close(c.chunks)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.localClose.Load() {
				reason := err.Error()
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					reason = fmt.Sprintf("code=%d msg=%s", closeErr.Code, strings.TrimSpace(closeErr.Text))
				}
				c.setReadErr(fmt.Errorf("elevenlabs read: %s%s", reason, c.serverErrorSuffix()))
			}
			return
		}

		var msg map[string]json.RawMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		for _, key := range []string{"error", "message", "detail"} {
			if serverErr := decodeString(msg[key]); serverErr != "" {
				c.setLastServerError(serverErr)
				break
			}
		}

		contextID := decodeString(msg["context_id"])
		if contextID == "" {
			contextID = decodeString(msg["contextId"])
		}

		var audio []byte
		if audioB64 := decodeString(msg["audio"]); audioB64 != "" {
			audio, err = decodeBase64Any(audioB64)
			if err != nil {
				c.setLastServerError("invalid audio base64")
				audio = nil
			}
		}
		final := decodeBool(msg["isFinal"]) || decodeBool(msg["is_final"])
		if len(audio) == 0 && !final {
			continue
		}

		select {
		case c.chunks <- Chunk{ContextID: contextID, Audio: audio, Final: final}:
		case <-c.closed:
			return
		}
	}
}

func (c *elevenLabsConn) keepAliveLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.metaMu.Lock()
			contextID := c.activeContextID
			c.metaMu.Unlock()
			msg := map[string]any{"text": " "}
			if contextID != "" {
				msg["context_id"] = contextID
			}
			_ = c.writeJSON(context.Background(), msg)
		}
	}
}

func (c *elevenLabsConn) writeJSON(ctx context.Context, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	if err := c.conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("elevenlabs write: %w%s", err, c.serverErrorSuffix())
	}
	return nil
}

func buildElevenLabsWSURL(base string, opts Options) (string, error) {
	if base == "" {
		base = defaultElevenLabsWSBase
	}
	voiceID := url.PathEscape(strings.TrimSpace(opts.VoiceID))
	base = strings.ReplaceAll(base, "{voice_id}", voiceID)
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid elevenlabs ws base url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/v1/text-to-speech/" + voiceID + "/multi-stream-input"
	}
	q := u.Query()
	if q.Get("model_id") == "" && opts.Model != "" {
		q.Set("model_id", opts.Model)
	}
	if q.Get("output_format") == "" && opts.OutputFormat != "" {
		q.Set("output_format", opts.OutputFormat)
	}
	if q.Get("inactivity_timeout") == "" {
		q.Set("inactivity_timeout", "60")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func decodeString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

func decodeBool(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var out bool
	if err := json.Unmarshal(raw, &out); err != nil {
		return false
	}
	return out
}

func decodeBase64Any(s string) ([]byte, error) {
	// ElevenLabs typically uses standard base64 but may omit padding.
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("invalid base64")
}

func (c *elevenLabsConn) setLastServerError(msg string) {
	msg = strings.Join(strings.Fields(msg), " ")
	if len(msg) > 300 {
		msg = msg[:300] + "…"
	}
	c.errMu.Lock()
	c.lastServerError = msg
	c.errMu.Unlock()
}

func (c *elevenLabsConn) setReadErr(err error) {
	c.errMu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.errMu.Unlock()
}

func (c *elevenLabsConn) serverErrorSuffix() string {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.lastServerError == "" {
		return ""
	}
	return " (server_error=" + c.lastServerError + ")"
}
