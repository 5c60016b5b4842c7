package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const defaultDeepgramURL = "wss://api.deepgram.com/v1/listen"

// DeepgramProvider implements Provider using Deepgram's live websocket API.
type DeepgramProvider struct {
	apiKey  string
	baseURL string
	dialer  *websocket.Dialer
}

// NewDeepgram creates a Deepgram provider. An empty baseURL selects the public endpoint.
func NewDeepgram(apiKey, baseURL string) *DeepgramProvider {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultDeepgramURL
	}
	return &DeepgramProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Name returns the provider identifier.
func (d *DeepgramProvider) Name() string {
	return "deepgram"
}

// DefaultStreamOptions matches telephony audio from a media stream.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		Model:          "nova-3",
		Language:       "en-US",
		Encoding:       "mulaw",
		SampleRate:     8000,
		Channels:       1,
		InterimResults: true,
		SmartFormat:    true,
		VADEvents:      true,
		UtteranceEnd:   1000 * time.Millisecond,
		Endpointing:    150 * time.Millisecond,
		KeepAlive:      5 * time.Second,
	}
}

func (d *DeepgramProvider) streamURL(opts StreamOptions) (string, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse deepgram url: %w", err)
	}
	q := u.Query()
	set := func(k, v string) {
		if v != "" && q.Get(k) == "" {
			q.Set(k, v)
		}
	}
	set("model", opts.Model)
	set("language", opts.Language)
	set("encoding", opts.Encoding)
	if opts.SampleRate > 0 {
		set("sample_rate", strconv.Itoa(opts.SampleRate))
	}
	if opts.Channels > 0 {
		set("channels", strconv.Itoa(opts.Channels))
	}
	set("interim_results", strconv.FormatBool(opts.InterimResults))
	set("smart_format", strconv.FormatBool(opts.SmartFormat))
	set("vad_events", strconv.FormatBool(opts.VADEvents))
	if opts.UtteranceEnd > 0 {
		set("utterance_end_ms", strconv.FormatInt(opts.UtteranceEnd.Milliseconds(), 10))
	}
	if opts.Endpointing > 0 {
		set("endpointing", strconv.FormatInt(opts.Endpointing.Milliseconds(), 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NewStream connects a live transcription socket.
func (d *DeepgramProvider) NewStream(ctx context.Context, opts StreamOptions) (Stream, error) {
	if strings.TrimSpace(d.apiKey) == "" {
		return nil, fmt.Errorf("deepgram api key is required")
	}
	wsURL, err := d.streamURL(opts)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Token "+d.apiKey)

	conn, resp, err := d.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			return nil, fmt.Errorf("deepgram connect (status %d): %s: %w", resp.StatusCode, strings.TrimSpace(string(body)), err)
		}
		return nil, fmt.Errorf("deepgram connect: %w", err)
	}

	s := &deepgramStream{
		conn:   conn,
		events: make(chan Event, 128),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	if opts.KeepAlive > 0 {
		go s.keepAliveLoop(opts.KeepAlive)
	}
	return s, nil
}

type deepgramStream struct {
	conn    *websocket.Conn
	events  chan Event
	done    chan struct{}
	writeMu sync.Mutex
	closed  atomic.Bool
	once    sync.Once

	errMu sync.Mutex
	err   error
}

type deepgramMessage struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	Timestamp   float64 `json:"timestamp"`
	LastWordEnd float64 `json:"last_word_end"`
	Description string  `json:"description"`
	Message     string  `json:"message"`
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (s *deepgramStream) readLoop() {
	defer close(s.events)
	defer s.shutdown()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.setErr(fmt.Errorf("deepgram read: %w", err))
			}
			return
		}

		var msg deepgramMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		var ev Event
		switch msg.Type {
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			alt := msg.Channel.Alternatives[0]
			ev = Event{
				Kind:        EventPartial,
				Text:        strings.TrimSpace(alt.Transcript),
				Confidence:  alt.Confidence,
				Start:       seconds(msg.Start),
				Duration:    seconds(msg.Duration),
				SpeechFinal: msg.SpeechFinal,
			}
			if msg.IsFinal {
				ev.Kind = EventFinal
			}
			if ev.Text == "" && !ev.SpeechFinal {
				continue
			}
		case "UtteranceEnd":
			ev = Event{Kind: EventUtteranceEnd, Start: seconds(msg.LastWordEnd)}
		case "SpeechStarted":
			ev = Event{Kind: EventSpeechStarted, Start: seconds(msg.Timestamp)}
		case "Error":
			reason := msg.Description
			if reason == "" {
				reason = msg.Message
			}
			s.setErr(fmt.Errorf("deepgram error: %s", reason))
			return
		default:
			continue
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *deepgramStream) keepAliveLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
				return
			}
		}
	}
}

func (s *deepgramStream) write(messageType int, data []byte) error {
	if s.closed.Load() {
		return errors.New("deepgram stream closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(messageType, data)
}

// SendAudio forwards raw encoded audio.
func (s *deepgramStream) SendAudio(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return s.write(websocket.BinaryMessage, data)
}

func (s *deepgramStream) Events() <-chan Event {
	return s.events
}

func (s *deepgramStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *deepgramStream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *deepgramStream) shutdown() {
	s.once.Do(func() { close(s.done) })
}

// Close asks Deepgram to finish the stream and tears down the socket.
func (s *deepgramStream) Close() error {
	if s.closed.Load() {
		return nil
	}
	_ = s.write(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	s.closed.Store(true)
	s.shutdown()
	return s.conn.Close()
}
