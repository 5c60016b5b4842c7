// Package protocol implements the wire format of the telephony media stream:
// JSON text frames carrying base64 μ-law audio and control events.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
	EventStop      = "stop"
	EventClear     = "clear"

	// AudioEncodingMulaw is the only media encoding the stream carries.
	AudioEncodingMulaw = "audio/x-mulaw"
	// SampleRate is the media stream sample rate in Hz.
	SampleRate = 8000
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// MediaFormat describes the negotiated audio shape.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type Connected struct {
	Event    string `json:"event"`
	Protocol string `json:"protocol"`
	Version  string `json:"version"`
}

type Start struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSID      string `json:"streamSid"`
	Start          struct {
		StreamSID        string            `json:"streamSid"`
		AccountSID       string            `json:"accountSid"`
		CallSID          string            `json:"callSid"`
		Tracks           []string          `json:"tracks"`
		CustomParameters map[string]string `json:"customParameters,omitempty"`
		MediaFormat      MediaFormat       `json:"mediaFormat"`
	} `json:"start"`
}

type Media struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     struct {
		Track     string `json:"track,omitempty"`
		Chunk     string `json:"chunk,omitempty"`
		Timestamp string `json:"timestamp,omitempty"`
		Payload   string `json:"payload"`
	} `json:"media"`

	// Audio is the decoded payload, filled by Decode.
	Audio []byte `json:"-"`
}

type Mark struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

type DTMF struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	DTMF      struct {
		Track string `json:"track,omitempty"`
		Digit string `json:"digit"`
	} `json:"dtmf"`
}

type Stop struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Stop      struct {
		AccountSID string `json:"accountSid"`
		CallSID    string `json:"callSid"`
	} `json:"stop"`
}

// Decode parses one inbound frame into Connected, Start, Media, Mark, DTMF or Stop.
func Decode(data []byte) (any, error) {
	var envelope struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	event := strings.TrimSpace(envelope.Event)
	if event == "" {
		return nil, badRequest("missing event", "event")
	}

	switch event {
	case EventConnected:
		var msg Connected
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid connected frame", "")
		}
		return msg, nil
	case EventStart:
		var msg Start
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start frame", "")
		}
		if msg.StreamSID == "" {
			msg.StreamSID = msg.Start.StreamSID
		}
		if strings.TrimSpace(msg.StreamSID) == "" {
			return nil, badRequest("start.streamSid is required", "streamSid")
		}
		if enc := msg.Start.MediaFormat.Encoding; enc != "" && enc != AudioEncodingMulaw {
			return nil, &DecodeError{Code: "unsupported", Message: "unsupported media encoding", Param: "mediaFormat.encoding"}
		}
		return msg, nil
	case EventMedia:
		var msg Media
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid media frame", "")
		}
		audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return nil, badRequest("media.payload must be base64", "payload")
		}
		msg.Audio = audio
		return msg, nil
	case EventMark:
		var msg Mark
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid mark frame", "")
		}
		return msg, nil
	case EventDTMF:
		var msg DTMF
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid dtmf frame", "")
		}
		return msg, nil
	case EventStop:
		var msg Stop
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid stop frame", "")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported event", "event")
	}
}

// EncodeMedia builds an outbound audio frame.
func EncodeMedia(streamSID string, audio []byte) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     EventMedia,
		"streamSid": streamSID,
		"media":     map[string]string{"payload": base64.StdEncoding.EncodeToString(audio)},
	})
}

// EncodeMark builds an outbound mark frame. The peer echoes the name once
// all audio sent before it has played.
func EncodeMark(streamSID, name string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     EventMark,
		"streamSid": streamSID,
		"mark":      map[string]string{"name": name},
	})
}

// EncodeClear builds the frame that drops all buffered, unplayed audio.
func EncodeClear(streamSID string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     EventClear,
		"streamSid": streamSID,
	})
}
