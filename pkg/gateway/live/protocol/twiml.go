package protocol

import (
	"encoding/xml"
	"sort"
	"strings"
)

// VoiceResponse is the TwiML document answering an incoming call webhook.
type VoiceResponse struct {
	XMLName xml.Name   `xml:"Response"`
	Say     []twimlSay `xml:"Say,omitempty"`
	Connect *struct {
		Stream struct {
			URL        string           `xml:"url,attr"`
			Parameters []twimlParameter `xml:"Parameter,omitempty"`
		} `xml:"Stream"`
	} `xml:"Connect,omitempty"`
	Hangup *struct{} `xml:"Hangup,omitempty"`
}

type twimlSay struct {
	Voice string `xml:"voice,attr,omitempty"`
	Text  string `xml:",chardata"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// AddSay appends spoken text.
func (r *VoiceResponse) AddSay(text, voice string) *VoiceResponse {
	if strings.TrimSpace(text) != "" {
		r.Say = append(r.Say, twimlSay{Voice: voice, Text: text})
	}
	return r
}

// ConnectStream bridges the call to a media stream websocket, passing params
// through as custom parameters of the start event.
func (r *VoiceResponse) ConnectStream(url string, params map[string]string) *VoiceResponse {
	r.Connect = &struct {
		Stream struct {
			URL        string           `xml:"url,attr"`
			Parameters []twimlParameter `xml:"Parameter,omitempty"`
		} `xml:"Stream"`
	}{}
	r.Connect.Stream.URL = url
	for _, name := range sortedKeys(params) {
		r.Connect.Stream.Parameters = append(r.Connect.Stream.Parameters, twimlParameter{Name: name, Value: params[name]})
	}
	return r
}

// AddHangup ends the call after preceding verbs.
func (r *VoiceResponse) AddHangup() *VoiceResponse {
	r.Hangup = &struct{}{}
	return r
}

// Marshal renders the document with an XML declaration.
func (r *VoiceResponse) Marshal() ([]byte, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
