// Package agents resolves the voice agent profile a call is routed to.
package agents

import (
	"context"
	"errors"
	"strings"
)

// ErrUnknown is returned when no profile exists for an id.
var ErrUnknown = errors.New("agents: unknown agent")

// Profile is everything a session needs to know about the agent it speaks for.
type Profile struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	SystemPrompt string   `yaml:"system_prompt"`
	Welcome      string   `yaml:"welcome"`
	Subject      string   `yaml:"subject"`
	Tools        []string `yaml:"tools"`
	VoiceID      string   `yaml:"voice_id"`
	Timezone     string   `yaml:"timezone"`
}

// Directory looks profiles up by id.
type Directory interface {
	Lookup(ctx context.Context, id string) (Profile, error)
}

// Static is a Directory over a fixed set of profiles.
type Static map[string]Profile

func NewStatic(profiles ...Profile) Static {
	s := make(Static, len(profiles))
	for _, p := range profiles {
		s[strings.TrimSpace(p.ID)] = p
	}
	return s
}

func (s Static) Lookup(ctx context.Context, id string) (Profile, error) {
	p, ok := s[strings.TrimSpace(id)]
	if !ok {
		return Profile{}, ErrUnknown
	}
	return p, nil
}

// Chain tries each directory in order and returns the first hit.
type Chain []Directory

func (c Chain) Lookup(ctx context.Context, id string) (Profile, error) {
	for _, d := range c {
		if d == nil {
			continue
		}
		p, err := d.Lookup(ctx, id)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrUnknown) {
			return Profile{}, err
		}
	}
	return Profile{}, ErrUnknown
}

// WithDefault answers unknown ids with the profile named by defaultID.
type WithDefault struct {
	Directory Directory
	DefaultID string
}

func (w WithDefault) Lookup(ctx context.Context, id string) (Profile, error) {
	p, err := w.Directory.Lookup(ctx, id)
	if !errors.Is(err, ErrUnknown) || w.DefaultID == "" || strings.TrimSpace(id) == w.DefaultID {
		return p, err
	}
	return w.Directory.Lookup(ctx, w.DefaultID)
}
