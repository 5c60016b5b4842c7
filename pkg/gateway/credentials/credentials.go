// Package credentials resolves provider credentials for a subject.
//
// Tools never see stored secrets directly; they ask a Source for a token
// scoped to the agent's owner and get a short-lived access token back.
package credentials

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// ErrNotFound is returned when no credential is stored for a provider and subject.
var ErrNotFound = errors.New("credentials: not found")

// ErrExpired is returned when a credential cannot be refreshed.
var ErrExpired = errors.New("credentials: expired and not refreshable")

// Credential is a stored OAuth grant.
type Credential struct {
	Provider     string
	Subject      string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []string
}

// OAuth2 returns the credential as an oauth2 token.
func (c *Credential) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       c.Expiry,
	}
}

// Store persists credentials.
type Store interface {
	Get(ctx context.Context, provider, subject string) (*Credential, error)
	Put(ctx context.Context, cred *Credential) error
}

// Source hands out valid access tokens.
type Source interface {
	Token(ctx context.Context, provider, subject string) (*oauth2.Token, error)
}

// TokenSource binds a Source to one provider and subject.
func TokenSource(ctx context.Context, src Source, provider, subject string) oauth2.TokenSource {
	return &boundSource{ctx: ctx, src: src, provider: provider, subject: subject}
}

type boundSource struct {
	ctx      context.Context
	src      Source
	provider string
	subject  string
}

func (b *boundSource) Token() (*oauth2.Token, error) {
	return b.src.Token(b.ctx, b.provider, b.subject)
}

func key(provider, subject string) string {
	return strings.ToLower(strings.TrimSpace(provider)) + "\x00" + strings.TrimSpace(subject)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	creds map[string]Credential
}

func NewMemoryStore(creds ...Credential) *MemoryStore {
	s := &MemoryStore{creds: make(map[string]Credential, len(creds))}
	for _, c := range creds {
		s.creds[key(c.Provider, c.Subject)] = c
	}
	return s
}

func (s *MemoryStore) Get(ctx context.Context, provider, subject string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[key(provider, subject)]
	if !ok {
		return nil, ErrNotFound
	}
	c.Scopes = append([]string(nil), c.Scopes...)
	return &c, nil
}

func (s *MemoryStore) Put(ctx context.Context, cred *Credential) error {
	if cred == nil {
		return errors.New("credentials: nil credential")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[key(cred.Provider, cred.Subject)] = *cred
	return nil
}

// Static serves fixed access tokens, for development and tests.
type Static map[string]string

// StaticKey builds the map key for a provider and subject.
func StaticKey(provider, subject string) string { return key(provider, subject) }

func (s Static) Token(ctx context.Context, provider, subject string) (*oauth2.Token, error) {
	tok, ok := s[key(provider, subject)]
	if !ok {
		tok, ok = s[key(provider, "")]
	}
	if !ok || tok == "" {
		return nil, ErrNotFound
	}
	return &oauth2.Token{AccessToken: tok, TokenType: "Bearer"}, nil
}
