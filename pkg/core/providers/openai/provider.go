// Package openai implements a streaming OpenAI Chat Completions model.
package openai

import (
	"context"
	"net/http"
	"strings"

	"github.com/vango-go/vai-callbridge/pkg/core"
	"github.com/vango-go/vai-callbridge/pkg/core/types"
)

const (
	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is used when a request does not name one.
	DefaultModel = "gpt-4o"
)

// Provider implements core.Model against the Chat Completions API.
type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Option configures the OpenAI provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL (for testing or proxying).
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if strings.TrimSpace(url) != "" {
			p.baseURL = url
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		if client != nil {
			p.httpClient = client
		}
	}
}

// New creates a new OpenAI provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ core.Model = (*Provider)(nil)

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return "openai"
}

// Stream sends a streaming chat completion request.
func (p *Provider) Stream(ctx context.Context, req *types.ChatRequest) (core.EventStream, error) {
	body, err := p.doStreamRequest(ctx, buildRequest(req))
	if err != nil {
		return nil, err
	}
	return newEventStream(body), nil
}
