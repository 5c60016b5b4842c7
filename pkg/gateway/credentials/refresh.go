package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// refreshSkew refreshes tokens slightly before they expire.
const refreshSkew = time.Minute

// Refresher is a Source backed by a Store. Expired access tokens are
// refreshed with the provider's OAuth config and written back.
type Refresher struct {
	store   Store
	configs map[string]*oauth2.Config
	logger  *slog.Logger
	now     func() time.Time
	group   singleflight.Group
}

// NewRefresher builds a Refresher. configs is keyed by provider name.
func NewRefresher(store Store, configs map[string]*oauth2.Config, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{store: store, configs: configs, logger: logger, now: time.Now}
}

func (r *Refresher) Token(ctx context.Context, provider, subject string) (*oauth2.Token, error) {
	v, err, _ := r.group.Do(key(provider, subject), func() (any, error) {
		return r.token(ctx, provider, subject)
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

func (r *Refresher) token(ctx context.Context, provider, subject string) (*oauth2.Token, error) {
	cred, err := r.store.Get(ctx, provider, subject)
	if err != nil {
		return nil, err
	}
	if cred.AccessToken != "" && (cred.Expiry.IsZero() || r.now().Add(refreshSkew).Before(cred.Expiry)) {
		return cred.OAuth2(), nil
	}
	cfg, ok := r.configs[provider]
	if !ok || cred.RefreshToken == "" {
		return nil, fmt.Errorf("%s for %s: %w", provider, subject, ErrExpired)
	}

	stale := cred.OAuth2()
	// Force the refresh path even if the stored expiry is a little ahead of now.
	stale.Expiry = r.now().Add(-time.Second)
	fresh, err := cfg.TokenSource(ctx, stale).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return nil, fmt.Errorf("refresh %s for %s: %w: %v", provider, subject, ErrExpired, re)
		}
		return nil, fmt.Errorf("refresh %s for %s: %w", provider, subject, err)
	}

	updated := *cred
	updated.AccessToken = fresh.AccessToken
	updated.Expiry = fresh.Expiry
	if fresh.RefreshToken != "" {
		updated.RefreshToken = fresh.RefreshToken
	}
	if err := r.store.Put(ctx, &updated); err != nil {
		r.logger.Warn("persist refreshed credential failed", "provider", provider, "subject", subject, "error", err)
	}
	return updated.OAuth2(), nil
}
