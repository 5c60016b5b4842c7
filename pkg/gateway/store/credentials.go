package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vango-go/vai-callbridge/pkg/gateway/credentials"
)

// Credentials is a credentials.Store backed by provider_credentials.
type Credentials struct {
	db *DB
}

func NewCredentials(db *DB) *Credentials { return &Credentials{db: db} }

func (c *Credentials) Get(ctx context.Context, provider, subject string) (*credentials.Credential, error) {
	cred := credentials.Credential{Provider: provider, Subject: subject}
	var expiry *time.Time
	err := c.db.pool.QueryRow(ctx, `
		SELECT access_token, refresh_token, expiry, scopes
		FROM provider_credentials WHERE provider = $1 AND subject = $2`, provider, subject).
		Scan(&cred.AccessToken, &cred.RefreshToken, &expiry, &cred.Scopes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, credentials.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load credential %s/%s: %w", provider, subject, err)
	}
	if expiry != nil {
		cred.Expiry = *expiry
	}
	return &cred, nil
}

func (c *Credentials) Put(ctx context.Context, cred *credentials.Credential) error {
	var expiry *time.Time
	if !cred.Expiry.IsZero() {
		expiry = &cred.Expiry
	}
	scopes := cred.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	_, err := c.db.pool.Exec(ctx, `
		INSERT INTO provider_credentials (provider, subject, access_token, refresh_token, expiry, scopes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider, subject) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expiry = EXCLUDED.expiry,
			scopes = EXCLUDED.scopes,
			updated_at = now()`,
		cred.Provider, cred.Subject, cred.AccessToken, cred.RefreshToken, expiry, scopes)
	if err != nil {
		return fmt.Errorf("save credential %s/%s: %w", cred.Provider, cred.Subject, err)
	}
	return nil
}
