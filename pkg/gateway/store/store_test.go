package store

import (
	"context"
	"io/fs"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-callbridge/pkg/gateway/agents"
	"github.com/vango-go/vai-callbridge/pkg/gateway/credentials"
)

func TestMigrationsEmbedded(t *testing.T) {
	names, err := fs.Glob(Migrations(), "*.sql")
	require.NoError(t, err)
	require.Len(t, names, 2)
	for _, name := range names {
		raw, err := fs.ReadFile(Migrations(), name)
		require.NoError(t, err)
		assert.Contains(t, string(raw), "-- +goose Up", name)
		assert.Contains(t, string(raw), "-- +goose Down", name)
	}
}

// testDB connects to CALLBRIDGE_TEST_DATABASE_URL; tests that need Postgres skip without it.
func testDB(t *testing.T) *DB {
	t.Helper()
	url := strings.TrimSpace(os.Getenv("CALLBRIDGE_TEST_DATABASE_URL"))
	if url == "" {
		t.Skip("CALLBRIDGE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	_, err = db.Migrate(ctx)
	require.NoError(t, err)
	return db
}

func TestAgentsRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := NewAgents(db)

	p := agents.Profile{ID: "test-agent-" + time.Now().Format("150405.000"), Name: "Front desk", Tools: []string{"end_call"}}
	require.NoError(t, repo.Upsert(ctx, p))

	got, err := repo.Lookup(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, p.Tools, got.Tools)

	_, err = repo.Lookup(ctx, "missing-agent")
	assert.ErrorIs(t, err, agents.ErrUnknown)
}

func TestCredentialsRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	repo := NewCredentials(db)

	subject := "owner-" + time.Now().Format("150405.000")
	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, repo.Put(ctx, &credentials.Credential{Provider: "google", Subject: subject, AccessToken: "a", RefreshToken: "r", Expiry: expiry}))

	got, err := repo.Get(ctx, "google", subject)
	require.NoError(t, err)
	assert.Equal(t, "a", got.AccessToken)
	assert.True(t, expiry.Equal(got.Expiry))

	_, err = repo.Get(ctx, "google", "nobody")
	assert.ErrorIs(t, err, credentials.ErrNotFound)
}
