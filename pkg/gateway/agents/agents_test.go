package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failing struct{ err error }

func (f failing) Lookup(context.Context, string) (Profile, error) { return Profile{}, f.err }

func TestChainLookup(t *testing.T) {
	ctx := context.Background()
	first := NewStatic(Profile{ID: "a", Name: "first"})
	second := NewStatic(Profile{ID: "a", Name: "second"}, Profile{ID: "b", Name: "only"})

	p, err := Chain{first, second}.Lookup(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "first", p.Name)

	p, err = Chain{nil, first, second}.Lookup(ctx, " b ")
	require.NoError(t, err)
	assert.Equal(t, "only", p.Name)

	_, err = Chain{first}.Lookup(ctx, "zzz")
	assert.ErrorIs(t, err, ErrUnknown)

	boom := errors.New("db down")
	_, err = Chain{failing{boom}, second}.Lookup(ctx, "b")
	assert.ErrorIs(t, err, boom)
}

func TestWithDefaultLookup(t *testing.T) {
	ctx := context.Background()
	dir := WithDefault{Directory: NewStatic(Profile{ID: "main", Name: "reception"}, Profile{ID: "sales"}), DefaultID: "main"}

	p, err := dir.Lookup(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, "sales", p.ID)

	p, err = dir.Lookup(ctx, "unlisted")
	require.NoError(t, err)
	assert.Equal(t, "reception", p.Name)

	_, err = WithDefault{Directory: NewStatic()}.Lookup(ctx, "unlisted")
	assert.ErrorIs(t, err, ErrUnknown)

	boom := errors.New("db down")
	_, err = WithDefault{Directory: failing{boom}, DefaultID: "main"}.Lookup(ctx, "x")
	assert.ErrorIs(t, err, boom)
}
