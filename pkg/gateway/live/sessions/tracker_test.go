package sessions

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func call(id string, started time.Time) Handle {
	return Handle{Call: Call{SessionID: id, AgentID: "front-desk", Started: started}}
}

func TestTracker_RegisterUnregisterAndWait(t *testing.T) {
	tr := NewTracker(0)
	assert.Zero(t, tr.Count())

	u1, err := tr.Register(call("s1", time.Unix(10, 0)))
	require.NoError(t, err)
	u2, err := tr.Register(call("s2", time.Unix(5, 0)))
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Count())

	snap := tr.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "s2", snap[0].SessionID, "oldest first")

	u1()
	u1()
	assert.Equal(t, 1, tr.Count())

	u2()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.True(t, tr.Wait(ctx))
	assert.Zero(t, tr.Count())
}

func TestTracker_WaitTimesOutWithLiveCalls(t *testing.T) {
	tr := NewTracker(0)
	_, err := tr.Register(call("s1", time.Now()))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, tr.Wait(ctx))
}

func TestTracker_Capacity(t *testing.T) {
	tr := NewTracker(1)
	unregister, err := tr.Register(call("s1", time.Now()))
	require.NoError(t, err)
	assert.True(t, tr.Full())

	_, err = tr.Register(call("s2", time.Now()))
	assert.ErrorIs(t, err, ErrAtCapacity)

	// re-registering the same session replaces it rather than counting twice
	_, err = tr.Register(call("s1", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Count())

	unregister()
	assert.Equal(t, 1, tr.Count(), "stale unregister must not remove the replacement")
}

func TestTracker_CancelAll(t *testing.T) {
	tr := NewTracker(0)
	var c1, c2 atomic.Int64
	h1 := call("s1", time.Now())
	h1.Cancel = func() { c1.Add(1) }
	h2 := call("s2", time.Now())
	h2.Cancel = func() { c2.Add(1) }
	_, err := tr.Register(h1)
	require.NoError(t, err)
	_, err = tr.Register(h2)
	require.NoError(t, err)
	_, err = tr.Register(call("s3", time.Now()))
	require.NoError(t, err)

	assert.Equal(t, 2, tr.CancelAll())
	assert.Equal(t, int64(1), c1.Load())
	assert.Equal(t, int64(1), c2.Load())
}

func TestTracker_NilIsInert(t *testing.T) {
	var tr *Tracker
	unregister, err := tr.Register(call("s1", time.Now()))
	require.NoError(t, err)
	unregister()
	assert.Zero(t, tr.Count())
	assert.False(t, tr.Full())
	assert.True(t, tr.Wait(context.Background()))
}
