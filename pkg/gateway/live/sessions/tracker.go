package sessions

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrAtCapacity is returned by Register when the tracker is full.
var ErrAtCapacity = errors.New("call capacity reached")

// Call describes one live call.
type Call struct {
	SessionID string
	AgentID   string
	CallSID   string
	Started   time.Time
}

// Handle is how the tracker reaches a live call.
type Handle struct {
	Call   Call
	Cancel func()
}

// Tracker knows every live call in the process so shutdown can wait for
// them or cut them off.
type Tracker struct {
	max int

	mu    sync.Mutex
	calls map[string]*trackedCall
	wg    sync.WaitGroup
}

type trackedCall struct {
	handle Handle
	once   sync.Once
}

// NewTracker returns a tracker admitting at most maxCalls concurrent calls. Zero
// is unlimited.
func NewTracker(maxCalls int) *Tracker {
	return &Tracker{max: maxCalls, calls: make(map[string]*trackedCall)}
}

// Register adds a call. The returned func removes it and is safe to call twice.
func (t *Tracker) Register(h Handle) (unregister func(), err error) {
	if t == nil {
		return func() {}, nil
	}
	id := h.Call.SessionID
	entry := &trackedCall{handle: h}

	t.mu.Lock()
	if t.calls == nil {
		t.calls = make(map[string]*trackedCall)
	}
	old := t.calls[id]
	if old == nil && t.max > 0 && len(t.calls) >= t.max {
		t.mu.Unlock()
		return nil, ErrAtCapacity
	}
	t.calls[id] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(id, old)
	}
	return func() { t.unregister(id, entry) }, nil
}

func (t *Tracker) unregister(id string, entry *trackedCall) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.calls[id] == entry {
			delete(t.calls, id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

// Full reports whether a new call would be refused.
func (t *Tracker) Full() bool {
	if t == nil || t.max <= 0 {
		return false
	}
	return t.Count() >= t.max
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// Snapshot lists live calls, oldest first.
func (t *Tracker) Snapshot() []Call {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	out := make([]Call, 0, len(t.calls))
	for _, entry := range t.calls {
		out = append(out, entry.handle.Call)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

// CancelAll cancels every live call and returns how many were cancelled.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.calls {
		if entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered call has unregistered or ctx is done.
// It reports whether all calls finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
