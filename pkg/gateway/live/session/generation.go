package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Trigger names what started a generation.
type Trigger string

const (
	TriggerUtterance  Trigger = "utterance"
	TriggerToolResult Trigger = "tool_result"
	TriggerFallback   Trigger = "fallback"
)

// Generation is one response cycle.
type Generation struct {
	ID        uint64
	Trigger   Trigger
	Text      string
	CreatedAt time.Time

	ctx context.Context
}

// Context is cancelled once the generation is superseded or flushed.
func (g *Generation) Context() context.Context {
	if g == nil || g.ctx == nil {
		return context.Background()
	}
	return g.ctx
}

// GenerationController owns the generation counter for one session.
//
// Begin, Cancel and Flush are called from the orchestrator loop only.
// IsValid and Halted may be called from any goroutine.
type GenerationController struct {
	parent context.Context
	now    func() time.Time

	current atomic.Uint64 // highest id issued
	live    atomic.Uint64 // 0 when nothing is live
	flushed atomic.Uint64 // every id at or below this was hard-cancelled

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewGenerationController(parent context.Context, now func() time.Time) *GenerationController {
	if parent == nil {
		parent = context.Background()
	}
	if now == nil {
		now = time.Now
	}
	return &GenerationController{parent: parent, now: now}
}

// Begin issues the next generation and cancels the previous one.
func (c *GenerationController) Begin(trigger Trigger, text string) *Generation {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(c.parent)
	c.cancel = cancel

	id := c.current.Add(1)
	c.live.Store(id)
	return &Generation{ID: id, Trigger: trigger, Text: text, CreatedAt: c.now(), ctx: ctx}
}

// Cancel invalidates the live generation and returns its id, or 0.
func (c *GenerationController) Cancel() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelLocked()
}

// Flush cancels the live generation and halts every older one, including
// units still draining from superseded generations.
func (c *GenerationController) Flush() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.cancelLocked()
	c.flushed.Store(c.current.Load())
	return id
}

func (c *GenerationController) cancelLocked() uint64 {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return c.live.Swap(0)
}

// IsValid reports whether id is the live generation.
func (c *GenerationController) IsValid(id uint64) bool {
	return id != 0 && c.live.Load() == id
}

// Halted reports whether output for id must stop immediately.
func (c *GenerationController) Halted(id uint64) bool {
	return id <= c.flushed.Load()
}

// Current returns the highest id issued so far.
func (c *GenerationController) Current() uint64 { return c.current.Load() }

// Live returns the live generation id, or 0.
func (c *GenerationController) Live() uint64 { return c.live.Load() }
