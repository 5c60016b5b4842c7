// Package lifecycle holds the process-wide draining state shared by handlers.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle flips once from serving to draining. While draining, new calls
// are turned away and readiness fails so the load balancer stops routing.
type Lifecycle struct {
	drainingSince atomic.Int64 // unix nanos, 0 while serving
}

// BeginDrain marks the process as draining. It reports false if draining had
// already begun.
func (l *Lifecycle) BeginDrain(now time.Time) bool {
	if l == nil {
		return false
	}
	ns := now.UnixNano()
	if ns == 0 {
		ns = 1
	}
	return l.drainingSince.CompareAndSwap(0, ns)
}

func (l *Lifecycle) Draining() bool {
	if l == nil {
		return false
	}
	return l.drainingSince.Load() != 0
}

// DrainingSince returns when draining began.
func (l *Lifecycle) DrainingSince() (time.Time, bool) {
	if l == nil {
		return time.Time{}, false
	}
	ns := l.drainingSince.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
