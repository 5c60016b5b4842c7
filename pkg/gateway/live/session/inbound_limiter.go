package session

import (
	"time"

	"golang.org/x/time/rate"
)

// inboundAudioLimiter caps media frames per second from the telephony leg.
// Frames over the cap are dropped rather than queued.
type inboundAudioLimiter struct {
	now     func() time.Time
	limiter *rate.Limiter
}

func newInboundAudioLimiter(now func() time.Time, fps int, burst int) *inboundAudioLimiter {
	if fps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burst <= 0 {
		burst = fps
	}
	return &inboundAudioLimiter{now: now, limiter: rate.NewLimiter(rate.Limit(fps), burst)}
}

func (l *inboundAudioLimiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.AllowN(l.now(), 1)
}
