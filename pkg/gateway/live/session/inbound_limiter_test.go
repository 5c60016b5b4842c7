package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInboundAudioLimiter_BurstThenRefill(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	l := newInboundAudioLimiter(clk.Now, 50, 2)

	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	clk.Advance(30 * time.Millisecond)
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}

func TestInboundAudioLimiter_DisabledAllowsAll(t *testing.T) {
	var l *inboundAudioLimiter = newInboundAudioLimiter(nil, 0, 0)
	for i := 0; i < 1000; i++ {
		assert.True(t, l.Allow())
	}
}
