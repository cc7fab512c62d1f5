package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixedClock(t *testing.T) {
	start := time.Unix(1571797419, 0)
	c := NewFixedClock(start)
	assert.Equal(t, int64(1571797419), c.Unix())
	assert.Zero(t, c.Since(start))

	c.Advance(1500 * time.Millisecond)
	assert.Equal(t, 1500*time.Millisecond, c.Since(start))
	assert.Equal(t, start.Add(1500*time.Millisecond).UnixNano(), c.UnixNano())
}

func TestSystemClock(t *testing.T) {
	c := NewSystemClock()
	before := time.Now()
	assert.False(t, c.Now().Before(before))
	assert.GreaterOrEqual(t, c.Unix(), before.Unix())
}
