package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimer(t *testing.T) {
	c := NewVirtual()
	timer := NewTimer(c, 100*time.Millisecond)

	assert.False(t, timer.Active())
	c.Advance(time.Second)
	assert.False(t, timer.Done(), "a stopped timer is never done")

	timer.Reset()
	assert.True(t, timer.Active())
	c.Advance(99 * time.Millisecond)
	assert.False(t, timer.Done())
	c.Advance(time.Millisecond)
	assert.True(t, timer.Done())

	timer.Reset()
	assert.False(t, timer.Done())

	c.Advance(time.Second)
	timer.Stop()
	assert.False(t, timer.Done())
}

func TestVirtual_Advance(t *testing.T) {
	c := NewVirtual()
	assert.Equal(t, time.Duration(0), c.Now())

	c.Advance(3 * time.Second)
	c.Advance(time.Millisecond)
	assert.Equal(t, 3*time.Second+time.Millisecond, c.Now())

	assert.Panics(t, func() { c.Advance(-time.Second) })
}

func TestReal_Monotonic(t *testing.T) {
	c := NewReal()
	a := c.Now()
	b := c.Now()
	assert.GreaterOrEqual(t, b, a)
}
