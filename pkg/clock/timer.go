package clock

import "time"

// Timer is a passive deadline. It does not fire on its own: its owner
// polls Done, typically on every tick of its event loop, and decides
// what to do. A stopped timer is never done.
type Timer struct {
	clock   Clock
	timeout time.Duration

	start  time.Duration
	active bool
}

// NewTimer returns a stopped timer.
func NewTimer(clock Clock, timeout time.Duration) *Timer {
	return &Timer{
		clock:   clock,
		timeout: timeout,
	}
}

// Reset (re)arms the timer starting now.
func (t *Timer) Reset() {
	t.start = t.clock.Now()
	t.active = true
}

// Stop disarms the timer.
func (t *Timer) Stop() {
	t.active = false
}

func (t *Timer) Active() bool {
	return t.active
}

// Done reports whether the timer is armed and its timeout has elapsed.
func (t *Timer) Done() bool {
	return t.active && t.clock.Now()-t.start >= t.timeout
}

func (t *Timer) Timeout() time.Duration {
	return t.timeout
}
