package clock

import "time"

// Real reads the process monotonic clock.
type Real struct {
	start time.Time
}

func NewReal() *Real {
	return &Real{start: time.Now()}
}

func (r *Real) Now() time.Duration {
	return time.Since(r.start)
}

var _ Clock = (*Real)(nil)
