package clock

import (
	"sync/atomic"
	"time"

	"github.com/tangledbytes/go-vrkv/pkg/assert"
)

// Virtual only moves when told to.
type Virtual struct {
	now atomic.Int64
}

func NewVirtual() *Virtual {
	return &Virtual{}
}

func (v *Virtual) Now() time.Duration {
	return time.Duration(v.now.Load())
}

// Advance moves the clock forward by d.
func (v *Virtual) Advance(d time.Duration) {
	assert.Assert(d >= 0, "virtual clock cannot go backwards (%s)", d)
	v.now.Add(int64(d))
}

var _ Clock = (*Virtual)(nil)
