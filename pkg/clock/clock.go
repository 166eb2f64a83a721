package clock

import "time"

// Clock abstracts the passage of time so the replica can be driven by
// the wall clock in production and by hand in tests and simulations.
// Now is monotonic and only meaningful relative to other readings of
// the same Clock.
type Clock interface {
	Now() time.Duration
}
