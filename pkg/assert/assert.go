//go:build !release

package assert

import "fmt"

// Assert panics with the formatted message if cond is false.
//
// It guards internal invariants of the replica (commit never passing
// the op number, contiguous execution, ...), never peer input. Builds
// with the release tag compile it away.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintln("invariant violated:", fmt.Sprintf(format, args...)))
	}
}
