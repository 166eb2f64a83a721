//go:build release

package assert

// Assert is a no-op in release builds. See the non-release variant
// for the semantics.
func Assert(cond bool, format string, args ...any) {}
