//go:build !debug

package check

// Assert compiles to nothing without the debug tag.
func Assert(_ bool, _ string) {}

// Assertf compiles to nothing without the debug tag.
func Assertf(_ bool, _ string, _ ...any) {}

// Enabled reports whether assertions panic in this build.
const Enabled = false
