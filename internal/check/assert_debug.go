//go:build debug

package check

import "fmt"

// Assert panics if cond is false. Only active in builds tagged debug.
func Assert(cond bool, msg string) {
	if !cond {
		panic("proxysync: assertion failed: " + msg)
	}
}

// Assertf is Assert with a formatted message.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("proxysync: assertion failed: " + fmt.Sprintf(format, args...))
	}
}

// Enabled reports whether assertions panic in this build.
const Enabled = true
