package debug

import (
	"fmt"
	"runtime"
)

// NOTE: if assertions ever need to be compiled out, see how apache/arrow does
// it with build tags (go/parquet/internal/debug).

// Assert panics when truth does not hold. msg is optional; at most one may be
// given.
func Assert(truth bool, msg ...string) {
	if len(msg) > 1 {
		panic("invalid assert args")
	}
	if !truth {
		msg := fmt.Sprintf("assertion failed(%s)", msg)
		// include the caller's location, otherwise it gets buried in the
		// middle of the panicking stack.
		if _, file, line, ok := runtime.Caller(1); ok {
			msg = fmt.Sprintf("%s:%d: %s", file, line, msg)
		}
		panic(msg)
	}
}
