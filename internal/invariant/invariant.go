// Package invariant holds the one assertion helper the engine uses for
// programmer-error conditions: states that must never occur if every
// caller upholds its contract, as opposed to runtime errors (a reset
// connection, a short read) that are expected and handled as data.
package invariant

import "fmt"

// Check panics with a formatted message if cond is false. It exists so a
// violated invariant reads as a deliberate assertion at the call site
// rather than an ad hoc panic string.
func Check(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("invariant violated: "+format, args...))
	}
}
