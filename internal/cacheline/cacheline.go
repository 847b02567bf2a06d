// Package cacheline holds the padded control-word layout shared by the
// bfsync lock. Isolating the busy/forbidden flags on their own cache line
// keeps one handle's writes from bouncing another handle's cache line.
package cacheline

import "sync/atomic"

// Size is the assumed platform cache-line granularity.
const Size = 64

// Flags is a pair of atomic booleans padded to occupy its own cache line.
// Both flags start clear.
type Flags struct {
	Busy      atomic.Bool
	Forbidden atomic.Bool
	_         [Size - 8]byte // each atomic.Bool occupies 4 bytes
}
