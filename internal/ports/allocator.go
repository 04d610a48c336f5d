// Package ports hands out consecutive (RTP, RTCP) UDP port pairs for the
// decoder/encoder side of the media pipeline, mirroring the mutex-guarded
// room/peer bookkeeping style used throughout the SFU shim.
package ports

import (
	"fmt"
	"sync"
)

// DefaultBase matches the spec's initial nextPortBase.
const DefaultBase = 20000

// Pair is an (rtp, rtcp) port pair with rtcp == rtp+1.
type Pair struct {
	RTP  int
	RTCP int
}

// Allocator scans upward from a monotonic base in steps of 2, skipping ports
// already in use. The base only advances, so a freed pair is not handed out
// again.
type Allocator struct {
	mu       sync.Mutex
	used     map[int]bool
	nextBase int
	upper    int
}

// New creates an allocator starting at base, refusing to allocate at or
// above upper (0 disables the bound).
func New(base, upper int) *Allocator {
	if base <= 0 {
		base = DefaultBase
	}
	return &Allocator{
		used:     make(map[int]bool),
		nextBase: base,
		upper:    upper,
	}
}

// Allocate returns the next free (rtp, rtcp) pair. It is fatal (panics) if
// the configured upper bound is exhausted — the spec treats exhaustion as a
// fatal condition, not a recoverable error.
func (a *Allocator) Allocate() Pair {
	a.mu.Lock()
	defer a.mu.Unlock()

	candidate := a.nextBase
	for {
		if a.upper > 0 && candidate+1 >= a.upper {
			panic(fmt.Sprintf("ports: exhausted allocator range below upper bound %d", a.upper))
		}
		if !a.used[candidate] && !a.used[candidate+1] {
			a.used[candidate] = true
			a.used[candidate+1] = true
			a.nextBase = candidate + 2
			return Pair{RTP: candidate, RTCP: candidate + 1}
		}
		candidate += 2
	}
}

// Free returns a previously allocated pair to the pool. Freeing an
// unallocated or already-freed pair is a no-op, keeping teardown idempotent.
func (a *Allocator) Free(rtp, rtcp int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, rtp)
	delete(a.used, rtcp)
}

// InUse reports how many individual ports are currently allocated — used by
// tests to assert that teardown released everything.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}
