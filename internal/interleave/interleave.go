// Package interleave implements the narrow amenability check spec.md §1
// asks the core lock to support: "the core must be amenable to such
// exploration; running it is out of scope" for the general
// interleaving-exploration harness. This is not that harness — it is a
// small, fixed two-goroutine scenario with a handful of deterministic
// preemption points, built only to demonstrate the lock's protocol can be
// driven by one.
package interleave

import (
	"runtime"
	"sync"

	"github.com/dijkstracula/bfsync"
)

// Observation records, for one run, whether any live Write Guard and any
// live Read Guard of the same lock instance were ever observed
// simultaneously — a violation of spec.md §3 invariant 5.
type Observation struct {
	ReadDuringWrite bool
}

// RunTwoGoroutineReadThenWrite drives two goroutines, each performing one
// Read followed by one Write on its own Handle cloned from h, yielding at
// every Checkpoint so the Go scheduler has maximal opportunity to
// interleave the two. It records whether a Read Guard and a Write Guard
// were ever live at the same time (invariant 5 of spec.md §3) and returns
// that observation for the caller to check; invariants 2 and 3 are not
// checked.
func RunTwoGoroutineReadThenWrite(h *bfsync.Handle[int]) (Observation, error) {
	var obs Observation
	var mu sync.Mutex // guards obs and the live-guard counters below
	var liveReaders, liveWriters int

	actor := func(handle *bfsync.Handle[int]) error {
		runtime.Gosched()
		rg, err := handle.Read()
		if err != nil {
			return err
		}
		mu.Lock()
		liveReaders++
		if liveWriters > 0 {
			obs.ReadDuringWrite = true
		}
		mu.Unlock()

		runtime.Gosched()

		mu.Lock()
		liveReaders--
		mu.Unlock()
		rg.Close()

		runtime.Gosched()
		wg, err := handle.Write()
		if err != nil {
			return err
		}
		mu.Lock()
		liveWriters++
		if liveReaders > 0 {
			obs.ReadDuringWrite = true
		}
		mu.Unlock()

		runtime.Gosched()

		mu.Lock()
		liveWriters--
		mu.Unlock()
		wg.Close()
		return nil
	}

	clone, err := h.Clone()
	if err != nil {
		return obs, err
	}
	defer clone.Close()

	errs := make(chan error, 2)
	go func() { errs <- actor(h) }()
	go func() { errs <- actor(clone) }()

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			return obs, err
		}
	}
	return obs, nil
}
