// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package bfsync implements the busy-forbidden protocol: a shared-exclusive
// lock whose common-case reader path touches only two flag bits local to
// the acquiring Handle, with no globally contended cache line, while
// exclusive acquisition coordinates with every Handle via a heavy but
// uncontended administrative mutex.
//
// A Handle is the per-thread participant in a lock instance. Distinct
// goroutines must each hold their own Handle, obtained by cloning: a
// Handle may move between goroutines but must never be used by two of
// them concurrently, because its Busy flag is written without further
// synchronization from the assumption that only its owner touches it.
//
// Taking the lock for shared access is two cheap atomic operations with
// no contention in the common case:
//
//	h.control.Busy.Store(true)              // publish intent
//	if !h.control.Forbidden.Load() { ... }  // observe writers
//
// A writer instead walks every live Handle in the roster, marks each
// Forbidden, and spins until each is no longer Busy. See the Read and
// Write methods below for the full protocol and the correctness argument
// in their doc comments.
//
// ## Overview
//
// Readers publish intent by setting their own Busy flag, then check their
// own Forbidden flag. If Forbidden is clear, the reader has the lock: no
// writer can now start without first seeing Busy set. If Forbidden is
// set, a writer is active (or entering); the reader backs off, clears
// Busy, rendezvouses on the administrative mutex (purely to block until
// the writer is done with its current step), and retries.
//
// A writer takes the administrative mutex (serializing writers against
// each other), sets Forbidden on every live Handle including itself, then
// spins on every *other* Handle's Busy flag until it observes false. At
// that point no reader can be in, or enter, its critical section without
// first observing Forbidden and retreating.
//
//	+---------------+----------+-----------+-----------+
//	|Request/Holding | Unlocked | Reading   | Writing   |
//	+---------------+----------+-----------+-----------+
//	|Request Read    |   Yes    |    Yes    |    No     |
//	|Request Write   |   Yes    |    No     |    No     |
//	+---------------+----------+-----------+-----------+
//
// There is no reader-to-writer upgrade and no recursive acquisition on the
// same Handle; both are contract violations checked only when
// assertx.Enabled is set.
package bfsync

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/dijkstracula/bfsync/internal/assertx"
	"github.com/dijkstracula/bfsync/internal/cacheline"
)

// sharedState is the single instance shared by every Handle cloned from a
// common ancestor: the protected payload and the roster of live control
// words. Roster entries are tombstoned (set to nil) on Handle.Close, never
// removed, so the roster's length only grows — see the "removal
// tombstones" open question in DESIGN.md.
type sharedState[T any] struct {
	mu      sync.Mutex
	roster  []*cacheline.Flags
	payload *T
	metrics Metrics
}

// Handle is the per-thread (per-clone) participant in a lock instance. A
// Handle is safe to hand off between goroutines (it is the Go analogue of
// Send) but must never be accessed by two goroutines at once (it is
// deliberately not the analogue of Sync): its control word's Busy flag is
// written by its owner without further synchronization, and the protocol
// depends on exactly one goroutine owning it at a time.
type Handle[T any] struct {
	control *cacheline.Flags
	shared  *sharedState[T]
	index   int
}

// Create produces the first Handle bound to a freshly allocated shared
// lock instance protecting initial.
func Create[T any](initial T) *Handle[T] {
	return CreateWithMetrics(initial, nil)
}

// CreateWithMetrics is Create plus an optional Metrics sink; pass nil for
// no instrumentation. Hooking metrics in at construction keeps the lock's
// hot path free of any third-party dependency when the caller doesn't ask
// for one.
func CreateWithMetrics[T any](initial T, metrics Metrics) *Handle[T] {
	control := &cacheline.Flags{}
	payload := initial
	shared := &sharedState[T]{
		roster:  []*cacheline.Flags{control},
		payload: &payload,
		metrics: metrics,
	}
	return &Handle[T]{control: control, shared: shared, index: 0}
}

// Clone produces a new Handle sharing this Handle's lock instance. It
// briefly takes the administrative mutex to append a fresh control word to
// the roster; it blocks for as long as a writer holds that mutex.
func (h *Handle[T]) Clone() (*Handle[T], error) {
	shared := h.shared
	shared.mu.Lock()
	defer shared.mu.Unlock()

	control := &cacheline.Flags{}
	shared.roster = append(shared.roster, control)
	index := len(shared.roster) - 1

	if shared.metrics != nil {
		shared.metrics.OnClone()
	}
	return &Handle[T]{control: control, shared: shared, index: index}, nil
}

// Close releases this Handle's roster slot. It does not wait for any
// other Handle; the slot is tombstoned, not removed, so the roster never
// shrinks.
func (h *Handle[T]) Close() error {
	shared := h.shared
	shared.mu.Lock()
	defer shared.mu.Unlock()
	shared.roster[h.index] = nil
	return nil
}

// String renders the Handle's control word plus the state of every live
// control word in the roster, for debugging a stuck lock. Supplemented
// from the Rust original's Debug impl, which the distilled spec does not
// mention but which no Non-goal excludes.
func (h *Handle[T]) String() string {
	shared := h.shared
	shared.mu.Lock()
	defer shared.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "bfsync.Handle{busy=%v, forbidden=%v, index=%d, roster=[",
		h.control.Busy.Load(), h.control.Forbidden.Load(), h.index)
	first := true
	for _, c := range shared.roster {
		if c == nil {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "{busy=%v, forbidden=%v}", c.Busy.Load(), c.Forbidden.Load())
	}
	b.WriteString("]}")
	return b.String()
}

// Read acquires shared access, implementing the acquire-shared protocol
// of the busy-forbidden handshake.
//
// Mutual exclusion between this reader and any writer reduces to: it is
// impossible that both (this Busy write has happened) and (a writer has
// finished waiting on this control word's Busy) hold at once. Under
// sequentially consistent atomics, either the Busy store below precedes
// the writer's Forbidden store — in which case the writer's spin
// observes Busy and waits — or the writer's Forbidden store precedes this
// goroutine's Forbidden load — in which case this call retreats. No
// interleaving permits both critical sections to be live simultaneously.
func (h *Handle[T]) Read() (*ReadGuard[T], error) {
	assertx.Check(!h.control.Busy.Load(), "cannot acquire read() access twice")

	h.control.Busy.Store(true)
	for h.control.Forbidden.Load() {
		h.control.Busy.Store(false)

		// Rendezvous with the writer: the mutex is acquired and
		// released purely for synchronization, not for the data it
		// guards.
		h.shared.mu.Lock()
		h.shared.mu.Unlock() //nolint:staticcheck // intentional lock/unlock barrier

		if h.shared.metrics != nil {
			h.shared.metrics.OnRetreat()
		}
		h.control.Busy.Store(true)
	}

	if h.shared.metrics != nil {
		h.shared.metrics.OnRead()
	}
	return &ReadGuard[T]{handle: h}, nil
}

// Write acquires exclusive access, implementing the acquire-exclusive
// protocol of the busy-forbidden handshake: take the administrative
// mutex, forbid every live control word (including this one, which is
// harmless since the busy-spin below skips the acquirer), then spin until
// every other live control word's Busy flag is observed false.
func (h *Handle[T]) Write() (*WriteGuard[T], error) {
	shared := h.shared
	shared.mu.Lock()

	assertx.Check(!h.control.Busy.Load(), "can only exclusive lock outside of a shared lock, no upgrading")
	assertx.Check(!h.control.Forbidden.Load(), "cannot acquire exclusive lock inside of exclusive section")

	for _, c := range shared.roster {
		if c == nil {
			continue
		}
		assertx.Check(!c.Forbidden.Load(), "other instance is already forbidden, this cannot happen")
		c.Forbidden.Store(true)
	}

	for i, c := range shared.roster {
		if i == h.index || c == nil {
			continue
		}
		for c.Busy.Load() {
			runtime.Gosched()
		}
	}

	if shared.metrics != nil {
		shared.metrics.OnWrite()
	}
	return &WriteGuard[T]{handle: h}, nil
}

// ReadGuard is a short-lived borrow of a Handle's shared access. Its
// zero value is not usable; obtain one from Handle.Read.
type ReadGuard[T any] struct {
	handle *Handle[T]
}

// Get returns the guarded payload. The pointer is only safe to mutate
// through when T's own fields are independently synchronized (as
// bfvec's internal state is) — see the doc comment on bfvec's state
// type. Ordinary payload types should treat the
// result as read-only.
func (g *ReadGuard[T]) Get() *T {
	return g.handle.shared.payload
}

// Close releases shared access, clearing this Handle's Busy flag.
func (g *ReadGuard[T]) Close() {
	assertx.Check(g.handle.control.Busy.Load(), "cannot unlock shared lock that was not acquired")
	g.handle.control.Busy.Store(false)
}

// WriteGuard is a short-lived borrow of a Handle's exclusive access,
// keeping the administrative mutex held for its lifetime. Its zero value
// is not usable; obtain one from Handle.Write.
type WriteGuard[T any] struct {
	handle *Handle[T]
}

// Get returns the guarded payload for reading or mutation.
func (g *WriteGuard[T]) Get() *T {
	return g.handle.shared.payload
}

// Close releases exclusive access: it clears Forbidden on every live
// control word in the roster before releasing the administrative mutex.
// The order matters — clearing Forbidden first ensures any reader
// rendezvousing on the mutex in Handle.Read sees Forbidden clear the
// moment it can reacquire the mutex.
func (g *WriteGuard[T]) Close() {
	shared := g.handle.shared
	for _, c := range shared.roster {
		if c == nil {
			continue
		}
		c.Forbidden.Store(false)
	}
	shared.mu.Unlock()
}

// PoisonError wraps a recovered administrative-mutex failure. Go's
// sync.Mutex has no poisoning concept (unlike the Rust original this
// package is modeled on), so no code path in this package currently
// constructs one; it exists so Clone, Read, and Write keep the error
// return spec.md §6/§7 specify, and so callers that port from a poisoning
// mutex implementation have somewhere to assert against. See DESIGN.md.
type PoisonError struct {
	cause error
}

func (e *PoisonError) Error() string {
	return errors.Wrap(e.cause, "bfsync: administrative mutex poisoned").Error()
}

func (e *PoisonError) Unwrap() error {
	return e.cause
}
