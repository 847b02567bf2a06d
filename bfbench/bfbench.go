// Package bfbench is the out-of-scope (per spec.md §1) benchmark harness
// comparing bfsync against a plain sync.RWMutex and a fully-serial
// baseline. The core lock only needs to be *amenable* to this kind of
// harness; running it is not part of the core's contract, which is why
// this lives in its own package rather than inside bfsync.
//
// Grounded on the teacher's own workload table (ilock_test.go) and the
// shape of original_source/benchmarks/benches/mutex_benchmarks.rs
// (read_percentage, num_threads, num_iterations, one bench function per
// implementation under comparison).
package bfbench

import (
	"math/rand"
	"sync"
	"time"

	"github.com/dijkstracula/bfsync/bfvec"
)

// Workload describes one benchmark configuration.
type Workload struct {
	Name           string
	Goroutines     int
	Iterations     int
	ReadPercentage float64
}

// Result is one workload's measured wall-clock time per implementation,
// serialized to JSON by the caller (e.g. cmd/bfstress) for downstream
// report generation, which stays out of scope here.
type Result struct {
	Workload   string        `json:"workload"`
	Impl       string        `json:"impl"`
	Goroutines int           `json:"goroutines"`
	Iterations int           `json:"iterations"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

// RunBfSync runs w against a bfvec.Vec[int]-backed sequence.
func RunBfSync(w Workload) Result {
	start := time.Now()

	v := bfvec.New[int]()
	var wg sync.WaitGroup
	wg.Add(w.Goroutines)
	for i := 0; i < w.Goroutines; i++ {
		shared := v.Share()
		seed := time.Now().UnixNano() + int64(i)
		go func() {
			defer wg.Done()
			defer shared.Close()
			rng := rand.New(rand.NewSource(seed))
			for j := 0; j < w.Iterations; j++ {
				if rng.Float64() < w.ReadPercentage {
					if n := shared.Len(); n > 0 {
						shared.At(rng.Intn(n))
					}
				} else {
					shared.Push(5)
				}
			}
		}()
	}
	wg.Wait()

	return Result{Workload: w.Name, Impl: "bfsync", Goroutines: w.Goroutines, Iterations: w.Iterations, Elapsed: time.Since(start)}
}

// RunRWMutex runs w against a slice guarded by a plain sync.RWMutex, the
// baseline bfsync is designed to outperform on the read path.
func RunRWMutex(w Workload) Result {
	start := time.Now()

	var mu sync.RWMutex
	values := make([]int, 0, 8)

	var wg sync.WaitGroup
	wg.Add(w.Goroutines)
	for i := 0; i < w.Goroutines; i++ {
		seed := time.Now().UnixNano() + int64(i)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for j := 0; j < w.Iterations; j++ {
				if rng.Float64() < w.ReadPercentage {
					mu.RLock()
					if len(values) > 0 {
						_ = values[rng.Intn(len(values))]
					}
					mu.RUnlock()
				} else {
					mu.Lock()
					values = append(values, 5)
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	return Result{Workload: w.Name, Impl: "sync.RWMutex", Goroutines: w.Goroutines, Iterations: w.Iterations, Elapsed: time.Since(start)}
}

// RunSerial runs w's total operation count (Goroutines*Iterations) on a
// single goroutine, the no-synchronization baseline.
func RunSerial(w Workload) Result {
	start := time.Now()

	values := make([]int, 0, 8)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	total := w.Goroutines * w.Iterations
	for j := 0; j < total; j++ {
		if rng.Float64() < w.ReadPercentage {
			if len(values) > 0 {
				_ = values[rng.Intn(len(values))]
			}
		} else {
			values = append(values, 5)
		}
	}

	return Result{Workload: w.Name, Impl: "serial", Goroutines: w.Goroutines, Iterations: w.Iterations, Elapsed: time.Since(start)}
}

// DefaultWorkloads mirrors the teacher's concurrency/write-ratio table.
var DefaultWorkloads = []Workload{
	{"serial", 1, 100000, 0.90},
	{"low-concurrency", 2, 100000, 0.90},
	{"medium-concurrency", 10, 100000, 0.95},
	{"high-concurrency", 20, 100000, 0.99},
}
