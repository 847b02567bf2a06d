// Command bfstress drives the concrete end-to-end scenarios of spec.md
// §8 against the bfsync lock, logging progress with zerolog and exposing
// Prometheus counters for the read/write/retreat/clone events bfsync.Metrics
// reports. It is the runnable rendering of the out-of-scope "benchmark
// harness" named in spec.md §1 — report generation from its output stays
// out of scope.
package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/dijkstracula/bfsync"
	"github.com/dijkstracula/bfsync/bfbench"
	"github.com/dijkstracula/bfsync/bfvec"
)

// promMetrics implements bfsync.Metrics with Prometheus counters. Kept in
// cmd/bfstress rather than the bfsync package so the lock library itself
// never needs to import github.com/prometheus/client_golang.
type promMetrics struct {
	reads    prometheus.Counter
	writes   prometheus.Counter
	retreats prometheus.Counter
	clones   prometheus.Counter
}

func newPromMetrics(reg prometheus.Registerer, name string) *promMetrics {
	m := &promMetrics{
		reads:    prometheus.NewCounter(prometheus.CounterOpts{Name: name + "_reads_total"}),
		writes:   prometheus.NewCounter(prometheus.CounterOpts{Name: name + "_writes_total"}),
		retreats: prometheus.NewCounter(prometheus.CounterOpts{Name: name + "_retreats_total"}),
		clones:   prometheus.NewCounter(prometheus.CounterOpts{Name: name + "_clones_total"}),
	}
	reg.MustRegister(m.reads, m.writes, m.retreats, m.clones)
	return m
}

func (m *promMetrics) OnRead()    { m.reads.Inc() }
func (m *promMetrics) OnWrite()   { m.writes.Inc() }
func (m *promMetrics) OnRetreat() { m.retreats.Inc() }
func (m *promMetrics) OnClone()   { m.clones.Inc() }

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	app := &cli.App{
		Name:  "bfstress",
		Usage: "drive busy-forbidden lock scenarios end to end",
		Commands: []*cli.Command{
			counterCommand(&logger),
			mixedCommand(&logger),
			arrayCommand(&logger),
			cloneDuringWriteCommand(&logger),
			retreatCommand(&logger),
			benchCommand(&logger),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Fatal().Err(err).Msg("bfstress failed")
	}
}

// counterCommand is spec scenario 1.
func counterCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "counter",
		Usage: "exclusive-only counter stress (spec scenario 1)",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "goroutines", Value: 20},
			&cli.IntFlag{Name: "writes", Value: 500},
			&cli.IntFlag{Name: "delta", Value: 5},
		},
		Action: func(c *cli.Context) error {
			goroutines := c.Int("goroutines")
			writes := c.Int("writes")
			delta := c.Int("delta")
			const initial = 5

			reg := prometheus.NewRegistry()
			metrics := newPromMetrics(reg, "bfstress_counter")
			h := bfsync.CreateWithMetrics(initial, metrics)

			logger.Info().Int("goroutines", goroutines).Int("writes", writes).Msg("starting counter scenario")

			var wg sync.WaitGroup
			wg.Add(goroutines)
			for i := 0; i < goroutines; i++ {
				clone, err := h.Clone()
				if err != nil {
					return err
				}
				go func() {
					defer wg.Done()
					defer clone.Close()
					for j := 0; j < writes; j++ {
						g, err := clone.Write()
						if err != nil {
							logger.Error().Err(err).Msg("write failed")
							return
						}
						*g.Get() += delta
						g.Close()
					}
				}()
			}
			wg.Wait()

			rg, err := h.Read()
			if err != nil {
				return err
			}
			defer rg.Close()

			expected := initial + goroutines*writes*delta
			logger.Info().Int("final", *rg.Get()).Int("expected", expected).Msg("counter scenario complete")
			if *rg.Get() != expected {
				return fmt.Errorf("counter mismatch: got %d, expected %d", *rg.Get(), expected)
			}
			return nil
		},
	}
}

// mixedCommand is spec scenario 2.
func mixedCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "mixed",
		Usage: "mixed read/write stress over a shared sequence (spec scenario 2)",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "goroutines", Value: 19},
			&cli.IntFlag{Name: "ops", Value: 5000},
			&cli.Float64Flag{Name: "read-probability", Value: 0.95},
		},
		Action: func(c *cli.Context) error {
			goroutines := c.Int("goroutines")
			ops := c.Int("ops")
			readProb := c.Float64("read-probability")

			reg := prometheus.NewRegistry()
			metrics := newPromMetrics(reg, "bfstress_mixed")

			v := bfvec.NewWithMetrics[int](metrics)
			logger.Info().Int("goroutines", goroutines).Int("ops", ops).Msg("starting mixed scenario")

			var wg sync.WaitGroup
			wg.Add(goroutines)
			for i := 0; i < goroutines; i++ {
				shared := v.Share()
				seed := time.Now().UnixNano() + int64(i)
				go func() {
					defer wg.Done()
					defer shared.Close()
					rng := rand.New(rand.NewSource(seed))
					for j := 0; j < ops; j++ {
						if rng.Float64() < readProb {
							if n := shared.Len(); n > 0 {
								val, _ := shared.At(rng.Intn(n))
								if val != 5 {
									logger.Error().Int("value", val).Msg("observed unexpected value")
								}
							}
						} else {
							shared.Push(5)
						}
					}
				}()
			}
			wg.Wait()

			logger.Info().Int("final_length", v.Len()).Msg("mixed scenario complete")
			return nil
		},
	}
}

// arrayCommand is spec scenario 3.
func arrayCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "array",
		Usage: "concurrent append-only array stress (spec scenario 3)",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "goroutines", Value: 10},
			&cli.IntFlag{Name: "pushes", Value: 100000},
		},
		Action: func(c *cli.Context) error {
			goroutines := c.Int("goroutines")
			pushes := c.Int("pushes")

			v := bfvec.New[int]()
			logger.Info().Int("goroutines", goroutines).Int("pushes", pushes).Msg("starting array scenario")

			var wg sync.WaitGroup
			wg.Add(goroutines)
			for i := 0; i < goroutines; i++ {
				shared := v.Share()
				go func() {
					defer wg.Done()
					defer shared.Close()
					for j := 0; j < pushes; j++ {
						shared.Push(1)
					}
				}()
			}
			wg.Wait()

			expected := goroutines * pushes
			logger.Info().Int("len", v.Len()).Int("expected", expected).Msg("array scenario complete")
			if v.Len() != expected {
				return fmt.Errorf("length mismatch: got %d, expected %d", v.Len(), expected)
			}
			return nil
		},
	}
}

// cloneDuringWriteCommand is spec scenario 4.
func cloneDuringWriteCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "clone-during-write",
		Usage: "clone a handle while a writer sleeps inside its guard (spec scenario 4)",
		Action: func(c *cli.Context) error {
			h := bfsync.Create(0)

			wg, err := h.Write()
			if err != nil {
				return err
			}
			logger.Info().Msg("writer acquired, sleeping 100ms")

			done := make(chan error, 1)
			go func() {
				start := time.Now()
				clone, err := h.Clone()
				if err != nil {
					done <- err
					return
				}
				logger.Info().Dur("blocked_for", time.Since(start)).Msg("clone returned")
				done <- clone.Close()
			}()

			time.Sleep(100 * time.Millisecond)
			wg.Close()
			logger.Info().Msg("writer released")

			return <-done
		},
	}
}

// benchCommand runs the out-of-scope comparison harness over its default
// workload table and prints one JSON-encoded bfbench.Result per line, per
// workload per implementation.
func benchCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "compare bfsync against sync.RWMutex and a serial baseline",
		Action: func(c *cli.Context) error {
			enc := json.NewEncoder(os.Stdout)
			for _, w := range bfbench.DefaultWorkloads {
				logger.Info().Str("workload", w.Name).Msg("running workload")
				for _, result := range []bfbench.Result{bfbench.RunSerial(w), bfbench.RunRWMutex(w), bfbench.RunBfSync(w)} {
					if err := enc.Encode(result); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

// retreatCommand is spec scenario 5.
func retreatCommand(logger *zerolog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "retreat",
		Usage: "reader retreats while a writer is live, then observes its mutation (spec scenario 5)",
		Action: func(c *cli.Context) error {
			h := bfsync.Create(0)
			reader, err := h.Clone()
			if err != nil {
				return err
			}
			defer reader.Close()

			wg, err := h.Write()
			if err != nil {
				return err
			}
			*wg.Get() = 42
			logger.Info().Msg("writer acquired and mutated payload")

			result := make(chan int, 1)
			go func() {
				rg, err := reader.Read()
				if err != nil {
					logger.Error().Err(err).Msg("read failed")
					return
				}
				defer rg.Close()
				result <- *rg.Get()
			}()

			time.Sleep(100 * time.Millisecond)
			wg.Close()
			logger.Info().Msg("writer released")

			observed := <-result
			logger.Info().Int("observed", observed).Msg("retreat scenario complete")
			if observed != 42 {
				return fmt.Errorf("reader observed %d, expected 42", observed)
			}
			return nil
		},
	}
}
