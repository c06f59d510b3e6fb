// Package work implements the work manager (C11): registering detector and
// crawler "works" and dispatching them under one of three execution
// disciplines. Grounded in the original scanner's Work package
// (NormalWork/ThreadedWork/RQWork/WorkManager) and the teacher's semaphore
// utility for throttling.
package work

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ccpaging/log4go"

	"github.com/arborcrawl/statescan"
	"github.com/arborcrawl/statescan/semaphore"
)

// Work is the closed contract every registered unit implements — the Go
// replacement for the original's dynamic module/class loading (§9).
type Work interface {
	Run(ctx context.Context) error
}

// Manager dispatches a fixed set of named works under one of the three
// execution disciplines (§4.11).
type Manager struct {
	works     []namedWork
	execution statescan.ExecutionType
	throttle  time.Duration
	redisAddr string
}

type namedWork struct {
	name string
	work Work
}

// NewManager builds a Manager for the given discipline. redisAddr is only
// consulted by the parallel-queue discipline.
func NewManager(execution statescan.ExecutionType, throttle time.Duration, redisAddr string) *Manager {
	return &Manager{execution: execution, throttle: throttle, redisAddr: redisAddr}
}

// Register adds a work to the manager under name, used for logging and as
// the asynq task type in the queue discipline.
func (m *Manager) Register(name string, w Work) {
	m.works = append(m.works, namedWork{name: name, work: w})
}

// Run dispatches every registered work under the manager's configured
// discipline until the run converges or ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	switch m.execution {
	case statescan.ExecutionParallelThread:
		return m.runParallelThreaded(ctx)
	case statescan.ExecutionParallelQueue:
		return m.runParallelQueue(ctx)
	default:
		return m.runSequential(ctx)
	}
}

// runSequential is the normative discipline (§4.11): round-robin call Run()
// on each work; stop as soon as any returns ErrCrawlingConverged.
func (m *Manager) runSequential(ctx context.Context) error {
	log4go.Info("work manager: starting sequential discipline with %d works", len(m.works))
	for {
		for _, nw := range m.works {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := nw.work.Run(ctx); err != nil {
				if errors.Is(err, statescan.ErrCrawlingConverged) {
					log4go.Info("work manager: %v reported convergence, stopping", nw.name)
					return nil
				}
				return err
			}
		}
	}
}

// runParallelThreaded runs one goroutine per work, each looping
// Run(); sleep(throttle), best-effort and non-normative (§4.11).
func (m *Manager) runParallelThreaded(ctx context.Context) error {
	log4go.Info("work manager: starting parallel-threaded discipline with %d works", len(m.works))
	g, ctx := errgroup.WithContext(ctx)
	converged := make(chan struct{})
	var once closeOnce

	for _, nw := range m.works {
		nw := nw
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-converged:
					return nil
				default:
				}
				if err := nw.work.Run(ctx); err != nil {
					if errors.Is(err, statescan.ErrCrawlingConverged) {
						log4go.Info("work manager: %v reported convergence, stopping all works", nw.name)
						once.Do(func() { close(converged) })
						return nil
					}
					return err
				}
				semaphore.ThrottleSleep(ctx, m.throttle)
			}
		})
	}
	return g.Wait()
}

type closeOnce struct {
	done bool
}

func (o *closeOnce) Do(f func()) {
	if o.done {
		return
	}
	o.done = true
	f()
}
