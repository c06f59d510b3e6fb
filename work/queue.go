package work

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hibiken/asynq"

	"github.com/ccpaging/log4go"

	"github.com/arborcrawl/statescan"
)

// runParallelQueue implements the parallel-queue discipline (§4.11) over
// redis-backed asynq: each work is periodically enqueued as its own task
// type, and a single in-process server drains them. Convergence is modeled
// as an atomic flag checked before every re-enqueue, since asynq has no
// built-in "stop the whole queue" signal.
func (m *Manager) runParallelQueue(ctx context.Context) error {
	redisOpt := asynq.RedisClientOpt{Addr: m.redisAddr}

	client := asynq.NewClient(redisOpt)
	defer client.Close()

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: len(m.works),
		Queues:      map[string]int{"statescan": 1},
	})

	var converged atomic.Bool
	mux := asynq.NewServeMux()

	for _, nw := range m.works {
		nw := nw
		taskType := "statescan:" + nw.name
		mux.HandleFunc(taskType, func(ctx context.Context, _ *asynq.Task) error {
			if converged.Load() {
				return nil
			}
			if err := nw.work.Run(ctx); err != nil {
				if errors.Is(err, statescan.ErrCrawlingConverged) {
					log4go.Info("work manager: %v reported convergence, draining queue", nw.name)
					converged.Store(true)
					return nil
				}
				return err
			}
			if _, err := client.EnqueueContext(ctx, asynq.NewTask(taskType, nil), asynq.Queue("statescan"), asynq.ProcessIn(m.throttle)); err != nil {
				return fmt.Errorf("work manager: re-enqueueing %v: %w", nw.name, err)
			}
			return nil
		})
		if _, err := client.EnqueueContext(ctx, asynq.NewTask(taskType, nil), asynq.Queue("statescan")); err != nil {
			return fmt.Errorf("work manager: seeding %v: %w", nw.name, err)
		}
	}

	serverErr := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		serverErr <- srv.Run(mux)
	}()

	select {
	case <-ctx.Done():
		srv.Shutdown()
		wg.Wait()
		return ctx.Err()
	case err := <-serverErr:
		return err
	}
}
