// Package semaphore provides a counter whose Wait blocks until the count
// drops to zero, without tripping up the race detector the way sync.WaitGroup
// can when Add and Wait race across goroutines, plus ThrottleSleep, which the
// work manager's parallel-threaded discipline calls between iterations.
package semaphore

import (
	"context"
	"sync"
	"time"
)

type Semaphore struct {
	cond  *sync.Cond
	lock  sync.Mutex
	count int
}

func New() *Semaphore {
	s := &Semaphore{}
	s.cond = sync.NewCond(&s.lock)
	return s
}

func (sm *Semaphore) Reset() {
	sm.lock.Lock()
	sm.count = 0
	sm.lock.Unlock()
	sm.cond.Broadcast()
}

func (sm *Semaphore) Add(i int) {
	sm.lock.Lock()
	defer sm.lock.Unlock()

	sm.count += i
	if sm.count <= 0 {
		sm.cond.Broadcast()
	}
}

func (sm *Semaphore) Done() {
	sm.Add(-1)
}

func (sm *Semaphore) Wait() {
	sm.lock.Lock()
	defer sm.lock.Unlock()

	for sm.count > 0 {
		sm.cond.Wait()
	}
}

// ThrottleSleep blocks for d, or until ctx is cancelled, whichever comes
// first. The parallel-threaded work discipline calls this between
// Run()/sleep(throttle) iterations (§4.11) instead of a bare time.Sleep, so
// a cancelled run doesn't wait out a long throttle before noticing.
func ThrottleSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
