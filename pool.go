package jobflow

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// pool runs tasks on at most size goroutines and rejects instead of queuing
// when they are all busy.
type pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func newPool(size int) *pool {
	return &pool{sem: semaphore.NewWeighted(int64(size))}
}

func (p *pool) submit(ctx context.Context, task func(ctx context.Context)) error {
	if !p.sem.TryAcquire(1) {
		return ErrPoolSaturated
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		task(ctx)
	}()
	return nil
}

// wait blocks until every running task returned.
func (p *pool) wait() {
	p.wg.Wait()
}
