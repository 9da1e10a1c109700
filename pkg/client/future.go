package client

import (
	"context"
	"sync"
)

// Future is the pending outcome of a submitted transaction. It completes
// exactly once, with the results aligned to the operations and an error for
// any failure.
type Future struct {
	done chan struct{}
	once sync.Once
	pool *workerPool
	// finish runs before waiters are released
	finish func([]OperationResult, error)

	mu        sync.Mutex
	results   []OperationResult
	err       error
	callbacks []func([]OperationResult, error)
}

func newFuture(pool *workerPool, finish func([]OperationResult, error)) *Future {
	return &Future{
		done:   make(chan struct{}),
		pool:   pool,
		finish: finish,
	}
}

func (f *Future) complete(results []OperationResult, err error) bool {
	completed := false
	f.once.Do(func() {
		if f.finish != nil {
			f.finish(results, err)
		}
		f.mu.Lock()
		f.results = results
		f.err = err
		callbacks := f.callbacks
		f.callbacks = nil
		close(f.done)
		f.mu.Unlock()

		for _, cb := range callbacks {
			f.run(cb)
		}
		completed = true
	})
	return completed
}

func (f *Future) run(cb func([]OperationResult, error)) {
	results, err := f.results, f.err
	f.pool.submitOrRun(func() {
		cb(results, err)
	})
}

// Done is closed once the outcome is known
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the outcome is known or ctx ends. Giving up on a Future
// does not cancel the request already sent.
func (f *Future) Wait(ctx context.Context) ([]OperationResult, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.results, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnComplete runs cb on the worker pool once the outcome is known
func (f *Future) OnComplete(cb func([]OperationResult, error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		f.run(cb)
		return
	default:
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}
