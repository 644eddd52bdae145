package scheduler

import (
	"context"
	"sync"
)

// Future is the handle returned by Submit. It resolves exactly once.
type Future struct {
	id   string
	s    *Scheduler
	done chan struct{}
	once sync.Once
	res  Result
}

func newFuture(id string, s *Scheduler) *Future {
	return &Future{id: id, s: s, done: make(chan struct{})}
}

func (f *Future) ID() string { return f.id }

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task resolves or ctx is done. Giving up on ctx does
// not cancel the task.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the result without blocking.
func (f *Future) Result() (Result, bool) {
	select {
	case <-f.done:
		return f.res, true
	default:
		return Result{}, false
	}
}

// Cancel is shorthand for Scheduler.Cancel(f.ID()).
func (f *Future) Cancel() bool { return f.s.Cancel(f.id) }

func (f *Future) resolve(r Result) {
	f.once.Do(func() {
		f.res = r
		close(f.done)
	})
}
