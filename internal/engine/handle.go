package engine

import (
	"context"
	"sync"
)

// Handle is a cancellable, awaitable reference to one piece of work handed
// to a pool: a task execution or an advance continuation.
type Handle struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	once sync.Once
	err  error
}

func newHandle(parent context.Context) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// rejectedHandle returns a handle that is already finished with err.
func rejectedHandle(err error) *Handle {
	h := newHandle(context.Background())
	h.finish(err)
	return h
}

// finish records the outcome and releases waiters. Only the first call counts.
func (h *Handle) finish(err error) {
	h.once.Do(func() {
		h.err = err
		h.cancel()
		close(h.done)
	})
}

// Cancel asks the work to stop. It does not wait for it.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed once the work has finished, failed, or been cancelled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Finished reports whether Done is closed.
func (h *Handle) Finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the work finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the outcome once Done is closed, nil before that.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// join returns a channel closed after every handle is done.
func join(handles []*Handle) <-chan struct{} {
	all := make(chan struct{})
	go func() {
		for _, h := range handles {
			<-h.Done()
		}
		close(all)
	}()
	return all
}
