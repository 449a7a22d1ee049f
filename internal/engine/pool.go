package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrPoolClosed is the outcome of work submitted to a pool after Shutdown.
	ErrPoolClosed = errors.New("pool is shut down")
	// ErrShutdownTimeout is returned when in-flight work outlives the grace period.
	ErrShutdownTimeout = errors.New("pool did not terminate within grace period")
)

// DefaultParallelism is the parallel pool size: one less than the CPU count, at least 1.
func DefaultParallelism() int {
	return max(1, runtime.NumCPU()-1)
}

// invoke runs fn, turning a panic into an error so a worker never dies.
func invoke(ctx context.Context, fn Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

type job struct {
	h  *Handle
	fn Action
}

// SerialPool runs submitted work one item at a time, in submission order,
// on a single goroutine.
type SerialPool struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queue  []job
	closed bool

	wake   chan struct{}
	exited chan struct{}
}

// NewSerialPool starts a single-worker pool.
func NewSerialPool() *SerialPool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &SerialPool{
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
	go p.loop()
	return p
}

// Submit queues fn behind everything submitted earlier.
func (p *SerialPool) Submit(fn Action) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return rejectedHandle(ErrPoolClosed)
	}

	h := newHandle(p.ctx)
	p.queue = append(p.queue, job{h: h, fn: fn})

	select {
	case p.wake <- struct{}{}:
	default:
	}

	return h
}

func (p *SerialPool) next() (job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return job{}, false
	}
	j := p.queue[0]
	p.queue[0] = job{}
	p.queue = p.queue[1:]
	return j, true
}

func (p *SerialPool) loop() {
	defer close(p.exited)

	for {
		if p.ctx.Err() != nil {
			p.abandonQueued()
			return
		}

		j, ok := p.next()
		if !ok {
			select {
			case <-p.wake:
			case <-p.ctx.Done():
			}
			continue
		}

		if err := j.h.ctx.Err(); err != nil {
			j.h.finish(err)
			continue
		}
		j.h.finish(invoke(j.h.ctx, j.fn))
	}
}

// abandonQueued finishes every job that never started.
func (p *SerialPool) abandonQueued() {
	p.mu.Lock()
	queued := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, j := range queued {
		j.h.finish(context.Canceled)
	}
}

// Shutdown rejects new work, cancels queued and running work, and waits up
// to grace for the worker to exit.
func (p *SerialPool) Shutdown(grace time.Duration) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.exited:
		return nil
	case <-timer.C:
		return ErrShutdownTimeout
	}
}

// Closed reports whether Shutdown has been called.
func (p *SerialPool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// BoundedPool runs submitted work concurrently, at most size items at once.
// Every submission gets its own goroutine immediately; the semaphore gates
// entry into fn.
type BoundedPool struct {
	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted
	size   int

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewBoundedPool creates a pool that runs at most size items at once.
// A size below 1 is raised to 1.
func NewBoundedPool(size int) *BoundedPool {
	size = max(1, size)
	ctx, cancel := context.WithCancel(context.Background())
	return &BoundedPool{
		ctx:    ctx,
		cancel: cancel,
		sem:    semaphore.NewWeighted(int64(size)),
		size:   size,
	}
}

// Submit dispatches fn and returns without waiting for a free slot.
func (p *BoundedPool) Submit(fn Action) *Handle {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return rejectedHandle(ErrPoolClosed)
	}
	h := newHandle(p.ctx)
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()

		if err := p.sem.Acquire(h.ctx, 1); err != nil {
			h.finish(err)
			return
		}
		defer p.sem.Release(1)

		if err := h.ctx.Err(); err != nil {
			h.finish(err)
			return
		}
		h.finish(invoke(h.ctx, fn))
	}()

	return h
}

// Size returns the maximum number of concurrently running items.
func (p *BoundedPool) Size() int {
	return p.size
}

// Shutdown rejects new work, cancels everything in flight, and waits up to
// grace for it to return.
func (p *BoundedPool) Shutdown(grace time.Duration) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()

	exited := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(exited)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-exited:
		return nil
	case <-timer.C:
		return ErrShutdownTimeout
	}
}

// Closed reports whether Shutdown has been called.
func (p *BoundedPool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
