// Package pool provides bounded, reusable access to broker connections and
// channels. Acquisition blocks while the pool is exhausted and resumes when
// a resource is released; the pool never retries a failed factory call.
package pool

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Acquire after the pool has been closed.
var ErrClosed = errors.New("pool is closed")

// Factory creates a new pooled resource. It is called at most once per free
// pool slot; a factory error releases the slot and surfaces to the caller.
type Factory[T any] func(ctx context.Context) (T, error)

// Closer tears down a pooled resource when the pool is closed.
type Closer[T any] func(T)

// Pool is a bounded pool of reusable resources. Callers must pair every
// successful Acquire with exactly one Release on all exit paths.
type Pool[T any] struct {
	factory Factory[T]
	closer  Closer[T]
	sem     chan struct{}

	mu     sync.Mutex
	idle   []T
	closed bool
}

// New creates a pool holding at most size resources. closer may be nil for
// resources that need no teardown.
func New[T any](size int, factory Factory[T], closer Closer[T]) *Pool[T] {
	if size <= 0 {
		size = 1
	}
	return &Pool[T]{
		factory: factory,
		closer:  closer,
		sem:     make(chan struct{}, size),
	}
}

// Acquire returns a pooled resource, reusing an idle one when available.
// When all slots are checked out it blocks until a resource is released or
// ctx is cancelled.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case p.sem <- struct{}{}:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return zero, ErrClosed
	}
	if n := len(p.idle); n > 0 {
		r := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return r, nil
	}
	p.mu.Unlock()

	r, err := p.factory(ctx)
	if err != nil {
		<-p.sem
		return zero, err
	}
	return r, nil
}

// Release returns a resource to the pool. Releasing after Close tears the
// resource down instead of keeping it idle.
func (p *Pool[T]) Release(r T) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if p.closer != nil {
			p.closer(r)
		}
		<-p.sem
		return
	}
	p.idle = append(p.idle, r)
	p.mu.Unlock()
	<-p.sem
}

// InUse reports how many resources are currently checked out or idle.
func (p *Pool[T]) InUse() int {
	return len(p.sem)
}

// Close marks the pool closed and tears down all idle resources. Resources
// still checked out are torn down as they are released.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	if p.closer != nil {
		for _, r := range idle {
			p.closer(r)
		}
	}
}

// With acquires a resource, runs fn, and releases the resource on all exit
// paths, including when fn returns an error.
func (p *Pool[T]) With(ctx context.Context, fn func(T) error) error {
	r, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(r)
	return fn(r)
}
