// Package pool recycles the CPU-side byte buffers of sessions.
package pool

import (
	"sync"

	"go.uber.org/atomic"
)

// Pool is a typed sync.Pool. Items rejected by the retain function are
// left to the garbage collector.
type Pool[T any] struct {
	pool      sync.Pool
	resetFunc func(*T)
	retain    func(*T) bool
	allocated atomic.Uint64
}

func NewPool[T any](
	allocFunc func() *T,
	resetFunc func(*T),
	retainFunc func(*T) bool,
) *Pool[T] {
	p := &Pool[T]{
		resetFunc: resetFunc,
		retain:    retainFunc,
	}
	p.pool.New = func() any {
		p.allocated.Inc()
		return allocFunc()
	}
	return p
}

func (p *Pool[T]) Get() *T {
	return p.pool.Get().(*T)
}

func (p *Pool[T]) Put(items ...*T) {
	for _, item := range items {
		if item == nil {
			continue
		}
		if p.retain != nil && !p.retain(item) {
			continue
		}
		if p.resetFunc != nil {
			p.resetFunc(item)
		}
		p.pool.Put(item)
	}
}

// Allocated is the amount of items ever created by the pool.
func (p *Pool[T]) Allocated() uint64 {
	return p.allocated.Load()
}
