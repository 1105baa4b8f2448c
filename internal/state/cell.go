// Package state provides an observable current-value cell.
//
// A Cell holds the latest value of some piece of shared state (config
// readiness, subscription status) and lets callers block until the value
// satisfies a predicate, bounded by their context.
package state

import (
	"context"
	"sync"
)

// Cell is a concurrency-safe holder of the current value of T.
// The zero value is not usable; create cells with NewCell.
type Cell[T any] struct {
	mu      sync.RWMutex
	value   T
	changed chan struct{}
}

// NewCell creates a cell holding the initial value.
func NewCell[T any](initial T) *Cell[T] {
	return &Cell[T]{
		value:   initial,
		changed: make(chan struct{}),
	}
}

// Get returns the current value.
func (c *Cell[T]) Get() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Set replaces the value and wakes every waiter.
func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	c.value = v
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}

// Update applies fn to the current value under the write lock.
func (c *Cell[T]) Update(fn func(T) T) T {
	c.mu.Lock()
	c.value = fn(c.value)
	v := c.value
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
	return v
}

// Wait blocks until pred returns true for the current value or ctx is done.
// On context expiry it returns the last observed value together with ctx.Err().
func (c *Cell[T]) Wait(ctx context.Context, pred func(T) bool) (T, error) {
	for {
		c.mu.RLock()
		v, changed := c.value, c.changed
		c.mu.RUnlock()

		if pred(v) {
			return v, nil
		}

		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-changed:
		}
	}
}
