package engine

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate admits at most size units at a time. Waiters are admitted in the order
// they called Acquire.
type Gate struct {
	sem     *semaphore.Weighted
	size    int
	active  atomic.Int64
	peak    atomic.Int64
	observe func(active int64)
}

// NewGate returns a gate with size slots; size < 1 is treated as 1. observe,
// if non-nil, is called with the active count after every change.
func NewGate(size int, observe func(active int64)) *Gate {
	if size < 1 {
		size = 1
	}
	return &Gate{
		sem:     semaphore.NewWeighted(int64(size)),
		size:    size,
		observe: observe,
	}
}

// Acquire blocks until a slot is free or ctx is done. A done ctx always
// fails, even when a slot is free.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	n := g.active.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if g.observe != nil {
		g.observe(n)
	}
	return nil
}

// Release frees a slot taken by Acquire.
func (g *Gate) Release() {
	n := g.active.Add(-1)
	if g.observe != nil {
		g.observe(n)
	}
	g.sem.Release(1)
}

// Size is the number of slots.
func (g *Gate) Size() int { return g.size }

// Active is the number of admitted units.
func (g *Gate) Active() int64 { return g.active.Load() }

// Peak is the highest Active value seen so far.
func (g *Gate) Peak() int64 { return g.peak.Load() }
