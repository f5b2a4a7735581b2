package timeline

import (
	"context"
	"sync"
)

// gate is a binary latch. Set lets waiters through immediately; clear blocks
// them until the next set. Layer runners wait on their layer's gate before
// each step, which is how a foreground plan pauses the ambient layer.
type gate struct {
	mu sync.Mutex
	ch chan struct{} // closed while the gate is set
}

// newGate returns a set gate.
func newGate() *gate {
	g := &gate{ch: make(chan struct{})}
	close(g.ch)
	return g
}

// set opens the gate, waking all waiters.
func (g *gate) set() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		// Already set.
	default:
		close(g.ch)
	}
}

// clear closes the gate. Waiters block until the next set.
func (g *gate) clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
		// Already cleared.
	}
}

// wait blocks until the gate is set, returning false when ctx ended first.
func (g *gate) wait(ctx context.Context) bool {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}
