package models

import (
	"context"
	"sync"
)

// maxPreemptions bounds how many immediate bursts may pass ahead of a single
// batch request before it is admitted anyway, so batch traffic never starves.
const maxPreemptions = 8

// priorityGate routes immediate inference requests ahead of batch requests.
// Immediate callers enter without waiting; batch callers wait while any
// immediate request is in flight, up to maxPreemptions passes.
type priorityGate struct {
	mu        sync.Mutex
	immediate int
	idleCh    chan struct{} // closed when the last immediate request exits
}

func newPriorityGate() *priorityGate {
	return &priorityGate{}
}

func (g *priorityGate) enter(ctx context.Context, immediate bool) error {
	if immediate {
		g.mu.Lock()
		g.immediate++
		if g.idleCh == nil {
			g.idleCh = make(chan struct{})
		}
		g.mu.Unlock()
		return nil
	}

	preempted := 0
	for {
		g.mu.Lock()
		if g.immediate == 0 || preempted >= maxPreemptions {
			g.mu.Unlock()
			return nil
		}
		ch := g.idleCh
		g.mu.Unlock()

		select {
		case <-ch:
			preempted++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *priorityGate) exit(immediate bool) {
	if !immediate {
		return
	}
	g.mu.Lock()
	g.immediate--
	if g.immediate == 0 && g.idleCh != nil {
		close(g.idleCh)
		g.idleCh = nil
	}
	g.mu.Unlock()
}
