package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/sprintctl/supervisor/internal/model"
)

type slotOwner struct {
	runID string
	role  model.Role
}

// gateWaiter is one blocked ReserveSlot call. ready is closed when the slot
// is handed to this waiter.
type gateWaiter struct {
	runID string
	role  model.Role
	ready chan struct{}
}

// Gate serializes EXECUTOR/REVIEWER runs per issue: at most one run_id may
// hold an issue's slot at a time, so reviewer and executor runs serialize.
// Blocked callers join a per-issue FIFO queue and are granted the slot in
// arrival order on release.
type Gate struct {
	mu      sync.Mutex
	holders map[int]slotOwner
	waiters map[int][]*gateWaiter
}

// NewGate constructs an empty Gate.
func NewGate() *Gate {
	return &Gate{holders: map[int]slotOwner{}, waiters: map[int][]*gateWaiter{}}
}

// ReserveSlot blocks until issue's slot is free or already owned by run_id.
// Waiters acquire in FIFO order. diagnostic, if non-nil, is called roughly
// every 5s while blocked.
func (g *Gate) ReserveSlot(ctx context.Context, issue int, runID string, role model.Role, diagnostic func(elapsed time.Duration)) error {
	g.mu.Lock()
	owner, occupied := g.holders[issue]
	if !occupied || owner.runID == runID {
		g.holders[issue] = slotOwner{runID: runID, role: role}
		g.mu.Unlock()
		return nil
	}
	w := &gateWaiter{runID: runID, role: role, ready: make(chan struct{})}
	g.waiters[issue] = append(g.waiters[issue], w)
	g.mu.Unlock()

	start := time.Now()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-w.ready:
			return nil
		case <-ctx.Done():
			g.abandon(issue, w)
			return ctx.Err()
		case <-ticker.C:
			if diagnostic != nil {
				diagnostic(time.Since(start))
			}
		}
	}
}

// ReleaseSlot frees issue's slot if it is currently held by run_id, handing
// it to the oldest waiter if any.
func (g *Gate) ReleaseSlot(issue int, runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if owner, ok := g.holders[issue]; !ok || owner.runID != runID {
		return
	}
	g.promoteLocked(issue)
}

// promoteLocked hands issue's slot to the head of its waiter queue, or clears
// the slot when the queue is empty. Caller holds g.mu.
func (g *Gate) promoteLocked(issue int) {
	q := g.waiters[issue]
	if len(q) == 0 {
		delete(g.holders, issue)
		delete(g.waiters, issue)
		return
	}
	next := q[0]
	if len(q) == 1 {
		delete(g.waiters, issue)
	} else {
		g.waiters[issue] = q[1:]
	}
	g.holders[issue] = slotOwner{runID: next.runID, role: next.role}
	close(next.ready)
}

// abandon removes a cancelled waiter from issue's queue. If the slot was
// granted concurrently with the cancellation, it is handed straight on so
// the queue never stalls behind a departed waiter.
func (g *Gate) abandon(issue int, w *gateWaiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	q := g.waiters[issue]
	for i, cand := range q {
		if cand == w {
			g.waiters[issue] = append(q[:i:i], q[i+1:]...)
			if len(g.waiters[issue]) == 0 {
				delete(g.waiters, issue)
			}
			return
		}
	}
	if owner, ok := g.holders[issue]; ok && owner.runID == w.runID {
		g.promoteLocked(issue)
	}
}
