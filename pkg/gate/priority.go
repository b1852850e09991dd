// Package gate holds the two cross-job admission gates every file transfer
// must pass: the priority gate (priority-extension files preempt everything
// else, system-wide) and the large-file throttle (at most one oversized
// transfer in flight).
package gate

import (
	"context"
	"sync"
)

// PriorityGate tracks the number of not-yet-transferred priority files across
// all active jobs. While that count is above zero, Acquire blocks callers
// transferring non-priority files; priority callers never block here.
//
// Ordering among ready priority files is FIFO within a job (enumeration
// order) with no imposed ordering across jobs; the gate only enforces the
// class invariant.
type PriorityGate struct {
	mu      sync.Mutex
	pending map[string]int // per-job contribution, keyed by job name
	total   int
	// clearCh is closed while total == 0 ("gate open") and replaced with a
	// fresh open channel when priority work appears.
	clearCh chan struct{}
}

// NewPriorityGate returns an open gate with no pending priority files.
func NewPriorityGate() *PriorityGate {
	ch := make(chan struct{})
	close(ch)
	return &PriorityGate{
		pending: make(map[string]int),
		clearCh: ch,
	}
}

// AddPending registers n priority files discovered by a job's enumeration.
// A job may call this multiple times; contributions accumulate.
func (g *PriorityGate) AddPending(job string, n int) {
	if n <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.total == 0 {
		// Gate closes: swap in an unclosed channel for waiters.
		g.clearCh = make(chan struct{})
	}
	g.pending[job] += n
	g.total += n
}

// Done records the completion of one of the job's priority files.
func (g *PriorityGate) Done(job string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending[job] == 0 {
		return // Already retracted; nothing to decrement.
	}
	g.pending[job]--
	if g.pending[job] == 0 {
		delete(g.pending, job)
	}
	g.decrTotalLocked(1)
}

// Retract drops the job's entire remaining contribution. Must be called when
// a job stops or errors mid-run, otherwise its undelivered priority files
// would starve every other job forever.
func (g *PriorityGate) Retract(job string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.pending[job]
	if n == 0 {
		return
	}
	delete(g.pending, job)
	g.decrTotalLocked(n)
}

// decrTotalLocked lowers the total and reopens the gate at zero.
// Callers must hold g.mu.
func (g *PriorityGate) decrTotalLocked(n int) {
	g.total -= n
	if g.total < 0 {
		g.total = 0 // Guard against double accounting.
	}
	if g.total == 0 {
		close(g.clearCh)
	}
}

// Pending returns the current system-wide pending priority count.
func (g *PriorityGate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

// Acquire blocks a non-priority transfer while any priority file is pending
// anywhere. Priority transfers pass immediately. The wait is abandoned when
// ctx is canceled.
func (g *PriorityGate) Acquire(ctx context.Context, isPriority bool) error {
	if isPriority {
		return nil
	}
	for {
		g.mu.Lock()
		if g.total == 0 {
			g.mu.Unlock()
			return nil
		}
		ch := g.clearCh
		g.mu.Unlock()

		select {
		case <-ch:
			// Count hit zero; loop to confirm it hasn't risen again.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
