// Package control provides the pause/stop token a job worker consults at its
// defined suspension points: before acquiring an admission gate and at every
// chunk boundary during a streaming copy. Stop and cancellation are strictly
// cooperative; a worker is never terminated from outside.
package control

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned by Checkpoint once Stop has been requested.
var ErrStopped = errors.New("stop requested")

// Token carries the pause and stop signals for a single job worker.
// All methods are safe for concurrent use.
type Token struct {
	mu sync.Mutex
	// resumeCh is non-nil while paused; closing it wakes all checkpoints.
	resumeCh chan struct{}
	// stopCh is closed exactly once when Stop is called.
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewToken returns a running (not paused, not stopped) token.
func NewToken() *Token {
	return &Token{stopCh: make(chan struct{})}
}

// Pause suspends the worker at its next checkpoint. Calling Pause on an
// already paused token is a no-op.
func (t *Token) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resumeCh == nil {
		t.resumeCh = make(chan struct{})
	}
}

// Resume releases a paused worker. Calling Resume on a running token is a no-op.
func (t *Token) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resumeCh != nil {
		close(t.resumeCh)
		t.resumeCh = nil
	}
}

// Stop requests a cooperative stop. It wakes paused checkpoints; the worker
// observes ErrStopped and winds down at a file boundary.
func (t *Token) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// Stopped reports whether Stop has been requested.
func (t *Token) Stopped() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

// Paused reports whether the token is currently paused.
func (t *Token) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resumeCh != nil
}

// Done exposes the stop channel for select loops.
func (t *Token) Done() <-chan struct{} {
	return t.stopCh
}

// Checkpoint is the worker's suspension point. It returns nil when the worker
// may proceed, blocks while the token is paused, and returns ErrStopped or
// the context error as soon as either fires. Stop takes precedence over an
// active pause.
func (t *Token) Checkpoint(ctx context.Context) error {
	for {
		select {
		case <-t.stopCh:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		t.mu.Lock()
		ch := t.resumeCh
		t.mu.Unlock()

		if ch == nil {
			return nil
		}

		select {
		case <-ch:
			// Resumed; loop to re-check stop and pause state.
		case <-t.stopCh:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
