package gate

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// LargeFileThrottle caps concurrent large-file transfers at exactly one,
// system-wide, so a single oversized copy can't be joined by a second one and
// saturate the transport link. Normal-size transfers pass without contention.
type LargeFileThrottle struct {
	sem *semaphore.Weighted
}

// NewLargeFileThrottle returns a throttle with a single permit.
func NewLargeFileThrottle() *LargeFileThrottle {
	return &LargeFileThrottle{sem: semaphore.NewWeighted(1)}
}

// Acquire takes the single permit when isLarge is true, blocking until it is
// free or ctx is canceled. For non-large files it is a no-op. The returned
// release function is safe to call more than once and must be called after
// the file transfer (including any encryption step) finishes.
func (t *LargeFileThrottle) Acquire(ctx context.Context, isLarge bool) (func(), error) {
	if !isLarge {
		return func() {}, nil
	}
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return func() {}, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { t.sem.Release(1) })
	}, nil
}

// TryAcquire takes the permit without blocking. Used by tests to observe the
// throttle state.
func (t *LargeFileThrottle) TryAcquire(isLarge bool) (func(), bool) {
	if !isLarge {
		return func() {}, true
	}
	if !t.sem.TryAcquire(1) {
		return func() {}, false
	}
	var once sync.Once
	return func() {
		once.Do(func() { t.sem.Release(1) })
	}, true
}
