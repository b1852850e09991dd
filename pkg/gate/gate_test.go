package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPriorityGateOpenByDefault(t *testing.T) {
	g := NewPriorityGate()
	if err := g.Acquire(context.Background(), false); err != nil {
		t.Fatalf("open gate blocked a non-priority transfer: %v", err)
	}
}

func TestPriorityNeverBlocks(t *testing.T) {
	g := NewPriorityGate()
	g.AddPending("jobA", 5)
	if err := g.Acquire(context.Background(), true); err != nil {
		t.Fatalf("priority transfer blocked: %v", err)
	}
}

func TestNonPriorityBlocksWhilePending(t *testing.T) {
	g := NewPriorityGate()
	g.AddPending("jobA", 2)

	done := make(chan error, 1)
	go func() {
		done <- g.Acquire(context.Background(), false)
	}()

	select {
	case err := <-done:
		t.Fatalf("non-priority acquire returned %v with 2 priority files pending", err)
	case <-time.After(50 * time.Millisecond):
	}

	g.Done("jobA")
	select {
	case <-done:
		t.Fatal("non-priority acquire returned with 1 priority file still pending")
	case <-time.After(50 * time.Millisecond):
	}

	g.Done("jobA")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acquire failed after count reached zero: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("gate did not open when the pending count reached zero")
	}
}

func TestRetractPreventsStarvation(t *testing.T) {
	// A job that stops mid-run must withdraw its pending priority files,
	// otherwise every other job would block forever.
	g := NewPriorityGate()
	g.AddPending("dying", 3)

	done := make(chan error, 1)
	go func() {
		done <- g.Acquire(context.Background(), false)
	}()

	g.Retract("dying")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acquire failed after retract: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("retract did not open the gate")
	}
	if g.Pending() != 0 {
		t.Errorf("pending = %d after retract, want 0", g.Pending())
	}
}

func TestGateReclosesOnNewPriorityWork(t *testing.T) {
	g := NewPriorityGate()
	g.AddPending("jobA", 1)
	g.Done("jobA")
	if err := g.Acquire(context.Background(), false); err != nil {
		t.Fatalf("gate should be open: %v", err)
	}

	// A second job shows up with priority work; the gate must close again.
	g.AddPending("jobB", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := g.Acquire(ctx, false); err == nil {
		t.Fatal("gate did not re-close when new priority work appeared")
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	g := NewPriorityGate()
	g.AddPending("jobA", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- g.Acquire(ctx, false)
	}()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context error")
		}
	case <-time.After(time.Second):
		t.Fatal("canceled acquire did not return")
	}
}

func TestDoneWithoutPendingIsHarmless(t *testing.T) {
	g := NewPriorityGate()
	g.Done("ghost")
	g.Retract("ghost")
	if g.Pending() != 0 {
		t.Errorf("pending = %d, want 0", g.Pending())
	}
}

func TestThrottleNoopForNormalFiles(t *testing.T) {
	th := NewLargeFileThrottle()
	release, err := th.Acquire(context.Background(), false)
	if err != nil {
		t.Fatalf("non-large acquire failed: %v", err)
	}
	release()

	// A non-large acquisition must not consume the permit.
	if _, ok := th.TryAcquire(true); !ok {
		t.Fatal("permit was consumed by a non-large acquire")
	}
}

func TestThrottleSinglePermit(t *testing.T) {
	th := NewLargeFileThrottle()

	release, err := th.Acquire(context.Background(), true)
	if err != nil {
		t.Fatalf("first large acquire failed: %v", err)
	}

	if _, ok := th.TryAcquire(true); ok {
		t.Fatal("second large permit granted while first is outstanding")
	}

	release()
	release() // Double release must not free a second permit.

	r2, ok := th.TryAcquire(true)
	if !ok {
		t.Fatal("permit not available after release")
	}
	if _, ok := th.TryAcquire(true); ok {
		t.Fatal("double release created a second permit")
	}
	r2()
}

func TestThrottleInvariantUnderContention(t *testing.T) {
	// Many goroutines transferring "large" files: at no instant may two hold
	// the permit simultaneously.
	th := NewLargeFileThrottle()
	var inFlight atomic.Int32
	var maxSeen atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := th.Acquire(context.Background(), true)
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			n := inFlight.Add(1)
			for {
				seen := maxSeen.Load()
				if n <= seen || maxSeen.CompareAndSwap(seen, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			release()
		}()
	}
	wg.Wait()

	if maxSeen.Load() > 1 {
		t.Errorf("observed %d concurrent large transfers, want at most 1", maxSeen.Load())
	}
}
