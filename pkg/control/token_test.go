package control

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCheckpointRunsWhenNotPaused(t *testing.T) {
	tok := NewToken()
	if err := tok.Checkpoint(context.Background()); err != nil {
		t.Fatalf("expected nil from checkpoint, got %v", err)
	}
}

func TestCheckpointBlocksWhilePaused(t *testing.T) {
	tok := NewToken()
	tok.Pause()

	done := make(chan error, 1)
	go func() {
		done <- tok.Checkpoint(context.Background())
	}()

	select {
	case err := <-done:
		t.Fatalf("checkpoint returned %v while paused", err)
	case <-time.After(50 * time.Millisecond):
		// Still blocked, as expected.
	}

	tok.Resume()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil after resume, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("checkpoint did not return after resume")
	}
}

func TestStopWakesPausedCheckpoint(t *testing.T) {
	tok := NewToken()
	tok.Pause()

	done := make(chan error, 1)
	go func() {
		done <- tok.Checkpoint(context.Background())
	}()

	tok.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("expected ErrStopped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stop did not wake the paused checkpoint")
	}
}

func TestStopBeatsRunningState(t *testing.T) {
	tok := NewToken()
	tok.Stop()
	if err := tok.Checkpoint(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if !tok.Stopped() {
		t.Error("Stopped() should report true after Stop")
	}
}

func TestContextCancelWakesPausedCheckpoint(t *testing.T) {
	tok := NewToken()
	tok.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tok.Checkpoint(ctx)
	}()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancel did not wake the paused checkpoint")
	}
}

func TestPauseResumeIdempotent(t *testing.T) {
	tok := NewToken()
	tok.Resume() // Resume while running must not panic.
	tok.Pause()
	tok.Pause() // Double pause must not lose the resume channel.
	if !tok.Paused() {
		t.Error("token should be paused")
	}
	tok.Resume()
	tok.Resume()
	if tok.Paused() {
		t.Error("token should be running")
	}
	tok.Stop()
	tok.Stop() // Double stop must not panic.
}
