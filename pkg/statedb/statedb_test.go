package statedb

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLoadEmptyJob(t *testing.T) {
	db := openTestDB(t)
	state, err := db.LoadJob(context.Background(), "docs")
	if err != nil {
		t.Fatalf("LoadJob failed: %v", err)
	}
	if len(state) != 0 {
		t.Errorf("expected empty state, got %d rows", len(state))
	}
}

func TestUpsertAndLoad(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	mod := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)

	if err := db.UpsertFile(ctx, "docs", "a/report.pdf", 1024, mod, "run-1"); err != nil {
		t.Fatalf("UpsertFile failed: %v", err)
	}

	state, err := db.LoadJob(ctx, "docs")
	if err != nil {
		t.Fatal(err)
	}
	s, ok := state["a/report.pdf"]
	if !ok {
		t.Fatalf("row missing, state = %v", state)
	}
	if s.Size != 1024 || !s.ModTime.Equal(mod) {
		t.Errorf("state = %+v, want size 1024 mod %s", s, mod)
	}
}

func TestUpsertReplacesFingerprint(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	first := time.Now().Add(-time.Hour)
	second := time.Now()

	db.UpsertFile(ctx, "docs", "f.txt", 10, first, "run-1")
	if err := db.UpsertFile(ctx, "docs", "f.txt", 20, second, "run-2"); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	state, _ := db.LoadJob(ctx, "docs")
	if len(state) != 1 {
		t.Fatalf("expected 1 row, got %d", len(state))
	}
	if s := state["f.txt"]; s.Size != 20 || !s.ModTime.Equal(second) {
		t.Errorf("row not replaced: %+v", s)
	}
}

func TestJobsAreIsolated(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	db.UpsertFile(ctx, "docs", "shared.txt", 1, now, "r")
	db.UpsertFile(ctx, "photos", "shared.txt", 2, now, "r")

	docs, _ := db.LoadJob(ctx, "docs")
	if docs["shared.txt"].Size != 1 {
		t.Errorf("docs row = %+v", docs["shared.txt"])
	}

	if err := db.PruneJob(ctx, "docs"); err != nil {
		t.Fatalf("PruneJob failed: %v", err)
	}
	docs, _ = db.LoadJob(ctx, "docs")
	photos, _ := db.LoadJob(ctx, "photos")
	if len(docs) != 0 {
		t.Error("prune left docs rows behind")
	}
	if len(photos) != 1 {
		t.Error("prune removed another job's rows")
	}
}

func TestUnchanged(t *testing.T) {
	mod := time.Now()
	s := FileState{RelPath: "f", Size: 100, ModTime: mod}

	if !s.Unchanged(100, mod) {
		t.Error("identical fingerprint reported changed")
	}
	if s.Unchanged(101, mod) {
		t.Error("size change not detected")
	}
	if s.Unchanged(100, mod.Add(time.Nanosecond)) {
		t.Error("mtime change not detected")
	}
}

func TestReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	db.UpsertFile(ctx, "docs", "f.txt", 7, time.Now(), "r")
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()
	state, _ := db.LoadJob(ctx, "docs")
	if len(state) != 1 {
		t.Errorf("state lost across reopen: %v", state)
	}
}
