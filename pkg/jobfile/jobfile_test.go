package jobfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeJobFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write job file: %v", err)
	}
	return path
}

func TestLoadValidFile(t *testing.T) {
	path := writeJobFile(t, `
jobs:
  - name: Daily Backup
    source: /data/documents
    target: /backup/documents
    type: full
  - name: Photos
    source: /data/photos
    target: /backup/photos
    type: differential
    archive:
      enabled: true
      format: tar.zst
`)

	jobs, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].Name != "Daily Backup" || jobs[0].Type != TypeFull {
		t.Errorf("unexpected first job: %+v", jobs[0])
	}
	if jobs[1].Type != TypeDifferential || !jobs[1].Archive.Enabled || jobs[1].Archive.Format != "tar.zst" {
		t.Errorf("unexpected second job: %+v", jobs[1])
	}
}

func TestLoadRejectsDuplicateNames(t *testing.T) {
	path := writeJobFile(t, `
jobs:
  - name: Same
    source: /a
    target: /b
  - name: Same
    source: /c
    target: /d
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate-name error, got %v", err)
	}
}

func TestLoadRejectsUnknownType(t *testing.T) {
	path := writeJobFile(t, `
jobs:
  - name: Bad
    source: /a
    target: /b
    type: incremental
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unknown type") {
		t.Fatalf("expected unknown-type error, got %v", err)
	}
}

func TestLoadRejectsSourceEqualTarget(t *testing.T) {
	path := writeJobFile(t, `
jobs:
  - name: Loop
    source: /same/dir
    target: /same/dir
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "identical") {
		t.Fatalf("expected identical-paths error, got %v", err)
	}
}

func TestLoadRejectsEmptyList(t *testing.T) {
	path := writeJobFile(t, "jobs: []\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for empty job list")
	}
}

func TestNormalizedDefaults(t *testing.T) {
	j := Job{Name: "X", Source: "/a", Target: "/b", Archive: ArchivePolicy{Enabled: true}}
	n := j.Normalized()
	if n.Type != TypeFull {
		t.Errorf("Type = %q, want full", n.Type)
	}
	if n.Archive.Format != "tar.gz" {
		t.Errorf("Archive.Format = %q, want tar.gz", n.Archive.Format)
	}
}
