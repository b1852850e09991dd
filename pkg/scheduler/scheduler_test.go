package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hinterlandlabs/backhaul/pkg/config"
	"github.com/hinterlandlabs/backhaul/pkg/jobfile"
	"github.com/hinterlandlabs/backhaul/pkg/joblog"
	"github.com/hinterlandlabs/backhaul/pkg/registry"
)

func testJob(t *testing.T, name string, files map[string]string) jobfile.Job {
	t.Helper()
	source := t.TempDir()
	for rel, content := range files {
		if err := os.WriteFile(filepath.Join(source, rel), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return jobfile.Job{
		Name:   name,
		Source: source,
		Target: filepath.Join(t.TempDir(), "out"),
		Type:   jobfile.TypeFull,
	}
}

func testSettings() *config.Settings {
	s := config.NewDefault()
	s.MaxConcurrentJobs = 2
	return s
}

func TestAllJobsComplete(t *testing.T) {
	jobs := []jobfile.Job{
		testJob(t, "docs", map[string]string{"a.txt": "1"}),
		testJob(t, "photos", map[string]string{"b.txt": "2"}),
	}
	s, err := New(Options{Jobs: jobs, Settings: testSettings(), Log: &joblog.Recorder{}})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for _, name := range []string{"docs", "photos"} {
		st, err := s.Registry().Status(name)
		if err != nil {
			t.Fatal(err)
		}
		if st != registry.StatusCompleted {
			t.Errorf("job %s status = %s, want Completed", name, st)
		}
	}
}

func TestBudgetOfOneSerializesJobs(t *testing.T) {
	jobs := []jobfile.Job{
		testJob(t, "first", map[string]string{"a.txt": "1"}),
		testJob(t, "second", map[string]string{"b.txt": "2"}),
	}
	settings := testSettings()
	settings.MaxConcurrentJobs = 1
	rec := &joblog.Recorder{}

	s, err := New(Options{Jobs: jobs, Settings: settings, Log: rec})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// With a budget of one, the first job must fully finish before the
	// second one starts.
	var firstCompleted, secondStarted int
	for i, e := range rec.Events() {
		switch {
		case e.BackupName == "first" && e.Action == joblog.ActionBackupCompleted:
			firstCompleted = i
		case e.BackupName == "second" && e.Action == joblog.ActionBackupStarted:
			secondStarted = i
		}
	}
	if secondStarted < firstCompleted {
		t.Errorf("second job started (event %d) before first completed (event %d)",
			secondStarted, firstCompleted)
	}
}

func TestControlOfUnknownJob(t *testing.T) {
	s, err := New(Options{Jobs: []jobfile.Job{testJob(t, "docs", nil)}, Settings: testSettings()})
	if err != nil {
		t.Fatal(err)
	}

	var unknown *registry.ErrUnknownJob
	if err := s.Pause("ghost"); !errors.As(err, &unknown) {
		t.Errorf("Pause(ghost) = %v, want ErrUnknownJob", err)
	}
	if err := s.Resume("ghost"); !errors.As(err, &unknown) {
		t.Errorf("Resume(ghost) = %v, want ErrUnknownJob", err)
	}
	if err := s.Stop("ghost"); !errors.As(err, &unknown) {
		t.Errorf("Stop(ghost) = %v, want ErrUnknownJob", err)
	}
}

func TestControlRejectsIllegalStates(t *testing.T) {
	s, err := New(Options{Jobs: []jobfile.Job{testJob(t, "docs", nil)}, Settings: testSettings()})
	if err != nil {
		t.Fatal(err)
	}

	// The job is still Ready: none of the controls apply.
	var invalid *registry.ErrInvalidTransition
	if err := s.Pause("docs"); !errors.As(err, &invalid) {
		t.Errorf("Pause on Ready = %v, want ErrInvalidTransition", err)
	}
	if err := s.Resume("docs"); !errors.As(err, &invalid) {
		t.Errorf("Resume on Ready = %v, want ErrInvalidTransition", err)
	}
	if err := s.Stop("docs"); !errors.As(err, &invalid) {
		t.Errorf("Stop on Ready = %v, want ErrInvalidTransition", err)
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	s, err := New(Options{Jobs: []jobfile.Job{testJob(t, "docs", nil)}, Settings: testSettings()})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Registry().SetStatus("docs", registry.StatusActive); err != nil {
		t.Fatal(err)
	}

	if err := s.Pause("docs"); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if st, _ := s.Registry().Status("docs"); st != registry.StatusPaused {
		t.Errorf("status = %s, want Paused", st)
	}
	if !s.tokenFor("docs").Paused() {
		t.Error("token not paused")
	}

	// Pausing twice is rejected by the state graph.
	if err := s.Pause("docs"); err == nil {
		t.Error("second Pause succeeded")
	}

	if err := s.Resume("docs"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if st, _ := s.Registry().Status("docs"); st != registry.StatusActive {
		t.Errorf("status = %s, want Active", st)
	}
	if s.tokenFor("docs").Paused() {
		t.Error("token still paused")
	}
}

func TestAutoPauseAndResume(t *testing.T) {
	jobs := []jobfile.Job{
		testJob(t, "active", nil),
		testJob(t, "userPaused", nil),
		testJob(t, "idle", nil),
	}
	s, err := New(Options{Jobs: jobs, Settings: testSettings()})
	if err != nil {
		t.Fatal(err)
	}
	reg := s.Registry()
	reg.SetStatus("active", registry.StatusActive)
	reg.SetStatus("userPaused", registry.StatusActive)
	if err := s.Pause("userPaused"); err != nil {
		t.Fatal(err)
	}

	paused := s.AutoPause()
	if len(paused) != 1 || paused[0] != "active" {
		t.Fatalf("AutoPause = %v, want [active]", paused)
	}
	snap, _ := reg.Get("active")
	if snap.State.Status != registry.StatusPaused || !snap.State.PausedByBusinessSoftware {
		t.Errorf("active job state = %+v", snap.State)
	}

	// Resume everything the monitor touched, plus a name the user paused:
	// only the monitor's own pause may be lifted.
	s.AutoResume(append(paused, "userPaused"))

	if st, _ := reg.Status("active"); st != registry.StatusActive {
		t.Errorf("auto-paused job status = %s, want Active", st)
	}
	if st, _ := reg.Status("userPaused"); st != registry.StatusPaused {
		t.Errorf("user-paused job status = %s, want Paused", st)
	}
	if st, _ := reg.Status("idle"); st != registry.StatusReady {
		t.Errorf("idle job status = %s, want Ready", st)
	}
}

func TestAutoResumeRespectsStopInBetween(t *testing.T) {
	s, err := New(Options{Jobs: []jobfile.Job{testJob(t, "docs", nil)}, Settings: testSettings()})
	if err != nil {
		t.Fatal(err)
	}
	s.Registry().SetStatus("docs", registry.StatusActive)
	paused := s.AutoPause()

	// The user stops the job while business software is running.
	if err := s.Stop("docs"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	// Worker would mark it Stopped; simulate that.
	if err := s.Registry().SetStatus("docs", registry.StatusStopped); err != nil {
		t.Fatal(err)
	}

	s.AutoResume(paused)
	if st, _ := s.Registry().Status("docs"); st != registry.StatusStopped {
		t.Errorf("status = %s, want Stopped", st)
	}
}

func TestRunHonorsContextCancel(t *testing.T) {
	jobs := []jobfile.Job{testJob(t, "docs", map[string]string{"a.txt": "1"})}
	s, err := New(Options{Jobs: jobs, Settings: testSettings()})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
