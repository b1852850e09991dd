// Package registry is the single source of truth for job definitions and
// their live state. All mutation happens under one short-held mutex; readers
// get consistent per-call snapshots, never references into live state.
package registry

import (
	"fmt"
	"sync"

	"github.com/hinterlandlabs/backhaul/pkg/jobfile"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusReady     Status = "Ready"
	StatusActive    Status = "Active"
	StatusPaused    Status = "Paused"
	StatusStopped   Status = "Stopped"
	StatusCancelled Status = "Cancelled"
	StatusCompleted Status = "Completed"
	StatusError     Status = "Error"
)

// validTransitions is the job state graph. Terminal states have no edges.
var validTransitions = map[Status][]Status{
	StatusReady:  {StatusActive},
	StatusActive: {StatusPaused, StatusStopped, StatusCancelled, StatusCompleted, StatusError},
	StatusPaused: {StatusActive, StatusStopped, StatusCancelled, StatusError},
}

// CanTransition reports whether from→to is an edge of the state graph.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status has no outgoing edges.
func IsTerminal(s Status) bool {
	return len(validTransitions[s]) == 0
}

// ErrUnknownJob is returned for lookups of names not in the registry.
type ErrUnknownJob struct{ Name string }

func (e *ErrUnknownJob) Error() string {
	return fmt.Sprintf("unknown job %q", e.Name)
}

// ErrInvalidTransition is returned when a requested status change is not an
// edge of the state graph. The registry state is left untouched.
type ErrInvalidTransition struct {
	Name string
	From Status
	To   Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("job %q cannot go from %s to %s", e.Name, e.From, e.To)
}

// JobState is the live, engine-owned state of one job.
type JobState struct {
	Status             Status
	ProgressPercentage int
	CurrentFile        string
	BytesCopied        int64
	TotalBytes         int64
	FilesCopied        int
	TotalFiles         int
	ErrorMessage       string
	// PausedByBusinessSoftware distinguishes the monitor's automatic pause
	// from a user-initiated one, so user pauses are never auto-resumed.
	PausedByBusinessSoftware bool
}

// Snapshot is a consistent copy of one job's definition and state.
type Snapshot struct {
	Job   jobfile.Job
	State JobState
}

type entry struct {
	job   jobfile.Job
	state JobState
}

// Registry maps job names to definitions and live state.
type Registry struct {
	mu    sync.Mutex
	jobs  map[string]*entry
	order []string // insertion order, for stable snapshots
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{jobs: make(map[string]*entry)}
}

// Add registers a job in the Ready state. Names must be unique.
func (r *Registry) Add(job jobfile.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	r.jobs[job.Name] = &entry{
		job:   job.Normalized(),
		state: JobState{Status: StatusReady},
	}
	r.order = append(r.order, job.Name)
	return nil
}

// Names returns the job names in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Get returns a snapshot of one job.
func (r *Registry) Get(name string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[name]
	if !ok {
		return Snapshot{}, &ErrUnknownJob{Name: name}
	}
	return Snapshot{Job: e.job, State: e.state}, nil
}

// SnapshotAll returns a consistent snapshot of every job, taken under a
// single lock acquisition so concurrent readers can never observe a torn
// view of any job's state.
func (r *Registry) SnapshotAll() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.order))
	for _, name := range r.order {
		e := r.jobs[name]
		out = append(out, Snapshot{Job: e.job, State: e.state})
	}
	return out
}

// Status returns the current status of a job.
func (r *Registry) Status(name string) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[name]
	if !ok {
		return "", &ErrUnknownJob{Name: name}
	}
	return e.state.Status, nil
}

// SetStatus moves a job along an edge of the state graph. Illegal moves
// return ErrInvalidTransition and leave the state untouched. Entering a
// non-Paused state clears the business-pause marker; entering a terminal
// state clears the transient progress fields' CurrentFile.
func (r *Registry) SetStatus(name string, to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[name]
	if !ok {
		return &ErrUnknownJob{Name: name}
	}
	if !CanTransition(e.state.Status, to) {
		return &ErrInvalidTransition{Name: name, From: e.state.Status, To: to}
	}
	e.state.Status = to
	if to != StatusPaused {
		e.state.PausedByBusinessSoftware = false
	}
	if IsTerminal(to) {
		e.state.CurrentFile = ""
	}
	return nil
}

// SetError moves a job to Error with a message. The transition must still be
// legal (a Completed job cannot become Error).
func (r *Registry) SetError(name, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[name]
	if !ok {
		return &ErrUnknownJob{Name: name}
	}
	if !CanTransition(e.state.Status, StatusError) {
		return &ErrInvalidTransition{Name: name, From: e.state.Status, To: StatusError}
	}
	e.state.Status = StatusError
	e.state.ErrorMessage = msg
	e.state.CurrentFile = ""
	e.state.PausedByBusinessSoftware = false
	return nil
}

// MarkBusinessPaused flags a Paused job as paused by the business-software
// monitor. A no-op for jobs in any other state.
func (r *Registry) MarkBusinessPaused(name string, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.jobs[name]; ok && e.state.Status == StatusPaused {
		e.state.PausedByBusinessSoftware = v
	}
}

// SetTotals records the enumeration result for a run and resets progress.
func (r *Registry) SetTotals(name string, totalFiles int, totalBytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.jobs[name]; ok {
		e.state.TotalFiles = totalFiles
		e.state.TotalBytes = totalBytes
		e.state.FilesCopied = 0
		e.state.BytesCopied = 0
		e.state.ProgressPercentage = 0
		e.state.ErrorMessage = ""
	}
}

// AddProgress records one completed file and updates the percentage.
func (r *Registry) AddProgress(name string, bytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[name]
	if !ok {
		return
	}
	e.state.FilesCopied++
	e.state.BytesCopied += bytes
	e.state.ProgressPercentage = progress(e.state)
}

// DiscountFile removes a skipped file from the run totals, so a run that
// skips files still reaches 100% once everything else has landed.
func (r *Registry) DiscountFile(name string, bytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[name]
	if !ok {
		return
	}
	if e.state.TotalFiles > 0 {
		e.state.TotalFiles--
	}
	e.state.TotalBytes -= bytes
	if e.state.TotalBytes < 0 {
		e.state.TotalBytes = 0
	}
	e.state.ProgressPercentage = progress(e.state)
}

// SetCurrentFile records the file a worker is about to transfer.
func (r *Registry) SetCurrentFile(name, relPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.jobs[name]; ok {
		e.state.CurrentFile = relPath
	}
}

// progress derives the percentage, byte-weighted when sizes are known,
// file-count based otherwise. Clamped to 0–100.
func progress(s JobState) int {
	var pct int
	switch {
	case s.TotalBytes > 0:
		pct = int(s.BytesCopied * 100 / s.TotalBytes)
	case s.TotalFiles > 0:
		pct = s.FilesCopied * 100 / s.TotalFiles
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct
}
