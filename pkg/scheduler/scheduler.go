// Package scheduler launches and supervises job workers. It enforces the
// concurrent-job budget, owns the per-job control tokens, and translates
// pause/resume/stop requests (from the remote server, the process monitor or
// the signal handler) into token operations and registry transitions.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hinterlandlabs/backhaul/pkg/config"
	"github.com/hinterlandlabs/backhaul/pkg/control"
	"github.com/hinterlandlabs/backhaul/pkg/engine"
	"github.com/hinterlandlabs/backhaul/pkg/eventbus"
	"github.com/hinterlandlabs/backhaul/pkg/gate"
	"github.com/hinterlandlabs/backhaul/pkg/jobfile"
	"github.com/hinterlandlabs/backhaul/pkg/joblog"
	"github.com/hinterlandlabs/backhaul/pkg/netmon"
	"github.com/hinterlandlabs/backhaul/pkg/plog"
	"github.com/hinterlandlabs/backhaul/pkg/pool"
	"github.com/hinterlandlabs/backhaul/pkg/registry"
)

// admitPollInterval bounds how long a queued job waits to notice a budget
// change from the network monitor.
const admitPollInterval = 250 * time.Millisecond

// Options wires a scheduler. Log, Bus, State and Encryptor may be nil.
type Options struct {
	Jobs     []jobfile.Job
	Settings *config.Settings

	Log       joblog.Logger
	Bus       *eventbus.Bus
	State     engine.StateStore
	Encryptor engine.Encryptor
}

// Scheduler runs one worker per job under the concurrent-job budget.
type Scheduler struct {
	opts Options
	reg  *registry.Registry

	gate     *gate.PriorityGate
	throttle *gate.LargeFileThrottle
	buffers  *pool.BufferPool
	bytes    atomic.Int64

	mu     sync.Mutex
	tokens map[string]*control.Token

	netMonitor *netmon.Monitor
}

// New registers the jobs and prepares tokens and gates. Job validation has
// already happened in jobfile.Load.
func New(opts Options) (*Scheduler, error) {
	s := &Scheduler{
		opts:     opts,
		reg:      registry.New(),
		gate:     gate.NewPriorityGate(),
		throttle: gate.NewLargeFileThrottle(),
		buffers:  pool.NewBufferPool(opts.Settings.CopyChunkBytes()),
		tokens:   make(map[string]*control.Token),
	}
	for _, job := range opts.Jobs {
		if err := s.reg.Add(job); err != nil {
			return nil, fmt.Errorf("failed to register job: %w", err)
		}
		s.tokens[job.Name] = control.NewToken()
	}
	return s, nil
}

// Registry exposes job state to the remote server and reporters.
func (s *Scheduler) Registry() *registry.Registry {
	return s.reg
}

// BytesCopied returns the engine-wide landed byte count. The network load
// monitor samples this.
func (s *Scheduler) BytesCopied() int64 {
	return s.bytes.Load()
}

// AttachNetworkMonitor makes the monitor's budget govern job admission.
func (s *Scheduler) AttachNetworkMonitor(m *netmon.Monitor) {
	s.netMonitor = m
}

func (s *Scheduler) budget() int {
	if s.netMonitor != nil && s.netMonitor.Enabled() {
		return s.netMonitor.Budget()
	}
	return s.opts.Settings.MaxConcurrentJobs
}

// Run admits jobs in registration order, never exceeding the budget, and
// returns once every job has reached a terminal state or ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	queue := s.reg.Names()
	doneCh := make(chan string, len(queue))
	running := 0

	g, ctx := errgroup.WithContext(ctx)
	for len(queue) > 0 {
		if ctx.Err() != nil {
			// Shutdown: jobs never started end as Cancelled workers would,
			// but they were never Active, so just leave them Ready.
			break
		}
		if running >= s.budget() {
			select {
			case <-doneCh:
				running--
			case <-time.After(admitPollInterval):
				// Budget may have grown back; re-check.
			case <-ctx.Done():
			}
			continue
		}

		name := queue[0]
		queue = queue[1:]
		// A job stopped before admission stays out of the pool.
		if s.tokenFor(name).Stopped() {
			plog.Notice("Skipping job stopped before start", "job", name)
			continue
		}
		running++
		s.launch(ctx, g, name, doneCh)
	}

	return g.Wait()
}

func (s *Scheduler) launch(ctx context.Context, g *errgroup.Group, name string, doneCh chan<- string) {
	snap, err := s.reg.Get(name)
	if err != nil {
		plog.Error("Cannot launch unknown job", "job", name, "error", err)
		return
	}
	worker := engine.NewWorker(engine.Params{
		Job:            snap.Job,
		Registry:       s.reg,
		Token:          s.tokenFor(name),
		Gate:           s.gate,
		Throttle:       s.throttle,
		Encryptor:      s.opts.Encryptor,
		State:          s.opts.State,
		Log:            s.opts.Log,
		Bus:            s.opts.Bus,
		Buffers:        s.buffers,
		BytesCopied:    &s.bytes,
		PrioritySet:    s.opts.Settings.PrioritySet(),
		EncryptSet:     s.opts.Settings.EncryptionSet(),
		LargeThreshold: s.opts.Settings.LargeFileThresholdBytes(),
	})
	g.Go(func() error {
		defer func() { doneCh <- name }()
		if err := worker.Run(ctx); err != nil {
			// The registry and event log carry the outcome; a failed job
			// must not cancel its siblings.
			plog.Warn("Job ended early", "job", name, "reason", err)
		}
		return nil
	})
}

func (s *Scheduler) tokenFor(name string) *control.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[name]
}

// Pause suspends an active job at its next checkpoint.
func (s *Scheduler) Pause(name string) error {
	tok := s.tokenFor(name)
	if tok == nil {
		return &registry.ErrUnknownJob{Name: name}
	}
	if err := s.reg.SetStatus(name, registry.StatusPaused); err != nil {
		return err
	}
	tok.Pause()
	s.publishStatus(name)
	return nil
}

// Resume releases a paused job. Works for both user and business pauses.
func (s *Scheduler) Resume(name string) error {
	tok := s.tokenFor(name)
	if tok == nil {
		return &registry.ErrUnknownJob{Name: name}
	}
	st, err := s.reg.Status(name)
	if err != nil {
		return err
	}
	if st != registry.StatusPaused {
		return &registry.ErrInvalidTransition{Name: name, From: st, To: registry.StatusActive}
	}
	if err := s.reg.SetStatus(name, registry.StatusActive); err != nil {
		return err
	}
	tok.Resume()
	s.publishStatus(name)
	return nil
}

// Stop requests a cooperative stop of an active or paused job. The worker
// finishes its current chunk, cleans up and marks the job Stopped itself.
func (s *Scheduler) Stop(name string) error {
	tok := s.tokenFor(name)
	if tok == nil {
		return &registry.ErrUnknownJob{Name: name}
	}
	st, err := s.reg.Status(name)
	if err != nil {
		return err
	}
	if st != registry.StatusActive && st != registry.StatusPaused {
		return &registry.ErrInvalidTransition{Name: name, From: st, To: registry.StatusStopped}
	}
	tok.Stop()
	return nil
}

// StopAll requests a stop of every job that can still be stopped.
func (s *Scheduler) StopAll() {
	for _, name := range s.reg.Names() {
		if err := s.Stop(name); err != nil {
			continue // already terminal or never started
		}
	}
}

// AutoPause suspends every active job on behalf of the business-software
// monitor and returns the names it paused. Implements procmon.Controller.
func (s *Scheduler) AutoPause() []string {
	var paused []string
	for _, snap := range s.reg.SnapshotAll() {
		if snap.State.Status != registry.StatusActive {
			continue
		}
		if err := s.Pause(snap.Job.Name); err != nil {
			continue // lost a race with a user command or completion
		}
		s.reg.MarkBusinessPaused(snap.Job.Name, true)
		paused = append(paused, snap.Job.Name)
	}
	return paused
}

// AutoResume resumes the given jobs, but only those still paused by the
// monitor; user pauses and stops issued in the meantime are respected.
// Implements procmon.Controller.
func (s *Scheduler) AutoResume(names []string) {
	for _, name := range names {
		snap, err := s.reg.Get(name)
		if err != nil {
			continue
		}
		if snap.State.Status != registry.StatusPaused || !snap.State.PausedByBusinessSoftware {
			continue
		}
		if err := s.Resume(name); err != nil {
			plog.Warn("Failed to auto-resume job", "job", name, "error", err)
		}
	}
}

func (s *Scheduler) publishStatus(name string) {
	if s.opts.Bus == nil {
		return
	}
	snap, err := s.reg.Get(name)
	if err != nil {
		return
	}
	s.opts.Bus.Publish(eventbus.Event{
		Kind:     eventbus.KindStatus,
		Job:      name,
		Status:   string(snap.State.Status),
		Progress: snap.State.ProgressPercentage,
	})
}
