// Package engine runs backup jobs. Each job gets exactly one worker
// goroutine that enumerates the source tree, filters it for differential
// runs, and streams files to the target under the system-wide admission
// gates. Pause, resume and stop are cooperative: the worker only yields at
// gate acquisitions and chunk boundaries, so no file is ever left torn.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hinterlandlabs/backhaul/pkg/control"
	"github.com/hinterlandlabs/backhaul/pkg/cryptogate"
	"github.com/hinterlandlabs/backhaul/pkg/eventbus"
	"github.com/hinterlandlabs/backhaul/pkg/gate"
	"github.com/hinterlandlabs/backhaul/pkg/jobfile"
	"github.com/hinterlandlabs/backhaul/pkg/joblog"
	"github.com/hinterlandlabs/backhaul/pkg/patharchive"
	"github.com/hinterlandlabs/backhaul/pkg/plog"
	"github.com/hinterlandlabs/backhaul/pkg/pool"
	"github.com/hinterlandlabs/backhaul/pkg/preflight"
	"github.com/hinterlandlabs/backhaul/pkg/registry"
	"github.com/hinterlandlabs/backhaul/pkg/statedb"
	"github.com/hinterlandlabs/backhaul/pkg/util"
)

// Encryptor runs the external encryption step on a landed target file.
// pkg/cryptogate provides the production implementation.
type Encryptor interface {
	Encrypt(ctx context.Context, src, dst string) (time.Duration, error)
}

// StateStore persists per-file completion fingerprints for differential
// runs. pkg/statedb provides the production implementation.
type StateStore interface {
	LoadJob(ctx context.Context, jobName string) (map[string]statedb.FileState, error)
	UpsertFile(ctx context.Context, jobName, relPath string, size int64, modTime time.Time, runID string) error
}

// Params wires a worker to its collaborators. Encryptor, State, Bus and
// BytesCopied may be nil; Log may be nil for a silent worker.
type Params struct {
	Job      jobfile.Job
	Registry *registry.Registry
	Token    *control.Token
	Gate     *gate.PriorityGate
	Throttle *gate.LargeFileThrottle

	Encryptor Encryptor
	State     StateStore
	Log       joblog.Logger
	Bus       *eventbus.Bus
	Buffers   *pool.BufferPool

	// BytesCopied is an engine-wide counter shared with the network load
	// monitor; every landed chunk is added to it.
	BytesCopied *atomic.Int64

	PrioritySet    map[string]struct{}
	EncryptSet     map[string]struct{}
	LargeThreshold int64 // bytes; 0 disables the large classification
}

// Worker executes one job run.
type Worker struct {
	p     Params
	runID string
}

// NewWorker returns a worker for one run of the given job.
func NewWorker(p Params) *Worker {
	if p.Log == nil {
		p.Log = joblog.Noop{}
	}
	if p.Buffers == nil {
		p.Buffers = pool.NewBufferPool(1 << 20)
	}
	return &Worker{p: p}
}

// Run performs the job run and moves the registry entry to its terminal
// state. The returned error is informational; the registry and the event
// log carry the authoritative outcome. Panics inside the run are contained
// and reported as job errors.
func (w *Worker) Run(ctx context.Context) (err error) {
	w.runID = uuid.NewString()
	job := w.p.Job

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
			plog.Error("Backup worker panicked", "job", job.Name, "panic", r)
			w.fail(fmt.Sprintf("internal error: %v", r))
		}
		// A stopped or failed run must never leave the gate closed.
		w.p.Gate.Retract(job.Name)
	}()

	if err := w.setStatus(registry.StatusActive); err != nil {
		return err
	}
	plog.Info("Backup run starting", "job", job.Name, "type", string(job.Type), "runId", w.runID)

	tasks, totalBytes, err := w.enumerate(ctx)
	if err != nil {
		return w.finishEarly(err)
	}
	if err := preflight.Check(job.Source, job.Target, totalBytes); err != nil {
		return w.finishEarly(err)
	}

	w.p.Registry.SetTotals(job.Name, len(tasks), totalBytes)
	w.p.Gate.AddPending(job.Name, countPriority(tasks))

	w.event(joblog.Event{
		Action:  joblog.ActionBackupStarted,
		LogType: joblog.TypeInfo,
		Message: fmt.Sprintf("backup started, %d files to transfer", len(tasks)),
	})

	for _, task := range tasks {
		if err := w.transfer(ctx, task); err != nil {
			return w.finishEarly(err)
		}
	}

	if job.Archive.Enabled {
		if err := w.archive(ctx); err != nil {
			return w.finishEarly(err)
		}
	}

	w.event(joblog.Event{
		Action:  joblog.ActionBackupCompleted,
		LogType: joblog.TypeInfo,
		Message: "backup completed",
	})
	if err := w.setStatus(registry.StatusCompleted); err != nil {
		return err
	}
	plog.Info("Backup run completed", "job", job.Name, "runId", w.runID)
	return nil
}

// transfer moves one file through checkpoint, gates, copy and encryption.
// Per-file problems are logged and swallowed; only stop and cancellation
// propagate.
func (w *Worker) transfer(ctx context.Context, task Task) error {
	if err := w.checkpoint(ctx); err != nil {
		return err
	}

	// Both gates must hold together: priority work can appear while a
	// non-priority transfer waits for the large-file permit. When it does,
	// the permit goes back and the gate is taken again.
	var release func()
	for {
		if err := w.p.Gate.Acquire(ctx, task.IsPriority); err != nil {
			return err
		}
		// Stop may have been requested while waiting for the gate.
		if err := w.checkpoint(ctx); err != nil {
			return err
		}
		var err error
		release, err = w.p.Throttle.Acquire(ctx, task.IsLarge)
		if err != nil {
			return err
		}
		if task.IsPriority || w.p.Gate.Pending() == 0 {
			break
		}
		release()
	}
	defer release()

	// From here on the task's priority contribution is settled no matter
	// how the transfer ends; a skipped priority file must not hold the
	// gate closed.
	if task.IsPriority {
		defer w.p.Gate.Done(w.p.Job.Name)
	}

	w.p.Registry.SetCurrentFile(w.p.Job.Name, task.RelPath)

	srcPath := filepath.Join(w.p.Job.Source, task.RelPath)
	dstPath := filepath.Join(w.p.Job.Target, task.RelPath)

	transferTime, err := w.copyFile(ctx, srcPath, dstPath, task)
	if err != nil {
		if errors.Is(err, control.ErrStopped) || ctx.Err() != nil {
			return err
		}
		// Per-file failure: log, skip, keep the job alive.
		w.event(joblog.Event{
			Action:     joblog.ActionFileSkipped,
			LogType:    joblog.TypeWarning,
			SourcePath: srcPath,
			TargetPath: dstPath,
			FileSize:   task.Size,
			Message:    err.Error(),
		})
		w.p.Registry.DiscountFile(w.p.Job.Name, task.Size)
		return nil
	}

	var encTime time.Duration
	if w.shouldEncrypt(task) {
		encTime, err = w.encrypt(ctx, dstPath, task)
		if err != nil {
			if errors.Is(err, control.ErrStopped) || ctx.Err() != nil {
				return err
			}
			// Already logged; take the skipped file out of the totals.
			w.p.Registry.DiscountFile(w.p.Job.Name, task.Size)
			return nil
		}
	}

	w.p.Registry.AddProgress(w.p.Job.Name, task.Size)
	if w.p.State != nil {
		if err := w.p.State.UpsertFile(ctx, w.p.Job.Name, task.RelPath, task.Size, task.ModTime, w.runID); err != nil {
			plog.Warn("Failed to record file state", "job", w.p.Job.Name, "file", task.RelPath, "error", err)
		}
	}

	w.event(joblog.Event{
		Action:         joblog.ActionFileCopy,
		LogType:        joblog.TypeInfo,
		SourcePath:     srcPath,
		TargetPath:     dstPath,
		FileSize:       task.Size,
		TransferTime:   transferTime,
		EncryptionTime: encTime,
		Message:        "file transferred",
	})
	w.publishProgress(task.RelPath)
	return nil
}

// encrypt routes a landed file through the external encryptor. The
// encrypted output replaces the plaintext copy; on any failure the
// plaintext is removed so no unprotected data stays in the target.
func (w *Worker) encrypt(ctx context.Context, dstPath string, task Task) (time.Duration, error) {
	encPath := dstPath + ".enc"
	elapsed, err := w.p.Encryptor.Encrypt(ctx, dstPath, encPath)
	if err != nil {
		if rmErr := os.Remove(dstPath); rmErr != nil && !os.IsNotExist(rmErr) {
			plog.Warn("Failed to remove plaintext copy", "path", dstPath, "error", rmErr)
		}

		var conflict *cryptogate.ErrEncryptionConflict
		if errors.As(err, &conflict) {
			w.event(joblog.Event{
				Action:     joblog.ActionEncryptConflict,
				LogType:    joblog.TypeError,
				SourcePath: filepath.Join(w.p.Job.Source, task.RelPath),
				TargetPath: dstPath,
				FileSize:   task.Size,
				Message:    err.Error(),
			})
			return 0, err
		}
		if errors.Is(err, control.ErrStopped) || ctx.Err() != nil {
			return 0, err
		}
		w.event(joblog.Event{
			Action:     joblog.ActionFileSkipped,
			LogType:    joblog.TypeError,
			SourcePath: filepath.Join(w.p.Job.Source, task.RelPath),
			TargetPath: dstPath,
			FileSize:   task.Size,
			Message:    err.Error(),
		})
		return 0, err
	}

	if err := os.Remove(dstPath); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove plaintext after encryption", "path", dstPath, "error", err)
	}
	w.event(joblog.Event{
		Action:         joblog.ActionFileEncrypt,
		LogType:        joblog.TypeInfo,
		SourcePath:     dstPath,
		TargetPath:     encPath,
		FileSize:       task.Size,
		EncryptionTime: elapsed,
		Message:        "file encrypted",
	})
	return elapsed, nil
}

func (w *Worker) shouldEncrypt(task Task) bool {
	if w.p.Encryptor == nil || len(w.p.EncryptSet) == 0 {
		return false
	}
	_, ok := w.p.EncryptSet[util.NormalizeExt(filepath.Ext(task.RelPath))]
	return ok
}

// archive compresses the finished target directory next to itself.
func (w *Worker) archive(ctx context.Context) error {
	format, err := patharchive.ParseFormat(w.p.Job.Archive.Format)
	if err != nil {
		return err
	}
	outFile := w.p.Job.Target + format.Ext()
	start := time.Now()
	if err := patharchive.Archive(ctx, w.p.Job.Target, outFile, format); err != nil {
		return fmt.Errorf("failed to archive target: %w", err)
	}
	w.event(joblog.Event{
		Action:       joblog.ActionArchiveCreated,
		LogType:      joblog.TypeInfo,
		TargetPath:   outFile,
		TransferTime: time.Since(start),
		Message:      "target archived",
	})
	return nil
}

// checkpoint consults the control token and narrates the pause lifecycle in
// the event log. One BACKUP_PAUSED / BACKUP_RESUMED pair per actual pause.
func (w *Worker) checkpoint(ctx context.Context) error {
	if w.p.Token.Paused() && !w.p.Token.Stopped() && ctx.Err() == nil {
		w.event(joblog.Event{
			Action:  joblog.ActionBackupPaused,
			LogType: joblog.TypeInfo,
			Message: "backup paused",
		})
		err := w.p.Token.Checkpoint(ctx)
		if err == nil {
			w.event(joblog.Event{
				Action:  joblog.ActionBackupResumed,
				LogType: joblog.TypeInfo,
				Message: "backup resumed",
			})
		}
		return err
	}
	return w.p.Token.Checkpoint(ctx)
}

// finishEarly translates a stop or cancellation into the matching terminal
// state and events.
func (w *Worker) finishEarly(cause error) error {
	job := w.p.Job.Name
	if errors.Is(cause, control.ErrStopped) {
		w.event(joblog.Event{
			Action:  joblog.ActionBackupStopped,
			LogType: joblog.TypeInfo,
			Message: "backup stopped on request",
		})
		if err := w.setStatus(registry.StatusStopped); err != nil {
			plog.Warn("Failed to mark job stopped", "job", job, "error", err)
		}
		plog.Notice("Backup run stopped", "job", job, "runId", w.runID)
		return cause
	}
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		if err := w.setStatus(registry.StatusCancelled); err != nil {
			plog.Warn("Failed to mark job cancelled", "job", job, "error", err)
		}
		plog.Notice("Backup run cancelled by shutdown", "job", job, "runId", w.runID)
		return cause
	}
	w.fail(cause.Error())
	return cause
}

// fail moves the job to Error and emits the matching event.
func (w *Worker) fail(msg string) {
	job := w.p.Job.Name
	w.event(joblog.Event{
		Action:  joblog.ActionBackupError,
		LogType: joblog.TypeError,
		Message: msg,
	})
	if err := w.p.Registry.SetError(job, msg); err != nil {
		plog.Warn("Failed to mark job errored", "job", job, "error", err)
	}
	w.publishStatus()
	plog.Error("Backup run failed", "job", job, "runId", w.runID, "error", msg)
}

func (w *Worker) setStatus(s registry.Status) error {
	if err := w.p.Registry.SetStatus(w.p.Job.Name, s); err != nil {
		return err
	}
	w.publishStatus()
	return nil
}

func (w *Worker) publishStatus() {
	if w.p.Bus == nil {
		return
	}
	snap, err := w.p.Registry.Get(w.p.Job.Name)
	if err != nil {
		return
	}
	w.p.Bus.Publish(eventbus.Event{
		Kind:   eventbus.KindStatus,
		Job:    w.p.Job.Name,
		Status: string(snap.State.Status),
	})
}

func (w *Worker) publishProgress(currentFile string) {
	if w.p.Bus == nil {
		return
	}
	snap, err := w.p.Registry.Get(w.p.Job.Name)
	if err != nil {
		return
	}
	w.p.Bus.Publish(eventbus.Event{
		Kind:        eventbus.KindProgress,
		Job:         w.p.Job.Name,
		Status:      string(snap.State.Status),
		Progress:    snap.State.ProgressPercentage,
		CurrentFile: currentFile,
	})
}

// event fills the run-constant fields and hands the entry to the job log.
func (w *Worker) event(e joblog.Event) {
	e.Timestamp = time.Now()
	e.RunID = w.runID
	e.BackupName = w.p.Job.Name
	e.BackupType = string(w.p.Job.Type)
	w.p.Log.Log(e)
}

func countPriority(tasks []Task) int {
	n := 0
	for _, t := range tasks {
		if t.IsPriority {
			n++
		}
	}
	return n
}
