package engine

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/hinterlandlabs/backhaul/pkg/jobfile"
	"github.com/hinterlandlabs/backhaul/pkg/joblog"
	"github.com/hinterlandlabs/backhaul/pkg/plog"
	"github.com/hinterlandlabs/backhaul/pkg/util"
)

// Task is one file selected for transfer.
type Task struct {
	RelPath    string // slash-separated, relative to the job source
	Size       int64
	ModTime    time.Time
	IsPriority bool
	IsLarge    bool
}

// enumerate walks the source tree and builds the ordered task list:
// priority files first, enumeration order within each class. Differential
// runs drop files whose recorded fingerprint still matches. An unreadable
// source root fails the run; unreadable entries below it are logged and
// skipped.
func (w *Worker) enumerate(ctx context.Context) ([]Task, int64, error) {
	var recorded map[string]fileFingerprint
	if w.p.Job.Type == jobfile.TypeDifferential && w.p.State != nil {
		loaded, err := w.p.State.LoadJob(ctx, w.p.Job.Name)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to load differential state: %w", err)
		}
		recorded = make(map[string]fileFingerprint, len(loaded))
		for rel, s := range loaded {
			recorded[rel] = fileFingerprint{size: s.Size, modTime: s.ModTime}
		}
	}

	var priority, normal []Task
	var totalBytes int64
	source := w.p.Job.Source

	err := filepath.WalkDir(source, func(path string, d fs.DirEntry, walkErr error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if walkErr != nil {
			if path == source {
				return fmt.Errorf("source %s is not readable: %w", source, walkErr)
			}
			plog.Warn("Skipping unreadable path", "job", w.p.Job.Name, "path", path, "error", walkErr)
			w.event(joblog.Event{
				Action:     joblog.ActionFileSkipped,
				LogType:    joblog.TypeWarning,
				SourcePath: path,
				Message:    walkErr.Error(),
			})
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			plog.Warn("Skipping vanished entry", "job", w.p.Job.Name, "path", path, "error", err)
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		rel = util.NormalizePath(rel)

		if fp, ok := recorded[rel]; ok && fp.size == info.Size() && fp.modTime.Equal(info.ModTime()) {
			return nil // up to date
		}

		task := Task{
			RelPath:    rel,
			Size:       info.Size(),
			ModTime:    info.ModTime(),
			IsPriority: w.isPriority(rel),
			IsLarge:    w.p.LargeThreshold > 0 && info.Size() > w.p.LargeThreshold,
		}
		if task.IsPriority {
			priority = append(priority, task)
		} else {
			normal = append(normal, task)
		}
		totalBytes += task.Size
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	return append(priority, normal...), totalBytes, nil
}

func (w *Worker) isPriority(relPath string) bool {
	if len(w.p.PrioritySet) == 0 {
		return false
	}
	_, ok := w.p.PrioritySet[util.NormalizeExt(filepath.Ext(relPath))]
	return ok
}

type fileFingerprint struct {
	size    int64
	modTime time.Time
}
