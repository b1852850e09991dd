// Package joblog emits the structured per-job event stream consumed by log
// collectors. The engine hands a fully populated Event to a Logger and never
// formats output itself; the shipped Writer serializes events as JSON lines
// through a slog handler, but any collaborator implementing Logger can take
// its place.
package joblog

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ActionType identifies what happened.
type ActionType string

const (
	ActionBackupStarted   ActionType = "BACKUP_STARTED"
	ActionBackupCompleted ActionType = "BACKUP_COMPLETED"
	ActionBackupPaused    ActionType = "BACKUP_PAUSED"
	ActionBackupResumed   ActionType = "BACKUP_RESUMED"
	ActionBackupStopped   ActionType = "BACKUP_STOPPED"
	ActionBackupError     ActionType = "BACKUP_ERROR"
	ActionFileCopy        ActionType = "FILE_COPY"
	ActionFileEncrypt     ActionType = "FILE_ENCRYPT"
	ActionFileSkipped     ActionType = "FILE_SKIPPED"
	ActionEncryptConflict ActionType = "FILE_ENCRYPT_CONFLICT"
	ActionArchiveCreated  ActionType = "ARCHIVE_CREATED"
)

// LogType is the severity of an event.
type LogType string

const (
	TypeInfo    LogType = "INFO"
	TypeWarning LogType = "WARNING"
	TypeError   LogType = "ERROR"
)

// Event is one entry in the job log.
// EncryptionTime is zero for files that were not encrypted.
type Event struct {
	Timestamp      time.Time
	RunID          string
	BackupName     string
	BackupType     string
	SourcePath     string
	TargetPath     string
	FileSize       int64
	TransferTime   time.Duration
	EncryptionTime time.Duration
	Message        string
	LogType        LogType
	Action         ActionType
}

// Logger consumes job events. Implementations must be safe for concurrent
// use; every job worker logs through the same instance.
type Logger interface {
	Log(e Event)
}

// Writer is the standard Logger: JSON lines to an io.Writer.
type Writer struct {
	mu sync.Mutex
	sl *slog.Logger
}

// NewWriter creates a Writer emitting one JSON object per event to w.
func NewWriter(w io.Writer) *Writer {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		// The event carries its own timestamp and severity; drop slog's.
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey || a.Key == slog.LevelKey {
				return slog.Attr{}
			}
			return a
		},
	})
	return &Writer{sl: slog.New(handler)}
}

// Log writes the event as a single JSON line.
func (w *Writer) Log(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	attrs := []slog.Attr{
		slog.Time("timestamp", e.Timestamp),
		slog.String("runId", e.RunID),
		slog.String("backupName", e.BackupName),
		slog.String("backupType", e.BackupType),
		slog.String("sourcePath", e.SourcePath),
		slog.String("targetPath", e.TargetPath),
		slog.Int64("fileSize", e.FileSize),
		slog.Int64("transferTimeMs", e.TransferTime.Milliseconds()),
		slog.String("logType", string(e.LogType)),
		slog.String("actionType", string(e.Action)),
	}
	if e.EncryptionTime > 0 {
		attrs = append(attrs, slog.Int64("encryptionTimeMs", e.EncryptionTime.Milliseconds()))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.sl.LogAttrs(context.Background(), slog.LevelInfo, e.Message, attrs...)
}

// Noop is a Logger that discards all events.
type Noop struct{}

func (Noop) Log(e Event) {}

// Recorder is a Logger for tests: it stores events in order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Log(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything logged so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByAction filters recorded events by action type.
func (r *Recorder) ByAction(a ActionType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Action == a {
			out = append(out, e)
		}
	}
	return out
}

// Statically assert that our types implement the interface.
var _ Logger = (*Writer)(nil)
var _ Logger = Noop{}
var _ Logger = (*Recorder)(nil)
