package cryptogate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hinterlandlabs/backhaul/pkg/plog"
	"github.com/hinterlandlabs/backhaul/pkg/util"
)

// ErrEncryptionConflict is returned when another live process holds the
// encryption lock. Callers skip the file and keep the job running.
type ErrEncryptionConflict struct {
	PID int
	Age time.Duration
}

func (e *ErrEncryptionConflict) Error() string {
	return fmt.Sprintf("encryption lock held by process %d (heartbeat %s old)", e.PID, e.Age.Round(time.Millisecond))
}

// lockPayload is the JSON body of the lock file.
type lockPayload struct {
	PID       int       `json:"pid"`
	Heartbeat time.Time `json:"heartbeat"`
}

// lockFile serializes encryption across every process on the machine. The
// owner refreshes the heartbeat while working; a lock whose heartbeat is
// older than three refresh intervals is considered abandoned and taken over.
// Not safe for concurrent use; the Gateway mutex orders callers.
type lockFile struct {
	path      string
	heartbeat time.Duration

	stopBeat chan struct{}
	beatDone chan struct{}
}

func newLockFile(path string, heartbeat time.Duration) *lockFile {
	return &lockFile{path: path, heartbeat: heartbeat}
}

// acquire takes the lock or returns ErrEncryptionConflict. A stale lock is
// removed and acquisition retried once.
func (l *lockFile) acquire() error {
	for attempt := 0; attempt < 2; attempt++ {
		err := l.create()
		if err == nil {
			l.startHeartbeat()
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("failed to create encryption lock %s: %w", l.path, err)
		}

		holder, age, readErr := l.inspect()
		if readErr != nil {
			// Unreadable or half-written lock: treat as stale.
			plog.Warn("Removing unreadable encryption lock", "path", l.path, "error", readErr)
			os.Remove(l.path)
			continue
		}
		if age > 3*l.heartbeat {
			plog.Notice("Taking over stale encryption lock", "path", l.path, "pid", holder, "age", age)
			os.Remove(l.path)
			continue
		}
		return &ErrEncryptionConflict{PID: holder, Age: age}
	}
	// Lost the takeover race to another process.
	holder, age, _ := l.inspect()
	return &ErrEncryptionConflict{PID: holder, Age: age}
}

// release stops the heartbeat and removes the lock file.
func (l *lockFile) release() {
	l.stopHeartbeat()
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		plog.Warn("Failed to remove encryption lock", "path", l.path, "error", err)
	}
}

func (l *lockFile) create() error {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, util.UserWritableFilePerms)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(lockPayload{PID: os.Getpid(), Heartbeat: time.Now()})
}

func (l *lockFile) inspect() (pid int, age time.Duration, err error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, 0, err
	}
	var p lockPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return 0, 0, fmt.Errorf("malformed lock payload: %w", err)
	}
	return p.PID, time.Since(p.Heartbeat), nil
}

func (l *lockFile) startHeartbeat() {
	l.stopBeat = make(chan struct{})
	l.beatDone = make(chan struct{})
	go func() {
		defer close(l.beatDone)
		ticker := time.NewTicker(l.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopBeat:
				return
			case <-ticker.C:
				l.refresh()
			}
		}
	}()
}

func (l *lockFile) stopHeartbeat() {
	if l.stopBeat == nil {
		return
	}
	close(l.stopBeat)
	<-l.beatDone
	l.stopBeat = nil
	l.beatDone = nil
}

// refresh rewrites the payload in place. The lock exists, so plain WriteFile
// is enough; a torn write is repaired on the next beat.
func (l *lockFile) refresh() {
	data, err := json.Marshal(lockPayload{PID: os.Getpid(), Heartbeat: time.Now()})
	if err != nil {
		return
	}
	if err := os.WriteFile(l.path, data, util.UserWritableFilePerms); err != nil {
		plog.Warn("Failed to refresh encryption lock heartbeat", "path", l.path, "error", err)
	}
}
