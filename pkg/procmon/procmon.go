// Package procmon watches the system process list for configured business
// software and suspends backup activity while any of it is running. Jobs the
// monitor paused itself are resumed once the software exits; jobs the user
// paused are left alone.
package procmon

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/hinterlandlabs/backhaul/pkg/plog"
)

// ProcessObserver lists the names of currently running processes. The
// platform implementations live in the _unix and _windows files; tests
// substitute a fake.
type ProcessObserver interface {
	Snapshot() ([]string, error)
}

// Controller is the engine-side hook the monitor drives. AutoPause suspends
// every active job and returns the names it paused; AutoResume resumes
// exactly those jobs, skipping any the user paused or stopped in between.
type Controller interface {
	AutoPause() []string
	AutoResume(names []string)
}

// Monitor polls a ProcessObserver and drives a Controller.
type Monitor struct {
	observer ProcessObserver
	ctrl     Controller
	interval time.Duration
	names    map[string]struct{}

	suspended bool
	paused    []string // jobs we suspended ourselves
	lastHit   string
}

// New returns a monitor watching for the given process names. Matching is
// case-insensitive and ignores a trailing extension, so "WinWord.EXE" in the
// configuration matches a process reported as "winword".
func New(observer ProcessObserver, ctrl Controller, names []string, interval time.Duration) *Monitor {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = normalizeName(n)
		if n != "" {
			set[n] = struct{}{}
		}
	}
	return &Monitor{
		observer: observer,
		ctrl:     ctrl,
		interval: interval,
		names:    set,
	}
}

// Run polls until ctx is canceled. Jobs still suspended at shutdown stay
// suspended; the engine's own cancellation path takes over from there.
func (m *Monitor) Run(ctx context.Context) {
	if len(m.names) == 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll()
		}
	}
}

// Poll performs one observation cycle. Exported so tests can drive the
// monitor without real time.
func (m *Monitor) Poll() {
	procs, err := m.observer.Snapshot()
	if err != nil {
		plog.Warn("Failed to read process list", "error", err)
		return
	}

	hit := m.match(procs)
	switch {
	case hit != "" && !m.suspended:
		plog.Notice("Business software detected, suspending backups", "process", hit)
		m.lastHit = hit
		m.paused = m.ctrl.AutoPause()
		m.suspended = true
	case hit != "" && m.suspended:
		// Jobs started while the software is running get suspended too.
		m.paused = append(m.paused, m.ctrl.AutoPause()...)
	case hit == "" && m.suspended:
		plog.Notice("Business software exited, resuming backups", "process", m.lastHit)
		m.ctrl.AutoResume(m.paused)
		m.paused = nil
		m.suspended = false
	}
}

// Suspended reports whether the monitor is currently holding jobs paused.
func (m *Monitor) Suspended() bool {
	return m.suspended
}

func (m *Monitor) match(procs []string) string {
	for _, p := range procs {
		if _, ok := m.names[normalizeName(p)]; ok {
			return p
		}
	}
	return ""
}

func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if ext := filepath.Ext(name); ext != "" {
		name = strings.TrimSuffix(name, ext)
	}
	return name
}
