// Package netmon derives a concurrent-job budget from the engine's own
// transfer throughput. When the sustained rate exceeds a configured
// threshold the budget shrinks to its minimum, letting in-flight jobs finish
// while queued ones wait; when the rate drops the full budget is restored.
package netmon

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hinterlandlabs/backhaul/pkg/plog"
)

// Monitor samples a cumulative byte counter and publishes a job budget.
type Monitor struct {
	sample       func() int64 // monotonically growing bytes-copied counter
	thresholdBps int64        // 0 disables the monitor
	fullBudget   int32
	minBudget    int32
	interval     time.Duration

	budget    atomic.Int32
	lastBytes int64
	throttled bool
}

// New returns a monitor. thresholdKBs of 0 disables sampling entirely; the
// budget then stays at fullBudget.
func New(sample func() int64, thresholdKBs int64, fullBudget, minBudget int, interval time.Duration) *Monitor {
	m := &Monitor{
		sample:       sample,
		thresholdBps: thresholdKBs * 1024,
		fullBudget:   int32(fullBudget),
		minBudget:    int32(minBudget),
		interval:     interval,
	}
	m.budget.Store(int32(fullBudget))
	return m
}

// Budget returns the number of jobs the scheduler may run right now.
func (m *Monitor) Budget() int {
	return int(m.budget.Load())
}

// Enabled reports whether the monitor samples at all.
func (m *Monitor) Enabled() bool {
	return m.thresholdBps > 0
}

// Run samples until ctx is canceled. A no-op when disabled.
func (m *Monitor) Run(ctx context.Context) {
	if !m.Enabled() {
		return
	}
	m.lastBytes = m.sample()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(m.interval)
		}
	}
}

// Poll evaluates one sampling window of the given length. Exported so tests
// can drive the monitor without real time.
func (m *Monitor) Poll(window time.Duration) {
	if !m.Enabled() || window <= 0 {
		return
	}
	now := m.sample()
	delta := now - m.lastBytes
	m.lastBytes = now
	if delta < 0 {
		// Counter was reset between samples; skip this window.
		return
	}

	rate := delta * int64(time.Second) / int64(window)
	switch {
	case rate > m.thresholdBps && !m.throttled:
		plog.Notice("Transfer rate above threshold, shrinking job budget",
			"rateBps", rate, "thresholdBps", m.thresholdBps, "budget", m.minBudget)
		m.budget.Store(m.minBudget)
		m.throttled = true
	case rate <= m.thresholdBps && m.throttled:
		plog.Notice("Transfer rate back below threshold, restoring job budget",
			"rateBps", rate, "budget", m.fullBudget)
		m.budget.Store(m.fullBudget)
		m.throttled = false
	}
}
