//go:build linux

package reactor

import (
	"go.uber.org/atomic"
)

// Stats is a snapshot of an [EventLoop]'s counters.
type Stats struct {
	// Dispatches counts handler invocations for readiness events.
	Dispatches uint64
	// Tasks counts queued functions run by the loop.
	Tasks uint64
	// Timeouts counts entries removed because their timeout expired.
	Timeouts uint64
	// Panics counts recovered callback panics of any kind.
	Panics uint64
	// Wakeups counts interrupt source dispatches.
	Wakeups uint64
	// Ticks counts timing wheel ticks.
	Ticks uint64
	// Entries is the number of registered user entries.
	Entries int
}

type loopStats struct {
	dispatches atomic.Uint64
	tasks      atomic.Uint64
	timeouts   atomic.Uint64
	panics     atomic.Uint64
	wakeups    atomic.Uint64
	ticks      atomic.Uint64
}

// Stats returns a snapshot of the loop's counters. Safe for concurrent use.
func (l *EventLoop) Stats() Stats {
	return Stats{
		Dispatches: l.stats.dispatches.Load(),
		Tasks:      l.stats.tasks.Load(),
		Timeouts:   l.stats.timeouts.Load(),
		Panics:     l.stats.panics.Load(),
		Wakeups:    l.stats.wakeups.Load(),
		Ticks:      l.stats.ticks.Load(),
		Entries:    l.Len(),
	}
}
