// Package gate tracks, per named job, when it last ran successfully and
// answers whether it is due again. The orchestrator checks every job each
// tick; jobs that fail never advance their timestamp, so they are retried
// on the next tick instead of being postponed a full interval.
package gate

import (
	"sync"
	"time"

	"github.com/panelwarden/panelwarden/internal/clock"
)

// JobGate records last successful run times for named jobs.
type JobGate struct {
	mu      sync.Mutex
	clk     clock.Clock
	lastRun map[string]time.Time
}

// New returns an empty JobGate; every job is due until its first MarkRan.
func New(clk clock.Clock) *JobGate {
	return &JobGate{
		clk:     clk,
		lastRun: make(map[string]time.Time),
	}
}

// IsDue reports whether the named job should run given its minimum interval.
// It has no side effects: a job that checks and then decides not to run has
// nothing to undo.
func (g *JobGate) IsDue(job string, minInterval time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	last, ok := g.lastRun[job]
	if !ok {
		return true
	}
	return g.clk.Now().Sub(last) >= minInterval
}

// MarkRan records a successful run of the named job at the current time.
func (g *JobGate) MarkRan(job string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastRun[job] = g.clk.Now()
}

// LastRan returns the recorded timestamp for the named job, if any.
func (g *JobGate) LastRan(job string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	last, ok := g.lastRun[job]
	return last, ok
}
