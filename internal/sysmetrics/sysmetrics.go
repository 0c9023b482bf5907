// Package sysmetrics collects resource usage samples for the panel host and
// for remote machines reachable through an injected command runner. Samples
// carry optional fields: a collector reports what it could measure and leaves
// the rest nil.
package sysmetrics

import (
	"context"
	"time"

	"github.com/panelwarden/panelwarden/internal/storage"
)

// Sample is one resource usage reading. Nil fields were not measurable.
type Sample struct {
	CPUPercent  *float64
	MemPercent  *float64
	DiskPercent *float64
	Load1       *float64
	NetSent     *uint64
	NetRecv     *uint64
}

// Row converts the sample into its stored form.
func (s Sample) Row(scope, name string, at time.Time) storage.MetricRow {
	return storage.MetricRow{
		Scope:       scope,
		Name:        name,
		CPUPercent:  s.CPUPercent,
		MemPercent:  s.MemPercent,
		DiskPercent: s.DiskPercent,
		Load1:       s.Load1,
		NetSent:     s.NetSent,
		NetRecv:     s.NetRecv,
		At:          at,
	}
}

// Collector produces one sample per call.
type Collector interface {
	Collect(ctx context.Context) (Sample, error)
}

// Source pairs a collector with the identity its samples are stored under.
type Source struct {
	Scope     string // "local", "host" or "target"
	Name      string
	Collector Collector
}

func f64ptr(v float64) *float64 { return &v }
func u64ptr(v uint64) *uint64   { return &v }
