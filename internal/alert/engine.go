// Package alert classifies resource samples against warning/critical
// thresholds and rate-limits the resulting admin notifications. Two
// severities with asymmetric cooldowns keep critical issues at least as
// prompt as warnings while avoiding notification storms.
package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/panelwarden/panelwarden/internal/clock"
	"github.com/panelwarden/panelwarden/internal/metrics"
	"github.com/panelwarden/panelwarden/internal/notify"
	"github.com/panelwarden/panelwarden/internal/storage"
	"github.com/rs/zerolog"
)

// Severity is the alert level.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	minCriticalCooldown = time.Minute
	minWarningCooldown  = 5 * time.Minute
)

// Thresholds are the per-metric critical thresholds (percent) and the base
// cooldown, sourced from admin settings.
type Thresholds struct {
	CPU      int
	Mem      int
	Disk     int
	Cooldown time.Duration
}

// warningFor derives the warning threshold from a critical one: 20 points
// below, but never under 50.
func warningFor(critical int) int {
	w := critical - 20
	if w < 50 {
		w = 50
	}
	return w
}

// breach is one metric over a threshold.
type breach struct {
	Kind      string // "cpu", "memory", "disk"
	Value     float64
	Threshold int
}

// stateKey identifies one cooldown entry. A change in which metrics breach
// produces a different signature and therefore a fresh alert condition.
type stateKey struct {
	Scope     string
	Name      string
	Severity  Severity
	Signature string
}

// Engine evaluates samples and sends cooldown-gated alerts to admins.
type Engine struct {
	store    storage.Store
	sink     notify.Sink
	clk      clock.Clock
	log      zerolog.Logger
	lastSent map[stateKey]time.Time
}

// NewEngine constructs an Engine with empty cooldown state.
func NewEngine(store storage.Store, sink notify.Sink, clk clock.Clock, log zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		sink:     sink,
		clk:      clk,
		log:      log,
		lastSent: make(map[stateKey]time.Time),
	}
}

// Evaluate classifies one sample for one monitored object and sends at most
// one alert per severity. Metrics absent from the sample are ignored; with
// no admins configured the engine is a no-op.
func (e *Engine) Evaluate(ctx context.Context, scope, name string, sample storage.MetricRow, thr Thresholds) {
	var critical, warning []breach

	classify := func(kind string, value *float64, critThr int) {
		if value == nil {
			return
		}
		switch {
		case *value >= float64(critThr):
			critical = append(critical, breach{Kind: kind, Value: *value, Threshold: critThr})
		case *value >= float64(warningFor(critThr)):
			warning = append(warning, breach{Kind: kind, Value: *value, Threshold: warningFor(critThr)})
		}
	}
	classify("cpu", sample.CPUPercent, thr.CPU)
	classify("memory", sample.MemPercent, thr.Mem)
	classify("disk", sample.DiskPercent, thr.Disk)

	if len(critical) == 0 && len(warning) == 0 {
		return
	}

	admins, err := e.store.AdminIDs()
	if err != nil {
		e.log.Error().Err(err).Msg("alert: admin lookup failed")
		return
	}
	if len(admins) == 0 {
		return
	}

	if len(critical) > 0 {
		cooldown := thr.Cooldown
		if cooldown < minCriticalCooldown {
			cooldown = minCriticalCooldown
		}
		e.maybeSend(ctx, scope, name, SeverityCritical, critical, cooldown)
	}
	if len(warning) > 0 {
		cooldown := 2 * thr.Cooldown
		if cooldown < minWarningCooldown {
			cooldown = minWarningCooldown
		}
		e.maybeSend(ctx, scope, name, SeverityWarning, warning, cooldown)
	}
}

// maybeSend delivers one alert unless the same breach signature fired within
// the cooldown window.
func (e *Engine) maybeSend(ctx context.Context, scope, name string, sev Severity, breaches []breach, cooldown time.Duration) {
	key := stateKey{Scope: scope, Name: name, Severity: sev, Signature: signature(breaches)}
	now := e.clk.Now()

	if last, ok := e.lastSent[key]; ok && now.Sub(last) < cooldown {
		return
	}
	e.lastSent[key] = now

	text := renderAlert(scope, name, sev, breaches, now)
	if err := e.sink.SendToAdmins(ctx, text); err != nil {
		e.log.Error().Err(err).Str("object", name).Str("severity", string(sev)).
			Msg("alert delivery failed")
		return
	}
	metrics.AlertsSent.WithLabelValues(string(sev)).Inc()
	e.log.Info().Str("scope", scope).Str("object", name).Str("severity", string(sev)).
		Str("signature", key.Signature).Msg("resource alert sent")
}

// signature is the sorted list of breached metric kinds.
func signature(breaches []breach) string {
	kinds := make([]string, 0, len(breaches))
	for _, b := range breaches {
		kinds = append(kinds, b.Kind)
	}
	sort.Strings(kinds)
	return strings.Join(kinds, ",")
}

var kindLabels = map[string]string{
	"cpu":    "CPU",
	"memory": "Memory",
	"disk":   "Disk",
}

// renderAlert builds the admin message enumerating every breach.
func renderAlert(scope, name string, sev Severity, breaches []breach, now time.Time) string {
	var b strings.Builder
	if sev == SeverityCritical {
		b.WriteString("🚨 CRITICAL ALERT\n\n")
	} else {
		b.WriteString("⚠️ WARNING\n\n")
	}

	switch scope {
	case "local":
		fmt.Fprintf(&b, "Object: panel (%s)\n", name)
	case "host":
		fmt.Fprintf(&b, "Object: host %s\n", name)
	case "target":
		fmt.Fprintf(&b, "Object: probe target %s\n", name)
	default:
		fmt.Fprintf(&b, "Object: %s:%s\n", scope, name)
	}
	fmt.Fprintf(&b, "Time: %s\n\nIssues:\n", now.Format("02.01.2006 15:04:05"))

	for _, br := range breaches {
		label := kindLabels[br.Kind]
		if label == "" {
			label = br.Kind
		}
		fmt.Fprintf(&b, "  • %s: %.1f%% (threshold: %d%%)\n", label, br.Value, br.Threshold)
	}
	return b.String()
}
