package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "panelwarden"

var (
	// TickDuration records full orchestrator tick duration.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tick_duration_seconds",
		Help:      "Full orchestrator tick duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1.0, 5.0, 15.0, 60.0, 300.0},
	})

	// ReconcileRepairs counts key repairs applied per squad and kind.
	ReconcileRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_repairs_total",
		Help:      "Key repairs applied during reconciliation.",
	}, []string{"squad", "kind"})

	// ReconcileErrors counts per-squad reconcile passes that failed.
	ReconcileErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_errors_total",
		Help:      "Per-squad reconcile passes abandoned on error.",
	}, []string{"squad"})

	// NotificationsSent counts expiry notifications delivered per threshold.
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_sent_total",
		Help:      "Expiry notifications delivered, by hour threshold.",
	}, []string{"threshold"})

	// NotificationErrors counts expiry notification sends that failed.
	NotificationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notification_errors_total",
		Help:      "Expiry notification sends that failed.",
	})

	// AlertsSent counts resource alerts delivered per severity.
	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_sent_total",
		Help:      "Resource alerts delivered, by severity.",
	}, []string{"severity"})

	// JobRuns counts gated maintenance job completions.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_runs_total",
		Help:      "Gated maintenance job completions.",
	}, []string{"job", "status"})

	// PanelCalls counts raw panel API calls.
	PanelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "panel_calls_total",
		Help:      "Raw panel API call counts.",
	}, []string{"endpoint", "status"})

	// PanelDuration records panel API latency.
	PanelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "panel_duration_seconds",
		Help:      "Panel API call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"endpoint"})

	// AuthErrors counts panel re-auth calls that failed.
	AuthErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_errors_total",
		Help:      "Panel re-auth calls that failed.",
	})

	// ReauthTotal counts successful panel re-auth events.
	ReauthTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reauth_total",
		Help:      "Successful panel re-auth events.",
	})

	// TrackedKeys is a gauge of local key records per squad.
	TrackedKeys = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_keys",
		Help:      "Local key records per squad.",
	}, []string{"squad"})

	// DBSizeBytes tracks bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})

	// ProbeRuns counts link-quality probe completions per target.
	ProbeRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probe_runs_total",
		Help:      "Link-quality probe completions per target.",
	}, []string{"target", "status"})
)
