package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts webhook requests by event type and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingsync",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total provider webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookOutcomesTotal counts handled events by outcome.
	WebhookOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingsync",
		Subsystem: "webhook",
		Name:      "outcomes_total",
		Help:      "Handled webhook events by event kind and outcome.",
	}, []string{"kind", "outcome"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "billingsync",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// TransitionsTotal counts committed state changes.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingsync",
		Subsystem: "subscription",
		Name:      "transitions_total",
		Help:      "Committed subscription state transitions.",
	}, []string{"from", "to", "source"})

	// SweepResultsTotal counts per-subscription results of trial expiry sweeps.
	SweepResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingsync",
		Subsystem: "sweep",
		Name:      "results_total",
		Help:      "Trial expiry sweep results by result.",
	}, []string{"result"})

	// SweepRunsTotal counts sweep runs by status (ok, error, locked).
	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingsync",
		Subsystem: "sweep",
		Name:      "runs_total",
		Help:      "Trial expiry sweep runs by status.",
	}, []string{"status"})

	// StuckWebhookEvents is the number of ledger rows left unprocessed past the threshold.
	StuckWebhookEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "billingsync",
		Subsystem: "webhook",
		Name:      "stuck_events",
		Help:      "Webhook events recorded but not processed within the stuck threshold.",
	})

	// ProviderCallsTotal counts outbound provider calls by operation and result.
	ProviderCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingsync",
		Subsystem: "provider",
		Name:      "calls_total",
		Help:      "Outbound billing provider calls by operation and result.",
	}, []string{"operation", "result"})
)
