package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for RangeLedger.
type Metrics struct {
	// --- Engine ---
	ActionsApplied    *prometheus.CounterVec
	ActionsRejected   *prometheus.CounterVec
	ActionDuration    *prometheus.HistogramVec
	OpenPositions     prometheus.Gauge
	EngineSequence    prometheus.Gauge
	BreakerTripped    prometheus.Gauge
	EscrowedPositions prometheus.Gauge

	// --- Venue adapter ---
	AdapterCalls    *prometheus.CounterVec
	AdapterFailures *prometheus.CounterVec

	// --- Audit pipeline ---
	AuditRecordsWritten   prometheus.Counter
	AuditWriteErrors      prometheus.Counter
	AuditRecordsPublished prometheus.Counter
	AuditPublishDrops     prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05, 0.1,
	}

	return &Metrics{
		ActionsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "range_engine_actions_applied_total",
			Help: "Mutating actions committed by the engine",
		}, []string{"action"}),

		ActionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "range_engine_actions_rejected_total",
			Help: "Mutating actions rejected before commit",
		}, []string{"action", "reason"}),

		ActionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "range_engine_action_duration_seconds",
			Help:    "Time to execute a mutating action, including venue calls",
			Buckets: latencyBuckets,
		}, []string{"action"}),

		OpenPositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "range_ledger_open_positions",
			Help: "Live positions in the ledger",
		}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "range_engine_sequence",
			Help: "Current audit sequence number",
		}),

		BreakerTripped: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "range_breaker_tripped",
			Help: "1 while the global circuit breaker is tripped",
		}),

		EscrowedPositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "range_ledger_escrowed_positions",
			Help: "Positions parked in escrow pending manual resolution",
		}),

		AdapterCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "range_adapter_calls_total",
			Help: "Calls made to the market adapter",
		}, []string{"method"}),

		AdapterFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "range_adapter_failures_total",
			Help: "Market adapter calls that returned an error",
		}, []string{"method"}),

		AuditRecordsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "range_audit_records_written_total",
			Help: "Audit records persisted to Postgres",
		}),

		AuditWriteErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "range_audit_write_errors_total",
			Help: "Audit persistence failures",
		}),

		AuditRecordsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "range_audit_records_published_total",
			Help: "Audit records published to NATS",
		}),

		AuditPublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "range_audit_publish_drops_total",
			Help: "Audit records dropped on the publish channel",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "range_query_requests_total",
			Help: "Read-only API requests",
		}, []string{"endpoint"}),
	}
}
