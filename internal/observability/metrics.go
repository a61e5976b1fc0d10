package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for WalletLedger.
type Metrics struct {
	// --- Balance Change Processor ---
	ChangesApplied  *prometheus.CounterVec
	ChangesRejected *prometheus.CounterVec
	ApplyDuration   *prometheus.HistogramVec
	LockWait        prometheus.Histogram

	// --- Idempotency ---
	IdempotentReplays *prometheus.CounterVec
	DedupLRUSize      prometheus.Gauge
	DedupLRUEvictions prometheus.Counter

	// --- Reservations ---
	ReservationTransitions *prometheus.CounterVec
	CompensationFailures   *prometheus.CounterVec
	ReconcileMismatches    prometheus.Gauge

	// --- Rollover ---
	RolloverConsumed  prometheus.Counter
	BonusConversions  *prometheus.CounterVec
	BonusForfeited    *prometheus.CounterVec
	InvariantFailures prometheus.Gauge

	// --- Ingestion ---
	IngestMessages *prometheus.CounterVec
	PublishDrops   prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	CacheLookups  *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on reg.
// Pass prometheus.DefaultRegisterer in the binary and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0,
	}

	return &Metrics{
		// Processor
		ChangesApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_changes_applied_total",
			Help: "Balance changes committed",
		}, []string{"type"}),

		ChangesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_changes_rejected_total",
			Help: "Balance changes rejected (validation, funds, duplicate)",
		}, []string{"type", "reason"}),

		ApplyDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wallet_change_apply_duration_seconds",
			Help:    "Validate-lock-apply-record duration",
			Buckets: latencyBuckets,
		}, []string{"type"}),

		LockWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wallet_lock_wait_seconds",
			Help:    "Time spent waiting for the wallet row lock",
			Buckets: latencyBuckets,
		}),

		// Idempotency
		IdempotentReplays: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_idempotent_replays_total",
			Help: "Replayed references (lru/store)",
		}, []string{"type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "wallet_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "wallet_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		// Reservations
		ReservationTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_reservation_transitions_total",
			Help: "Reservation request state transitions",
		}, []string{"kind", "to"}),

		CompensationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_compensation_failures_total",
			Help: "Reservations whose compensating release failed; require operator reconciliation",
		}, []string{"kind"}),

		ReconcileMismatches: f.NewGauge(prometheus.GaugeOpts{
			Name: "wallet_reconcile_mismatches",
			Help: "Wallets whose locked balance differs from open requests (last sweep)",
		}),

		// Rollover
		RolloverConsumed: f.NewCounter(prometheus.CounterOpts{
			Name: "wallet_rollover_consumed_total",
			Help: "Rollover volume consumed by wagers (minor units)",
		}),

		BonusConversions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_bonus_conversions_total",
			Help: "Bonus-to-real conversions",
		}, []string{"capped"}),

		BonusForfeited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_bonus_forfeited_total",
			Help: "Bonus funds discarded (minor units)",
		}, []string{"reason"}),

		InvariantFailures: f.NewGauge(prometheus.GaugeOpts{
			Name: "wallet_invariant_violations",
			Help: "Wallets violating the balance invariant (last check)",
		}),

		// Ingestion
		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_ingest_messages_total",
			Help: "Inbound messages by subject kind and outcome",
		}, []string{"kind", "outcome"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "wallet_publish_drops_total",
			Help: "Ledger events dropped due to full publish channel",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wallet_query_duration_seconds",
			Help:    "Query latency",
			Buckets: latencyBuckets,
		}, []string{"endpoint"}),

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_snapshot_cache_lookups_total",
			Help: "Balance snapshot cache lookups (hit/miss/error)",
		}, []string{"result"}),
	}
}
