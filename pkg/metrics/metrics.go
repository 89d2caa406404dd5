package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "everclear_settler_build_info",
			Help: "Build information of the Everclear reward settler",
		},
		[]string{"version", "commit", "date"},
	)

	SettleRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "everclear_settler_settle_runs_total",
			Help: "Total number of settlement runs by outcome",
		},
		[]string{"status"},
	)

	SettleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "everclear_settler_settle_duration_seconds",
			Help:    "Duration of settlement runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
	)

	LockEventsProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "everclear_settler_lock_events_processed_total",
			Help: "Total number of new lock position events reconciled",
		},
	)

	EpochsSettledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "everclear_settler_epochs_settled_total",
			Help: "Total number of epochs fully settled and checkpointed",
		},
	)

	PriceLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "everclear_settler_price_lookups_total",
			Help: "Total number of historic price lookups",
		},
		[]string{"status"},
	)
)
