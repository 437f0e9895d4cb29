package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RowsClassified counts gate outcomes per command (blocked, warned, clean)
	RowsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rideline_rows_classified_total",
			Help: "Total number of rows classified by the validation gate",
		},
		[]string{"command", "class"},
	)

	// ActionsTotal counts per-row action results (applied, failed, aborted)
	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rideline_actions_total",
			Help: "Total number of row actions attempted",
		},
		[]string{"command", "outcome"},
	)

	// RetryOutcomes counts retry queue results (enqueued, succeeded, rescheduled, expired)
	RetryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rideline_retry_outcomes_total",
			Help: "Total number of retry queue item outcomes",
		},
		[]string{"outcome"},
	)

	RetryQueueItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rideline_retry_queue_items",
			Help: "Number of items currently waiting in the retry queue",
		},
	)
)
