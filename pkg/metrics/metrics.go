// Package metrics declares the prometheus collectors for the matching and
// settlement pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersMatched counts incoming orders processed by the engine, by side.
var OrdersMatched = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chainvenue_orders_matched_total",
		Help: "Total number of incoming orders processed by the matching engine",
	},
	[]string{"side"},
)

// MatchesProduced counts matches recorded, by origin (live or retroactive).
var MatchesProduced = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chainvenue_matches_produced_total",
		Help: "Total number of matches recorded",
	},
	[]string{"origin"},
)

// MatchLatency records latency distribution for one match() invocation.
var MatchLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "chainvenue_match_latency_seconds",
		Help:    "Latency in seconds to match a single incoming order",
		Buckets: prometheus.DefBuckets,
	},
)

// SettlementAttempts counts settlement submissions by outcome
// (confirmed, retry, failed).
var SettlementAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chainvenue_settlement_attempts_total",
		Help: "Total settlement submission attempts by outcome",
	},
	[]string{"outcome"},
)

// SettlementQueueDepth tracks queued and retry-pending items.
var SettlementQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "chainvenue_settlement_queue_depth",
		Help: "Number of settlement queue items awaiting submission",
	},
)

// Register registers all collectors on the given registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(
		OrdersMatched,
		MatchesProduced,
		MatchLatency,
		SettlementAttempts,
		SettlementQueueDepth,
	)
}
