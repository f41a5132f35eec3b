// Package metrics provides Prometheus collectors for the DEX node
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gardendex"

var (
	// Order pipeline
	OrdersCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "created_total",
			Help:      "Orders accepted by the processor",
		},
		[]string{"model", "side", "type"},
	)

	OrdersProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "processed_total",
			Help:      "Orders run through matching, by resulting status",
		},
		[]string{"model", "status"},
	)

	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "processing_duration_seconds",
			Help:      "Duration of one order-processing cycle",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
		[]string{"model"},
	)

	IntakeDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "intake_depth",
			Help:      "Orders and cancels waiting for a worker",
		},
	)

	// Trades
	TradesExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trades",
			Name:      "executed_total",
			Help:      "Matched trades",
		},
		[]string{"model", "pair"},
	)

	TradeVolume = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trades",
			Name:      "base_volume_total",
			Help:      "Traded volume in base token",
		},
		[]string{"pair"},
	)

	// Settlement
	Settlements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "outcomes_total",
			Help:      "Settlement outcomes: provisional, finalized, failed, expired, rejected",
		},
		[]string{"outcome"},
	)

	ReconciliationDebt = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "reconciliation_debt",
			Help:      "Trades executed whose settlement could not be finalized",
		},
	)

	// Pools
	PoolsCreatedOnDemand = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pools",
			Name:      "created_on_demand_total",
			Help:      "Pools created by the lenient pool policy",
		},
	)

	// Events
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events a slow subscriber could not accept",
		},
		[]string{"type"},
	)

	// HTTP
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		},
		[]string{"route", "method", "status"},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
