// Package metrics exposes the order core's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Checkouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storefront",
		Name:      "checkouts_total",
		Help:      "Checkout attempts by result.",
	}, []string{"result"})

	Payments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storefront",
		Name:      "payment_confirmations_total",
		Help:      "Payment confirmations by method and result.",
	}, []string{"method", "result"})

	Cancellations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "storefront",
		Name:      "order_cancellations_total",
		Help:      "Orders cancelled by actor.",
	}, []string{"actor"})

	StockReleased = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "storefront",
		Name:      "stock_released_units_total",
		Help:      "Units returned to stock by cancellations.",
	})

	ReleaseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "storefront",
		Name:      "stock_release_failures_total",
		Help:      "Line releases that failed and were left for the next sweep.",
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "storefront",
		Name:      "reaper_sweep_seconds",
		Help:      "Duration of reservation reaper sweeps.",
		Buckets:   prometheus.DefBuckets,
	})

	SweepSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "storefront",
		Name:      "reaper_sweeps_skipped_total",
		Help:      "Sweeps skipped because another instance held the lock.",
	})
)
