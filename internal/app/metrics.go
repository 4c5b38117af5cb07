package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ordersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_orders_total",
		Help: "Purchase outcomes by network, processing method and settled status",
	}, []string{"network", "method", "status"})

	vendorRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fulfillment_vendor_request_duration_seconds",
		Help:    "Latency distribution of vendor submit calls",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"vendor", "outcome"})

	refundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_refunds_total",
		Help: "Refund credits applied, labeled by trigger",
	}, []string{"trigger"})

	reconcileSweepOrders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_reconcile_orders_total",
		Help: "Orders examined by the reconciliation sweep, by resolution",
	}, []string{"resolution"})
)
