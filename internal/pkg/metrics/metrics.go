package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OfferTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otcgate_offer_transitions_total",
		Help: "Offer state transitions by chain and target status",
	}, []string{"chain", "status"})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "otcgate_latency_bucket",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	PriceGuardRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otcgate_price_guard_rejects_total",
		Help: "Quote price guard rejections",
	}, []string{"reason", "stage"})

	InventoryOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otcgate_inventory_ops_total",
		Help: "Inventory ledger operations",
	}, []string{"op", "result"})

	ChainSubmits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otcgate_chain_submits_total",
		Help: "Transactions submitted per chain and outcome",
	}, []string{"chain", "method", "result"})

	ConfirmationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "otcgate_confirmation_seconds",
		Help:    "Time spent waiting for confirmations",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"chain"})

	ReconcileUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otcgate_reconcile_updates_total",
		Help: "Offers corrected by reconciliation",
	}, []string{"chain", "from", "to"})

	ChainResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otcgate_chain_resets_total",
		Help: "Detected block height regressions",
	}, []string{"chain"})

	PriceFeedConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "otcgate_price_feed_connected",
		Help: "1 when the price stream is connected",
	})

	NotifyConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "otcgate_nats_connected",
		Help: "1 when the event publisher is connected",
	})

	NotifyPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otcgate_notify_publishes_total",
		Help: "Domain events published",
	}, []string{"result"})

	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otcgate_reconcile_runs_total",
		Help: "Reconciliation passes by trigger and outcome",
	}, []string{"trigger", "result"})
)
