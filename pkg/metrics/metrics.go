package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "spotex"

var (
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_total",
		Help:      "Orders processed by the matching engine, by final status.",
	}, []string{"pair", "status"})

	RejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_rejects_total",
		Help:      "Rejected requests by error code.",
	}, []string{"pair", "code"})

	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trades_total",
		Help:      "Executed trades.",
	}, []string{"pair"})

	RestingOrders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "resting_orders",
		Help:      "Orders currently resting in the book.",
	}, []string{"pair"})

	MatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_duration_seconds",
		Help:      "Latency of one submit from admit to residual handling.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15), // 100us ~ 1.6s
	}, []string{"pair"})

	MailboxFull = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mailbox_full_total",
		Help:      "Commands refused with EngineBusy because the pair mailbox was full.",
	}, []string{"pair"})

	ConsistencyViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consistency_violations_total",
		Help:      "Ledger/book consistency violations. Any increase needs an operator.",
	}, []string{"pair"})

	PersistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persistence_failures_total",
		Help:      "Failed persistence units (rolled back in memory).",
	}, []string{"pair", "step"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Envelopes handed to the broker.",
	}, []string{"channel"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events dropped because the fan-out buffer was full or the broker failed.",
	}, []string{"reason"})

	GoroutinePanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "goroutine_panics_total",
		Help:      "Recovered goroutine panics.",
	}, []string{"goroutine"})

	DbPoolOpen  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_open"})
	DbPoolInuse = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_inuse"})
	DbPoolIdle  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "db_pool_idle"})
)
