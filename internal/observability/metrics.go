package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resv_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	ReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resv_reservations_total",
			Help: "Total reservations created",
		},
		[]string{"kind"},
	)

	InsufficientStockTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resv_insufficient_stock_total",
			Help: "Total reservation attempts rejected for lack of stock",
		},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "resv_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resv_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	SettlementRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resv_settlement_retries_total",
			Help: "Total settlement payout retries",
		},
	)

	SettlementsFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resv_settlements_failed_total",
			Help: "Settlements that exhausted their retries",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "resv_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)
