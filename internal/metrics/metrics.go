// Package metrics declares the Prometheus collectors shared by the services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HistoricalPages counts REST page requests by result ("ok", "empty", "failed").
	HistoricalPages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefeed_historical_pages_total",
			Help: "Historical trade pages requested from the exchange",
		},
		[]string{"product_id", "result"},
	)

	TradesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefeed_trades_published_total",
			Help: "Trades handed to the downstream Kafka topic",
		},
		[]string{"product_id", "source"},
	)

	PublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pricefeed_publish_errors_total",
			Help: "Kafka publish failures",
		},
	)

	ReconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefeed_ws_reconnect_attempts_total",
			Help: "Live connector reconnect attempts by outcome",
		},
		[]string{"outcome"},
	)

	// ConnectionState mirrors the live connector state machine (0 disconnected .. 3 degraded).
	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pricefeed_ws_connection_state",
			Help: "Current live connector state",
		},
	)

	DedupRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricefeed_dedup_records_total",
			Help: "Records seen by the dedup service by verdict",
		},
		[]string{"topic", "verdict"},
	)

	ArchivedTrades = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pricefeed_archived_trades_total",
			Help: "Unique trades written to ClickHouse",
		},
	)
)
