// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Stream metrics
	TicksProcessed     *prometheus.CounterVec
	TicksMalformed     prometheus.Counter
	TicksDropped       prometheus.Counter
	CandlesRolled      *prometheus.CounterVec
	StreamReconnects   prometheus.Counter
	ActiveSubscribers  prometheus.Gauge
	ActiveChannels     prometheus.Gauge

	// History metrics
	HistoryFetchDuration *prometheus.HistogramVec
	HistoryFetchErrors   prometheus.Counter
	HistoryBarsFetched   prometheus.Counter

	// Price feed metrics
	PriceUpdates        *prometheus.CounterVec
	PriceFeedReconnects prometheus.Counter

	// PnL metrics
	PnlComputations   prometheus.Counter
	PnlComputeSkipped prometheus.Counter

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastTickReceived prometheus.Gauge
	UptimeSeconds    prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "perp_core"
	}

	return &Metrics{
		// Stream metrics
		TicksProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "ticks_processed_total",
			Help:      "Total number of trade ticks processed by channel",
		}, []string{"channel"}),
		TicksMalformed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "ticks_malformed_total",
			Help:      "Total number of unparseable or incomplete tick records skipped",
		}),
		TicksDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "ticks_dropped_total",
			Help:      "Total number of stale ticks dropped by the aggregator",
		}),
		CandlesRolled: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "candles_rolled_total",
			Help:      "Total number of candle bucket rollovers by resolution",
		}, []string{"resolution"}),
		StreamReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Total number of upstream tick stream reconnect attempts",
		}),
		ActiveSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "active_subscribers",
			Help:      "Current number of active stream subscriptions",
		}),
		ActiveChannels: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "active_channels",
			Help:      "Current number of channels with at least one subscriber",
		}),

		// History metrics
		HistoryFetchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "fetch_duration_seconds",
			Help:      "History endpoint fetch duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"resolution"}),
		HistoryFetchErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "fetch_errors_total",
			Help:      "Total number of failed history fetches",
		}),
		HistoryBarsFetched: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "history",
			Name:      "bars_fetched_total",
			Help:      "Total number of historical bars fetched",
		}),

		// Price feed metrics
		PriceUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricefeed",
			Name:      "updates_total",
			Help:      "Total number of price feed updates by feed ID",
		}, []string{"feed"}),
		PriceFeedReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricefeed",
			Name:      "reconnects_total",
			Help:      "Total number of price feed reconnect attempts",
		}),

		// PnL metrics
		PnlComputations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pnl",
			Name:      "computations_total",
			Help:      "Total number of position PnL computations",
		}),
		PnlComputeSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pnl",
			Name:      "computations_skipped_total",
			Help:      "Total number of PnL computations skipped for missing prices",
		}),

		// Database metrics
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// Health metrics
		LastTickReceived: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_tick_received_timestamp",
			Help:      "Unix timestamp of the most recent trade tick",
		}),
		UptimeSeconds: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "uptime_seconds_total",
			Help:      "Total uptime in seconds",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordTick increments the processed-ticks counter for a channel and
// refreshes the last-tick health gauge.
func RecordTick(channel string, tsUnix int64) {
	DefaultMetrics.TicksProcessed.WithLabelValues(channel).Inc()
	DefaultMetrics.LastTickReceived.Set(float64(tsUnix))
}

// RecordMalformedTick increments the malformed-tick counter.
func RecordMalformedTick() {
	DefaultMetrics.TicksMalformed.Inc()
}

// RecordDroppedTick increments the stale-tick counter.
func RecordDroppedTick() {
	DefaultMetrics.TicksDropped.Inc()
}

// RecordCandleRolled increments the rollover counter for a resolution.
func RecordCandleRolled(resolution string) {
	DefaultMetrics.CandlesRolled.WithLabelValues(resolution).Inc()
}

// RecordStreamReconnect increments the stream reconnect counter.
func RecordStreamReconnect() {
	DefaultMetrics.StreamReconnects.Inc()
}

// UpdateSubscriberCounts updates the subscriber and channel gauges.
func UpdateSubscriberCounts(subscribers, channels int) {
	DefaultMetrics.ActiveSubscribers.Set(float64(subscribers))
	DefaultMetrics.ActiveChannels.Set(float64(channels))
}

// RecordHistoryFetch records one history fetch.
func RecordHistoryFetch(resolution string, seconds float64, bars int, err error) {
	DefaultMetrics.HistoryFetchDuration.WithLabelValues(resolution).Observe(seconds)
	if err != nil {
		DefaultMetrics.HistoryFetchErrors.Inc()
		return
	}
	DefaultMetrics.HistoryBarsFetched.Add(float64(bars))
}

// RecordPriceUpdate increments the price update counter for a feed.
func RecordPriceUpdate(feed string) {
	DefaultMetrics.PriceUpdates.WithLabelValues(feed).Inc()
}

// RecordPriceFeedReconnect increments the price feed reconnect counter.
func RecordPriceFeedReconnect() {
	DefaultMetrics.PriceFeedReconnects.Inc()
}

// RecordPnlComputation counts one PnL pass; skipped marks a missing price.
func RecordPnlComputation(skipped bool) {
	if skipped {
		DefaultMetrics.PnlComputeSkipped.Inc()
		return
	}
	DefaultMetrics.PnlComputations.Inc()
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
