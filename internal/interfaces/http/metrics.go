package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

// MetricsRegistry holds all Prometheus metrics for the feed service.
// It doubles as the observer wired into the feed manager, the trade
// flusher and the depth trackers so those packages stay free of
// prometheus imports.
type MetricsRegistry struct {
	registry *prometheus.Registry

	MessagesReceived  *prometheus.CounterVec
	TradesIngested    prometheus.Counter
	ConnectorRestarts *prometheus.CounterVec
	DBWriteLatency    *prometheus.HistogramVec

	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec
	CacheHitRatio prometheus.Gauge

	ConnectedClients prometheus.Gauge
	ReplaySessions   prometheus.Counter
}

// NewMetricsRegistry creates a metrics registry backed by its own
// prometheus registry so repeated construction in tests does not
// collide.
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		registry: prometheus.NewRegistry(),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexusfeed_messages_received_total",
				Help: "Total number of market data messages ingested by type",
			},
			[]string{"type"},
		),

		TradesIngested: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nexusfeed_trades_ingested_total",
				Help: "Total number of trades committed to the store",
			},
		),

		ConnectorRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexusfeed_connector_restarts_total",
				Help: "Total number of connector resyncs and restarts",
			},
			[]string{"connector"},
		),

		DBWriteLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexusfeed_db_write_latency_seconds",
				Help:    "Latency of database write operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation"},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexusfeed_cache_hits_total",
				Help: "Total number of cache hits by cache type",
			},
			[]string{"cache_type"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexusfeed_cache_misses_total",
				Help: "Total number of cache misses by cache type",
			},
			[]string{"cache_type"},
		),

		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nexusfeed_cache_hit_ratio",
				Help: "Current cache hit ratio (0.0 to 1.0)",
			},
		),

		ConnectedClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nexusfeed_connected_clients",
				Help: "Number of currently connected stream clients",
			},
		),

		ReplaySessions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nexusfeed_replay_sessions_total",
				Help: "Total number of replay sessions created",
			},
		),
	}

	m.registry.MustRegister(
		m.MessagesReceived,
		m.TradesIngested,
		m.ConnectorRestarts,
		m.DBWriteLatency,
		m.CacheHits,
		m.CacheMisses,
		m.CacheHitRatio,
		m.ConnectedClients,
		m.ReplaySessions,
	)

	return m
}

// MessageReceived satisfies the feed manager's metrics hook.
func (m *MetricsRegistry) MessageReceived(eventType string) {
	m.MessagesReceived.WithLabelValues(eventType).Inc()
}

// TradesFlushed satisfies the persistence write observer.
func (m *MetricsRegistry) TradesFlushed(n int) {
	m.TradesIngested.Add(float64(n))
}

// ObserveWriteLatency satisfies the persistence write observer.
func (m *MetricsRegistry) ObserveWriteLatency(operation string, seconds float64) {
	m.DBWriteLatency.WithLabelValues(operation).Observe(seconds)
}

// ConnectorRestarted records a depth resync or poller restart.
func (m *MetricsRegistry) ConnectorRestarted(connector string) {
	m.ConnectorRestarts.WithLabelValues(connector).Inc()
}

// RecordCacheHit records a cache hit for the specified cache type.
func (m *MetricsRegistry) RecordCacheHit(cacheType string) {
	m.CacheHits.WithLabelValues(cacheType).Inc()
	m.updateCacheHitRatio()
}

// RecordCacheMiss records a cache miss for the specified cache type.
func (m *MetricsRegistry) RecordCacheMiss(cacheType string) {
	m.CacheMisses.WithLabelValues(cacheType).Inc()
	m.updateCacheHitRatio()
}

// ClientConnected adjusts the connected client gauge.
func (m *MetricsRegistry) ClientConnected()    { m.ConnectedClients.Inc() }
func (m *MetricsRegistry) ClientDisconnected() { m.ConnectedClients.Dec() }

// ReplaySessionCreated counts a new replay session.
func (m *MetricsRegistry) ReplaySessionCreated() { m.ReplaySessions.Inc() }

// updateCacheHitRatio recomputes the hit ratio across cache types.
func (m *MetricsRegistry) updateCacheHitRatio() {
	sample := &io_prometheus_client.Metric{}

	totalHits := 0.0
	totalMisses := 0.0
	for _, cacheType := range []string{"book"} {
		if hits, err := m.CacheHits.GetMetricWithLabelValues(cacheType); err == nil {
			if err := hits.Write(sample); err == nil {
				totalHits += sample.GetCounter().GetValue()
			}
		}
		if misses, err := m.CacheMisses.GetMetricWithLabelValues(cacheType); err == nil {
			if err := misses.Write(sample); err == nil {
				totalMisses += sample.GetCounter().GetValue()
			}
		}
	}

	total := totalHits + totalMisses
	if total > 0 {
		m.CacheHitRatio.Set(totalHits / total)
	}
}

// Handler returns the Prometheus scrape handler for this registry.
func (m *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
