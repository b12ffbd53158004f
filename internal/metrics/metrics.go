// Package metrics provides Prometheus metrics for ingest and query traffic.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/seanblong/repoqa/internal/apperr"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Ingest
	IngestTotal      *prometheus.CounterVec
	IngestDuration   prometheus.Histogram
	ActiveIngestions prometheus.Gauge
	ChunksIndexed    prometheus.Counter

	// Embedding
	EmbedBatches       *prometheus.CounterVec
	EmbedBatchDuration prometheus.Histogram
	EmbeddedTexts      prometheus.Counter

	// Query
	QueryTotal       *prometheus.CounterVec
	QueryDuration    prometheus.Histogram
	QueryCacheHits   prometheus.Counter
	QueryCacheMisses prometheus.Counter

	// Registry
	Repositories prometheus.Gauge
}

// New creates the collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		IngestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "repoqa_ingest_total",
			Help: "Ingest attempts by outcome kind",
		}, []string{"outcome"}),
		IngestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "repoqa_ingest_duration_seconds",
			Help:    "Duration of successful ingests in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17min
		}),
		ActiveIngestions: f.NewGauge(prometheus.GaugeOpts{
			Name: "repoqa_active_ingestions",
			Help: "Number of ingests currently running",
		}),
		ChunksIndexed: f.NewCounter(prometheus.CounterOpts{
			Name: "repoqa_chunks_indexed_total",
			Help: "Total number of chunks placed in an index",
		}),

		EmbedBatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "repoqa_embed_batches_total",
			Help: "Embedding provider calls by result",
		}, []string{"result"}),
		EmbedBatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "repoqa_embed_batch_duration_seconds",
			Help:    "Duration of embedding provider calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}),
		EmbeddedTexts: f.NewCounter(prometheus.CounterOpts{
			Name: "repoqa_embedded_texts_total",
			Help: "Total number of texts sent to the embedding provider",
		}),

		QueryTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "repoqa_query_total",
			Help: "Queries by outcome kind",
		}, []string{"outcome"}),
		QueryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "repoqa_query_duration_seconds",
			Help:    "Duration of successful queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		}),
		QueryCacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "repoqa_query_cache_hits_total",
			Help: "Query embeddings served from cache",
		}),
		QueryCacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "repoqa_query_cache_misses_total",
			Help: "Query embeddings computed by the provider",
		}),

		Repositories: f.NewGauge(prometheus.GaugeOpts{
			Name: "repoqa_repositories",
			Help: "Number of repositories with a ready index",
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// outcome labels an error by its kind, "ok" for nil.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(apperr.KindOf(err))
}

// IngestStarted marks an ingest as running and returns the func that
// records its end.
func (m *Metrics) IngestStarted() func(chunks int, err error) {
	if m == nil {
		return func(int, error) {}
	}
	start := time.Now()
	m.ActiveIngestions.Inc()
	return func(chunks int, err error) {
		m.ActiveIngestions.Dec()
		m.IngestTotal.WithLabelValues(outcome(err)).Inc()
		if err == nil {
			m.IngestDuration.Observe(time.Since(start).Seconds())
			m.ChunksIndexed.Add(float64(chunks))
		}
	}
}

// ObserveEmbedBatch records one provider call.
func (m *Metrics) ObserveEmbedBatch(size int, took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EmbedBatches.WithLabelValues(result).Inc()
	m.EmbedBatchDuration.Observe(took.Seconds())
	m.EmbeddedTexts.Add(float64(size))
}

// ObserveQuery records one query.
func (m *Metrics) ObserveQuery(took time.Duration, err error) {
	if m == nil {
		return
	}
	m.QueryTotal.WithLabelValues(outcome(err)).Inc()
	if err == nil {
		m.QueryDuration.Observe(took.Seconds())
	}
}

// CacheLookup records a query-embedding cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.QueryCacheHits.Inc()
	} else {
		m.QueryCacheMisses.Inc()
	}
}

// SetRepositories sets the ready-repository gauge.
func (m *Metrics) SetRepositories(n int) {
	if m == nil {
		return
	}
	m.Repositories.Set(float64(n))
}
