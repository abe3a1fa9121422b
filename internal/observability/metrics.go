// Package observability holds the Prometheus collector and the OTLP
// tracing setup shared by the API and worker processes.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the process metrics registry. Each process builds its own
// collector; nothing registers against the global default registry.
type Collector struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	QueryRequests  *prometheus.CounterVec
	QueryDuration  *prometheus.HistogramVec
	SemanticHits   prometheus.Counter
	SubgraphHits   prometheus.Counter
	SubgraphMisses prometheus.Counter

	IngestDocuments  *prometheus.CounterVec
	IngestTombstones prometheus.Counter
	OutboxDrained    prometheus.Counter
	OutboxDiscarded  prometheus.Counter

	CircuitTransitions *prometheus.CounterVec
	LLMFallbacks       *prometheus.CounterVec
	KafkaMalformed     prometheus.Counter
}

// NewCollector creates a collector under the given metric namespace.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		QueryRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_requests_total",
			Help:      "Retrieval requests by path and outcome",
		}, []string{"path", "complexity", "status"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "End-to-end retrieval duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),
		SemanticHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "semantic_cache_hits_total",
			Help:      "Semantic cache hits",
		}),
		SubgraphHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subgraph_cache_hits_total",
			Help:      "Subgraph cache hits",
		}),
		SubgraphMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subgraph_cache_misses_total",
			Help:      "Subgraph cache misses",
		}),
		IngestDocuments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_documents_total",
			Help:      "Ingested documents by source type and outcome",
		}, []string{"source_type", "status"}),
		IngestTombstones: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_tombstones_total",
			Help:      "Edges tombstoned by sweeps",
		}),
		OutboxDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_drained_total",
			Help:      "Vector-sync events processed successfully",
		}),
		OutboxDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_discarded_total",
			Help:      "Vector-sync events dropped after exhausting retries",
		}),
		CircuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"breaker", "state"}),
		LLMFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_fallbacks_total",
			Help:      "Provider fallbacks by provider",
		}, []string{"provider"}),
		KafkaMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_malformed_messages_total",
			Help:      "Skipped malformed kafka messages",
		}),
	}

	registry.MustRegister(
		c.HTTPRequests, c.HTTPDuration,
		c.QueryRequests, c.QueryDuration,
		c.SemanticHits, c.SubgraphHits, c.SubgraphMisses,
		c.IngestDocuments, c.IngestTombstones,
		c.OutboxDrained, c.OutboxDiscarded,
		c.CircuitTransitions, c.LLMFallbacks, c.KafkaMalformed,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
