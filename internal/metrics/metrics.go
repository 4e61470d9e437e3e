package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheResult captures the outcome of a tenant store snapshot lookup.
type CacheResult string

const (
	CacheHit  CacheResult = "hit"
	CacheMiss CacheResult = "miss"
)

// Recorder publishes Prometheus metrics for the evaluation pipeline and
// tenant stores.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requestsTotal    *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	storeCacheOps    *prometheus.CounterVec
	decisionLogDrops prometheus.Counter
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wafu",
		Subsystem: "pipeline",
		Name:      "requests_total",
		Help:      "Total requests processed by the pipeline orchestrator, by final action.",
	}, []string{"action"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wafu",
		Subsystem: "pipeline",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed requests, by final action.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	}, []string{"action"})

	storeCacheOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wafu",
		Subsystem: "store",
		Name:      "snapshot_cache_total",
		Help:      "Tenant store snapshot cache lookups, by result.",
	}, []string{"result"})

	decisionLogDrops := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wafu",
		Subsystem: "decisionlog",
		Name:      "dropped_total",
		Help:      "Decision log events dropped due to buffer overflow.",
	})

	reg.MustRegister(requestsTotal, requestLatency, storeCacheOps, decisionLogDrops)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:         reg,
		handler:          handler,
		requestsTotal:    requestsTotal,
		requestLatency:   requestLatency,
		storeCacheOps:    storeCacheOps,
		decisionLogDrops: decisionLogDrops,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and
// advanced integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the final action and latency of one completed
// request through the pipeline orchestrator.
func (r *Recorder) ObserveRequest(action string, duration time.Duration) {
	if r == nil {
		return
	}
	label := normalizeLabel(action)
	r.requestsTotal.WithLabelValues(label).Inc()
	r.requestLatency.WithLabelValues(label).Observe(duration.Seconds())
}

// ObserveStoreCache records a tenant store snapshot cache hit or miss.
func (r *Recorder) ObserveStoreCache(result CacheResult) {
	if r == nil {
		return
	}
	r.storeCacheOps.WithLabelValues(string(result)).Inc()
}

// DecisionLogDropped returns the counter the decision logger increments on
// buffer overflow (wafu_decisionlog_dropped_total, per SPEC_FULL.md §4.9).
func (r *Recorder) DecisionLogDropped() prometheus.Counter {
	if r == nil {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: "noop"})
	}
	return r.decisionLogDrops
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
