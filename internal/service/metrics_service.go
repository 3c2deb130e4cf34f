package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/buildmaster-api/pkg/jobs"
)

// MetricsSnapshot is a compact view of the counters for the summary endpoint.
type MetricsSnapshot struct {
	RequestsTotal            uint64    `json:"requests_total"`
	AverageRequestDurationMs float64   `json:"average_request_duration_ms"`
	CacheHits                uint64    `json:"cache_hits"`
	CacheMisses              uint64    `json:"cache_misses"`
	CacheHitRatio            float64   `json:"cache_hit_ratio"`
	AuditCaptured            uint64    `json:"audit_captured"`
	AuditFailed              uint64    `json:"audit_failed"`
	AuditInlineRuns          uint64    `json:"audit_inline_runs"`
	AuditRejected            uint64    `json:"audit_rejected"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generated_at"`
}

// MetricsService owns the Prometheus registry. It also observes the audit dispatcher pool.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	auditCaptures   *prometheus.CounterVec
	poolTasks       *prometheus.CounterVec
	poolWorkers     *prometheus.GaugeVec
	poolTaskLatency *prometheus.HistogramVec

	cacheHitCount        uint64
	cacheMissCount       uint64
	requestCount         uint64
	requestDurationTotal uint64
	auditCaptured        uint64
	auditFailed          uint64
	auditInline          uint64
	auditRejected        uint64
}

var _ jobs.Observer = (*MetricsService)(nil)

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache lookups",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	auditCaptures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_capture_total",
		Help: "Audit entries persisted, by result",
	}, []string{"result"})

	poolTasks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_pool_tasks_total",
		Help: "Dispatcher pool task events, by outcome",
	}, []string{"pool", "outcome"})

	poolWorkers := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audit_pool_workers",
		Help: "Live dispatcher pool workers",
	}, []string{"pool"})

	poolTaskLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "audit_pool_task_duration_seconds",
		Help:    "Time spent running dispatcher pool tasks",
		Buckets: prometheus.DefBuckets,
	}, []string{"pool"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses,
		auditCaptures, poolTasks, poolWorkers, poolTaskLatency, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheLatency:    cacheLatency,
		cacheWrite:      cacheWrite,
		cacheHitRatio:   cacheHitRatio,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		auditCaptures:   auditCaptures,
		poolTasks:       poolTasks,
		poolWorkers:     poolWorkers,
		poolTaskLatency: poolTaskLatency,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// TrackPoolQueue exports the queue depth of a pool as a gauge.
func (m *MetricsService) TrackPoolQueue(name string, stats func() jobs.PoolStats) {
	if m == nil || stats == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "audit_pool_queue_depth",
		Help:        "Tasks waiting in the dispatcher pool queue",
		ConstLabels: prometheus.Labels{"pool": name},
	}, func() float64 {
		return float64(stats().Queued)
	}))
}

// ObserveHTTPRequest records request metrics and aggregates simple stats for snapshots.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	total := hits + atomic.LoadUint64(&m.cacheMissCount)
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// RecordAuditCapture counts a persisted or failed audit entry.
func (m *MetricsService) RecordAuditCapture(success bool) {
	if m == nil {
		return
	}
	if success {
		m.auditCaptures.WithLabelValues("success").Inc()
		atomic.AddUint64(&m.auditCaptured, 1)
		return
	}
	m.auditCaptures.WithLabelValues("failure").Inc()
	atomic.AddUint64(&m.auditFailed, 1)
}

// TaskQueued implements jobs.Observer.
func (m *MetricsService) TaskQueued(pool string) {
	if m == nil {
		return
	}
	m.poolTasks.WithLabelValues(pool, "queued").Inc()
}

// TaskInline implements jobs.Observer. Inline runs mean the pool was saturated.
func (m *MetricsService) TaskInline(pool string) {
	if m == nil {
		return
	}
	m.poolTasks.WithLabelValues(pool, "inline").Inc()
	atomic.AddUint64(&m.auditInline, 1)
}

// TaskRejected implements jobs.Observer.
func (m *MetricsService) TaskRejected(pool string) {
	if m == nil {
		return
	}
	m.poolTasks.WithLabelValues(pool, "rejected").Inc()
	atomic.AddUint64(&m.auditRejected, 1)
}

// TaskFinished implements jobs.Observer.
func (m *MetricsService) TaskFinished(pool string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
	}
	m.poolTasks.WithLabelValues(pool, outcome).Inc()
	m.poolTaskLatency.WithLabelValues(pool).Observe(elapsed.Seconds())
}

// WorkersChanged implements jobs.Observer.
func (m *MetricsService) WorkersChanged(pool string, workers int) {
	if m == nil {
		return
	}
	m.poolWorkers.WithLabelValues(pool).Set(float64(workers))
}

// Snapshot returns aggregated counters.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)

	var cacheRatio float64
	if hits+misses > 0 {
		cacheRatio = float64(hits) / float64(hits+misses)
	}

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	return MetricsSnapshot{
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		CacheHits:                hits,
		CacheMisses:              misses,
		CacheHitRatio:            cacheRatio,
		AuditCaptured:            atomic.LoadUint64(&m.auditCaptured),
		AuditFailed:              atomic.LoadUint64(&m.auditFailed),
		AuditInlineRuns:          atomic.LoadUint64(&m.auditInline),
		AuditRejected:            atomic.LoadUint64(&m.auditRejected),
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
