package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsSnapshot summarises process counters for the health endpoint.
type MetricsSnapshot struct {
	Requests          uint64  `json:"requests"`
	AvgRequestMs      float64 `json:"avg_request_ms"`
	CacheHitRatio     float64 `json:"cache_hit_ratio"`
	CheckInsAccepted  uint64  `json:"check_ins_accepted"`
	CheckInsDuplicate uint64  `json:"check_ins_duplicate"`
	EventsPublished   uint64  `json:"events_published"`
	Goroutines        int     `json:"goroutines"`
}

// MetricsService encapsulates Prometheus instrumentation and provides lightweight snapshots.
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
	storageDuration *prometheus.HistogramVec
	checkIns        *prometheus.CounterVec
	absencesMarked  prometheus.Counter
	eventsPublished *prometheus.CounterVec
	closeoutRuns    *prometheus.CounterVec

	cacheHitCount        uint64
	cacheMissCount       uint64
	requestCount         uint64
	requestDurationTotal uint64
	checkInAccepted      uint64
	checkInDuplicate     uint64
	publishedCount       uint64
}

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
		Name:    "board_cache_latency_seconds",
		Help:    "Latency for board cache lookups",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "board_cache_write_seconds",
		Help:    "Latency for board cache writes",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "board_cache_hit_ratio",
		Help: "Ratio of board cache hits to total lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "board_cache_hits_total",
		Help: "Total board cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "board_cache_misses_total",
		Help: "Total board cache misses",
	})

	storageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_storage_duration_seconds",
		Help:    "Duration of ledger storage operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	checkIns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_check_ins_total",
		Help: "Check-in attempts by status and outcome",
	}, []string{"status", "outcome"})

	absencesMarked := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_absences_marked_total",
		Help: "Absent rows appended by bulk absence marking",
	})

	eventsPublished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "checkin_events_published_total",
		Help: "Check-in events handed to the broker by result",
	}, []string{"result"})

	closeoutRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "closeout_runs_total",
		Help: "Automatic closeout runs by result",
	}, []string{"result"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses,
		storageDuration, checkIns, absencesMarked, eventsPublished, closeoutRuns, goroutines)

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
		storageDuration: storageDuration,
		checkIns:        checkIns,
		absencesMarked:  absencesMarked,
		eventsPublished: eventsPublished,
		closeoutRuns:    closeoutRuns,
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
	misses := atomic.LoadUint64(&m.cacheMissCount)
	if total := hits + misses; total > 0 {
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

// ObserveStorage records the duration of one storage call.
func (m *MetricsService) ObserveStorage(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.storageDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCheckIn counts a check-in attempt. outcome is "accepted" or "duplicate".
func (m *MetricsService) RecordCheckIn(status, outcome string) {
	if m == nil {
		return
	}
	m.checkIns.WithLabelValues(status, outcome).Inc()
	switch outcome {
	case "accepted":
		atomic.AddUint64(&m.checkInAccepted, 1)
	case "duplicate":
		atomic.AddUint64(&m.checkInDuplicate, 1)
	}
}

// RecordAbsences counts rows appended by bulk absence marking.
func (m *MetricsService) RecordAbsences(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.absencesMarked.Add(float64(count))
}

// RecordPublish counts broker deliveries by result.
func (m *MetricsService) RecordPublish(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.eventsPublished.WithLabelValues("ok").Inc()
		atomic.AddUint64(&m.publishedCount, 1)
		return
	}
	m.eventsPublished.WithLabelValues("error").Inc()
}

// RecordCloseout counts automatic closeout runs by result.
func (m *MetricsService) RecordCloseout(result string) {
	if m == nil {
		return
	}
	m.closeoutRuns.WithLabelValues(result).Inc()
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
	if total := hits + misses; total > 0 {
		cacheRatio = float64(hits) / float64(total)
	}
	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	return MetricsSnapshot{
		Requests:          requests,
		AvgRequestMs:      avgRequestMs,
		CacheHitRatio:     cacheRatio,
		CheckInsAccepted:  atomic.LoadUint64(&m.checkInAccepted),
		CheckInsDuplicate: atomic.LoadUint64(&m.checkInDuplicate),
		EventsPublished:   atomic.LoadUint64(&m.publishedCount),
		Goroutines:        runtime.NumGoroutine(),
	}
}
