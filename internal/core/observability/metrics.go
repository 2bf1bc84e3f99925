// Package observability holds the service's Prometheus collectors and the helpers that record them.
package observability

import (
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var enabled atomic.Bool

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds, including retries.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"label", "outcome"},
	)

	upstreamRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_retries_total",
			Help: "Upstream call attempts beyond the first.",
		},
		[]string{"label"},
	)

	cacheOpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Cache backend operations by outcome.",
		},
		[]string{"backend", "op", "outcome"},
	)

	cacheOpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_op_duration_seconds",
			Help:    "Cache backend operation latency in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
		[]string{"backend", "op"},
	)

	cacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Cache lookups by namespace and outcome.",
		},
		[]string{"namespace", "outcome"},
	)

	warmTargetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warm_targets_total",
			Help: "Warmed targets by job and outcome (ok, partial, failed).",
		},
		[]string{"job", "outcome"},
	)

	warmSweepSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warm_sweep_duration_seconds",
			Help:    "Wall-clock duration of a warm sweep.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"job", "outcome"},
	)

	warmSweepsTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warm_sweeps_triggered_total",
			Help: "Background sweeps started by cold-cache requests, by result of the trigger attempt.",
		},
		[]string{"result"},
	)

	warmSweepInProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warm_sweep_in_progress",
			Help: "1 while a cold-cache background sweep is running for the endpoint.",
		},
		[]string{"endpoint"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds,
		upstreamLatencySeconds, upstreamRetriesTotal,
		cacheOpTotal, cacheOpDurationSeconds, cacheResults,
		warmTargetsTotal, warmSweepSeconds, warmSweepsTriggered, warmSweepInProgress,
	}
}

// Init registers the collectors with reg. Collectors may be registered with more
// than one registry; re-registering with the same one is ignored.
func Init(reg prometheus.Registerer, on bool) {
	enabled.Store(on)
	if !on || reg == nil {
		return
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

func Enabled() bool { return enabled.Load() }

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstream(label, outcome string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(label, outcome).Observe(durationSeconds)
}

func IncUpstreamRetry(label string) {
	upstreamRetriesTotal.WithLabelValues(label).Inc()
}

func ObserveCacheOp(backend, op string, err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	cacheOpTotal.WithLabelValues(backend, op, outcome).Inc()
	cacheOpDurationSeconds.WithLabelValues(backend, op).Observe(durationSeconds)
}

func IncCacheHit(namespace string) {
	cacheResults.WithLabelValues(namespace, "hit").Inc()
}

func IncCacheMiss(namespace string) {
	cacheResults.WithLabelValues(namespace, "miss").Inc()
}

func ObserveWarmTarget(job, outcome string) {
	warmTargetsTotal.WithLabelValues(job, outcome).Inc()
}

func ObserveSweep(job, outcome string, durationSeconds float64) {
	warmSweepSeconds.WithLabelValues(job, outcome).Observe(durationSeconds)
}

func IncSweepTrigger(result string) {
	warmSweepsTriggered.WithLabelValues(result).Inc()
}

func SetSweepInProgress(endpoint string, on bool) {
	g := warmSweepInProgress.WithLabelValues(endpoint)
	if on {
		g.Set(1)
		return
	}
	g.Set(0)
}
