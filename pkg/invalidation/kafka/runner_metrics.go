package kafka

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metricSet struct {
	msgs        *prometheus.CounterVec
	apply       *prometheus.CounterVec
	proc        *prometheus.HistogramVec
	lag         *prometheus.GaugeVec
	lastApplied *prometheus.GaugeVec
}

func newMetricSet(r prometheus.Registerer) *metricSet {
	m := &metricSet{
		msgs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warmcache_invalidation_messages_total",
				Help: "Invalidation messages by result (ok, error, invalid).",
			},
			[]string{"result"},
		),
		apply: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warmcache_invalidation_keys_total",
				Help: "Cache keys handled by invalidation, by namespace and action (delete, skip_version, skip_namespace).",
			},
			[]string{"namespace", "action"},
		),
		proc: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warmcache_invalidation_processing_seconds",
				Help:    "Time to apply one invalidation message to the cache stores.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"op"},
		),
		lag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "warmcache_invalidation_lag_seconds",
				Help: "Now minus the timestamp of the last message seen on the partition.",
			},
			[]string{"partition"},
		),
		lastApplied: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "warmcache_invalidation_last_applied_timestamp_seconds",
				Help: "Unix time of the last delete applied to the namespace's store.",
			},
			[]string{"namespace"},
		),
	}
	if r != nil {
		r.MustRegister(m.msgs, m.apply, m.proc, m.lag, m.lastApplied)
	}
	return m
}

func (m *metricSet) observeLag(partition int32, ts, now time.Time) {
	if ts.IsZero() {
		return
	}
	m.lag.WithLabelValues(strconv.Itoa(int(partition))).Set(now.Sub(ts).Seconds())
}

func (m *metricSet) applied(namespace string, n int, now time.Time) {
	m.apply.WithLabelValues(namespace, "delete").Add(float64(n))
	m.lastApplied.WithLabelValues(namespace).Set(float64(now.Unix()))
}
