// Package metrics exposes Prometheus instrumentation for the offline cache.
//
// All recording methods accept a nil *Metrics so callers can run without a
// registry (tests, CLI commands).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	responseBytes *prometheus.HistogramVec
	cacheOps      *prometheus.CounterVec
	installs      *prometheus.CounterVec
	replays       *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	pushes        *prometheus.CounterVec
	clients       prometheus.Gauge
	originUp      prometheus.Gauge
}

// New creates a Metrics instance backed by its own registry, with the Go and
// process collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		reg: reg,
		fetches: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline0_fetch_total",
				Help: "Intercepted requests by strategy and response source",
			},
			[]string{"strategy", "source"}, // strategy: navigate, network-first, bypass
		),
		fetchDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "offline0_fetch_duration_milliseconds",
				Help: "Time to produce a response for an intercepted request",
				Buckets: []float64{
					0.5, // cache hits
					1,
					5,
					10,
					50,
					100,
					500,
					1000,
					5000, // slow origin
				},
			},
			[]string{"strategy"},
		),
		responseBytes: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "offline0_response_bytes",
				Help:    "Distribution of response body sizes by source",
				Buckets: prometheus.ExponentialBuckets(512, 4, 8),
			},
			[]string{"source"},
		),
		cacheOps: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline0_cache_operations_total",
				Help: "Bucket operations by kind and result",
			},
			[]string{"op", "result"}, // op: match, put, revalidate; result: hit, miss, ok, error, unchanged
		),
		installs: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline0_install_total",
				Help: "Worker install attempts by result",
			},
			[]string{"result"},
		),
		replays: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline0_replay_total",
				Help: "Queued request replays by tag and result",
			},
			[]string{"tag", "result"}, // result: delivered, failed, deferred, dead
		),
		queueDepth: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "offline0_queue_depth",
				Help: "Entries currently held in a replay queue",
			},
			[]string{"tag"},
		),
		pushes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "offline0_push_total",
				Help: "Push messages by result",
			},
			[]string{"result"}, // shown, empty, malformed, invalid
		),
		clients: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "offline0_clients",
			Help: "Connected page clients",
		}),
		originUp: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "offline0_origin_up",
			Help: "1 when the last connectivity probe reached the origin",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) ObserveFetch(strategy, source string, d time.Duration, bodyBytes int) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(strategy, source).Inc()
	m.fetchDuration.WithLabelValues(strategy).Observe(float64(d.Microseconds()) / 1000.0)
	m.responseBytes.WithLabelValues(source).Observe(float64(bodyBytes))
}

func (m *Metrics) CacheOp(op, result string) {
	if m == nil {
		return
	}
	m.cacheOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) Install(result string) {
	if m == nil {
		return
	}
	m.installs.WithLabelValues(result).Inc()
}

func (m *Metrics) Replay(tag, result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.replays.WithLabelValues(tag, result).Add(float64(n))
}

func (m *Metrics) SetQueueDepth(tag string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(tag).Set(float64(n))
}

func (m *Metrics) Push(result string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(result).Inc()
}

func (m *Metrics) SetClients(n int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(n))
}

func (m *Metrics) SetOriginUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.originUp.Set(1)
	} else {
		m.originUp.Set(0)
	}
}
