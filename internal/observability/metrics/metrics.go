// Package metrics holds the Prometheus collectors of the bot.
//
// All methods are safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "confessbot"

// Submission outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeBanned   = "banned"
	OutcomeCooldown = "cooldown"
	OutcomeQuota    = "quota"
	OutcomeContent  = "content"
	OutcomeError    = "error"
)

// Delivery results.
const (
	ResultOK        = "ok"
	ResultTransient = "transient"
	ResultPermanent = "permanent"
	ResultSkipped   = "skipped"
)

type Metrics struct {
	Registry *prometheus.Registry

	submissions      *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	fanoutDuration   prometheus.Histogram
	broadcasts       prometheus.Counter
	unsubscribed     prometheus.Counter
	queueDepth       prometheus.Gauge
	restarts         *prometheus.CounterVec
	pruned           *prometheus.CounterVec
}

// New registers every collector on a fresh registry, plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Confession submissions by outcome.",
		}, []string{"outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-destination delivery attempts by platform and result.",
		}, []string{"platform", "result"}),
		deliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Latency of a single destination send.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"platform"}),
		fanoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_duration_seconds",
			Help:      "Time to fan one confession out to every destination.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Confessions fully processed by the broadcast worker.",
		}),
		unsubscribed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "destinations_unsubscribed_total",
			Help:      "Destinations removed after a permanent fault.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Accepted confessions waiting for broadcast.",
		}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "goroutine_restarts_total",
			Help:      "Supervised goroutine restarts by name.",
		}, []string{"name"}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_rows_total",
			Help:      "Bookkeeping rows removed by maintenance.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.submissions,
		m.deliveries,
		m.deliveryDuration,
		m.fanoutDuration,
		m.broadcasts,
		m.unsubscribed,
		m.queueDepth,
		m.restarts,
		m.pruned,
	)
	return m
}

func (m *Metrics) Submission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Delivery(platform, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(platform, result).Inc()
	if result != ResultSkipped {
		m.deliveryDuration.WithLabelValues(platform).Observe(took.Seconds())
	}
}

func (m *Metrics) Broadcast(took time.Duration, unsubscribed int) {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
	m.fanoutDuration.Observe(took.Seconds())
	m.unsubscribed.Add(float64(unsubscribed))
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// Restart is shaped for supervisor.WithRestartHook.
func (m *Metrics) Restart(name string, _ error) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(name).Inc()
}

func (m *Metrics) Pruned(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.pruned.WithLabelValues(kind).Add(float64(n))
}
