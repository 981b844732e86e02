// Package metrics exposes the bot's Prometheus metrics on a dedicated registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcomes.
const (
	OutcomeNewSession   = "new_session"
	OutcomeContinuation = "continuation"
	OutcomeDuplicate    = "duplicate"
	OutcomeOwn          = "own"
	OutcomeSkipped      = "skipped"
	OutcomeFailed       = "failed"
)

// Cycle results.
const (
	CycleOK          = "ok"
	CyclePollError   = "poll_error"
	CycleStoreError  = "storage_error"
	CycleCommitError = "commit_error"
)

type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	messages      *prometheus.CounterVec
	posts         *prometheus.CounterVec
	segments      prometheus.Histogram
	watermark     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grotto_poll_cycles_total",
				Help: "Total number of polling cycles",
			},
			[]string{"result"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "grotto_poll_cycle_duration_seconds",
				Help:    "Polling cycle duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grotto_messages_total",
				Help: "Inbound messages by outcome",
			},
			[]string{"outcome"},
		),
		posts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grotto_posts_total",
				Help: "Outbound posts by result",
			},
			[]string{"result"},
		),
		segments: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "grotto_turn_segments",
				Help:    "Number of messages posted per turn",
				Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 20},
			},
		),
		watermark: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "grotto_watermark_id",
				Help: "Last committed poll watermark",
			},
		),
	}
	m.registry.MustRegister(
		m.cycles,
		m.cycleDuration,
		m.messages,
		m.posts,
		m.segments,
		m.watermark,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// All recorders accept a nil receiver so callers can run without metrics.

func (m *Metrics) RecordCycle(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordMessage(outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordPost(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.posts.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordSegments(n int) {
	if m == nil {
		return
	}
	m.segments.Observe(float64(n))
}

func (m *Metrics) SetWatermark(id int64) {
	if m == nil {
		return
	}
	m.watermark.Set(float64(id))
}
