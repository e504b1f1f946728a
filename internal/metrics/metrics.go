// Package metrics exposes Prometheus instrumentation for crops, enrichment
// and pipeline jobs. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cardx"

type Metrics struct {
	CropsTotal       *prometheus.CounterVec
	EnrichmentsTotal *prometheus.CounterVec
	JobsTotal        *prometheus.CounterVec
	StagesTotal      *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	JobsInFlight     prometheus.Gauge
}

// New registers the collectors on reg. Each caller passes its own registry
// so that independent services never share counters.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CropsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crops_total",
				Help:      "Total number of region crops attempted",
			},
			[]string{"status"},
		),
		EnrichmentsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enrichments_total",
				Help:      "Total number of metadata extraction attempts",
			},
			[]string{"status"},
		),
		JobsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total number of pipeline jobs by final status",
			},
			[]string{"status"},
		),
		StagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stages_total",
				Help:      "Total number of pipeline stages by outcome",
			},
			[]string{"stage", "status"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage execution time distribution",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),
		JobsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_in_flight",
				Help:      "Current number of running pipeline jobs",
			},
		),
	}
}

func (m *Metrics) RecordCrop(status string) {
	if m == nil {
		return
	}
	m.CropsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordEnrichment(status string) {
	if m == nil {
		return
	}
	m.EnrichmentsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordStage(stage, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.StagesTotal.WithLabelValues(stage, status).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(took.Seconds())
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsInFlight.Inc()
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.JobsInFlight.Dec()
	m.JobsTotal.WithLabelValues(status).Inc()
}
