// Package prometheus implements the metrics collector on the default
// Prometheus registry, exposed by the monitoring API at /metrics.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector records orchestration metrics with Prometheus.
type Collector struct {
	stagesExecuted       *prometheus.CounterVec
	stageDuration        *prometheus.HistogramVec
	cacheHits            *prometheus.CounterVec
	participantsFinished *prometheus.CounterVec
	workerPoolIdle       prometheus.Gauge
	workerPoolBusy       prometheus.Gauge
	threadsInUse         prometheus.Gauge
}

// NewCollector creates a collector registered on the default registry.
func NewCollector() *Collector {
	return &Collector{
		stagesExecuted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dwiprep_stages_executed_total",
				Help: "Total number of stage instances executed",
			},
			[]string{"stage", "status"},
		),
		stageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dwiprep_stage_duration_seconds",
				Help:    "Stage execution duration in seconds",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
			},
			[]string{"stage"},
		),
		cacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dwiprep_cache_hits_total",
				Help: "Total number of stage instances satisfied from the artifact cache",
			},
			[]string{"stage"},
		),
		participantsFinished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dwiprep_participants_finished_total",
				Help: "Total number of participants finished, by terminal status",
			},
			[]string{"status"},
		),
		workerPoolIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dwiprep_worker_pool_idle",
				Help: "Number of idle process slots",
			},
		),
		workerPoolBusy: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dwiprep_worker_pool_busy",
				Help: "Number of busy process slots",
			},
		),
		threadsInUse: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dwiprep_threads_in_use",
				Help: "Threads currently reserved by running stages",
			},
		),
	}
}

// RecordStageExecuted records one finished stage execution.
func (c *Collector) RecordStageExecuted(stage string, status string, duration time.Duration) {
	c.stagesExecuted.WithLabelValues(stage, status).Inc()
	if duration > 0 {
		c.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	}
}

// RecordCacheHit records one stage instance satisfied from the cache.
func (c *Collector) RecordCacheHit(stage string) {
	c.cacheHits.WithLabelValues(stage).Inc()
}

// RecordParticipantFinished records one participant reaching a terminal
// status.
func (c *Collector) RecordParticipantFinished(status string) {
	c.participantsFinished.WithLabelValues(status).Inc()
}

// RecordWorkerPoolStatus records the worker pool occupancy.
func (c *Collector) RecordWorkerPoolStatus(idle, busy int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
}

// SetThreadsInUse records the currently reserved thread budget.
func (c *Collector) SetThreadsInUse(n int) {
	c.threadsInUse.Set(float64(n))
}
