// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds the runtime's prometheus instruments.
type Collector struct {
	// Inference metrics
	inferenceTotal    *prometheus.CounterVec
	inferenceDuration *prometheus.HistogramVec

	// Queue metrics
	queueDepth    *prometheus.GaugeVec
	queueWaitTime *prometheus.HistogramVec
	queueRejected *prometheus.CounterVec

	// Worker metrics
	batchSize      *prometheus.HistogramVec
	workerCycles   *prometheus.CounterVec
	workerFailures *prometheus.CounterVec
	jobsRequeued   *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector registering on the default registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return newCollector(namespace, logger, prometheus.DefaultRegisterer)
}

// NewCollectorWith creates a collector registering on the given registerer,
// used by tests to avoid duplicate registration.
func NewCollectorWith(namespace string, logger *zap.Logger, reg prometheus.Registerer) *Collector {
	return newCollector(namespace, logger, reg)
}

func newCollector(namespace string, logger *zap.Logger, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.inferenceTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_requests_total",
			Help:      "Inference requests by model and outcome",
		},
		[]string{"model", "outcome"},
	)
	c.inferenceDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "End-to-end inference latency by model",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"model"},
	)
	c.queueDepth = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting in the per-model queue",
		},
		[]string{"model"},
	)
	c.queueWaitTime = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time a job waits in the queue before a batch claims it",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"model"},
	)
	c.queueRejected = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_rejected_total",
			Help:      "Jobs rejected at admission",
		},
		[]string{"model", "reason"},
	)
	c.batchSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Jobs per dispatched batch",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"model"},
	)
	c.workerCycles = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_cycles_total",
			Help:      "Completed worker batch cycles by outcome",
		},
		[]string{"model", "outcome"},
	)
	c.workerFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_failures_total",
			Help:      "Workers marked failed",
		},
		[]string{"model"},
	)
	c.jobsRequeued = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_requeued_total",
			Help:      "Jobs returned to the queue front after a worker crash",
		},
		[]string{"model"},
	)

	return c
}

// RecordInference records one completed inference request.
func (c *Collector) RecordInference(model, outcome string, duration time.Duration) {
	c.inferenceTotal.WithLabelValues(model, outcome).Inc()
	c.inferenceDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// SetQueueDepth updates the queue depth gauge.
func (c *Collector) SetQueueDepth(model string, depth int) {
	c.queueDepth.WithLabelValues(model).Set(float64(depth))
}

// RecordQueueWait records how long a job waited before being batched.
func (c *Collector) RecordQueueWait(model string, wait time.Duration) {
	c.queueWaitTime.WithLabelValues(model).Observe(wait.Seconds())
}

// RecordRejection records an admission rejection.
func (c *Collector) RecordRejection(model, reason string) {
	c.queueRejected.WithLabelValues(model, reason).Inc()
}

// RecordBatch records one dispatched batch.
func (c *Collector) RecordBatch(model string, size int) {
	c.batchSize.WithLabelValues(model).Observe(float64(size))
}

// RecordCycle records one completed worker cycle.
func (c *Collector) RecordCycle(model, outcome string) {
	c.workerCycles.WithLabelValues(model, outcome).Inc()
}

// RecordWorkerFailure records a worker transitioning to failed.
func (c *Collector) RecordWorkerFailure(model string) {
	c.workerFailures.WithLabelValues(model).Inc()
}

// RecordRequeue records jobs returned to the queue front.
func (c *Collector) RecordRequeue(model string, count int) {
	c.jobsRequeued.WithLabelValues(model).Add(float64(count))
}
