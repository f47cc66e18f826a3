package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeOpTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "entitygraph_store_operations_total",
		Help: "Builder and workspace operations by result",
	}, []string{"operation", "result"})

	storeOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "entitygraph_store_operation_duration_seconds",
		Help:    "Builder and workspace operation latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"operation"})

	snapshotEntities = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "entitygraph_workspace_entities",
		Help: "Entities in the most recently committed workspace snapshot",
	})
)

// MetricsRecorder observes the outcome and latency of store operations.
type MetricsRecorder interface {
	Observe(ctx context.Context, op string, success bool, duration time.Duration)
}

// PrometheusMetrics records operations into the process-wide prometheus registry.
type PrometheusMetrics struct{}

func (PrometheusMetrics) Observe(_ context.Context, op string, success bool, duration time.Duration) {
	result := "ok"
	if !success {
		result = "error"
	}
	storeOpTotal.WithLabelValues(op, result).Inc()
	storeOpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// NoopMetrics discards observations.
type NoopMetrics struct{}

func (NoopMetrics) Observe(context.Context, string, bool, time.Duration) {}
