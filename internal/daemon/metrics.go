package daemon

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DaemonMetrics holds worker pool metrics using OTEL semantic conventions
type DaemonMetrics struct {
	executions        metric.Int64Counter
	executionDuration metric.Float64Histogram
	queueDepth        metric.Int64Gauge
}

// NewDaemonMetrics creates daemon metrics on the global meter provider
func NewDaemonMetrics() (*DaemonMetrics, error) {
	return newDaemonMetricsWithProvider(otel.GetMeterProvider())
}

func newDaemonMetricsWithProvider(provider metric.MeterProvider) (*DaemonMetrics, error) {
	meter := provider.Meter("warden.daemon")

	executions, err := meter.Int64Counter(
		"warden.daemon.executions",
		metric.WithDescription("Number of run executions picked up by workers"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, err
	}

	executionDuration, err := meter.Float64Histogram(
		"warden.daemon.execution.duration",
		metric.WithDescription("Duration of one run execution"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64Gauge(
		"warden.daemon.queue.depth",
		metric.WithDescription("Runs waiting for a worker"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		executions:        executions,
		executionDuration: executionDuration,
		queueDepth:        queueDepth,
	}, nil
}

// RecordExecution records one execution and its duration by outcome
func (m *DaemonMetrics) RecordExecution(ctx context.Context, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.executions.Add(ctx, 1, attrs)
	m.executionDuration.Record(ctx, durationSeconds, attrs)
}

// RecordQueueDepth records the current queue length
func (m *DaemonMetrics) RecordQueueDepth(ctx context.Context, depth int64) {
	m.queueDepth.Record(ctx, depth)
}
