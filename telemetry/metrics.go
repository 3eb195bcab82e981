package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds orchestration metrics using OTEL semantic conventions.
// A nil *Metrics records nothing.
type Metrics struct {
	runsPlanned   metric.Int64Counter
	runsFinished  metric.Int64Counter
	verdicts      metric.Int64Counter
	stepsFinished metric.Int64Counter
	stepDuration  metric.Float64Histogram
	auditAppends  metric.Int64Counter
	policyChanges metric.Int64Counter
}

// NewMetrics creates the instruments on the global meter provider
func NewMetrics() (*Metrics, error) {
	return NewMetricsWith(otel.Meter("warden"))
}

// NewMetricsWith creates the instruments on meter
func NewMetricsWith(meter metric.Meter) (*Metrics, error) {
	runsPlanned, err := meter.Int64Counter(
		"warden.runs.planned",
		metric.WithDescription("Number of plan requests, split by whether a new run was created"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runsFinished, err := meter.Int64Counter(
		"warden.runs.finished",
		metric.WithDescription("Number of runs reaching a terminal status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	verdicts, err := meter.Int64Counter(
		"warden.gate.verdicts",
		metric.WithDescription("Number of gate verdicts by gate and decision"),
		metric.WithUnit("{verdict}"),
	)
	if err != nil {
		return nil, err
	}

	stepsFinished, err := meter.Int64Counter(
		"warden.steps.finished",
		metric.WithDescription("Number of steps reaching a terminal status"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	stepDuration, err := meter.Float64Histogram(
		"warden.step.duration",
		metric.WithDescription("Duration of action executor invocations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	auditAppends, err := meter.Int64Counter(
		"warden.audit.appends",
		metric.WithDescription("Number of audit events appended"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	policyChanges, err := meter.Int64Counter(
		"warden.lawbook.events",
		metric.WithDescription("Number of lawbook version and activation events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsPlanned:   runsPlanned,
		runsFinished:  runsFinished,
		verdicts:      verdicts,
		stepsFinished: stepsFinished,
		stepDuration:  stepDuration,
		auditAppends:  auditAppends,
		policyChanges: policyChanges,
	}, nil
}

// RecordRunPlanned records a plan request
func (m *Metrics) RecordRunPlanned(ctx context.Context, playbookID string, created bool) {
	if m == nil {
		return
	}
	m.runsPlanned.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("playbook", playbookID),
			attribute.Bool("created", created),
		),
	)
}

// RecordRunFinished records a terminal run
func (m *Metrics) RecordRunFinished(ctx context.Context, playbookID, status, failureCode string) {
	if m == nil {
		return
	}
	m.runsFinished.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("playbook", playbookID),
			attribute.String("status", status),
			attribute.String("failure_code", failureCode),
		),
	)
}

// RecordVerdict records one gate decision
func (m *Metrics) RecordVerdict(ctx context.Context, gate, decision string) {
	if m == nil {
		return
	}
	m.verdicts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("gate", gate),
			attribute.String("decision", decision),
		),
	)
}

// RecordStepFinished records a terminal step and how long the action took
func (m *Metrics) RecordStepFinished(ctx context.Context, actionType, status string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("action", actionType),
		attribute.String("status", status),
	)
	m.stepsFinished.Add(ctx, 1, attrs)
	if seconds > 0 {
		m.stepDuration.Record(ctx, seconds, attrs)
	}
}

// RecordAuditAppend records one appended audit event
func (m *Metrics) RecordAuditAppend(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.auditAppends.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordPolicyEvent records a lawbook event
func (m *Metrics) RecordPolicyEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.policyChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}
