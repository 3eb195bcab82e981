package telemetry

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestOTELHook_Run(t *testing.T) {
	tests := []struct {
		name        string
		setupCtx    func() context.Context
		expectTrace bool
	}{
		{
			name:        "no context",
			setupCtx:    func() context.Context { return nil },
			expectTrace: false,
		},
		{
			name:        "context without span",
			setupCtx:    context.Background,
			expectTrace: false,
		},
		{
			name:        "context with valid span",
			setupCtx:    createContextWithSpan,
			expectTrace: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)

			event := logger.Info().Ctx(tt.setupCtx())
			OTELHook{}.Run(event, zerolog.InfoLevel, "test message")
			event.Msg("test")

			if tt.expectTrace {
				assert.Contains(t, buf.String(), "trace_id")
				assert.Contains(t, buf.String(), "span_id")
			} else {
				assert.NotContains(t, buf.String(), "trace_id")
				assert.NotContains(t, buf.String(), "span_id")
			}
		})
	}
}

func createContextWithSpan() context.Context {
	provider := trace.NewTracerProvider(trace.WithSyncer(tracetest.NewInMemoryExporter()))
	ctx, _ := provider.Tracer("test").Start(context.Background(), "test-span")
	return ctx
}

func TestOTELHook_ErrorLevel(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(trace.WithSyncer(exporter))
	ctx, span := provider.Tracer("test").Start(context.Background(), "test-span")

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	event := logger.Error().Ctx(ctx)
	OTELHook{}.Run(event, zerolog.ErrorLevel, "error message")
	event.Msg("test error")

	span.End()
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "error message", spans[0].Status.Description)
}

func TestNewLoggerTo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo("test-service", &buf)
	logger.Info().Msg("test message")

	assert.Contains(t, buf.String(), "test-service")
	assert.Contains(t, buf.String(), "test message")
}

func TestSetLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	require.NoError(t, SetLevel("warn"))
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	require.NoError(t, SetLevel(""))
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	assert.Error(t, SetLevel("loud"))
}

func TestLogger_LogSpanEnd(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{Logger: zerolog.New(&buf)}

	logger.LogSpanEnd(context.Background(), "test-span", assert.AnError)
	assert.Contains(t, buf.String(), "span failed")
	assert.Contains(t, buf.String(), `"level":"error"`)
}

func TestAddAttributeToEvent(t *testing.T) {
	tests := []struct {
		attr     attribute.KeyValue
		expected string
	}{
		{attribute.String("key", "value"), `"key":"value"`},
		{attribute.Int64("count", 42), `"count":42`},
		{attribute.Float64("rate", 3.14), `"rate":3.14`},
		{attribute.Bool("enabled", true), `"enabled":true`},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		logger := zerolog.New(&buf)
		addAttributeToEvent(logger.Info(), tt.attr).Msg("test")
		assert.Contains(t, buf.String(), tt.expected)
	}
}

func TestLogger_ConvenienceMethods(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{Logger: zerolog.New(&buf)}
	ctx := context.Background()

	logger.LogVerdict(ctx, "run-1", "playbook", "DENY", 2)
	assert.Contains(t, buf.String(), `"verdict":"DENY"`)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	buf.Reset()

	logger.LogRunTransition(ctx, "run-1", "PLANNED", "RUNNING")
	assert.Contains(t, buf.String(), `"to":"RUNNING"`)
	buf.Reset()

	logger.LogStepFinished(ctx, "run-1", "restart", "FAILED", "TIMEOUT", 1500*time.Millisecond)
	assert.Contains(t, buf.String(), `"error_code":"TIMEOUT"`)
	assert.Contains(t, buf.String(), `"duration_ms":1500`)
	buf.Reset()

	logger.LogStorageError(ctx, "append", assert.AnError)
	assert.Contains(t, buf.String(), "storage operation failed")
}

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetricsWith(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordRunPlanned(ctx, "restart", true)
	m.RecordVerdict(ctx, "playbook", "ALLOW")
	m.RecordVerdict(ctx, "playbook", "DENY")
	m.RecordStepFinished(ctx, "service.restart", "SUCCEEDED", 0.25)
	m.RecordAuditAppend(ctx, "PLANNED")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			names[metric.Name] = true
		}
	}
	assert.True(t, names["warden.runs.planned"])
	assert.True(t, names["warden.gate.verdicts"])
	assert.True(t, names["warden.step.duration"])
	assert.True(t, names["warden.audit.appends"])
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRunPlanned(context.Background(), "x", false)
		m.RecordStepFinished(context.Background(), "x", "FAILED", 1)
	})
}

func TestInitOTEL_PrometheusOnly(t *testing.T) {
	shutdown, err := InitOTEL(context.Background(), Config{ServiceName: "warden-test"})
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	require.NotNil(t, PrometheusRegistry)

	m, err := NewMetrics()
	require.NoError(t, err)
	m.RecordAuditAppend(context.Background(), "PLANNED")

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "warden_audit_appends")
}
