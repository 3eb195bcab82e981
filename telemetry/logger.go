package telemetry

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

var (
	outputMu sync.RWMutex
	// stdout carries command results, logs go to stderr
	output io.Writer = os.Stderr
)

// SetOutput redirects loggers created afterwards
func SetOutput(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	output = w
}

// SetLevel sets the global log level from a name such as "debug" or "warn"
func SetLevel(level string) error {
	if strings.TrimSpace(level) == "" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		return nil
	}
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(parsed)
	return nil
}

// Logger wraps zerolog with OTEL integration
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a new logger with OTEL hooks
func NewLogger(service string) *Logger {
	outputMu.RLock()
	w := output
	outputMu.RUnlock()
	return NewLoggerTo(service, w)
}

// NewLoggerTo creates a logger writing to w
func NewLoggerTo(service string, w io.Writer) *Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	logger := zerolog.New(w).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// LogSpanStart logs the start of a span with attributes
func (l *Logger) LogSpanStart(ctx context.Context, spanName string, attrs ...attribute.KeyValue) {
	event := l.WithContext(ctx).Debug().Str("span_name", spanName)
	for _, attr := range attrs {
		event = addAttributeToEvent(event, attr)
	}
	event.Msg("span started")
}

// LogSpanEnd logs the end of a span with results
func (l *Logger) LogSpanEnd(ctx context.Context, spanName string, err error) {
	logger := l.WithContext(ctx)

	if err != nil {
		logger.Error().
			Err(err).
			Str("span_name", spanName).
			Msg("span failed")
	} else {
		logger.Debug().
			Str("span_name", spanName).
			Msg("span completed")
	}
}

func addAttributeToEvent(event *zerolog.Event, attr attribute.KeyValue) *zerolog.Event {
	key := string(attr.Key)

	switch attr.Value.Type() {
	case attribute.STRING:
		return event.Str(key, attr.Value.AsString())
	case attribute.INT64:
		return event.Int64(key, attr.Value.AsInt64())
	case attribute.FLOAT64:
		return event.Float64(key, attr.Value.AsFloat64())
	case attribute.BOOL:
		return event.Bool(key, attr.Value.AsBool())
	default:
		return event.Str(key, attr.Value.Emit())
	}
}

// Convenience methods for orchestration events

func (l *Logger) LogVerdict(ctx context.Context, runID, gate, decision string, reasons int) {
	event := l.WithContext(ctx).Info()
	if decision != "ALLOW" {
		event = l.WithContext(ctx).Warn()
	}
	event.
		Str("run_id", runID).
		Str("gate", gate).
		Str("verdict", decision).
		Int("reasons", reasons).
		Msg("gate evaluated")
}

func (l *Logger) LogRunTransition(ctx context.Context, runID, from, to string) {
	l.WithContext(ctx).Info().
		Str("run_id", runID).
		Str("from", from).
		Str("to", to).
		Msg("run status updated")
}

func (l *Logger) LogStepFinished(ctx context.Context, runID, stepID, status, errorCode string, duration time.Duration) {
	event := l.WithContext(ctx).Info()
	if errorCode != "" {
		event = l.WithContext(ctx).Warn().Str("error_code", errorCode)
	}
	event.
		Str("run_id", runID).
		Str("step_id", stepID).
		Str("status", status).
		Float64("duration_ms", float64(duration.Microseconds())/1000).
		Msg("step finished")
}

func (l *Logger) LogStorageError(ctx context.Context, operation string, err error) {
	l.WithContext(ctx).Error().
		Err(err).
		Str("operation", operation).
		Msg("storage operation failed")
}
