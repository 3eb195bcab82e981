// Package audit appends hash-sealed events to the append-only audit trail
// and verifies them afterwards.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/warden/canonical"
	"github.com/yairfalse/warden/sanitize"
	"github.com/yairfalse/warden/storage"
	"github.com/yairfalse/warden/telemetry"
	"github.com/yairfalse/warden/types"
	"github.com/yairfalse/warden/wal"
)

// Entry is an event before it is sealed
type Entry struct {
	RunID            string
	IncidentRef      string
	EventType        types.AuditEventType
	PolicyVersionRef string
	Payload          any
}

// Journal mirrors appended events; *wal.WAL implements it
type Journal interface {
	Append(entryType, runID string, data any) (int64, error)
}

var _ Journal = (*wal.WAL)(nil)

// Writer seals and appends audit events
type Writer struct {
	store   storage.AuditStorage
	journal Journal
	logger  *telemetry.Logger
	tracer  trace.Tracer
	metrics *telemetry.Metrics
	now     func() time.Time

	mu     sync.Mutex
	lastAt time.Time
}

// Option configures a Writer
type Option func(*Writer)

// WithJournal mirrors every appended event into j
func WithJournal(j Journal) Option {
	return func(w *Writer) { w.journal = j }
}

// WithClock overrides the event clock
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// WithMetrics counts appends on m
func WithMetrics(m *telemetry.Metrics) Option {
	return func(w *Writer) { w.metrics = m }
}

// WithLogger replaces the component logger
func WithLogger(l *telemetry.Logger) Option {
	return func(w *Writer) { w.logger = l }
}

// NewWriter creates a writer over store
func NewWriter(store storage.AuditStorage, opts ...Option) *Writer {
	w := &Writer{
		store:  store,
		logger: telemetry.NewLogger("audit"),
		tracer: otel.Tracer("audit"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// timestamp never repeats or goes backwards within one writer, so
// created_at order matches append order
func (w *Writer) timestamp() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	at := w.now().UTC().Truncate(time.Microsecond)
	if !at.After(w.lastAt) {
		at = w.lastAt.Add(time.Microsecond)
	}
	w.lastAt = at
	return at
}

// Seal redacts and canonicalizes a payload and returns it with its hash
func Seal(payload any) ([]byte, string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	redacted, err := sanitize.Redact(payload)
	if err != nil {
		return nil, "", err
	}
	b, err := canonical.Canonicalize(redacted)
	if err != nil {
		return nil, "", types.Invalid("payload", "%v", err)
	}
	return b, canonical.HashBytes(b), nil
}

// Append seals e and stores it. Nothing is returned until the event is
// durable in storage and, when configured, in the journal.
func (w *Writer) Append(ctx context.Context, e Entry) (types.AuditEvent, error) {
	ctx, span := w.tracer.Start(ctx, "audit.append",
		trace.WithAttributes(
			attribute.String("run.id", e.RunID),
			attribute.String("audit.event_type", string(e.EventType)),
		))
	defer span.End()

	if e.RunID == "" {
		return types.AuditEvent{}, types.Invalid("runId", "required")
	}
	if !e.EventType.Valid() {
		return types.AuditEvent{}, types.Invalid("eventType", "unknown event type %q", e.EventType)
	}

	payload, hash, err := Seal(e.Payload)
	if err != nil {
		return types.AuditEvent{}, err
	}

	ev := types.AuditEvent{
		ID:               uuid.Must(uuid.NewV7()).String(),
		RunID:            e.RunID,
		IncidentRef:      e.IncidentRef,
		EventType:        e.EventType,
		CreatedAt:        w.timestamp(),
		PolicyVersionRef: e.PolicyVersionRef,
		Payload:          payload,
		PayloadHash:      hash,
	}

	if err := w.store.AppendAuditEvent(ctx, ev); err != nil {
		span.SetStatus(codes.Error, err.Error())
		w.logger.LogStorageError(ctx, "append_audit_event", err)
		return types.AuditEvent{}, fmt.Errorf("append %s for run %s: %w", e.EventType, e.RunID, err)
	}

	if w.journal != nil {
		if _, err := w.journal.Append(string(ev.EventType), ev.RunID, ev); err != nil {
			span.SetStatus(codes.Error, err.Error())
			w.logger.LogStorageError(ctx, "append_audit_journal", err)
			return types.AuditEvent{}, fmt.Errorf("journal %s for run %s: %w: %w", e.EventType, e.RunID, types.ErrStorageUnavailable, err)
		}
	}

	w.metrics.RecordAuditAppend(ctx, string(ev.EventType))
	w.logger.WithContext(ctx).Debug().
		Str("run_id", ev.RunID).
		Str("event_id", ev.ID).
		Str("event_type", string(ev.EventType)).
		Str("payload_hash", ev.PayloadHash).
		Msg("audit event appended")
	return ev, nil
}

// ListForRun returns a page of the run's events newest first
func (w *Writer) ListForRun(ctx context.Context, runID string, page types.Page) ([]types.AuditEvent, error) {
	page, err := types.AuditPageBounds.Resolve(page)
	if err != nil {
		return nil, err
	}
	return w.store.ListAuditEvents(ctx, runID, page)
}

var errStopScan = errors.New("stop scan")

// First returns the earliest event of eventType for a run after checking
// its payload hash
func (w *Writer) First(ctx context.Context, runID string, eventType types.AuditEventType) (types.AuditEvent, error) {
	var found *types.AuditEvent
	err := w.store.ScanAuditEvents(ctx, runID, func(ev types.AuditEvent) error {
		if ev.EventType != eventType {
			return nil
		}
		found = &ev
		return errStopScan
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return types.AuditEvent{}, fmt.Errorf("scan run %s: %w", runID, err)
	}
	if found == nil {
		return types.AuditEvent{}, fmt.Errorf("run %s has no %s event: %w", runID, eventType, types.ErrNotFound)
	}
	if m := check(*found); m != nil {
		return types.AuditEvent{}, fmt.Errorf("event %s of run %s fails verification: %w", found.ID, runID, types.ErrIntegrityViolation)
	}
	return *found, nil
}
