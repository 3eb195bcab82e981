package lawbook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/warden/canonical"
	"github.com/yairfalse/warden/storage"
	"github.com/yairfalse/warden/telemetry"
	"github.com/yairfalse/warden/types"
)

// Active is the lawbook in force for a policy id at one point in time.
// The zero value means "not configured", which every gate treats as deny.
type Active struct {
	Version  *types.PolicyVersion
	Document *Document
	Rules    *Rules
}

// NotConfigured is the result for a policy id without an active pointer
func NotConfigured() Active {
	return Active{}
}

// Configured reports whether a version is active
func (a Active) Configured() bool {
	return a.Version != nil && a.Document != nil
}

// VersionRef is the pinned version id, empty when not configured
func (a Active) VersionRef() string {
	if a.Version == nil {
		return ""
	}
	return a.Version.ID
}

// Service manages lawbook versions and the active pointer
type Service struct {
	store   storage.PolicyStorage
	logger  *telemetry.Logger
	tracer  trace.Tracer
	metrics *telemetry.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	compiled map[string]Active
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides the clock used for timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics records lawbook events on m
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger replaces the component logger
func WithLogger(l *telemetry.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a lawbook service over store
func NewService(store storage.PolicyStorage, opts ...Option) *Service {
	s := &Service{
		store:    store,
		logger:   telemetry.NewLogger("lawbook"),
		tracer:   otel.Tracer("lawbook"),
		now:      time.Now,
		compiled: make(map[string]Active),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func requireActor(field, actor string) (string, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return "", types.Invalid(field, "required")
	}
	return actor, nil
}

// CreateVersion validates and stores a lawbook document. Resubmitting the
// same content, in any key order or in YAML instead of JSON, returns the
// stored version with isExisting=true.
func (s *Service) CreateVersion(ctx context.Context, document []byte, createdBy string) (types.PolicyVersion, bool, error) {
	ctx, span := s.tracer.Start(ctx, "lawbook.create_version")
	defer span.End()

	actor, err := requireActor("createdBy", createdBy)
	if err != nil {
		return types.PolicyVersion{}, false, err
	}

	doc, err := Parse(document)
	if err != nil {
		return types.PolicyVersion{}, false, err
	}
	if _, err := CompileRules(ctx, doc.Rules.Rego); err != nil {
		return types.PolicyVersion{}, false, err
	}

	normalized, err := canonical.Canonicalize(doc)
	if err != nil {
		return types.PolicyVersion{}, false, types.Invalid("document", "%v", err)
	}

	now := s.now().UTC()
	v := types.PolicyVersion{
		ID:          newID(),
		PolicyID:    doc.PolicyID,
		Label:       doc.PolicyVersion,
		ContentHash: canonical.HashBytes(normalized),
		CreatedAt:   now,
		CreatedBy:   actor,
		Document:    normalized,
	}
	ev := types.PolicyEvent{
		ID:        newID(),
		PolicyID:  v.PolicyID,
		VersionID: v.ID,
		Type:      types.PolicyVersionCreated,
		Actor:     actor,
		CreatedAt: now,
	}

	span.SetAttributes(
		attribute.String("policy.id", v.PolicyID),
		attribute.String("policy.label", v.Label),
		attribute.String("policy.content_hash", v.ContentHash),
	)

	stored, created, err := s.store.CreatePolicyVersion(ctx, v, ev)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return types.PolicyVersion{}, false, fmt.Errorf("create version of %s: %w", v.PolicyID, err)
	}

	if created {
		s.metrics.RecordPolicyEvent(ctx, string(types.PolicyVersionCreated))
		s.logger.WithContext(ctx).Info().
			Str("policy_id", stored.PolicyID).
			Str("version_id", stored.ID).
			Str("label", stored.Label).
			Str("content_hash", stored.ContentHash).
			Str("actor", actor).
			Msg("policy version created")
	} else {
		s.logger.WithContext(ctx).Debug().
			Str("policy_id", stored.PolicyID).
			Str("version_id", stored.ID).
			Msg("policy version already exists")
	}
	return stored, !created, nil
}

// Activate points the version's policy id at versionID
func (s *Service) Activate(ctx context.Context, versionID, activatedBy string) (types.ActivePolicyPointer, error) {
	ctx, span := s.tracer.Start(ctx, "lawbook.activate",
		trace.WithAttributes(attribute.String("policy.version_id", versionID)))
	defer span.End()

	actor, err := requireActor("activatedBy", activatedBy)
	if err != nil {
		return types.ActivePolicyPointer{}, err
	}

	v, err := s.store.GetPolicyVersion(ctx, versionID)
	if err != nil {
		return types.ActivePolicyPointer{}, fmt.Errorf("activate %s: %w", versionID, err)
	}

	now := s.now().UTC()
	ptr := types.ActivePolicyPointer{
		PolicyID:  v.PolicyID,
		VersionID: v.ID,
		UpdatedAt: now,
		UpdatedBy: actor,
	}
	ev := types.PolicyEvent{
		ID:        newID(),
		PolicyID:  v.PolicyID,
		VersionID: v.ID,
		Type:      types.PolicyVersionActivated,
		Actor:     actor,
		CreatedAt: now,
	}
	if err := s.store.SetActivePolicy(ctx, ptr, ev); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return types.ActivePolicyPointer{}, fmt.Errorf("activate %s: %w", versionID, err)
	}

	s.metrics.RecordPolicyEvent(ctx, string(types.PolicyVersionActivated))
	s.logger.WithContext(ctx).Info().
		Str("policy_id", v.PolicyID).
		Str("version_id", v.ID).
		Str("actor", actor).
		Msg("policy version activated")
	return ptr, nil
}

// Deactivate removes the active pointer of policyID. Gates deny afterwards.
func (s *Service) Deactivate(ctx context.Context, policyID, actor string) error {
	ctx, span := s.tracer.Start(ctx, "lawbook.deactivate",
		trace.WithAttributes(attribute.String("policy.id", policyID)))
	defer span.End()

	actor, err := requireActor("actor", actor)
	if err != nil {
		return err
	}

	ptr, err := s.store.GetActivePolicy(ctx, policyID)
	if err != nil {
		return fmt.Errorf("deactivate %s: %w", policyID, err)
	}
	if ptr == nil {
		return fmt.Errorf("deactivate %s: no active version: %w", policyID, types.ErrNotFound)
	}

	ev := types.PolicyEvent{
		ID:        newID(),
		PolicyID:  policyID,
		VersionID: ptr.VersionID,
		Type:      types.PolicyVersionDeactivated,
		Actor:     actor,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.ClearActivePolicy(ctx, policyID, ev); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deactivate %s: %w", policyID, err)
	}

	s.metrics.RecordPolicyEvent(ctx, string(types.PolicyVersionDeactivated))
	s.logger.WithContext(ctx).Warn().
		Str("policy_id", policyID).
		Str("version_id", ptr.VersionID).
		Str("actor", actor).
		Msg("policy deactivated")
	return nil
}

// GetActive snapshots the lawbook in force for policyID. A missing pointer
// is reported as NotConfigured, not as an error.
func (s *Service) GetActive(ctx context.Context, policyID string) (Active, error) {
	ptr, err := s.store.GetActivePolicy(ctx, policyID)
	if err != nil {
		return Active{}, fmt.Errorf("get active %s: %w", policyID, err)
	}
	if ptr == nil {
		return NotConfigured(), nil
	}
	return s.Pinned(ctx, ptr.VersionID)
}

// Pinned loads a specific version as the lawbook in force. An empty
// versionID is NotConfigured.
func (s *Service) Pinned(ctx context.Context, versionID string) (Active, error) {
	if versionID == "" {
		return NotConfigured(), nil
	}

	s.mu.RLock()
	active, ok := s.compiled[versionID]
	s.mu.RUnlock()
	if ok {
		return active, nil
	}

	v, err := s.store.GetPolicyVersion(ctx, versionID)
	if err != nil {
		return Active{}, fmt.Errorf("load version %s: %w", versionID, err)
	}

	var doc Document
	if err := json.Unmarshal(v.Document, &doc); err != nil {
		return Active{}, fmt.Errorf("decode version %s: %v: %w", versionID, err, types.ErrIntegrityViolation)
	}
	if got := canonical.HashBytes(v.Document); got != v.ContentHash {
		if rehashed, err := canonical.Hash(doc); err != nil || rehashed != v.ContentHash {
			return Active{}, fmt.Errorf("version %s content hash mismatch: %w", versionID, types.ErrIntegrityViolation)
		}
	}
	rules, err := CompileRules(ctx, doc.Rules.Rego)
	if err != nil {
		return Active{}, fmt.Errorf("compile rules of %s: %w", versionID, err)
	}

	active = Active{Version: &v, Document: &doc, Rules: rules}
	s.mu.Lock()
	s.compiled[versionID] = active
	s.mu.Unlock()
	return active, nil
}

// GetVersion loads one version
func (s *Service) GetVersion(ctx context.Context, versionID string) (types.PolicyVersion, error) {
	return s.store.GetPolicyVersion(ctx, versionID)
}

// ListVersions returns versions of policyID newest first
func (s *Service) ListVersions(ctx context.Context, policyID string, page types.Page) ([]types.PolicyVersion, error) {
	page, err := types.PolicyPageBounds.Resolve(page)
	if err != nil {
		return nil, err
	}
	return s.store.ListPolicyVersions(ctx, policyID, page)
}

// ListEvents returns the activation log of policyID newest first
func (s *Service) ListEvents(ctx context.Context, policyID string, page types.Page) ([]types.PolicyEvent, error) {
	page, err := types.PolicyPageBounds.Resolve(page)
	if err != nil {
		return nil, err
	}
	return s.store.ListPolicyEvents(ctx, policyID, page)
}
