// Package executor drives remediation playbooks as an idempotent state
// machine: one run per run key, gated admission, strictly sequential steps
// and an audit event before every transition.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/warden/audit"
	"github.com/yairfalse/warden/canonical"
	"github.com/yairfalse/warden/gate"
	"github.com/yairfalse/warden/internal/lease"
	"github.com/yairfalse/warden/lawbook"
	"github.com/yairfalse/warden/sanitize"
	"github.com/yairfalse/warden/storage"
	"github.com/yairfalse/warden/telemetry"
	"github.com/yairfalse/warden/types"
)

// MaxIncidentRefLength bounds trigger identifiers
const MaxIncidentRefLength = 256

// PolicySource resolves the lawbook in force; *lawbook.Service implements it
type PolicySource interface {
	GetActive(ctx context.Context, policyID string) (lawbook.Active, error)
	Pinned(ctx context.Context, versionID string) (lawbook.Active, error)
}

// AuditLog records transitions; *audit.Writer implements it
type AuditLog interface {
	Append(ctx context.Context, e audit.Entry) (types.AuditEvent, error)
	First(ctx context.Context, runID string, eventType types.AuditEventType) (types.AuditEvent, error)
	ListForRun(ctx context.Context, runID string, page types.Page) ([]types.AuditEvent, error)
}

// DeterminismProvider reports the latest verification report for a run.
// A nil report keeps the one given at plan time.
type DeterminismProvider interface {
	Determinism(ctx context.Context, run types.RemediationRun) (*gate.DeterminismReport, error)
}

var (
	_ PolicySource = (*lawbook.Service)(nil)
	_ AuditLog     = (*audit.Writer)(nil)
)

// Engine plans and executes remediation runs
type Engine struct {
	store       storage.RunStorage
	policies    PolicySource
	audit       AuditLog
	catalog     *Catalog
	actions     ActionExecutor
	evidence    EvidenceProvider
	determinism DeterminismProvider
	locker      lease.Locker
	options     Options
	logger      *telemetry.Logger
	tracer      trace.Tracer
	metrics     *telemetry.Metrics
	now         func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithOptions replaces the engine options
func WithOptions(o Options) Option {
	return func(e *Engine) { e.options = o }
}

// WithEvidenceProvider merges provider evidence into every admission
func WithEvidenceProvider(p EvidenceProvider) Option {
	return func(e *Engine) { e.evidence = p }
}

// WithDeterminismProvider refreshes determinism reports on re-admission
func WithDeterminismProvider(p DeterminismProvider) Option {
	return func(e *Engine) { e.determinism = p }
}

// WithLocker replaces the in-process run lease
func WithLocker(l lease.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithClock overrides the engine clock
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics records run, verdict and step metrics on m
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger replaces the component logger
func WithLogger(l *telemetry.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine
func NewEngine(
	store storage.RunStorage,
	policies PolicySource,
	auditLog AuditLog,
	catalog *Catalog,
	actions ActionExecutor,
	opts ...Option,
) *Engine {
	e := &Engine{
		store:    store,
		policies: policies,
		audit:    auditLog,
		catalog:  catalog,
		actions:  actions,
		locker:   lease.NewLocal(),
		options:  DefaultOptions(),
		logger:   telemetry.NewLogger("executor"),
		tracer:   otel.Tracer("executor"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	defaults := DefaultOptions()
	if e.options.PolicyID == "" {
		e.options.PolicyID = defaults.PolicyID
	}
	if e.options.StepTimeout <= 0 {
		e.options.StepTimeout = defaults.StepTimeout
	}
	if e.options.LeaseTTL <= 0 {
		e.options.LeaseTTL = defaults.LeaseTTL
	}
	return e
}

// RunKey derives the idempotency key of a trigger from already redacted inputs
func RunKey(incidentRef, playbookID string, inputs map[string]any) (string, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	encoded, err := canonical.Canonicalize(inputs)
	if err != nil {
		return "", types.Invalid("inputs", "%v", err)
	}
	return canonical.Hash([]any{incidentRef, playbookID, string(encoded)})
}

// StepIdempotencyKey is the key an executor sees for one step
func StepIdempotencyKey(runKey, stepID string) string {
	return runKey + ":" + stepID
}

// resolveInputs overlays a step's with map on the run inputs; step keys win
func resolveInputs(run, with map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(run)+len(with))
	for k, v := range run {
		merged[k] = v
	}
	for k, v := range with {
		merged[k] = v
	}
	return sanitize.RedactMap(merged)
}

// plannedStep and planRecord are the PLANNED audit payload. Execution reads
// inputs back from it so nothing but hashes lives on run rows.
type plannedStep struct {
	StepID     string         `json:"step_id"`
	Position   int            `json:"position"`
	ActionType string         `json:"action_type"`
	Inputs     map[string]any `json:"inputs"`
	InputsHash string         `json:"inputs_hash"`
}

type planRecord struct {
	PlaybookID      string                  `json:"playbook_id"`
	PlaybookVersion string                  `json:"playbook_version"`
	PolicyID        string                  `json:"policy_id"`
	Category        string                  `json:"category,omitempty"`
	Evidence        []string                `json:"evidence"`
	Determinism     *gate.DeterminismReport `json:"determinism,omitempty"`
	Inputs          map[string]any          `json:"inputs"`
	InputsHash      string                  `json:"inputs_hash"`
	Steps           []plannedStep           `json:"steps"`
}

func (r planRecord) step(stepID string) (plannedStep, bool) {
	for _, s := range r.Steps {
		if s.StepID == stepID {
			return s, true
		}
	}
	return plannedStep{}, false
}

func validatePlan(req PlanRequest) error {
	if req.IncidentRef == "" {
		return types.Invalid("incidentRef", "required")
	}
	if len(req.IncidentRef) > MaxIncidentRefLength {
		return types.Invalid("incidentRef", "longer than %d bytes", MaxIncidentRefLength)
	}
	if req.PlaybookID == "" {
		return types.Invalid("playbookId", "required")
	}
	if req.Determinism != nil {
		switch req.Determinism.Status {
		case gate.DeterminismPending, gate.DeterminismPassed, gate.DeterminismFailed:
		default:
			return types.Invalid("determinism.status", "unknown status %q", req.Determinism.Status)
		}
	}
	return sanitize.CheckBounds("inputs", req.Inputs)
}

// Plan creates the run for a trigger, or returns the run an identical
// trigger already created. A new run is admitted immediately.
func (e *Engine) Plan(ctx context.Context, req PlanRequest) (RunView, error) {
	ctx, span := e.tracer.Start(ctx, "executor.plan",
		trace.WithAttributes(
			attribute.String("incident.ref", req.IncidentRef),
			attribute.String("playbook.id", req.PlaybookID),
		))
	defer span.End()

	if err := validatePlan(req); err != nil {
		return RunView{}, err
	}
	pb, ok := e.catalog.Get(req.PlaybookID)
	if !ok {
		return RunView{}, types.Invalid("playbookId", "unknown playbook %q", req.PlaybookID)
	}

	inputs, err := sanitize.RedactMap(req.Inputs)
	if err != nil {
		return RunView{}, err
	}
	runKey, err := RunKey(req.IncidentRef, req.PlaybookID, inputs)
	if err != nil {
		return RunView{}, err
	}
	inputsHash, err := canonical.Hash(inputs)
	if err != nil {
		return RunView{}, types.Invalid("inputs", "%v", err)
	}

	policyID := req.PolicyID
	if policyID == "" {
		policyID = e.options.PolicyID
	}
	policy, err := e.policies.GetActive(ctx, policyID)
	if err != nil {
		return RunView{}, fmt.Errorf("resolve policy %s: %w", policyID, err)
	}

	now := e.now().UTC()
	run := types.RemediationRun{
		ID:               uuid.Must(uuid.NewV7()).String(),
		RunKey:           runKey,
		IncidentRef:      req.IncidentRef,
		PlaybookID:       pb.ID,
		PlaybookVersion:  pb.Version,
		Status:           types.RunPlanned,
		InputsHash:       inputsHash,
		PolicyVersionRef: policy.VersionRef(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	record := planRecord{
		PlaybookID:      pb.ID,
		PlaybookVersion: pb.Version,
		PolicyID:        policyID,
		Category:        req.Category,
		Evidence:        uniqueSorted(req.Evidence),
		Determinism:     req.Determinism,
		Inputs:          inputs,
		InputsHash:      inputsHash,
	}
	steps := make([]types.RemediationStep, 0, len(pb.Steps))
	for i, s := range pb.Steps {
		resolved, err := resolveInputs(inputs, s.With)
		if err != nil {
			return RunView{}, err
		}
		hash, err := canonical.Hash(resolved)
		if err != nil {
			return RunView{}, types.Invalid(fmt.Sprintf("steps[%d].inputs", i), "%v", err)
		}
		steps = append(steps, types.RemediationStep{
			ID:             uuid.Must(uuid.NewV7()).String(),
			RunID:          run.ID,
			StepID:         s.ID,
			Position:       i,
			ActionType:     s.Action,
			Status:         types.StepPending,
			IdempotencyKey: StepIdempotencyKey(runKey, s.ID),
			InputsHash:     hash,
		})
		record.Steps = append(record.Steps, plannedStep{
			StepID:     s.ID,
			Position:   i,
			ActionType: s.Action,
			Inputs:     resolved,
			InputsHash: hash,
		})
	}

	stored, created, err := e.store.CreateRunIfAbsent(ctx, run, steps)
	if err != nil {
		e.logger.LogStorageError(ctx, "create_run", err)
		return RunView{}, fmt.Errorf("create run: %w", err)
	}
	e.metrics.RecordRunPlanned(ctx, pb.ID, created)
	span.SetAttributes(attribute.String("run.id", stored.ID), attribute.Bool("run.created", created))

	if !created {
		e.logger.WithContext(ctx).Info().
			Str("run_id", stored.ID).
			Str("incident_ref", stored.IncidentRef).
			Str("status", string(stored.Status)).
			Msg("reusing existing run")
		if stored.Status != types.RunPlanned {
			view, err := e.view(ctx, stored)
			view.Existing = true
			return view, err
		}
	}
	return e.settlePlan(ctx, stored, record, created)
}

// settlePlan records the PLANNED event of a run and admits it, under the run
// lease. A run created by an earlier call whose PLANNED append failed is
// recorded and admitted here as well; a run that already has its event is
// returned as is, leaving admission to Execute.
func (e *Engine) settlePlan(ctx context.Context, run types.RemediationRun, record planRecord, created bool) (RunView, error) {
	result := func(run types.RemediationRun, verdict *types.Verdict) (RunView, error) {
		view, err := e.view(ctx, run)
		view.Existing = !created
		view.Verdict = verdict
		return view, err
	}

	held, err := e.locker.Acquire(ctx, run.ID, e.options.LeaseTTL)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return result(run, nil)
		}
		return RunView{}, fmt.Errorf("lease run %s: %w", run.ID, err)
	}
	defer e.release(ctx, held)

	if run, err = e.store.GetRun(ctx, run.ID); err != nil {
		return RunView{}, fmt.Errorf("load run: %w", err)
	}
	if run.Status != types.RunPlanned {
		return result(run, nil)
	}
	_, err = e.audit.First(ctx, run.ID, types.AuditPlanned)
	if err == nil {
		return result(run, nil)
	}
	if !errors.Is(err, types.ErrNotFound) {
		return RunView{}, fmt.Errorf("load plan of run %s: %w", run.ID, err)
	}

	if record.PlaybookVersion != run.PlaybookVersion || record.InputsHash != run.InputsHash {
		return RunView{}, fmt.Errorf("run %s was planned from playbook %s version %s, catalog has version %s: %w",
			run.ID, run.PlaybookID, run.PlaybookVersion, record.PlaybookVersion, types.ErrConflict)
	}
	if _, err := e.audit.Append(ctx, audit.Entry{
		RunID:            run.ID,
		IncidentRef:      run.IncidentRef,
		EventType:        types.AuditPlanned,
		PolicyVersionRef: run.PolicyVersionRef,
		Payload:          record,
	}); err != nil {
		return RunView{}, fmt.Errorf("record plan of run %s: %w", run.ID, err)
	}
	if !created {
		e.logger.WithContext(ctx).Warn().
			Str("run_id", run.ID).
			Str("incident_ref", run.IncidentRef).
			Msg("recorded missing plan of existing run")
	}

	policy, err := e.policies.Pinned(ctx, run.PolicyVersionRef)
	if err != nil {
		return RunView{}, fmt.Errorf("load pinned policy of run %s: %w", run.ID, err)
	}
	run, verdict, err := e.admit(ctx, run, record, policy)
	if err != nil {
		return RunView{}, err
	}
	return result(run, &verdict)
}

// Run plans a trigger and executes it when admission allows
func (e *Engine) Run(ctx context.Context, req PlanRequest) (RunView, error) {
	view, err := e.Plan(ctx, req)
	if err != nil {
		return view, err
	}
	if view.Run.Status != types.RunRunning {
		return view, nil
	}
	executed, err := e.Execute(ctx, view.Run.ID)
	executed.Existing = view.Existing
	if executed.Verdict == nil {
		executed.Verdict = view.Verdict
	}
	return executed, err
}

// Execute advances a run as far as it can go. Terminal runs are returned
// untouched; held runs are re-admitted against their pinned lawbook version.
func (e *Engine) Execute(ctx context.Context, runID string) (RunView, error) {
	ctx, span := e.tracer.Start(ctx, "executor.execute", trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return RunView{}, fmt.Errorf("load run: %w", err)
	}
	if run.Status.IsTerminal() {
		return e.view(ctx, run)
	}

	held, err := e.locker.Acquire(ctx, run.ID, e.options.LeaseTTL)
	if err != nil {
		return RunView{}, fmt.Errorf("lease run %s: %w", run.ID, err)
	}
	defer e.release(ctx, held)

	// Reload under the lease; another worker may have moved it.
	if run, err = e.store.GetRun(ctx, runID); err != nil {
		return RunView{}, fmt.Errorf("load run: %w", err)
	}
	if run.Status.IsTerminal() {
		return e.view(ctx, run)
	}

	record, err := e.planRecord(ctx, run)
	if err != nil {
		return RunView{}, err
	}
	policy, err := e.policies.Pinned(ctx, run.PolicyVersionRef)
	if err != nil {
		return RunView{}, fmt.Errorf("load pinned policy of run %s: %w", run.ID, err)
	}

	var verdict *types.Verdict
	if run.Status == types.RunPlanned {
		var v types.Verdict
		if run, v, err = e.admit(ctx, run, record, policy); err != nil {
			return RunView{}, err
		}
		verdict = &v
		if run.Status != types.RunRunning {
			view, err := e.view(ctx, run)
			view.Verdict = verdict
			return view, err
		}
	}

	if run, err = e.runSteps(ctx, run, record, policy, held); err != nil {
		return RunView{}, err
	}
	view, err := e.view(ctx, run)
	view.Verdict = verdict
	return view, err
}

// Get returns a run and its steps
func (e *Engine) Get(ctx context.Context, runID string) (RunView, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return RunView{}, fmt.Errorf("get run: %w", err)
	}
	return e.view(ctx, run)
}

// GetByKey returns the run created for a run key
func (e *Engine) GetByKey(ctx context.Context, runKey string) (RunView, error) {
	run, err := e.store.GetRunByKey(ctx, runKey)
	if err != nil {
		return RunView{}, fmt.Errorf("get run by key: %w", err)
	}
	return e.view(ctx, run)
}

func (e *Engine) view(ctx context.Context, run types.RemediationRun) (RunView, error) {
	steps, err := e.store.ListSteps(ctx, run.ID)
	if err != nil {
		return RunView{Run: run}, fmt.Errorf("list steps of run %s: %w", run.ID, err)
	}
	return RunView{Run: run, Steps: steps}, nil
}

func (e *Engine) release(ctx context.Context, held lease.Lease) {
	if err := held.Release(context.WithoutCancel(ctx)); err != nil {
		e.logger.WithContext(ctx).Warn().Err(err).Str("run_id", held.Key()).Msg("run lease release failed")
	}
}

// planRecord reads back the verified PLANNED payload of a run
func (e *Engine) planRecord(ctx context.Context, run types.RemediationRun) (planRecord, error) {
	ev, err := e.audit.First(ctx, run.ID, types.AuditPlanned)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return planRecord{}, fmt.Errorf("run %s has no plan record: %w", run.ID, types.ErrIntegrityViolation)
		}
		return planRecord{}, fmt.Errorf("load plan of run %s: %w", run.ID, err)
	}

	dec := json.NewDecoder(bytes.NewReader(ev.Payload))
	dec.UseNumber()
	var record planRecord
	if err := dec.Decode(&record); err != nil {
		return planRecord{}, fmt.Errorf("decode plan of run %s: %v: %w", run.ID, err, types.ErrIntegrityViolation)
	}
	if record.InputsHash != run.InputsHash {
		return planRecord{}, fmt.Errorf("plan of run %s does not match its inputs hash: %w", run.ID, types.ErrIntegrityViolation)
	}
	return record, nil
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
