package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yairfalse/warden/audit"
	"github.com/yairfalse/warden/gate"
	"github.com/yairfalse/warden/lawbook"
	"github.com/yairfalse/warden/storage"
	"github.com/yairfalse/warden/telemetry"
	"github.com/yairfalse/warden/types"
)

const testPolicy = `
policyId: default
policyVersion: v1
remediation:
  enabled: true
  allowedPlaybooks: [restart-service, purge-cache]
  allowedActions: [service.drain, service.restart]
  maxRunsPerIncident: 3
  cooldownMinutes: 0
evidence:
  requiredByCategory:
    latency: [metrics]
`

// testClock advances one second per read so every timestamp is distinct
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// actionCall records one executor invocation
type actionCall struct {
	req ActionRequest
}

// MockActions records calls and answers per action type
type MockActions struct {
	mu       sync.Mutex
	calls    []actionCall
	handlers map[string]ActionFunc
}

func (m *MockActions) Execute(ctx context.Context, req ActionRequest) (ActionResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, actionCall{req: req})
	h := m.handlers[req.ActionType]
	m.mu.Unlock()

	if h != nil {
		return h(ctx, req)
	}
	return ActionResult{Status: ActionSucceeded, Output: map[string]any{"ok": true}}, nil
}

func (m *MockActions) Calls() []actionCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]actionCall, len(m.calls))
	copy(out, m.calls)
	return out
}

type harness struct {
	t        *testing.T
	store    *storage.BoltStore
	policies *lawbook.Service
	audit    *audit.Writer
	actions  *MockActions
	clock    *testClock
	engine   *Engine
}

func restartPlaybook() Playbook {
	return Playbook{
		ID:      "restart-service",
		Version: "3",
		Steps: []Step{
			{ID: "drain", Action: "service.drain"},
			{ID: "restart", Action: "service.restart", With: map[string]any{"graceful": true}},
		},
	}
}

func newHarness(t *testing.T, policyDoc string, opts ...Option) *harness {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clock := &testClock{t: time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)}
	h := &harness{
		t:        t,
		store:    store,
		policies: lawbook.NewService(store, lawbook.WithClock(clock.Now), lawbook.WithLogger(telemetry.Nop())),
		audit:    audit.NewWriter(store, audit.WithClock(clock.Now), audit.WithLogger(telemetry.Nop())),
		actions:  &MockActions{handlers: map[string]ActionFunc{}},
		clock:    clock,
	}

	if policyDoc != "" {
		h.publish(policyDoc)
	}

	catalog, err := NewCatalog(restartPlaybook(), Playbook{
		ID:      "purge-cache",
		Version: "1",
		Steps:   []Step{{ID: "purge", Action: "cache.purge"}},
	})
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}

	base := []Option{WithClock(clock.Now), WithLogger(telemetry.Nop())}
	h.engine = NewEngine(store, h.policies, h.audit, catalog, h.actions, append(base, opts...)...)
	return h
}

func (h *harness) publish(doc string) {
	h.t.Helper()
	ctx := context.Background()
	v, _, err := h.policies.CreateVersion(ctx, []byte(doc), "tester")
	if err != nil {
		h.t.Fatalf("CreateVersion failed: %v", err)
	}
	if _, err := h.policies.Activate(ctx, v.ID, "tester"); err != nil {
		h.t.Fatalf("Activate failed: %v", err)
	}
}

func (h *harness) eventTypes(runID string) []types.AuditEventType {
	h.t.Helper()
	var out []types.AuditEventType
	err := h.store.ScanAuditEvents(context.Background(), runID, func(ev types.AuditEvent) error {
		out = append(out, ev.EventType)
		return nil
	})
	if err != nil {
		h.t.Fatalf("ScanAuditEvents failed: %v", err)
	}
	return out
}

func restartRequest() PlanRequest {
	return PlanRequest{
		IncidentRef: "INC-100",
		PlaybookID:  "restart-service",
		Inputs:      map[string]any{"service": "api", "apiToken": "s3cr3t-value"},
		Category:    "latency",
		Evidence:    []string{"metrics"},
	}
}

func equalEvents(got, want []types.AuditEventType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestEngine_RunSucceeds(t *testing.T) {
	h := newHarness(t, testPolicy)
	ctx := context.Background()

	view, err := h.engine.Run(ctx, restartRequest())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if view.Run.Status != types.RunSucceeded {
		t.Fatalf("Status = %v, want %v", view.Run.Status, types.RunSucceeded)
	}
	if view.Run.StartedAt == nil || view.Run.FinishedAt == nil {
		t.Error("StartedAt and FinishedAt should be set")
	}
	if view.Run.PolicyVersionRef == "" {
		t.Error("PolicyVersionRef should pin the active version")
	}
	if view.Verdict == nil || view.Verdict.Decision != types.DecisionAllow {
		t.Errorf("Verdict = %+v, want ALLOW", view.Verdict)
	}
	if err := view.Err(); err != nil {
		t.Errorf("Err() = %v for a succeeded run", err)
	}
	for _, s := range view.Steps {
		if s.Status != types.StepSucceeded {
			t.Errorf("step %s status = %v, want SUCCEEDED", s.StepID, s.Status)
		}
		if len(s.OutputHash) != 64 {
			t.Errorf("step %s output hash = %q", s.StepID, s.OutputHash)
		}
	}

	calls := h.actions.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if calls[0].req.ActionType != "service.drain" || calls[1].req.ActionType != "service.restart" {
		t.Errorf("call order = %s, %s", calls[0].req.ActionType, calls[1].req.ActionType)
	}
	if calls[0].req.IdempotencyKey != view.Run.RunKey+":drain" {
		t.Errorf("IdempotencyKey = %s", calls[0].req.IdempotencyKey)
	}
	if calls[1].req.Inputs["graceful"] != true || calls[1].req.Inputs["service"] != "api" {
		t.Errorf("restart inputs = %v", calls[1].req.Inputs)
	}
	if calls[0].req.Inputs["apiToken"] == "s3cr3t-value" {
		t.Error("secret input reached the executor unredacted")
	}

	want := []types.AuditEventType{
		types.AuditPlanned,
		types.AuditStatusUpdated,
		types.AuditStepStarted, types.AuditStepFinished,
		types.AuditStepStarted, types.AuditStepFinished,
		types.AuditStatusUpdated,
		types.AuditCompleted,
	}
	if got := h.eventTypes(view.Run.ID); !equalEvents(got, want) {
		t.Errorf("audit events = %v, want %v", got, want)
	}

	report, err := h.audit.Verify(ctx, view.Run.ID)
	if err != nil || !report.OK() {
		t.Errorf("Verify = %+v, %v", report, err)
	}
}

func TestEngine_PlanIsIdempotent(t *testing.T) {
	h := newHarness(t, testPolicy)
	ctx := context.Background()

	first, err := h.engine.Plan(ctx, restartRequest())
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if first.Existing {
		t.Error("first plan should create the run")
	}

	req := restartRequest()
	req.Inputs = map[string]any{"apiToken": "s3cr3t-value", "service": "api"}
	second, err := h.engine.Plan(ctx, req)
	if err != nil {
		t.Fatalf("second Plan failed: %v", err)
	}
	if !second.Existing || second.Run.ID != first.Run.ID {
		t.Errorf("second plan = %s existing=%v, want %s", second.Run.ID, second.Existing, first.Run.ID)
	}

	planned := 0
	for _, typ := range h.eventTypes(first.Run.ID) {
		if typ == types.AuditPlanned {
			planned++
		}
	}
	if planned != 1 {
		t.Errorf("PLANNED events = %d, want 1", planned)
	}

	byKey, err := h.engine.GetByKey(ctx, first.Run.RunKey)
	if err != nil || byKey.Run.ID != first.Run.ID {
		t.Errorf("GetByKey = %s, %v", byKey.Run.ID, err)
	}
}

func TestEngine_ConcurrentPlansConverge(t *testing.T) {
	h := newHarness(t, testPolicy)
	ctx := context.Background()

	const callers = 8
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			view, err := h.engine.Plan(ctx, restartRequest())
			ids[i], errs[i] = view.Run.ID, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Errorf("caller %d got run %s, want %s", i, ids[i], ids[0])
		}
	}
	steps, err := h.store.ListSteps(ctx, ids[0])
	if err != nil || len(steps) != 2 {
		t.Errorf("steps = %d, %v", len(steps), err)
	}
}

func TestEngine_NotConfiguredDenies(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	view, err := h.engine.Run(ctx, restartRequest())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if view.Run.Status != types.RunFailed || view.Run.FailureCode != types.FailurePolicyDenied {
		t.Fatalf("run = %s/%s, want FAILED/POLICY_DENIED", view.Run.Status, view.Run.FailureCode)
	}
	if view.Run.StartedAt != nil {
		t.Error("denied run must never start")
	}
	if view.Verdict == nil || !view.Verdict.HasRule(gate.RulePolicyNotConfigured) {
		t.Errorf("Verdict = %+v", view.Verdict)
	}
	if err := view.Err(); !errors.Is(err, types.ErrPolicyDenied) {
		t.Errorf("Err() = %v, want ErrPolicyDenied", err)
	}
	for _, s := range view.Steps {
		if s.Status != types.StepPending {
			t.Errorf("step %s = %s, want PENDING", s.StepID, s.Status)
		}
	}
	if n := len(h.actions.Calls()); n != 0 {
		t.Errorf("executor called %d times", n)
	}

	want := []types.AuditEventType{types.AuditPlanned, types.AuditStatusUpdated, types.AuditFailed}
	if got := h.eventTypes(view.Run.ID); !equalEvents(got, want) {
		t.Errorf("audit events = %v, want %v", got, want)
	}

	again, err := h.engine.Execute(ctx, view.Run.ID)
	if err != nil || again.Run.Status != types.RunFailed {
		t.Errorf("Execute on terminal run = %s, %v", again.Run.Status, err)
	}
	if got := len(h.eventTypes(view.Run.ID)); got != len(want) {
		t.Errorf("terminal Execute appended events: %d", got)
	}
}

type staticEvidence []string

func (s staticEvidence) Evidence(ctx context.Context, incidentRef, category string) ([]string, error) {
	return s, nil
}

func TestEngine_MissingEvidence(t *testing.T) {
	h := newHarness(t, testPolicy)
	ctx := context.Background()

	req := restartRequest()
	req.Evidence = nil
	view, err := h.engine.Run(ctx, req)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if view.Run.Status != types.RunFailed || !view.Verdict.HasRule(gate.RuleEvidenceMissing) {
		t.Fatalf("run = %s, verdict = %+v", view.Run.Status, view.Verdict)
	}

	withProvider := newHarness(t, testPolicy, WithEvidenceProvider(staticEvidence{"metrics"}))
	view, err = withProvider.engine.Run(ctx, req)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if view.Run.Status != types.RunSucceeded {
		t.Errorf("Status = %s, want SUCCEEDED with provider evidence", view.Run.Status)
	}
}

func TestEngine_CooldownDenies(t *testing.T) {
	h := newHarness(t, strings.Replace(testPolicy, "cooldownMinutes: 0", "cooldownMinutes: 15", 1))
	ctx := context.Background()

	first, err := h.engine.Run(ctx, restartRequest())
	if err != nil || first.Run.Status != types.RunSucceeded {
		t.Fatalf("first run = %s, %v", first.Run.Status, err)
	}

	h.clock.Advance(5 * time.Minute)
	req := restartRequest()
	req.Inputs = map[string]any{"service": "worker"}
	second, err := h.engine.Run(ctx, req)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if second.Run.Status != types.RunFailed || !second.Verdict.HasRule(gate.RuleCooldown) {
		t.Errorf("second run = %s, verdict = %+v", second.Run.Status, second.Verdict)
	}

	h.clock.Advance(15 * time.Minute)
	req.Inputs = map[string]any{"service": "scheduler"}
	third, err := h.engine.Run(ctx, req)
	if err != nil || third.Run.Status != types.RunSucceeded {
		t.Errorf("third run = %s, %v", third.Run.Status, err)
	}
}

func TestEngine_StepFailureHalts(t *testing.T) {
	h := newHarness(t, testPolicy)
	h.actions.handlers["service.drain"] = func(ctx context.Context, req ActionRequest) (ActionResult, error) {
		return ActionResult{Status: ActionFailed, ErrorCode: "DRAIN_REFUSED", ErrorMessage: "Bearer abcdefghijklmnop refused"}, nil
	}
	ctx := context.Background()

	view, err := h.engine.Run(ctx, restartRequest())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if view.Run.Status != types.RunFailed || view.Run.FailureCode != types.FailureStepFailed {
		t.Fatalf("run = %s/%s, want FAILED/STEP_FAILED", view.Run.Status, view.Run.FailureCode)
	}
	if view.Steps[0].Status != types.StepFailed || view.Steps[0].ErrorCode != "DRAIN_REFUSED" {
		t.Errorf("drain = %s/%s", view.Steps[0].Status, view.Steps[0].ErrorCode)
	}
	if err := view.Err(); !errors.Is(err, types.ErrExecutionFailure) || errors.Is(err, types.ErrPolicyDenied) {
		t.Errorf("Err() = %v, want ErrExecutionFailure", err)
	}
	if view.Steps[1].Status != types.StepPending {
		t.Errorf("restart = %s, want PENDING", view.Steps[1].Status)
	}
	if n := len(h.actions.Calls()); n != 1 {
		t.Errorf("executor called %d times, want 1", n)
	}

	events, err := h.audit.ListForRun(ctx, view.Run.ID, types.Page{})
	if err != nil {
		t.Fatalf("ListForRun failed: %v", err)
	}
	for _, ev := range events {
		if strings.Contains(string(ev.Payload), "abcdefghijklmnop") {
			t.Errorf("event %s leaks the bearer token: %s", ev.EventType, ev.Payload)
		}
	}
	if events[0].EventType != types.AuditFailed {
		t.Errorf("newest event = %s, want FAILED", events[0].EventType)
	}
}

func TestEngine_StepTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	opts := DefaultOptions()
	opts.MaxStepTimeout = 50 * time.Millisecond
	h := newHarness(t, testPolicy, WithOptions(opts))
	h.actions.handlers["service.drain"] = func(ctx context.Context, req ActionRequest) (ActionResult, error) {
		<-release // ignores ctx on purpose
		return ActionResult{Status: ActionSucceeded}, nil
	}

	view, err := h.engine.Run(context.Background(), restartRequest())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if view.Steps[0].Status != types.StepFailed || view.Steps[0].ErrorCode != types.ErrorCodeTimeout {
		t.Errorf("drain = %s/%s, want FAILED/TIMEOUT", view.Steps[0].Status, view.Steps[0].ErrorCode)
	}
	if view.Run.Status != types.RunFailed {
		t.Errorf("run = %s, want FAILED", view.Run.Status)
	}
}

func TestEngine_ExecutorErrorAndPanic(t *testing.T) {
	h := newHarness(t, testPolicy)
	h.actions.handlers["service.drain"] = func(ctx context.Context, req ActionRequest) (ActionResult, error) {
		return ActionResult{}, errors.New("connection reset")
	}
	view, err := h.engine.Run(context.Background(), restartRequest())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if view.Steps[0].ErrorCode != types.ErrorCodeExecutorError {
		t.Errorf("ErrorCode = %s, want EXECUTOR_ERROR", view.Steps[0].ErrorCode)
	}

	p := newHarness(t, testPolicy)
	p.actions.handlers["service.drain"] = func(ctx context.Context, req ActionRequest) (ActionResult, error) {
		panic("boom")
	}
	view, err = p.engine.Run(context.Background(), restartRequest())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if view.Steps[0].ErrorCode != types.ErrorCodeExecutorError || view.Run.Status != types.RunFailed {
		t.Errorf("panic step = %s, run = %s", view.Steps[0].ErrorCode, view.Run.Status)
	}
}

func TestEngine_ActionNotAllowed(t *testing.T) {
	doc := strings.Replace(testPolicy, "allowedActions: [service.drain, service.restart]", "allowedActions: [service.drain]", 1)
	h := newHarness(t, doc)

	view, err := h.engine.Run(context.Background(), restartRequest())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if view.Steps[0].Status != types.StepSucceeded {
		t.Errorf("drain = %s, want SUCCEEDED", view.Steps[0].Status)
	}
	if view.Steps[1].Status != types.StepFailed || view.Steps[1].ErrorCode != types.ErrorCodeActionDenied {
		t.Errorf("restart = %s/%s, want FAILED/ACTION_DENIED", view.Steps[1].Status, view.Steps[1].ErrorCode)
	}
	if view.Steps[1].StartedAt != nil {
		t.Error("denied step must never start")
	}
	if n := len(h.actions.Calls()); n != 1 {
		t.Errorf("executor called %d times, want 1", n)
	}
}

func TestEngine_CustomRulesDenyAction(t *testing.T) {
	doc := testPolicy + `rules:
  rego: |
    package warden.guardrails

    deny contains msg if {
      input.kind == "action"
      input.inputs.service == "api"
      input.actionType == "service.restart"
      msg := "api restarts need a human"
    }
`
	h := newHarness(t, doc)
	view, err := h.engine.Run(context.Background(), restartRequest())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if view.Steps[1].ErrorCode != types.ErrorCodeActionDenied {
		t.Errorf("restart = %s/%s", view.Steps[1].Status, view.Steps[1].ErrorCode)
	}
}

// switchableDeterminism returns whatever report is currently set
type switchableDeterminism struct {
	mu     sync.Mutex
	report *gate.DeterminismReport
}

func (s *switchableDeterminism) Determinism(ctx context.Context, run types.RemediationRun) (*gate.DeterminismReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report, nil
}

func TestEngine_HoldThenExecute(t *testing.T) {
	provider := &switchableDeterminism{}
	h := newHarness(t, testPolicy+"determinism:\n  required: true\n", WithDeterminismProvider(provider))
	ctx := context.Background()

	req := restartRequest()
	req.Determinism = &gate.DeterminismReport{Status: gate.DeterminismPending}
	view, err := h.engine.Run(ctx, req)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if view.Run.Status != types.RunPlanned || view.Verdict.Decision != types.DecisionHold {
		t.Fatalf("run = %s, verdict = %+v, want PLANNED/HOLD", view.Run.Status, view.Verdict)
	}
	if n := len(h.actions.Calls()); n != 0 {
		t.Fatalf("executor called %d times while held", n)
	}

	provider.mu.Lock()
	provider.report = &gate.DeterminismReport{Status: gate.DeterminismPassed}
	provider.mu.Unlock()

	view, err = h.engine.Execute(ctx, view.Run.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if view.Run.Status != types.RunSucceeded {
		t.Errorf("run = %s, want SUCCEEDED", view.Run.Status)
	}
}

func TestEngine_RepeatedHoldRecordedOnce(t *testing.T) {
	provider := &switchableDeterminism{}
	h := newHarness(t, testPolicy+"determinism:\n  required: true\n", WithDeterminismProvider(provider))
	ctx := context.Background()

	req := restartRequest()
	req.Determinism = &gate.DeterminismReport{Status: gate.DeterminismPending}
	view, err := h.engine.Run(ctx, req)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := h.engine.Execute(ctx, view.Run.ID)
		if err != nil {
			t.Fatalf("Execute %d failed: %v", i, err)
		}
		if again.Run.Status != types.RunPlanned || again.Verdict == nil || again.Verdict.Decision != types.DecisionHold {
			t.Fatalf("Execute %d: run = %s, verdict = %+v, want PLANNED/HOLD", i, again.Run.Status, again.Verdict)
		}
	}

	want := []types.AuditEventType{types.AuditPlanned, types.AuditStatusUpdated}
	if got := h.eventTypes(view.Run.ID); !equalEvents(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	provider.mu.Lock()
	provider.report = &gate.DeterminismReport{Status: gate.DeterminismPassed}
	provider.mu.Unlock()

	view, err = h.engine.Execute(ctx, view.Run.ID)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if view.Run.Status != types.RunSucceeded {
		t.Errorf("run = %s, want SUCCEEDED", view.Run.Status)
	}
}

// failingAudit fails appends of one event type
type failingAudit struct {
	AuditLog
	fail types.AuditEventType
}

func (f failingAudit) Append(ctx context.Context, e audit.Entry) (types.AuditEvent, error) {
	if e.EventType == f.fail {
		return types.AuditEvent{}, types.ErrStorageUnavailable
	}
	return f.AuditLog.Append(ctx, e)
}

func TestEngine_NoActionWithoutStartEvent(t *testing.T) {
	h := newHarness(t, testPolicy)
	catalog, _ := NewCatalog(restartPlaybook())
	engine := NewEngine(h.store, h.policies, failingAudit{AuditLog: h.audit, fail: types.AuditStepStarted}, catalog, h.actions,
		WithClock(h.clock.Now), WithLogger(telemetry.Nop()))

	_, err := engine.Run(context.Background(), restartRequest())
	if !errors.Is(err, types.ErrStorageUnavailable) {
		t.Fatalf("err = %v, want ErrStorageUnavailable", err)
	}
	if n := len(h.actions.Calls()); n != 0 {
		t.Errorf("executor called %d times without STEP_STARTED", n)
	}
}

// flakyAudit fails the first append of one event type, then recovers
type flakyAudit struct {
	AuditLog
	fail types.AuditEventType

	mu     sync.Mutex
	failed bool
}

func (f *flakyAudit) Append(ctx context.Context, e audit.Entry) (types.AuditEvent, error) {
	f.mu.Lock()
	trip := e.EventType == f.fail && !f.failed
	if trip {
		f.failed = true
	}
	f.mu.Unlock()
	if trip {
		return types.AuditEvent{}, types.ErrStorageUnavailable
	}
	return f.AuditLog.Append(ctx, e)
}

func TestEngine_RetryRecordsMissingPlan(t *testing.T) {
	h := newHarness(t, testPolicy)
	catalog, _ := NewCatalog(restartPlaybook())
	engine := NewEngine(h.store, h.policies, &flakyAudit{AuditLog: h.audit, fail: types.AuditPlanned}, catalog, h.actions,
		WithClock(h.clock.Now), WithLogger(telemetry.Nop()))
	ctx := context.Background()

	if _, err := engine.Run(ctx, restartRequest()); !errors.Is(err, types.ErrStorageUnavailable) {
		t.Fatalf("first Run err = %v, want ErrStorageUnavailable", err)
	}
	if n := len(h.actions.Calls()); n != 0 {
		t.Fatalf("executor called %d times without a plan record", n)
	}

	view, err := engine.Run(ctx, restartRequest())
	if err != nil {
		t.Fatalf("retried Run failed: %v", err)
	}
	if !view.Existing {
		t.Error("retried Run created a second run")
	}
	if view.Run.Status != types.RunSucceeded {
		t.Fatalf("Status = %v, want %v", view.Run.Status, types.RunSucceeded)
	}
	if n := len(h.actions.Calls()); n != 2 {
		t.Errorf("executor called %d times, want 2", n)
	}

	got := h.eventTypes(view.Run.ID)
	planned := 0
	for _, et := range got {
		if et == types.AuditPlanned {
			planned++
		}
	}
	if planned != 1 || got[0] != types.AuditPlanned {
		t.Errorf("events = %v, want exactly one PLANNED first", got)
	}

	// a further retry finds the terminal run and changes nothing
	again, err := engine.Run(ctx, restartRequest())
	if err != nil || again.Run.ID != view.Run.ID || again.Run.Status != types.RunSucceeded {
		t.Errorf("third Run = %s/%s, %v", again.Run.ID, again.Run.Status, err)
	}
	if n := len(h.eventTypes(view.Run.ID)); n != len(got) {
		t.Errorf("events grew from %d to %d", len(got), n)
	}
}

func TestEngine_PlanValidation(t *testing.T) {
	h := newHarness(t, testPolicy)
	ctx := context.Background()

	bad := []PlanRequest{
		{PlaybookID: "restart-service"},
		{IncidentRef: "INC-1"},
		{IncidentRef: "INC-1", PlaybookID: "unknown"},
		{IncidentRef: strings.Repeat("x", MaxIncidentRefLength+1), PlaybookID: "restart-service"},
		{IncidentRef: "INC-1", PlaybookID: "restart-service", Determinism: &gate.DeterminismReport{Status: "MAYBE"}},
		{IncidentRef: "INC-1", PlaybookID: "restart-service", Inputs: map[string]any{"blob": strings.Repeat("a", 70<<10)}},
	}
	for i, req := range bad {
		if _, err := h.engine.Plan(ctx, req); !errors.Is(err, types.ErrValidation) {
			t.Errorf("request %d: err = %v, want ErrValidation", i, err)
		}
	}

	stats, err := h.store.IncidentRunStats(ctx, "INC-1", "")
	if err != nil || stats.StartedRuns != 0 {
		t.Errorf("stats = %+v, %v", stats, err)
	}
}

func TestEngine_GetUnknownRun(t *testing.T) {
	h := newHarness(t, testPolicy)
	if _, err := h.engine.Get(context.Background(), "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := h.engine.Execute(context.Background(), "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRunKey_IgnoresKeyOrder(t *testing.T) {
	a, err := RunKey("INC-1", "restart-service", map[string]any{"a": 1, "b": map[string]any{"x": "y", "z": 2.0}})
	if err != nil {
		t.Fatalf("RunKey failed: %v", err)
	}
	b, _ := RunKey("INC-1", "restart-service", map[string]any{"b": map[string]any{"z": 2, "x": "y"}, "a": 1})
	if a != b {
		t.Errorf("run keys differ: %s vs %s", a, b)
	}
	c, _ := RunKey("INC-2", "restart-service", map[string]any{"a": 1})
	if a == c {
		t.Error("different incidents must not share a run key")
	}
	empty, _ := RunKey("INC-1", "restart-service", nil)
	emptyMap, _ := RunKey("INC-1", "restart-service", map[string]any{})
	if empty != emptyMap {
		t.Error("nil and empty inputs must share a run key")
	}
}
