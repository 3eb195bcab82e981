package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/yairfalse/warden/gate"
	"github.com/yairfalse/warden/types"
)

// ActionExecutor performs one remediation action. Implementations must treat
// IdempotencyKey as the deduplication key of the request.
type ActionExecutor interface {
	Execute(ctx context.Context, req ActionRequest) (ActionResult, error)
}

// ActionRequest is what an executor receives for one step
type ActionRequest struct {
	ActionType     string         `json:"action_type"`
	Inputs         map[string]any `json:"inputs"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// ActionStatus is the outcome reported by an executor
type ActionStatus string

const (
	ActionSucceeded ActionStatus = "SUCCEEDED"
	ActionFailed    ActionStatus = "FAILED"
)

// ActionResult is an executor's report. Output is hashed, never stored.
type ActionResult struct {
	Status       ActionStatus   `json:"status"`
	Output       map[string]any `json:"output,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// ActionFunc adapts a function to ActionExecutor
type ActionFunc func(ctx context.Context, req ActionRequest) (ActionResult, error)

// Execute calls f
func (f ActionFunc) Execute(ctx context.Context, req ActionRequest) (ActionResult, error) {
	return f(ctx, req)
}

// EvidenceProvider reports evidence kinds already gathered for an incident
type EvidenceProvider interface {
	Evidence(ctx context.Context, incidentRef, category string) ([]string, error)
}

// PlanRequest is a remediation trigger
type PlanRequest struct {
	IncidentRef string                  `json:"incident_ref"`
	PlaybookID  string                  `json:"playbook_id"`
	Inputs      map[string]any          `json:"inputs,omitempty"`
	Category    string                  `json:"category,omitempty"`
	Evidence    []string                `json:"evidence,omitempty"`
	Determinism *gate.DeterminismReport `json:"determinism,omitempty"`
	// PolicyID overrides the engine's default policy id
	PolicyID string `json:"policy_id,omitempty"`
}

// RunView is a run with its steps
type RunView struct {
	Run   types.RemediationRun    `json:"run"`
	Steps []types.RemediationStep `json:"steps"`
	// Verdict is the latest admission verdict, set only by the call that evaluated it
	Verdict *types.Verdict `json:"verdict,omitempty"`
	// Existing is true when Plan returned a run created earlier
	Existing bool `json:"existing"`
}

// Err maps a failed run onto the error taxonomy: ErrPolicyDenied when
// admission denied it, ErrExecutionFailure when a step failed. It is nil for
// every other run.
func (v RunView) Err() error {
	if v.Run.Status != types.RunFailed {
		return nil
	}
	if v.Run.FailureCode == types.FailurePolicyDenied {
		if v.Verdict != nil && len(v.Verdict.Reasons) > 0 {
			return fmt.Errorf("run %s denied by %s: %w", v.Run.ID, v.Verdict.Reasons[0].RuleID, types.ErrPolicyDenied)
		}
		return fmt.Errorf("run %s denied: %w", v.Run.ID, types.ErrPolicyDenied)
	}
	for _, s := range v.Steps {
		if s.Status == types.StepFailed {
			return fmt.Errorf("run %s: step %s failed with %s: %w", v.Run.ID, s.StepID, s.ErrorCode, types.ErrExecutionFailure)
		}
	}
	return fmt.Errorf("run %s failed with %s: %w", v.Run.ID, v.Run.FailureCode, types.ErrExecutionFailure)
}

// Options configure engine behavior
type Options struct {
	// PolicyID selects the lawbook when a request does not name one
	PolicyID string
	// StepTimeout bounds an action when the lawbook does not set one
	StepTimeout time.Duration
	// MaxStepTimeout caps every action timeout; zero means no cap
	MaxStepTimeout time.Duration
	// LeaseTTL is how long a run lease lives without refresh
	LeaseTTL time.Duration
}

// DefaultOptions returns the engine defaults
func DefaultOptions() Options {
	return Options{
		PolicyID:    "default",
		StepTimeout: 60 * time.Second,
		LeaseTTL:    2 * time.Minute,
	}
}
