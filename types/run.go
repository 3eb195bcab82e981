package types

import "time"

// RunStatus tracks a remediation run through its lifecycle
type RunStatus string

const (
	RunPlanned   RunStatus = "PLANNED"
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed
func (s RunStatus) IsTerminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// CanTransition reports whether the state machine permits s -> next
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunPlanned:
		// A denied run fails without ever running.
		return next == RunRunning || next == RunFailed
	case RunRunning:
		return next == RunSucceeded || next == RunFailed
	default:
		return false
	}
}

// StepStatus tracks a single playbook step
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
)

// IsTerminal reports whether the step is immutable
func (s StepStatus) IsTerminal() bool {
	return s == StepSucceeded || s == StepFailed
}

// CanTransition reports whether the state machine permits s -> next
func (s StepStatus) CanTransition(next StepStatus) bool {
	switch s {
	case StepPending:
		// Steps denied at the action gate fail without running.
		return next == StepRunning || next == StepFailed
	case StepRunning:
		return next == StepSucceeded || next == StepFailed
	default:
		return false
	}
}

// Failure codes recorded on runs
const (
	FailurePolicyDenied = "POLICY_DENIED"
	FailureStepFailed   = "STEP_FAILED"
)

// Error codes recorded on steps
const (
	ErrorCodeActionDenied  = "ACTION_DENIED"
	ErrorCodeTimeout       = "TIMEOUT"
	ErrorCodeExecutorError = "EXECUTOR_ERROR"
	ErrorCodeActionFailed  = "ACTION_FAILED"
)

// RemediationRun is one attempt to execute a playbook against a trigger
type RemediationRun struct {
	ID               string     `json:"id"`
	RunKey           string     `json:"run_key"`
	IncidentRef      string     `json:"incident_ref"`
	PlaybookID       string     `json:"playbook_id"`
	PlaybookVersion  string     `json:"playbook_version"`
	Status           RunStatus  `json:"status"`
	InputsHash       string     `json:"inputs_hash"`
	PolicyVersionRef string     `json:"policy_version_ref,omitempty"`
	FailureCode      string     `json:"failure_code,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// LastActivity is the time a started run last progressed
func (r RemediationRun) LastActivity() time.Time {
	if r.FinishedAt != nil {
		return *r.FinishedAt
	}
	if r.StartedAt != nil {
		return *r.StartedAt
	}
	return r.UpdatedAt
}

// RemediationStep is one step of a run, enumerated when the run is planned
type RemediationStep struct {
	ID             string     `json:"id"`
	RunID          string     `json:"run_id"`
	StepID         string     `json:"step_id"`
	Position       int        `json:"position"`
	ActionType     string     `json:"action_type"`
	Status         StepStatus `json:"status"`
	IdempotencyKey string     `json:"idempotency_key"`
	InputsHash     string     `json:"inputs_hash"`
	OutputHash     string     `json:"output_hash,omitempty"`
	ErrorCode      string     `json:"error_code,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// RunTransition describes a compare-and-set status change of a run
type RunTransition struct {
	RunID       string
	From        RunStatus
	To          RunStatus
	FailureCode string
	At          time.Time
}

// StepTransition describes a compare-and-set status change of a step
type StepTransition struct {
	RunID      string
	StepID     string
	From       StepStatus
	To         StepStatus
	OutputHash string
	ErrorCode  string
	At         time.Time
}

// IncidentRunStats summarizes prior runs for one incident
type IncidentRunStats struct {
	// StartedRuns counts runs that passed admission and began executing.
	StartedRuns int
	// LastRunAt is the most recent activity of any started run.
	LastRunAt *time.Time
}
