package storage

import (
	"context"

	"github.com/yairfalse/warden/types"
)

// Table names understood by RawRowAccess
const (
	TablePolicyVersions = "policy_versions"
	TablePolicyEvents   = "policy_events"
	TableAuditEvents    = "audit_events"
)

// AppendOnlyTables lists every table whose rows are never updated or deleted
var AppendOnlyTables = []string{TablePolicyVersions, TablePolicyEvents, TableAuditEvents}

// IsAppendOnly reports whether table rejects updates and deletes
func IsAppendOnly(table string) bool {
	for _, t := range AppendOnlyTables {
		if t == table {
			return true
		}
	}
	return false
}

// PolicyWriter persists lawbook versions and the activation log
type PolicyWriter interface {
	// CreatePolicyVersion inserts v together with its creation event.
	// A version with the same content hash is returned with created=false.
	// A different document under an existing (policy id, label) is ErrConflict.
	CreatePolicyVersion(ctx context.Context, v types.PolicyVersion, ev types.PolicyEvent) (stored types.PolicyVersion, created bool, err error)
	// SetActivePolicy upserts the pointer and appends ev atomically
	SetActivePolicy(ctx context.Context, ptr types.ActivePolicyPointer, ev types.PolicyEvent) error
	// ClearActivePolicy removes the pointer and appends ev atomically
	ClearActivePolicy(ctx context.Context, policyID string, ev types.PolicyEvent) error
}

// PolicyReader queries lawbook versions
type PolicyReader interface {
	GetPolicyVersion(ctx context.Context, id string) (types.PolicyVersion, error)
	// ListPolicyVersions orders by (created_at DESC, id DESC)
	ListPolicyVersions(ctx context.Context, policyID string, page types.Page) ([]types.PolicyVersion, error)
	// GetActivePolicy returns nil without error when nothing is active
	GetActivePolicy(ctx context.Context, policyID string) (*types.ActivePolicyPointer, error)
	// ListPolicyEvents orders by (created_at DESC, id DESC)
	ListPolicyEvents(ctx context.Context, policyID string, page types.Page) ([]types.PolicyEvent, error)
}

// PolicyStorage combines read and write for the lawbook
type PolicyStorage interface {
	PolicyWriter
	PolicyReader
}

// RunStorage persists remediation runs and their steps
type RunStorage interface {
	// CreateRunIfAbsent atomically inserts run and steps unless a run with
	// the same run key exists, in which case the stored run is returned.
	CreateRunIfAbsent(ctx context.Context, run types.RemediationRun, steps []types.RemediationStep) (stored types.RemediationRun, created bool, err error)
	GetRun(ctx context.Context, id string) (types.RemediationRun, error)
	GetRunByKey(ctx context.Context, runKey string) (types.RemediationRun, error)
	// ListSteps returns steps in declared order
	ListSteps(ctx context.Context, runID string) ([]types.RemediationStep, error)
	// TransitionRun is a compare-and-set on tr.From; a mismatch is ErrConflict
	TransitionRun(ctx context.Context, tr types.RunTransition) (types.RemediationRun, error)
	// TransitionStep is a compare-and-set on tr.From; terminal steps are immutable
	TransitionStep(ctx context.Context, tr types.StepTransition) (types.RemediationStep, error)
	// IncidentRunStats summarizes started runs of an incident, excluding excludeRunID
	IncidentRunStats(ctx context.Context, incidentRef, excludeRunID string) (types.IncidentRunStats, error)
}

// AuditStorage is the append-only home of audit events
type AuditStorage interface {
	AppendAuditEvent(ctx context.Context, ev types.AuditEvent) error
	// ListAuditEvents orders by (created_at DESC, id DESC)
	ListAuditEvents(ctx context.Context, runID string, page types.Page) ([]types.AuditEvent, error)
	// ScanAuditEvents visits every event of a run in append order
	ScanAuditEvents(ctx context.Context, runID string, fn func(types.AuditEvent) error) error
}

// RawRowAccess bypasses the domain API and addresses rows directly.
// Append-only tables reject both operations with ErrIntegrityViolation.
type RawRowAccess interface {
	UpdateRow(ctx context.Context, table, id string, value []byte) error
	DeleteRow(ctx context.Context, table, id string) error
}

// Lifecycle manages storage lifecycle
type Lifecycle interface {
	Ping(ctx context.Context) error
	Close() error
}

// Storage is the complete storage interface combining all capabilities
type Storage interface {
	PolicyStorage
	RunStorage
	AuditStorage
	RawRowAccess
	Lifecycle
}
