package types

import (
	"encoding/json"
	"time"
)

// AuditEventType names a recorded transition
type AuditEventType string

const (
	AuditPlanned       AuditEventType = "PLANNED"
	AuditStepStarted   AuditEventType = "STEP_STARTED"
	AuditStepFinished  AuditEventType = "STEP_FINISHED"
	AuditStatusUpdated AuditEventType = "STATUS_UPDATED"
	AuditCompleted     AuditEventType = "COMPLETED"
	AuditFailed        AuditEventType = "FAILED"
)

// Valid reports whether t is a known event type
func (t AuditEventType) Valid() bool {
	switch t {
	case AuditPlanned, AuditStepStarted, AuditStepFinished, AuditStatusUpdated, AuditCompleted, AuditFailed:
		return true
	}
	return false
}

// AuditEvent is one append-only audit trail entry.
// Payload holds canonical JSON; PayloadHash is its SHA-256.
type AuditEvent struct {
	ID               string          `json:"id"`
	RunID            string          `json:"run_id"`
	IncidentRef      string          `json:"incident_ref"`
	EventType        AuditEventType  `json:"event_type"`
	CreatedAt        time.Time       `json:"created_at"`
	PolicyVersionRef string          `json:"policy_version_ref,omitempty"`
	Payload          json.RawMessage `json:"payload"`
	PayloadHash      string          `json:"payload_hash"`
}
