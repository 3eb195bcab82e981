package types

import (
	"encoding/json"
	"time"
)

// PolicyVersion is an immutable lawbook snapshot
type PolicyVersion struct {
	ID          string          `json:"id"`
	PolicyID    string          `json:"policy_id"`
	Label       string          `json:"policy_version_label"`
	ContentHash string          `json:"content_hash"`
	CreatedAt   time.Time       `json:"created_at"`
	CreatedBy   string          `json:"created_by"`
	Document    json.RawMessage `json:"document"`
}

// ActivePolicyPointer references the version currently in force for a policy id
type ActivePolicyPointer struct {
	PolicyID  string    `json:"policy_id"`
	VersionID string    `json:"version_id"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by"`
}

// PolicyEventType names a change to the version history or the active pointer
type PolicyEventType string

const (
	PolicyVersionCreated     PolicyEventType = "version_created"
	PolicyVersionActivated   PolicyEventType = "version_activated"
	PolicyVersionDeactivated PolicyEventType = "version_deactivated"
)

// PolicyEvent is one append-only entry of the lawbook activation log
type PolicyEvent struct {
	ID        string          `json:"id"`
	PolicyID  string          `json:"policy_id"`
	VersionID string          `json:"version_id"`
	Type      PolicyEventType `json:"type"`
	Actor     string          `json:"actor"`
	CreatedAt time.Time       `json:"created_at"`
}
