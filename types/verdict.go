package types

import (
	"sort"
	"time"
)

// Decision is the outcome of a guardrail gate
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionDeny  Decision = "DENY"
	DecisionHold  Decision = "HOLD"
)

// Reason explains one failing rule
type Reason struct {
	RuleID  string   `json:"rule_id"`
	Message string   `json:"message"`
	Missing []string `json:"missing,omitempty"`
}

// Verdict is a gate result. Reasons are always sorted by rule id.
type Verdict struct {
	Decision         Decision  `json:"verdict"`
	Reasons          []Reason  `json:"reasons"`
	PolicyVersionRef string    `json:"policy_version_ref,omitempty"`
	EvaluatedAt      time.Time `json:"evaluated_at"`
}

// Allowed reports whether the verdict permits proceeding
func (v Verdict) Allowed() bool {
	return v.Decision == DecisionAllow
}

// HasRule reports whether any reason carries ruleID
func (v Verdict) HasRule(ruleID string) bool {
	for _, r := range v.Reasons {
		if r.RuleID == ruleID {
			return true
		}
	}
	return false
}

// SortReasons orders reasons by rule id, then message
func SortReasons(reasons []Reason) []Reason {
	out := make([]Reason, len(reasons))
	copy(out, reasons)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RuleID != out[j].RuleID {
			return out[i].RuleID < out[j].RuleID
		}
		return out[i].Message < out[j].Message
	})
	return out
}
