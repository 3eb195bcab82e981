package gate

import (
	"context"
	"time"

	"github.com/yairfalse/warden/lawbook"
	"github.com/yairfalse/warden/types"
)

// Rule input kinds
const (
	KindPlaybook = "playbook"
	KindAction   = "action"
)

// RulesInput is the document extension rules see as input
type RulesInput struct {
	Kind        string         `json:"kind"`
	IncidentRef string         `json:"incidentRef"`
	PlaybookID  string         `json:"playbookId"`
	Category    string         `json:"category,omitempty"`
	Evidence    []string       `json:"evidence,omitempty"`
	StepID      string         `json:"stepId,omitempty"`
	ActionType  string         `json:"actionType,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Now         time.Time      `json:"now"`
}

// CustomRules evaluates the lawbook's Rego extension module. Each deny
// message becomes a reason; an evaluation error denies.
func CustomRules(ctx context.Context, input RulesInput, policy lawbook.Active) types.Verdict {
	if !policy.Configured() {
		return verdict([]finding{notConfigured()}, policy, input.Now)
	}
	if policy.Rules == nil {
		return verdict(nil, policy, input.Now)
	}

	messages, err := policy.Rules.Deny(ctx, input)
	if err != nil {
		return verdict([]finding{deny(RuleCustomEvalError, "extension rules failed: %v", err)}, policy, input.Now)
	}

	findings := make([]finding, 0, len(messages))
	for _, msg := range messages {
		findings = append(findings, deny(RuleCustomDeny, "%s", msg))
	}
	return verdict(findings, policy, input.Now)
}
