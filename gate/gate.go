// Package gate holds the guardrail gates consulted before a remediation
// run starts and before each of its actions. Gates are pure: time enters
// only through the request's Now field and every failing rule is reported.
package gate

import (
	"fmt"
	"time"

	"github.com/yairfalse/warden/lawbook"
	"github.com/yairfalse/warden/types"
)

// Rule ids
const (
	RulePolicyNotConfigured       = "policy.not_configured"
	RuleRemediationDisabled       = "remediation.disabled"
	RulePlaybookNotAllowed        = "playbook.not_allowed"
	RuleEvidenceMissing           = "evidence.missing"
	RuleMaxRunsPerIncident        = "runs.max_per_incident"
	RuleCooldown                  = "runs.cooldown"
	RuleActionNotAllowed          = "action.not_allowed"
	RuleDeterminismReportMissing  = "determinism.report_missing"
	RuleDeterminismPending        = "determinism.pending"
	RuleDeterminismFailed         = "determinism.failed"
	RuleIdempotencyKeyEmpty       = "idempotency_key.empty"
	RuleIdempotencyKeyTooLong     = "idempotency_key.too_long"
	RuleIdempotencyKeyInvalidChar = "idempotency_key.invalid_chars"
	RuleCustomDeny                = "rules.deny"
	RuleCustomEvalError           = "rules.eval_error"
)

// finding is one failing rule; hold findings suspend instead of deny
type finding struct {
	reason types.Reason
	hold   bool
}

func deny(ruleID, format string, args ...any) finding {
	return finding{reason: types.Reason{RuleID: ruleID, Message: fmt.Sprintf(format, args...)}}
}

func hold(ruleID, format string, args ...any) finding {
	f := deny(ruleID, format, args...)
	f.hold = true
	return f
}

func notConfigured() finding {
	return deny(RulePolicyNotConfigured, "no active policy version")
}

// verdict folds findings: any deny wins, then any hold, else allow
func verdict(findings []finding, policy lawbook.Active, now time.Time) types.Verdict {
	decision := types.DecisionAllow
	reasons := make([]types.Reason, 0, len(findings))
	for _, f := range findings {
		reasons = append(reasons, f.reason)
		switch {
		case !f.hold:
			decision = types.DecisionDeny
		case decision == types.DecisionAllow:
			decision = types.DecisionHold
		}
	}
	return types.Verdict{
		Decision:         decision,
		Reasons:          types.SortReasons(reasons),
		PolicyVersionRef: policy.VersionRef(),
		EvaluatedAt:      now.UTC(),
	}
}

// Combine merges gate verdicts: DENY if any denies, else HOLD if any holds,
// else ALLOW. Identical reasons reported by several gates appear once.
func Combine(verdicts ...types.Verdict) types.Verdict {
	out := types.Verdict{Decision: types.DecisionAllow}
	seen := make(map[string]struct{})
	var reasons []types.Reason

	for _, v := range verdicts {
		switch v.Decision {
		case types.DecisionDeny:
			out.Decision = types.DecisionDeny
		case types.DecisionHold:
			if out.Decision == types.DecisionAllow {
				out.Decision = types.DecisionHold
			}
		}
		if out.PolicyVersionRef == "" {
			out.PolicyVersionRef = v.PolicyVersionRef
		}
		if v.EvaluatedAt.After(out.EvaluatedAt) {
			out.EvaluatedAt = v.EvaluatedAt
		}
		for _, r := range v.Reasons {
			key := r.RuleID + "\x00" + r.Message
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			reasons = append(reasons, r)
		}
	}

	out.Reasons = types.SortReasons(reasons)
	return out
}
