package gate

import (
	"time"

	"github.com/yairfalse/warden/lawbook"
	"github.com/yairfalse/warden/types"
)

// ActionRequest asks whether one step's action may be invoked
type ActionRequest struct {
	RunID      string
	StepID     string
	ActionType string
	Now        time.Time
}

// ActionAllowed denies unless the action type is listed by the lawbook
func ActionAllowed(req ActionRequest, policy lawbook.Active) types.Verdict {
	if !policy.Configured() {
		return verdict([]finding{notConfigured()}, policy, req.Now)
	}

	var findings []finding
	if !policy.Document.AllowsAction(req.ActionType) {
		findings = append(findings, deny(RuleActionNotAllowed, "action %q is not in allowedActions", req.ActionType))
	}
	return verdict(findings, policy, req.Now)
}

// IdempotencyKeyFormat checks key against the length limit and the
// [A-Za-z0-9_:-] alphabet. maxLength <= 0 selects the lawbook default.
func IdempotencyKeyFormat(key string, maxLength int, now time.Time) types.Verdict {
	if maxLength <= 0 {
		maxLength = lawbook.DefaultMaxKeyLength
	}

	var findings []finding
	if key == "" {
		findings = append(findings, deny(RuleIdempotencyKeyEmpty, "idempotency key is empty"))
	}
	if len(key) > maxLength {
		findings = append(findings, deny(RuleIdempotencyKeyTooLong, "idempotency key is %d bytes (max %d)", len(key), maxLength))
	}
	if i := invalidKeyChar(key); i >= 0 {
		findings = append(findings, deny(RuleIdempotencyKeyInvalidChar, "idempotency key has invalid character at offset %d", i))
	}
	return verdict(findings, lawbook.NotConfigured(), now)
}

func invalidKeyChar(key string) int {
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_', c == ':', c == '-':
		default:
			return i
		}
	}
	return -1
}
