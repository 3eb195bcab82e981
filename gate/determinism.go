package gate

import (
	"time"

	"github.com/yairfalse/warden/lawbook"
	"github.com/yairfalse/warden/types"
)

// DeterminismStatus is the state of a replay verification report
type DeterminismStatus string

const (
	DeterminismPending DeterminismStatus = "PENDING"
	DeterminismPassed  DeterminismStatus = "PASSED"
	DeterminismFailed  DeterminismStatus = "FAILED"
)

// DeterminismReport is supplied by the trigger when the lawbook requires
// verified determinism before remediation
type DeterminismReport struct {
	Status DeterminismStatus `json:"status"`
	Detail string            `json:"detail,omitempty"`
}

// DeterminismRequired holds while a required report is missing or pending
// and denies a failed one
func DeterminismRequired(report *DeterminismReport, policy lawbook.Active, now time.Time) types.Verdict {
	if !policy.Configured() {
		return verdict([]finding{notConfigured()}, policy, now)
	}
	if !policy.Document.Determinism.Required {
		return verdict(nil, policy, now)
	}

	var f finding
	switch {
	case report == nil:
		f = hold(RuleDeterminismReportMissing, "determinism report required but not supplied")
	case report.Status == DeterminismPassed:
		return verdict(nil, policy, now)
	case report.Status == DeterminismPending:
		f = hold(RuleDeterminismPending, "determinism verification pending")
	case report.Status == DeterminismFailed:
		f = deny(RuleDeterminismFailed, "determinism verification failed: %s", report.Detail)
	default:
		f = deny(RuleDeterminismFailed, "determinism report has unknown status %q", report.Status)
	}
	return verdict([]finding{f}, policy, now)
}
