package gate

import (
	"sort"
	"strings"
	"time"

	"github.com/yairfalse/warden/lawbook"
	"github.com/yairfalse/warden/types"
)

// PlaybookRequest asks whether a playbook may start for an incident
type PlaybookRequest struct {
	IncidentRef string
	PlaybookID  string
	Category    string
	Evidence    []string

	// CurrentRunCount counts runs already started for the incident
	CurrentRunCount int
	// LastRunAt is the latest activity of those runs
	LastRunAt *time.Time
	Now       time.Time
}

// playbookCheck inspects one aspect of a request against a configured lawbook
type playbookCheck func(req PlaybookRequest, doc *lawbook.Document) []finding

var playbookChecks = []playbookCheck{
	checkRemediationEnabled,
	checkPlaybookListed,
	checkRequiredEvidence,
	checkRunBudget,
	checkCooldown,
}

// PlaybookAllowed decides whether req may start. Every check runs so the
// verdict lists every failing rule.
func PlaybookAllowed(req PlaybookRequest, policy lawbook.Active) types.Verdict {
	if !policy.Configured() {
		return verdict([]finding{notConfigured()}, policy, req.Now)
	}

	var findings []finding
	for _, check := range playbookChecks {
		findings = append(findings, check(req, policy.Document)...)
	}
	return verdict(findings, policy, req.Now)
}

func checkRemediationEnabled(_ PlaybookRequest, doc *lawbook.Document) []finding {
	if doc.Remediation.Enabled {
		return nil
	}
	return []finding{deny(RuleRemediationDisabled, "remediation is disabled by policy %s", doc.PolicyID)}
}

func checkPlaybookListed(req PlaybookRequest, doc *lawbook.Document) []finding {
	if doc.AllowsPlaybook(req.PlaybookID) {
		return nil
	}
	return []finding{deny(RulePlaybookNotAllowed, "playbook %q is not in allowedPlaybooks", req.PlaybookID)}
}

func checkRequiredEvidence(req PlaybookRequest, doc *lawbook.Document) []finding {
	missing := missingKinds(req.Evidence, doc.Evidence.Required(req.Category))
	if len(missing) == 0 {
		return nil
	}
	return []finding{evidenceFinding(req.Category, missing)}
}

func checkRunBudget(req PlaybookRequest, doc *lawbook.Document) []finding {
	limit := doc.Remediation.MaxRunsPerIncident
	if req.CurrentRunCount < limit {
		return nil
	}
	return []finding{deny(RuleMaxRunsPerIncident, "incident already has %d runs (max %d)", req.CurrentRunCount, limit)}
}

func checkCooldown(req PlaybookRequest, doc *lawbook.Document) []finding {
	cooldown := time.Duration(doc.Remediation.CooldownMinutes) * time.Minute
	if cooldown <= 0 || req.LastRunAt == nil {
		return nil
	}
	elapsed := req.Now.Sub(*req.LastRunAt)
	if elapsed >= cooldown {
		return nil
	}
	return []finding{deny(RuleCooldown, "last run %s ago is within the %d minute cooldown",
		elapsed.Truncate(time.Second), doc.Remediation.CooldownMinutes)}
}

// Evidence checks present against required independently of any lawbook
func Evidence(present, required []string, now time.Time) types.Verdict {
	var findings []finding
	if missing := missingKinds(present, required); len(missing) > 0 {
		findings = append(findings, evidenceFinding("", missing))
	}
	return verdict(findings, lawbook.NotConfigured(), now)
}

func evidenceFinding(category string, missing []string) finding {
	f := deny(RuleEvidenceMissing, "missing evidence: %s", strings.Join(missing, ", "))
	if category != "" {
		f = deny(RuleEvidenceMissing, "category %q is missing evidence: %s", category, strings.Join(missing, ", "))
	}
	f.reason.Missing = missing
	return f
}

// missingKinds returns the sorted required kinds absent from present
func missingKinds(present, required []string) []string {
	have := make(map[string]struct{}, len(present))
	for _, p := range present {
		have[p] = struct{}{}
	}
	var missing []string
	seen := make(map[string]struct{}, len(required))
	for _, r := range required {
		if _, ok := have[r]; ok {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		missing = append(missing, r)
	}
	sort.Strings(missing)
	return missing
}
