package sanitize

import "regexp"

// Rule detects one secret shape inside a string value
type Rule struct {
	ID      string
	Pattern *regexp.Regexp
}

// sensitiveKey matches map keys whose values are always masked
var sensitiveKey = regexp.MustCompile(`(?i)secret|token|password|key|auth|cookie|header|bearer|credential`)

// DefaultRules returns the value-shape rules. Prefix rules follow common
// gitleaks patterns; the dotted triple catches JWT-like tokens even without
// the eyJ header.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "bearer-token", Pattern: regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{8,}`)},
		{ID: "jwt", Pattern: regexp.MustCompile(`eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`)},
		{ID: "dotted-triple", Pattern: regexp.MustCompile(`^[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}$`)},
		{ID: "sk-pk-key", Pattern: regexp.MustCompile(`\b(?:sk|pk)[-_][A-Za-z0-9_-]{8,}`)},
		{ID: "aws-access-key-id", Pattern: regexp.MustCompile(`\b(?:A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}\b`)},
		{ID: "github-token", Pattern: regexp.MustCompile(`\b(?:ghp|gho|ghu|ghs)_[A-Za-z0-9]{36}\b`)},
		{ID: "github-fine-grained", Pattern: regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{22,}`)},
		{ID: "gitlab-token", Pattern: regexp.MustCompile(`\bglpat-[A-Za-z0-9-]{20,}`)},
		{ID: "slack-token", Pattern: regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}`)},
		{ID: "private-key", Pattern: regexp.MustCompile(`-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----`)},
		{ID: "database-url", Pattern: regexp.MustCompile(`(?i)\b(?:postgres|postgresql|mysql|mongodb|redis|amqp)://[^:/\s]+:[^@\s]+@\S+`)},
	}
}
