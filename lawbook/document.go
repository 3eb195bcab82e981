package lawbook

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/warden/types"
)

// Document limits and defaults
const (
	DefaultStepTimeoutSeconds = 60
	MaxStepTimeoutSeconds     = 3600
	DefaultMaxKeyLength       = 128
	MaxDocumentBytes          = 256 << 10
)

var (
	policyIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
	labelPattern    = regexp.MustCompile(`^[A-Za-z0-9_.:+-]{1,128}$`)
)

// Document is a lawbook: the guardrail configuration remediation runs are gated on
type Document struct {
	PolicyID      string      `yaml:"policyId" json:"policyId"`
	PolicyVersion string      `yaml:"policyVersion" json:"policyVersion"`
	Remediation   Remediation `yaml:"remediation" json:"remediation"`
	Evidence      Evidence    `yaml:"evidence" json:"evidence"`
	Determinism   Determinism `yaml:"determinism" json:"determinism"`
	Idempotency   Idempotency `yaml:"idempotency" json:"idempotency"`
	Rules         RuleSource  `yaml:"rules" json:"rules"`
}

// Remediation controls which playbooks and actions may run and how often
type Remediation struct {
	Enabled            bool     `yaml:"enabled" json:"enabled"`
	AllowedPlaybooks   []string `yaml:"allowedPlaybooks" json:"allowedPlaybooks"`
	AllowedActions     []string `yaml:"allowedActions" json:"allowedActions"`
	MaxRunsPerIncident int      `yaml:"maxRunsPerIncident" json:"maxRunsPerIncident"`
	CooldownMinutes    int      `yaml:"cooldownMinutes" json:"cooldownMinutes"`
	StepTimeoutSeconds int      `yaml:"stepTimeoutSeconds" json:"stepTimeoutSeconds"`
}

// Evidence lists the evidence kinds each incident category must carry
type Evidence struct {
	RequiredByCategory map[string][]string `yaml:"requiredByCategory" json:"requiredByCategory"`
}

// Required returns the sorted evidence kinds for category
func (e Evidence) Required(category string) []string {
	return e.RequiredByCategory[category]
}

type Determinism struct {
	Required bool `yaml:"required" json:"required"`
}

type Idempotency struct {
	MaxKeyLength int `yaml:"maxKeyLength" json:"maxKeyLength"`
}

// RuleSource carries an optional Rego module evaluated as an extra gate
type RuleSource struct {
	Rego string `yaml:"rego" json:"rego"`
}

// AllowsPlaybook reports whether playbookID is listed
func (d *Document) AllowsPlaybook(playbookID string) bool {
	return contains(d.Remediation.AllowedPlaybooks, playbookID)
}

// AllowsAction reports whether actionType is listed
func (d *Document) AllowsAction(actionType string) bool {
	return contains(d.Remediation.AllowedActions, actionType)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Parse decodes a YAML or JSON lawbook strictly, validates it and returns
// the normalized document. Every failure is a ValidationError.
func Parse(data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, types.Invalid("document", "empty")
	}
	if len(data) > MaxDocumentBytes {
		return nil, types.Invalid("document", "exceeds %d bytes", MaxDocumentBytes)
	}

	var doc Document
	var err error
	if trimmed := bytes.TrimSpace(data); trimmed[0] == '{' {
		err = decodeJSON(trimmed, &doc)
	} else {
		err = decodeYAML(data, &doc)
	}
	if err != nil {
		return nil, err
	}

	doc.normalize()
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func decodeYAML(data []byte, doc *Document) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(doc); err != nil {
		return types.Invalid("document", "%v", err)
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return types.Invalid("document", "must contain exactly one document")
	}
	return nil
}

func decodeJSON(data []byte, doc *Document) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(doc); err != nil {
		return types.Invalid("document", "%v", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return types.Invalid("document", "trailing data after document")
	}
	return nil
}

// normalize applies defaults and puts set-like lists in a stable order
func (d *Document) normalize() {
	d.PolicyID = strings.TrimSpace(d.PolicyID)
	d.PolicyVersion = strings.TrimSpace(d.PolicyVersion)

	d.Remediation.AllowedPlaybooks = uniqueSorted(d.Remediation.AllowedPlaybooks)
	d.Remediation.AllowedActions = uniqueSorted(d.Remediation.AllowedActions)
	if d.Remediation.StepTimeoutSeconds == 0 {
		d.Remediation.StepTimeoutSeconds = DefaultStepTimeoutSeconds
	}
	if d.Idempotency.MaxKeyLength == 0 {
		d.Idempotency.MaxKeyLength = DefaultMaxKeyLength
	}

	required := make(map[string][]string, len(d.Evidence.RequiredByCategory))
	for category, kinds := range d.Evidence.RequiredByCategory {
		required[category] = uniqueSorted(kinds)
	}
	d.Evidence.RequiredByCategory = required

	if strings.TrimSpace(d.Rules.Rego) == "" {
		d.Rules.Rego = ""
	}
}

// Validate checks every field, reporting the first violation
func (d *Document) Validate() error {
	if !policyIDPattern.MatchString(d.PolicyID) {
		return types.Invalid("policyId", "must match %s", policyIDPattern)
	}
	if !labelPattern.MatchString(d.PolicyVersion) {
		return types.Invalid("policyVersion", "must match %s", labelPattern)
	}

	r := d.Remediation
	if r.MaxRunsPerIncident < 1 {
		return types.Invalid("remediation.maxRunsPerIncident", "must be >= 1 (got %d)", r.MaxRunsPerIncident)
	}
	if r.CooldownMinutes < 0 {
		return types.Invalid("remediation.cooldownMinutes", "must be >= 0 (got %d)", r.CooldownMinutes)
	}
	if r.StepTimeoutSeconds < 1 || r.StepTimeoutSeconds > MaxStepTimeoutSeconds {
		return types.Invalid("remediation.stepTimeoutSeconds", "must be between 1 and %d (got %d)",
			MaxStepTimeoutSeconds, r.StepTimeoutSeconds)
	}
	for _, p := range r.AllowedPlaybooks {
		if p == "" {
			return types.Invalid("remediation.allowedPlaybooks", "empty entry")
		}
	}
	for _, a := range r.AllowedActions {
		if a == "" {
			return types.Invalid("remediation.allowedActions", "empty entry")
		}
	}

	for category, kinds := range d.Evidence.RequiredByCategory {
		if category == "" {
			return types.Invalid("evidence.requiredByCategory", "empty category")
		}
		for _, k := range kinds {
			if k == "" {
				return types.Invalid("evidence.requiredByCategory."+category, "empty evidence kind")
			}
		}
	}

	if d.Idempotency.MaxKeyLength < 1 {
		return types.Invalid("idempotency.maxKeyLength", "must be >= 1 (got %d)", d.Idempotency.MaxKeyLength)
	}

	if d.Rules.Rego != "" {
		if err := checkRulesPackage(d.Rules.Rego); err != nil {
			return err
		}
	}
	return nil
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
