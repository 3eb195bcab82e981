package lawbook

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/warden/storage"
	"github.com/yairfalse/warden/telemetry"
	"github.com/yairfalse/warden/types"
)

const paymentsYAML = `
policyId: payments
policyVersion: "2026-10-01"
remediation:
  enabled: true
  allowedPlaybooks: [restart-service]
  allowedActions: [service.restart, cache.flush]
  maxRunsPerIncident: 3
  cooldownMinutes: 15
evidence:
  requiredByCategory:
    latency: [metrics, logs]
determinism:
  required: false
`

const paymentsJSONReordered = `{
	"remediation": {
		"cooldownMinutes": 15,
		"maxRunsPerIncident": 3,
		"allowedActions": ["cache.flush", "service.restart"],
		"allowedPlaybooks": ["restart-service"],
		"enabled": true
	},
	"evidence": {"requiredByCategory": {"latency": ["logs", "metrics"]}},
	"determinism": {"required": false},
	"policyVersion": "2026-10-01",
	"policyId": "payments"
}`

func newTestService(t *testing.T) (*Service, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(store,
		WithLogger(telemetry.Nop()),
		WithClock(func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}),
	)
	return svc, store
}

func TestParse_Defaults(t *testing.T) {
	doc, err := Parse([]byte(paymentsYAML))
	require.NoError(t, err)

	assert.Equal(t, "payments", doc.PolicyID)
	assert.Equal(t, DefaultStepTimeoutSeconds, doc.Remediation.StepTimeoutSeconds)
	assert.Equal(t, DefaultMaxKeyLength, doc.Idempotency.MaxKeyLength)
	assert.Equal(t, []string{"logs", "metrics"}, doc.Evidence.Required("latency"))
	assert.Equal(t, []string{"cache.flush", "service.restart"}, doc.Remediation.AllowedActions)
	assert.True(t, doc.AllowsPlaybook("restart-service"))
	assert.False(t, doc.AllowsAction("db.drop"))
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		field string
	}{
		{"empty", "  ", "document"},
		{"unknown field", paymentsYAML + "surprise: true\n", "document"},
		{"unknown json field", `{"policyId":"p","policyVersion":"v","bogus":1}`, "document"},
		{"bad policy id", `{"policyId":"has space","policyVersion":"v","remediation":{"maxRunsPerIncident":1}}`, "policyId"},
		{"missing label", `{"policyId":"p","remediation":{"maxRunsPerIncident":1}}`, "policyVersion"},
		{"zero max runs", `{"policyId":"p","policyVersion":"v"}`, "remediation.maxRunsPerIncident"},
		{"negative cooldown", `{"policyId":"p","policyVersion":"v","remediation":{"maxRunsPerIncident":1,"cooldownMinutes":-1}}`, "remediation.cooldownMinutes"},
		{"timeout too long", `{"policyId":"p","policyVersion":"v","remediation":{"maxRunsPerIncident":1,"stepTimeoutSeconds":7200}}`, "remediation.stepTimeoutSeconds"},
		{"two documents", paymentsYAML + "---\npolicyId: other\n", "document"},
		{"wrong rego package", `{"policyId":"p","policyVersion":"v","remediation":{"maxRunsPerIncident":1},"rules":{"rego":"package other\ndeny contains \"x\" if { true }"}}`, "rules.rego"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrValidation)

			var verr *types.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestService_CreateVersionIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, existing, err := svc.CreateVersion(ctx, []byte(paymentsYAML), "alice")
	require.NoError(t, err)
	assert.False(t, existing)
	assert.NotEmpty(t, first.ContentHash)

	again, existing, err := svc.CreateVersion(ctx, []byte(paymentsJSONReordered), "bob")
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.ContentHash, again.ContentHash)
	assert.Equal(t, "alice", again.CreatedBy)

	events, err := svc.ListEvents(ctx, "payments", types.Page{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.PolicyVersionCreated, events[0].Type)
}

func TestService_CreateVersionLabelConflict(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.CreateVersion(ctx, []byte(paymentsYAML), "alice")
	require.NoError(t, err)

	changed := paymentsYAML + "idempotency:\n  maxKeyLength: 64\n"
	_, _, err = svc.CreateVersion(ctx, []byte(changed), "alice")
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestService_CreateVersionInvalidPersistsNothing(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.CreateVersion(ctx, []byte(`{"policyId":"payments","policyVersion":"v"}`), "alice")
	require.ErrorIs(t, err, types.ErrValidation)

	_, _, err = svc.CreateVersion(ctx, []byte(paymentsYAML), "  ")
	require.ErrorIs(t, err, types.ErrValidation)

	versions, err := svc.ListVersions(ctx, "payments", types.Page{})
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestService_ActivateAndGetActive(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	active, err := svc.GetActive(ctx, "payments")
	require.NoError(t, err)
	assert.False(t, active.Configured())
	assert.Empty(t, active.VersionRef())

	v, _, err := svc.CreateVersion(ctx, []byte(paymentsYAML), "alice")
	require.NoError(t, err)

	_, err = svc.Activate(ctx, "missing", "alice")
	assert.ErrorIs(t, err, types.ErrNotFound)

	ptr, err := svc.Activate(ctx, v.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, v.ID, ptr.VersionID)

	active, err = svc.GetActive(ctx, "payments")
	require.NoError(t, err)
	require.True(t, active.Configured())
	assert.Equal(t, v.ID, active.VersionRef())
	assert.Equal(t, 15, active.Document.Remediation.CooldownMinutes)
	assert.Nil(t, active.Rules)

	require.NoError(t, svc.Deactivate(ctx, "payments", "alice"))
	assert.ErrorIs(t, svc.Deactivate(ctx, "payments", "alice"), types.ErrNotFound)

	active, err = svc.GetActive(ctx, "payments")
	require.NoError(t, err)
	assert.False(t, active.Configured())

	pinned, err := svc.Pinned(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, pinned.Configured())

	events, err := svc.ListEvents(ctx, "payments", types.Page{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, types.PolicyVersionDeactivated, events[0].Type)
	assert.Equal(t, types.PolicyVersionActivated, events[1].Type)
	assert.Equal(t, types.PolicyVersionCreated, events[2].Type)
}

func TestService_ListVersionsPaging(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	labels := []string{"v1", "v2", "v3"}
	for _, label := range labels {
		doc := `{"policyId":"payments","policyVersion":"` + label + `","remediation":{"maxRunsPerIncident":1}}`
		_, _, err := svc.CreateVersion(ctx, []byte(doc), "alice")
		require.NoError(t, err)
	}

	versions, err := svc.ListVersions(ctx, "payments", types.Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "v3", versions[0].Label)
	assert.Equal(t, "v2", versions[1].Label)

	versions, err = svc.ListVersions(ctx, "payments", types.Page{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "v1", versions[0].Label)

	_, err = svc.ListVersions(ctx, "payments", types.Page{Limit: 201})
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = svc.ListVersions(ctx, "payments", types.Page{Offset: -1})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestRules_Deny(t *testing.T) {
	src := `package warden.guardrails

deny contains msg if {
	input.playbookId == "nuke"
	msg := "nuke is forbidden"
}

deny contains "weekend freeze" if {
	input.labels.freeze == "true"
}
`
	rules, err := CompileRules(context.Background(), src)
	require.NoError(t, err)
	require.NotNil(t, rules)

	msgs, err := rules.Deny(context.Background(), map[string]any{"playbookId": "nuke", "labels": map[string]any{"freeze": "true"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"nuke is forbidden", "weekend freeze"}, msgs)

	msgs, err = rules.Deny(context.Background(), map[string]any{"playbookId": "restart-service"})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	var none *Rules
	msgs, err = none.Deny(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRules_CompileErrors(t *testing.T) {
	_, err := CompileRules(context.Background(), "package warden.guardrails\ndeny contains if {")
	assert.ErrorIs(t, err, types.ErrValidation)

	rules, err := CompileRules(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, rules)
}
