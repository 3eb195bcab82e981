package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/warden/audit"
	"github.com/yairfalse/warden/executor"
	"github.com/yairfalse/warden/lawbook"
	"github.com/yairfalse/warden/storage"
	"github.com/yairfalse/warden/telemetry"
	"github.com/yairfalse/warden/types"
)

const lawbookDoc = `
policyId: default
policyVersion: v1
remediation:
  enabled: true
  allowedPlaybooks: [restart-service]
  allowedActions: [service.restart]
  maxRunsPerIncident: 5
`

type fixture struct {
	server *httptest.Server
	engine *executor.Engine
	store  *storage.BoltStore
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	policies := lawbook.NewService(store, lawbook.WithLogger(telemetry.Nop()))
	trail := audit.NewWriter(store, audit.WithLogger(telemetry.Nop()))
	catalog, err := executor.NewCatalog(executor.Playbook{
		ID:      "restart-service",
		Version: "1",
		Steps:   []executor.Step{{ID: "restart", Action: "service.restart"}},
	})
	require.NoError(t, err)

	actions := executor.ActionFunc(func(ctx context.Context, req executor.ActionRequest) (executor.ActionResult, error) {
		return executor.ActionResult{Status: executor.ActionSucceeded}, nil
	})
	engine := executor.NewEngine(store, policies, trail, catalog, actions, executor.WithLogger(telemetry.Nop()))

	opts = append([]Option{WithLogger(telemetry.Nop())}, opts...)
	srv := httptest.NewServer(NewServer(policies, engine, trail, opts...).Handler())
	t.Cleanup(srv.Close)
	return &fixture{server: srv, engine: engine, store: store}
}

func (f *fixture) do(t *testing.T, method, path, actor, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func (f *fixture) publish(t *testing.T) string {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/v1/policies/versions", "alice", lawbookDoc)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	versionID := body["version"].(map[string]any)["id"].(string)

	resp, body = f.do(t, http.MethodPost, "/v1/policies/versions/"+versionID+"/activate", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	return versionID
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestPolicyLifecycle(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/v1/policies/default/active", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["configured"])

	versionID := f.publish(t)

	// Same content again is not a new version.
	resp, body = f.do(t, http.MethodPost, "/v1/policies/versions", "bob", lawbookDoc)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["created"])

	resp, body = f.do(t, http.MethodGet, "/v1/policies/default/active", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["configured"])
	assert.Equal(t, versionID, body["version"].(map[string]any)["id"])

	resp, body = f.do(t, http.MethodGet, "/v1/policies/default/versions", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["versions"], 1)

	resp, _ = f.do(t, http.MethodGet, "/v1/policies/versions/"+versionID, "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/policies/default/deactivate", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/v1/policies/default/events", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["events"], 3)

	resp, body = f.do(t, http.MethodGet, "/v1/policies/default/active", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["configured"])
}

func TestPolicyMutationsNeedActor(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/policies/versions", "", lawbookDoc)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ActorHeader, body["field"])

	resp, _ = f.do(t, http.MethodPost, "/v1/policies/versions", "alice", "policyId: [unclosed")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/policies/versions/missing/activate", "alice", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPlanAndExecuteRun(t *testing.T) {
	f := newFixture(t)
	f.publish(t)

	plan := `{"incident_ref":"INC-7","playbook_id":"restart-service","inputs":{"service":"api","replicas":3},"execute":true}`
	resp, body := f.do(t, http.MethodPost, "/v1/runs/", "", plan)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)

	run := body["run"].(map[string]any)
	assert.Equal(t, string(types.RunSucceeded), run["status"])
	assert.Equal(t, string(types.DecisionAllow), body["verdict"].(map[string]any)["verdict"])
	runID := run["id"].(string)
	runKey := run["run_key"].(string)

	resp, body = f.do(t, http.MethodPost, "/v1/runs/", "", plan)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["existing"])
	assert.Equal(t, runID, body["run"].(map[string]any)["id"])

	resp, body = f.do(t, http.MethodGet, "/v1/runs/by-key/"+runKey, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, runID, body["run"].(map[string]any)["id"])

	resp, body = f.do(t, http.MethodGet, "/v1/runs/"+runID+"/audit?limit=2", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := body["events"].([]any)
	require.Len(t, events, 2)
	assert.Equal(t, string(types.AuditCompleted), events[0].(map[string]any)["event_type"])

	resp, body = f.do(t, http.MethodGet, "/v1/runs/"+runID+"/audit/verify", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
}

func TestPlanWithoutPolicyIsDenied(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/runs/", "",
		`{"incident_ref":"INC-8","playbook_id":"restart-service","execute":true}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	run := body["run"].(map[string]any)
	assert.Equal(t, string(types.RunFailed), run["status"])
	assert.Equal(t, types.FailurePolicyDenied, run["failure_code"])
}

func TestRunErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"bad json", http.MethodPost, "/v1/runs/", "{", http.StatusBadRequest},
		{"missing incident", http.MethodPost, "/v1/runs/", `{"playbook_id":"restart-service"}`, http.StatusBadRequest},
		{"unknown playbook", http.MethodPost, "/v1/runs/", `{"incident_ref":"I","playbook_id":"nope"}`, http.StatusBadRequest},
		{"unknown run", http.MethodGet, "/v1/runs/missing", "", http.StatusNotFound},
		{"unknown key", http.MethodGet, "/v1/runs/by-key/missing", "", http.StatusNotFound},
		{"audit of unknown run", http.MethodGet, "/v1/runs/missing/audit", "", http.StatusNotFound},
		{"bad limit", http.MethodGet, "/v1/policies/default/versions?limit=x", "", http.StatusBadRequest},
		{"limit too large", http.MethodGet, "/v1/policies/default/versions?limit=201", "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, tt.method, tt.path, "", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, body)
			assert.NotEmpty(t, body["error"])
		})
	}
}

// recordingQueue captures submitted runs
type recordingQueue struct {
	ids []string
	err error
}

func (q *recordingQueue) Submit(runID string) error {
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, runID)
	return nil
}

func TestPlanQueuesExecution(t *testing.T) {
	queue := &recordingQueue{}
	f := newFixture(t, WithSubmitter(queue))
	f.publish(t)

	resp, body := f.do(t, http.MethodPost, "/v1/runs/", "",
		`{"incident_ref":"INC-9","playbook_id":"restart-service","execute":true}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	assert.Equal(t, true, body["queued"])

	run := body["run"].(map[string]any)
	assert.Equal(t, string(types.RunRunning), run["status"])
	assert.Equal(t, []string{run["id"].(string)}, queue.ids)
}

func TestQueueFullIsUnavailable(t *testing.T) {
	queue := &recordingQueue{err: fmt.Errorf("queue full: %w", types.ErrStorageUnavailable)}
	f := newFixture(t, WithSubmitter(queue))
	f.publish(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/runs/", "",
		`{"incident_ref":"INC-10","playbook_id":"restart-service","execute":true}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(types.Invalid("f", "bad")))
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("x: %w", types.ErrNotFound)))
	assert.Equal(t, http.StatusConflict, statusFor(types.ErrConflict))
	assert.Equal(t, http.StatusInternalServerError, statusFor(types.ErrIntegrityViolation))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(types.ErrStorageUnavailable))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
