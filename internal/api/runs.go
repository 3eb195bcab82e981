package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yairfalse/warden/executor"
	"github.com/yairfalse/warden/gate"
	"github.com/yairfalse/warden/types"
)

type planRequest struct {
	IncidentRef string                  `json:"incident_ref"`
	PlaybookID  string                  `json:"playbook_id"`
	Inputs      map[string]any          `json:"inputs"`
	Category    string                  `json:"category"`
	Evidence    []string                `json:"evidence"`
	Determinism *gate.DeterminismReport `json:"determinism"`
	PolicyID    string                  `json:"policy_id"`
	Execute     bool                    `json:"execute"`
}

type runResponse struct {
	Run      types.RemediationRun    `json:"run"`
	Steps    []types.RemediationStep `json:"steps"`
	Verdict  *types.Verdict          `json:"verdict,omitempty"`
	Existing bool                    `json:"existing"`
	Queued   bool                    `json:"queued"`
}

func newRunResponse(view executor.RunView) runResponse {
	steps := view.Steps
	if steps == nil {
		steps = []types.RemediationStep{}
	}
	return runResponse{
		Run:      view.Run,
		Steps:    steps,
		Verdict:  view.Verdict,
		Existing: view.Existing,
	}
}

func (s *Server) planRun(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, types.Invalid("body", "invalid json: %v", err))
		return
	}

	view, err := s.runs.Plan(r.Context(), executor.PlanRequest{
		IncidentRef: req.IncidentRef,
		PlaybookID:  req.PlaybookID,
		Inputs:      req.Inputs,
		Category:    req.Category,
		Evidence:    req.Evidence,
		Determinism: req.Determinism,
		PolicyID:    req.PolicyID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if view.Existing {
		status = http.StatusOK
	}
	if !req.Execute || view.Run.Status != types.RunRunning {
		writeJSON(w, status, newRunResponse(view))
		return
	}
	s.advance(w, r, view, status)
}

func (s *Server) executeRun(w http.ResponseWriter, r *http.Request) {
	view, err := s.runs.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if view.Run.Status.IsTerminal() {
		writeJSON(w, http.StatusOK, newRunResponse(view))
		return
	}
	s.advance(w, r, view, http.StatusOK)
}

// advance queues the run on the worker pool, or executes it inline when the
// server has no pool
func (s *Server) advance(w http.ResponseWriter, r *http.Request, view executor.RunView, status int) {
	if s.queue != nil {
		if err := s.queue.Submit(view.Run.ID); err != nil {
			s.writeError(w, r, err)
			return
		}
		resp := newRunResponse(view)
		resp.Queued = true
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	executed, err := s.runs.Execute(r.Context(), view.Run.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	executed.Existing = view.Existing
	if executed.Verdict == nil {
		executed.Verdict = view.Verdict
	}
	writeJSON(w, status, newRunResponse(executed))
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	view, err := s.runs.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRunResponse(view))
}

func (s *Server) getRunByKey(w http.ResponseWriter, r *http.Request) {
	view, err := s.runs.GetByKey(r.Context(), chi.URLParam(r, "runKey"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRunResponse(view))
}

func (s *Server) listRunAudit(w http.ResponseWriter, r *http.Request) {
	page, err := pageFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runID := chi.URLParam(r, "runID")
	if _, err := s.runs.Get(r.Context(), runID); err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.trail.ListForRun(r.Context(), runID, page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []types.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// verifyRunAudit reports tampering in the body; a failed check is still a 200
func (s *Server) verifyRunAudit(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.runs.Get(r.Context(), runID); err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.trail.Verify(r.Context(), runID)
	if err != nil && report.OK() {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": report.OK(), "report": report})
}
