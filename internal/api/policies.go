package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yairfalse/warden/lawbook"
	"github.com/yairfalse/warden/types"
)

type versionResponse struct {
	Version types.PolicyVersion `json:"version"`
	Created bool                `json:"created"`
}

type activeResponse struct {
	PolicyID   string               `json:"policy_id"`
	Configured bool                 `json:"configured"`
	Version    *types.PolicyVersion `json:"version,omitempty"`
	Document   *lawbook.Document    `json:"document,omitempty"`
}

// createPolicyVersion stores the request body as a lawbook document. The
// same content published twice returns the first version.
func (s *Server) createPolicyVersion(w http.ResponseWriter, r *http.Request) {
	who, err := actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, types.Invalid("body", "larger than %d bytes", tooLarge.Limit))
			return
		}
		s.writeError(w, r, types.Invalid("body", "%v", err))
		return
	}
	if len(body) == 0 {
		s.writeError(w, r, types.Invalid("body", "lawbook document required"))
		return
	}

	v, existing, err := s.policies.CreateVersion(r.Context(), body, who)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if existing {
		status = http.StatusOK
	}
	writeJSON(w, status, versionResponse{Version: v, Created: !existing})
}

func (s *Server) getPolicyVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.policies.GetVersion(r.Context(), chi.URLParam(r, "versionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) activatePolicyVersion(w http.ResponseWriter, r *http.Request) {
	who, err := actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ptr, err := s.policies.Activate(r.Context(), chi.URLParam(r, "versionID"), who)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ptr)
}

func (s *Server) deactivatePolicy(w http.ResponseWriter, r *http.Request) {
	who, err := actor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	policyID := chi.URLParam(r, "policyID")
	if err := s.policies.Deactivate(r.Context(), policyID, who); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, activeResponse{PolicyID: policyID})
}

func (s *Server) getActivePolicy(w http.ResponseWriter, r *http.Request) {
	policyID := chi.URLParam(r, "policyID")
	active, err := s.policies.GetActive(r.Context(), policyID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, activeResponse{
		PolicyID:   policyID,
		Configured: active.Configured(),
		Version:    active.Version,
		Document:   active.Document,
	})
}

func (s *Server) listPolicyVersions(w http.ResponseWriter, r *http.Request) {
	page, err := pageFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	versions, err := s.policies.ListVersions(r.Context(), chi.URLParam(r, "policyID"), page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if versions == nil {
		versions = []types.PolicyVersion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) listPolicyEvents(w http.ResponseWriter, r *http.Request) {
	page, err := pageFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.policies.ListEvents(r.Context(), chi.URLParam(r, "policyID"), page)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []types.PolicyEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
