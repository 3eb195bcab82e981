// Package api serves the lawbook administration and run query surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yairfalse/warden/audit"
	"github.com/yairfalse/warden/executor"
	"github.com/yairfalse/warden/lawbook"
	"github.com/yairfalse/warden/telemetry"
	"github.com/yairfalse/warden/types"
)

// ActorHeader carries the acting principal of a mutation
const ActorHeader = "X-Warden-Actor"

// DefaultMaxBodyBytes bounds request bodies
const DefaultMaxBodyBytes = 1 << 20

// Policies is the lawbook surface the API drives
type Policies interface {
	CreateVersion(ctx context.Context, document []byte, createdBy string) (v types.PolicyVersion, existing bool, err error)
	Activate(ctx context.Context, versionID, activatedBy string) (types.ActivePolicyPointer, error)
	Deactivate(ctx context.Context, policyID, actor string) error
	GetActive(ctx context.Context, policyID string) (lawbook.Active, error)
	GetVersion(ctx context.Context, versionID string) (types.PolicyVersion, error)
	ListVersions(ctx context.Context, policyID string, page types.Page) ([]types.PolicyVersion, error)
	ListEvents(ctx context.Context, policyID string, page types.Page) ([]types.PolicyEvent, error)
}

// Runs is the run surface the API drives
type Runs interface {
	Plan(ctx context.Context, req executor.PlanRequest) (executor.RunView, error)
	Execute(ctx context.Context, runID string) (executor.RunView, error)
	Get(ctx context.Context, runID string) (executor.RunView, error)
	GetByKey(ctx context.Context, runKey string) (executor.RunView, error)
}

// Trail reads and verifies audit events
type Trail interface {
	ListForRun(ctx context.Context, runID string, page types.Page) ([]types.AuditEvent, error)
	Verify(ctx context.Context, runID string) (audit.VerifyReport, error)
}

// Submitter hands a run to the worker pool
type Submitter interface {
	Submit(runID string) error
}

var (
	_ Policies = (*lawbook.Service)(nil)
	_ Runs     = (*executor.Engine)(nil)
	_ Trail    = (*audit.Writer)(nil)
)

// Option configures a Server
type Option func(*Server)

// WithSubmitter queues execution on a worker pool instead of running inline
func WithSubmitter(s Submitter) Option {
	return func(srv *Server) { srv.queue = s }
}

// WithLogger sets the request logger
func WithLogger(l *telemetry.Logger) Option {
	return func(srv *Server) { srv.logger = l }
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes
func WithMaxBodyBytes(n int64) Option {
	return func(srv *Server) { srv.maxBody = n }
}

// Server routes HTTP requests to the lawbook, the engine and the audit trail
type Server struct {
	policies Policies
	runs     Runs
	trail    Trail
	queue    Submitter
	logger   *telemetry.Logger
	maxBody  int64
}

// NewServer creates a server
func NewServer(policies Policies, runs Runs, trail Trail, opts ...Option) *Server {
	s := &Server{
		policies: policies,
		runs:     runs,
		trail:    trail,
		logger:   telemetry.NewLogger("api"),
		maxBody:  DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.limitRequestBody)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1/policies", func(r chi.Router) {
		r.Post("/versions", s.createPolicyVersion)
		r.Get("/versions/{versionID}", s.getPolicyVersion)
		r.Post("/versions/{versionID}/activate", s.activatePolicyVersion)
		r.Get("/{policyID}/versions", s.listPolicyVersions)
		r.Get("/{policyID}/active", s.getActivePolicy)
		r.Post("/{policyID}/deactivate", s.deactivatePolicy)
		r.Get("/{policyID}/events", s.listPolicyEvents)
	})

	r.Route("/v1/runs", func(r chi.Router) {
		r.Post("/", s.planRun)
		r.Get("/by-key/{runKey}", s.getRunByKey)
		r.Get("/{runID}", s.getRun)
		r.Post("/{runID}/execute", s.executeRun)
		r.Get("/{runID}/audit", s.listRunAudit)
		r.Get("/{runID}/audit/verify", s.verifyRunAudit)
	})
	return r
}

func (s *Server) limitRequestBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.maxBody > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithContext(r.Context()).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrPolicyDenied):
		return http.StatusForbidden
	case errors.Is(err, types.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}

	var verr *types.ValidationError
	if errors.As(err, &verr) {
		body.Field = verr.Field
	}
	if status >= http.StatusInternalServerError {
		s.logger.WithContext(r.Context()).Error().
			Err(err).
			Str("path", r.URL.Path).
			Int("status", status).
			Msg("request failed")
		if status == http.StatusInternalServerError && !errors.Is(err, types.ErrIntegrityViolation) {
			body.Error = "internal error"
		}
	}
	writeJSON(w, status, body)
}

func actor(r *http.Request) (string, error) {
	who := r.Header.Get(ActorHeader)
	if who == "" {
		return "", types.Invalid(ActorHeader, "header required")
	}
	return who, nil
}

func pageFrom(r *http.Request) (types.Page, error) {
	var page types.Page
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return page, types.Invalid("limit", "not an integer: %q", v)
		}
		page.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return page, types.Invalid("offset", "not an integer: %q", v)
		}
		page.Offset = n
	}
	return page, nil
}
