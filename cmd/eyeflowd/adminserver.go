package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eyeflow-dev/kernel/lifecycle"
	"github.com/eyeflow-dev/kernel/manifest"
	"github.com/eyeflow-dev/kernel/rulecompiler"
	"github.com/eyeflow-dev/kernel/telemetry"
)

// adminServer exposes the project lifecycle (C12) and rule compiler (C14)
// over plain HTTP, for operator tooling and the natural-language rule
// authoring flow described in spec §6.
type adminServer struct {
	mux       *http.ServeMux
	lifecycle *lifecycle.Manager
	versions  lifecycle.Store
	manifests manifest.Store
	compiler  *rulecompiler.Compiler
	refiner   rulecompiler.Refiner
	logger    *slog.Logger
}

func newAdminServer(lc *lifecycle.Manager, versions lifecycle.Store, manifests manifest.Store, compiler *rulecompiler.Compiler, refiner rulecompiler.Refiner, logger *slog.Logger, metrics *telemetry.Metrics) *adminServer {
	s := &adminServer{
		mux:       http.NewServeMux(),
		lifecycle: lc,
		versions:  versions,
		manifests: manifests,
		compiler:  compiler,
		refiner:   refiner,
		logger:    logger,
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	if metrics != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	s.mux.HandleFunc("POST /v1/rules/compile", s.handleCompileRule)
	s.mux.HandleFunc("POST /v1/rules/refine", s.handleRefineRule)
	s.mux.HandleFunc("POST /v1/projects/{projectId}/versions", s.handleCreateVersion)
	s.mux.HandleFunc("POST /v1/versions/{versionId}/validate", s.handleValidateVersion)
	s.mux.HandleFunc("POST /v1/versions/{versionId}/activate", s.handleActivateVersion)
	return s
}

func (s *adminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *adminServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type compileRuleRequest struct {
	ProjectID string            `json:"project_id"`
	Rule      rulecompiler.Rule `json:"rule"`
}

func (s *adminServer) handleCompileRule(w http.ResponseWriter, r *http.Request) {
	var req compileRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	project, err := s.projectOrEmpty(r.Context(), req.ProjectID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	report, err := s.compiler.Compile(r.Context(), req.Rule, project, s.manifests)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type refineRuleRequest struct {
	ProjectID         string            `json:"project_id"`
	Rule              rulecompiler.Rule `json:"rule"`
	Feedback          string            `json:"feedback"`
	AggregatedContext any               `json:"aggregated_context"`
}

func (s *adminServer) handleRefineRule(w http.ResponseWriter, r *http.Request) {
	if s.refiner == nil {
		http.Error(w, "rule refinement is disabled: LLM_SERVICE_URL not configured", http.StatusServiceUnavailable)
		return
	}
	var req refineRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	project, err := s.projectOrEmpty(r.Context(), req.ProjectID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	report, err := s.compiler.Refine(r.Context(), s.refiner, req.Rule, req.Feedback, req.AggregatedContext, project, s.manifests)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type createVersionRequest struct {
	DagDefinition json.RawMessage `json:"dag_definition"`
	Author        string          `json:"author"`
}

func (s *adminServer) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectId")
	var req createVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	v, err := s.lifecycle.CreateVersion(r.Context(), projectID, req.DagDefinition, req.Author)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *adminServer) handleValidateVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.lifecycle.Validate(r.Context(), r.PathValue("versionId"), r.URL.Query().Get("author"))
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *adminServer) handleActivateVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.lifecycle.Activate(r.Context(), r.PathValue("versionId"), r.URL.Query().Get("author"))
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *adminServer) projectOrEmpty(ctx context.Context, projectID string) (*lifecycle.Project, error) {
	if projectID == "" {
		return &lifecycle.Project{}, nil
	}
	p, err := s.versions.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *adminServer) writeLifecycleError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, lifecycle.ErrRunningExecution):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
