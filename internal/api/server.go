// Package api implements the request-accepting HTTP boundary: task
// intake, status/report/trace reads, the health probe, and the WebSocket
// progress stream. Handlers stay thin — validation plus a persistence or
// manager call — with all research semantics behind the orchestrator.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/deepresearch-engine/core/internal/config"
	"github.com/deepresearch-engine/core/internal/persistence"
	"github.com/deepresearch-engine/core/internal/progress"
	"github.com/deepresearch-engine/core/internal/research/domain"
	"github.com/deepresearch-engine/core/internal/research/orchestrator"
	"github.com/deepresearch-engine/core/internal/telemetry"
)

const (
	defaultSimpleBudget = 50

	minDeepIterations = 1
	maxDeepIterations = 5
	minCompletionLow  = 0.5
	minCompletionHigh = 1.0
	minDeepBudget     = 50
	maxDeepBudget     = 300
)

// Server wires the HTTP surface to the task manager and persistence layer.
type Server struct {
	store  persistence.Store
	mgr    *orchestrator.Manager
	buses  *progress.Registry
	cfg    config.Config
	logger telemetry.Logger
}

// New constructs a Server.
func New(store persistence.Store, mgr *orchestrator.Manager, buses *progress.Registry, cfg config.Config, logger telemetry.Logger) *Server {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Server{store: store, mgr: mgr, buses: buses, cfg: cfg, logger: logger}
}

// Router returns the chi router serving the service's HTTP surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Post("/research", s.handleResearch)
	r.Post("/deep-research", s.handleDeepResearch)
	r.Get("/tasks/{id}/status", s.handleTaskStatus)
	r.Post("/tasks/{id}/cancel", s.handleCancel)
	r.Get("/reports/{id}", s.handleReport)
	r.Get("/deep-research/{id}", s.handleDeepReport)
	r.Get("/traces/{id}", s.handleTrace)
	r.Get("/ws/progress/{id}", s.handleProgressWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"providers": map[string]bool{
			"text":   !s.cfg.MockModeText(),
			"search": !s.cfg.MockModeSearch(),
		},
		"persistence": s.store.Backend(),
	})
}

type researchRequest struct {
	Query string `json:"query"`
}

type deepResearchRequest struct {
	Query              string   `json:"query"`
	MaxIterations      *int     `json:"max_iterations"`
	MinCompletionScore *float64 `json:"min_completion_score"`
	Budget             *int     `json:"budget"`
}

func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	var req researchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		writeError(w, http.StatusBadRequest, "query must not be empty")
		return
	}

	s.accept(w, r, query, domain.TaskKindSimple, domain.TaskConfig{
		MaxIterations:      1,
		MinCompletionScore: s.cfg.QualityThreshold,
		Budget:             defaultSimpleBudget,
	})
}

func (s *Server) handleDeepResearch(w http.ResponseWriter, r *http.Request) {
	var req deepResearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		writeError(w, http.StatusBadRequest, "query must not be empty")
		return
	}

	cfg := domain.TaskConfig{
		MaxIterations:      3,
		MinCompletionScore: s.cfg.QualityThreshold,
		Budget:             100,
	}
	if req.MaxIterations != nil {
		if *req.MaxIterations < minDeepIterations || *req.MaxIterations > maxDeepIterations {
			writeError(w, http.StatusBadRequest, "max_iterations must be between 1 and 5")
			return
		}
		cfg.MaxIterations = *req.MaxIterations
	}
	if req.MinCompletionScore != nil {
		if *req.MinCompletionScore < minCompletionLow || *req.MinCompletionScore > minCompletionHigh {
			writeError(w, http.StatusBadRequest, "min_completion_score must be between 0.5 and 1.0")
			return
		}
		cfg.MinCompletionScore = *req.MinCompletionScore
	}
	if req.Budget != nil {
		if *req.Budget < minDeepBudget || *req.Budget > maxDeepBudget {
			writeError(w, http.StatusBadRequest, "budget must be between 50 and 300")
			return
		}
		cfg.Budget = *req.Budget
	}

	s.accept(w, r, query, domain.TaskKindDeep, cfg)
}

// accept creates the task record, queues it for background execution, and
// answers 202 with the task identifier.
func (s *Server) accept(w http.ResponseWriter, r *http.Request, query string, kind domain.TaskKind, cfg domain.TaskConfig) {
	now := time.Now().UTC()
	task := domain.ResearchTask{
		ID:        uuid.NewString(),
		Query:     query,
		Kind:      kind,
		Config:    cfg,
		Status:    domain.TaskStatusAccepted,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.CreateTask(r.Context(), task); err != nil {
		s.logger.Error(r.Context(), "task create failed", "task_id", task.ID, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "could not create task")
		return
	}

	if err := s.mgr.Submit(task); err != nil {
		if errors.Is(err, orchestrator.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "task queue full, retry later")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "service shutting down")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": task.ID,
		"status":  string(domain.TaskStatusAccepted),
	})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	task, ok := s.getTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, taskJSON(task))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.mgr.Cancel(id) {
		writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "cancelling": true})
		return
	}
	if _, err := s.store.GetTask(r.Context(), id); errors.Is(err, persistence.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeError(w, http.StatusConflict, "task is not cancellable")
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	task, ok := s.getTask(w, r)
	if !ok {
		return
	}

	// A failed task answers 200 with its failure reason, not 404.
	if task.Status == domain.TaskStatusFailed {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       string(task.Status),
			"error_reason": task.FailureReason,
		})
		return
	}

	report, err := s.store.GetReport(r.Context(), task.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "report not available")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       string(task.Status),
		"report_md":    report.MarkdownBody,
		"sources_bib":  report.Bibliography,
		"metrics_json": metricsJSON(report.Metrics),
	})
}

func (s *Server) handleDeepReport(w http.ResponseWriter, r *http.Request) {
	task, ok := s.getTask(w, r)
	if !ok {
		return
	}

	if task.Status == domain.TaskStatusFailed {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       string(task.Status),
			"error_reason": task.FailureReason,
		})
		return
	}

	report, err := s.store.GetReport(r.Context(), task.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "report not available")
		return
	}

	body := map[string]any{
		"status":       string(task.Status),
		"report_md":    report.MarkdownBody,
		"sources_bib":  report.Bibliography,
		"metrics_json": metricsJSON(report.Metrics),
	}
	if report.Summary != nil {
		body["research_summary"] = map[string]any{
			"iterations_completed": report.Summary.IterationsCompleted,
			"gaps_identified":      report.Summary.GapsIdentified,
			"key_findings":         report.Summary.KeyFindings,
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// handleTrace streams the task's ordered event log as NDJSON. Trace lines
// live in the logs collection at debug level with a wire-event JSON message
// (see the orchestrator's emit); everything else in logs is skipped.
func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	task, ok := s.getTask(w, r)
	if !ok {
		return
	}

	records, err := s.store.ListLogs(r.Context(), task.ID, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not read trace")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	for _, rec := range records {
		if rec.Level != domain.LogDebug {
			continue
		}
		var probe progress.WireEvent
		if json.Unmarshal([]byte(rec.Message), &probe) != nil || probe.EventType == "" {
			continue
		}
		w.Write([]byte(rec.Message))
		w.Write([]byte("\n"))
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) (domain.ResearchTask, bool) {
	id := chi.URLParam(r, "id")
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, persistence.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
		} else {
			s.logger.Error(r.Context(), "task lookup failed", "task_id", id, "error", err.Error())
			writeError(w, http.StatusInternalServerError, "task lookup failed")
		}
		return domain.ResearchTask{}, false
	}
	return task, true
}

func taskJSON(task domain.ResearchTask) map[string]any {
	out := map[string]any{
		"task_id":    task.ID,
		"query":      task.Query,
		"kind":       string(task.Kind),
		"status":     string(task.Status),
		"created_at": task.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": task.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"config": map[string]any{
			"max_iterations":       task.Config.MaxIterations,
			"min_completion_score": task.Config.MinCompletionScore,
			"budget":               task.Config.Budget,
		},
	}
	if task.StartedAt != nil {
		out["started_at"] = task.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if task.CompletedAt != nil {
		out["completed_at"] = task.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	if task.Status.Terminal() {
		out["evidence_count"] = task.EvidenceCount
		out["sources_summary"] = task.SourcesSummary
		out["completion_score"] = task.CompletionScore
	}
	if task.FailureReason != "" {
		out["error_reason"] = task.FailureReason
	}
	return out
}

func metricsJSON(m *domain.QualityMetrics) map[string]any {
	if m == nil {
		return nil
	}
	return map[string]any{
		"completion_score": m.CompletionScore,
		"evidence_count":   m.EvidenceCount,
		"execution_ms":     m.ExecutionTime.Milliseconds(),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
