package apiv1

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"dataviz-pipeline/internal/domain"
	"dataviz-pipeline/internal/domain/model"
	"dataviz-pipeline/internal/domain/ports/repository"
	"dataviz-pipeline/internal/infra/logging"
	"dataviz-pipeline/internal/usecase"
)

// Server exposes the pipeline over HTTP: project lifecycle, step triggers,
// results, telemetry, and model pricing administration.
type Server struct {
	orch      *usecase.PipelineOrchestrator
	pricing   repository.ModelPricingRepository
	telemetry repository.TelemetryRepository
	log       *zerolog.Logger
}

func NewServer(orch *usecase.PipelineOrchestrator, pricing repository.ModelPricingRepository, telemetry repository.TelemetryRepository, log *zerolog.Logger) *Server {
	return &Server{orch: orch, pricing: pricing, telemetry: telemetry, log: log}
}

// RegisterAPIV1 attaches all v1 routes. trigger middlewares wrap only the
// step-trigger endpoints (throttling), not reads.
func RegisterAPIV1(r chi.Router, s *Server, trigger ...func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/projects", s.createProject)
		r.Get("/projects/{projectID}", s.getProject)
		r.Get("/projects/{projectID}/results/{step}", s.getResult)

		r.Group(func(r chi.Router) {
			for _, mw := range trigger {
				r.Use(mw)
			}
			r.Post("/projects/{projectID}/analysis", s.triggerAnalysis)
			r.Post("/projects/{projectID}/generation", s.triggerGeneration)
		})

		r.Get("/telemetry", s.listTelemetry)

		r.Get("/models", s.listModels)
		r.Post("/models", s.createModel)
		r.Put("/models/{name}", s.updateModel)
	})
}

//
// ---------------- project lifecycle ----------------
//

type createProjectRequest struct {
	UserID      string `json:"user_id"`
	RowCount    int    `json:"row_count"`
	ColumnCount int    `json:"column_count"`
	Stats       string `json:"stats"`
}

type projectResponse struct {
	ID          string                `json:"id"`
	UserID      string                `json:"user_id"`
	Phase       string                `json:"phase"`
	Progress    int                   `json:"progress"`
	Paused      bool                  `json:"paused"`
	ResumeAt    *time.Time            `json:"resume_at,omitempty"`
	Usage       model.TokenUsage      `json:"usage"`
	NeedsReview bool                  `json:"needs_review"`
	ErrorLog    []model.ErrorLogEntry `json:"error_log,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

func toProjectResponse(p *model.Project) projectResponse {
	resp := projectResponse{
		ID:          p.ID,
		UserID:      p.UserID,
		Phase:       string(p.Phase),
		Progress:    p.Progress,
		Paused:      p.Paused,
		Usage:       p.Usage,
		NeedsReview: p.NeedsReview,
		ErrorLog:    p.ErrorLog,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	if p.Paused {
		resp.ResumeAt = &p.ResumeAt
	}
	return resp
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusUnprocessableEntity, "user_id required")
		return
	}
	ctx := logging.WithUserID(r.Context(), req.UserID)
	p, err := s.orch.StartProject(ctx, req.UserID, req.RowCount, req.ColumnCount, req.Stats)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProjectResponse(p))
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.orch.Project(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProjectResponse(p))
}

//
// ---------------- step triggers ----------------
//

type jobResponse struct {
	JobID       string    `json:"job_id"`
	Fn          string    `json:"fn"`
	Status      string    `json:"status"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (s *Server) triggerAnalysis(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.EnqueueAnalysis(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if job == nil {
		// Step already checkpointed; the persisted result stands.
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_done"})
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{
		JobID:       job.ID,
		Fn:          job.Fn,
		Status:      string(job.Status),
		ScheduledAt: job.ScheduledAt,
	})
}

type triggerGenerationRequest struct {
	Selection string `json:"selection"`
}

func (s *Server) triggerGeneration(w http.ResponseWriter, r *http.Request) {
	var req triggerGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(req.Selection) == "" {
		writeError(w, http.StatusUnprocessableEntity, "selection required")
		return
	}
	job, err := s.orch.EnqueueGeneration(r.Context(), chi.URLParam(r, "projectID"), req.Selection)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_done"})
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{
		JobID:       job.ID,
		Fn:          job.Fn,
		Status:      string(job.Status),
		ScheduledAt: job.ScheduledAt,
	})
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	step := chi.URLParam(r, "step")
	switch step {
	case model.StepAnalysis, model.StepGeneration, "export":
	default:
		writeError(w, http.StatusUnprocessableEntity, "unknown step")
		return
	}
	payload, err := s.orch.Result(r.Context(), chi.URLParam(r, "projectID"), step)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

//
// ---------------- telemetry ----------------
//

type telemetryItem struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"project_id"`
	TotalDuration string          `json:"total_duration"`
	TotalTokens   int             `json:"total_tokens"`
	StepsOK       int             `json:"steps_ok"`
	StepsFailed   int             `json:"steps_failed"`
	ErrorCount    int             `json:"error_count"`
	StepOutcomes  map[string]bool `json:"step_outcomes"`
	FlushedAt     time.Time       `json:"flushed_at"`
}

func (s *Server) listTelemetry(w http.ResponseWriter, r *http.Request) {
	until := time.Now()
	since := until.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "since must be RFC3339")
			return
		}
		since = t
	}
	if v := r.URL.Query().Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "until must be RFC3339")
			return
		}
		until = t
	}

	items, err := s.telemetry.ListSummaries(r.Context(), nil, since, until)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]telemetryItem, 0, len(items))
	for _, t := range items {
		out = append(out, telemetryItem{
			ID:            t.ID,
			ProjectID:     t.ProjectID,
			TotalDuration: t.TotalDuration.String(),
			TotalTokens:   t.TotalTokens,
			StepsOK:       t.StepsOK,
			StepsFailed:   t.StepsFailed,
			ErrorCount:    t.ErrorCount,
			StepOutcomes:  t.StepOutcomes,
			FlushedAt:     t.FlushedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

//
// ---------------- model pricing admin ----------------
//

type Model struct {
	Name              string    `json:"name"`
	InputPriceMicros  int64     `json:"input_price_micros"`
	OutputPriceMicros int64     `json:"output_price_micros"`
	Active            bool      `json:"active"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func toModel(p *model.ModelPricing) Model {
	return Model{
		Name:              p.ModelName,
		InputPriceMicros:  p.InputPriceMicrosPerM,
		OutputPriceMicros: p.OutputPriceMicrosPerM,
		Active:            p.Active,
		UpdatedAt:         p.UpdatedAt,
	}
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	items, err := s.pricing.ListActive(r.Context(), nil)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]Model, 0, len(items))
	for _, p := range items {
		out = append(out, toModel(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

type modelRequest struct {
	Name              string `json:"name"`
	InputPriceMicros  *int64 `json:"input_price_micros"`
	OutputPriceMicros *int64 `json:"output_price_micros"`
}

func (s *Server) createModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(req.Name) == "" || req.InputPriceMicros == nil || req.OutputPriceMicros == nil {
		writeError(w, http.StatusUnprocessableEntity, "name and prices required")
		return
	}
	p := model.NewModelPricing(req.Name, *req.InputPriceMicros, *req.OutputPriceMicros, true)
	if err := s.pricing.Create(r.Context(), nil, p); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toModel(p))
}

func (s *Server) updateModel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req modelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	p, err := s.pricing.GetByModelName(r.Context(), nil, name)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if req.InputPriceMicros != nil {
		p.InputPriceMicrosPerM = *req.InputPriceMicros
	}
	if req.OutputPriceMicros != nil {
		p.OutputPriceMicrosPerM = *req.OutputPriceMicros
	}
	if err := s.pricing.Update(r.Context(), nil, p); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toModel(p))
}

//
// ---------------- helpers ----------------
//

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusUnprocessableEntity, "invalid argument")
	case errors.Is(err, domain.ErrPhaseOrder):
		writeError(w, http.StatusConflict, "step out of order")
	case errors.Is(err, domain.ErrProjectTerminal):
		writeError(w, http.StatusConflict, "project finished")
	case errors.Is(err, domain.ErrProjectPaused):
		writeError(w, http.StatusConflict, "project paused")
	default:
		s.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusBadRequest, "request failed")
	}
}
