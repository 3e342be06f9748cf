package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"dataviz-pipeline/internal/domain"
	"dataviz-pipeline/internal/domain/model"
	"dataviz-pipeline/internal/domain/ports/adapter"
	"dataviz-pipeline/internal/domain/ports/repository"
	"dataviz-pipeline/internal/infra/logging"
	"dataviz-pipeline/internal/infra/metrics"
)

// estimatedOutputTokens is the output-side guess fed to the budget guard
// before a call; actual usage is reconciled afterwards via Record.
const estimatedOutputTokens = 1024

// PipelineOrchestrator drives the two-stage generation pipeline for one
// project: gate, generate, validate, checkpoint, advance phase. All shared
// state is re-read from the durable store on every invocation.
type PipelineOrchestrator struct {
	projects  repository.ProjectRepository
	contexts  repository.ContextRepository
	jobs      repository.JobRepository
	telemetry repository.TelemetryRepository
	guard     *RateBudgetGuard
	validator *ValidationRepairEngine
	ai        adapter.GenerationAdapter
	tm        repository.TransactionManager

	modelName    string
	genTimeout   time.Duration
	storeTimeout time.Duration
	now          func() time.Time
	log          *zerolog.Logger
}

func NewPipelineOrchestrator(
	projects repository.ProjectRepository,
	contexts repository.ContextRepository,
	jobs repository.JobRepository,
	telemetry repository.TelemetryRepository,
	guard *RateBudgetGuard,
	validator *ValidationRepairEngine,
	ai adapter.GenerationAdapter,
	tm repository.TransactionManager,
	modelName string,
	genTimeout, storeTimeout time.Duration,
	log *zerolog.Logger,
) *PipelineOrchestrator {
	if genTimeout <= 0 {
		genTimeout = 60 * time.Second
	}
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &PipelineOrchestrator{
		projects:     projects,
		contexts:     contexts,
		jobs:         jobs,
		telemetry:    telemetry,
		guard:        guard,
		validator:    validator,
		ai:           ai,
		tm:           tm,
		modelName:    modelName,
		genTimeout:   genTimeout,
		storeTimeout: storeTimeout,
		now:          time.Now,
		log:          log,
	}
}

// StartProject creates the project and its generation context. stats is the
// opaque statistics profile computed by the upstream collaborator.
func (o *PipelineOrchestrator) StartProject(ctx context.Context, userID string, rows, cols int, stats string) (*model.Project, error) {
	if userID == "" || rows < 0 || cols < 0 {
		return nil, domain.ErrInvalidArgument
	}
	p := model.NewProject(userID, rows, cols)
	gctx := model.NewGenerationContext(p.ID, stats)
	err := o.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := o.projects.Save(ctx, tx, p); err != nil {
			return err
		}
		return o.contexts.Save(ctx, tx, gctx)
	})
	if err != nil {
		return nil, err
	}
	logging.With(ctx, o.log).Info().Str("project_id", p.ID).Msg("project created")
	return p, nil
}

// EnqueueAnalysis schedules the analysis step for a project. Idempotent:
// re-invoking against a project already past analysis is a no-op and the
// persisted result stands. Returns the job (nil when no work is needed).
func (o *PipelineOrchestrator) EnqueueAnalysis(ctx context.Context, projectID string) (*model.PipelineJob, error) {
	return o.enqueue(ctx, projectID, model.JobFnAnalysisStep, "")
}

// EnqueueGeneration schedules the generation step for the user's chart
// selection. Requires the analysis checkpoint; idempotent past generation.
func (o *PipelineOrchestrator) EnqueueGeneration(ctx context.Context, projectID, selection string) (*model.PipelineJob, error) {
	if selection == "" {
		return nil, domain.ErrInvalidArgument
	}
	return o.enqueue(ctx, projectID, model.JobFnGenerationStep, selection)
}

func (o *PipelineOrchestrator) enqueue(ctx context.Context, projectID, fn, selection string) (*model.PipelineJob, error) {
	p, err := o.projects.FindByID(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	if p.Phase == model.PhaseFailed {
		return nil, domain.ErrProjectTerminal
	}
	gctx, err := o.contexts.FindByProjectID(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}

	step := stepForFn(fn)
	if gctx.HasResult(step) {
		return nil, nil // already checkpointed; no-op
	}
	if fn == model.JobFnGenerationStep && !p.AtOrPast(model.PhaseSelecting) {
		return nil, domain.ErrPhaseOrder
	}

	if existing, err := o.jobs.FindActive(ctx, nil, projectID, fn); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	job := model.NewPipelineJob(projectID, fn, o.now())
	job.Selection = selection
	if err := o.jobs.Save(ctx, nil, job); err != nil {
		return nil, err
	}
	metrics.IncJobEnqueued(fn)
	return job, nil
}

// ExecuteJob runs the claimed job's step to completion or error. The caller
// (scheduler) owns classification and recovery.
func (o *PipelineOrchestrator) ExecuteJob(ctx context.Context, job *model.PipelineJob) error {
	log := logging.With(ctx, o.log)
	defer logging.TraceDuration(log, "PipelineOrchestrator.ExecuteJob")()

	p, err := o.projects.FindByID(ctx, nil, job.ProjectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	gctx, err := o.contexts.FindByProjectID(ctx, nil, job.ProjectID)
	if err != nil {
		return fmt.Errorf("load context: %w", err)
	}

	collector := NewTelemetryCollector(p.ID, o.telemetry, o.log)
	defer func() { _ = collector.Flush(context.Background()) }()

	switch job.Fn {
	case model.JobFnAnalysisStep:
		return o.runAnalysis(ctx, p, gctx, job, collector)
	case model.JobFnGenerationStep:
		return o.runGeneration(ctx, p, gctx, job, collector)
	default:
		return fmt.Errorf("%w: unknown job fn %q", domain.ErrPermanentFailure, job.Fn)
	}
}

func (o *PipelineOrchestrator) runAnalysis(ctx context.Context, p *model.Project, gctx *model.GenerationContext, job *model.PipelineJob, collector *TelemetryCollector) error {
	// Resume contract: an existing checkpoint is reused, never recomputed.
	if gctx.HasResult(model.StepAnalysis) {
		return o.advanceAfterAnalysis(ctx, p, gctx)
	}
	if p.Phase == model.PhaseIdle {
		if err := p.Transition(model.PhaseAnalyzing); err != nil {
			return err
		}
	}
	if p.Phase != model.PhaseAnalyzing {
		return domain.ErrPhaseOrder
	}

	prompt := BuildAnalysisPrompt(p, gctx.Stats)
	payload, err := o.generateValidated(ctx, p, model.StepAnalysis, prompt, job, collector)
	if err != nil {
		return err
	}

	gctx.SetResult(model.StepAnalysis, payload)
	gctx.SetCompactSummary(summarizeAnalysis(payload))
	return o.advanceAfterAnalysis(ctx, p, gctx)
}

func (o *PipelineOrchestrator) runGeneration(ctx context.Context, p *model.Project, gctx *model.GenerationContext, job *model.PipelineJob, collector *TelemetryCollector) error {
	if gctx.HasResult(model.StepGeneration) {
		return o.advanceAfterGeneration(ctx, p, gctx)
	}
	if !gctx.HasResult(model.StepAnalysis) || !p.AtOrPast(model.PhaseSelecting) {
		return domain.ErrPhaseOrder
	}
	// Explicit user selection moves selecting -> generating.
	if p.Phase == model.PhaseSelecting {
		if err := p.Transition(model.PhaseGenerating); err != nil {
			return err
		}
	}
	if p.Phase != model.PhaseGenerating {
		return domain.ErrPhaseOrder
	}

	prompt := BuildGenerationPrompt(gctx.CompactSummary, job.Selection)
	payload, err := o.generateValidated(ctx, p, model.StepGeneration, prompt, job, collector)
	if err != nil {
		return err
	}

	gctx.SetResult(model.StepGeneration, payload)
	return o.advanceAfterGeneration(ctx, p, gctx)
}

// generateValidated gates, calls the provider, validates/repairs, reconciles
// cost, and records telemetry for one step. It does not persist checkpoints.
func (o *PipelineOrchestrator) generateValidated(ctx context.Context, p *model.Project, step, prompt string, job *model.PipelineJob, collector *TelemetryCollector) (json.RawMessage, error) {
	estIn, err := o.ai.CountTokens(ctx, o.modelName, prompt)
	if err != nil {
		// Best-effort estimate; fall back to a character heuristic.
		estIn = len(prompt) / 4
	}
	if err := o.guard.Admit(ctx, p.UserID, o.modelName, estIn, estimatedOutputTokens); err != nil {
		collector.RecordError(step, err)
		return nil, err
	}

	collector.StartStep(step)
	callCtx, cancel := context.WithTimeout(ctx, o.genTimeout)
	defer cancel()
	start := o.now()
	raw, usage, err := o.ai.Generate(callCtx, adapter.GenerateRequest{
		Model:       o.modelName,
		Prompt:      prompt,
		Schema:      SchemaFor(step),
		Temperature: 0.2,
	})
	latency := o.now().Sub(start)
	if err != nil {
		collector.RecordError(step, err)
		collector.EndStep(step, false, 0, job.Attempts)
		metrics.ObserveGeneration(o.modelName, step, 0, 0, 0, int(latency/time.Millisecond), false)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", domain.ErrGenerationTimeout, step)
		}
		return nil, fmt.Errorf("generate %s: %w", step, err)
	}

	cost, rerr := o.guard.Record(ctx, p.UserID, o.modelName, usage.InputTokens, usage.OutputTokens)
	if rerr != nil {
		o.log.Error().Err(rerr).Str("project_id", p.ID).Msg("cost reconciliation failed")
	}
	p.Usage.Add(usage.InputTokens, usage.OutputTokens, cost)
	metrics.ObserveGeneration(o.modelName, step, usage.InputTokens, usage.OutputTokens, cost, int(latency/time.Millisecond), true)

	payload, err := o.validator.ValidateAndRepair(ctx, raw, SchemaFor(step))
	if err != nil {
		collector.RecordError(step, err)
		collector.EndStep(step, false, usage.TotalTokens, job.Attempts)
		return nil, err
	}
	collector.EndStep(step, true, usage.TotalTokens, job.Attempts)
	return payload, nil
}

// advanceAfterAnalysis checkpoints the context and moves the project to the
// selecting phase in one transaction.
func (o *PipelineOrchestrator) advanceAfterAnalysis(ctx context.Context, p *model.Project, gctx *model.GenerationContext) error {
	if p.Phase == model.PhaseAnalyzing {
		if err := p.Transition(model.PhaseSelecting); err != nil {
			return err
		}
	}
	return o.checkpoint(ctx, p, gctx)
}

// advanceAfterGeneration checkpoints the generation result, writes the export
// descriptor and finishes the pipeline: generating -> exporting -> completed.
func (o *PipelineOrchestrator) advanceAfterGeneration(ctx context.Context, p *model.Project, gctx *model.GenerationContext) error {
	if p.Phase == model.PhaseGenerating {
		if err := p.Transition(model.PhaseExporting); err != nil {
			return err
		}
		export, _ := json.Marshal(map[string]any{
			"format":       "html",
			"generated_at": o.now().UTC().Format(time.RFC3339),
			"charts":       chartCount(gctx),
		})
		gctx.SetResult("export", export)
	}
	if p.Phase == model.PhaseExporting {
		if err := p.Transition(model.PhaseCompleted); err != nil {
			return err
		}
	}
	return o.checkpoint(ctx, p, gctx)
}

// ApplyFallback substitutes the deterministic payload for the job's step and
// advances the pipeline as if the step had succeeded. Invoked only by the
// recovery policy.
func (o *PipelineOrchestrator) ApplyFallback(ctx context.Context, job *model.PipelineJob) error {
	p, err := o.projects.FindByID(ctx, nil, job.ProjectID)
	if err != nil {
		return err
	}
	gctx, err := o.contexts.FindByProjectID(ctx, nil, job.ProjectID)
	if err != nil {
		return err
	}

	step := stepForFn(job.Fn)
	payload := FallbackFor(step, p)
	gctx.SetFallbackResult(step, payload)
	metrics.IncFallback(step)

	// The stored phase may predate the failed step's transition when the
	// failure struck before any checkpoint; catch it up first.
	switch step {
	case model.StepAnalysis:
		if p.Phase == model.PhaseIdle {
			if err := p.Transition(model.PhaseAnalyzing); err != nil {
				return err
			}
		}
		gctx.SetCompactSummary(summarizeAnalysis(payload))
		return o.advanceAfterAnalysis(ctx, p, gctx)
	default:
		if p.Phase == model.PhaseSelecting {
			if err := p.Transition(model.PhaseGenerating); err != nil {
				return err
			}
		}
		return o.advanceAfterGeneration(ctx, p, gctx)
	}
}

// checkpoint persists project and context atomically under the storage
// timeout, leaving headroom for the invocation to finish cleanly.
func (o *PipelineOrchestrator) checkpoint(ctx context.Context, p *model.Project, gctx *model.GenerationContext) error {
	storeCtx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	defer cancel()
	err := o.tm.WithTx(storeCtx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := o.contexts.Save(ctx, tx, gctx); err != nil {
			return err
		}
		return o.projects.Save(ctx, tx, p)
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: checkpoint", domain.ErrStorageTimeout)
	}
	return err
}

// Project returns the current durable state of a project.
func (o *PipelineOrchestrator) Project(ctx context.Context, projectID string) (*model.Project, error) {
	return o.projects.FindByID(ctx, nil, projectID)
}

// Result returns the persisted payload for a step, for idempotent re-reads
// of completed work.
func (o *PipelineOrchestrator) Result(ctx context.Context, projectID, step string) (json.RawMessage, error) {
	gctx, err := o.contexts.FindByProjectID(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	if r, ok := gctx.Result(step); ok {
		return r, nil
	}
	return nil, domain.ErrNotFound
}

func stepForFn(fn string) string {
	if fn == model.JobFnGenerationStep {
		return model.StepGeneration
	}
	return model.StepAnalysis
}

// summarizeAnalysis derives the bounded compact summary fed to later steps.
func summarizeAnalysis(payload json.RawMessage) string {
	var parsed struct {
		Summary  string   `json:"summary"`
		Insights []string `json:"insights"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return string(payload)
	}
	s := parsed.Summary
	for _, in := range parsed.Insights {
		s += "\n- " + in
	}
	return s
}

func chartCount(gctx *model.GenerationContext) int {
	r, ok := gctx.Result(model.StepGeneration)
	if !ok {
		return 0
	}
	var parsed struct {
		Charts []json.RawMessage `json:"charts"`
	}
	if err := json.Unmarshal(r, &parsed); err != nil {
		return 0
	}
	return len(parsed.Charts)
}
