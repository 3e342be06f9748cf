//go:build !integration

package usecase_test

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"dataviz-pipeline/internal/domain"
	"dataviz-pipeline/internal/domain/model"
	"dataviz-pipeline/internal/domain/ports/adapter"
	"dataviz-pipeline/internal/domain/ports/repository"
)

func newTestLogger() *zerolog.Logger { l := zerolog.Nop(); return &l }

// -----------------------------
// Transaction manager
// -----------------------------

type MockTxManager struct{}

func NewMockTxManager() *MockTxManager { return &MockTxManager{} }

func (m *MockTxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, nil)
}

// -----------------------------
// Project repo
// -----------------------------

type memProjectRepo struct {
	mu   sync.Mutex
	byID map[string]*model.Project

	SaveFunc func(ctx context.Context, tx repository.Tx, p *model.Project) error
}

func newMemProjectRepo() *memProjectRepo {
	return &memProjectRepo{byID: map[string]*model.Project{}}
}

func (m *memProjectRepo) Save(ctx context.Context, tx repository.Tx, p *model.Project) error {
	if m.SaveFunc != nil {
		if err := m.SaveFunc(ctx, tx, p); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.ErrorLog = append([]model.ErrorLogEntry(nil), p.ErrorLog...)
	m.byID[p.ID] = &cp
	return nil
}

func (m *memProjectRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	cp.ErrorLog = append([]model.ErrorLogEntry(nil), p.ErrorLog...)
	return &cp, nil
}

// -----------------------------
// Generation context repo
// -----------------------------

type memContextRepo struct {
	mu        sync.Mutex
	byProject map[string]*model.GenerationContext
}

func newMemContextRepo() *memContextRepo {
	return &memContextRepo{byProject: map[string]*model.GenerationContext{}}
}

func cloneContext(c *model.GenerationContext) *model.GenerationContext {
	cp := *c
	cp.StepResults = make(map[string]json.RawMessage, len(c.StepResults))
	for k, v := range c.StepResults {
		cp.StepResults[k] = append(json.RawMessage(nil), v...)
	}
	return &cp
}

func (m *memContextRepo) Save(ctx context.Context, tx repository.Tx, c *model.GenerationContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byProject[c.ProjectID] = cloneContext(c)
	return nil
}

func (m *memContextRepo) FindByProjectID(ctx context.Context, tx repository.Tx, projectID string) (*model.GenerationContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byProject[projectID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneContext(c), nil
}

// -----------------------------
// Job repo (claim semantics match the conditional-update contract)
// -----------------------------

type memJobRepo struct {
	mu   sync.Mutex
	byID map[string]*model.PipelineJob
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{byID: map[string]*model.PipelineJob{}}
}

func (m *memJobRepo) Save(ctx context.Context, tx repository.Tx, job *model.PipelineJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.byID[job.ID] = &cp
	return nil
}

func (m *memJobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.PipelineJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memJobRepo) FindActive(ctx context.Context, tx repository.Tx, projectID, fn string) (*model.PipelineJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.byID {
		if j.ProjectID == projectID && j.Fn == fn &&
			(j.Status == model.JobStatusPending || j.Status == model.JobStatusRunning) {
			cp := *j
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memJobRepo) ClaimNextDue(ctx context.Context, now time.Time) (*model.PipelineJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*model.PipelineJob
	for _, j := range m.byID {
		if j.Due(now) {
			due = append(due, j)
		}
	}
	if len(due) == 0 {
		return nil, domain.ErrNotFound
	}
	sort.Slice(due, func(a, b int) bool {
		if !due[a].ScheduledAt.Equal(due[b].ScheduledAt) {
			return due[a].ScheduledAt.Before(due[b].ScheduledAt)
		}
		return due[a].ID < due[b].ID
	})
	j := due[0]
	j.Status = model.JobStatusRunning
	j.UpdatedAt = now
	cp := *j
	return &cp, nil
}

func (m *memJobRepo) UpdateIf(ctx context.Context, tx repository.Tx, job *model.PipelineJob, expected model.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[job.ID]
	if !ok || cur.Status != expected {
		return domain.ErrJobNotClaimable
	}
	cp := *job
	m.byID[job.ID] = &cp
	return nil
}

func (m *memJobRepo) ReleaseStale(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.byID {
		if j.Status == model.JobStatusRunning && j.UpdatedAt.Before(cutoff) {
			j.Status = model.JobStatusPending
			n++
		}
	}
	return n, nil
}

// -----------------------------
// Rate limit repo
// -----------------------------

type memRateRepo struct {
	mu     sync.Mutex
	byUser map[string]*model.RateLimitRecord
}

func newMemRateRepo() *memRateRepo {
	return &memRateRepo{byUser: map[string]*model.RateLimitRecord{}}
}

func (m *memRateRepo) Get(ctx context.Context, tx repository.Tx, userID string) (*model.RateLimitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byUser[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRateRepo) Create(ctx context.Context, tx repository.Tx, rec *model.RateLimitRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byUser[rec.UserID]; ok {
		return domain.ErrAlreadyExists
	}
	rec.Version = 0
	cp := *rec
	m.byUser[rec.UserID] = &cp
	return nil
}

func (m *memRateRepo) UpdateIf(ctx context.Context, tx repository.Tx, rec *model.RateLimitRecord, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byUser[rec.UserID]
	if !ok || cur.Version != expected {
		return domain.ErrStaleRecord
	}
	rec.Version = expected + 1
	cp := *rec
	m.byUser[rec.UserID] = &cp
	return nil
}

// -----------------------------
// Telemetry repo
// -----------------------------

type memTelemetryRepo struct {
	mu        sync.Mutex
	summaries []*model.TelemetrySummary

	SaveFunc func(ctx context.Context, tx repository.Tx, s *model.TelemetrySummary) error
}

func newMemTelemetryRepo() *memTelemetryRepo { return &memTelemetryRepo{} }

func (m *memTelemetryRepo) SaveSummary(ctx context.Context, tx repository.Tx, s *model.TelemetrySummary) error {
	if m.SaveFunc != nil {
		if err := m.SaveFunc(ctx, tx, s); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.summaries = append(m.summaries, &cp)
	return nil
}

func (m *memTelemetryRepo) ListSummaries(ctx context.Context, tx repository.Tx, since, until time.Time) ([]*model.TelemetrySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.TelemetrySummary
	for _, s := range m.summaries {
		if !s.FlushedAt.Before(since) && s.FlushedAt.Before(until) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

// -----------------------------
// Pricing repo
// -----------------------------

type memPricingRepo struct {
	mu     sync.Mutex
	byName map[string]*model.ModelPricing
}

func newMemPricingRepo() *memPricingRepo {
	return &memPricingRepo{byName: map[string]*model.ModelPricing{}}
}

func (m *memPricingRepo) Create(ctx context.Context, tx repository.Tx, p *model.ModelPricing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[p.ModelName]; ok {
		return domain.ErrAlreadyExists
	}
	cp := *p
	m.byName[p.ModelName] = &cp
	return nil
}

func (m *memPricingRepo) Update(ctx context.Context, tx repository.Tx, p *model.ModelPricing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[p.ModelName]; !ok {
		return domain.ErrNotFound
	}
	cp := *p
	m.byName[p.ModelName] = &cp
	return nil
}

func (m *memPricingRepo) GetByModelName(ctx context.Context, tx repository.Tx, name string) (*model.ModelPricing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byName[name]
	if !ok || !p.Active {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memPricingRepo) ListActive(ctx context.Context, tx repository.Tx) ([]*model.ModelPricing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ModelPricing
	for _, p := range m.byName {
		if p.Active {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// -----------------------------
// Generation adapter stub
// -----------------------------

type stubAI struct {
	mu            sync.Mutex
	generateCalls int

	GenerateFunc    func(ctx context.Context, req adapter.GenerateRequest) (string, adapter.Usage, error)
	CountTokensFunc func(ctx context.Context, model, prompt string) (int, error)
}

func (s *stubAI) Generate(ctx context.Context, req adapter.GenerateRequest) (string, adapter.Usage, error) {
	s.mu.Lock()
	s.generateCalls++
	s.mu.Unlock()
	if s.GenerateFunc != nil {
		return s.GenerateFunc(ctx, req)
	}
	return validAnalysisJSON, adapter.Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150}, nil
}

func (s *stubAI) CountTokens(ctx context.Context, model, prompt string) (int, error) {
	if s.CountTokensFunc != nil {
		return s.CountTokensFunc(ctx, model, prompt)
	}
	return len(prompt) / 4, nil
}

func (s *stubAI) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generateCalls
}

const validAnalysisJSON = `{"summary":"A small dataset.","insights":["values trend upward"],"recommended_charts":[{"type":"line","title":"Trend","columns":["date","value"]}]}`

const validGenerationJSON = `{"charts":[{"type":"line","title":"Trend","spec":{"x":"date","y":"value"}}]}`
