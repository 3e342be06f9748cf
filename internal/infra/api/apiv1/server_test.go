//go:build !integration

package apiv1_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"dataviz-pipeline/internal/domain"
	"dataviz-pipeline/internal/domain/model"
	"dataviz-pipeline/internal/domain/ports/adapter"
	"dataviz-pipeline/internal/domain/ports/repository"
	apiv1 "dataviz-pipeline/internal/infra/api/apiv1"
	"dataviz-pipeline/internal/usecase"
)

//
// ---------------- in-memory infra mocks (repos/tx) ----------------
//

type mockTxManager struct{}

func (m *mockTxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, nil)
}

type memProjectRepo struct {
	mu   sync.Mutex
	byID map[string]*model.Project
}

func (m *memProjectRepo) Save(ctx context.Context, tx repository.Tx, p *model.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
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
	return &cp, nil
}

type memContextRepo struct {
	mu        sync.Mutex
	byProject map[string]*model.GenerationContext
}

func (m *memContextRepo) Save(ctx context.Context, tx repository.Tx, c *model.GenerationContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	cp.StepResults = make(map[string]json.RawMessage, len(c.StepResults))
	for k, v := range c.StepResults {
		cp.StepResults[k] = v
	}
	m.byProject[c.ProjectID] = &cp
	return nil
}

func (m *memContextRepo) FindByProjectID(ctx context.Context, tx repository.Tx, projectID string) (*model.GenerationContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byProject[projectID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

type memJobRepo struct {
	mu   sync.Mutex
	byID map[string]*model.PipelineJob
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
	sort.Slice(due, func(a, b int) bool { return due[a].ID < due[b].ID })
	due[0].Status = model.JobStatusRunning
	cp := *due[0]
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

func (m *memJobRepo) ReleaseStale(ctx context.Context, cutoff time.Time) (int, error) { return 0, nil }

type memRateRepo struct {
	mu     sync.Mutex
	byUser map[string]*model.RateLimitRecord
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

type memTelemetryRepo struct {
	mu        sync.Mutex
	summaries []*model.TelemetrySummary
}

func (m *memTelemetryRepo) SaveSummary(ctx context.Context, tx repository.Tx, s *model.TelemetrySummary) error {
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

type memPricingRepo struct {
	mu     sync.Mutex
	byName map[string]*model.ModelPricing
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
	out := make([]*model.ModelPricing, 0, len(m.byName))
	for _, p := range m.byName {
		if p.Active {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

type noopAI struct{}

func (noopAI) Generate(ctx context.Context, req adapter.GenerateRequest) (string, adapter.Usage, error) {
	return "{}", adapter.Usage{}, nil
}

func (noopAI) CountTokens(ctx context.Context, model, prompt string) (int, error) {
	return len(prompt) / 4, nil
}

//
// -------------------- test helpers --------------------
//

func newTestLogger() *zerolog.Logger { l := zerolog.Nop(); return &l }

type fixture struct {
	router    *chi.Mux
	pricing   *memPricingRepo
	telemetry *memTelemetryRepo
}

func newFixture() *fixture {
	log := newTestLogger()
	tm := &mockTxManager{}
	projects := &memProjectRepo{byID: map[string]*model.Project{}}
	contexts := &memContextRepo{byProject: map[string]*model.GenerationContext{}}
	jobs := &memJobRepo{byID: map[string]*model.PipelineJob{}}
	rates := &memRateRepo{byUser: map[string]*model.RateLimitRecord{}}
	telemetry := &memTelemetryRepo{}
	pricing := &memPricingRepo{byName: map[string]*model.ModelPricing{}}

	guard := usecase.NewRateBudgetGuard(rates, pricing, tm, 1000, 100_000_000, log)
	validator := usecase.NewValidationRepairEngine(noopAI{}, "test-model", log)
	orch := usecase.NewPipelineOrchestrator(
		projects, contexts, jobs, telemetry,
		guard, validator, noopAI{}, tm,
		"test-model", time.Minute, 5*time.Second, log,
	)

	r := chi.NewRouter()
	apiv1.RegisterAPIV1(r, apiv1.NewServer(orch, pricing, telemetry, log))
	return &fixture{router: r, pricing: pricing, telemetry: telemetry}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) createProject(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/projects", `{"user_id":"u1","row_count":100,"column_count":5,"stats":"{}"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create project: want 201, got %d, body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body.ID
}

//
// -------------------- tests --------------------
//

func TestProjects_CreateAndGet(t *testing.T) {
	f := newFixture()

	t.Run("201 created with idle phase", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/projects", `{"user_id":"u1","row_count":10,"column_count":2}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("want 201, got %d, body=%s", rec.Code, rec.Body.String())
		}
		var body struct {
			ID    string `json:"id"`
			Phase string `json:"phase"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.ID == "" || body.Phase != "idle" {
			t.Fatalf("unexpected body: %+v", body)
		}
	})

	t.Run("422 missing user", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/projects", `{"row_count":10}`)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("want 422, got %d", rec.Code)
		}
	})

	t.Run("400 invalid body", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/projects", `{nope`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("want 400, got %d", rec.Code)
		}
	})

	t.Run("get 200 and 404", func(t *testing.T) {
		id := f.createProject(t)
		if rec := f.do(t, http.MethodGet, "/api/v1/projects/"+id, ""); rec.Code != http.StatusOK {
			t.Fatalf("want 200, got %d", rec.Code)
		}
		if rec := f.do(t, http.MethodGet, "/api/v1/projects/missing", ""); rec.Code != http.StatusNotFound {
			t.Fatalf("want 404, got %d", rec.Code)
		}
	})
}

func TestTriggers(t *testing.T) {
	f := newFixture()
	id := f.createProject(t)

	t.Run("analysis trigger returns 202 with a job", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/projects/"+id+"/analysis", "")
		if rec.Code != http.StatusAccepted {
			t.Fatalf("want 202, got %d, body=%s", rec.Code, rec.Body.String())
		}
		var body struct {
			JobID string `json:"job_id"`
		}
		_ = json.NewDecoder(rec.Body).Decode(&body)
		if body.JobID == "" {
			t.Fatal("job_id missing")
		}

		// Re-trigger while the job is still active: same job comes back.
		rec2 := f.do(t, http.MethodPost, "/api/v1/projects/"+id+"/analysis", "")
		if rec2.Code != http.StatusAccepted {
			t.Fatalf("want 202, got %d", rec2.Code)
		}
		var body2 struct {
			JobID string `json:"job_id"`
		}
		_ = json.NewDecoder(rec2.Body).Decode(&body2)
		if body2.JobID != body.JobID {
			t.Fatalf("duplicate trigger created a new job: %s vs %s", body.JobID, body2.JobID)
		}
	})

	t.Run("generation before selection phase maps to 409", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/projects/"+id+"/generation", `{"selection":"[\"Trend\"]"}`)
		if rec.Code != http.StatusConflict {
			t.Fatalf("want 409, got %d, body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("generation without selection is 422", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/projects/"+id+"/generation", `{}`)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("want 422, got %d", rec.Code)
		}
	})

	t.Run("unknown project is 404", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/projects/missing/analysis", "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("want 404, got %d", rec.Code)
		}
	})
}

func TestResults(t *testing.T) {
	f := newFixture()
	id := f.createProject(t)

	t.Run("unknown step is 422", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/projects/"+id+"/results/nope", "")
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("want 422, got %d", rec.Code)
		}
	})

	t.Run("absent result is 404", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/projects/"+id+"/results/analysis", "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("want 404, got %d", rec.Code)
		}
	})
}

func TestModels_CRUD(t *testing.T) {
	f := newFixture()

	t.Run("201 created then listed", func(t *testing.T) {
		body := `{"name":"gpt-4o","input_price_micros":2500000,"output_price_micros":10000000}`
		rec := f.do(t, http.MethodPost, "/api/v1/models", body)
		if rec.Code != http.StatusCreated {
			t.Fatalf("want 201, got %d, body=%s", rec.Code, rec.Body.String())
		}

		rec = f.do(t, http.MethodGet, "/api/v1/models", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("want 200, got %d", rec.Code)
		}
		var list struct {
			Items []apiv1.Model `json:"items"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(list.Items) != 1 || list.Items[0].Name != "gpt-4o" {
			t.Fatalf("items mismatch: %+v", list.Items)
		}
	})

	t.Run("409 duplicate", func(t *testing.T) {
		body := `{"name":"gpt-4o","input_price_micros":1,"output_price_micros":2}`
		rec := f.do(t, http.MethodPost, "/api/v1/models", body)
		if rec.Code != http.StatusConflict {
			t.Fatalf("want 409, got %d", rec.Code)
		}
	})

	t.Run("422 missing prices", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/models", `{"name":"x"}`)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("want 422, got %d", rec.Code)
		}
	})

	t.Run("partial update 200", func(t *testing.T) {
		rec := f.do(t, http.MethodPut, "/api/v1/models/gpt-4o", `{"input_price_micros":3000000}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("want 200, got %d, body=%s", rec.Code, rec.Body.String())
		}
		var m apiv1.Model
		_ = json.NewDecoder(rec.Body).Decode(&m)
		if m.InputPriceMicros != 3000000 || m.OutputPriceMicros != 10000000 {
			t.Fatalf("partial update clobbered fields: %+v", m)
		}
	})

	t.Run("update 404", func(t *testing.T) {
		rec := f.do(t, http.MethodPut, "/api/v1/models/missing", `{"input_price_micros":1}`)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("want 404, got %d", rec.Code)
		}
	})
}

func TestTelemetry_List(t *testing.T) {
	f := newFixture()
	s := model.NewTelemetrySummary("p1")
	s.TotalTokens = 150
	s.StepsOK = 2
	_ = f.telemetry.SaveSummary(context.Background(), nil, s)

	t.Run("defaults to the last 24h", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/telemetry", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("want 200, got %d", rec.Code)
		}
		var body struct {
			Items []struct {
				ProjectID   string `json:"project_id"`
				TotalTokens int    `json:"total_tokens"`
			} `json:"items"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(body.Items) != 1 || body.Items[0].TotalTokens != 150 {
			t.Fatalf("items mismatch: %+v", body.Items)
		}
	})

	t.Run("bad since is 422", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/telemetry?since=yesterday", "")
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("want 422, got %d", rec.Code)
		}
	})
}
