//go:build !integration

package model_test

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"dataviz-pipeline/internal/domain"
	"dataviz-pipeline/internal/domain/model"
)

func TestProject_Transition(t *testing.T) {
	t.Run("walks the full phase ladder with monotonic progress", func(t *testing.T) {
		p := model.NewProject("u1", 10, 2)
		ladder := []model.ProjectPhase{
			model.PhaseAnalyzing,
			model.PhaseSelecting,
			model.PhaseGenerating,
			model.PhaseExporting,
			model.PhaseCompleted,
		}
		prev := p.Progress
		for _, next := range ladder {
			if err := p.Transition(next); err != nil {
				t.Fatalf("transition to %s: %v", next, err)
			}
			if p.Progress < prev {
				t.Fatalf("progress decreased at %s: %d < %d", next, p.Progress, prev)
			}
			prev = p.Progress
		}
		if p.Progress != 100 {
			t.Errorf("completed progress = %d, want 100", p.Progress)
		}
	})

	t.Run("rejects skipping phases", func(t *testing.T) {
		p := model.NewProject("u1", 10, 2)
		if err := p.Transition(model.PhaseGenerating); !errors.Is(err, domain.ErrPhaseOrder) {
			t.Fatalf("want ErrPhaseOrder, got %v", err)
		}
	})

	t.Run("failed is reachable from any non-terminal phase", func(t *testing.T) {
		p := model.NewProject("u1", 10, 2)
		_ = p.Transition(model.PhaseAnalyzing)
		if err := p.Transition(model.PhaseFailed); err != nil {
			t.Fatalf("fail from analyzing: %v", err)
		}
		if !p.Terminal() {
			t.Error("failed project must be terminal")
		}
	})

	t.Run("terminal projects reject further transitions", func(t *testing.T) {
		p := model.NewProject("u1", 10, 2)
		_ = p.Transition(model.PhaseFailed)
		if err := p.Transition(model.PhaseAnalyzing); !errors.Is(err, domain.ErrProjectTerminal) {
			t.Fatalf("want ErrProjectTerminal, got %v", err)
		}
	})
}

func TestProject_PauseResume(t *testing.T) {
	p := model.NewProject("u1", 10, 2)
	_ = p.Transition(model.PhaseAnalyzing)

	resumeAt := time.Now().Add(time.Hour)
	p.Pause(resumeAt)
	if !p.Paused || p.Phase != model.PhaseAnalyzing {
		t.Fatalf("pause must not touch the phase: paused=%v phase=%s", p.Paused, p.Phase)
	}

	if p.ResumeIfDue(time.Now()) {
		t.Fatal("resumed before the boundary")
	}
	if !p.ResumeIfDue(resumeAt.Add(time.Second)) {
		t.Fatal("did not resume after the boundary")
	}
	if p.Paused {
		t.Error("still paused after resume")
	}
}

func TestProject_AtOrPast(t *testing.T) {
	p := model.NewProject("u1", 10, 2)
	_ = p.Transition(model.PhaseAnalyzing)
	_ = p.Transition(model.PhaseSelecting)

	if !p.AtOrPast(model.PhaseAnalyzing) || !p.AtOrPast(model.PhaseSelecting) {
		t.Error("selecting is at-or-past analyzing and selecting")
	}
	if p.AtOrPast(model.PhaseGenerating) {
		t.Error("selecting is not past generating")
	}

	_ = p.Transition(model.PhaseFailed)
	if p.AtOrPast(model.PhaseIdle) {
		t.Error("failed projects are never at-or-past")
	}
}

func TestGenerationContext_Results(t *testing.T) {
	c := model.NewGenerationContext("p1", "{}")

	t.Run("fallback is stored under the suffixed key and found by HasResult", func(t *testing.T) {
		c.SetFallbackResult(model.StepAnalysis, []byte(`{"a":1}`))
		if !c.HasResult(model.StepAnalysis) {
			t.Fatal("fallback must satisfy HasResult")
		}
		if _, ok := c.StepResults[model.StepAnalysis]; ok {
			t.Fatal("plain key must stay absent")
		}
	})

	t.Run("validated result wins over fallback", func(t *testing.T) {
		c.SetResult(model.StepAnalysis, []byte(`{"a":2}`))
		r, ok := c.Result(model.StepAnalysis)
		if !ok || string(r) != `{"a":2}` {
			t.Fatalf("got %s, want validated payload", r)
		}
	})

	t.Run("compact summary is capped", func(t *testing.T) {
		long := make([]byte, model.CompactSummaryLimit+500)
		for i := range long {
			long[i] = 'x'
		}
		c.SetCompactSummary(string(long))
		if len(c.CompactSummary) != model.CompactSummaryLimit {
			t.Fatalf("summary length = %d, want %d", len(c.CompactSummary), model.CompactSummaryLimit)
		}
	})

	t.Run("truncation never splits a multi-byte rune", func(t *testing.T) {
		long := strings.Repeat("→", model.CompactSummaryLimit) // 3 bytes each, never aligns with the cap
		c.SetCompactSummary(long)
		if len(c.CompactSummary) > model.CompactSummaryLimit {
			t.Fatalf("summary length = %d, want <= %d", len(c.CompactSummary), model.CompactSummaryLimit)
		}
		if !utf8.ValidString(c.CompactSummary) {
			t.Fatal("truncated summary is not valid UTF-8")
		}
	})
}

func TestModelPricing_CostMicros(t *testing.T) {
	// $2.50 / $10.00 per million tokens, expressed in micro-USD.
	p := model.NewModelPricing("gpt-4o", 2_500_000, 10_000_000, true)

	cases := []struct {
		in, out int
		want    int64
	}{
		{0, 0, 0},
		{1_000_000, 0, 2_500_000},
		{0, 1_000_000, 10_000_000},
		{100_000, 50_000, 250_000 + 500_000},
	}
	for _, tc := range cases {
		if got := p.CostMicros(tc.in, tc.out); got != tc.want {
			t.Errorf("CostMicros(%d, %d) = %d, want %d", tc.in, tc.out, got, tc.want)
		}
	}
}
