package ai

import (
	"context"

	"dataviz-pipeline/internal/domain/ports/adapter"
)

// Compile-time check
var _ adapter.GenerationAdapter = (*limitedAI)(nil)

type limitedAI struct {
	inner adapter.GenerationAdapter
	sem   chan struct{}
}

// NewLimitedAI bounds concurrent calls against the upstream provider.
func NewLimitedAI(inner adapter.GenerationAdapter, maxConcurrent int) adapter.GenerationAdapter {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limitedAI{
		inner: inner,
		sem:   make(chan struct{}, maxConcurrent),
	}
}

func (l *limitedAI) Generate(ctx context.Context, req adapter.GenerateRequest) (string, adapter.Usage, error) {
	l.sem <- struct{}{}
	defer func() { <-l.sem }()
	return l.inner.Generate(ctx, req)
}

func (l *limitedAI) CountTokens(ctx context.Context, model, prompt string) (int, error) {
	l.sem <- struct{}{}
	defer func() { <-l.sem }()
	return l.inner.CountTokens(ctx, model, prompt)
}
