package ai

import (
	"context"

	"dataviz-pipeline/internal/domain/ports/adapter"
)

var _ adapter.GenerationAdapter = (*NoOpAdapter)(nil)

// NoOpAdapter is a stand-in for local runs without AI credentials. It
// returns a canned JSON body so the pipeline can be exercised end to end.
type NoOpAdapter struct {
	Body string
}

func NewNoOpAdapter() *NoOpAdapter {
	return &NoOpAdapter{Body: `{}`}
}

func (n *NoOpAdapter) Generate(ctx context.Context, req adapter.GenerateRequest) (string, adapter.Usage, error) {
	est := len(req.Prompt) / 4
	return n.Body, adapter.Usage{InputTokens: est, OutputTokens: 2, TotalTokens: est + 2}, nil
}

func (n *NoOpAdapter) CountTokens(ctx context.Context, model, prompt string) (int, error) {
	return len(prompt) / 4, nil
}
