package adapter

import (
	"context"
	"encoding/json"
)

// Usage for a single generation call, as reported by the provider.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// GenerateRequest is one structured-output generation call.
// Schema is embedded in the prompt sent to the provider; providers that
// support native schema constraints may also pass it through.
type GenerateRequest struct {
	Model       string
	Prompt      string
	Schema      json.RawMessage
	Temperature float64
}

// GenerationAdapter is the port for the external AI collaborator.
// Failures surface as errors (timeouts, HTTP status) or malformed text,
// never as partial structured objects.
type GenerationAdapter interface {
	// Generate returns the raw response text plus provider usage counts.
	Generate(ctx context.Context, req GenerateRequest) (string, Usage, error)

	// CountTokens estimates prompt tokens for admission control
	// (best-effort when exact counting isn't available).
	CountTokens(ctx context.Context, model, prompt string) (int, error)
}
