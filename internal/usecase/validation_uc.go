package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"dataviz-pipeline/internal/domain"
	"dataviz-pipeline/internal/domain/ports/adapter"
)

// ValidationRepairEngine validates provider output against a JSON schema and
// repairs it when possible: one deterministic syntax pass, then at most one
// AI-assisted repair call. Unbounded repair loops are deliberately not
// supported; two passes cap latency and cost per step.
type ValidationRepairEngine struct {
	ai    adapter.GenerationAdapter
	model string
	log   *zerolog.Logger
}

func NewValidationRepairEngine(ai adapter.GenerationAdapter, model string, log *zerolog.Logger) *ValidationRepairEngine {
	return &ValidationRepairEngine{ai: ai, model: model, log: log}
}

// ValidateAndRepair returns a schema-valid payload or one of
// ErrUnparseableJSON / ErrRepairFailed. Already-valid input is returned
// unchanged.
func (e *ValidationRepairEngine) ValidateAndRepair(ctx context.Context, raw string, schema json.RawMessage) (json.RawMessage, error) {
	payload, err := parseWithSyntaxRepair(raw)
	if err != nil {
		return nil, err
	}

	if err := validateAgainstSchema(payload, schema); err == nil {
		return payload, nil
	} else {
		e.log.Debug().Err(err).Msg("schema validation failed, attempting AI repair")
	}

	// Exactly one AI-assisted repair call.
	repaired, _, err := e.ai.Generate(ctx, adapter.GenerateRequest{
		Model:       e.model,
		Prompt:      BuildRepairPrompt(raw, schema),
		Schema:      schema,
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("repair call: %w", err)
	}

	payload, err = parseWithSyntaxRepair(repaired)
	if err != nil {
		return nil, domain.ErrRepairFailed
	}
	if err := validateAgainstSchema(payload, schema); err != nil {
		return nil, domain.ErrRepairFailed
	}
	return payload, nil
}

// parseWithSyntaxRepair parses raw as JSON, applying the deterministic
// textual repair pass on the first failure and reparsing once.
func parseWithSyntaxRepair(raw string) (json.RawMessage, error) {
	candidate := strings.TrimSpace(raw)
	if json.Valid([]byte(candidate)) {
		return json.RawMessage(candidate), nil
	}
	candidate = RepairSyntax(candidate)
	if json.Valid([]byte(candidate)) {
		return json.RawMessage(candidate), nil
	}
	return nil, domain.ErrUnparseableJSON
}

func validateAgainstSchema(payload, schema json.RawMessage) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(payload),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSchemaInvalid, err)
	}
	if !result.Valid() {
		descs := make([]string, 0, len(result.Errors()))
		for _, d := range result.Errors() {
			descs = append(descs, d.String())
		}
		return fmt.Errorf("%w: %s", domain.ErrSchemaInvalid, strings.Join(descs, "; "))
	}
	return nil
}

var (
	codeFenceRe     = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	unquotedKeyRe   = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	singleQuoteRe   = regexp.MustCompile(`'([^'\\]*)'`)
	smartQuotes     = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'")
)

// RepairSyntax is the deterministic textual repair pass: strip code fences,
// normalize quote characters, quote unquoted keys, and drop trailing
// separators before closing brackets. It never consults the provider.
func RepairSyntax(raw string) string {
	s := strings.TrimSpace(raw)
	if m := codeFenceRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	s = smartQuotes.Replace(s)
	// Single-quote conversion only applies to fully single-quoted text: once
	// double quotes are present, an apostrophe inside one of them would pair
	// with a later single quote and corrupt the string.
	if !strings.Contains(s, `"`) {
		s = singleQuoteRe.ReplaceAllString(s, `"$1"`)
	}
	s = unquotedKeyRe.ReplaceAllString(s, `$1"$2":`)
	s = trailingCommaRe.ReplaceAllString(s, `$1`)
	return s
}
