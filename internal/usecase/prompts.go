package usecase

import (
	"encoding/json"
	"fmt"

	"dataviz-pipeline/internal/domain/model"
)

// Step schemas the provider output must conform to. Kept as raw JSON Schema
// so the validation engine can hand them to gojsonschema and embed them in
// repair prompts verbatim.

const AnalysisSchema = `{
  "type": "object",
  "required": ["summary", "insights", "recommended_charts"],
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "insights": {
      "type": "array",
      "minItems": 1,
      "maxItems": 10,
      "items": {"type": "string"}
    },
    "recommended_charts": {
      "type": "array",
      "minItems": 1,
      "maxItems": 6,
      "items": {
        "type": "object",
        "required": ["type", "title", "columns"],
        "properties": {
          "type": {"type": "string", "enum": ["bar", "line", "scatter", "pie", "histogram", "heatmap"]},
          "title": {"type": "string"},
          "columns": {"type": "array", "minItems": 1, "items": {"type": "string"}},
          "priority": {"type": "integer", "minimum": 1, "maximum": 10}
        }
      }
    }
  }
}`

const GenerationSchema = `{
  "type": "object",
  "required": ["charts"],
  "properties": {
    "charts": {
      "type": "array",
      "minItems": 1,
      "maxItems": 6,
      "items": {
        "type": "object",
        "required": ["type", "title", "spec"],
        "properties": {
          "type": {"type": "string", "enum": ["bar", "line", "scatter", "pie", "histogram", "heatmap"]},
          "title": {"type": "string"},
          "spec": {"type": "object"}
        }
      }
    },
    "notes": {"type": "string"}
  }
}`

// SchemaFor returns the output schema for a pipeline step.
func SchemaFor(step string) json.RawMessage {
	switch step {
	case model.StepGeneration:
		return json.RawMessage(GenerationSchema)
	default:
		return json.RawMessage(AnalysisSchema)
	}
}

// BuildAnalysisPrompt asks for dataset insights and chart recommendations.
// The deterministic statistics blob is opaque input computed upstream.
func BuildAnalysisPrompt(p *model.Project, stats string) string {
	return fmt.Sprintf(
		"You are a data analyst. A dataset with %d rows and %d columns was profiled; "+
			"the statistics are below. Return ONLY a JSON object conforming to this schema, "+
			"no prose, no code fences.\n\nSchema:\n%s\n\nStatistics:\n%s",
		p.RowCount, p.ColumnCount, AnalysisSchema, stats)
}

// BuildGenerationPrompt asks for chart specs for the user's selection, fed by
// the bounded compact summary from the analysis step.
func BuildGenerationPrompt(summary, selection string) string {
	return fmt.Sprintf(
		"You are a data visualization engineer. Produce chart specifications for the "+
			"selected charts. Return ONLY a JSON object conforming to this schema, "+
			"no prose, no code fences.\n\nSchema:\n%s\n\nDataset summary:\n%s\n\nSelection:\n%s",
		GenerationSchema, summary, selection)
}

// BuildRepairPrompt embeds the schema and the original response and requests
// corrected structured output only. Used for the single AI-assisted repair.
func BuildRepairPrompt(raw string, schema json.RawMessage) string {
	return fmt.Sprintf(
		"The following response must be a single JSON object conforming to the schema "+
			"below, but it is invalid. Return ONLY the corrected JSON object, nothing else.\n\n"+
			"Schema:\n%s\n\nResponse:\n%s",
		schema, raw)
}

// FallbackFor builds the deterministic substitute payload for a step whose
// generated output could not be validated. Pure function of its inputs so it
// stays testable apart from orchestration.
func FallbackFor(step string, p *model.Project) json.RawMessage {
	switch step {
	case model.StepGeneration:
		return json.RawMessage(`{"charts":[{"type":"bar","title":"Overview","spec":{"encoding":"auto"}}],"notes":"fallback specification"}`)
	default:
		payload := fmt.Sprintf(
			`{"summary":"Dataset with %d rows and %d columns.","insights":["Automatic analysis was unavailable; a basic profile was substituted."],"recommended_charts":[{"type":"bar","title":"Column overview","columns":["*"]}]}`,
			p.RowCount, p.ColumnCount)
		return json.RawMessage(payload)
	}
}
