package model

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

// CompactSummaryLimit caps the derived summary fed into later prompts.
// Keeping it small bounds input-token cost on every downstream call.
const CompactSummaryLimit = 2000

// FallbackSuffix marks a step result that was substituted by the
// deterministic fallback instead of a validated provider payload.
const FallbackSuffix = "_fallback"

// Step names used as keys in StepResults.
const (
	StepAnalysis   = "analysis"
	StepGeneration = "generation"
)

// GenerationContext carries validated step outputs between pipeline stages.
// A step's result is written only after validation succeeds; there is never
// a partially written entry.
type GenerationContext struct {
	ProjectID      string
	Stats          string // opaque statistics profile computed upstream
	StepResults    map[string]json.RawMessage
	CompactSummary string
	UpdatedAt      time.Time
}

func NewGenerationContext(projectID, stats string) *GenerationContext {
	return &GenerationContext{
		ProjectID:   projectID,
		Stats:       stats,
		StepResults: make(map[string]json.RawMessage),
		UpdatedAt:   time.Now(),
	}
}

// HasResult reports whether a validated (or fallback) result exists for step.
func (c *GenerationContext) HasResult(step string) bool {
	if _, ok := c.StepResults[step]; ok {
		return true
	}
	_, ok := c.StepResults[step+FallbackSuffix]
	return ok
}

// Result returns the stored payload for step, preferring the validated one
// over a fallback substitute.
func (c *GenerationContext) Result(step string) (json.RawMessage, bool) {
	if r, ok := c.StepResults[step]; ok {
		return r, true
	}
	r, ok := c.StepResults[step+FallbackSuffix]
	return r, ok
}

func (c *GenerationContext) SetResult(step string, payload json.RawMessage) {
	if c.StepResults == nil {
		c.StepResults = make(map[string]json.RawMessage)
	}
	c.StepResults[step] = payload
	c.UpdatedAt = time.Now()
}

// SetFallbackResult stores a substituted payload under the suffixed key so
// callers can tell it apart from a provider-validated result.
func (c *GenerationContext) SetFallbackResult(step string, payload json.RawMessage) {
	c.SetResult(step+FallbackSuffix, payload)
}

// SetCompactSummary stores s truncated to at most CompactSummaryLimit bytes,
// cutting on a rune boundary so the stored text stays valid UTF-8.
func (c *GenerationContext) SetCompactSummary(s string) {
	if len(s) > CompactSummaryLimit {
		cut := CompactSummaryLimit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	c.CompactSummary = s
	c.UpdatedAt = time.Now()
}
