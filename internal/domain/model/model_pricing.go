package model

import (
	"time"

	"github.com/google/uuid"
)

// ModelPricing holds per-million-token prices in micro-USD for one model.
type ModelPricing struct {
	ID                    string
	ModelName             string
	InputPriceMicrosPerM  int64
	OutputPriceMicrosPerM int64
	Active                bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func NewModelPricing(modelName string, inputPerM, outputPerM int64, active bool) *ModelPricing {
	now := time.Now()
	return &ModelPricing{
		ID:                    uuid.NewString(),
		ModelName:             modelName,
		InputPriceMicrosPerM:  inputPerM,
		OutputPriceMicrosPerM: outputPerM,
		Active:                active,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// CostMicros prices a call from token counts. Input and output are priced
// separately; rounding is toward zero which undercounts by at most 1 micro.
func (p *ModelPricing) CostMicros(inputTokens, outputTokens int) int64 {
	return int64(inputTokens)*p.InputPriceMicrosPerM/1_000_000 +
		int64(outputTokens)*p.OutputPriceMicrosPerM/1_000_000
}
