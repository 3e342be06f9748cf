package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		genTokensIn,
		genTokensOut,
		genCostMicros,
		genLatencyMs,
		guardDenialsTotal,
		fallbacksTotal,
	)
}

var (
	genTokensIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_tokens_in",
			Help: "Sum of prompt (input) tokens per model/step.",
		},
		[]string{"model", "step"},
	)

	genTokensOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_tokens_out",
			Help: "Sum of completion (output) tokens per model/step.",
		},
		[]string{"model", "step"},
	)

	genCostMicros = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_cost_micros",
			Help: "Total micro-USD spent per model/step.",
		},
		[]string{"model", "step"},
	)

	genLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "generation_latency_ms",
			Help:    "Generation call latency distribution in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		},
		[]string{"model", "step", "success"},
	)

	guardDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guard_denials_total",
			Help: "Admissions denied by the rate/budget guard, by kind.",
		},
		[]string{"kind"},
	)

	fallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "step_fallbacks_total",
			Help: "Step results substituted by the deterministic fallback.",
		},
		[]string{"step"},
	)
)

func ObserveGeneration(model, step string, tokensIn, tokensOut int, costMicros int64, latencyMs int, success bool) {
	lbl := []string{norm(model), norm(step)}
	genTokensIn.WithLabelValues(lbl...).Add(float64(tokensIn))
	genTokensOut.WithLabelValues(lbl...).Add(float64(tokensOut))
	genCostMicros.WithLabelValues(lbl...).Add(float64(costMicros))
	genLatencyMs.WithLabelValues(norm(model), norm(step), strconv.FormatBool(success)).
		Observe(float64(latencyMs))
}

func IncGuardDenial(kind string) {
	guardDenialsTotal.WithLabelValues(norm(kind)).Inc()
}

func IncFallback(step string) {
	fallbacksTotal.WithLabelValues(norm(step)).Inc()
}
