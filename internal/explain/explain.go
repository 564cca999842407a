// Package explain produces structured narrative explanations for high-risk
// decisions. Two modes exist: template (always available, no network) and
// remote (external text-generation endpoint with template fallback).
package explain

import (
	"context"
	"sort"

	"github.com/sawpanic/fraudrun/internal/domain"
)

// Request bundles everything an explainer needs for one decision.
type Request struct {
	TransactionID string
	Probability   float64
	RiskLevel     domain.RiskBand
	Features      map[string]float64
	Importance    map[string]float64
}

// Explainer generates an explanation for a scored transaction. Template
// implementations never fail; remote implementations fall back internally,
// so callers treat the returned explanation as best effort and the error as
// advisory.
type Explainer interface {
	Explain(ctx context.Context, req Request) (domain.Explanation, error)
}

// factor is one (name, importance) pair.
type factor struct {
	name  string
	value float64
}

// topFactors ranks importance descending, breaking ties by name so that the
// output is deterministic, and returns at most n factors.
func topFactors(importance map[string]float64, n int) []factor {
	out := make([]factor, 0, len(importance))
	for name, v := range importance {
		out = append(out, factor{name: name, value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].value != out[j].value {
			return out[i].value > out[j].value
		}
		return out[i].name < out[j].name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
