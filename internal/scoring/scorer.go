// Package scoring implements the hybrid rule + logistic-regression fraud
// model. Rules are evaluated first-match-wins; the logistic model handles the
// regimes the rules do not claim.
package scoring

import (
	"math"

	"github.com/sawpanic/fraudrun/internal/features"
)

// Model identifies the scoring variant in use.
type Model string

const (
	// ModelRuleHybrid is the production model: decision rules backed by the
	// pretrained logistic regression.
	ModelRuleHybrid Model = "pretrained_lr"
	// ModelLogistic skips the rule stage entirely.
	ModelLogistic Model = "logistic"
	// ModelFallbackHeuristic is the last-resort additive heuristic used when
	// no weights are available.
	ModelFallbackHeuristic Model = "fallback_heuristic"
)

// Rule traces name which branch of the scorer produced the probability.
const (
	TraceHighValueLowHistory = "rule_high_value_low_history"
	TraceVeryHighAmount      = "rule_very_high_amount"
	TraceVelocityAttack      = "rule_velocity_attack"
	TraceLogistic            = "logistic"
	TraceHeuristic           = "heuristic"
)

// Score is the output of a single evaluation: a calibrated probability, the
// trace naming the branch that fired, and the numeric signals behind it.
type Score struct {
	Probability float64
	Trace       string
	Signals     map[string]float64
}

// Scorer evaluates feature vectors. It is deterministic: the same vector
// always yields the same probability and trace.
type Scorer struct {
	model   Model
	weights Weights
}

// New builds a scorer for the given model variant. ModelRuleHybrid and
// ModelLogistic require weights; ModelFallbackHeuristic ignores them.
func New(model Model, w Weights) *Scorer {
	return &Scorer{model: model, weights: w}
}

// Model reports the variant this scorer runs.
func (s *Scorer) Model() Model { return s.model }

// Evaluate scores a feature vector. It never fails: internal trouble falls
// back to the additive heuristic rather than surfacing an error.
func (s *Scorer) Evaluate(v features.Vector) Score {
	switch s.model {
	case ModelFallbackHeuristic:
		return heuristic(v)
	case ModelLogistic:
		return s.logistic(v)
	default:
		return s.hybrid(v)
	}
}

// hybrid runs the decision rules in priority order; the first match wins.
// The rules exist to override model underconfidence in regimes where it is
// empirically weak: sparse-history high value, absolute magnitude, velocity.
func (s *Scorer) hybrid(v features.Vector) Score {
	amount := v[features.IdxAmount]
	userAvg := v[features.IdxUserAvgAmount]
	lastHour := v[features.IdxTxnsLastHour]

	// Absolute magnitude cliff. Evaluated ahead of the high-value rule so
	// that amounts past $700 always carry the calibrated 0.85, regardless of
	// how the user's history compares.
	if amount > 700 {
		return Score{
			Probability: 0.85,
			Trace:       TraceVeryHighAmount,
			Signals:     map[string]float64{"amount": amount},
		}
	}

	// High value against a thin or comparable history.
	if userAvg > 0 && amount > 0.9*userAvg && amount > 400 {
		baseRisk := math.Min(amount/1000, 0.8)
		velocityRisk := math.Min(0.1*lastHour, 0.3)
		p := math.Min(baseRisk+velocityRisk, 1.0)
		return Score{
			Probability: p,
			Trace:       TraceHighValueLowHistory,
			Signals: map[string]float64{
				"amount":        amount,
				"base_risk":     baseRisk,
				"velocity_risk": velocityRisk,
			},
		}
	}

	// Velocity attack.
	if lastHour >= 5 {
		return Score{
			Probability: 0.75,
			Trace:       TraceVelocityAttack,
			Signals:     map[string]float64{"velocity": lastHour},
		}
	}

	return s.logistic(v)
}

// logistic computes sigma(w.x + b), boosted by 0.30 above $500 to guard
// against underscoring in the mid-high amount range.
func (s *Scorer) logistic(v features.Vector) Score {
	z := s.weights.Intercept
	for i := 0; i < features.Count; i++ {
		z += s.weights.Coef[i] * v[i]
	}
	p := sigmoid(z)
	mlProb := p
	if v[features.IdxAmount] > 500 {
		p = math.Min(p+0.30, 1.0)
	}
	return Score{
		Probability: p,
		Trace:       TraceLogistic,
		Signals: map[string]float64{
			"ml_prob":       mlProb,
			"amount":        v[features.IdxAmount],
			"amount_vs_avg": v[features.IdxAmountVsAvg],
		},
	}
}

// heuristic is the weight-free additive fallback.
func heuristic(v features.Vector) Score {
	amount := v[features.IdxAmount]
	ratio := v[features.IdxAmountVsAvg]
	velocity := v[features.IdxTxnsLastHour]

	risk := 0.0
	if amount > 400 {
		risk += 0.4
	}
	if amount > 700 {
		risk += 0.3
	}
	if ratio > 3 {
		risk += 0.2
	}
	if velocity > 3 {
		risk += 0.1
	}
	return Score{
		Probability: math.Min(risk, 1.0),
		Trace:       TraceHeuristic,
		Signals: map[string]float64{
			"amount":        amount,
			"amount_vs_avg": ratio,
			"velocity":      velocity,
		},
	}
}

// Importance returns per-feature attribution |w_i * x_i| normalized to sum
// to one, used by the explainer to rank risk factors. The heuristic variant
// attributes to its three inputs only.
func (s *Scorer) Importance(v features.Vector) map[string]float64 {
	names := features.Names()
	out := make(map[string]float64, features.Count)

	if s.model == ModelFallbackHeuristic {
		out["amount"] = v[features.IdxAmount] / 1000.0
		out["amount_vs_avg"] = v[features.IdxAmountVsAvg] / 10.0
		out["txns_last_hour"] = v[features.IdxTxnsLastHour] / 10.0
		return out
	}

	total := 0.0
	raw := make([]float64, features.Count)
	for i := 0; i < features.Count; i++ {
		raw[i] = math.Abs(s.weights.Coef[i] * v[i])
		total += raw[i]
	}
	for i, name := range names {
		if total > 0 {
			out[name] = raw[i] / total
		} else {
			out[name] = 0
		}
	}
	return out
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}
