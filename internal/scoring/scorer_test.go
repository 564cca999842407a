package scoring

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/fraudrun/internal/domain"
	"github.com/sawpanic/fraudrun/internal/features"
)

func loadTestWeights(t *testing.T) Weights {
	t.Helper()
	w, err := LoadWeights("")
	require.NoError(t, err)
	return w
}

// vec builds a feature vector from sparse assignments.
func vec(assign map[int]float64) features.Vector {
	var v features.Vector
	for i, x := range assign {
		v[i] = x
	}
	return v
}

func TestHybridVeryHighAmount(t *testing.T) {
	s := New(ModelRuleHybrid, loadTestWeights(t))

	// $800 against a $100 average: the absolute magnitude rule wins even
	// though the amount also dwarfs the user's history.
	score := s.Evaluate(vec(map[int]float64{
		features.IdxAmount:        800,
		features.IdxUserAvgAmount: 100,
		features.IdxAmountVsAvg:   8.0,
	}))

	assert.Equal(t, 0.85, score.Probability)
	assert.Equal(t, TraceVeryHighAmount, score.Trace)
	assert.Equal(t, domain.BandCritical, domain.BandFor(score.Probability))
}

func TestHybridVelocityAttack(t *testing.T) {
	s := New(ModelRuleHybrid, loadTestWeights(t))

	// Seven transactions inside the hour, amounts too small for the value
	// rules.
	score := s.Evaluate(vec(map[int]float64{
		features.IdxAmount:        60,
		features.IdxUserAvgAmount: 50,
		features.IdxAmountVsAvg:   1.2,
		features.IdxTxnsLastHour:  7,
	}))

	assert.Equal(t, 0.75, score.Probability)
	assert.Equal(t, TraceVelocityAttack, score.Trace)
	assert.Equal(t, domain.BandHigh, domain.BandFor(score.Probability))
}

func TestHybridHighValueLowHistory(t *testing.T) {
	s := New(ModelRuleHybrid, loadTestWeights(t))

	// $500 against a $200 average with two recent transactions:
	// base 0.50 + velocity 0.20.
	score := s.Evaluate(vec(map[int]float64{
		features.IdxAmount:        500,
		features.IdxUserAvgAmount: 200,
		features.IdxAmountVsAvg:   2.5,
		features.IdxTxnsLastHour:  2,
	}))

	assert.InDelta(t, 0.70, score.Probability, 1e-9)
	assert.Equal(t, TraceHighValueLowHistory, score.Trace)
	assert.Equal(t, domain.BandHigh, domain.BandFor(score.Probability))
}

func TestHybridHighValueClampedToOne(t *testing.T) {
	s := New(ModelRuleHybrid, loadTestWeights(t))

	score := s.Evaluate(vec(map[int]float64{
		features.IdxAmount:        699,
		features.IdxUserAvgAmount: 100,
		features.IdxTxnsLastHour:  4,
	}))

	assert.Equal(t, TraceHighValueLowHistory, score.Trace)
	// base min(0.699, 0.8) + velocity min(0.4, 0.3).
	assert.InDelta(t, 0.999, score.Probability, 1e-9)
	assert.LessOrEqual(t, score.Probability, 1.0)
}

func TestHybridNormalTransactionFallsThroughToLogistic(t *testing.T) {
	s := New(ModelRuleHybrid, loadTestWeights(t))

	// A routine purchase close to the user's baseline must not be flagged.
	score := s.Evaluate(normalVector())

	assert.Equal(t, TraceLogistic, score.Trace)
	assert.Less(t, score.Probability, 0.30)
	assert.Equal(t, domain.BandLow, domain.BandFor(score.Probability))
}

// normalVector models a well-established user making a typical purchase.
func normalVector() features.Vector {
	return vec(map[int]float64{
		features.IdxAmount:            95,
		features.IdxHourOfDay:         14,
		features.IdxDayOfWeek:         2,
		features.IdxTransactionType:   1,
		features.IdxUserAvgAmount:     100,
		features.IdxUserStdAmount:     20,
		features.IdxUserMaxAmount:     150,
		features.IdxUserMinAmount:     50,
		features.IdxAmountVsAvg:       0.95,
		features.IdxTxnsLastHour:      1,
		features.IdxTxnsLastDay:       5,
		features.IdxTimeSinceLastTxn:  2.0,
		features.IdxMerchantAvgAmount: 90,
		features.IdxMerchantStdAmount: 15,
		features.IdxIPTxnCount:        3,
		features.IdxIPUniqueUsers:     1,
		features.IdxIPUserRatio:       0.25,
	})
}

func TestLogisticMatchesClosedForm(t *testing.T) {
	w := loadTestWeights(t)
	s := New(ModelLogistic, w)
	v := normalVector()

	z := w.Intercept
	for i := 0; i < features.Count; i++ {
		z += w.Coef[i] * v[i]
	}
	want := 1.0 / (1.0 + math.Exp(-z))

	score := s.Evaluate(v)
	assert.Equal(t, TraceLogistic, score.Trace)
	assert.InDelta(t, want, score.Probability, 1e-12)
}

func TestLogisticMidHighAmountBoost(t *testing.T) {
	s := New(ModelLogistic, loadTestWeights(t))

	v := normalVector()
	base := s.Evaluate(v).Probability

	v[features.IdxAmount] = 600
	boosted := s.Evaluate(v)

	assert.Equal(t, TraceLogistic, boosted.Trace)
	// The raw model output plus the flat 0.30 boost.
	assert.InDelta(t, boosted.Signals["ml_prob"]+0.30, boosted.Probability, 1e-12)
	assert.Greater(t, boosted.Probability, base)
	assert.LessOrEqual(t, boosted.Probability, 1.0)
}

func TestHeuristicFallback(t *testing.T) {
	s := New(ModelFallbackHeuristic, Weights{})

	tests := []struct {
		name string
		v    features.Vector
		want float64
	}{
		{"benign", vec(map[int]float64{features.IdxAmount: 50, features.IdxAmountVsAvg: 1}), 0.0},
		{"mid amount", vec(map[int]float64{features.IdxAmount: 450}), 0.4},
		{"high amount", vec(map[int]float64{features.IdxAmount: 800}), 0.7},
		{"everything", vec(map[int]float64{
			features.IdxAmount:       800,
			features.IdxAmountVsAvg:  5,
			features.IdxTxnsLastHour: 6,
		}), 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := s.Evaluate(tt.v)
			assert.Equal(t, TraceHeuristic, score.Trace)
			assert.InDelta(t, tt.want, score.Probability, 1e-9)
		})
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	s := New(ModelRuleHybrid, loadTestWeights(t))
	v := normalVector()
	first := s.Evaluate(v)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, s.Evaluate(v))
	}
}

func TestImportanceNormalized(t *testing.T) {
	s := New(ModelRuleHybrid, loadTestWeights(t))
	imp := s.Importance(normalVector())

	require.Len(t, imp, features.Count)
	sum := 0.0
	for _, v := range imp {
		assert.GreaterOrEqual(t, v, 0.0)
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestImportanceHeuristic(t *testing.T) {
	s := New(ModelFallbackHeuristic, Weights{})
	imp := s.Importance(vec(map[int]float64{
		features.IdxAmount:       500,
		features.IdxAmountVsAvg:  4,
		features.IdxTxnsLastHour: 2,
	}))

	assert.Len(t, imp, 3)
	assert.InDelta(t, 0.5, imp["amount"], 1e-9)
	assert.InDelta(t, 0.4, imp["amount_vs_avg"], 1e-9)
	assert.InDelta(t, 0.2, imp["txns_last_hour"], 1e-9)
}

func TestLoadWeightsEmbedded(t *testing.T) {
	w, err := LoadWeights("")
	require.NoError(t, err)
	assert.InDelta(t, -3.6, w.Intercept, 1e-9)
	assert.InDelta(t, 0.32, w.Coef[features.IdxTxnsLastHour], 1e-9)
	assert.InDelta(t, 0.004, w.Coef[features.IdxAmount], 1e-9)
}

func TestLoadWeightsFromDisk(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "weights.yaml"), embeddedWeights, 0o644))

	w, err := LoadWeights(dir)
	require.NoError(t, err)
	assert.InDelta(t, -3.6, w.Intercept, 1e-9)
}

func TestLoadWeightsMissingFile(t *testing.T) {
	_, err := LoadWeights(t.TempDir())
	assert.Error(t, err)
}

func TestParseWeightsMissingCoefficient(t *testing.T) {
	_, err := parseWeights([]byte("model: x\nintercept: 0\ncoefficients:\n  amount: 0.1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing coefficient")
}

func TestParseWeightsMalformed(t *testing.T) {
	_, err := parseWeights([]byte("{not yaml"))
	assert.Error(t, err)
}
