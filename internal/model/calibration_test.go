package model

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fitOnNoisyScores(t *testing.T, seed int64) *Calibrator {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	n := 500
	probs := make([]float64, n)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		p := rng.Float64()
		probs[i] = p
		if rng.Float64() < p {
			labels[i] = 1
		}
	}
	cal, err := FitCalibrator(probs, labels)
	require.NoError(t, err)
	return cal
}

func TestCalibrationPreservesRanking(t *testing.T) {
	cal := fitOnNoisyScores(t, 1)
	// 对任意 p1 < p2，校准后的大小关系不得颠倒
	raw := make([]float64, 0, 200)
	for i := 0; i < 200; i++ {
		raw = append(raw, 0.002+float64(i)*0.00498)
	}
	sort.Float64s(raw)
	prev := cal.Calibrate(raw[0])
	for _, p := range raw[1:] {
		cur := cal.Calibrate(p)
		assert.LessOrEqual(t, prev, cur, "校准映射颠倒了排序 @%f", p)
		prev = cur
	}
}

func TestConfidenceRangeAndSide(t *testing.T) {
	cal := fitOnNoisyScores(t, 2)
	for _, raw := range []float64{0.01, 0.2, 0.45, 0.5, 0.55, 0.8, 0.99} {
		pred := cal.Resolve(raw)
		assert.GreaterOrEqual(t, pred.Confidence, 0.5)
		assert.LessOrEqual(t, pred.Confidence, 1.0)
		if pred.Prob >= 0.5 {
			assert.Equal(t, "long", pred.Side)
			assert.InDelta(t, pred.Prob, pred.Confidence, 1e-12)
		} else {
			assert.Equal(t, "short", pred.Side)
			assert.InDelta(t, 1-pred.Prob, pred.Confidence, 1e-12)
		}
	}
}

func TestCalibratorSingleClassFallsBackToIdentity(t *testing.T) {
	cal, err := FitCalibrator([]float64{0.6, 0.7, 0.8}, []int{1, 1, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.6, cal.Calibrate(0.6), 1e-9)
}

func TestSearchF1Threshold(t *testing.T) {
	// 明确可分的得分：0.5 不是最优阈值，0.7 附近才是
	probs := []float64{0.55, 0.58, 0.60, 0.62, 0.65, 0.72, 0.75, 0.80, 0.85, 0.90}
	labels := []int{0, 0, 0, 0, 0, 1, 1, 1, 1, 1}
	thr, f1 := SearchF1Threshold(probs, labels)
	assert.Greater(t, thr, 0.65)
	assert.InDelta(t, 1.0, f1, 1e-9)
}

func TestEvaluateAndAUC(t *testing.T) {
	probs := []float64{0.9, 0.8, 0.7, 0.3, 0.2, 0.1}
	labels := []int{1, 1, 1, 0, 0, 0}
	m := Evaluate(probs, labels, 0.5)
	assert.InDelta(t, 1.0, m.Accuracy, 1e-9)
	assert.InDelta(t, 1.0, m.ROCAUC, 1e-9)

	// 完全随机排序的 AUC 约 0.5（并列得分取平均秩）
	flat := Evaluate([]float64{0.5, 0.5, 0.5, 0.5}, []int{1, 0, 1, 0}, 0.5)
	assert.InDelta(t, 0.5, flat.ROCAUC, 1e-9)
}

func TestAggregateToleratesFailedFolds(t *testing.T) {
	folds := []Metrics{
		{Accuracy: 0.6, F1: 0.5, ROCAUC: 0.62},
		{Accuracy: 0.7, F1: 0.6, ROCAUC: 0.66},
	}
	s := Aggregate(folds, 1)
	assert.Equal(t, 2, s.Folds)
	assert.Equal(t, 1, s.FailedFolds)
	assert.InDelta(t, 0.65, s.AccuracyMean, 1e-9)
	assert.InDelta(t, 0.05, s.AccuracyStd, 1e-9)

	empty := Aggregate(nil, 3)
	assert.Equal(t, 0, empty.Folds)
	assert.Equal(t, 3, empty.FailedFolds)
}
