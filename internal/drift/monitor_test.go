package drift

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func refRows(rng *rand.Rand, n int) [][]float64 {
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = []float64{rng.NormFloat64(), rng.Float64() * 100}
	}
	return rows
}

func testReference(t *testing.T) *Reference {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	rows := refRows(rng, 2000)
	preds := make([]float64, 2000)
	for i := range preds {
		preds[i] = 0.3 + rng.Float64()*0.4
	}
	ref, err := BuildReference([]string{"mom", "vol"}, rows, preds, 0.62)
	require.NoError(t, err)
	return ref
}

func TestMonitorStableDistribution(t *testing.T) {
	ref := testReference(t)
	mon, err := NewMonitor(ref, DefaultConfig())
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(99))
	for i := 0; i < 300; i++ {
		require.NoError(t, mon.Observe([]float64{rng.NormFloat64(), rng.Float64() * 100}, 0.3+rng.Float64()*0.4))
	}
	report := mon.Evaluate()
	assert.False(t, report.Degraded, "同分布不应判定漂移: %v", report.Reasons)
	assert.Less(t, report.FeaturePSI["mom"], 0.25)
	assert.Less(t, report.FeatureKS["vol"], 0.15)
}

func TestMonitorShiftedDistribution(t *testing.T) {
	ref := testReference(t)
	mon, err := NewMonitor(ref, DefaultConfig())
	require.NoError(t, err)

	var mu sync.Mutex
	var events []Report
	mon.Subscribe(func(r Report) {
		mu.Lock()
		events = append(events, r)
		mu.Unlock()
	})

	// 均值整体平移 3 个标准差
	rng := rand.New(rand.NewSource(99))
	for i := 0; i < 300; i++ {
		require.NoError(t, mon.Observe([]float64{rng.NormFloat64() + 3, rng.Float64() * 100}, 0.3+rng.Float64()*0.4))
	}
	report := mon.Evaluate()
	assert.True(t, report.Degraded)
	assert.Greater(t, report.FeaturePSI["mom"], 0.25)
	assert.NotEmpty(t, report.Reasons)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMonitorAccuracyDegradation(t *testing.T) {
	ref := testReference(t)
	mon, err := NewMonitor(ref, DefaultConfig())
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(99))
	for i := 0; i < 300; i++ {
		require.NoError(t, mon.Observe([]float64{rng.NormFloat64(), rng.Float64() * 100}, 0.3+rng.Float64()*0.4))
		// 命中率 40%，相对基准 0.62 退化约 35%
		mon.RecordOutcome(i%5 < 2)
	}
	report := mon.Evaluate()
	assert.True(t, report.Degraded)
	assert.InDelta(t, 0.4, report.RollingAccuracy, 0.01)
}

func TestMonitorInsufficientSamples(t *testing.T) {
	ref := testReference(t)
	mon, err := NewMonitor(ref, DefaultConfig())
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10; i++ {
		require.NoError(t, mon.Observe([]float64{rng.NormFloat64() + 10, 0}, 0.9))
	}
	report := mon.Evaluate()
	assert.False(t, report.Degraded)
	assert.Equal(t, 10, report.Samples)
}

func TestMonitorRejectsBadInput(t *testing.T) {
	ref := testReference(t)
	mon, err := NewMonitor(ref, DefaultConfig())
	require.NoError(t, err)
	assert.Error(t, mon.Observe([]float64{1}, 0.5))

	_, err = NewMonitor(nil, DefaultConfig())
	assert.Error(t, err)

	bad := DefaultConfig()
	bad.PSIThreshold = 0
	_, err = NewMonitor(ref, bad)
	assert.Error(t, err)
}

func TestPSIAndKS(t *testing.T) {
	same := []float64{0.1, 0.2, 0.3, 0.4}
	assert.InDelta(t, 0.0, PSI(same, same), 1e-9)

	a := []float64{1, 2, 3, 4, 5}
	b := []float64{10, 11, 12, 13, 14}
	assert.InDelta(t, 1.0, KS(a, b), 1e-9)
	assert.InDelta(t, 0.0, KS(a, a), 1e-9)
}

func TestKSTiedValues(t *testing.T) {
	// 离散取值大量平票：同分布应为 0
	ref := []float64{0, 0, 0, 1, 1, 2, 2, 2}
	assert.InDelta(t, 0.0, KS(ref, ref), 1e-9)

	// ref 在 {0,1} 上均匀，live 全部为 1：F_ref(0)=0.5，F_live(0)=0
	live := []float64{1, 1, 1, 1}
	assert.InDelta(t, 0.5, KS([]float64{0, 0, 1, 1}, live), 1e-9)

	// 不等长且有跨样本平票
	assert.InDelta(t, 0.25, KS([]float64{1, 2, 3, 4}, []float64{2, 3}), 1e-9)
}
