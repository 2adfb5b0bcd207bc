package train

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"quantcore/internal/drift"
	"quantcore/internal/feature"
	"quantcore/internal/label"
	"quantcore/internal/market"
	"quantcore/internal/model"
	"quantcore/internal/registry"
	"quantcore/internal/walkforward"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syntheticCandles(n int, seed int64) []market.Candle {
	rng := rand.New(rand.NewSource(seed))
	out := make([]market.Candle, 0, n)
	price := 100.0
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	step := int64(time.Hour / time.Millisecond)
	for i := 0; i < n; i++ {
		delta := rng.NormFloat64()*0.6 + 0.4*math.Sin(float64(i)/24)
		open := price
		close := price + delta
		high := math.Max(open, close) + rng.Float64()*0.5
		low := math.Min(open, close) - rng.Float64()*0.5
		out = append(out, market.Candle{
			OpenTime:  start + int64(i)*step,
			CloseTime: start + int64(i+1)*step - 1,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    1000 + rng.Float64()*500,
			Trades:    int64(100 + rng.Intn(50)),
		})
		price = close
	}
	return out
}

func testLabeler(t *testing.T) *label.Labeler {
	t.Helper()
	l, err := label.New(label.Config{
		Side:         label.SideLong,
		TPMultiplier: 1.5,
		SLMultiplier: 1.0,
		TimeBars:     12,
		ATRPeriod:    14,
	})
	require.NoError(t, err)
	return l
}

func testRunner(t *testing.T, sink ProgressSink) *Runner {
	t.Helper()
	splitter, err := walkforward.NewSplitter(walkforward.Config{
		MinTrainDays:   30,
		TestPeriodDays: 10,
		PurgeDays:      1,
		EmbargoDays:    1,
	})
	require.NoError(t, err)
	params := model.DefaultParams()
	params.Trees = 30
	params.Depth = 3
	r, err := NewRunner(splitter, params, 2, sink)
	require.NoError(t, err)
	return r
}

func TestBuildDatasetAlignsFeaturesAndLabels(t *testing.T) {
	candles := syntheticCandles(400, 11)
	builder := feature.NewBuilder(feature.DefaultConfig())
	labeler := testLabeler(t)

	ds, err := BuildDataset(candles, builder, labeler)
	require.NoError(t, err)

	assert.Equal(t, len(ds.X), len(ds.Y))
	assert.Equal(t, len(candles), len(ds.Times))
	assert.GreaterOrEqual(t, ds.Offset, feature.DefaultConfig().Warmup())
	// 末尾前瞻不足的 K 线没有标签
	assert.LessOrEqual(t, ds.Offset+ds.Len(), len(candles))
	for _, y := range ds.Y {
		assert.Contains(t, []int{0, 1}, y)
	}
}

func TestRunAggregatesAcrossFolds(t *testing.T) {
	candles := syntheticCandles(2400, 5) // 100 天 1h
	builder := feature.NewBuilder(feature.DefaultConfig())
	labeler := testLabeler(t)
	ds, err := BuildDataset(candles, builder, labeler)
	require.NoError(t, err)

	var mu sync.Mutex
	var events []Progress
	runner := testRunner(t, func(p Progress) {
		mu.Lock()
		events = append(events, p)
		mu.Unlock()
	})

	tf, err := market.ParseTimeframe("1h")
	require.NoError(t, err)
	report, err := runner.Run(context.Background(), "BTCUSDT", tf, ds, labeler.Horizon())
	require.NoError(t, err)

	assert.Greater(t, len(report.Folds), 1)
	assert.Equal(t, len(report.Folds), report.Summary.Folds+report.Summary.FailedFolds)
	require.NotNil(t, report.Artifact)
	assert.Equal(t, "BTCUSDT", report.Artifact.Symbol)
	assert.Len(t, report.Artifact.FeatureNames, len(feature.Names))

	// 每折一条进度事件，折号在 [1, total] 内
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, events, len(report.Folds))
	for _, e := range events {
		assert.Equal(t, len(report.Folds), e.TotalFolds)
		assert.GreaterOrEqual(t, e.CurrentFold, 1)
		assert.LessOrEqual(t, e.CurrentFold, e.TotalFolds)
	}
}

func TestRunCancelsAtFoldBoundary(t *testing.T) {
	candles := syntheticCandles(2400, 5)
	builder := feature.NewBuilder(feature.DefaultConfig())
	labeler := testLabeler(t)
	ds, err := BuildDataset(candles, builder, labeler)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := testRunner(t, nil)
	tf, err := market.ParseTimeframe("1h")
	require.NoError(t, err)
	_, err = runner.Run(ctx, "BTCUSDT", tf, ds, labeler.Horizon())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunInsufficientHistory(t *testing.T) {
	candles := syntheticCandles(400, 5) // 不足 min_train_days
	builder := feature.NewBuilder(feature.DefaultConfig())
	labeler := testLabeler(t)
	ds, err := BuildDataset(candles, builder, labeler)
	require.NoError(t, err)

	runner := testRunner(t, nil)
	tf, err := market.ParseTimeframe("1h")
	require.NoError(t, err)
	_, err = runner.Run(context.Background(), "BTCUSDT", tf, ds, labeler.Horizon())
	assert.ErrorIs(t, err, walkforward.ErrInsufficientData)
}

func TestServiceRegistersVersion(t *testing.T) {
	candles := syntheticCandles(2400, 9)
	builder := feature.NewBuilder(feature.DefaultConfig())
	labeler := testLabeler(t)
	runner := testRunner(t, nil)

	dir := t.TempDir()
	artifacts, err := model.NewFileArtifactStore(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)
	reg, err := registry.New(filepath.Join(dir, "registry.db"))
	require.NoError(t, err)

	svc, err := NewService(builder, labeler, runner, artifacts, reg)
	require.NoError(t, err)

	tf, err := market.ParseTimeframe("1h")
	require.NoError(t, err)
	out, err := svc.Train(context.Background(), "BTCUSDT", tf, candles)
	require.NoError(t, err)

	assert.Equal(t, 1, out.Version.Version)
	assert.Equal(t, "BTCUSDT", out.Version.Symbol)

	// 注册的制品可以按引用加载回来
	loaded, err := artifacts.Load(context.Background(), out.Version.ModelID)
	require.NoError(t, err)
	assert.Equal(t, out.Report.Artifact.Threshold, loaded.Threshold)
}

// 训练闭环完成后应把训练分布的参照挂载到漂移监控。
func TestServiceAttachesDriftReference(t *testing.T) {
	candles := syntheticCandles(2400, 9)
	builder := feature.NewBuilder(feature.DefaultConfig())
	labeler := testLabeler(t)
	runner := testRunner(t, nil)

	svc, err := NewService(builder, labeler, runner, nil, nil)
	require.NoError(t, err)
	sup := drift.NewSupervisor(time.Minute)
	svc.EnableDrift(sup, drift.DefaultConfig())
	require.Nil(t, sup.Monitor())

	tf, err := market.ParseTimeframe("1h")
	require.NoError(t, err)
	out, err := svc.Train(context.Background(), "BTCUSDT", tf, candles)
	require.NoError(t, err)
	require.NotNil(t, out.Report.Artifact)

	mon := sup.Monitor()
	require.NotNil(t, mon)
	// 参照宽度与训练特征集一致，同宽的在线样本可被接收
	assert.NoError(t, mon.Observe(make([]float64, len(feature.Names)), 0.5))
}
