package feature

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"quantcore/internal/market"

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
		drift := rng.NormFloat64() * 0.8
		open := price
		close := price + drift
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

func TestBuildProducesFixedWidthRows(t *testing.T) {
	b := NewBuilder(DefaultConfig())
	candles := syntheticCandles(300, 7)

	frame, err := b.Build(candles)
	require.NoError(t, err)
	require.Equal(t, len(Names), len(frame.Names))
	assert.Equal(t, len(candles)-frame.Warmup, frame.Len())
	for i, row := range frame.Rows {
		require.Len(t, row, len(Names), "row %d", i)
		for j, v := range row {
			assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "row %d col %s", i, Names[j])
		}
	}
	// 每行时间与对应 K 线对齐
	for i := range frame.Times {
		assert.Equal(t, candles[frame.Warmup+i].OpenTime, frame.Times[i])
	}
}

func TestBuildNoLookahead(t *testing.T) {
	b := NewBuilder(DefaultConfig())
	candles := syntheticCandles(300, 11)

	full, err := b.Build(candles)
	require.NoError(t, err)
	// 截断尾部后，前缀行必须逐位一致：任何差异都意味着特征用到了未来数据
	trunc, err := b.Build(candles[:250])
	require.NoError(t, err)
	require.True(t, trunc.Len() > 0)
	for i := 0; i < trunc.Len(); i++ {
		for j := range Names {
			assert.InDelta(t, trunc.Rows[i][j], full.Rows[i][j], 1e-12,
				"row %d col %s 受未来数据影响", i, Names[j])
		}
	}
}

func TestBuildRejectsShortHistory(t *testing.T) {
	b := NewBuilder(DefaultConfig())
	_, err := b.Build(syntheticCandles(30, 3))
	require.Error(t, err)
}

func TestBuildRejectsUnsorted(t *testing.T) {
	b := NewBuilder(DefaultConfig())
	candles := syntheticCandles(200, 5)
	candles[50], candles[51] = candles[51], candles[50]
	_, err := b.Build(candles)
	require.Error(t, err)
}
