package label

import (
	"testing"
	"time"

	"quantcore/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hourMs = int64(time.Hour / time.Millisecond)

// flatThen 构造一段平稳历史后接指定走势，保证 ATR 稳定可控。
func flatThen(n int, tail ...market.Candle) []market.Candle {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	out := make([]market.Candle, 0, n+len(tail))
	for i := 0; i < n; i++ {
		out = append(out, market.Candle{
			OpenTime:  start + int64(i)*hourMs,
			CloseTime: start + int64(i+1)*hourMs - 1,
			Open:      100, High: 101, Low: 99, Close: 100,
			Volume: 1000,
		})
	}
	for j, c := range tail {
		c.OpenTime = start + int64(n+j)*hourMs
		c.CloseTime = c.OpenTime + hourMs - 1
		out = append(out, c)
	}
	return out
}

func newLabeler(t *testing.T, side Side, timeBars int) *Labeler {
	t.Helper()
	l, err := New(Config{
		Side:         side,
		TPMultiplier: 2.0,
		SLMultiplier: 1.0,
		TimeBars:     timeBars,
		ATRPeriod:    14,
	})
	require.NoError(t, err)
	return l
}

func TestLongTPBeforeSL(t *testing.T) {
	// ATR≈2，tp=100+4=104，sl=100-2=98
	candles := flatThen(40,
		market.Candle{Open: 100, High: 105, Low: 99.5, Close: 104},
		market.Candle{Open: 104, High: 104, Low: 103, Close: 103.5},
		market.Candle{Open: 103, High: 104, Low: 102, Close: 103},
		market.Candle{Open: 103, High: 104, Low: 102, Close: 103},
		market.Candle{Open: 103, High: 104, Low: 102, Close: 103},
	)
	l := newLabeler(t, SideLong, 5)
	res, err := l.Run(candles)
	require.NoError(t, err)

	idx := 39 - res.Start // 平稳段最后一根，前瞻即冲高
	require.True(t, idx >= 0 && idx < len(res.Labels))
	lb := res.Labels[idx]
	assert.Equal(t, 1, lb.Outcome)
	assert.Equal(t, BarrierTP, lb.Hit)
	assert.Equal(t, 1, lb.BarsToHit)
}

func TestSameCandleTieBreaksPessimistic(t *testing.T) {
	// 同一根同时覆盖 tp(104) 与 sl(98)：必须按 SL 记 0
	candles := flatThen(40,
		market.Candle{Open: 100, High: 106, Low: 97, Close: 100},
		market.Candle{Open: 100, High: 101, Low: 99, Close: 100},
		market.Candle{Open: 100, High: 101, Low: 99, Close: 100},
		market.Candle{Open: 100, High: 101, Low: 99, Close: 100},
		market.Candle{Open: 100, High: 101, Low: 99, Close: 100},
	)
	l := newLabeler(t, SideLong, 5)
	res, err := l.Run(candles)
	require.NoError(t, err)

	lb := res.Labels[39-res.Start]
	assert.Equal(t, 0, lb.Outcome)
	assert.Equal(t, BarrierSL, lb.Hit)
	assert.Equal(t, 1, lb.BarsToHit)
}

func TestTimeStopIsNegative(t *testing.T) {
	// 前瞻期内始终不触碰任何屏障 → TIME，记 0
	candles := flatThen(46)
	l := newLabeler(t, SideLong, 5)
	res, err := l.Run(candles)
	require.NoError(t, err)
	lb := res.Labels[len(res.Labels)-1]
	assert.Equal(t, 0, lb.Outcome)
	assert.Equal(t, BarrierTime, lb.Hit)
	assert.Equal(t, 5, lb.BarsToHit)
}

func TestShortDirectionMirrors(t *testing.T) {
	// short: tp=100-4=96，sl=100+2=102
	candles := flatThen(40,
		market.Candle{Open: 100, High: 100.5, Low: 95, Close: 96},
		market.Candle{Open: 96, High: 97, Low: 95, Close: 96},
		market.Candle{Open: 96, High: 97, Low: 95, Close: 96},
		market.Candle{Open: 96, High: 97, Low: 95, Close: 96},
		market.Candle{Open: 96, High: 97, Low: 95, Close: 96},
	)
	l := newLabeler(t, SideShort, 5)
	res, err := l.Run(candles)
	require.NoError(t, err)
	lb := res.Labels[39-res.Start]
	assert.Equal(t, 1, lb.Outcome)
	assert.Equal(t, BarrierTP, lb.Hit)
}

func TestWarmupRowsProduceNoLabel(t *testing.T) {
	candles := flatThen(46)
	l := newLabeler(t, SideLong, 5)
	res, err := l.Run(candles)
	require.NoError(t, err)
	// talib ATR 前 ATRPeriod 根无值，对应 K 线必须被跳过而不是标 0
	assert.Greater(t, res.Start, 0)
	assert.Equal(t, res.Start, res.Skipped)
}

func TestInsufficientHistoryErrors(t *testing.T) {
	l := newLabeler(t, SideLong, 5)
	_, err := l.Run(flatThen(10))
	require.Error(t, err)
}
