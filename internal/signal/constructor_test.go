package signal

import (
	"testing"
	"time"

	"quantcore/internal/policy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProfile() RiskProfile {
	return RiskProfile{
		RiskPerTradePct: 2,
		MaxLeverage:     5,
		MaxPositions:    3,
		PricePrecision:  2,
	}
}

func newTestConstructor(t *testing.T) *Constructor {
	t.Helper()
	c, err := NewConstructor(policy.NewDefaultRegistry(), DefaultCostModel(), testProfile())
	require.NoError(t, err)
	return c
}

// normalWindow 构造一个让 current 落在 30~70 分位之间的 ATR 窗口。
func normalWindow(current float64) []float64 {
	window := make([]float64, 40)
	for i := range window {
		// 一半低于 current，一半高于
		if i < 20 {
			window[i] = current * 0.8
		} else {
			window[i] = current * 1.2
		}
	}
	return window
}

func btcInput() Input {
	return Input{
		Symbol:     "BTCUSDT",
		Price:      62450.00,
		ATR:        850.00,
		ATRWindow:  normalWindow(850.00),
		Confidence: 0.73,
		Side:       "long",
		Equity:     10000,
		At:         time.UnixMilli(1700000000000),
	}
}

func TestBuildDocumentedScenario(t *testing.T) {
	c := newTestConstructor(t)

	sig, err := c.Build(btcInput())
	require.NoError(t, err)

	assert.Equal(t, RegimeNormal, sig.Regime)
	assert.Equal(t, "high", sig.Tier)
	assert.Equal(t, "64575", sig.TPLevels[0].Price.String())
	assert.Equal(t, "66275", sig.TPLevels[1].Price.String())
	assert.Equal(t, "68400", sig.TPLevels[2].Price.String())
	assert.Equal(t, "61600", sig.SLPrice.String())

	// 加权毛利 ≈ 6.33%，总成本 ≈ 0.28%，净利 ≈ 6.05%
	assert.InDelta(t, 6.33, sig.GrossProfitPct, 0.01)
	assert.InDelta(t, 0.28, sig.Cost.TotalPct(), 0.005)
	assert.InDelta(t, 6.05, sig.ExpectedNetProfitPct, 0.01)
	assert.GreaterOrEqual(t, sig.ExpectedNetProfitPct, 2.0)
}

func TestBuildAllocationSumsTo100(t *testing.T) {
	c := newTestConstructor(t)
	for _, conf := range []float64{0.62, 0.73, 0.88} {
		in := btcInput()
		in.Confidence = conf
		sig, err := c.Build(in)
		require.NoError(t, err)
		var total float64
		for _, lvl := range sig.TPLevels {
			total += lvl.AllocationPct
		}
		assert.Equal(t, 100.0, total)
	}
}

func TestBuildIdempotent(t *testing.T) {
	c := newTestConstructor(t)
	a, err := c.Build(btcInput())
	require.NoError(t, err)
	b, err := c.Build(btcInput())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestBuildLeverageBounds(t *testing.T) {
	c := newTestConstructor(t)

	for _, conf := range []float64{0.60, 0.73, 0.95} {
		in := btcInput()
		in.Confidence = conf
		sig, err := c.Build(in)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, sig.Leverage, 1.0, "conf=%v", conf)
		assert.LessOrEqual(t, sig.Leverage, testProfile().MaxLeverage, "conf=%v", conf)
	}

	// 压低账户杠杆上限后仍然被钳住
	tight := testProfile()
	tight.MaxLeverage = 1.5
	ct, err := NewConstructor(policy.NewDefaultRegistry(), DefaultCostModel(), tight)
	require.NoError(t, err)
	in := btcInput()
	in.Confidence = 0.95
	sig, err := ct.Build(in)
	require.NoError(t, err)
	assert.LessOrEqual(t, sig.Leverage, 1.5)
}

func TestBuildShortMirrorsLevels(t *testing.T) {
	c := newTestConstructor(t)
	in := btcInput()
	in.Side = "short"
	sig, err := c.Build(in)
	require.NoError(t, err)

	assert.Equal(t, "60325", sig.TPLevels[0].Price.String()) // 62450 - 2.5*850
	assert.Equal(t, "58625", sig.TPLevels[1].Price.String())
	assert.Equal(t, "56500", sig.TPLevels[2].Price.String())
	assert.Equal(t, "63300", sig.SLPrice.String())
	// 毛利/净利与 long 对称
	assert.InDelta(t, 6.33, sig.GrossProfitPct, 0.01)
}

func TestBuildRejectsBadInputs(t *testing.T) {
	c := newTestConstructor(t)

	in := btcInput()
	in.ATR = 0
	_, err := c.Build(in)
	assert.Error(t, err)

	in = btcInput()
	in.Confidence = 0.3
	_, err = c.Build(in)
	assert.Error(t, err)

	in = btcInput()
	in.Side = "hold"
	_, err = c.Build(in)
	assert.Error(t, err)
}

// 窗口不足以估分位时按 normal 档位继续构造，而不是拒绝信号。
func TestBuildShortATRWindowFallsBackToNormal(t *testing.T) {
	c := newTestConstructor(t)

	in := btcInput()
	in.ATRWindow = in.ATRWindow[:5]
	sig, err := c.Build(in)
	require.NoError(t, err)
	assert.Equal(t, RegimeNormal, sig.Regime)
}

func TestClassifyRegime(t *testing.T) {
	window := make([]float64, 100)
	for i := range window {
		window[i] = float64(i + 1) // 1..100
	}

	r, err := ClassifyRegime(window, 10)
	require.NoError(t, err)
	assert.Equal(t, RegimeLow, r)

	r, err = ClassifyRegime(window, 50)
	require.NoError(t, err)
	assert.Equal(t, RegimeNormal, r)

	r, err = ClassifyRegime(window, 95)
	require.NoError(t, err)
	assert.Equal(t, RegimeHigh, r)

	// 窗口过短无法估计分位，回落到 normal
	r, err = ClassifyRegime(window[:5], 3)
	require.NoError(t, err)
	assert.Equal(t, RegimeNormal, r)

	_, err = ClassifyRegime(window, 0)
	assert.Error(t, err)
}
