package signal

import (
	"testing"

	"quantcore/internal/policy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubPositions 固定持仓快照。
type stubPositions struct {
	symbols      []string
	correlations map[string]float64
}

func (s *stubPositions) OpenSymbols() []string { return s.symbols }

func (s *stubPositions) Correlation(candidate, held string) float64 {
	return s.correlations[held]
}

func testGuardConfig() GuardConfig {
	return GuardConfig{
		MinConfidence:   0.65,
		MinNetProfitPct: 2.0,
		MaxSpreadBps:    5,
		MaxCorrelation:  0.8,
		MinVolumeRatio:  0.5,
	}
}

func newTestGuard(t *testing.T, positions PositionSnapshot) *Guard {
	t.Helper()
	if positions == nil {
		positions = &stubPositions{}
	}
	g, err := NewGuard(testGuardConfig(), testProfile(), positions)
	require.NoError(t, err)
	return g
}

func passingSignal(t *testing.T) Signal {
	t.Helper()
	c, err := NewConstructor(policy.NewDefaultRegistry(), DefaultCostModel(), testProfile())
	require.NoError(t, err)
	sig, err := c.Build(btcInput())
	require.NoError(t, err)
	return sig
}

func goodMarket() MarketState {
	return MarketState{RecentVolume: 1200, MedianVolume: 1000, SpreadBps: 2}
}

func TestAdmitAllGatesPass(t *testing.T) {
	g := newTestGuard(t, nil)
	decision := g.Admit(passingSignal(t), goodMarket())

	assert.True(t, decision.Accepted)
	assert.Empty(t, decision.FailedGate)
	require.Len(t, decision.Gates, 8)
	for name, ok := range decision.Gates {
		assert.True(t, ok, "gate %s", name)
	}
}

func TestAdmitRejectsPerGate(t *testing.T) {
	sig := passingSignal(t)

	t.Run("置信度不足", func(t *testing.T) {
		g := newTestGuard(t, nil)
		low := sig
		low.Confidence = 0.60
		d := g.Admit(low, goodMarket())
		assert.False(t, d.Accepted)
		assert.Equal(t, GateConfidence, d.FailedGate)
	})

	t.Run("流动性不足", func(t *testing.T) {
		g := newTestGuard(t, nil)
		m := goodMarket()
		m.RecentVolume = 100
		d := g.Admit(sig, m)
		assert.False(t, d.Accepted)
		assert.Equal(t, GateLiquidity, d.FailedGate)
	})

	t.Run("点差过宽", func(t *testing.T) {
		g := newTestGuard(t, nil)
		m := goodMarket()
		m.SpreadBps = 12
		d := g.Admit(sig, m)
		assert.False(t, d.Accepted)
		assert.Equal(t, GateSpread, d.FailedGate)
	})

	t.Run("相关性过高", func(t *testing.T) {
		g := newTestGuard(t, &stubPositions{
			symbols:      []string{"ETHUSDT"},
			correlations: map[string]float64{"ETHUSDT": 0.92},
		})
		d := g.Admit(sig, goodMarket())
		assert.False(t, d.Accepted)
		assert.Equal(t, GateCorrelation, d.FailedGate)
	})

	t.Run("同_symbol_已持仓", func(t *testing.T) {
		g := newTestGuard(t, &stubPositions{symbols: []string{"BTCUSDT"}})
		d := g.Admit(sig, goodMarket())
		assert.False(t, d.Accepted)
		assert.Equal(t, GateCorrelation, d.FailedGate)
	})

	t.Run("净利不足", func(t *testing.T) {
		g := newTestGuard(t, nil)
		thin := sig
		thin.ExpectedNetProfitPct = 1.2
		d := g.Admit(thin, goodMarket())
		assert.False(t, d.Accepted)
		assert.Equal(t, GateNetProfit, d.FailedGate)
	})

	t.Run("持仓数达上限", func(t *testing.T) {
		g := newTestGuard(t, &stubPositions{
			symbols:      []string{"ETHUSDT", "SOLUSDT", "BNBUSDT"},
			correlations: map[string]float64{},
		})
		d := g.Admit(sig, goodMarket())
		assert.False(t, d.Accepted)
		assert.Equal(t, GatePositionCount, d.FailedGate)
	})
}

// 门控独立：一个门控失败不改变其余门控的评估结果。
func TestAdmitGateIndependence(t *testing.T) {
	g := newTestGuard(t, nil)
	sig := passingSignal(t)

	base := g.Admit(sig, goodMarket())
	require.True(t, base.Accepted)

	low := sig
	low.Confidence = 0.55
	d := g.Admit(low, goodMarket())
	assert.False(t, d.Accepted)
	assert.Equal(t, GateConfidence, d.FailedGate)
	// 其余门控仍按各自输入评估
	for _, name := range []string{GateATR, GateLiquidity, GateSpread, GateCorrelation, GateNetProfit, GatePositionCount} {
		assert.Equal(t, base.Gates[name], d.Gates[name], "gate %s", name)
	}
}

func TestAdmitEVGate(t *testing.T) {
	cfg := testGuardConfig()
	cfg.EVGateEnabled = true
	cfg.MinEVRatio = 1.0
	g, err := NewGuard(cfg, testProfile(), &stubPositions{})
	require.NoError(t, err)

	sig := passingSignal(t)
	d := g.Admit(sig, goodMarket())
	// 加权 EV 远超成本，门控放行
	assert.True(t, d.Gates[GateExpectedValue], "gates=%v", d.Gates)

	// 拉高比值要求直到拒绝
	cfg.MinEVRatio = 1000
	g, err = NewGuard(cfg, testProfile(), &stubPositions{})
	require.NoError(t, err)
	d = g.Admit(sig, goodMarket())
	assert.False(t, d.Accepted)
	assert.Equal(t, GateExpectedValue, d.FailedGate)

	// 零成本时退化为只要求正期望
	cfg.MinEVRatio = 1.0
	g, err = NewGuard(cfg, testProfile(), &stubPositions{})
	require.NoError(t, err)
	free := sig
	free.Cost = CostBreakdown{}
	assert.True(t, g.Admit(free, goodMarket()).Gates[GateExpectedValue])

	// 未启用时恒通过
	cfg.EVGateEnabled = false
	cfg.MinEVRatio = 0
	g, err = NewGuard(cfg, testProfile(), &stubPositions{})
	require.NoError(t, err)
	assert.True(t, g.Admit(sig, goodMarket()).Gates[GateExpectedValue])
}

func TestGuardConfigValidation(t *testing.T) {
	bad := testGuardConfig()
	bad.MinConfidence = 0.2
	_, err := NewGuard(bad, testProfile(), &stubPositions{})
	assert.Error(t, err)

	bad = testGuardConfig()
	bad.MaxCorrelation = 1.5
	_, err = NewGuard(bad, testProfile(), &stubPositions{})
	assert.Error(t, err)

	_, err = NewGuard(testGuardConfig(), testProfile(), nil)
	assert.Error(t, err)
}
