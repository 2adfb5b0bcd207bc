package signal

import (
	"fmt"
	"math"
	"strings"
)

// 门控名称，按固定顺序评估。
const (
	GateConfidence    = "confidence"
	GateATR           = "atr"
	GateLiquidity     = "liquidity"
	GateSpread        = "spread"
	GateCorrelation   = "correlation"
	GateNetProfit     = "net_profit"
	GateExpectedValue = "expected_value"
	GatePositionCount = "position_count"
)

var gateOrder = []string{
	GateConfidence, GateATR, GateLiquidity, GateSpread,
	GateCorrelation, GateNetProfit, GateExpectedValue, GatePositionCount,
}

// GuardConfig 准入阈值，构造时校验。
type GuardConfig struct {
	MinConfidence   float64 `mapstructure:"min_confidence"`
	MinNetProfitPct float64 `mapstructure:"min_net_profit_pct"`
	MaxSpreadBps    float64 `mapstructure:"max_spread_bps"`
	MaxCorrelation  float64 `mapstructure:"max_correlation"`
	MinVolumeRatio  float64 `mapstructure:"min_volume_ratio"` // 近期量 / 滚动中位量 下限
	// 可选的二级期望值门控：要求 EV ≥ MinEVRatio × 总成本。默认关闭。
	EVGateEnabled bool    `mapstructure:"ev_gate_enabled"`
	MinEVRatio    float64 `mapstructure:"min_ev_ratio"`
}

func (c GuardConfig) Validate() error {
	if c.MinConfidence < 0.5 || c.MinConfidence > 1 {
		return fmt.Errorf("min_confidence 必须在 [0.5, 1] 内: %v", c.MinConfidence)
	}
	if c.MaxSpreadBps <= 0 {
		return fmt.Errorf("max_spread_bps 必须大于 0: %v", c.MaxSpreadBps)
	}
	if c.MaxCorrelation <= 0 || c.MaxCorrelation > 1 {
		return fmt.Errorf("max_correlation 必须在 (0, 1] 内: %v", c.MaxCorrelation)
	}
	if c.MinVolumeRatio <= 0 {
		return fmt.Errorf("min_volume_ratio 必须大于 0: %v", c.MinVolumeRatio)
	}
	if c.EVGateEnabled && c.MinEVRatio <= 0 {
		return fmt.Errorf("启用 EV 门控时 min_ev_ratio 必须大于 0: %v", c.MinEVRatio)
	}
	return nil
}

// PositionSnapshot 当前持仓的只读视图。
type PositionSnapshot interface {
	// OpenSymbols 返回当前持仓的 symbol 列表。
	OpenSymbols() []string
	// Correlation 返回候选 symbol 与某持仓 symbol 的相关系数。
	Correlation(candidate, held string) float64
}

// MarketState 门控所需的市场端输入。
type MarketState struct {
	RecentVolume float64 // 近期成交量
	MedianVolume float64 // 滚动窗口中位成交量
	SpreadBps    float64 // 当前买卖价差（基点）
}

// Decision 准入结果。拒绝是正常流程而非错误。
type Decision struct {
	Accepted   bool            `json:"accepted"`
	FailedGate string          `json:"failed_gate,omitempty"`
	Gates      map[string]bool `json:"gates"`
}

// Guard 顺序硬门控：全部通过才放行。
// 每个门控只依赖自己的输入，互不影响评估结果。
type Guard struct {
	cfg       GuardConfig
	profile   RiskProfile
	positions PositionSnapshot
}

func NewGuard(cfg GuardConfig, profile RiskProfile, positions PositionSnapshot) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	if positions == nil {
		return nil, fmt.Errorf("持仓快照不能为空")
	}
	return &Guard{cfg: cfg, profile: profile, positions: positions}, nil
}

// Admit 评估全部门控并给出结论。所有门控都会被评估并记录，
// 结论取固定顺序中第一个失败的门控。
func (g *Guard) Admit(sig Signal, market MarketState) Decision {
	held := g.positions.OpenSymbols()

	gates := map[string]bool{
		GateConfidence:    sig.Confidence >= g.cfg.MinConfidence,
		GateATR:           sig.ATR > 0,
		GateLiquidity:     g.liquidityOK(market),
		GateSpread:        market.SpreadBps <= g.cfg.MaxSpreadBps,
		GateCorrelation:   g.correlationOK(sig.Symbol, held),
		GateNetProfit:     sig.ExpectedNetProfitPct >= g.cfg.MinNetProfitPct,
		GateExpectedValue: g.expectedValueOK(sig),
		GatePositionCount: len(held) < g.profile.MaxPositions,
	}

	decision := Decision{Accepted: true, Gates: gates}
	for _, name := range gateOrder {
		if !gates[name] {
			decision.Accepted = false
			decision.FailedGate = name
			break
		}
	}
	return decision
}

// expectedValueOK 二级门控：胜付加权的期望收益相对总成本的比值。
// 未启用时恒通过。
func (g *Guard) expectedValueOK(sig Signal) bool {
	if !g.cfg.EVGateEnabled {
		return true
	}
	entry, _ := sig.EntryPrice.Float64()
	sl, _ := sig.SLPrice.Float64()
	if entry <= 0 {
		return false
	}
	slDistPct := math.Abs(entry-sl) / entry * 100
	ev := sig.Confidence*sig.GrossProfitPct - (1-sig.Confidence)*slDistPct
	cost := sig.Cost.TotalPct()
	if cost <= 0 {
		return ev > 0
	}
	return ev >= g.cfg.MinEVRatio*cost
}

func (g *Guard) liquidityOK(market MarketState) bool {
	if market.MedianVolume <= 0 {
		return false
	}
	return market.RecentVolume >= g.cfg.MinVolumeRatio*market.MedianVolume
}

func (g *Guard) correlationOK(candidate string, held []string) bool {
	candidate = strings.ToUpper(strings.TrimSpace(candidate))
	for _, sym := range held {
		if strings.EqualFold(sym, candidate) {
			// 同 symbol 视为完全相关
			return false
		}
		if g.positions.Correlation(candidate, sym) > g.cfg.MaxCorrelation {
			return false
		}
	}
	return true
}
