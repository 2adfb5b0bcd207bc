package signal

import (
	"fmt"
	"strings"
	"time"

	"quantcore/internal/policy"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TP 仓位分配固定为 30/40/30。
var tpAllocations = [3]float64{30, 40, 30}

// TPLevel 单个止盈档位。
type TPLevel struct {
	Price         decimal.Decimal `json:"price"`
	AllocationPct float64         `json:"allocation_pct"`
}

// CostBreakdown 各项成本，均为名义价值的百分比。
type CostBreakdown struct {
	MakerFeePct float64 `json:"maker_fee_pct"`
	TakerFeePct float64 `json:"taker_fee_pct"`
	SlippagePct float64 `json:"slippage_pct"`
	FundingPct  float64 `json:"funding_pct"`
}

// TotalPct 完整出场序列的总成本。
func (c CostBreakdown) TotalPct() float64 {
	return c.MakerFeePct + c.TakerFeePct + c.SlippagePct + c.FundingPct
}

// Signal 候选交易信号。
type Signal struct {
	ID                   string          `json:"id"`
	Symbol               string          `json:"symbol"`
	Side                 string          `json:"side"` // long / short
	EntryPrice           decimal.Decimal `json:"entry_price"`
	TPLevels             [3]TPLevel      `json:"tp_levels"`
	SLPrice              decimal.Decimal `json:"sl_price"`
	Leverage             float64         `json:"leverage"`
	PositionSize         decimal.Decimal `json:"position_size"` // 名义 USD
	GrossProfitPct       float64         `json:"gross_profit_pct"`
	Cost                 CostBreakdown   `json:"cost"`
	ExpectedNetProfitPct float64         `json:"expected_net_profit_pct"`
	Confidence           float64         `json:"confidence"`
	Regime               Regime          `json:"regime"`
	Tier                 string          `json:"tier"`
	ATR                  float64         `json:"atr"`
	RiskFilters          map[string]bool `json:"risk_filters,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// RiskProfile 账户级风险参数，构造时校验，之后只读。
type RiskProfile struct {
	RiskPerTradePct float64 `mapstructure:"risk_per_trade_pct"`
	MaxLeverage     float64 `mapstructure:"max_leverage"`
	MaxPositions    int     `mapstructure:"max_positions"`
	PricePrecision  int32   `mapstructure:"price_precision"`
}

func (p RiskProfile) Validate() error {
	if p.RiskPerTradePct <= 0 || p.RiskPerTradePct > 10 {
		return fmt.Errorf("risk_per_trade_pct 必须在 (0, 10] 内: %v", p.RiskPerTradePct)
	}
	if p.MaxLeverage < 1 {
		return fmt.Errorf("max_leverage 不能小于 1: %v", p.MaxLeverage)
	}
	if p.MaxPositions <= 0 {
		return fmt.Errorf("max_positions 必须大于 0: %d", p.MaxPositions)
	}
	if p.PricePrecision < 0 || p.PricePrecision > 8 {
		return fmt.Errorf("price_precision 必须在 [0, 8] 内: %d", p.PricePrecision)
	}
	return nil
}

// CostModel 成本假设：费率、滑点与资金费。百分比单位（0.05 = 0.05%）。
type CostModel struct {
	MakerFeePct       float64 `mapstructure:"maker_fee_pct"`
	TakerFeePct       float64 `mapstructure:"taker_fee_pct"`
	SlippagePct       float64 `mapstructure:"slippage_pct"` // 每次成交单边
	FundingRate8hPct  float64 `mapstructure:"funding_rate_8h_pct"`
	ExpectedHoldHours float64 `mapstructure:"expected_hold_hours"`
}

// DefaultCostModel 币安 U 本位吃单费率量级的默认值。
func DefaultCostModel() CostModel {
	return CostModel{
		MakerFeePct:       0.02,
		TakerFeePct:       0.05,
		SlippagePct:       0.05,
		FundingRate8hPct:  0.01,
		ExpectedHoldHours: 60,
	}
}

// Breakdown 展开完整出场序列的成本：
// 入场吃单 + 按仓位加权的出场吃单 + 双边滑点 + 预期持仓期资金费。
func (m CostModel) Breakdown() CostBreakdown {
	fundingWindows := ceilDiv(m.ExpectedHoldHours, 8)
	return CostBreakdown{
		MakerFeePct: 0,
		TakerFeePct: m.TakerFeePct * 2, // 入场 + 出场各一次
		SlippagePct: m.SlippagePct * 2,
		FundingPct:  m.FundingRate8hPct * fundingWindows,
	}
}

func ceilDiv(hours, window float64) float64 {
	if hours <= 0 || window <= 0 {
		return 0
	}
	n := int(hours / window)
	if float64(n)*window < hours {
		n++
	}
	return float64(n)
}

// Input 构造信号所需的当前市场状态。
type Input struct {
	Symbol     string
	Price      float64
	ATR        float64
	ATRWindow  []float64 // 用于 regime 分位
	Confidence float64   // ∈ [0.5, 1.0]
	Side       string    // long / short
	Equity     float64   // 账户权益 USD
	At         time.Time // 信号对应的 K 线收盘时间
}

// signalNamespace 用于从输入推导确定性信号 ID。
var signalNamespace = uuid.MustParse("5c1a2f58-9c43-4c41-9d1e-7b09f1e3a6d2")

// Constructor 信号构造器。相同输入产出逐位一致的信号。
type Constructor struct {
	tiers   *policy.Registry
	costs   CostModel
	profile RiskProfile
}

func NewConstructor(tiers *policy.Registry, costs CostModel, profile RiskProfile) (*Constructor, error) {
	if tiers == nil {
		return nil, fmt.Errorf("档位表不能为空")
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &Constructor{tiers: tiers, costs: costs, profile: profile}, nil
}

// Build 根据当前价格、ATR、置信度构造完整信号。
// 不做准入判断，门控交给 Guard。
func (c *Constructor) Build(in Input) (Signal, error) {
	if in.Price <= 0 {
		return Signal{}, fmt.Errorf("价格必须大于 0")
	}
	if in.ATR <= 0 {
		return Signal{}, fmt.Errorf("ATR 必须大于 0")
	}
	if in.Confidence < 0.5 || in.Confidence > 1 {
		return Signal{}, fmt.Errorf("置信度必须在 [0.5, 1] 内: %v", in.Confidence)
	}
	side := strings.ToLower(strings.TrimSpace(in.Side))
	if side != "long" && side != "short" {
		return Signal{}, fmt.Errorf("side 必须是 long 或 short: %q", in.Side)
	}

	regime, err := ClassifyRegime(in.ATRWindow, in.ATR)
	if err != nil {
		return Signal{}, err
	}
	plan, tier, err := c.tiers.Resolve(in.Confidence, string(regime))
	if err != nil {
		return Signal{}, err
	}

	dir := 1.0
	if side == "short" {
		dir = -1.0
	}
	prec := c.profile.PricePrecision
	entry := decimal.NewFromFloat(in.Price).Round(prec)

	var levels [3]TPLevel
	for i, mult := range plan.TPMultipliers {
		price := decimal.NewFromFloat(in.Price + dir*mult*in.ATR).Round(prec)
		levels[i] = TPLevel{Price: price, AllocationPct: tpAllocations[i]}
	}
	sl := decimal.NewFromFloat(in.Price - dir*plan.SLMultiplier*in.ATR).Round(prec)

	// 加权毛利：三档 TP 距离按 30/40/30 加权
	var grossDist float64
	for i, mult := range plan.TPMultipliers {
		grossDist += tpAllocations[i] / 100 * mult * in.ATR
	}
	grossPct := grossDist / in.Price * 100

	cost := c.costs.Breakdown()
	netPct := grossPct - cost.TotalPct()

	slDist := plan.SLMultiplier * in.ATR
	leverage := c.resolveLeverage(in.Confidence, grossDist, slDist, in.Price, tier, plan)
	size := c.positionSize(in.Equity, slDist/in.Price, leverage)

	symbol := strings.ToUpper(strings.TrimSpace(in.Symbol))
	// ID 由输入推导：相同输入的重复构造得到同一信号
	seed := fmt.Sprintf("%s|%s|%.8f|%.8f|%.8f|%d", symbol, side, in.Price, in.ATR, in.Confidence, in.At.UnixMilli())
	return Signal{
		ID:                   uuid.NewSHA1(signalNamespace, []byte(seed)).String(),
		Symbol:               symbol,
		Side:                 side,
		EntryPrice:           entry,
		TPLevels:             levels,
		SLPrice:              sl,
		Leverage:             leverage,
		PositionSize:         size,
		GrossProfitPct:       grossPct,
		Cost:                 cost,
		ExpectedNetProfitPct: netPct,
		Confidence:           in.Confidence,
		Regime:               regime,
		Tier:                 tier.Name,
		ATR:                  in.ATR,
		CreatedAt:            in.At.UTC(),
	}, nil
}

// resolveLeverage 四分之一 Kelly：
// b = 加权 TP 距离 / SL 距离，f = 0.25·(p·b − (1−p))/b，
// 换算杠杆后取 (档位基础×波动系数, Kelly 杠杆, 账户上限) 三者最小，下限 1。
func (c *Constructor) resolveLeverage(p, rewardDist, riskDist, price float64, tier policy.Tier, plan policy.Plan) float64 {
	if riskDist <= 0 {
		return 1
	}
	b := rewardDist / riskDist
	kellyFraction := 0.25 * (p*b - (1 - p)) / b
	if kellyFraction <= 0 {
		// 没有正期望时不放大，退回 1 倍
		return 1
	}
	slDistPct := riskDist / price
	kellyLeverage := kellyFraction / slDistPct

	leverage := tier.BaseLeverage * plan.LeverageAdjust
	if kellyLeverage < leverage {
		leverage = kellyLeverage
	}
	if c.profile.MaxLeverage < leverage {
		leverage = c.profile.MaxLeverage
	}
	if leverage < 1 {
		leverage = 1
	}
	return leverage
}

// positionSize 以 SL 处亏损等于 risk_per_trade_pct 反推名义仓位，
// 上限为权益 × 杠杆。
func (c *Constructor) positionSize(equity, slDistPct, leverage float64) decimal.Decimal {
	if equity <= 0 || slDistPct <= 0 {
		return decimal.Zero
	}
	notional := equity * c.profile.RiskPerTradePct / 100 / slDistPct
	if limit := equity * leverage; notional > limit {
		notional = limit
	}
	return decimal.NewFromFloat(notional).Round(2)
}
