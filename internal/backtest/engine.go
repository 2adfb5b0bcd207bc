package backtest

import (
	"fmt"
	"math"
	"time"

	"quantcore/internal/market"
	"quantcore/internal/signal"
)

// Fill 种类。
const (
	FillEntry    = "ENTRY"
	FillTP1      = "TP1"
	FillTP2      = "TP2"
	FillTP3      = "TP3"
	FillSL       = "SL"
	FillTimeStop = "TIME_STOP"
)

// Fill 一次成交。PnL 已扣除该笔成交的费用与滑点。
type Fill struct {
	Kind     string  `json:"kind"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Time     int64   `json:"time"`
	Fee      float64 `json:"fee"`
	Slippage float64 `json:"slippage"`
	PnL      float64 `json:"pnl"`
}

// Trade 一个信号的完整生命周期。
type Trade struct {
	SignalID       string  `json:"signal_ref"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Fills          []Fill  `json:"fills"`
	RealizedPnL    float64 `json:"realized_pnl"`
	RealizedPnLPct float64 `json:"realized_pnl_pct"`
	Funding        float64 `json:"funding"`
	ExitKind       string  `json:"exit_kind"` // 最后一笔出场的种类
	OpenedAt       int64   `json:"opened_at"`
	ClosedAt       int64   `json:"closed_at"`
	HoldBars       int     `json:"hold_bars"`
	TPHits         [3]bool `json:"tp_hits"`
}

// EngineConfig 撮合假设。费率与滑点为百分比（0.05 = 0.05%）。
type EngineConfig struct {
	TakerFeePct      float64 `mapstructure:"taker_fee_pct"`
	SlippagePct      float64 `mapstructure:"slippage_pct"`
	FundingRate8hPct float64 `mapstructure:"funding_rate_8h_pct"`
	TrailATRFraction float64 `mapstructure:"trail_atr_fraction"` // TP1 后启用的追踪止损距离
	MaxHoldBars      int     `mapstructure:"max_hold_bars"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TakerFeePct:      0.05,
		SlippagePct:      0.05,
		FundingRate8hPct: 0.01,
		TrailATRFraction: 0.5,
		MaxHoldBars:      96,
	}
}

func (c EngineConfig) validate() error {
	if c.TakerFeePct < 0 || c.SlippagePct < 0 || c.FundingRate8hPct < 0 {
		return fmt.Errorf("费率/滑点/资金费不能为负")
	}
	if c.TrailATRFraction <= 0 || c.TrailATRFraction >= 1 {
		return fmt.Errorf("trail_atr_fraction 必须在 (0, 1) 内: %v", c.TrailATRFraction)
	}
	if c.MaxHoldBars <= 0 {
		return fmt.Errorf("max_hold_bars 必须大于 0: %d", c.MaxHoldBars)
	}
	return nil
}

// Engine 按 K 线逐根推演信号生命周期。
type Engine struct {
	cfg EngineConfig
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// position 推演中的持仓状态。
type position struct {
	dir        float64 // +1 long / -1 short
	entry      float64
	qty        float64 // 剩余数量
	initialQty float64
	stop       float64 // 当前止损，TP1 后可被追踪止损收紧
	trailArmed bool
	extreme    float64 // TP1 后的有利方向极值
}

// Simulate 从 candles[start] 开始推演一个已放行的信号。
// 每根 K 线内按 TP1 → TP2 → TP3 → SL 的顺序检查触发；
// TP1 成交后以 ATR 的一部分启用追踪止损，只收紧不放松；
// 超过最大持仓根数按收盘价强平。
func (e *Engine) Simulate(sig signal.Signal, candles []market.Candle, start int, barDuration time.Duration) (Trade, error) {
	if start < 0 || start >= len(candles) {
		return Trade{}, fmt.Errorf("起始下标越界: %d", start)
	}
	entryPrice, _ := sig.EntryPrice.Float64()
	if entryPrice <= 0 {
		return Trade{}, fmt.Errorf("信号缺少入场价")
	}
	dir := 1.0
	if sig.Side == "short" {
		dir = -1.0
	}
	tp := [3]float64{}
	for i, lvl := range sig.TPLevels {
		tp[i], _ = lvl.Price.Float64()
	}
	slPrice, _ := sig.SLPrice.Float64()
	notional, _ := sig.PositionSize.Float64()
	if notional <= 0 {
		return Trade{}, fmt.Errorf("信号缺少仓位")
	}
	qty := notional / entryPrice

	trade := Trade{
		SignalID: sig.ID,
		Symbol:   sig.Symbol,
		Side:     sig.Side,
		OpenedAt: candles[start].OpenTime,
	}
	// 入场按吃单成交：滑点使成交价向不利方向偏移
	entryFill := entryPrice * (1 + dir*e.cfg.SlippagePct/100)
	pos := &position{
		dir:        dir,
		entry:      entryFill,
		qty:        qty,
		initialQty: qty,
		stop:       slPrice,
	}
	entryFee := entryFill * qty * e.cfg.TakerFeePct / 100
	entrySlip := math.Abs(entryFill-entryPrice) * qty
	trade.Fills = append(trade.Fills, Fill{
		Kind:     FillEntry,
		Price:    entryFill,
		Quantity: qty,
		Time:     candles[start].OpenTime,
		Fee:      entryFee,
		Slippage: entrySlip,
		PnL:      -entryFee,
	})

	allocQty := [3]float64{qty * 0.30, qty * 0.40, qty * 0.30}
	nextTP := 0
	hoursHeld := 0.0
	barHours := barDuration.Hours()

	for i := start; i < len(candles); i++ {
		c := candles[i]
		trade.HoldBars = i - start
		if i > start {
			hoursHeld += barHours
		}

		// TP1 → TP2 → TP3 → SL
		for nextTP < 3 && e.crossed(pos, c, tp[nextTP]) {
			fillQty := allocQty[nextTP]
			if nextTP == 2 {
				fillQty = pos.qty // 末段清掉剩余，吸收浮点误差
			}
			e.exitFill(&trade, pos, tpKind(nextTP), tp[nextTP], fillQty, c.CloseTime)
			trade.TPHits[nextTP] = true
			if nextTP == 0 {
				pos.trailArmed = true
				pos.extreme = favorable(pos.dir, c)
			}
			nextTP++
		}
		if pos.qty <= 1e-12 {
			trade.ClosedAt = c.CloseTime
			break
		}

		if e.stopHit(pos, c) {
			e.exitFill(&trade, pos, FillSL, pos.stop, pos.qty, c.CloseTime)
			trade.ClosedAt = c.CloseTime
			break
		}

		if i-start >= e.cfg.MaxHoldBars {
			e.exitFill(&trade, pos, FillTimeStop, c.Close, pos.qty, c.CloseTime)
			trade.ClosedAt = c.CloseTime
			break
		}

		// 追踪止损只向有利方向收紧
		if pos.trailArmed {
			if ext := favorable(pos.dir, c); (ext-pos.extreme)*pos.dir > 0 {
				pos.extreme = ext
			}
			candidate := pos.extreme - pos.dir*e.cfg.TrailATRFraction*sig.ATR
			if (candidate-pos.stop)*pos.dir > 0 {
				pos.stop = candidate
			}
		}
	}

	// 历史走完仍未平仓：按最后收盘价强平
	if pos.qty > 1e-12 && trade.ClosedAt == 0 {
		last := candles[len(candles)-1]
		e.exitFill(&trade, pos, FillTimeStop, last.Close, pos.qty, last.CloseTime)
		trade.ClosedAt = last.CloseTime
	}

	// 资金费按小时计提在初始名义价值上，并入最后一笔出场，
	// 保证逐笔 PnL 之和等于整笔已实现盈亏
	funding := notional * e.cfg.FundingRate8hPct / 100 / 8 * hoursHeld
	trade.Funding = funding
	if funding != 0 {
		trade.Fills[len(trade.Fills)-1].PnL -= funding
	}
	var pnl float64
	for _, f := range trade.Fills {
		pnl += f.PnL
	}
	trade.RealizedPnL = pnl
	trade.RealizedPnLPct = pnl / notional * 100
	if n := len(trade.Fills); n > 1 {
		trade.ExitKind = trade.Fills[n-1].Kind
	}
	return trade, nil
}

// crossed 判断本根 K 线是否触及目标价（有利方向）。
func (e *Engine) crossed(pos *position, c market.Candle, target float64) bool {
	if pos.dir > 0 {
		return c.High >= target
	}
	return c.Low <= target
}

func (e *Engine) stopHit(pos *position, c market.Candle) bool {
	if pos.dir > 0 {
		return c.Low <= pos.stop
	}
	return c.High >= pos.stop
}

// exitFill 以 price 平掉 qty，计费并累计盈亏。
func (e *Engine) exitFill(trade *Trade, pos *position, kind string, price float64, qty float64, ts int64) {
	fillPrice := price * (1 - pos.dir*e.cfg.SlippagePct/100)
	fee := math.Abs(fillPrice) * qty * e.cfg.TakerFeePct / 100
	slip := math.Abs(fillPrice-price) * qty
	gross := (fillPrice - pos.entry) * pos.dir * qty
	trade.Fills = append(trade.Fills, Fill{
		Kind:     kind,
		Price:    fillPrice,
		Quantity: qty,
		Time:     ts,
		Fee:      fee,
		Slippage: slip,
		PnL:      gross - fee,
	})
	pos.qty -= qty
	if pos.qty < 0 {
		pos.qty = 0
	}
}

func tpKind(i int) string {
	switch i {
	case 0:
		return FillTP1
	case 1:
		return FillTP2
	default:
		return FillTP3
	}
}

func favorable(dir float64, c market.Candle) float64 {
	if dir > 0 {
		return c.High
	}
	return c.Low
}
