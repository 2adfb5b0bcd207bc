package label

import (
	"fmt"

	"quantcore/internal/market"

	talib "github.com/markcheno/go-talib"
)

// Side 是打标签时假设的方向。
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Barrier 标记决定标签的事件类型。
type Barrier string

const (
	BarrierTP   Barrier = "TP"
	BarrierSL   Barrier = "SL"
	BarrierTime Barrier = "TIME"
)

// Label 是单根 K 线的三重屏障结果，只在训练期内存在。
type Label struct {
	Time      int64   `json:"time"`
	Outcome   int     `json:"outcome"` // 1=先触TP，0=其余
	Hit       Barrier `json:"barrier_hit"`
	BarsToHit int     `json:"bars_to_hit"`
}

// Config 控制屏障距离与持有上限。
type Config struct {
	Side         Side
	TPMultiplier float64 // 作用于 ATR
	SLMultiplier float64
	TimeBars     int // 最大前瞻根数
	ATRPeriod    int
}

func (c Config) validate() error {
	if c.Side != SideLong && c.Side != SideShort {
		return fmt.Errorf("side 非法: %s", c.Side)
	}
	if c.TPMultiplier <= 0 || c.SLMultiplier <= 0 {
		return fmt.Errorf("tp/sl multiplier 需 > 0")
	}
	if c.TimeBars <= 0 {
		return fmt.Errorf("time_bars 需 > 0")
	}
	if c.ATRPeriod <= 0 {
		return fmt.Errorf("atr_period 需 > 0")
	}
	return nil
}

// Labeler 用 TP/SL/时间三重屏障把价格序列转成二分类标签。
type Labeler struct {
	cfg Config
}

func New(cfg Config) (*Labeler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Labeler{cfg: cfg}, nil
}

// Result 是一段历史的标签集。Labels[i] 对应 candles[Start+i]；
// ATR 未就绪（warm-up）或前瞻不足 TimeBars 的 K 线不产出标签。
type Result struct {
	Start  int // 第一条标签对应的 K 线下标
	Labels []Label
	// Skipped 统计因 ATR 未定义被跳过的根数（不含尾部前瞻不足的部分）。
	Skipped int
}

// Horizon 返回标签的前瞻根数，供 purge 使用。
func (l *Labeler) Horizon() int { return l.cfg.TimeBars }

// Run 对整段历史打标签。
//
// 对每根 t：tp = close[t] ± atr[t]·tpMult，sl = close[t] ∓ atr[t]·slMult（按方向取号），
// 逐根前瞻最多 TimeBars 根；TP 严格先于 SL 被触发记 1，否则记 0。
// 同一根内 TP 与 SL 同时可触发时按悲观处理记 SL，避免标签泄漏偏差。
func (l *Labeler) Run(candles []market.Candle) (*Result, error) {
	if len(candles) < l.cfg.ATRPeriod+l.cfg.TimeBars+2 {
		return nil, fmt.Errorf("标签数据不足: 有 %d 根，ATR(%d)+前瞻(%d) 无法覆盖",
			len(candles), l.cfg.ATRPeriod, l.cfg.TimeBars)
	}
	highs := market.Highs(candles)
	lows := market.Lows(candles)
	closes := market.Closes(candles)
	atr := talib.Atr(highs, lows, closes, l.cfg.ATRPeriod)

	res := &Result{Start: -1}
	lastStart := len(candles) - l.cfg.TimeBars - 1
	for t := 0; t <= lastStart; t++ {
		if atr[t] <= 0 {
			// warm-up 区间：无标签，排除出训练集而不是默认为 0
			res.Skipped++
			continue
		}
		if res.Start < 0 {
			res.Start = t
		}
		res.Labels = append(res.Labels, l.labelAt(candles, atr, t))
	}
	if res.Start < 0 {
		return nil, fmt.Errorf("全部 K 线 ATR 未定义，无法打标签")
	}
	return res, nil
}

func (l *Labeler) labelAt(candles []market.Candle, atr []float64, t int) Label {
	entry := candles[t].Close
	var tpPrice, slPrice float64
	if l.cfg.Side == SideLong {
		tpPrice = entry + atr[t]*l.cfg.TPMultiplier
		slPrice = entry - atr[t]*l.cfg.SLMultiplier
	} else {
		tpPrice = entry - atr[t]*l.cfg.TPMultiplier
		slPrice = entry + atr[t]*l.cfg.SLMultiplier
	}
	for k := 1; k <= l.cfg.TimeBars; k++ {
		c := candles[t+k]
		tpHit, slHit := l.touches(c, tpPrice, slPrice)
		switch {
		case tpHit && slHit:
			// 悲观解决：同根双触发按 SL 处理
			return Label{Time: candles[t].OpenTime, Outcome: 0, Hit: BarrierSL, BarsToHit: k}
		case slHit:
			return Label{Time: candles[t].OpenTime, Outcome: 0, Hit: BarrierSL, BarsToHit: k}
		case tpHit:
			return Label{Time: candles[t].OpenTime, Outcome: 1, Hit: BarrierTP, BarsToHit: k}
		}
	}
	return Label{Time: candles[t].OpenTime, Outcome: 0, Hit: BarrierTime, BarsToHit: l.cfg.TimeBars}
}

func (l *Labeler) touches(c market.Candle, tpPrice, slPrice float64) (tpHit, slHit bool) {
	if l.cfg.Side == SideLong {
		return c.High >= tpPrice, c.Low <= slPrice
	}
	return c.Low <= tpPrice, c.High >= slPrice
}
