package feature

import (
	"fmt"
	"math"

	"quantcore/internal/market"

	talib "github.com/markcheno/go-talib"
)

// Names 是特征向量的固定列定义，顺序即矩阵列顺序。
// 任何新增特征追加在尾部，保持旧模型可回放。
var Names = []string{
	"ema_fast_ratio", // close 相对 EMA(fast) 的偏离
	"ema_slow_ratio", // close 相对 EMA(slow) 的偏离
	"adx",            // 趋势强度（0~1）
	"rsi",            // 动量（0~1）
	"macd_hist_pct",  // MACD 柱相对价格
	"roc",            // N 根收益率
	"atr_pct",        // ATR 相对价格
	"bb_width",       // 布林带宽度
	"range_pct",      // 当根振幅
	"vol_z",          // 成交量 z-score
	"obv_slope",      // OBV 斜率（归一化）
	"clv",            // close location value，微观结构代理
	"body_pct",       // 实体占比
	"wick_ratio",     // 上下影线比值代理
}

// Config 控制特征计算窗口。
type Config struct {
	EMAFast    int
	EMASlow    int
	RSIPeriod  int
	ATRPeriod  int
	ADXPeriod  int
	ROCPeriod  int
	BBPeriod   int
	VolWindow  int
	OBVWindow  int
	MACDFast   int
	MACDSlow   int
	MACDSignal int
}

// DefaultConfig 返回默认窗口参数。
func DefaultConfig() Config {
	return Config{
		EMAFast:    20,
		EMASlow:    50,
		RSIPeriod:  14,
		ATRPeriod:  14,
		ADXPeriod:  14,
		ROCPeriod:  10,
		BBPeriod:   20,
		VolWindow:  20,
		OBVWindow:  10,
		MACDFast:   12,
		MACDSlow:   26,
		MACDSignal: 9,
	}
}

// Warmup 返回所有指标都有效所需的最少历史根数。
func (c Config) Warmup() int {
	w := c.EMASlow
	for _, p := range []int{c.EMAFast, c.RSIPeriod + 1, c.ATRPeriod + 1, c.ADXPeriod * 2, c.ROCPeriod + 1,
		c.BBPeriod, c.VolWindow, c.OBVWindow + 1, c.MACDSlow + c.MACDSignal} {
		if p > w {
			w = p
		}
	}
	return w + 1
}

// Frame 是一段历史的特征矩阵。Rows[i] 对应 candles[Warmup+i]，
// 不含任何使用未来 K 线计算的值；warm-up 区间没有行（而非填零）。
type Frame struct {
	Names  []string
	Warmup int
	Times  []int64     // 每行对应 K 线的 OpenTime
	Rows   [][]float64 // len(Rows[i]) == len(Names)
}

// Len 返回行数。
func (f *Frame) Len() int { return len(f.Rows) }

// Map 以 name→value 形式返回第 i 行。
func (f *Frame) Map(i int) map[string]float64 {
	if i < 0 || i >= len(f.Rows) {
		return nil
	}
	out := make(map[string]float64, len(f.Names))
	for j, name := range f.Names {
		out[name] = f.Rows[i][j]
	}
	return out
}

// Builder 从 OHLCV 序列派生固定宽度特征向量。
type Builder struct {
	cfg Config
}

func NewBuilder(cfg Config) *Builder {
	def := DefaultConfig()
	if cfg.EMAFast <= 0 {
		cfg = def
	}
	return &Builder{cfg: cfg}
}

// Build 计算整段历史的特征矩阵。candles 必须按 OpenTime 升序且无重复。
func (b *Builder) Build(candles []market.Candle) (*Frame, error) {
	warmup := b.cfg.Warmup()
	if len(candles) <= warmup {
		return nil, fmt.Errorf("特征 warmup 数据不足: 有 %d 根，需要 > %d", len(candles), warmup)
	}
	if !market.SortedByOpenTime(candles) {
		return nil, fmt.Errorf("K 线未按 OpenTime 升序")
	}
	closes := market.Closes(candles)
	highs := market.Highs(candles)
	lows := market.Lows(candles)
	volumes := market.Volumes(candles)

	emaFast := talib.Ema(closes, b.cfg.EMAFast)
	emaSlow := talib.Ema(closes, b.cfg.EMASlow)
	adx := talib.Adx(highs, lows, closes, b.cfg.ADXPeriod)
	rsi := talib.Rsi(closes, b.cfg.RSIPeriod)
	_, _, macdHist := talib.Macd(closes, b.cfg.MACDFast, b.cfg.MACDSlow, b.cfg.MACDSignal)
	roc := talib.Roc(closes, b.cfg.ROCPeriod)
	atr := talib.Atr(highs, lows, closes, b.cfg.ATRPeriod)
	bbUp, bbMid, bbLow := talib.BBands(closes, b.cfg.BBPeriod, 2, 2, talib.SMA)
	obv := talib.Obv(closes, volumes)
	volSMA := talib.Sma(volumes, b.cfg.VolWindow)

	frame := &Frame{
		Names:  Names,
		Warmup: warmup,
		Times:  make([]int64, 0, len(candles)-warmup),
		Rows:   make([][]float64, 0, len(candles)-warmup),
	}
	for i := warmup; i < len(candles); i++ {
		c := candles[i]
		if c.Close <= 0 {
			return nil, fmt.Errorf("非法收盘价 @%d", c.OpenTime)
		}
		row := make([]float64, len(Names))
		row[0] = ratioOrZero(c.Close, emaFast[i])
		row[1] = ratioOrZero(c.Close, emaSlow[i])
		row[2] = clamp01(adx[i] / 100)
		row[3] = clamp01(rsi[i] / 100)
		row[4] = macdHist[i] / c.Close
		row[5] = roc[i] / 100
		row[6] = atr[i] / c.Close
		row[7] = bbWidth(bbUp[i], bbMid[i], bbLow[i])
		row[8] = (c.High - c.Low) / c.Close
		row[9] = volZScore(volumes, volSMA, i, b.cfg.VolWindow)
		row[10] = obvSlope(obv, closes, volumes, i, b.cfg.OBVWindow)
		row[11] = closeLocation(c)
		row[12] = (c.Close - c.Open) / c.Close
		row[13] = wickRatio(c)
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("特征 %s 在 @%d 非法", Names[j], c.OpenTime)
			}
		}
		frame.Times = append(frame.Times, c.OpenTime)
		frame.Rows = append(frame.Rows, row)
	}
	return frame, nil
}

func ratioOrZero(price, base float64) float64 {
	if base <= 0 {
		return 0
	}
	return price/base - 1
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func bbWidth(up, mid, low float64) float64 {
	if mid <= 0 {
		return 0
	}
	return (up - low) / mid
}

func volZScore(volumes, sma []float64, i, window int) float64 {
	if i < window || sma[i] <= 0 {
		return 0
	}
	mean := sma[i]
	var sum float64
	for j := i - window + 1; j <= i; j++ {
		d := volumes[j] - mean
		sum += d * d
	}
	std := math.Sqrt(sum / float64(window))
	if std <= 0 {
		return 0
	}
	z := (volumes[i] - mean) / std
	// 截断极端值，避免单根爆量主导树分裂
	if z > 6 {
		z = 6
	}
	if z < -6 {
		z = -6
	}
	return z
}

func obvSlope(obv, closes, volumes []float64, i, window int) float64 {
	if i < window {
		return 0
	}
	base := math.Abs(obv[i-window])
	if base <= 0 {
		// 用窗口均量做归一化兜底
		var sum float64
		for j := i - window + 1; j <= i; j++ {
			sum += volumes[j]
		}
		base = sum / float64(window)
	}
	if base <= 0 {
		return 0
	}
	return (obv[i] - obv[i-window]) / base / float64(window)
}

// closeLocation 返回收盘价在当根高低区间中的位置（-1~1）。
func closeLocation(c market.Candle) float64 {
	rng := c.High - c.Low
	if rng <= 0 {
		return 0
	}
	return ((c.Close - c.Low) - (c.High - c.Close)) / rng
}

func wickRatio(c market.Candle) float64 {
	body := math.Abs(c.Close - c.Open)
	upper := c.High - math.Max(c.Close, c.Open)
	lower := math.Min(c.Close, c.Open) - c.Low
	denom := body + upper + lower
	if denom <= 0 {
		return 0
	}
	return (upper - lower) / denom
}
