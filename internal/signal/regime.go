package signal

import (
	"fmt"
	"sort"
)

// Regime 波动状态，按 ATR 在回看窗口中的分位数划分。
type Regime string

const (
	RegimeLow    Regime = "low"
	RegimeNormal Regime = "normal"
	RegimeHigh   Regime = "high"
)

const (
	regimeLowPercentile  = 0.30
	regimeHighPercentile = 0.70
	minRegimeWindow      = 20
)

// ClassifyRegime 把当前 ATR 放进回看窗口里算分位：
// 低于 30 分位为 low，高于 70 分位为 high，其余 normal。
// 窗口不足以估计分位时按 normal 处理。
func ClassifyRegime(atrWindow []float64, current float64) (Regime, error) {
	if current <= 0 {
		return "", fmt.Errorf("当前 ATR 必须大于 0")
	}
	if len(atrWindow) < minRegimeWindow {
		return RegimeNormal, nil
	}
	sorted := append([]float64(nil), atrWindow...)
	sort.Float64s(sorted)
	// 分位 = 窗口中小于当前值的占比
	rank := sort.SearchFloat64s(sorted, current)
	pct := float64(rank) / float64(len(sorted))
	switch {
	case pct < regimeLowPercentile:
		return RegimeLow, nil
	case pct > regimeHighPercentile:
		return RegimeHigh, nil
	default:
		return RegimeNormal, nil
	}
}
