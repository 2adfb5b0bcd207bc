package backtest

import "time"

// Stats 全部成交的汇总指标。
type Stats struct {
	Trades         int        `json:"trades"`
	Wins           int        `json:"wins"`
	Losses         int        `json:"losses"`
	WinRate        float64    `json:"win_rate"`
	ProfitFactor   float64    `json:"profit_factor"`
	TotalPnL       float64    `json:"total_pnl"`
	TotalPnLPct    float64    `json:"total_pnl_pct"`
	MaxDrawdownPct float64    `json:"max_drawdown_pct"`
	TPHitRates     [3]float64 `json:"tp_hit_rates"`
	AvgHoldBars    float64    `json:"avg_hold_bars"`
	FinishedAt     time.Time  `json:"finished_at"`
}

// Summarize 汇总一组成交。回撤在初始权益上按已实现盈亏曲线计算。
func Summarize(trades []Trade, initialEquity float64) Stats {
	stats := Stats{Trades: len(trades), FinishedAt: time.Now().UTC()}
	if len(trades) == 0 {
		return stats
	}

	var grossProfit, grossLoss float64
	var tpHits [3]int
	var holdBars int
	equity := initialEquity
	peak := equity
	maxDD := 0.0

	for _, tr := range trades {
		if tr.RealizedPnL > 0 {
			stats.Wins++
			grossProfit += tr.RealizedPnL
		} else {
			stats.Losses++
			grossLoss += -tr.RealizedPnL
		}
		for i := range tr.TPHits {
			if tr.TPHits[i] {
				tpHits[i]++
			}
		}
		holdBars += tr.HoldBars
		stats.TotalPnL += tr.RealizedPnL

		equity += tr.RealizedPnL
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak * 100; dd > maxDD {
				maxDD = dd
			}
		}
	}

	n := float64(len(trades))
	stats.WinRate = float64(stats.Wins) / n * 100
	if grossLoss > 0 {
		stats.ProfitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		stats.ProfitFactor = grossProfit
	}
	for i := range tpHits {
		stats.TPHitRates[i] = float64(tpHits[i]) / n * 100
	}
	stats.AvgHoldBars = float64(holdBars) / n
	stats.MaxDrawdownPct = maxDD
	if initialEquity > 0 {
		stats.TotalPnLPct = stats.TotalPnL / initialEquity * 100
	}
	return stats
}
