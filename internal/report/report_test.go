package report

import (
	"strings"
	"testing"

	"quantcore/internal/backtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildReportHTML(t *testing.T) {
	run := backtest.Run{
		ID: "abcdef12-0000-0000-0000-000000000000",
		Params: backtest.RunParams{
			Symbol: "BTCUSDT", Timeframe: "1h", InitialEquity: 10000,
		},
	}
	trades := []backtest.Trade{
		{RealizedPnL: 120},
		{RealizedPnL: -45},
		{RealizedPnL: 80},
	}
	run.Stats = backtest.Summarize(trades, run.Params.InitialEquity)

	html, err := buildReportHTML(run, trades)
	require.NoError(t, err)

	body := string(html)
	assert.True(t, strings.Contains(body, "BTCUSDT 1h"))
	assert.Contains(t, body, "Drawdown")
	assert.Contains(t, body, "Equity")
	// 三笔成交都进了盈亏序列
	assert.Contains(t, body, "#3")
}

func TestNewRendererRequiresDir(t *testing.T) {
	_, err := NewRenderer("")
	assert.Error(t, err)

	r, err := NewRenderer(t.TempDir())
	require.NoError(t, err)
	assert.NotNil(t, r)
}
