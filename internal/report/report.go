package report

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"quantcore/internal/backtest"

	"github.com/chromedp/chromedp"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorEquity        = "#3b82f6"
	colorDrawdown      = "#f87171"
	colorWin           = "#34d399"
	colorLoss          = "#fb7185"

	chartWidthPx  = 1600
	chartHeightPx = 420
)

// Renderer 把一次回测渲染为 PNG 报告：权益曲线 + 回撤 + 逐笔盈亏。
// 实现 backtest.Reporter。
type Renderer struct {
	outDir string
	ctx    context.Context
}

func NewRenderer(outDir string) (*Renderer, error) {
	if strings.TrimSpace(outDir) == "" {
		return nil, fmt.Errorf("报告输出目录不能为空")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	return &Renderer{outDir: outDir, ctx: context.Background()}, nil
}

// SetContext 注入宿主 ctx，headless 渲染随之取消。
func (r *Renderer) SetContext(ctx context.Context) {
	if ctx != nil {
		r.ctx = ctx
	}
}

var (
	headlessOnce sync.Once
	headlessErr  error
)

// EnsureHeadlessAvailable 校验 headless Chrome 可用，只探测一次。
func EnsureHeadlessAvailable(ctx context.Context) error {
	headlessOnce.Do(func() {
		targetCtx := ctx
		if targetCtx == nil {
			targetCtx = context.Background()
		}
		parent, cancel := chromedp.NewContext(targetCtx)
		if cancel != nil {
			defer cancel()
		}
		headlessErr = chromedp.Run(parent)
	})
	return headlessErr
}

// Render 生成 PNG 并返回文件路径。
func (r *Renderer) Render(run backtest.Run, trades []backtest.Trade) (string, error) {
	if err := EnsureHeadlessAvailable(r.ctx); err != nil {
		return "", fmt.Errorf("headless 不可用: %w", err)
	}
	html, err := buildReportHTML(run, trades)
	if err != nil {
		return "", err
	}
	height := 3*chartHeightPx + 120
	png, err := renderHTMLToPNG(r.ctx, html, chartWidthPx, height)
	if err != nil {
		return "", err
	}
	path := filepath.Join(r.outDir, fmt.Sprintf("%s_%s.png", strings.ToLower(run.Params.Symbol), run.ID[:8]))
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func buildReportHTML(run backtest.Run, trades []backtest.Trade) ([]byte, error) {
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)

	xAxis := make([]string, 0, len(trades)+1)
	equity := make([]opts.LineData, 0, len(trades)+1)
	drawdown := make([]opts.LineData, 0, len(trades)+1)
	pnl := make([]opts.BarData, 0, len(trades))

	bal := run.Params.InitialEquity
	peak := bal
	xAxis = append(xAxis, "start")
	equity = append(equity, opts.LineData{Value: round2(bal)})
	drawdown = append(drawdown, opts.LineData{Value: 0.0})
	for i, tr := range trades {
		bal += tr.RealizedPnL
		if bal > peak {
			peak = bal
		}
		dd := 0.0
		if peak > 0 {
			dd = (peak - bal) / peak * 100
		}
		xAxis = append(xAxis, fmt.Sprintf("#%d", i+1))
		equity = append(equity, opts.LineData{Value: round2(bal)})
		drawdown = append(drawdown, opts.LineData{Value: round2(dd)})

		color := colorWin
		if tr.RealizedPnL < 0 {
			color = colorLoss
		}
		pnl = append(pnl, opts.BarData{Value: round2(tr.RealizedPnL), ItemStyle: &opts.ItemStyle{Color: color}})
	}

	init := opts.Initialization{
		Theme:           types.ThemeWesteros,
		Width:           fmt.Sprintf("%dpx", chartWidthPx),
		Height:          fmt.Sprintf("%dpx", chartHeightPx),
		BackgroundColor: colorBackground,
	}
	title := fmt.Sprintf("%s %s 回测", run.Params.Symbol, run.Params.Timeframe)
	subtitle := fmt.Sprintf("成交 %d | 胜率 %.1f%% | 盈亏比 %.2f | 最大回撤 %.2f%%",
		run.Stats.Trades, run.Stats.WinRate, run.Stats.ProfitFactor, run.Stats.MaxDrawdownPct)

	equityLine := charts.NewLine()
	equityLine.SetGlobalOptions(
		charts.WithInitializationOpts(init),
		charts.WithTitleOpts(opts.Title{
			Title:         title,
			Subtitle:      subtitle,
			Left:          "left",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Color: colorTextSecondary}}),
		charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true), AxisLabel: &opts.AxisLabel{Color: colorTextSecondary}}),
	)
	equityLine.SetXAxis(xAxis)
	equityLine.AddSeries("Equity", equity,
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2}))
	page.AddCharts(equityLine)

	ddLine := charts.NewLine()
	ddLine.SetGlobalOptions(
		charts.WithInitializationOpts(init),
		charts.WithTitleOpts(opts.Title{Title: "Drawdown %", Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Color: colorTextSecondary}}),
		charts.WithYAxisOpts(opts.YAxis{AxisLabel: &opts.AxisLabel{Color: colorTextSecondary}}),
	)
	ddLine.SetXAxis(xAxis)
	ddLine.AddSeries("Drawdown", drawdown,
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorDrawdown, Width: 2}))
	page.AddCharts(ddLine)

	pnlBar := charts.NewBar()
	pnlBar.SetGlobalOptions(
		charts.WithInitializationOpts(init),
		charts.WithTitleOpts(opts.Title{Title: "逐笔盈亏", Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Color: colorTextSecondary}}),
		charts.WithYAxisOpts(opts.YAxis{AxisLabel: &opts.AxisLabel{Color: colorTextSecondary}}),
	)
	pnlBar.SetXAxis(xAxis[1:])
	pnlBar.AddSeries("PnL", pnl)
	page.AddCharts(pnlBar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderHTMLToPNG(ctx context.Context, html []byte, width, height int) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parent, cancel := chromedp.NewContext(ctx)
	defer cancel()

	timeoutCtx, cancelTimeout := context.WithTimeout(parent, 20*time.Second)
	defer cancelTimeout()

	dataURI := "data:text/html;base64," + base64.StdEncoding.EncodeToString(html)
	var screenshot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(dataURI),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500 * time.Millisecond),
		chromedp.FullScreenshot(&screenshot, 0),
	}
	if err := chromedp.Run(timeoutCtx, tasks...); err != nil {
		return nil, err
	}
	return screenshot, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
