package backtest

import (
	"context"
	"fmt"
	"time"

	"quantcore/internal/drift"
	"quantcore/internal/feature"
	"quantcore/internal/logger"
	"quantcore/internal/market"
	"quantcore/internal/model"
	"quantcore/internal/signal"

	"github.com/google/uuid"
	"github.com/markcheno/go-talib"
)

var log = logger.Scope("backtest")

const atrPeriod = 14

// ModelResolver 按 symbol/timeframe 解析要回测的模型制品。
type ModelResolver interface {
	Resolve(ctx context.Context, symbol, timeframe string, version int, env string) (*model.Artifact, error)
}

// Reporter 在任务完成后渲染报告（可选）。
type Reporter interface {
	Render(run Run, trades []Trade) (string, error)
}

// SimulatorConfig 组装 Simulator 的全部依赖。
type SimulatorConfig struct {
	Candles       *market.Store
	Results       *ResultStore
	Resolver      ModelResolver
	Tiers         *signal.Constructor // 已绑定档位表与成本假设
	Guard         GuardFactory
	Features      feature.Config
	Engine        EngineConfig
	Reporter      Reporter
	Drift         *drift.Supervisor // 可选：推演流喂给挂载的漂移监控
	MaxConcurrent int
}

// GuardFactory 为每次 run 构造独立的门控（持仓快照随 run 演化）。
type GuardFactory func(positions signal.PositionSnapshot) (*signal.Guard, error)

// Simulator 把历史 K 线 + 模型 + 信号构造推演为成交与指标。
type Simulator struct {
	candles  *market.Store
	results  *ResultStore
	resolver ModelResolver
	ctor     *signal.Constructor
	guardFn  GuardFactory
	features feature.Config
	engine   *Engine
	reporter Reporter
	drift    *drift.Supervisor
	sem      chan struct{}
}

func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	if cfg.Candles == nil || cfg.Results == nil || cfg.Resolver == nil || cfg.Tiers == nil || cfg.Guard == nil {
		return nil, fmt.Errorf("candles/results/resolver/constructor/guard 均不能为空")
	}
	engine, err := NewEngine(cfg.Engine)
	if err != nil {
		return nil, err
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Simulator{
		candles:  cfg.Candles,
		results:  cfg.Results,
		resolver: cfg.Resolver,
		ctor:     cfg.Tiers,
		guardFn:  cfg.Guard,
		features: cfg.Features,
		engine:   engine,
		reporter: cfg.Reporter,
		drift:    cfg.Drift,
		sem:      make(chan struct{}, maxConcurrent),
	}, nil
}

// Submit 创建任务并异步执行。
func (s *Simulator) Submit(ctx context.Context, params RunParams) (Run, error) {
	if _, err := market.ParseTimeframe(params.Timeframe); err != nil {
		return Run{}, err
	}
	if params.Start >= params.End {
		return Run{}, fmt.Errorf("start 必须早于 end")
	}
	if params.InitialEquity <= 0 {
		params.InitialEquity = 10000
	}
	run := Run{
		ID:     uuid.NewString(),
		Status: RunStatusPending,
		Params: params,
	}
	if err := s.results.CreateRun(ctx, run); err != nil {
		return Run{}, err
	}
	go s.execute(context.WithoutCancel(ctx), run)
	return run, nil
}

func (s *Simulator) execute(ctx context.Context, run Run) {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	if err := s.results.SetStatus(ctx, run.ID, RunStatusRunning, ""); err != nil {
		log.Errorf("任务 %s 置运行态失败: %v", run.ID, err)
		return
	}
	trades, stats, err := s.Replay(ctx, run.Params)
	if err != nil {
		log.Errorf("任务 %s 失败: %v", run.ID, err)
		_ = s.results.SetStatus(ctx, run.ID, RunStatusFailed, err.Error())
		return
	}
	if err := s.results.Finish(ctx, run.ID, stats, trades); err != nil {
		log.Errorf("任务 %s 落库失败: %v", run.ID, err)
		return
	}
	log.Infof("任务 %s 完成: %d 笔成交, 胜率 %.1f%%, 总盈亏 %.2f", run.ID, stats.Trades, stats.WinRate, stats.TotalPnL)

	if s.reporter != nil {
		run.Stats = stats
		run.Status = RunStatusDone
		if path, err := s.reporter.Render(run, trades); err != nil {
			log.Warnf("任务 %s 报告渲染失败: %v", run.ID, err)
		} else {
			log.Infof("任务 %s 报告: %s", run.ID, path)
		}
	}
}

// Replay 同步执行完整推演：逐根 K 线构造信号、门控、模拟生命周期。
// 同一时刻只持有一个仓位，平仓后才评估下一个候选。
func (s *Simulator) Replay(ctx context.Context, params RunParams) ([]Trade, Stats, error) {
	tf, err := market.ParseTimeframe(params.Timeframe)
	if err != nil {
		return nil, Stats{}, err
	}
	candles, err := s.candles.RangeCandles(ctx, params.Symbol, params.Timeframe, params.Start, params.End)
	if err != nil {
		return nil, Stats{}, err
	}
	warmup := s.features.Warmup()
	if len(candles) < warmup+atrPeriod+2 {
		return nil, Stats{}, fmt.Errorf("历史不足: %d 根", len(candles))
	}

	artifact, err := s.resolver.Resolve(ctx, params.Symbol, params.Timeframe, params.ModelVersion, params.Env)
	if err != nil {
		return nil, Stats{}, err
	}

	frame, err := feature.NewBuilder(s.features).Build(candles)
	if err != nil {
		return nil, Stats{}, err
	}
	atr := talib.Atr(market.Highs(candles), market.Lows(candles), market.Closes(candles), atrPeriod)
	volumes := market.Volumes(candles)

	positions := &replayPositions{}
	guard, err := s.guardFn(positions)
	if err != nil {
		return nil, Stats{}, err
	}

	var trades []Trade
	equity := params.InitialEquity
	barDur := tf.Duration
	var mon *drift.Monitor
	if s.drift != nil {
		mon = s.drift.Monitor()
	}

	for i := warmup; i < len(candles)-1; i++ {
		if err := ctx.Err(); err != nil {
			return nil, Stats{}, err
		}
		row := frame.Rows[i-warmup]
		pred, err := artifact.Predict(row)
		if err != nil {
			return nil, Stats{}, err
		}
		if mon != nil {
			// 特征集不一致（旧参照）时静默丢弃该样本
			_ = mon.Observe(row, pred.Prob)
		}
		if !thresholdAdmits(pred, artifact.Threshold) {
			continue
		}
		window := atrWindow(atr, i)
		if len(window) == 0 || atr[i] <= 0 {
			continue
		}
		sig, err := s.ctor.Build(signal.Input{
			Symbol:     params.Symbol,
			Price:      candles[i].Close,
			ATR:        atr[i],
			ATRWindow:  window,
			Confidence: pred.Confidence,
			Side:       pred.Side,
			Equity:     equity,
			At:         time.UnixMilli(candles[i].CloseTime),
		})
		if err != nil {
			continue
		}
		decision := guard.Admit(sig, marketStateAt(volumes, i))
		if !decision.Accepted {
			continue
		}

		positions.open(sig.Symbol)
		trade, err := s.engine.Simulate(sig, candles, i+1, barDur)
		positions.close()
		if err != nil {
			return nil, Stats{}, err
		}
		trades = append(trades, trade)
		equity += trade.RealizedPnL
		if mon != nil {
			mon.RecordOutcome(trade.RealizedPnL > 0)
		}
		// 跳到平仓的那根 K 线之后再评估下一个候选
		i += trade.HoldBars + 1
	}

	return trades, Summarize(trades, params.InitialEquity), nil
}

// thresholdAdmits 按方向对照 F1 最优阈值（拟合在 P(up) 刻度上）：
// long 要求 P(up) 不低于阈值，short 要求低于阈值。
// 置信度下限由信号门控单独把关。
func thresholdAdmits(pred model.Prediction, threshold float64) bool {
	if pred.Side == "long" {
		return pred.Prob >= threshold
	}
	return pred.Prob < threshold
}

// atrWindow 取 regime 判定的 ATR 回看窗口。窗口过短时由
// 分位判定自行回落到 normal，这里只排除完全无历史的情形。
func atrWindow(atr []float64, i int) []float64 {
	const lookback = 100
	start := i - lookback
	if start < atrPeriod {
		start = atrPeriod
	}
	if start >= i {
		return nil
	}
	return atr[start:i]
}

// marketStateAt 用近期与中位成交量近似流动性，回测不建模点差。
func marketStateAt(volumes []float64, i int) signal.MarketState {
	const window = 48
	start := i - window
	if start < 0 {
		start = 0
	}
	recent := volumes[i]
	median := medianOf(volumes[start : i+1])
	return signal.MarketState{RecentVolume: recent, MedianVolume: median, SpreadBps: 1}
}

func medianOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	dup := append([]float64(nil), vals...)
	for i := 1; i < len(dup); i++ {
		for j := i; j > 0 && dup[j] < dup[j-1]; j-- {
			dup[j], dup[j-1] = dup[j-1], dup[j]
		}
	}
	mid := len(dup) / 2
	if len(dup)%2 == 0 {
		return (dup[mid-1] + dup[mid]) / 2
	}
	return dup[mid]
}

// replayPositions 回测内的顺序持仓快照：同一时刻至多一个。
type replayPositions struct {
	symbol string
}

func (p *replayPositions) open(symbol string) { p.symbol = symbol }
func (p *replayPositions) close()             { p.symbol = "" }

func (p *replayPositions) OpenSymbols() []string {
	if p.symbol == "" {
		return nil
	}
	return []string{p.symbol}
}

func (p *replayPositions) Correlation(candidate, held string) float64 {
	if candidate == held {
		return 1
	}
	return 0
}
