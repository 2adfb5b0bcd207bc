package app

import (
	"context"
	"fmt"
	"time"

	"quantcore/internal/backtest"
	qcfg "quantcore/internal/config"
	"quantcore/internal/drift"
	"quantcore/internal/feature"
	"quantcore/internal/label"
	"quantcore/internal/market"
	"quantcore/internal/market/binance"
	"quantcore/internal/model"
	"quantcore/internal/policy"
	"quantcore/internal/registry"
	"quantcore/internal/report"
	"quantcore/internal/signal"
	"quantcore/internal/train"
	"quantcore/internal/walkforward"
)

// AppBuilder 按依赖顺序装配全部组件。每个 provide* 只负责一个关注点，
// 失败即中止并带上下文返回。
type AppBuilder struct {
	cfg *qcfg.Config
}

func NewAppBuilder(cfg *qcfg.Config) *AppBuilder {
	return &AppBuilder{cfg: cfg}
}

type appBuilderDeps interface {
	Build(context.Context) (*App, error)
}

func provideAppBuilder(cfg *qcfg.Config) *AppBuilder {
	return NewAppBuilder(cfg)
}

func provideAppFromBuilder(b appBuilderDeps, ctx context.Context) (*App, error) {
	return b.Build(ctx)
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg

	candles, err := market.NewStore(cfg.Storage.CandleDir)
	if err != nil {
		return nil, fmt.Errorf("初始化 K 线库失败: %w", err)
	}
	fetcher, err := b.provideFetcher(candles)
	if err != nil {
		return nil, err
	}

	results, err := backtest.NewResultStore(cfg.Storage.ResultsDB)
	if err != nil {
		return nil, fmt.Errorf("初始化回测结果库失败: %w", err)
	}
	reg, err := registry.New(cfg.Storage.RegistryDB)
	if err != nil {
		return nil, fmt.Errorf("初始化模型注册表失败: %w", err)
	}
	artifacts, err := model.NewFileArtifactStore(cfg.Storage.ArtifactsDir)
	if err != nil {
		return nil, fmt.Errorf("初始化模型制品库失败: %w", err)
	}

	tiers, err := b.provideTiers()
	if err != nil {
		return nil, err
	}
	ctor, guardFactory, err := b.provideSignal(tiers)
	if err != nil {
		return nil, err
	}

	driftSup := drift.NewSupervisor(5 * time.Minute)
	trainer, err := b.provideTrainer(candles, artifacts, reg, driftSup)
	if err != nil {
		return nil, err
	}

	resolver, err := registry.NewResolver(reg, artifacts)
	if err != nil {
		return nil, err
	}
	renderer, err := report.NewRenderer(cfg.Storage.ReportsDir)
	if err != nil {
		return nil, fmt.Errorf("初始化报告渲染器失败: %w", err)
	}
	sim, err := backtest.NewSimulator(backtest.SimulatorConfig{
		Candles:  candles,
		Results:  results,
		Resolver: resolver,
		Tiers:    ctor,
		Guard:    guardFactory,
		Features: b.featureConfig(),
		Engine: backtest.EngineConfig{
			TakerFeePct:      cfg.Engine.TakerFeePct,
			SlippagePct:      cfg.Engine.SlippagePct,
			FundingRate8hPct: cfg.Engine.FundingRate8hPct,
			TrailATRFraction: cfg.Engine.TrailATRFraction,
			MaxHoldBars:      cfg.Engine.MaxHoldBars,
		},
		Reporter:      renderer,
		Drift:         driftSup,
		MaxConcurrent: cfg.Engine.MaxConcurrent,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化回测服务失败: %w", err)
	}

	httpSrv, err := backtest.NewHTTPServer(backtest.HTTPConfig{
		Addr:      cfg.App.HTTPAddr,
		Fetcher:   fetcher,
		Simulator: sim,
		Results:   results,
		Trainer:   trainer,
		Registry:  reg,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 HTTP 服务失败: %w", err)
	}

	return &App{
		cfg:     cfg,
		candles: candles,
		results: results,
		http:    httpSrv,
		drift:   driftSup,
	}, nil
}

func (b *AppBuilder) provideFetcher(candles *market.Store) (*market.Fetcher, error) {
	src := b.cfg.Market.ResolveActiveSource()
	source, err := binance.New(binance.Config{
		RESTBaseURL:  src.RESTBaseURL,
		ProxyEnabled: src.Proxy.Enabled,
		RESTProxyURL: src.Proxy.RESTURL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化行情源 %s 失败: %w", src.Name, err)
	}
	return market.NewFetcher(market.FetcherConfig{
		Store:           candles,
		Source:          source,
		RateLimitPerMin: b.cfg.Market.RateLimitPerMin,
		MaxBatch:        b.cfg.Market.MaxBatch,
		MaxConcurrent:   b.cfg.Market.MaxConcurrent,
	})
}

func (b *AppBuilder) provideTiers() (*policy.Registry, error) {
	if b.cfg.Storage.TiersPath == "" {
		return policy.NewDefaultRegistry(), nil
	}
	tiers, err := policy.NewRegistry(b.cfg.Storage.TiersPath)
	if err != nil {
		return nil, fmt.Errorf("加载分层表 %s 失败: %w", b.cfg.Storage.TiersPath, err)
	}
	return tiers, nil
}

func (b *AppBuilder) provideSignal(tiers *policy.Registry) (*signal.Constructor, backtest.GuardFactory, error) {
	risk := signal.RiskProfile{
		RiskPerTradePct: b.cfg.Signal.Risk.RiskPerTradePct,
		MaxLeverage:     b.cfg.Signal.Risk.MaxLeverage,
		MaxPositions:    b.cfg.Signal.Risk.MaxPositions,
		PricePrecision:  int32(b.cfg.Signal.Risk.PricePrecision),
	}
	costs := signal.CostModel{
		MakerFeePct:       b.cfg.Signal.Cost.MakerFeePct,
		TakerFeePct:       b.cfg.Signal.Cost.TakerFeePct,
		SlippagePct:       b.cfg.Signal.Cost.SlippagePct,
		FundingRate8hPct:  b.cfg.Signal.Cost.FundingRate8hPct,
		ExpectedHoldHours: b.cfg.Signal.Cost.ExpectedHoldHours,
	}
	ctor, err := signal.NewConstructor(tiers, costs, risk)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化信号构造器失败: %w", err)
	}
	guardCfg := signal.GuardConfig{
		MinConfidence:   b.cfg.Signal.Guard.MinConfidence,
		MinNetProfitPct: b.cfg.Signal.Guard.MinNetProfitPct,
		MaxSpreadBps:    b.cfg.Signal.Guard.MaxSpreadBps,
		MaxCorrelation:  b.cfg.Signal.Guard.MaxCorrelation,
		MinVolumeRatio:  b.cfg.Signal.Guard.MinVolumeRatio,
		EVGateEnabled:   b.cfg.Signal.Guard.EVGateEnabled,
		MinEVRatio:      b.cfg.Signal.Guard.MinEVRatio,
	}
	factory := func(positions signal.PositionSnapshot) (*signal.Guard, error) {
		return signal.NewGuard(guardCfg, risk, positions)
	}
	return ctor, factory, nil
}

func (b *AppBuilder) provideTrainer(candles *market.Store, artifacts model.ArtifactStore, reg *registry.Registry, driftSup *drift.Supervisor) (*train.Manager, error) {
	labeler, err := label.New(label.Config{
		Side:         label.Side(b.cfg.Labeling.Side),
		TPMultiplier: b.cfg.Labeling.TPMultiplier,
		SLMultiplier: b.cfg.Labeling.SLMultiplier,
		TimeBars:     b.cfg.Labeling.TimeBars,
		ATRPeriod:    b.cfg.Labeling.ATRPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化标注器失败: %w", err)
	}
	splitter, err := walkforward.NewSplitter(walkforward.Config{
		MinTrainDays:   b.cfg.Splitting.MinTrainDays,
		TestPeriodDays: b.cfg.Splitting.TestPeriodDays,
		PurgeDays:      b.cfg.Splitting.PurgeDays,
		EmbargoDays:    b.cfg.Splitting.EmbargoDays,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化切分器失败: %w", err)
	}
	params := model.Params{
		Trees:          b.cfg.Model.Trees,
		Depth:          b.cfg.Model.Depth,
		LearningRate:   b.cfg.Model.LearningRate,
		Subsample:      b.cfg.Model.Subsample,
		ColSample:      b.cfg.Model.ColSample,
		MinChildWeight: b.cfg.Model.MinChildWeight,
		Lambda:         b.cfg.Model.Lambda,
		ClassWeighting: b.cfg.Model.ClassWeighting,
		Seed:           b.cfg.Model.Seed,
	}
	runner, err := train.NewRunner(splitter, params, b.cfg.Train.Workers, train.LogProgress)
	if err != nil {
		return nil, fmt.Errorf("初始化训练 runner 失败: %w", err)
	}
	svc, err := train.NewService(feature.NewBuilder(b.featureConfig()), labeler, runner, artifacts, reg)
	if err != nil {
		return nil, fmt.Errorf("初始化训练服务失败: %w", err)
	}
	svc.EnableDrift(driftSup, drift.Config{
		WindowSize:     b.cfg.Drift.WindowSize,
		MinSamples:     b.cfg.Drift.MinSamples,
		PSIThreshold:   b.cfg.Drift.PSIThreshold,
		KSThreshold:    b.cfg.Drift.KSThreshold,
		DegradationPct: b.cfg.Drift.DegradationPct,
	})
	return train.NewManager(svc, candles, 1)
}

func (b *AppBuilder) featureConfig() feature.Config {
	f := b.cfg.Features
	return feature.Config{
		EMAFast:    f.EMAFast,
		EMASlow:    f.EMASlow,
		RSIPeriod:  f.RSIPeriod,
		ATRPeriod:  f.ATRPeriod,
		ADXPeriod:  f.ADXPeriod,
		ROCPeriod:  f.ROCPeriod,
		BBPeriod:   f.BBPeriod,
		VolWindow:  f.VolWindow,
		OBVWindow:  f.OBVWindow,
		MACDFast:   f.MACDFast,
		MACDSlow:   f.MACDSlow,
		MACDSignal: f.MACDSignal,
	}
}
