package config

import (
	"fmt"
	"strings"
)

// 默认值常量
const (
	defaultAppEnv       = "dev"
	defaultAppLogLevel  = "info"
	defaultAppHTTPAddr  = ":9991"
	defaultAppLogPath   = "/data/logs/quantcore.log"
	defaultMarketName   = "binance"
	defaultMarketREST   = "https://fapi.binance.com"
	defaultMarketRate   = 480
	defaultMarketBatch  = 1000
	defaultMarketJobs   = 2
	defaultCandleDir    = "/data/db/candles"
	defaultResultsDB    = "/data/db/backtests.db"
	defaultRegistryDB   = "/data/db/registry.db"
	defaultArtifactsDir = "/data/models"
	defaultReportsDir   = "/data/reports"
	defaultTrainWorkers = 4
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Storage.applyDefaults(keys)
	c.Labeling.applyDefaults(keys)
	c.Features.applyDefaults(keys)
	c.Splitting.applyDefaults(keys)
	c.Model.applyDefaults(keys)
	c.Signal.applyDefaults(keys)
	c.Engine.applyDefaults(keys)
	c.Drift.applyDefaults(keys)
	c.Train.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (s *StorageConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("storage.candle_dir", &s.CandleDir, defaultCandleDir),
		stringFieldDefault("storage.results_db", &s.ResultsDB, defaultResultsDB),
		stringFieldDefault("storage.registry_db", &s.RegistryDB, defaultRegistryDB),
		stringFieldDefault("storage.artifacts_dir", &s.ArtifactsDir, defaultArtifactsDir),
		stringFieldDefault("storage.reports_dir", &s.ReportsDir, defaultReportsDir),
	)
}

func (l *LabelingConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("labeling.side", &l.Side, "long"),
		floatFieldDefault("labeling.tp_multiplier", &l.TPMultiplier, 2.0),
		floatFieldDefault("labeling.sl_multiplier", &l.SLMultiplier, 1.0),
		intFieldDefault("labeling.time_bars", &l.TimeBars, 24),
		intFieldDefault("labeling.atr_period", &l.ATRPeriod, 14),
	)
}

func (f *FeatureConfig) applyDefaults(keys keySet) {
	if f == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("features.ema_fast", &f.EMAFast, 20),
		intFieldDefault("features.ema_slow", &f.EMASlow, 50),
		intFieldDefault("features.rsi_period", &f.RSIPeriod, 14),
		intFieldDefault("features.atr_period", &f.ATRPeriod, 14),
		intFieldDefault("features.adx_period", &f.ADXPeriod, 14),
		intFieldDefault("features.roc_period", &f.ROCPeriod, 10),
		intFieldDefault("features.bb_period", &f.BBPeriod, 20),
		intFieldDefault("features.vol_window", &f.VolWindow, 20),
		intFieldDefault("features.obv_window", &f.OBVWindow, 20),
		intFieldDefault("features.macd_fast", &f.MACDFast, 12),
		intFieldDefault("features.macd_slow", &f.MACDSlow, 26),
		intFieldDefault("features.macd_signal", &f.MACDSignal, 9),
	)
}

func (s *SplittingConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("splitting.min_train_days", &s.MinTrainDays, 180),
		intFieldDefault("splitting.test_period_days", &s.TestPeriodDays, 30),
		intFieldDefault("splitting.purge_days", &s.PurgeDays, 2),
		intFieldDefault("splitting.embargo_days", &s.EmbargoDays, 1),
	)
}

func (m *ModelConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("model.trees", &m.Trees, 150),
		intFieldDefault("model.depth", &m.Depth, 4),
		floatFieldDefault("model.learning_rate", &m.LearningRate, 0.1),
		floatFieldDefault("model.subsample", &m.Subsample, 0.8),
		floatFieldDefault("model.col_sample", &m.ColSample, 0.8),
		floatFieldDefault("model.min_child_weight", &m.MinChildWeight, 1.0),
		floatFieldDefault("model.lambda", &m.Lambda, 1.0),
		boolFieldDefault("model.class_weighting", &m.ClassWeighting, true),
	)
}

func (s *SignalConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("signal.risk.risk_per_trade_pct", &s.Risk.RiskPerTradePct, 1.0),
		floatFieldDefault("signal.risk.max_leverage", &s.Risk.MaxLeverage, 5),
		intFieldDefault("signal.risk.max_positions", &s.Risk.MaxPositions, 3),
		intFieldDefault("signal.risk.price_precision", &s.Risk.PricePrecision, 2),
		floatFieldDefault("signal.guard.min_confidence", &s.Guard.MinConfidence, 0.60),
		floatFieldDefault("signal.guard.min_net_profit_pct", &s.Guard.MinNetProfitPct, 2.0),
		floatFieldDefault("signal.guard.max_spread_bps", &s.Guard.MaxSpreadBps, 5),
		floatFieldDefault("signal.guard.max_correlation", &s.Guard.MaxCorrelation, 0.8),
		floatFieldDefault("signal.guard.min_volume_ratio", &s.Guard.MinVolumeRatio, 0.5),
		floatFieldDefault("signal.guard.min_ev_ratio", &s.Guard.MinEVRatio, 1.0),
		floatFieldDefault("signal.cost.maker_fee_pct", &s.Cost.MakerFeePct, 0.02),
		floatFieldDefault("signal.cost.taker_fee_pct", &s.Cost.TakerFeePct, 0.05),
		floatFieldDefault("signal.cost.slippage_pct", &s.Cost.SlippagePct, 0.05),
		floatFieldDefault("signal.cost.funding_rate_8h_pct", &s.Cost.FundingRate8hPct, 0.01),
		floatFieldDefault("signal.cost.expected_hold_hours", &s.Cost.ExpectedHoldHours, 60),
	)
}

func (e *EngineConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("engine.taker_fee_pct", &e.TakerFeePct, 0.05),
		floatFieldDefault("engine.slippage_pct", &e.SlippagePct, 0.05),
		floatFieldDefault("engine.funding_rate_8h_pct", &e.FundingRate8hPct, 0.01),
		floatFieldDefault("engine.trail_atr_fraction", &e.TrailATRFraction, 0.5),
		intFieldDefault("engine.max_hold_bars", &e.MaxHoldBars, 96),
		intFieldDefault("engine.max_concurrent", &e.MaxConcurrent, 2),
	)
}

func (d *DriftConfig) applyDefaults(keys keySet) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("drift.window_size", &d.WindowSize, 500),
		intFieldDefault("drift.min_samples", &d.MinSamples, 100),
		floatFieldDefault("drift.psi_threshold", &d.PSIThreshold, 0.25),
		floatFieldDefault("drift.ks_threshold", &d.KSThreshold, 0.15),
		floatFieldDefault("drift.degradation_pct", &d.DegradationPct, 20),
	)
}

func (t *TrainConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("train.workers", &t.Workers, defaultTrainWorkers),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("market.rate_limit_per_min", &m.RateLimitPerMin, defaultMarketRate),
		intFieldDefault("market.max_batch", &m.MaxBatch, defaultMarketBatch),
		intFieldDefault("market.max_concurrent_jobs", &m.MaxConcurrent, defaultMarketJobs),
	)
	if len(m.Sources) == 0 {
		m.Sources = []MarketSource{{
			Name:        defaultMarketName,
			Enabled:     true,
			RESTBaseURL: defaultMarketREST,
		}}
	}
	for i := range m.Sources {
		src := &m.Sources[i]
		src.Proxy.normalize()
		if strings.TrimSpace(src.Name) == "" {
			if i == 0 {
				src.Name = defaultMarketName
			} else {
				src.Name = fmt.Sprintf("market_%d", i)
			}
		}
		if src.RESTBaseURL == "" {
			src.RESTBaseURL = defaultMarketREST
		}
	}
	if strings.TrimSpace(m.ActiveSource) == "" {
		m.ActiveSource = firstEnabledMarket(m.Sources)
	}
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func firstEnabledMarket(sources []MarketSource) string {
	for _, src := range sources {
		name := strings.TrimSpace(src.Name)
		if src.Enabled && name != "" {
			return name
		}
	}
	if len(sources) > 0 {
		if name := strings.TrimSpace(sources[0].Name); name != "" {
			return name
		}
	}
	return defaultMarketName
}
