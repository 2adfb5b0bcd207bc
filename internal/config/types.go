package config

import "strings"

// Config 是 quantcore 的主配置载体。
type Config struct {
	App       AppConfig       `toml:"app"`
	Market    MarketConfig    `toml:"market"`
	Storage   StorageConfig   `toml:"storage"`
	Labeling  LabelingConfig  `toml:"labeling"`
	Features  FeatureConfig   `toml:"features"`
	Splitting SplittingConfig `toml:"splitting"`
	Model     ModelConfig     `toml:"model"`
	Signal    SignalConfig    `toml:"signal"`
	Engine    EngineConfig    `toml:"engine"`
	Drift     DriftConfig     `toml:"drift"`
	Train     TrainConfig     `toml:"train"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

// StorageConfig 集中所有落盘路径。
type StorageConfig struct {
	CandleDir    string `toml:"candle_dir"` // 每个 symbol/timeframe 一个 sqlite 文件的根目录
	ResultsDB    string `toml:"results_db"`
	RegistryDB   string `toml:"registry_db"`
	ArtifactsDir string `toml:"artifacts_dir"`
	ReportsDir   string `toml:"reports_dir"`
	TiersPath    string `toml:"tiers_path"` // 为空时使用内置分层表
}

// LabelingConfig 三重屏障标注参数。
type LabelingConfig struct {
	Side         string  `toml:"side"`
	TPMultiplier float64 `toml:"tp_multiplier"`
	SLMultiplier float64 `toml:"sl_multiplier"`
	TimeBars     int     `toml:"time_bars"`
	ATRPeriod    int     `toml:"atr_period"`
}

// FeatureConfig 指标窗口参数。
type FeatureConfig struct {
	EMAFast    int `toml:"ema_fast"`
	EMASlow    int `toml:"ema_slow"`
	RSIPeriod  int `toml:"rsi_period"`
	ATRPeriod  int `toml:"atr_period"`
	ADXPeriod  int `toml:"adx_period"`
	ROCPeriod  int `toml:"roc_period"`
	BBPeriod   int `toml:"bb_period"`
	VolWindow  int `toml:"vol_window"`
	OBVWindow  int `toml:"obv_window"`
	MACDFast   int `toml:"macd_fast"`
	MACDSlow   int `toml:"macd_slow"`
	MACDSignal int `toml:"macd_signal"`
}

// SplittingConfig 扩张窗口 walk-forward 切分参数。
type SplittingConfig struct {
	MinTrainDays   int `toml:"min_train_days"`
	TestPeriodDays int `toml:"test_period_days"`
	PurgeDays      int `toml:"purge_days"`
	EmbargoDays    int `toml:"embargo_days"`
}

// ModelConfig 梯度提升树训练参数。
type ModelConfig struct {
	Trees          int     `toml:"trees"`
	Depth          int     `toml:"depth"`
	LearningRate   float64 `toml:"learning_rate"`
	Subsample      float64 `toml:"subsample"`
	ColSample      float64 `toml:"col_sample"`
	MinChildWeight float64 `toml:"min_child_weight"`
	Lambda         float64 `toml:"lambda"`
	ClassWeighting bool    `toml:"class_weighting"`
	Seed           int64   `toml:"seed"`
}

// SignalConfig 信号构造与准入参数。
type SignalConfig struct {
	Risk  RiskConfig  `toml:"risk"`
	Guard GuardConfig `toml:"guard"`
	Cost  CostConfig  `toml:"cost"`
}

type RiskConfig struct {
	RiskPerTradePct float64 `toml:"risk_per_trade_pct"`
	MaxLeverage     float64 `toml:"max_leverage"`
	MaxPositions    int     `toml:"max_positions"`
	PricePrecision  int     `toml:"price_precision"`
}

type GuardConfig struct {
	MinConfidence   float64 `toml:"min_confidence"`
	MinNetProfitPct float64 `toml:"min_net_profit_pct"`
	MaxSpreadBps    float64 `toml:"max_spread_bps"`
	MaxCorrelation  float64 `toml:"max_correlation"`
	MinVolumeRatio  float64 `toml:"min_volume_ratio"`
	EVGateEnabled   bool    `toml:"ev_gate_enabled"`
	MinEVRatio      float64 `toml:"min_ev_ratio"`
}

type CostConfig struct {
	MakerFeePct       float64 `toml:"maker_fee_pct"`
	TakerFeePct       float64 `toml:"taker_fee_pct"`
	SlippagePct       float64 `toml:"slippage_pct"`
	FundingRate8hPct  float64 `toml:"funding_rate_8h_pct"`
	ExpectedHoldHours float64 `toml:"expected_hold_hours"`
}

// EngineConfig 回测成交引擎参数。
type EngineConfig struct {
	TakerFeePct      float64 `toml:"taker_fee_pct"`
	SlippagePct      float64 `toml:"slippage_pct"`
	FundingRate8hPct float64 `toml:"funding_rate_8h_pct"`
	TrailATRFraction float64 `toml:"trail_atr_fraction"`
	MaxHoldBars      int     `toml:"max_hold_bars"`
	MaxConcurrent    int     `toml:"max_concurrent"` // 并发回测 run 上限
}

// DriftConfig 漂移监控阈值。
type DriftConfig struct {
	WindowSize     int     `toml:"window_size"`
	MinSamples     int     `toml:"min_samples"`
	PSIThreshold   float64 `toml:"psi_threshold"`
	KSThreshold    float64 `toml:"ks_threshold"`
	DegradationPct float64 `toml:"degradation_pct"`
}

// TrainConfig 训练编排参数。
type TrainConfig struct {
	Workers int `toml:"workers"`
}

type MarketConfig struct {
	ActiveSource    string         `toml:"active_source"`
	RateLimitPerMin int            `toml:"rate_limit_per_min"`
	MaxBatch        int            `toml:"max_batch"`
	MaxConcurrent   int            `toml:"max_concurrent_jobs"`
	Sources         []MarketSource `toml:"sources"`
}

type MarketSource struct {
	Name        string      `toml:"name"`
	Enabled     bool        `toml:"enabled"`
	RESTBaseURL string      `toml:"rest_base_url"`
	Proxy       ProxyConfig `toml:"proxy"`
}

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	RESTURL string `toml:"rest_url"`
}

func (p *ProxyConfig) normalize() {
	if p == nil {
		return
	}
	p.RESTURL = strings.TrimSpace(p.RESTURL)
}

func (m MarketConfig) ResolveActiveSource() MarketSource {
	if len(m.Sources) == 0 {
		return MarketSource{
			Name:        "binance",
			Enabled:     true,
			RESTBaseURL: "https://fapi.binance.com",
		}
	}
	active := strings.ToLower(strings.TrimSpace(m.ActiveSource))
	var fallback MarketSource
	for _, src := range m.Sources {
		if fallback.Name == "" {
			fallback = src
		}
		if !src.Enabled {
			continue
		}
		if active == "" || strings.ToLower(src.Name) == active {
			return src
		}
	}
	return fallback
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
