package config

import (
	"fmt"
	"strings"
)

// validate 对配置进行基础校验。信号/引擎的深层校验由各包自身完成，
// 这里只拦截明显的配置书写错误。
func validate(c *Config) error {
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Labeling.validate(); err != nil {
		return err
	}
	if err := c.Splitting.validate(); err != nil {
		return err
	}
	if err := c.Model.validate(); err != nil {
		return err
	}
	if err := c.Signal.validate(); err != nil {
		return err
	}
	if err := c.Engine.validate(); err != nil {
		return err
	}
	if err := c.Drift.validate(); err != nil {
		return err
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if len(m.Sources) == 0 {
		return fmt.Errorf("market.sources requires at least one source")
	}
	activeName := strings.ToLower(strings.TrimSpace(m.ActiveSource))
	enabled := 0
	activeFound := false
	for _, src := range m.Sources {
		if !src.Enabled {
			continue
		}
		enabled++
		if strings.TrimSpace(src.RESTBaseURL) == "" {
			return fmt.Errorf("market source %s missing rest_base_url", src.Name)
		}
		if src.Proxy.Enabled && src.Proxy.RESTURL == "" {
			return fmt.Errorf("market source %s has proxy enabled but no rest_url", src.Name)
		}
		name := strings.ToLower(strings.TrimSpace(src.Name))
		if activeName == "" || name == activeName {
			activeFound = true
		}
	}
	if enabled == 0 {
		return fmt.Errorf("market.sources requires at least one enabled source")
	}
	if !activeFound {
		return fmt.Errorf("enabled market.active_source=%s not found", m.ActiveSource)
	}
	if m.RateLimitPerMin <= 0 {
		return fmt.Errorf("market.rate_limit_per_min must be > 0")
	}
	if m.MaxBatch <= 0 || m.MaxBatch > 1500 {
		return fmt.Errorf("market.max_batch must be in (0, 1500]")
	}
	return nil
}

func (l *LabelingConfig) validate() error {
	side := strings.ToLower(strings.TrimSpace(l.Side))
	if side != "long" && side != "short" {
		return fmt.Errorf("labeling.side only supports 'long' or 'short', got %s", l.Side)
	}
	if l.TPMultiplier <= 0 || l.SLMultiplier <= 0 {
		return fmt.Errorf("labeling tp/sl multipliers must be > 0")
	}
	if l.TimeBars <= 0 {
		return fmt.Errorf("labeling.time_bars must be > 0")
	}
	if l.ATRPeriod < 2 {
		return fmt.Errorf("labeling.atr_period must be >= 2")
	}
	return nil
}

func (s *SplittingConfig) validate() error {
	if s.MinTrainDays <= 0 || s.TestPeriodDays <= 0 {
		return fmt.Errorf("splitting min_train_days/test_period_days must be > 0")
	}
	if s.PurgeDays < 0 || s.EmbargoDays < 0 {
		return fmt.Errorf("splitting purge_days/embargo_days must be >= 0")
	}
	return nil
}

func (m *ModelConfig) validate() error {
	if m.Trees <= 0 || m.Depth <= 0 {
		return fmt.Errorf("model.trees and model.depth must be > 0")
	}
	if m.LearningRate <= 0 || m.LearningRate > 1 {
		return fmt.Errorf("model.learning_rate must be in (0, 1]")
	}
	if m.Subsample <= 0 || m.Subsample > 1 || m.ColSample <= 0 || m.ColSample > 1 {
		return fmt.Errorf("model subsample/col_sample must be in (0, 1]")
	}
	return nil
}

func (s *SignalConfig) validate() error {
	if s.Risk.RiskPerTradePct <= 0 || s.Risk.RiskPerTradePct > 10 {
		return fmt.Errorf("signal.risk.risk_per_trade_pct must be in (0, 10]")
	}
	if s.Risk.MaxLeverage < 1 {
		return fmt.Errorf("signal.risk.max_leverage must be >= 1")
	}
	if s.Risk.MaxPositions <= 0 {
		return fmt.Errorf("signal.risk.max_positions must be > 0")
	}
	if s.Guard.MinConfidence < 0.5 || s.Guard.MinConfidence > 1 {
		return fmt.Errorf("signal.guard.min_confidence must be in [0.5, 1]")
	}
	if s.Guard.MaxSpreadBps <= 0 {
		return fmt.Errorf("signal.guard.max_spread_bps must be > 0")
	}
	if s.Guard.MaxCorrelation <= 0 || s.Guard.MaxCorrelation > 1 {
		return fmt.Errorf("signal.guard.max_correlation must be in (0, 1]")
	}
	if s.Cost.TakerFeePct < 0 || s.Cost.SlippagePct < 0 {
		return fmt.Errorf("signal.cost fees must be >= 0")
	}
	if s.Cost.ExpectedHoldHours <= 0 {
		return fmt.Errorf("signal.cost.expected_hold_hours must be > 0")
	}
	return nil
}

func (e *EngineConfig) validate() error {
	if e.TrailATRFraction <= 0 || e.TrailATRFraction >= 1 {
		return fmt.Errorf("engine.trail_atr_fraction must be in (0, 1)")
	}
	if e.MaxHoldBars <= 0 {
		return fmt.Errorf("engine.max_hold_bars must be > 0")
	}
	return nil
}

func (d *DriftConfig) validate() error {
	if d.WindowSize <= 0 || d.MinSamples <= 0 || d.MinSamples > d.WindowSize {
		return fmt.Errorf("drift window_size/min_samples invalid")
	}
	if d.PSIThreshold <= 0 || d.KSThreshold <= 0 || d.DegradationPct <= 0 {
		return fmt.Errorf("drift thresholds must be > 0")
	}
	return nil
}

// IsValidInterval 简易校验：以数字开头，以 m/h/d/w 结尾
func IsValidInterval(s string) bool {
	if s == "" {
		return false
	}
	suf := s[len(s)-1]
	if suf != 'm' && suf != 'h' && suf != 'd' && suf != 'w' {
		return false
	}
	for i := 0; i < len(s)-1; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
