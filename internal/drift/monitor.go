package drift

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"quantcore/internal/logger"
)

var log = logger.Scope("drift")

const (
	psiBins    = 10
	psiEpsilon = 1e-4
)

// Reference 训练期的分布参照：每个特征的分位分箱 + 参照样本。
// 一经构建只读。
type Reference struct {
	Names       []string
	Edges       [][]float64 // 每个特征 psiBins-1 个分位切点
	Fractions   [][]float64 // 每个特征的参照分箱占比
	Samples     [][]float64 // 每个特征的参照样本（已排序），供 KS 使用
	Predictions []float64   // 训练期校准概率（已排序）
	PredEdges   []float64
	PredFracs   []float64
	OOSAccuracy float64 // 训练期 OOS 基准准确率
}

// BuildReference 从训练数据构建分布参照。rows 按列与 names 对齐。
func BuildReference(names []string, rows [][]float64, predictions []float64, oosAccuracy float64) (*Reference, error) {
	if len(names) == 0 || len(rows) == 0 {
		return nil, fmt.Errorf("参照数据不能为空")
	}
	for i, row := range rows {
		if len(row) != len(names) {
			return nil, fmt.Errorf("第 %d 行宽度不匹配", i)
		}
	}
	ref := &Reference{
		Names:       names,
		Edges:       make([][]float64, len(names)),
		Fractions:   make([][]float64, len(names)),
		Samples:     make([][]float64, len(names)),
		OOSAccuracy: oosAccuracy,
	}
	for j := range names {
		col := make([]float64, len(rows))
		for i, row := range rows {
			col[i] = row[j]
		}
		sort.Float64s(col)
		ref.Samples[j] = col
		ref.Edges[j] = quantileEdges(col)
		ref.Fractions[j] = binFractions(col, ref.Edges[j])
	}
	if len(predictions) > 0 {
		preds := append([]float64(nil), predictions...)
		sort.Float64s(preds)
		ref.Predictions = preds
		ref.PredEdges = quantileEdges(preds)
		ref.PredFracs = binFractions(preds, ref.PredEdges)
	}
	return ref, nil
}

// quantileEdges 等频分箱切点。
func quantileEdges(sorted []float64) []float64 {
	edges := make([]float64, 0, psiBins-1)
	for k := 1; k < psiBins; k++ {
		idx := k * len(sorted) / psiBins
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		edges = append(edges, sorted[idx])
	}
	return edges
}

// binFractions 按切点统计各箱占比。
func binFractions(values, edges []float64) []float64 {
	counts := make([]float64, len(edges)+1)
	for _, v := range values {
		counts[binIndex(v, edges)]++
	}
	n := float64(len(values))
	for i := range counts {
		counts[i] /= n
	}
	return counts
}

func binIndex(v float64, edges []float64) int {
	i := sort.SearchFloat64s(edges, v)
	if i > len(edges) {
		i = len(edges)
	}
	return i
}

// PSI 两组分箱占比之间的 population stability index。
func PSI(expected, actual []float64) float64 {
	var psi float64
	for i := range expected {
		p := expected[i]
		q := actual[i]
		if p < psiEpsilon {
			p = psiEpsilon
		}
		if q < psiEpsilon {
			q = psiEpsilon
		}
		psi += (q - p) * math.Log(q/p)
	}
	return psi
}

// KS 两个已排序样本的 Kolmogorov–Smirnov 统计量。
func KS(refSorted, liveSorted []float64) float64 {
	if len(refSorted) == 0 || len(liveSorted) == 0 {
		return 0
	}
	var maxDiff float64
	i, j := 0, 0
	for i < len(refSorted) && j < len(liveSorted) {
		// 相同取值两侧一并消耗，避免平票时经验分布差被虚增
		v := math.Min(refSorted[i], liveSorted[j])
		for i < len(refSorted) && refSorted[i] == v {
			i++
		}
		for j < len(liveSorted) && liveSorted[j] == v {
			j++
		}
		d := math.Abs(float64(i)/float64(len(refSorted)) - float64(j)/float64(len(liveSorted)))
		if d > maxDiff {
			maxDiff = d
		}
	}
	return maxDiff
}

// Config 漂移阈值。
type Config struct {
	WindowSize     int     `mapstructure:"window_size"`
	MinSamples     int     `mapstructure:"min_samples"`
	PSIThreshold   float64 `mapstructure:"psi_threshold"`
	KSThreshold    float64 `mapstructure:"ks_threshold"`
	DegradationPct float64 `mapstructure:"degradation_pct"`
}

func DefaultConfig() Config {
	return Config{
		WindowSize:     500,
		MinSamples:     100,
		PSIThreshold:   0.25,
		KSThreshold:    0.15,
		DegradationPct: 20,
	}
}

func (c Config) validate() error {
	if c.WindowSize <= 0 || c.MinSamples <= 0 || c.MinSamples > c.WindowSize {
		return fmt.Errorf("window_size/min_samples 配置无效")
	}
	if c.PSIThreshold <= 0 || c.KSThreshold <= 0 || c.DegradationPct <= 0 {
		return fmt.Errorf("漂移阈值必须大于 0")
	}
	return nil
}

// Report 一次漂移评估。Degraded 是给再训练编排的建议信号，
// 不阻断任何在线推理。
type Report struct {
	At              time.Time          `json:"at"`
	Samples         int                `json:"samples"`
	FeaturePSI      map[string]float64 `json:"feature_psi"`
	FeatureKS       map[string]float64 `json:"feature_ks"`
	PredictionPSI   float64            `json:"prediction_psi"`
	RollingAccuracy float64            `json:"rolling_accuracy"`
	Degraded        bool               `json:"degraded"`
	Reasons         []string           `json:"reasons,omitempty"`
}

// Listener 漂移事件回调。
type Listener func(Report)

// Monitor 滚动窗口漂移监控。并发安全。
type Monitor struct {
	cfg Config
	ref *Reference

	mu        sync.Mutex
	rows      [][]float64
	preds     []float64
	outcomes  []bool
	listeners []Listener
}

func NewMonitor(ref *Reference, cfg Config) (*Monitor, error) {
	if ref == nil {
		return nil, fmt.Errorf("参照不能为空")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Monitor{cfg: cfg, ref: ref}, nil
}

// Subscribe 注册漂移事件回调。
func (m *Monitor) Subscribe(fn Listener) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Observe 记录一次在线样本：特征行 + 校准概率。
func (m *Monitor) Observe(row []float64, prediction float64) error {
	if len(row) != len(m.ref.Names) {
		return fmt.Errorf("特征宽度不匹配: 期望 %d 实际 %d", len(m.ref.Names), len(row))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, append([]float64(nil), row...))
	m.preds = append(m.preds, prediction)
	if len(m.rows) > m.cfg.WindowSize {
		m.rows = m.rows[len(m.rows)-m.cfg.WindowSize:]
		m.preds = m.preds[len(m.preds)-m.cfg.WindowSize:]
	}
	return nil
}

// RecordOutcome 记录一次已实现结果是否与预测一致。
func (m *Monitor) RecordOutcome(correct bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, correct)
	if len(m.outcomes) > m.cfg.WindowSize {
		m.outcomes = m.outcomes[len(m.outcomes)-m.cfg.WindowSize:]
	}
}

// Evaluate 对当前窗口做一次评估；样本不足时返回未降级的空报告。
// 触发降级时通知全部订阅者。
func (m *Monitor) Evaluate() Report {
	m.mu.Lock()
	rows := make([][]float64, len(m.rows))
	copy(rows, m.rows)
	preds := append([]float64(nil), m.preds...)
	outcomes := append([]bool(nil), m.outcomes...)
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	report := Report{
		At:         time.Now().UTC(),
		Samples:    len(rows),
		FeaturePSI: make(map[string]float64, len(m.ref.Names)),
		FeatureKS:  make(map[string]float64, len(m.ref.Names)),
	}
	if len(rows) < m.cfg.MinSamples {
		return report
	}

	for j, name := range m.ref.Names {
		col := make([]float64, len(rows))
		for i, row := range rows {
			col[i] = row[j]
		}
		report.FeaturePSI[name] = PSI(m.ref.Fractions[j], binFractions(col, m.ref.Edges[j]))
		sort.Float64s(col)
		report.FeatureKS[name] = KS(m.ref.Samples[j], col)

		if report.FeaturePSI[name] > m.cfg.PSIThreshold {
			report.Reasons = append(report.Reasons, fmt.Sprintf("特征 %s PSI %.3f 超阈值 %.3f", name, report.FeaturePSI[name], m.cfg.PSIThreshold))
		}
		if report.FeatureKS[name] > m.cfg.KSThreshold {
			report.Reasons = append(report.Reasons, fmt.Sprintf("特征 %s KS %.3f 超阈值 %.3f", name, report.FeatureKS[name], m.cfg.KSThreshold))
		}
	}

	if len(m.ref.PredFracs) > 0 && len(preds) > 0 {
		report.PredictionPSI = PSI(m.ref.PredFracs, binFractions(preds, m.ref.PredEdges))
		if report.PredictionPSI > m.cfg.PSIThreshold {
			report.Reasons = append(report.Reasons, fmt.Sprintf("预测分布 PSI %.3f 超阈值 %.3f", report.PredictionPSI, m.cfg.PSIThreshold))
		}
	}

	if len(outcomes) >= m.cfg.MinSamples && m.ref.OOSAccuracy > 0 {
		correct := 0
		for _, ok := range outcomes {
			if ok {
				correct++
			}
		}
		report.RollingAccuracy = float64(correct) / float64(len(outcomes))
		degradation := (m.ref.OOSAccuracy - report.RollingAccuracy) / m.ref.OOSAccuracy * 100
		if degradation > m.cfg.DegradationPct {
			report.Reasons = append(report.Reasons, fmt.Sprintf("滚动准确率 %.3f 相比基准 %.3f 退化 %.1f%%", report.RollingAccuracy, m.ref.OOSAccuracy, degradation))
		}
	}

	report.Degraded = len(report.Reasons) > 0
	if report.Degraded {
		log.Warnf("检测到漂移: %v", report.Reasons)
		for _, fn := range listeners {
			go fn(report)
		}
	}
	return report
}
