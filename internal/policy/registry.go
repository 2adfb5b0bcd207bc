package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"quantcore/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Plan 是一个档位单元：TP/SL 的 ATR 倍数和杠杆调节系数。
type Plan struct {
	TPMultipliers  []float64 `mapstructure:"tp_multipliers" yaml:"tp_multipliers" json:"tp_multipliers"`
	SLMultiplier   float64   `mapstructure:"sl_multiplier" yaml:"sl_multiplier" json:"sl_multiplier"`
	LeverageAdjust float64   `mapstructure:"leverage_adjust" yaml:"leverage_adjust" json:"leverage_adjust"`
}

// Tier 按置信度区间 [min, max) 划分，每个波动 regime 一个 Plan。
type Tier struct {
	Name          string          `mapstructure:"-" yaml:"-" json:"name"`
	MinConfidence float64         `mapstructure:"min_confidence" yaml:"min_confidence" json:"min_confidence"`
	MaxConfidence float64         `mapstructure:"max_confidence" yaml:"max_confidence" json:"max_confidence"`
	BaseLeverage  float64         `mapstructure:"base_leverage" yaml:"base_leverage" json:"base_leverage"`
	Regimes       map[string]Plan `mapstructure:"regimes" yaml:"regimes" json:"regimes"`
}

// FileConfig 映射档位表文件。
type FileConfig struct {
	Version int             `mapstructure:"version" yaml:"version"`
	Tiers   map[string]Tier `mapstructure:"tiers" yaml:"tiers"`
}

// Snapshot 当前生效的档位表快照。
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Tiers    []Tier // 按 MinConfidence 升序
}

// ChangeListener 在档位表重载后触发。
type ChangeListener func(Snapshot)

// Registry 管理档位表：文件加载、schema 校验、热更新。
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// tierFileSchema 校验档位表文件结构：三段 TP 倍数严格递增，SL > 0。
const tierFileSchema = `{
  "type": "object",
  "required": ["tiers"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "tiers": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["min_confidence", "max_confidence", "base_leverage", "regimes"],
        "properties": {
          "min_confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "max_confidence": {"type": "number", "minimum": 0, "maximum": 1.01},
          "base_leverage": {"type": "number", "exclusiveMinimum": 0},
          "regimes": {
            "type": "object",
            "minProperties": 1,
            "additionalProperties": {
              "type": "object",
              "required": ["tp_multipliers", "sl_multiplier"],
              "properties": {
                "tp_multipliers": {
                  "type": "array",
                  "minItems": 3,
                  "maxItems": 3,
                  "items": {"type": "number", "exclusiveMinimum": 0}
                },
                "sl_multiplier": {"type": "number", "exclusiveMinimum": 0},
                "leverage_adjust": {"type": "number", "exclusiveMinimum": 0}
              }
            }
          }
        }
      }
    }
  }
}`

var compiledTierSchema = jsonschema.MustCompileString("tier_table.json", tierFileSchema)

// NewRegistry 读取档位表文件并监听更新。
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("档位表路径不能为空")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取档位表失败: %w", err)
	}
	r := &Registry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			// 校验失败时保留上一份有效快照
			logger.Errorf("档位表重载失败: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// NewDefaultRegistry 使用内置档位表，不监听文件。
func NewDefaultRegistry() *Registry {
	r := &Registry{}
	r.snapshot = Snapshot{
		Version:  1,
		LoadedAt: time.Now(),
		Tiers:    DefaultTiers(),
	}
	return r
}

// DefaultTiers 返回内置默认档位表。
func DefaultTiers() []Tier {
	tiers := map[string]Tier{
		"moderate": {
			MinConfidence: 0.60, MaxConfidence: 0.70, BaseLeverage: 2,
			Regimes: map[string]Plan{
				"low":    {TPMultipliers: []float64{1.8, 3.0, 4.5}, SLMultiplier: 0.8, LeverageAdjust: 1.2},
				"normal": {TPMultipliers: []float64{2.0, 3.5, 5.5}, SLMultiplier: 1.0, LeverageAdjust: 1.0},
				"high":   {TPMultipliers: []float64{2.5, 4.0, 6.5}, SLMultiplier: 1.3, LeverageAdjust: 0.7},
			},
		},
		"high": {
			MinConfidence: 0.70, MaxConfidence: 0.80, BaseLeverage: 3,
			Regimes: map[string]Plan{
				"low":    {TPMultipliers: []float64{2.0, 3.8, 6.0}, SLMultiplier: 0.8, LeverageAdjust: 1.2},
				"normal": {TPMultipliers: []float64{2.5, 4.5, 7.0}, SLMultiplier: 1.0, LeverageAdjust: 1.0},
				"high":   {TPMultipliers: []float64{3.0, 5.5, 8.5}, SLMultiplier: 1.3, LeverageAdjust: 0.7},
			},
		},
		"very_high": {
			MinConfidence: 0.80, MaxConfidence: 1.01, BaseLeverage: 4,
			Regimes: map[string]Plan{
				"low":    {TPMultipliers: []float64{2.2, 4.2, 6.8}, SLMultiplier: 0.8, LeverageAdjust: 1.2},
				"normal": {TPMultipliers: []float64{2.8, 5.0, 8.0}, SLMultiplier: 1.0, LeverageAdjust: 1.0},
				"high":   {TPMultipliers: []float64{3.5, 6.0, 9.5}, SLMultiplier: 1.3, LeverageAdjust: 0.7},
			},
		},
	}
	return sortTiers(tiers)
}

// Snapshot 返回当前档位表快照。
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Subscribe 注册重载回调。
func (r *Registry) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Resolve 按置信度和波动 regime 查找 Plan。区间左闭右开。
func (r *Registry) Resolve(confidence float64, regime string) (Plan, Tier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	regime = strings.ToLower(strings.TrimSpace(regime))
	for _, tier := range r.snapshot.Tiers {
		if confidence < tier.MinConfidence || confidence >= tier.MaxConfidence {
			continue
		}
		plan, ok := tier.Regimes[regime]
		if !ok {
			return Plan{}, Tier{}, fmt.Errorf("档位 %s 缺少 regime %q", tier.Name, regime)
		}
		return plan, tier, nil
	}
	return Plan{}, Tier{}, fmt.Errorf("置信度 %.4f 不在任何档位区间内", confidence)
}

func (r *Registry) reload() error {
	cfg, err := readTierFile(r.path)
	if err != nil {
		return err
	}
	tiers := sortTiers(cfg.Tiers)
	if err := validateTierBands(tiers); err != nil {
		return err
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Tiers:    tiers,
	}
	r.mu.Unlock()
	logger.Infof("档位表已加载 %d 个档位 from %s", len(tiers), filepath.Base(r.path))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer safeRecover("档位表 listener")
			cb(snap)
		}(fn)
	}
}

func sortTiers(m map[string]Tier) []Tier {
	out := make([]Tier, 0, len(m))
	for name, tier := range m {
		tier.Name = strings.TrimSpace(name)
		if tier.Regimes == nil {
			tier.Regimes = map[string]Plan{}
		}
		for regime, plan := range tier.Regimes {
			if plan.LeverageAdjust <= 0 {
				plan.LeverageAdjust = 1.0
				tier.Regimes[regime] = plan
			}
		}
		out = append(out, tier)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinConfidence < out[j].MinConfidence })
	return out
}

// validateTierBands 检查区间连续不重叠、TP 倍数严格递增且大于 SL 倍数。
func validateTierBands(tiers []Tier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("档位表为空")
	}
	for i, tier := range tiers {
		if tier.MaxConfidence <= tier.MinConfidence {
			return fmt.Errorf("档位 %s 区间无效: [%.2f, %.2f)", tier.Name, tier.MinConfidence, tier.MaxConfidence)
		}
		if i > 0 && tier.MinConfidence != tiers[i-1].MaxConfidence {
			return fmt.Errorf("档位 %s 与 %s 区间不连续", tiers[i-1].Name, tier.Name)
		}
		for regime, plan := range tier.Regimes {
			if len(plan.TPMultipliers) != 3 {
				return fmt.Errorf("档位 %s/%s 必须有 3 段 TP 倍数", tier.Name, regime)
			}
			if !(plan.TPMultipliers[0] < plan.TPMultipliers[1] && plan.TPMultipliers[1] < plan.TPMultipliers[2]) {
				return fmt.Errorf("档位 %s/%s TP 倍数必须严格递增", tier.Name, regime)
			}
			if plan.SLMultiplier <= 0 {
				return fmt.Errorf("档位 %s/%s SL 倍数必须大于 0", tier.Name, regime)
			}
			if plan.TPMultipliers[0] <= plan.SLMultiplier {
				return fmt.Errorf("档位 %s/%s 首段 TP 倍数必须大于 SL 倍数", tier.Name, regime)
			}
		}
	}
	return nil
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Tiers:    make([]Tier, len(src.Tiers)),
	}
	copy(dst.Tiers, src.Tiers)
	return dst
}

func safeRecover(tag string) {
	if r := recover(); r != nil {
		logger.Errorf("%s panic: %v", tag, r)
	}
}

func readTierFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("读取档位表失败: %w", err)
	}
	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return FileConfig{}, fmt.Errorf("解析档位表失败: %w", err)
	}
	if err := validateAgainstSchema(generic); err != nil {
		return FileConfig{}, fmt.Errorf("档位表 schema 校验失败: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("解析档位表失败: %w", err)
	}
	return cfg, nil
}

// validateAgainstSchema 经 JSON 往返使 yaml 解析结果兼容 jsonschema 的类型要求。
func validateAgainstSchema(doc map[string]any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return err
	}
	return compiledTierSchema.Validate(normalized)
}
