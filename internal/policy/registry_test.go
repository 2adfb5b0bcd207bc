package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTierYAML = `
version: 1
tiers:
  moderate:
    min_confidence: 0.60
    max_confidence: 0.70
    base_leverage: 2
    regimes:
      normal: {tp_multipliers: [2.0, 3.5, 5.5], sl_multiplier: 1.0, leverage_adjust: 1.0}
  high:
    min_confidence: 0.70
    max_confidence: 0.80
    base_leverage: 3
    regimes:
      normal: {tp_multipliers: [2.5, 4.5, 7.0], sl_multiplier: 1.0, leverage_adjust: 1.0}
      high:   {tp_multipliers: [3.0, 5.5, 8.5], sl_multiplier: 1.3, leverage_adjust: 0.7}
  very_high:
    min_confidence: 0.80
    max_confidence: 1.01
    base_leverage: 4
    regimes:
      normal: {tp_multipliers: [2.8, 5.0, 8.0], sl_multiplier: 1.0}
`

func writeTierFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRegistryResolve(t *testing.T) {
	r, err := NewRegistry(writeTierFile(t, sampleTierYAML))
	require.NoError(t, err)

	plan, tier, err := r.Resolve(0.73, "normal")
	require.NoError(t, err)
	assert.Equal(t, "high", tier.Name)
	assert.Equal(t, []float64{2.5, 4.5, 7.0}, plan.TPMultipliers)
	assert.Equal(t, 1.0, plan.SLMultiplier)
	assert.Equal(t, 3.0, tier.BaseLeverage)

	// 区间左闭右开：0.70 落在 high 而不是 moderate
	_, tier, err = r.Resolve(0.70, "normal")
	require.NoError(t, err)
	assert.Equal(t, "high", tier.Name)

	// leverage_adjust 缺省补 1.0
	plan, _, err = r.Resolve(0.85, "normal")
	require.NoError(t, err)
	assert.Equal(t, 1.0, plan.LeverageAdjust)

	_, _, err = r.Resolve(0.73, "extreme")
	assert.Error(t, err)
	_, _, err = r.Resolve(0.40, "normal")
	assert.Error(t, err)
}

func TestRegistryRejectsInvalidTables(t *testing.T) {
	cases := map[string]string{
		"TP 倍数非递增": `
tiers:
  only:
    min_confidence: 0.60
    max_confidence: 1.01
    base_leverage: 2
    regimes:
      normal: {tp_multipliers: [4.5, 2.5, 7.0], sl_multiplier: 1.0}
`,
		"TP 段数不足": `
tiers:
  only:
    min_confidence: 0.60
    max_confidence: 1.01
    base_leverage: 2
    regimes:
      normal: {tp_multipliers: [2.5, 4.5], sl_multiplier: 1.0}
`,
		"区间不连续": `
tiers:
  a:
    min_confidence: 0.60
    max_confidence: 0.70
    base_leverage: 2
    regimes:
      normal: {tp_multipliers: [2.0, 3.5, 5.5], sl_multiplier: 1.0}
  b:
    min_confidence: 0.75
    max_confidence: 1.01
    base_leverage: 3
    regimes:
      normal: {tp_multipliers: [2.5, 4.5, 7.0], sl_multiplier: 1.0}
`,
		"SL 为零": `
tiers:
  only:
    min_confidence: 0.60
    max_confidence: 1.01
    base_leverage: 2
    regimes:
      normal: {tp_multipliers: [2.0, 3.5, 5.5], sl_multiplier: 0}
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRegistry(writeTierFile(t, content))
			assert.Error(t, err)
		})
	}
}

func TestDefaultTiersMatchRegistry(t *testing.T) {
	r := NewDefaultRegistry()

	plan, tier, err := r.Resolve(0.73, "normal")
	require.NoError(t, err)
	assert.Equal(t, "high", tier.Name)
	assert.Equal(t, []float64{2.5, 4.5, 7.0}, plan.TPMultipliers)
	assert.Equal(t, 1.0, plan.SLMultiplier)

	// 默认表本身必须通过校验
	require.NoError(t, validateTierBands(DefaultTiers()))

	// 三个 regime 全覆盖
	for _, regime := range []string{"low", "normal", "high"} {
		for _, conf := range []float64{0.65, 0.75, 0.9} {
			_, _, err := r.Resolve(conf, regime)
			assert.NoError(t, err, "conf=%v regime=%s", conf, regime)
		}
	}
}
