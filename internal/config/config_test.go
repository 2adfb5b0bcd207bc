package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", `
app:
  env: prod
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.App.Env)
	assert.Equal(t, defaultAppHTTPAddr, cfg.App.HTTPAddr)
	assert.Equal(t, "long", cfg.Labeling.Side)
	assert.Equal(t, 2.0, cfg.Labeling.TPMultiplier)
	assert.Equal(t, 180, cfg.Splitting.MinTrainDays)
	assert.Equal(t, 150, cfg.Model.Trees)
	assert.True(t, cfg.Model.ClassWeighting)
	assert.Equal(t, 0.60, cfg.Signal.Guard.MinConfidence)
	assert.Equal(t, 60.0, cfg.Signal.Cost.ExpectedHoldHours)
	assert.Equal(t, 0.5, cfg.Engine.TrailATRFraction)
	assert.Equal(t, 0.25, cfg.Drift.PSIThreshold)
	assert.Equal(t, defaultMarketName, cfg.Market.ResolveActiveSource().Name)
	assert.Equal(t, defaultTrainWorkers, cfg.Train.Workers)
}

func TestLoadExplicitOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.yaml", `
labeling:
  tp_multiplier: 3.5
  time_bars: 48
splitting:
  purge_days: 0
signal:
  guard:
    min_confidence: 0.65
model:
  class_weighting: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3.5, cfg.Labeling.TPMultiplier)
	assert.Equal(t, 48, cfg.Labeling.TimeBars)
	// 显式写 0 的键不应被默认值覆盖
	assert.Equal(t, 0, cfg.Splitting.PurgeDays)
	assert.Equal(t, 0.65, cfg.Signal.Guard.MinConfidence)
	assert.False(t, cfg.Model.ClassWeighting)
}

func TestLoadIncludeChain(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", `
app:
  env: base
model:
  trees: 200
`)
	path := writeConfig(t, dir, "config.yaml", `
include:
  - base.yaml
app:
  env: prod
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	// 主文件覆盖 include 文件
	assert.Equal(t, "prod", cfg.App.Env)
	assert.Equal(t, 200, cfg.Model.Trees)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"坏的方向":  "labeling:\n  side: sideways\n",
		"坏的置信度": "signal:\n  guard:\n    min_confidence: 0.3\n",
		"坏的追踪系数": "engine:\n  trail_atr_fraction: 1.5\n",
		"坏的学习率": "model:\n  learning_rate: 2.0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, dir, name+".yaml", body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestIsValidInterval(t *testing.T) {
	assert.True(t, IsValidInterval("15m"))
	assert.True(t, IsValidInterval("4h"))
	assert.False(t, IsValidInterval("h4"))
	assert.False(t, IsValidInterval(""))
}
