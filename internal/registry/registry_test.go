package registry

import (
	"context"
	"path/filepath"
	"testing"

	"quantcore/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	return r
}

func summaryWith(f1, auc float64) model.Summary {
	return model.Summary{Folds: 5, F1Mean: f1, AUCMean: auc, AccuracyMean: 0.6}
}

func TestRegisterAssignsMonotonicVersions(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	v1, err := r.Register(ctx, "BTCUSDT", "1h", "artifact-a", summaryWith(0.5, 0.6), nil)
	require.NoError(t, err)
	v2, err := r.Register(ctx, "btcusdt", "1H", "artifact-b", summaryWith(0.55, 0.62), map[string]any{"trees": 150})
	require.NoError(t, err)

	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, "BTCUSDT", v2.Symbol)
	assert.Equal(t, "1h", v2.Timeframe)

	// 其他 symbol 的版本序列独立
	other, err := r.Register(ctx, "ETHUSDT", "1h", "artifact-c", summaryWith(0.4, 0.5), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, other.Version)

	list, err := r.List(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 2, list[0].Version) // 新在前
	assert.InDelta(t, 0.55, list[0].Metrics.F1Mean, 1e-12)
}

func TestDeployAndRollback(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "BTCUSDT", "1h", "a1", summaryWith(0.5, 0.6), nil)
	require.NoError(t, err)
	_, err = r.Register(ctx, "BTCUSDT", "1h", "a2", summaryWith(0.55, 0.62), nil)
	require.NoError(t, err)

	// 部署不存在的版本必须拒绝
	err = r.Deploy(ctx, "BTCUSDT", "1h", 9, "prod")
	assert.ErrorIs(t, err, ErrVersionNotFound)

	require.NoError(t, r.Deploy(ctx, "BTCUSDT", "1h", 1, "prod"))
	cur, err := r.Deployed(ctx, "BTCUSDT", "1h", "prod")
	require.NoError(t, err)
	assert.Equal(t, 1, cur.Version)

	// 首次部署没有历史，不能回滚
	_, err = r.Rollback(ctx, "BTCUSDT", "1h", "prod")
	assert.ErrorIs(t, err, ErrNoRollback)

	// 升级到 v2，旧版本保留可回滚
	require.NoError(t, r.Deploy(ctx, "BTCUSDT", "1h", 2, "prod"))
	cur, err = r.Deployed(ctx, "BTCUSDT", "1h", "prod")
	require.NoError(t, err)
	assert.Equal(t, 2, cur.Version)

	restored, err := r.Rollback(ctx, "BTCUSDT", "1h", "prod")
	require.NoError(t, err)
	assert.Equal(t, 1, restored.Version)

	// 回滚是交换：再回滚回到 v2
	restored, err = r.Rollback(ctx, "BTCUSDT", "1h", "prod")
	require.NoError(t, err)
	assert.Equal(t, 2, restored.Version)
}

func TestDeployLastWriteWins(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2", "a3"} {
		_, err := r.Register(ctx, "BTCUSDT", "1h", id, summaryWith(0.5, 0.6), nil)
		require.NoError(t, err)
	}

	// 两次部署先后到达：后写者生效，前一个版本进入历史
	require.NoError(t, r.Deploy(ctx, "BTCUSDT", "1h", 2, "prod"))
	require.NoError(t, r.Deploy(ctx, "BTCUSDT", "1h", 3, "prod"))

	cur, err := r.Deployed(ctx, "BTCUSDT", "1h", "prod")
	require.NoError(t, err)
	assert.Equal(t, 3, cur.Version)

	restored, err := r.Rollback(ctx, "BTCUSDT", "1h", "prod")
	require.NoError(t, err)
	assert.Equal(t, 2, restored.Version)
}

func TestDeployEnvsAreIndependent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "BTCUSDT", "1h", "a1", summaryWith(0.5, 0.6), nil)
	require.NoError(t, err)
	_, err = r.Register(ctx, "BTCUSDT", "1h", "a2", summaryWith(0.55, 0.62), nil)
	require.NoError(t, err)

	require.NoError(t, r.Deploy(ctx, "BTCUSDT", "1h", 1, "staging"))
	require.NoError(t, r.Deploy(ctx, "BTCUSDT", "1h", 2, "prod"))

	staging, err := r.Deployed(ctx, "BTCUSDT", "1h", "staging")
	require.NoError(t, err)
	prod, err := r.Deployed(ctx, "BTCUSDT", "1h", "prod")
	require.NoError(t, err)
	assert.Equal(t, 1, staging.Version)
	assert.Equal(t, 2, prod.Version)

	_, err = r.Deployed(ctx, "BTCUSDT", "1h", "canary")
	assert.ErrorIs(t, err, ErrNoDeployment)
}

func TestCompareReturnsMetricDeltas(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, "BTCUSDT", "1h", "a1", model.Summary{F1Mean: 0.50, AUCMean: 0.60, AccuracyMean: 0.55}, nil)
	require.NoError(t, err)
	_, err = r.Register(ctx, "BTCUSDT", "1h", "a2", model.Summary{F1Mean: 0.58, AUCMean: 0.63, AccuracyMean: 0.57}, nil)
	require.NoError(t, err)

	deltas, err := r.Compare(ctx, "BTCUSDT", "1h", 1, 2)
	require.NoError(t, err)
	assert.InDelta(t, 0.08, deltas["f1_mean"], 1e-9)
	assert.InDelta(t, 0.03, deltas["auc_mean"], 1e-9)
	assert.InDelta(t, 0.02, deltas["accuracy_mean"], 1e-9)

	_, err = r.Compare(ctx, "BTCUSDT", "1h", 1, 7)
	assert.ErrorIs(t, err, ErrVersionNotFound)
}
