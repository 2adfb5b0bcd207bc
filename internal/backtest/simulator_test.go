package backtest

import (
	"testing"

	"quantcore/internal/model"

	"github.com/stretchr/testify/assert"
)

// 阈值拟合在 P(up) 刻度上：long 看上方，short 看下方。
func TestThresholdAdmits(t *testing.T) {
	long := func(p float64) model.Prediction {
		return model.Prediction{Prob: p, Side: "long", Confidence: p}
	}
	short := func(p float64) model.Prediction {
		return model.Prediction{Prob: p, Side: "short", Confidence: 1 - p}
	}

	// 阈值高于 0.5：弱 long 被过滤
	assert.False(t, thresholdAdmits(long(0.55), 0.6))
	assert.True(t, thresholdAdmits(long(0.65), 0.6))
	assert.True(t, thresholdAdmits(short(0.30), 0.6))

	// 阈值低于 0.5：弱 short 被过滤
	assert.False(t, thresholdAdmits(short(0.45), 0.4))
	assert.True(t, thresholdAdmits(short(0.35), 0.4))
	assert.True(t, thresholdAdmits(long(0.55), 0.4))

	// 边界取等：long 含阈值，short 不含
	assert.True(t, thresholdAdmits(long(0.6), 0.6))
	assert.False(t, thresholdAdmits(short(0.6), 0.6))
}
