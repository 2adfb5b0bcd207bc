package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe(" 1H ")
	require.NoError(t, err)
	assert.Equal(t, "1h", tf.Key)
	assert.Equal(t, time.Hour, tf.Duration)
	assert.Equal(t, "1h", tf.SourceInterval)

	_, err = ParseTimeframe("2h")
	assert.Error(t, err)
	_, err = ParseTimeframe("")
	assert.Error(t, err)
}

func TestAlignRange(t *testing.T) {
	tf, err := ParseTimeframe("1h")
	require.NoError(t, err)

	start, end := tf.AlignRange(testBase+10, testBase+2*hourMs+500)
	assert.Equal(t, testBase, start)
	assert.Equal(t, testBase+2*hourMs, end)

	// 反序输入自动交换
	start, end = tf.AlignRange(testBase+2*hourMs, testBase)
	assert.Equal(t, testBase, start)
	assert.Equal(t, testBase+2*hourMs, end)
}

func TestExpectedCandles(t *testing.T) {
	tf, err := ParseTimeframe("1h")
	require.NoError(t, err)

	assert.Equal(t, int64(1), tf.ExpectedCandles(testBase, testBase))
	assert.Equal(t, int64(10), tf.ExpectedCandles(testBase, testBase+9*hourMs))
	assert.Equal(t, int64(0), tf.ExpectedCandles(testBase, testBase-hourMs))
}

func TestCandlesPerDay(t *testing.T) {
	for key, want := range map[string]int{"5m": 288, "1h": 24, "4h": 6, "1d": 1} {
		tf, err := ParseTimeframe(key)
		require.NoError(t, err)
		assert.Equal(t, want, tf.CandlesPerDay(), key)
	}
}

func TestSupportedTimeframes(t *testing.T) {
	keys := SupportedTimeframes()
	assert.Contains(t, keys, "1h")
	assert.Contains(t, keys, "1d")
	assert.Len(t, keys, 6)
}
