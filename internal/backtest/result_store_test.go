package backtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResultStore(t *testing.T) *ResultStore {
	t.Helper()
	s, err := NewResultStore(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)
	return s
}

func TestResultStoreLifecycle(t *testing.T) {
	s := newTestResultStore(t)
	ctx := context.Background()

	run := Run{
		ID: uuid.NewString(),
		Params: RunParams{
			Symbol: "BTCUSDT", Timeframe: "1h",
			Start: 1700000000000, End: 1710000000000,
			InitialEquity: 10000,
		},
	}
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusPending, got.Status)
	assert.Equal(t, "BTCUSDT", got.Params.Symbol)

	require.NoError(t, s.SetStatus(ctx, run.ID, RunStatusRunning, ""))

	trades := []Trade{
		{
			SignalID: "sig-1", Side: "long",
			Fills:          []Fill{{Kind: FillEntry, Price: 100, Quantity: 10}, {Kind: FillTP1, Price: 105, Quantity: 3, PnL: 15}},
			RealizedPnL:    15, RealizedPnLPct: 1.5,
			ExitKind: FillTP1, OpenedAt: 1, ClosedAt: 2,
		},
		{SignalID: "sig-2", Side: "short", RealizedPnL: -8, ExitKind: FillSL, OpenedAt: 3, ClosedAt: 4},
	}
	stats := Summarize(trades, 10000)
	require.NoError(t, s.Finish(ctx, run.ID, stats, trades))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusDone, got.Status)
	assert.Equal(t, 2, got.Stats.Trades)

	stored, err := s.Trades(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "sig-1", stored[0].SignalID)
	require.Len(t, stored[0].Fills, 2)
	assert.Equal(t, FillTP1, stored[0].Fills[1].Kind)

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	// 未知 run
	_, err = s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	err = s.SetStatus(ctx, "missing", RunStatusFailed, "x")
	assert.ErrorIs(t, err, ErrRunNotFound)
}
