package worker

import (
	"context"
	"testing"
	"time"

	"rebalancer/internal/core"
	"rebalancer/internal/queue"
	"rebalancer/internal/runstore"
	"rebalancer/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepReReleasesStrandedBuyPhase(t *testing.T) {
	ctx := context.Background()
	store := runstore.NewMemoryStore(24 * time.Hour)
	q := queue.NewMemoryQueue(16)

	buy := buyMsg("run-1", "t-buy", "MSFT", 800)
	sell := sellMsg("run-1", "t-sell", "AAPL", 1000)
	run := &core.RunRecord{
		RunID:              "run-1",
		CurrentPhase:       core.PhaseSell,
		Status:             core.RunStatusSellPhase,
		TotalTrades:        2,
		SellTotal:          1,
		BuyTotal:           1,
		PendingBuyMessages: []core.TradeMessage{buy},
	}
	require.NoError(t, store.CreateRun(ctx, run, []core.TradeMessage{sell, buy}))

	// Simulate the crash window: the transition won but the enqueue and
	// mark-pending never happened
	require.NoError(t, store.TransitionToBuyPhase(ctx, "run-1"))

	rec := NewReconciler(store, q, ReconcilerConfig{Interval: time.Minute, MaxAge: 0}, logging.GetGlobalLogger())
	require.NoError(t, rec.Sweep(ctx))

	msgs, err := q.ReceiveBatch(ctx, 10, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "t-buy", msgs[0].Body.TradeID)

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, got.BuyTradesEnqueued)

	// A second sweep is a no-op thanks to the enqueued flag
	require.NoError(t, rec.Sweep(ctx))
	msgs, err = q.ReceiveBatch(ctx, 10, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSweepLeavesHealthyRunsAlone(t *testing.T) {
	ctx := context.Background()
	store := runstore.NewMemoryStore(24 * time.Hour)
	q := queue.NewMemoryQueue(16)

	sell := sellMsg("run-1", "t-sell", "AAPL", 1000)
	run := &core.RunRecord{
		RunID:        "run-1",
		CurrentPhase: core.PhaseSell,
		Status:       core.RunStatusSellPhase,
		TotalTrades:  1,
		SellTotal:    1,
	}
	require.NoError(t, store.CreateRun(ctx, run, []core.TradeMessage{sell}))

	// MaxAge of an hour: the fresh run is not stuck
	rec := NewReconciler(store, q, ReconcilerConfig{Interval: time.Minute, MaxAge: time.Hour}, logging.GetGlobalLogger())
	require.NoError(t, rec.Sweep(ctx))

	msgs, err := q.ReceiveBatch(ctx, 10, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
