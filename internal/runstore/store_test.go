package runstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"rebalancer/internal/core"
	apperrors "rebalancer/pkg/errors"
	"rebalancer/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both implementations must satisfy the same conditional-write contract, so
// every test runs against both.
func forEachStore(t *testing.T, fn func(t *testing.T, store core.RunStore)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore(time.Hour))
	})
	t.Run("sqlite", func(t *testing.T) {
		store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"), time.Hour, logging.GetGlobalLogger())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		fn(t, store)
	})
}

func usd(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func testRun(runID string) (*core.RunRecord, []core.TradeMessage) {
	trades := []core.TradeMessage{
		{RunID: runID, TradeID: "t-sell-1", Symbol: "MSFT", Action: core.ActionSell,
			Phase: core.PhaseSell, SequenceNumber: 1001, TradeAmount: usd(5000)},
		{RunID: runID, TradeID: "t-sell-2", Symbol: "GOOG", Action: core.ActionSell,
			Phase: core.PhaseSell, SequenceNumber: 1002, TradeAmount: usd(3000)},
		{RunID: runID, TradeID: "t-buy-1", Symbol: "AAPL", Action: core.ActionBuy,
			Phase: core.PhaseBuy, SequenceNumber: 2001, TradeAmount: usd(7500)},
	}
	run := &core.RunRecord{
		RunID:             runID,
		PlanID:            "plan-1",
		CorrelationID:     "corr-1",
		TotalTrades:       3,
		SellTotal:         2,
		BuyTotal:          1,
		CurrentPhase:      core.PhaseSell,
		Status:            core.RunStatusPending,
		MaxEquityLimitUSD: usd(95000),
		TradeIDs:          []string{"t-sell-1", "t-sell-2", "t-buy-1"},
		PendingBuyMessages: []core.TradeMessage{trades[2]},
	}
	return run, trades
}

func TestCreateRunRejectsDuplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, store core.RunStore) {
		ctx := context.Background()
		run, trades := testRun("run-dup")
		require.NoError(t, store.CreateRun(ctx, run, trades))

		err := store.CreateRun(ctx, run, trades)
		assert.ErrorIs(t, err, apperrors.ErrDuplicateRun)
	})
}

func TestMarkTradeStartedMovesRunOutOfPending(t *testing.T) {
	forEachStore(t, func(t *testing.T, store core.RunStore) {
		ctx := context.Background()
		run, trades := testRun("run-start")
		require.NoError(t, store.CreateRun(ctx, run, trades))

		require.NoError(t, store.MarkTradeStarted(ctx, "run-start", "t-sell-1"))

		got, err := store.GetRun(ctx, "run-start")
		require.NoError(t, err)
		assert.Equal(t, core.RunStatusSellPhase, got.Status)

		trade, err := store.GetTradeResult(ctx, "run-start", "t-sell-1")
		require.NoError(t, err)
		assert.Equal(t, core.TradeStatusRunning, trade.Status)

		// Second pickup of the same trade loses the conditional write
		err = store.MarkTradeStarted(ctx, "run-start", "t-sell-1")
		assert.ErrorIs(t, err, apperrors.ErrStateConflict)
	})
}

func TestMarkTradeCompletedIsExactlyOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, store core.RunStore) {
		ctx := context.Background()
		run, trades := testRun("run-once")
		require.NoError(t, store.CreateRun(ctx, run, trades))
		require.NoError(t, store.MarkTradeStarted(ctx, "run-once", "t-sell-1"))

		req := core.MarkCompletedRequest{
			RunID: "run-once", TradeID: "t-sell-1", Success: true,
			OrderID: "ord-1", TradeAmount: usd(5000), Phase: core.PhaseSell,
		}
		state, err := store.MarkTradeCompleted(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, 1, state.CompletedTrades)
		assert.Equal(t, 1, state.SellCompleted)
		assert.False(t, state.SellPhaseComplete)

		// Redelivery must not double-count
		_, err = store.MarkTradeCompleted(ctx, req)
		assert.ErrorIs(t, err, apperrors.ErrTradeAlreadyTerminal)

		got, err := store.GetRun(ctx, "run-once")
		require.NoError(t, err)
		assert.Equal(t, 1, got.CompletedTrades)
		assert.True(t, got.SellSucceededAmount.Equal(usd(5000)))
	})
}

func TestSellFailureAccumulates(t *testing.T) {
	forEachStore(t, func(t *testing.T, store core.RunStore) {
		ctx := context.Background()
		run, trades := testRun("run-fail")
		require.NoError(t, store.CreateRun(ctx, run, trades))

		state, err := store.MarkTradeCompleted(ctx, core.MarkCompletedRequest{
			RunID: "run-fail", TradeID: "t-sell-1", Success: false,
			ErrorMessage: "order rejected", TradeAmount: usd(5000), Phase: core.PhaseSell,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, state.FailedTrades)

		_, err = store.MarkTradeCompleted(ctx, core.MarkCompletedRequest{
			RunID: "run-fail", TradeID: "t-sell-2", Success: true,
			TradeAmount: usd(3000), Phase: core.PhaseSell,
		})
		require.NoError(t, err)

		got, err := store.GetRun(ctx, "run-fail")
		require.NoError(t, err)
		assert.True(t, got.SellFailedAmount.Equal(usd(5000)))
		assert.True(t, got.SellPhaseComplete())
	})
}

func TestTransitionToBuyPhaseExactlyOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, store core.RunStore) {
		ctx := context.Background()
		run, trades := testRun("run-phase")
		require.NoError(t, store.CreateRun(ctx, run, trades))

		require.NoError(t, store.TransitionToBuyPhase(ctx, "run-phase"))
		err := store.TransitionToBuyPhase(ctx, "run-phase")
		assert.ErrorIs(t, err, apperrors.ErrStateConflict)

		got, err := store.GetRun(ctx, "run-phase")
		require.NoError(t, err)
		assert.Equal(t, core.PhaseBuy, got.CurrentPhase)
		assert.Equal(t, core.RunStatusBuyPhase, got.Status)
	})
}

func TestTransitionToBuyPhaseConcurrentWinners(t *testing.T) {
	forEachStore(t, func(t *testing.T, store core.RunStore) {
		ctx := context.Background()
		run, trades := testRun("run-race")
		require.NoError(t, store.CreateRun(ctx, run, trades))

		const workers = 8
		var wg sync.WaitGroup
		wins := make(chan struct{}, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if store.TransitionToBuyPhase(ctx, "run-race") == nil {
					wins <- struct{}{}
				}
			}()
		}
		wg.Wait()
		close(wins)

		var count int
		for range wins {
			count++
		}
		assert.Equal(t, 1, count, "exactly one caller wins the transition")
	})
}

func TestCircuitBreaker(t *testing.T) {
	forEachStore(t, func(t *testing.T, store core.RunStore) {
		ctx := context.Background()
		run, trades := testRun("run-cb")
		run.MaxEquityLimitUSD = usd(10000)
		require.NoError(t, store.CreateRun(ctx, run, trades))

		d, err := store.CheckEquityCircuitBreaker(ctx, "run-cb", usd(9000))
		require.NoError(t, err)
		assert.True(t, d.Allowed)

		// Record a succeeded BUY worth 9000, leaving 1000 of headroom
		_, err = store.MarkTradeCompleted(ctx, core.MarkCompletedRequest{
			RunID: "run-cb", TradeID: "t-buy-1", Success: true,
			TradeAmount: usd(9000), Phase: core.PhaseBuy,
		})
		require.NoError(t, err)

		d, err = store.CheckEquityCircuitBreaker(ctx, "run-cb", usd(1500))
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.True(t, d.WouldExceedBy.Equal(usd(500)))
		assert.True(t, d.Headroom.Equal(usd(1000)))

		// At the limit exactly is allowed
		d, err = store.CheckEquityCircuitBreaker(ctx, "run-cb", usd(1000))
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})
}

func TestCircuitBreakerUnknownRunFailsSafe(t *testing.T) {
	forEachStore(t, func(t *testing.T, store core.RunStore) {
		d, err := store.CheckEquityCircuitBreaker(context.Background(), "nope", usd(1))
		require.NoError(t, err)
		assert.False(t, d.Allowed)
	})
}

func TestMarkRunCompletedGuards(t *testing.T) {
	forEachStore(t, func(t *testing.T, store core.RunStore) {
		ctx := context.Background()
		run, trades := testRun("run-done")
		require.NoError(t, store.CreateRun(ctx, run, trades))

		// SELL phase with pending BUYs cannot be finalized
		err := store.MarkRunCompleted(ctx, "run-done")
		assert.ErrorIs(t, err, apperrors.ErrStateConflict)

		require.NoError(t, store.TransitionToBuyPhase(ctx, "run-done"))
		require.NoError(t, store.MarkRunCompleted(ctx, "run-done"))

		// Terminal runs refuse further status writes
		err = store.UpdateRunStatus(ctx, "run-done", core.RunStatusFailed)
		assert.ErrorIs(t, err, apperrors.ErrStateConflict)
	})
}

func TestFindStuckRuns(t *testing.T) {
	forEachStore(t, func(t *testing.T, store core.RunStore) {
		ctx := context.Background()
		run, trades := testRun("run-stuck")
		require.NoError(t, store.CreateRun(ctx, run, trades))

		stuck, err := store.FindStuckRuns(ctx, time.Hour)
		require.NoError(t, err)
		assert.Empty(t, stuck)

		// Everything written just now is "stuck" under a zero-age scan
		time.Sleep(5 * time.Millisecond)
		stuck, err = store.FindStuckRuns(ctx, 0)
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		assert.Equal(t, "run-stuck", stuck[0].RunID)

		// Completed runs never show up
		require.NoError(t, store.TransitionToBuyPhase(ctx, "run-stuck"))
		require.NoError(t, store.MarkRunCompleted(ctx, "run-stuck"))
		time.Sleep(5 * time.Millisecond)
		stuck, err = store.FindStuckRuns(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, stuck)
	})
}

func TestPendingBuyMessagesRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, store core.RunStore) {
		ctx := context.Background()
		run, trades := testRun("run-buys")
		require.NoError(t, store.CreateRun(ctx, run, trades))

		msgs, err := store.GetPendingBuyTrades(ctx, "run-buys")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "t-buy-1", msgs[0].TradeID)

		require.NoError(t, store.MarkBuyTradesPending(ctx, "run-buys", []string{"t-buy-1"}))
		got, err := store.GetRun(ctx, "run-buys")
		require.NoError(t, err)
		assert.True(t, got.BuyTradesEnqueued)
	})
}
