package plan

import (
	"context"
	"errors"
	"testing"
	"time"

	"rebalancer/internal/core"
	"rebalancer/internal/queue"
	"rebalancer/internal/runstore"
	"rebalancer/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usd(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func testPlan() *core.RebalancePlan {
	return &core.RebalancePlan{
		CorrelationID:       "corr-1",
		PlanID:              "plan-1",
		TotalPortfolioValue: usd(100000),
		Items: []core.PlanItem{
			{Symbol: "AAPL", Action: core.ActionSell, TradeAmount: usd(-5000), TargetWeight: usd(0.10), CurrentWeight: usd(0.15), Priority: 2},
			{Symbol: "MSFT", Action: core.ActionSell, TradeAmount: usd(-3000), TargetWeight: decimal.Zero, CurrentWeight: usd(0.03), Priority: 1},
			{Symbol: "GOOG", Action: core.ActionBuy, TradeAmount: usd(8000), TargetWeight: usd(0.20), CurrentWeight: usd(0.12), Priority: 1},
			{Symbol: "SPY", Action: core.ActionHold, Priority: 0},
		},
	}
}

func newDecomposer(t *testing.T) (*Decomposer, *runstore.MemoryStore, *queue.MemoryQueue) {
	t.Helper()
	store := runstore.NewMemoryStore(24 * time.Hour)
	q := queue.NewMemoryQueue(32)
	d := NewDecomposer(store, q, DefaultConfig(), logging.GetGlobalLogger())
	return d, store, q
}

func drain(t *testing.T, q *queue.MemoryQueue) []core.QueueMessage {
	t.Helper()
	msgs, err := q.ReceiveBatch(context.Background(), 100, 20*time.Millisecond)
	require.NoError(t, err)
	return msgs
}

func TestDecomposeEnqueuesOnlySells(t *testing.T) {
	d, store, q := newDecomposer(t)

	n, err := d.DecomposeAndEnqueue(context.Background(), testPlan(), "corr-1", "cause-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	run, err := store.GetRun(context.Background(), "run-plan-1")
	require.NoError(t, err)
	assert.Equal(t, 3, run.TotalTrades)
	assert.Equal(t, 2, run.SellTotal)
	assert.Equal(t, 1, run.BuyTotal)
	assert.Equal(t, core.PhaseSell, run.CurrentPhase)
	assert.Equal(t, core.RunStatusSellPhase, run.Status)
	// 95% of portfolio value
	assert.True(t, run.MaxEquityLimitUSD.Equal(usd(95000)), "got %s", run.MaxEquityLimitUSD)
	require.Len(t, run.PendingBuyMessages, 1)
	assert.Equal(t, "GOOG", run.PendingBuyMessages[0].Symbol)

	msgs := drain(t, q)
	require.Len(t, msgs, 2)
	// Priority orders the SELLs: MSFT (1001) before AAPL (1002)
	assert.Equal(t, "MSFT", msgs[0].Body.Symbol)
	assert.Equal(t, 1001, msgs[0].Body.SequenceNumber)
	assert.Equal(t, "AAPL", msgs[1].Body.Symbol)
	assert.Equal(t, 1002, msgs[1].Body.SequenceNumber)
	// Target weight zero marks the complete exit
	assert.True(t, msgs[0].Body.IsCompleteExit)
	assert.False(t, msgs[1].Body.IsCompleteExit)
	// Amounts are absolute
	assert.True(t, msgs[0].Body.TradeAmount.Equal(usd(3000)))
}

func TestDecomposeZeroSellReleasesBuysImmediately(t *testing.T) {
	d, store, q := newDecomposer(t)
	plan := &core.RebalancePlan{
		PlanID:              "plan-2",
		TotalPortfolioValue: usd(50000),
		Items: []core.PlanItem{
			{Symbol: "AAPL", Action: core.ActionBuy, TradeAmount: usd(100), Priority: 1},
			{Symbol: "MSFT", Action: core.ActionBuy, TradeAmount: usd(200), Priority: 2},
		},
	}

	n, err := d.DecomposeAndEnqueue(context.Background(), plan, "corr-2", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	run, err := store.GetRun(context.Background(), "run-plan-2")
	require.NoError(t, err)
	assert.Equal(t, 0, run.SellTotal)
	assert.Equal(t, 2, run.BuyTotal)
	assert.Equal(t, core.PhaseBuy, run.CurrentPhase)
	assert.Equal(t, core.RunStatusBuyPhase, run.Status)
	assert.True(t, run.SellPhaseComplete())
	assert.True(t, run.BuyTradesEnqueued)

	msgs := drain(t, q)
	assert.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, core.PhaseBuy, m.Body.Phase)
	}
}

func TestDecomposeUsesBrokerEquityWhenProvided(t *testing.T) {
	d, store, _ := newDecomposer(t)
	equity := usd(200000)

	_, err := d.DecomposeAndEnqueue(context.Background(), testPlan(), "corr-3", "", &equity)
	require.NoError(t, err)

	run, err := store.GetRun(context.Background(), "run-plan-1")
	require.NoError(t, err)
	assert.True(t, run.MaxEquityLimitUSD.Equal(usd(190000)))
}

func TestDecomposeDuplicatePlanRejected(t *testing.T) {
	d, _, _ := newDecomposer(t)

	_, err := d.DecomposeAndEnqueue(context.Background(), testPlan(), "corr-1", "", nil)
	require.NoError(t, err)
	_, err = d.DecomposeAndEnqueue(context.Background(), testPlan(), "corr-1", "", nil)
	require.Error(t, err)
}

func TestDecomposeIsDeterministic(t *testing.T) {
	d1, _, q1 := newDecomposer(t)
	d2, _, q2 := newDecomposer(t)

	_, err := d1.DecomposeAndEnqueue(context.Background(), testPlan(), "corr-1", "", nil)
	require.NoError(t, err)
	_, err = d2.DecomposeAndEnqueue(context.Background(), testPlan(), "corr-1", "", nil)
	require.NoError(t, err)

	a, b := drain(t, q1), drain(t, q2)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Body.TradeID, b[i].Body.TradeID)
		assert.Equal(t, a[i].Body.SequenceNumber, b[i].Body.SequenceNumber)
	}
}

func TestDecomposeAllHoldIsNoOp(t *testing.T) {
	d, store, q := newDecomposer(t)
	plan := &core.RebalancePlan{
		PlanID: "plan-hold",
		Items:  []core.PlanItem{{Symbol: "SPY", Action: core.ActionHold}},
	}

	n, err := d.DecomposeAndEnqueue(context.Background(), plan, "corr-4", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, drain(t, q))
	_, err = store.GetRun(context.Background(), "run-plan-hold")
	require.Error(t, err)
}

type failingQueue struct {
	*queue.MemoryQueue
	failAfter int
	sent      int
}

func (f *failingQueue) Send(ctx context.Context, msg core.TradeMessage, groupKey, dedupID string) error {
	if f.sent >= f.failAfter {
		return errors.New("transport down")
	}
	f.sent++
	return f.MemoryQueue.Send(ctx, msg, groupKey, dedupID)
}

func TestDecomposeEnqueueFailureMarksRunFailed(t *testing.T) {
	store := runstore.NewMemoryStore(24 * time.Hour)
	fq := &failingQueue{MemoryQueue: queue.NewMemoryQueue(32), failAfter: 1}
	d := NewDecomposer(store, fq, DefaultConfig(), logging.GetGlobalLogger())

	_, err := d.DecomposeAndEnqueue(context.Background(), testPlan(), "corr-5", "", nil)
	require.Error(t, err)

	run, getErr := store.GetRun(context.Background(), "run-plan-1")
	require.NoError(t, getErr)
	assert.Equal(t, core.RunStatusFailed, run.Status)
}
