package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"rebalancer/internal/core"
	"rebalancer/internal/events"
	"rebalancer/internal/mock"
	"rebalancer/internal/orderid"
	"rebalancer/internal/plan"
	"rebalancer/internal/queue"
	"rebalancer/internal/runstore"
	"rebalancer/internal/validator"
	"rebalancer/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usd(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// fixedStrategy fills everything at one price without touching the market
type fixedStrategy struct {
	name    string
	success bool
	errMsg  string
	calls   int
	lastQty decimal.Decimal
}

func (s *fixedStrategy) Name() string { return s.name }

func (s *fixedStrategy) Execute(_ context.Context, intent *core.OrderIntent, _ *core.Quote) (*core.ExecutionResult, error) {
	s.calls++
	s.lastQty = intent.Quantity
	if !s.success {
		return &core.ExecutionResult{Success: false, ErrorMessage: s.errMsg}, nil
	}
	return &core.ExecutionResult{
		Success:      true,
		TotalFilled:  intent.Quantity,
		AvgFillPrice: usd(100),
		FinalOrderID: "ord-1",
	}, nil
}

type stubQuotes struct{}

func (stubQuotes) GetBestQuote(_ context.Context, symbol, _ string) (*core.Quote, error) {
	return &core.Quote{
		Symbol:   symbol,
		BidPrice: usd(99.95),
		AskPrice: usd(100.05),
		BidSize:  usd(500),
		AskSize:  usd(500),
	}, nil
}

type capturedEvents struct {
	mu        sync.Mutex
	trades    []events.TradeExecuted
	workflows []events.WorkflowFailed
}

func (c *capturedEvents) Name() string { return "capture" }

func (c *capturedEvents) Handle(_ context.Context, ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.Trade != nil {
		c.trades = append(c.trades, *ev.Trade)
	}
	if ev.Workflow != nil {
		c.workflows = append(c.workflows, *ev.Workflow)
	}
}

type fixture struct {
	worker   *Worker
	store    *runstore.MemoryStore
	broker   *mock.Broker
	queue    *queue.MemoryQueue
	strategy *fixedStrategy
	events   *capturedEvents
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logging.GetGlobalLogger()
	store := runstore.NewMemoryStore(24 * time.Hour)
	broker := mock.NewBroker()
	q := queue.NewMemoryQueue(32)
	strategy := &fixedStrategy{name: "walk_the_book", success: true}
	captured := &capturedEvents{}
	bus := events.NewBus(logger)
	bus.Subscribe(captured)
	val := validator.New(broker, fastValidatorOptions(), logger)
	w := New(store, broker, stubQuotes{}, q, val,
		map[string]core.Strategy{"walk_the_book": strategy}, bus, DefaultConfig(), logger)
	return &fixture{worker: w, store: store, broker: broker, queue: q, strategy: strategy, events: captured}
}

func fastValidatorOptions() validator.Options {
	opts := validator.DefaultOptions()
	opts.SettleInitialBackoff = time.Millisecond
	opts.SettleMaxBackoff = 2 * time.Millisecond
	opts.SettleMaxWait = 10 * time.Millisecond
	return opts
}

func sellMsg(runID, tradeID, symbol string, amount float64) core.TradeMessage {
	return core.TradeMessage{
		RunID: runID, TradeID: tradeID, Symbol: symbol,
		Action: core.ActionSell, Phase: core.PhaseSell,
		TradeAmount: usd(amount), SequenceNumber: 1000,
	}
}

func buyMsg(runID, tradeID, symbol string, amount float64) core.TradeMessage {
	return core.TradeMessage{
		RunID: runID, TradeID: tradeID, Symbol: symbol,
		Action: core.ActionBuy, Phase: core.PhaseBuy,
		TradeAmount: usd(amount), SequenceNumber: 2000,
	}
}

func createRun(t *testing.T, f *fixture, runID string, msgs ...core.TradeMessage) {
	t.Helper()
	run := &core.RunRecord{
		RunID:        runID,
		CurrentPhase: core.PhaseSell,
		Status:       core.RunStatusSellPhase,
		TotalTrades:  len(msgs),
	}
	var buys []core.TradeMessage
	for _, m := range msgs {
		if m.Phase == core.PhaseSell {
			run.SellTotal++
		} else {
			run.BuyTotal++
			buys = append(buys, m)
		}
	}
	run.PendingBuyMessages = buys
	require.NoError(t, f.store.CreateRun(context.Background(), run, msgs))
}

func TestHandleExecutesSellAndReleasesBuyPhase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sell := sellMsg("run-1", "t-sell", "AAPL", 1000)
	buy := buyMsg("run-1", "t-buy", "MSFT", 800)
	createRun(t, f, "run-1", sell, buy)
	f.broker.Positions["AAPL"] = &core.Position{Symbol: "AAPL", Qty: usd(100)}
	f.broker.Prices["AAPL"] = usd(100)

	outcome, err := f.worker.Handle(ctx, &sell)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, outcome)
	assert.Equal(t, 1, f.strategy.calls)

	run, err := f.store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.PhaseBuy, run.CurrentPhase)
	assert.Equal(t, core.RunStatusBuyPhase, run.Status)
	assert.True(t, run.BuyTradesEnqueued)

	// The winning worker enqueued the BUY
	msgs, err := f.queue.ReceiveBatch(ctx, 10, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "t-buy", msgs[0].Body.TradeID)

	require.Len(t, f.events.trades, 1)
	assert.True(t, f.events.trades[0].Success)
}

func TestHandleDuplicateDeliverySkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sell := sellMsg("run-1", "t-sell", "AAPL", 1000)
	createRun(t, f, "run-1", sell)
	f.broker.Positions["AAPL"] = &core.Position{Symbol: "AAPL", Qty: usd(100)}
	f.broker.Prices["AAPL"] = usd(100)

	_, err := f.worker.Handle(ctx, &sell)
	require.NoError(t, err)
	outcome, err := f.worker.Handle(ctx, &sell)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, 1, f.strategy.calls)
}

func TestHandleTerminalTradeSkippedAcrossWorkers(t *testing.T) {
	// A second worker process has an empty in-memory set but still must not
	// re-execute a terminal trade
	f := newFixture(t)
	ctx := context.Background()
	sell := sellMsg("run-1", "t-sell", "AAPL", 1000)
	createRun(t, f, "run-1", sell)
	f.broker.Positions["AAPL"] = &core.Position{Symbol: "AAPL", Qty: usd(100)}
	f.broker.Prices["AAPL"] = usd(100)
	_, err := f.worker.Handle(ctx, &sell)
	require.NoError(t, err)

	other := New(f.store, f.broker, stubQuotes{}, f.queue,
		validator.New(f.broker, fastValidatorOptions(), logging.GetGlobalLogger()),
		map[string]core.Strategy{"walk_the_book": f.strategy}, nil, DefaultConfig(), logging.GetGlobalLogger())
	outcome, err := other.Handle(ctx, &sell)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, 1, f.strategy.calls)
}

func TestHandleMarketClosedSkipsAsSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sell := sellMsg("run-1", "t-sell", "AAPL", 1000)
	createRun(t, f, "run-1", sell)
	f.broker.MarketOpen = false

	outcome, err := f.worker.Handle(ctx, &sell)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, 0, f.strategy.calls)

	trade, err := f.store.GetTradeResult(ctx, "run-1", "t-sell")
	require.NoError(t, err)
	assert.Equal(t, core.TradeStatusCompleted, trade.Status)
	assert.Equal(t, "market closed - skipped", trade.ErrorMessage)
}

func TestHandleBuyPhaseGuardBlocksOnSellFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s1 := sellMsg("run-1", "t-s1", "AAPL", 600)
	s2 := sellMsg("run-1", "t-s2", "MSFT", 1400)
	buy := buyMsg("run-1", "t-buy", "GOOG", 800)
	createRun(t, f, "run-1", s1, s2, buy)
	f.broker.Positions["AAPL"] = &core.Position{Symbol: "AAPL", Qty: usd(100)}
	f.broker.Positions["MSFT"] = &core.Position{Symbol: "MSFT", Qty: usd(100)}
	f.broker.Prices["AAPL"] = usd(100)
	f.broker.Prices["MSFT"] = usd(100)

	// First SELL fails for $600, above the $500 threshold
	f.strategy.success = false
	f.strategy.errMsg = "rejected"
	_, err := f.worker.Handle(ctx, &s1)
	require.NoError(t, err)

	f.strategy.success = true
	_, err = f.worker.Handle(ctx, &s2)
	require.NoError(t, err)

	run, err := f.store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, run.Status)
	assert.Equal(t, core.PhaseSell, run.CurrentPhase)
	assert.True(t, run.SellFailedAmount.Equal(usd(600)))

	// BUYs never enqueued
	msgs, err := f.queue.ReceiveBatch(ctx, 10, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.Len(t, f.events.workflows, 1)
	assert.Equal(t, "SELL_PHASE_GUARD", f.events.workflows[0].FailureStep)
}

func TestHandleBuyPhaseProceedsUnderThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s1 := sellMsg("run-1", "t-s1", "AAPL", 200)
	buy := buyMsg("run-1", "t-buy", "GOOG", 800)
	createRun(t, f, "run-1", s1, buy)
	f.broker.Positions["AAPL"] = &core.Position{Symbol: "AAPL", Qty: usd(100)}
	f.broker.Prices["AAPL"] = usd(100)

	// $200 failure is under the $500 threshold
	f.strategy.success = false
	f.strategy.errMsg = "rejected"
	_, err := f.worker.Handle(ctx, &s1)
	require.NoError(t, err)

	run, err := f.store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusBuyPhase, run.Status)

	msgs, err := f.queue.ReceiveBatch(ctx, 10, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestHandleCircuitBreakerFailsBuy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buy := buyMsg("run-1", "t-buy", "AAPL", 1000)
	run := &core.RunRecord{
		RunID:                       "run-1",
		CurrentPhase:                core.PhaseBuy,
		Status:                      core.RunStatusBuyPhase,
		TotalTrades:                 1,
		BuyTotal:                    1,
		MaxEquityLimitUSD:           usd(10000),
		CumulativeBuySucceededValue: usd(9500),
	}
	require.NoError(t, f.store.CreateRun(ctx, run, []core.TradeMessage{buy}))

	outcome, err := f.worker.Handle(ctx, &buy)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, 0, f.strategy.calls)

	trade, err := f.store.GetTradeResult(ctx, "run-1", "t-buy")
	require.NoError(t, err)
	assert.Equal(t, core.TradeStatusFailed, trade.Status)
	assert.Contains(t, trade.ErrorMessage, "circuit breaker")

	// Cumulative value untouched by the rejected trade
	got, err := f.store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, got.CumulativeBuySucceededValue.Equal(usd(9500)))
}

func TestResolveSharesFullLiquidationUsesBrokerPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := sellMsg("run-1", "t-sell", "AAPL", 1000)
	msg.IsFullLiquidation = true
	msg.IsCompleteExit = true
	f.broker.Positions["AAPL"] = &core.Position{Symbol: "AAPL", Qty: usd(9.731)}

	shares, err := f.worker.resolveShares(ctx, &msg)
	require.NoError(t, err)
	assert.True(t, shares.Equal(usd(9.731)))
}

func TestResolveSharesExplicitOverride(t *testing.T) {
	f := newFixture(t)
	explicit := usd(42)
	msg := buyMsg("run-1", "t-buy", "AAPL", 1000)
	msg.Shares = &explicit

	shares, err := f.worker.resolveShares(context.Background(), &msg)
	require.NoError(t, err)
	assert.True(t, shares.Equal(usd(42)))
}

func TestResolveSharesFromEstimatedPrice(t *testing.T) {
	f := newFixture(t)
	est := usd(150)
	msg := buyMsg("run-1", "t-buy", "AAPL", 1000)
	msg.EstimatedPrice = &est

	shares, err := f.worker.resolveShares(context.Background(), &msg)
	require.NoError(t, err)
	// 1000 / 150 rounded to 6 decimals
	assert.True(t, shares.Equal(decimal.RequireFromString("6.666667")), "got %s", shares)
}

func TestResolveSharesFromCurrentPrice(t *testing.T) {
	f := newFixture(t)
	f.broker.Prices["AAPL"] = usd(250)
	msg := buyMsg("run-1", "t-buy", "AAPL", 1000)

	shares, err := f.worker.resolveShares(context.Background(), &msg)
	require.NoError(t, err)
	assert.True(t, shares.Equal(usd(4)))
}

func TestResolveSharesFailsWithoutPrice(t *testing.T) {
	f := newFixture(t)
	msg := buyMsg("run-1", "t-buy", "AAPL", 1000)

	_, err := f.worker.resolveShares(context.Background(), &msg)
	require.Error(t, err)
}

func TestIdempotencyKeyIsStable(t *testing.T) {
	m1 := sellMsg("run-1", "t-1", "AAPL", 100)
	m2 := sellMsg("run-1", "t-1", "AAPL", 100)
	m3 := sellMsg("run-1", "t-2", "AAPL", 100)

	assert.Equal(t, IdempotencyKey(&m1), IdempotencyKey(&m2))
	assert.NotEqual(t, IdempotencyKey(&m1), IdempotencyKey(&m3))
	assert.Len(t, IdempotencyKey(&m1), 16)
}

func TestBuildIntentClientOrderIDRoundTrips(t *testing.T) {
	w := &Worker{}
	msg := buyMsg("run-1", "t-buy", "AAPL", 1000)
	msg.StrategyID = "rebalance"
	msg.SequenceNumber = core.SequenceBaseBuy + 2

	intent := w.buildIntent(&msg, decimal.NewFromInt(10))
	parsed, err := orderid.Parse(intent.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, "rebalance", parsed.StrategyID)
	assert.Equal(t, "AAPL", parsed.Symbol)
	// The version slot carries the attempt, never the sequence number
	assert.Equal(t, 1, parsed.Version)
}

func TestConsumerDrivesFullRun(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	store := f.store
	q := f.queue
	d := plan.NewDecomposer(store, q, plan.DefaultConfig(), logging.GetGlobalLogger())
	f.broker.Positions["AAPL"] = &core.Position{Symbol: "AAPL", Qty: usd(100)}
	f.broker.Prices["AAPL"] = usd(100)
	f.broker.Prices["MSFT"] = usd(200)

	p := &core.RebalancePlan{
		PlanID:              "plan-e2e",
		TotalPortfolioValue: usd(100000),
		Items: []core.PlanItem{
			{Symbol: "AAPL", Action: core.ActionSell, TradeAmount: usd(-1000), TargetWeight: usd(0.1), Priority: 1},
			{Symbol: "MSFT", Action: core.ActionBuy, TradeAmount: usd(800), TargetWeight: usd(0.2), Priority: 1},
		},
	}
	_, err := d.DecomposeAndEnqueue(ctx, p, "corr-e2e", "", nil)
	require.NoError(t, err)

	cfg := DefaultConsumerConfig()
	cfg.ReceiveWait = 20 * time.Millisecond
	consumer := NewConsumer(q, f.worker, cfg, logging.GetGlobalLogger())
	go func() { _ = consumer.Run(ctx) }()

	require.Eventually(t, func() bool {
		run, err := store.GetRun(context.Background(), "run-plan-e2e")
		return err == nil && run.CompletedTrades == 2
	}, 2*time.Second, 10*time.Millisecond)

	run, err := store.GetRun(context.Background(), "run-plan-e2e")
	require.NoError(t, err)
	assert.Equal(t, 2, run.SucceededTrades)
	assert.Equal(t, core.PhaseBuy, run.CurrentPhase)
}
