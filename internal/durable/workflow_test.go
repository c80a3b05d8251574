package durable

import (
	"context"
	"testing"
	"time"

	"rebalancer/internal/core"
	"rebalancer/internal/mock"
	"rebalancer/internal/plan"
	"rebalancer/internal/queue"
	"rebalancer/internal/runstore"
	"rebalancer/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteInlineUsesBrokerEquity(t *testing.T) {
	store := runstore.NewMemoryStore(24 * time.Hour)
	q := queue.NewMemoryQueue(16)
	broker := mock.NewBroker()
	broker.Acct = core.Account{Equity: decimal.NewFromInt(200000)}
	d := plan.NewDecomposer(store, q, plan.DefaultConfig(), logging.GetGlobalLogger())
	o := NewOrchestrator(nil, d, broker, logging.GetGlobalLogger())

	n, err := o.Execute(context.Background(), &RebalanceRequest{
		Plan: &core.RebalancePlan{
			PlanID:              "plan-1",
			TotalPortfolioValue: decimal.NewFromInt(100000),
			Items: []core.PlanItem{
				{Symbol: "AAPL", Action: core.ActionSell, TradeAmount: decimal.NewFromInt(-1000), Priority: 1},
			},
		},
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run, err := store.GetRun(context.Background(), "run-plan-1")
	require.NoError(t, err)
	// Limit derives from broker equity, not the plan's portfolio value
	assert.True(t, run.MaxEquityLimitUSD.Equal(decimal.NewFromInt(190000)))
}

func TestExecuteInlineFallsBackToPlanValue(t *testing.T) {
	store := runstore.NewMemoryStore(24 * time.Hour)
	q := queue.NewMemoryQueue(16)
	d := plan.NewDecomposer(store, q, plan.DefaultConfig(), logging.GetGlobalLogger())
	o := NewOrchestrator(nil, d, nil, logging.GetGlobalLogger())

	_, err := o.Execute(context.Background(), &RebalanceRequest{
		Plan: &core.RebalancePlan{
			PlanID:              "plan-2",
			TotalPortfolioValue: decimal.NewFromInt(100000),
			Items: []core.PlanItem{
				{Symbol: "AAPL", Action: core.ActionSell, TradeAmount: decimal.NewFromInt(-1000), Priority: 1},
			},
		},
	})
	require.NoError(t, err)

	run, err := store.GetRun(context.Background(), "run-plan-2")
	require.NoError(t, err)
	assert.True(t, run.MaxEquityLimitUSD.Equal(decimal.NewFromInt(95000)))
}
