// Package plan turns a rebalance plan into queued trade work: one run
// record plus per-trade messages, SELLs released first.
package plan

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"rebalancer/internal/core"

	"github.com/shopspring/decimal"
)

// Config tunes decomposition
type Config struct {
	// EquityDeploymentPct caps cumulative BUY value at this fraction of
	// account equity. Zero disables the circuit breaker.
	EquityDeploymentPct decimal.Decimal
	StrategyID          string
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		EquityDeploymentPct: decimal.NewFromFloat(0.95),
		StrategyID:          "rebalance",
	}
}

// Decomposer splits a rebalance plan into trade messages, creates the run
// record, and enqueues the SELL phase.
type Decomposer struct {
	store  core.RunStore
	queue  core.TradeQueue
	cfg    Config
	logger core.ILogger
}

// NewDecomposer creates a decomposer
func NewDecomposer(store core.RunStore, queue core.TradeQueue, cfg Config, logger core.ILogger) *Decomposer {
	return &Decomposer{
		store:  store,
		queue:  queue,
		cfg:    cfg,
		logger: logger.WithField("component", "decomposer"),
	}
}

// RunID derives the run id deterministically from the plan so a replayed
// decomposition of the same plan is rejected as a duplicate run.
func RunID(plan *core.RebalancePlan) string {
	return "run-" + plan.PlanID
}

func tradeID(runID string, item *core.PlanItem) string {
	return fmt.Sprintf("%s-%s-%s", runID, strings.ToLower(item.Symbol), strings.ToLower(string(item.Action)))
}

// DecomposeAndEnqueue creates the run and releases the first phase of trade
// messages. alpacaEquity, when available, overrides the plan's portfolio
// value for the equity-deployment limit. Returns the number of messages
// enqueued.
func (d *Decomposer) DecomposeAndEnqueue(ctx context.Context, plan *core.RebalancePlan, correlationID, causationID string, alpacaEquity *decimal.Decimal) (int, error) {
	runID := RunID(plan)
	log := d.logger.WithFields(map[string]interface{}{
		"run_id":         runID,
		"plan_id":        plan.PlanID,
		"correlation_id": correlationID,
	})

	sells, buys := d.buildMessages(runID, plan, correlationID)
	if len(sells)+len(buys) == 0 {
		log.Info("Plan contains no actionable items")
		return 0, nil
	}

	equityBase := plan.TotalPortfolioValue
	if alpacaEquity != nil {
		equityBase = *alpacaEquity
	}
	limit := equityBase.Mul(d.cfg.EquityDeploymentPct)

	run := &core.RunRecord{
		RunID:             runID,
		PlanID:            plan.PlanID,
		CorrelationID:     correlationID,
		TotalTrades:       len(sells) + len(buys),
		SellTotal:         len(sells),
		BuyTotal:          len(buys),
		MaxEquityLimitUSD: limit,
		CurrentPhase:      core.PhaseSell,
		Status:            core.RunStatusSellPhase,
	}
	all := append(append([]core.TradeMessage{}, sells...), buys...)
	for _, m := range all {
		run.TradeIDs = append(run.TradeIDs, m.TradeID)
	}
	run.PendingBuyMessages = buys

	if err := d.store.CreateRun(ctx, run, all); err != nil {
		return 0, fmt.Errorf("create run %s: %w", runID, err)
	}
	log.Info("Run created",
		"sell_total", len(sells), "buy_total", len(buys),
		"max_equity_limit_usd", limit)

	// A plan with nothing to sell must not wait on a SELL phase that will
	// never complete
	if len(sells) == 0 {
		return d.releaseBuyPhase(ctx, runID, buys, log)
	}

	n, err := d.enqueue(ctx, runID, sells)
	if err != nil {
		if stErr := d.store.UpdateRunStatus(ctx, runID, core.RunStatusFailed); stErr != nil {
			log.Error("Failed to mark run FAILED after enqueue error", "error", stErr)
		}
		return n, fmt.Errorf("enqueue SELL trades for %s: %w", runID, err)
	}
	log.Info("SELL phase enqueued", "count", n)
	return n, nil
}

// releaseBuyPhase handles the zero-sell edge case: flip the phase and
// release the BUY messages immediately.
func (d *Decomposer) releaseBuyPhase(ctx context.Context, runID string, buys []core.TradeMessage, log core.ILogger) (int, error) {
	if err := d.store.TransitionToBuyPhase(ctx, runID); err != nil {
		return 0, fmt.Errorf("transition %s to BUY phase: %w", runID, err)
	}
	n, err := d.enqueue(ctx, runID, buys)
	if err != nil {
		if stErr := d.store.UpdateRunStatus(ctx, runID, core.RunStatusFailed); stErr != nil {
			log.Error("Failed to mark run FAILED after enqueue error", "error", stErr)
		}
		return n, fmt.Errorf("enqueue BUY trades for %s: %w", runID, err)
	}
	ids := make([]string, len(buys))
	for i, m := range buys {
		ids[i] = m.TradeID
	}
	if err := d.store.MarkBuyTradesPending(ctx, runID, ids); err != nil {
		return n, fmt.Errorf("mark BUY trades pending for %s: %w", runID, err)
	}
	log.Info("Zero-sell plan, BUY phase released immediately", "count", n)
	return n, nil
}

func (d *Decomposer) buildMessages(runID string, plan *core.RebalancePlan, correlationID string) (sells, buys []core.TradeMessage) {
	for i := range plan.Items {
		item := &plan.Items[i]
		if item.Action == core.ActionHold {
			continue
		}
		phase := core.PhaseBuy
		base := core.SequenceBaseBuy
		if item.Action == core.ActionSell {
			phase = core.PhaseSell
			base = core.SequenceBaseSell
		}
		msg := core.TradeMessage{
			RunID:          runID,
			TradeID:        tradeID(runID, item),
			PlanID:         plan.PlanID,
			CorrelationID:  correlationID,
			StrategyID:     d.cfg.StrategyID,
			Symbol:         item.Symbol,
			Action:         item.Action,
			TradeAmount:    item.TradeAmount.Abs(),
			CurrentWeight:  item.CurrentWeight,
			TargetWeight:   item.TargetWeight,
			Priority:       item.Priority,
			Phase:          phase,
			SequenceNumber: base + item.Priority,
		}
		if item.TargetWeight.IsZero() {
			msg.IsFullLiquidation = true
			if item.Action == core.ActionSell && item.CurrentWeight.IsPositive() {
				msg.IsCompleteExit = true
			}
		}
		if phase == core.PhaseSell {
			sells = append(sells, msg)
		} else {
			buys = append(buys, msg)
		}
	}
	sortBySequence(sells)
	sortBySequence(buys)
	return sells, buys
}

func sortBySequence(msgs []core.TradeMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].SequenceNumber != msgs[j].SequenceNumber {
			return msgs[i].SequenceNumber < msgs[j].SequenceNumber
		}
		return msgs[i].Symbol < msgs[j].Symbol
	})
}

func (d *Decomposer) enqueue(ctx context.Context, runID string, msgs []core.TradeMessage) (int, error) {
	for i, msg := range msgs {
		if err := d.queue.Send(ctx, msg, runID, msg.TradeID); err != nil {
			return i, err
		}
	}
	return len(msgs), nil
}
