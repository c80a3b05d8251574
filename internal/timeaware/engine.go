package timeaware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rebalancer/internal/core"
	"rebalancer/internal/execution"
	"rebalancer/internal/orderid"
	apperrors "rebalancer/pkg/errors"

	"github.com/shopspring/decimal"
)

// EngineConfig tunes the tick engine
type EngineConfig struct {
	TickInterval           time.Duration
	AuctionParticipation   bool
	AuctionReserveFraction decimal.Decimal
	AuctionCutoffTime      string // HH:MM exchange local
	// MaxSpreadBps gates child submission: a spread wider than this,
	// relative to mid in basis points, defers the child to a later tick.
	MaxSpreadBps int
	// HaltBehaviour selects what happens when a symbol has no usable
	// quote: "pause" parks the execution until a quote returns, "cancel"
	// also pulls open children, "continue" leaves children working.
	HaltBehaviour string
	Weights       Weights
}

// DefaultEngineConfig returns production defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TickInterval:           10 * time.Minute,
		AuctionParticipation:   true,
		AuctionReserveFraction: decimal.NewFromFloat(0.30),
		AuctionCutoffTime:      "15:50",
		MaxSpreadBps:           50,
		HaltBehaviour:          "pause",
		Weights:                DefaultWeights,
	}
}

// Engine works all active pending executions once per tick: reconcile child
// fills, grade urgency, escalate pegs, and reserve quantity for the closing
// auction. Concurrent ticks over the same execution are resolved by the
// store's optimistic version lock; the loser skips the cycle.
type Engine struct {
	store     core.ExecStore
	submitter *execution.Submitter
	broker    core.Broker
	quotes    core.QuoteProvider
	schedule  *Schedule
	cfg       EngineConfig
	logger    core.ILogger
	now       func() time.Time
}

// NewEngine creates the tick engine
func NewEngine(store core.ExecStore, submitter *execution.Submitter, broker core.Broker, quotes core.QuoteProvider, schedule *Schedule, cfg EngineConfig, logger core.ILogger) *Engine {
	return &Engine{
		store:     store,
		submitter: submitter,
		broker:    broker,
		quotes:    quotes,
		schedule:  schedule,
		cfg:       cfg,
		logger:    logger.WithField("component", "timeaware"),
		now:       time.Now,
	}
}

// Run ticks until the context is cancelled
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				e.logger.Error("Tick failed", "error", err)
			}
		}
	}
}

// Tick processes every pending and active execution once
func (e *Engine) Tick(ctx context.Context) error {
	var execs []*core.PendingExecution
	for _, state := range []core.ExecState{core.ExecStatePending, core.ExecStateActive, core.ExecStatePaused} {
		batch, err := e.store.ListByState(ctx, state)
		if err != nil {
			return fmt.Errorf("list %s executions: %w", state, err)
		}
		execs = append(execs, batch...)
	}

	now := e.now()
	phase, policy := e.schedule.PhaseAt(now)
	if phase == core.PhaseMarketClosed {
		e.logger.Debug("Market closed, skipping tick", "executions", len(execs))
		return nil
	}

	for _, exec := range execs {
		if err := e.processOne(ctx, exec, now, phase, policy); err != nil {
			if errors.Is(err, apperrors.ErrVersionConflict) {
				e.logger.Debug("Version conflict, skipping execution this tick",
					"execution_id", exec.ExecutionID)
				continue
			}
			e.logger.Error("Execution tick failed",
				"execution_id", exec.ExecutionID, "error", err)
		}
	}
	return nil
}

func (e *Engine) processOne(ctx context.Context, exec *core.PendingExecution, now time.Time, phase core.ExecPhase, policy *PhasePolicy) error {
	log := e.logger.WithFields(map[string]interface{}{
		"execution_id": exec.ExecutionID,
		"symbol":       exec.Symbol,
	})

	if exec.State == core.ExecStatePending {
		exec.State = core.ExecStateActive
	}
	exec.Phase = phase

	if err := e.reconcileChildren(ctx, exec); err != nil {
		return err
	}
	if exec.FilledQty.GreaterThanOrEqual(exec.TargetQty) {
		exec.State = core.ExecStateCompleted
		log.Info("Execution completed", "filled", exec.FilledQty)
		return e.store.Save(ctx, exec)
	}

	progress := e.schedule.SessionProgress(now)
	fillRatio := 0.0
	if exec.TargetQty.IsPositive() {
		fillRatio, _ = exec.FilledQty.Div(exec.TargetQty).Float64()
	}
	exec.Urgency = e.cfg.Weights.Score(progress, fillRatio, phase)

	peg := SelectPeg(exec.Urgency, policy.AllowedPegs)
	open, err := e.cancelTooPassive(ctx, exec, peg)
	if err != nil {
		return err
	}

	var quote *core.Quote
	if peg != core.PegMarket {
		quote, err = e.quotes.GetBestQuote(ctx, exec.Symbol, exec.ExecutionID)
		if err != nil {
			if herr := e.onQuoteOutage(ctx, exec, log); herr != nil {
				return herr
			}
			return e.store.Save(ctx, exec)
		}
		if exec.State == core.ExecStatePaused {
			exec.State = core.ExecStateActive
			log.Info("Quote restored, resuming execution")
		}
	}

	if e.cfg.AuctionParticipation && exec.AuctionEligible && !exec.AuctionSubmitted &&
		policy.AllowMarketOrders && e.schedule.PastCutoff(now, e.cfg.AuctionCutoffTime) {
		if err := e.submitAuction(ctx, exec, log); err != nil {
			log.Warn("Closing-auction submission failed", "error", err)
		}
	}

	if open == 0 {
		if err := e.submitChild(ctx, exec, peg, policy, quote, log); err != nil {
			log.Warn("Child submission failed", "peg", string(peg), "error", err)
		}
	}

	return e.store.Save(ctx, exec)
}

// reconcileChildren refreshes each non-terminal child from the broker and
// recomputes the execution's aggregate fill.
func (e *Engine) reconcileChildren(ctx context.Context, exec *core.PendingExecution) error {
	totalFilled := decimal.Zero
	notional := decimal.Zero
	for i := range exec.Children {
		child := &exec.Children[i]
		if !child.Status.IsTerminal() {
			res, err := e.broker.GetOrderExecutionResult(ctx, child.OrderID)
			if err != nil {
				return fmt.Errorf("reconcile child %s: %w", child.OrderID, err)
			}
			child.Status = res.Status
			child.FilledQty = res.FilledQty
			child.AvgPrice = res.AvgFillPrice
		}
		totalFilled = totalFilled.Add(child.FilledQty)
		notional = notional.Add(child.FilledQty.Mul(child.AvgPrice))
	}
	exec.FilledQty = totalFilled
	if totalFilled.IsPositive() {
		exec.AvgPrice = notional.Div(totalFilled).RoundBank(4)
	}
	return nil
}

// cancelTooPassive cancels open children priced more passively than the peg
// now warranted, and returns the count of children still open afterwards.
func (e *Engine) cancelTooPassive(ctx context.Context, exec *core.PendingExecution, warranted core.PegType) (open int, err error) {
	for i := range exec.Children {
		child := &exec.Children[i]
		if child.Status.IsTerminal() {
			continue
		}
		// Auction orders rest until the close and are never repriced
		if child.IsAuction {
			continue
		}
		if MorePassive(child.Peg, warranted) {
			res, cancelErr := e.submitter.CancelAndConfirm(ctx, child.OrderID)
			if cancelErr != nil {
				return 0, fmt.Errorf("cancel passive child %s: %w", child.OrderID, cancelErr)
			}
			child.Status = res.Status
			child.FilledQty = res.FilledQty
			child.AvgPrice = res.AvgFillPrice
			continue
		}
		open++
	}
	return open, nil
}

// submitChild sizes and places one child order at the warranted peg. quote
// is nil only for market pegs.
func (e *Engine) submitChild(ctx context.Context, exec *core.PendingExecution, peg core.PegType, policy *PhasePolicy, quote *core.Quote, log core.ILogger) error {
	remaining := e.workableRemaining(exec)
	if !remaining.IsPositive() {
		return nil
	}

	urg := decimal.NewFromFloat(exec.Urgency)
	qty := remaining.Mul(decimal.NewFromFloat(0.10).Add(decimal.NewFromFloat(0.90).Mul(urg)))
	if qty.LessThan(decimal.NewFromInt(1)) {
		qty = decimal.NewFromInt(1)
	}
	maxQty := remaining.Mul(policy.MaxOrderSizeFraction)
	if maxQty.GreaterThanOrEqual(decimal.NewFromInt(1)) && qty.GreaterThan(maxQty) {
		qty = maxQty
	}
	if qty.GreaterThan(remaining) {
		qty = remaining
	}
	qty = qty.RoundDown(0)
	if qty.LessThan(policy.MinOrderSize) {
		qty = policy.MinOrderSize
	}

	clientID := orderid.Generate(exec.PolicyID, exec.Symbol, len(exec.Children)+1)

	var order *core.ExecutedOrder
	var err error
	if peg == core.PegMarket {
		order, err = e.submitter.PlaceMarket(ctx, exec.Symbol, exec.Side, qty, false, clientID)
	} else {
		if e.spreadTooWide(quote) {
			log.Debug("Spread too wide, deferring child",
				"bid", quote.BidPrice.String(), "ask", quote.AskPrice.String())
			return nil
		}
		price, _ := PegPrice(peg, exec.Side, quote)
		order, err = e.submitter.PlaceLimit(ctx, exec.Symbol, exec.Side, qty, price, core.TIFDay, clientID)
	}
	if err != nil {
		return err
	}

	exec.Children = append(exec.Children, core.ChildOrder{
		OrderID:     order.ID,
		ClientID:    clientID,
		Peg:         peg,
		Qty:         qty,
		FilledQty:   order.FilledQty,
		AvgPrice:    order.AvgFillPrice,
		Status:      order.Status,
		SubmittedAt: time.Now(),
	})
	log.Info("Child submitted", "peg", string(peg), "qty", qty, "urgency", exec.Urgency)
	return nil
}

// onQuoteOutage applies the configured halt behaviour to a symbol with no
// usable quote. The execution is never failed here; quotes come back.
func (e *Engine) onQuoteOutage(ctx context.Context, exec *core.PendingExecution, log core.ILogger) error {
	switch e.cfg.HaltBehaviour {
	case "cancel":
		for i := range exec.Children {
			child := &exec.Children[i]
			if child.Status.IsTerminal() || child.IsAuction {
				continue
			}
			res, err := e.submitter.CancelAndConfirm(ctx, child.OrderID)
			if err != nil {
				return fmt.Errorf("cancel child during quote outage %s: %w", child.OrderID, err)
			}
			child.Status = res.Status
			child.FilledQty = res.FilledQty
			child.AvgPrice = res.AvgFillPrice
		}
		exec.State = core.ExecStatePaused
		log.Warn("No usable quote, cancelled open children and paused")
	case "continue":
		log.Warn("No usable quote, leaving resting children in place")
	default: // pause
		exec.State = core.ExecStatePaused
		log.Warn("No usable quote, pausing new submissions")
	}
	return nil
}

// spreadTooWide reports whether the quote's spread exceeds the configured cap
func (e *Engine) spreadTooWide(q *core.Quote) bool {
	if e.cfg.MaxSpreadBps <= 0 {
		return false
	}
	mid := q.BidPrice.Add(q.AskPrice).Div(decimal.NewFromInt(2))
	if !mid.IsPositive() {
		return true
	}
	spreadBps := q.AskPrice.Sub(q.BidPrice).Div(mid).Mul(decimal.NewFromInt(10000))
	return spreadBps.GreaterThan(decimal.NewFromInt(int64(e.cfg.MaxSpreadBps)))
}

// workableRemaining is the quantity continuous children may still work:
// the unfilled remainder minus quantity resting in the closing auction,
// or minus the auction reserve while that submission is still ahead of us.
func (e *Engine) workableRemaining(exec *core.PendingExecution) decimal.Decimal {
	remaining := exec.Remaining()
	for i := range exec.Children {
		child := &exec.Children[i]
		if child.IsAuction && !child.Status.IsTerminal() {
			remaining = remaining.Sub(child.Qty.Sub(child.FilledQty))
		}
	}
	if e.cfg.AuctionParticipation && exec.AuctionEligible && !exec.AuctionSubmitted {
		reserve := remaining.Mul(e.cfg.AuctionReserveFraction).RoundDown(0)
		remaining = remaining.Sub(reserve)
	}
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// submitAuction places a closing-auction order for the reserved fraction of
// the remainder.
func (e *Engine) submitAuction(ctx context.Context, exec *core.PendingExecution, log core.ILogger) error {
	qty := exec.Remaining().Mul(e.cfg.AuctionReserveFraction).RoundDown(0)
	if !qty.IsPositive() {
		exec.AuctionSubmitted = true
		return nil
	}
	q, err := e.quotes.GetBestQuote(ctx, exec.Symbol, exec.ExecutionID)
	if err != nil {
		return fmt.Errorf("quote for auction: %w", err)
	}
	price, _ := PegPrice(core.PegCross, exec.Side, q)
	clientID := orderid.Generate(exec.PolicyID, exec.Symbol, len(exec.Children)+1)

	order, err := e.submitter.PlaceLimit(ctx, exec.Symbol, exec.Side, qty, price, core.TIFCls, clientID)
	if err != nil {
		return err
	}
	exec.AuctionSubmitted = true
	exec.Children = append(exec.Children, core.ChildOrder{
		OrderID:     order.ID,
		ClientID:    clientID,
		Peg:         core.PegCross,
		Qty:         qty,
		Status:      order.Status,
		IsAuction:   true,
		SubmittedAt: time.Now(),
	})
	log.Info("Closing-auction order submitted", "qty", qty)
	return nil
}
