// Package worker consumes trade messages one at a time: idempotency checks,
// run-state transitions, share resolution, strategy execution, and the
// SELL-to-BUY phase handoff.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"rebalancer/internal/core"
	"rebalancer/internal/events"
	"rebalancer/internal/orderid"
	"rebalancer/internal/validator"
	apperrors "rebalancer/pkg/errors"
	"rebalancer/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Config tunes per-trade handling
type Config struct {
	// SellFailureThresholdUSD blocks the BUY phase when SELL failures exceed
	// it. The guard keeps capital from deploying against proceeds that never
	// materialized.
	SellFailureThresholdUSD decimal.Decimal
	DefaultStrategy         string
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		SellFailureThresholdUSD: decimal.NewFromInt(500),
		DefaultStrategy:         "walk_the_book",
	}
}

// HandleOutcome summarizes one message's disposition for the consumer loop
type HandleOutcome string

const (
	OutcomeExecuted HandleOutcome = "EXECUTED"
	OutcomeSkipped  HandleOutcome = "SKIPPED"
	OutcomeFailed   HandleOutcome = "FAILED"
)

// Worker processes one trade message end to end
type Worker struct {
	store      core.RunStore
	broker     core.Broker
	quotes     core.QuoteProvider
	queue      core.TradeQueue
	validator  *validator.Validator
	strategies map[string]core.Strategy
	bus        *events.Bus
	cfg        Config
	logger     core.ILogger
	metrics    *telemetry.MetricsHolder

	mu   sync.Mutex
	seen map[string]struct{}
}

// New creates a worker. strategies maps strategy ids to implementations; the
// configured default is used when a message names no known strategy.
func New(store core.RunStore, broker core.Broker, quotes core.QuoteProvider, queue core.TradeQueue, val *validator.Validator, strategies map[string]core.Strategy, bus *events.Bus, cfg Config, logger core.ILogger) *Worker {
	return &Worker{
		store:      store,
		broker:     broker,
		quotes:     quotes,
		queue:      queue,
		validator:  val,
		strategies: strategies,
		bus:        bus,
		cfg:        cfg,
		logger:     logger.WithField("component", "worker"),
		metrics:    telemetry.GetGlobalMetrics(),
		seen:       make(map[string]struct{}),
	}
}

// IdempotencyKey derives the per-delivery dedup key for a trade message
func IdempotencyKey(msg *core.TradeMessage) string {
	sum := sha256.Sum256([]byte(msg.RunID + "|" + msg.TradeID + "|" + msg.Symbol + "|" + string(msg.Action)))
	return hex.EncodeToString(sum[:])[:16]
}

func (w *Worker) markSeen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, dup := w.seen[key]; dup {
		return false
	}
	w.seen[key] = struct{}{}
	return true
}

// Handle processes one trade message. The returned error is non-nil only for
// unexpected failures the transport should redeliver; domain failures are
// recorded on the trade and absorbed.
func (w *Worker) Handle(ctx context.Context, msg *core.TradeMessage) (HandleOutcome, error) {
	log := w.logger.WithFields(map[string]interface{}{
		"run_id":         msg.RunID,
		"trade_id":       msg.TradeID,
		"symbol":         msg.Symbol,
		"action":         string(msg.Action),
		"correlation_id": msg.CorrelationID,
	})

	if !w.markSeen(IdempotencyKey(msg)) {
		log.Info("Duplicate delivery suppressed in memory")
		return OutcomeSkipped, nil
	}

	existing, err := w.store.GetTradeResult(ctx, msg.RunID, msg.TradeID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("load trade %s: %w", msg.TradeID, err)
	}
	if existing.Status.IsTerminal() {
		log.Info("Trade already terminal, skipping", "status", string(existing.Status))
		return OutcomeSkipped, nil
	}

	if err := w.store.MarkTradeStarted(ctx, msg.RunID, msg.TradeID); err != nil {
		if errors.Is(err, apperrors.ErrStateConflict) {
			log.Info("Trade claimed by another worker")
			return OutcomeSkipped, nil
		}
		return OutcomeFailed, fmt.Errorf("mark trade started %s: %w", msg.TradeID, err)
	}

	open, err := w.broker.IsMarketOpen(ctx)
	if err != nil {
		return OutcomeFailed, w.failTrade(ctx, msg, "", fmt.Sprintf("market clock unavailable: %v", err), log)
	}
	if !open {
		// Counted as success so a closed market never wedges the run
		state, mkErr := w.store.MarkTradeCompleted(ctx, core.MarkCompletedRequest{
			RunID: msg.RunID, TradeID: msg.TradeID, Success: true,
			ErrorMessage: "market closed - skipped",
			TradeAmount:  msg.TradeAmount, Phase: msg.Phase,
		})
		if mkErr != nil {
			return OutcomeFailed, fmt.Errorf("mark market-closed skip %s: %w", msg.TradeID, mkErr)
		}
		log.Info("Market closed, trade skipped")
		w.emitTrade(ctx, msg, true, "", decimal.Zero, decimal.Zero, "market closed - skipped")
		w.afterCompletion(ctx, msg, state, log)
		return OutcomeSkipped, nil
	}

	if msg.Action == core.ActionBuy {
		decision, cbErr := w.store.CheckEquityCircuitBreaker(ctx, msg.RunID, msg.TradeAmount)
		if cbErr != nil {
			return OutcomeFailed, fmt.Errorf("circuit breaker check %s: %w", msg.TradeID, cbErr)
		}
		if !decision.Allowed {
			w.metrics.CountQuote(ctx, w.metrics.CircuitBreakerTrips, msg.Symbol)
			reason := fmt.Sprintf("circuit breaker: cumulative %s + proposed %s exceeds limit %s by %s",
				decision.Cumulative, decision.Proposed, decision.LimitUSD, decision.WouldExceedBy)
			return OutcomeFailed, w.failTrade(ctx, msg, "", reason, log)
		}
	}

	shares, err := w.resolveShares(ctx, msg)
	if err != nil {
		return OutcomeFailed, w.failTrade(ctx, msg, "", fmt.Sprintf("share resolution failed: %v", err), log)
	}

	intent := w.buildIntent(msg, shares)
	pre, err := w.validator.PreCheck(ctx, intent)
	if err != nil {
		return OutcomeFailed, w.failTrade(ctx, msg, "", fmt.Sprintf("position pre-check failed: %v", err), log)
	}
	intent.Quantity = pre.AdjustedQty

	quote, err := w.quotes.GetBestQuote(ctx, msg.Symbol, msg.CorrelationID)
	if err != nil {
		return OutcomeFailed, w.failTrade(ctx, msg, "", fmt.Sprintf("no usable quote: %v", err), log)
	}

	strategy := w.strategyFor(msg)
	log.Info("Executing trade", "strategy", strategy.Name(), "shares", intent.Quantity)
	result, execErr := strategy.Execute(ctx, intent, quote)
	if execErr != nil && result == nil {
		return OutcomeFailed, w.failTrade(ctx, msg, "", fmt.Sprintf("strategy error: %v", execErr), log)
	}

	var execData *core.ExecutionData
	if result.TotalFilled.IsPositive() {
		execData = &core.ExecutionData{
			FilledShares: result.TotalFilled,
			AvgPrice:     result.AvgFillPrice,
			OrderType:    strategy.Name(),
			FilledAt:     time.Now(),
		}
	}
	state, mkErr := w.store.MarkTradeCompleted(ctx, core.MarkCompletedRequest{
		RunID:        msg.RunID,
		TradeID:      msg.TradeID,
		Success:      result.Success,
		OrderID:      result.FinalOrderID,
		ErrorMessage: result.ErrorMessage,
		Execution:    execData,
		TradeAmount:  msg.TradeAmount,
		Phase:        msg.Phase,
	})
	if mkErr != nil {
		if errors.Is(mkErr, apperrors.ErrTradeAlreadyTerminal) {
			log.Info("Completion already recorded by another delivery")
			return OutcomeSkipped, nil
		}
		return OutcomeFailed, fmt.Errorf("mark trade completed %s: %w", msg.TradeID, mkErr)
	}

	if result.Success && result.TotalFilled.IsPositive() {
		if vErr := w.validator.VerifySettlement(ctx, intent, pre.InitialPosition, result.TotalFilled); vErr != nil {
			log.Warn("Position settlement not confirmed", "error", vErr)
		}
	}

	w.metrics.CountTradeExecuted(ctx, result.Success, string(msg.Phase))
	w.emitTrade(ctx, msg, result.Success, result.FinalOrderID, result.TotalFilled, result.AvgFillPrice, result.ErrorMessage)
	w.afterCompletion(ctx, msg, state, log)

	if result.Success {
		return OutcomeExecuted, nil
	}
	return OutcomeFailed, nil
}

// failTrade records a domain failure on the trade. Domain failures are not
// re-raised; retrying is a transport concern.
func (w *Worker) failTrade(ctx context.Context, msg *core.TradeMessage, orderID, reason string, log core.ILogger) error {
	log.Warn("Trade failed", "reason", reason)
	state, err := w.store.MarkTradeCompleted(ctx, core.MarkCompletedRequest{
		RunID:        msg.RunID,
		TradeID:      msg.TradeID,
		Success:      false,
		OrderID:      orderID,
		ErrorMessage: reason,
		TradeAmount:  msg.TradeAmount,
		Phase:        msg.Phase,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrTradeAlreadyTerminal) {
			return nil
		}
		return fmt.Errorf("record failure for %s: %w", msg.TradeID, err)
	}
	w.metrics.CountTradeExecuted(ctx, false, string(msg.Phase))
	w.emitTrade(ctx, msg, false, orderID, decimal.Zero, decimal.Zero, reason)
	w.afterCompletion(ctx, msg, state, log)
	return nil
}

// afterCompletion runs the SELL-to-BUY handoff when this completion closed
// out the SELL phase.
func (w *Worker) afterCompletion(ctx context.Context, msg *core.TradeMessage, state *core.CompletionState, log core.ILogger) {
	if msg.Phase != core.PhaseSell || state == nil || !state.SellPhaseComplete {
		return
	}
	if err := w.triggerBuyPhase(ctx, msg.RunID, msg.CorrelationID, log); err != nil {
		log.Error("BUY phase handoff failed", "error", err)
	}
}

// triggerBuyPhase releases the BUY trades once SELLs have settled, unless
// accumulated SELL failures make deploying capital unsafe.
func (w *Worker) triggerBuyPhase(ctx context.Context, runID, correlationID string, log core.ILogger) error {
	run, err := w.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}

	if run.SellFailedAmount.GreaterThan(w.cfg.SellFailureThresholdUSD) {
		w.metrics.CountQuote(ctx, w.metrics.BuyPhaseBlockedTotal, runID)
		if err := w.store.UpdateRunStatus(ctx, runID, core.RunStatusFailed); err != nil {
			return fmt.Errorf("mark run failed %s: %w", runID, err)
		}
		w.bus.PublishWorkflowFailed(ctx, events.WorkflowFailed{
			CorrelationID: correlationID,
			WorkflowType:  "rebalance_execution",
			FailureReason: "BUY phase blocked: SELL failures exceed threshold",
			FailureStep:   "SELL_PHASE_GUARD",
			ErrorDetails: fmt.Sprintf("sell_failed_amount=%s threshold=%s",
				run.SellFailedAmount, w.cfg.SellFailureThresholdUSD),
		})
		log.Error("BUY phase blocked by SELL failure guard",
			"sell_failed_amount", run.SellFailedAmount,
			"threshold", w.cfg.SellFailureThresholdUSD)
		return nil
	}

	err = w.store.TransitionToBuyPhase(ctx, runID)
	if err != nil {
		if errors.Is(err, apperrors.ErrStateConflict) {
			log.Debug("BUY phase transition already won elsewhere")
			return nil
		}
		return fmt.Errorf("transition to BUY phase %s: %w", runID, err)
	}

	// This worker won the transition; it alone enqueues the BUY trades
	buys, err := w.store.GetPendingBuyTrades(ctx, runID)
	if err != nil {
		return fmt.Errorf("load pending BUY trades %s: %w", runID, err)
	}
	ids := make([]string, 0, len(buys))
	for _, buy := range buys {
		if err := w.queue.Send(ctx, buy, runID, buy.TradeID); err != nil {
			return fmt.Errorf("enqueue BUY trade %s: %w", buy.TradeID, err)
		}
		ids = append(ids, buy.TradeID)
	}
	if err := w.store.MarkBuyTradesPending(ctx, runID, ids); err != nil {
		return fmt.Errorf("mark BUY trades pending %s: %w", runID, err)
	}
	log.Info("BUY phase released", "count", len(ids))
	return nil
}

// resolveShares turns the message's dollar directive into a share quantity
func (w *Worker) resolveShares(ctx context.Context, msg *core.TradeMessage) (decimal.Decimal, error) {
	if msg.IsFullLiquidation && msg.Action == core.ActionSell {
		// Sell what is actually held, not what weight math thinks is held
		pos, err := w.broker.GetPosition(ctx, msg.Symbol)
		if err != nil {
			return decimal.Zero, fmt.Errorf("position lookup for liquidation: %w", err)
		}
		return pos.Qty, nil
	}
	if msg.Shares != nil {
		return *msg.Shares, nil
	}
	if msg.EstimatedPrice != nil && msg.EstimatedPrice.IsPositive() {
		return msg.TradeAmount.Abs().Div(*msg.EstimatedPrice).Round(6), nil
	}
	price, err := w.broker.GetCurrentPrice(ctx, msg.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("current price: %w", err)
	}
	if price == nil || !price.IsPositive() {
		return decimal.Zero, apperrors.ErrMarketDataUnavailable
	}
	return msg.TradeAmount.Abs().Div(*price).Round(6), nil
}

func (w *Worker) buildIntent(msg *core.TradeMessage, shares decimal.Decimal) *core.OrderIntent {
	side := core.SideBuy
	if msg.Action == core.ActionSell {
		side = core.SideSell
	}
	closeType := core.CloseNone
	if msg.Action == core.ActionSell {
		closeType = core.ClosePartial
		if msg.IsCompleteExit {
			closeType = core.CloseFull
		}
	}
	urgency := core.UrgencyMedium
	if msg.Phase == core.PhaseBuy {
		urgency = core.UrgencyLow
	}
	return &core.OrderIntent{
		Side:          side,
		CloseType:     closeType,
		Symbol:        msg.Symbol,
		Quantity:      shares,
		Urgency:       urgency,
		CorrelationID: msg.CorrelationID,
		ClientOrderID: orderid.Generate(msg.StrategyID, msg.Symbol, 1),
	}
}

func (w *Worker) strategyFor(msg *core.TradeMessage) core.Strategy {
	if s, ok := w.strategies[msg.StrategyID]; ok {
		return s
	}
	return w.strategies[w.cfg.DefaultStrategy]
}

func (w *Worker) emitTrade(ctx context.Context, msg *core.TradeMessage, success bool, orderID string, shares, price decimal.Decimal, errMsg string) {
	if w.bus == nil {
		return
	}
	w.bus.PublishTradeExecuted(ctx, events.TradeExecuted{
		RunID:          msg.RunID,
		TradeID:        msg.TradeID,
		Symbol:         msg.Symbol,
		Action:         msg.Action,
		Success:        success,
		OrderID:        orderID,
		SharesExecuted: shares,
		Price:          price,
		ErrorMessage:   errMsg,
	})
}
