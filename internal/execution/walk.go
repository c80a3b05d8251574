package execution

import (
	"context"
	"fmt"
	"time"

	"rebalancer/internal/core"
	"rebalancer/internal/orderid"
	apperrors "rebalancer/pkg/errors"

	"github.com/shopspring/decimal"
)

// WalkTheBookConfig tunes the walk-the-book strategy
type WalkTheBookConfig struct {
	// Steps are spread fractions walked from passive toward aggressive.
	// For a BUY each step prices at bid + f*spread; for a SELL at
	// ask - f*spread.
	Steps      []decimal.Decimal
	StepWait   time.Duration
	MarketWait time.Duration
	// MarketFallbackOnReject escalates straight to a market order when a
	// limit step is rejected instead of failing the execution.
	MarketFallbackOnReject bool
}

// DefaultWalkConfig returns the production step ladder
func DefaultWalkConfig() WalkTheBookConfig {
	return WalkTheBookConfig{
		Steps: []decimal.Decimal{
			decimal.NewFromFloat(0.50),
			decimal.NewFromFloat(0.75),
			decimal.NewFromFloat(0.95),
		},
		StepWait:   10 * time.Second,
		MarketWait: 30 * time.Second,
	}
}

// WalkTheBook works an order through limit prices stepping across the
// spread, then escalates the unfilled remainder to a market order.
type WalkTheBook struct {
	submitter *Submitter
	quotes    core.QuoteProvider
	cfg       WalkTheBookConfig
	logger    core.ILogger
}

var _ core.Strategy = (*WalkTheBook)(nil)

// NewWalkTheBook creates the strategy. quotes may be nil, in which case the
// entry quote is reused at every step instead of refreshed.
func NewWalkTheBook(submitter *Submitter, quotes core.QuoteProvider, cfg WalkTheBookConfig, logger core.ILogger) *WalkTheBook {
	return &WalkTheBook{
		submitter: submitter,
		quotes:    quotes,
		cfg:       cfg,
		logger:    logger.WithField("strategy", "walk_the_book"),
	}
}

func (w *WalkTheBook) Name() string { return "walk_the_book" }

// Execute walks the book for the intent. Partial fills at any step reduce
// the remainder; the method only fails when the final market escalation
// leaves quantity unfilled.
func (w *WalkTheBook) Execute(ctx context.Context, intent *core.OrderIntent, quote *core.Quote) (*core.ExecutionResult, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}

	result := &core.ExecutionResult{}
	remaining := intent.Quantity
	notional := decimal.Zero

	log := w.logger.WithFields(map[string]interface{}{
		"symbol":          intent.Symbol,
		"side":            string(intent.Side),
		"client_order_id": intent.ClientOrderID,
	})

	rejected := false
	var rejectErr error
	for k, frac := range w.cfg.Steps {
		if !remaining.IsPositive() {
			break
		}
		q := w.refresh(ctx, intent, quote)
		price := stepPrice(intent.Side, q, frac)
		clientID := orderid.StepID(intent.ClientOrderID, k+1)

		order, err := w.submitter.PlaceLimit(ctx, intent.Symbol, intent.Side, remaining, price, core.TIFDay, clientID)
		if err != nil {
			log.Warn("Limit step rejected", "step", k+1, "price", price, "error", err)
			result.Attempts = append(result.Attempts, core.AttemptRecord{
				OrderType:    "limit",
				LimitPrice:   &price,
				RequestedQty: remaining,
				Status:       core.OrderStatusRejected,
				SubmittedAt:  time.Now(),
			})
			rejected, rejectErr = true, err
			break
		}

		res, err := w.submitter.AwaitResult(ctx, order.ID, w.cfg.StepWait)
		if err != nil {
			return nil, fmt.Errorf("await step %d: %w", k+1, err)
		}
		if !res.Status.IsTerminal() {
			// Step wait expired with the order still live
			res, err = w.submitter.CancelAndConfirm(ctx, order.ID)
			if err != nil {
				return nil, fmt.Errorf("cancel step %d: %w", k+1, err)
			}
		}

		result.Attempts = append(result.Attempts, core.AttemptRecord{
			OrderID:      order.ID,
			OrderType:    "limit",
			LimitPrice:   &price,
			RequestedQty: remaining,
			FilledQty:    res.FilledQty,
			Status:       res.Status,
			SubmittedAt:  order.CreatedAt,
		})

		if res.FilledQty.IsPositive() {
			remaining = remaining.Sub(res.FilledQty)
			notional = notional.Add(res.FilledQty.Mul(res.AvgFillPrice))
			result.FinalOrderID = order.ID
			log.Info("Limit step filled", "step", k+1, "price", price,
				"filled", res.FilledQty, "remaining", remaining)
		}
		if res.Status == core.OrderStatusRejected {
			rejected, rejectErr = true, fmt.Errorf("step %d: %w", k+1, apperrors.ErrOrderRejected)
			break
		}
	}

	// A broker rejection ends the walk: remaining steps would be rejected
	// for the same reason. Escalate to market only when configured.
	if rejected && !w.cfg.MarketFallbackOnReject {
		result.TotalFilled = intent.Quantity.Sub(remaining)
		finishResult(result, notional)
		result.Success = false
		result.ErrorMessage = rejectErr.Error()
		return result, rejectErr
	}

	if remaining.IsPositive() {
		marketRes, orderID, err := w.escalateToMarket(ctx, intent, remaining, notional.IsZero() && result.TotalFilled.IsZero())
		if err != nil {
			return nil, err
		}
		result.Attempts = append(result.Attempts, core.AttemptRecord{
			OrderID:      orderID,
			OrderType:    "market",
			RequestedQty: remaining,
			FilledQty:    marketRes.FilledQty,
			Status:       marketRes.Status,
			SubmittedAt:  time.Now(),
		})
		if marketRes.FilledQty.IsPositive() {
			notional = notional.Add(marketRes.FilledQty.Mul(marketRes.AvgFillPrice))
			remaining = remaining.Sub(marketRes.FilledQty)
			result.FinalOrderID = orderID
		}
		if remaining.IsPositive() {
			result.TotalFilled = intent.Quantity.Sub(remaining)
			finishResult(result, notional)
			result.Success = false
			result.ErrorMessage = fmt.Sprintf("market escalation left %s unfilled", remaining)
			return result, fmt.Errorf("%s: %w", intent.Symbol, apperrors.ErrUnfilledMarket)
		}
	}

	result.TotalFilled = intent.Quantity.Sub(remaining)
	finishResult(result, notional)
	result.Success = true
	return result, nil
}

func (w *WalkTheBook) refresh(ctx context.Context, intent *core.OrderIntent, fallback *core.Quote) *core.Quote {
	if w.quotes == nil {
		return fallback
	}
	q, err := w.quotes.GetBestQuote(ctx, intent.Symbol, intent.CorrelationID)
	if err != nil {
		w.logger.Warn("Quote refresh failed, reusing entry quote",
			"symbol", intent.Symbol, "error", err)
		return fallback
	}
	return q
}

func (w *WalkTheBook) escalateToMarket(ctx context.Context, intent *core.OrderIntent, remaining decimal.Decimal, nothingFilled bool) (*core.OrderResult, string, error) {
	// A full close with no prior fills goes through the liquidation path so
	// fractional dust cannot survive.
	completeExit := intent.CloseType == core.CloseFull && nothingFilled
	clientID := orderid.StepID(intent.ClientOrderID, len(w.cfg.Steps)+1)

	order, err := w.submitter.PlaceMarket(ctx, intent.Symbol, intent.Side, remaining, completeExit, clientID)
	if err != nil {
		return nil, "", fmt.Errorf("market escalation: %w", err)
	}
	res, err := w.submitter.AwaitResult(ctx, order.ID, w.cfg.MarketWait)
	if err != nil {
		return nil, "", fmt.Errorf("await market escalation: %w", err)
	}
	return res, order.ID, nil
}

var minLimitPrice = decimal.NewFromFloat(0.01)

// stepPrice computes the limit price for a spread fraction, quantised to the
// cent and clamped to the minimum tradeable price.
func stepPrice(side core.OrderSide, q *core.Quote, frac decimal.Decimal) decimal.Decimal {
	spread := q.Spread()
	var p decimal.Decimal
	if side == core.SideBuy {
		p = q.BidPrice.Add(spread.Mul(frac)).RoundBank(2)
	} else {
		p = q.AskPrice.Sub(spread.Mul(frac)).RoundBank(2)
	}
	if p.LessThan(minLimitPrice) {
		return minLimitPrice
	}
	return p
}

func finishResult(result *core.ExecutionResult, notional decimal.Decimal) {
	if result.TotalFilled.IsPositive() {
		result.AvgFillPrice = notional.Div(result.TotalFilled).RoundBank(4)
	}
}
