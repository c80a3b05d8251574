package execution

import (
	"context"
	"fmt"
	"math"
	"time"

	"rebalancer/internal/core"
	"rebalancer/internal/orderid"
	apperrors "rebalancer/pkg/errors"

	"github.com/shopspring/decimal"
)

// AlmgrenChrissConfig parameterizes the impact model and schedule
type AlmgrenChrissConfig struct {
	RiskAversion float64
	Volatility   float64
	TempImpact   float64
	NumSlices    int
	// SliceInterval is how long each slice's limit order is left working
	SliceInterval time.Duration
	MarketWait    time.Duration
	// CompletionTolerance is the filled fraction at or above which the
	// execution counts as successful.
	CompletionTolerance decimal.Decimal
	// MarketFallbackBelow triggers a market order for the remainder when
	// the filled fraction after all slices is under this threshold.
	MarketFallbackBelow decimal.Decimal
	// MarketFallback enables the escalation at all
	MarketFallback bool
}

// DefaultAlmgrenConfig returns production defaults
func DefaultAlmgrenConfig() AlmgrenChrissConfig {
	return AlmgrenChrissConfig{
		RiskAversion:        0.5,
		Volatility:          0.02,
		TempImpact:          0.001,
		NumSlices:           5,
		SliceInterval:       5 * time.Minute,
		MarketWait:          30 * time.Second,
		CompletionTolerance: decimal.NewFromFloat(0.95),
		MarketFallbackBelow: decimal.NewFromFloat(0.50),
		MarketFallback:      true,
	}
}

// AlmgrenChriss executes along the optimal liquidation trajectory of the
// Almgren-Chriss impact model: front-loaded slices whose shape is set by
// kappa = sqrt(lambda * sigma^2 / eta), each worked as a limit order with
// increasing aggressiveness.
type AlmgrenChriss struct {
	submitter *Submitter
	quotes    core.QuoteProvider
	cfg       AlmgrenChrissConfig
	logger    core.ILogger
}

var _ core.Strategy = (*AlmgrenChriss)(nil)

// NewAlmgrenChriss creates the strategy
func NewAlmgrenChriss(submitter *Submitter, quotes core.QuoteProvider, cfg AlmgrenChrissConfig, logger core.ILogger) *AlmgrenChriss {
	return &AlmgrenChriss{
		submitter: submitter,
		quotes:    quotes,
		cfg:       cfg,
		logger:    logger.WithField("strategy", "almgren_chriss"),
	}
}

func (a *AlmgrenChriss) Name() string { return "almgren_chriss" }

// SliceQuantities returns the per-slice quantities for total under the sinh
// trajectory. The last slice absorbs rounding residue so the sum is exact.
func (a *AlmgrenChriss) SliceQuantities(total decimal.Decimal) []decimal.Decimal {
	n := a.cfg.NumSlices
	if n <= 1 {
		return []decimal.Decimal{total}
	}
	kappa := math.Sqrt(a.cfg.RiskAversion * a.cfg.Volatility * a.cfg.Volatility / a.cfg.TempImpact)

	// Remaining-holdings curve x(t) = X * sinh(kappa*(1-t)) / sinh(kappa),
	// sampled at t = j/n. Degenerate kappa collapses to equal slices.
	holdings := make([]float64, n+1)
	if kappa < 1e-9 {
		for j := 0; j <= n; j++ {
			holdings[j] = 1 - float64(j)/float64(n)
		}
	} else {
		denom := math.Sinh(kappa)
		for j := 0; j <= n; j++ {
			holdings[j] = math.Sinh(kappa*(1-float64(j)/float64(n))) / denom
		}
	}

	slices := make([]decimal.Decimal, n)
	allocated := decimal.Zero
	for j := 0; j < n-1; j++ {
		frac := holdings[j] - holdings[j+1]
		q := total.Mul(decimal.NewFromFloat(frac)).RoundBank(4)
		slices[j] = q
		allocated = allocated.Add(q)
	}
	slices[n-1] = total.Sub(allocated)
	return slices
}

// aggressiveness for slice k of n: starts at 60% of the spread and ramps to
// 90% by the final slice.
func (a *AlmgrenChriss) aggressiveness(k, n int) decimal.Decimal {
	if n <= 1 {
		return decimal.NewFromFloat(0.90)
	}
	return decimal.NewFromFloat(0.60 + 0.30*float64(k)/float64(n-1))
}

func (a *AlmgrenChriss) Execute(ctx context.Context, intent *core.OrderIntent, quote *core.Quote) (*core.ExecutionResult, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}

	result := &core.ExecutionResult{}
	notional := decimal.Zero
	carry := decimal.Zero
	totalFilled := decimal.Zero

	slices := a.SliceQuantities(intent.Quantity)
	log := a.logger.WithFields(map[string]interface{}{
		"symbol":          intent.Symbol,
		"side":            string(intent.Side),
		"client_order_id": intent.ClientOrderID,
		"slices":          len(slices),
	})

	for k, sliceQty := range slices {
		target := sliceQty.Add(carry)
		if !target.IsPositive() {
			continue
		}
		q := a.refresh(ctx, intent, quote)
		price := stepPrice(intent.Side, q, a.aggressiveness(k, len(slices)))
		clientID := orderid.StepID(intent.ClientOrderID, k+1)

		order, err := a.submitter.PlaceLimit(ctx, intent.Symbol, intent.Side, target, price, core.TIFDay, clientID)
		if err != nil {
			log.Warn("Slice rejected, carrying quantity forward",
				"slice", k+1, "qty", target, "error", err)
			carry = target
			result.Attempts = append(result.Attempts, core.AttemptRecord{
				OrderType:    "limit",
				LimitPrice:   &price,
				RequestedQty: target,
				Status:       core.OrderStatusRejected,
				SubmittedAt:  time.Now(),
			})
			continue
		}

		res, err := a.submitter.AwaitResult(ctx, order.ID, a.cfg.SliceInterval)
		if err != nil {
			return nil, fmt.Errorf("await slice %d: %w", k+1, err)
		}
		if !res.Status.IsTerminal() {
			res, err = a.submitter.CancelAndConfirm(ctx, order.ID)
			if err != nil {
				return nil, fmt.Errorf("cancel slice %d: %w", k+1, err)
			}
		}

		result.Attempts = append(result.Attempts, core.AttemptRecord{
			OrderID:      order.ID,
			OrderType:    "limit",
			LimitPrice:   &price,
			RequestedQty: target,
			FilledQty:    res.FilledQty,
			Status:       res.Status,
			SubmittedAt:  order.CreatedAt,
		})

		totalFilled = totalFilled.Add(res.FilledQty)
		notional = notional.Add(res.FilledQty.Mul(res.AvgFillPrice))
		carry = target.Sub(res.FilledQty)
		if res.FilledQty.IsPositive() {
			result.FinalOrderID = order.ID
		}
		log.Info("Slice done", "slice", k+1, "filled", res.FilledQty, "carry", carry)
	}

	remaining := intent.Quantity.Sub(totalFilled)
	filledFraction := decimal.NewFromInt(1)
	if intent.Quantity.IsPositive() {
		filledFraction = totalFilled.Div(intent.Quantity)
	}

	// Badly behind schedule: pay the spread on a tail market order. A
	// moderate shortfall is left alone and judged against the completion
	// tolerance below.
	if a.cfg.MarketFallback && remaining.IsPositive() && filledFraction.LessThan(a.cfg.MarketFallbackBelow) {
		completeExit := intent.CloseType == core.CloseFull && totalFilled.IsZero()
		clientID := orderid.StepID(intent.ClientOrderID, len(slices)+1)
		order, err := a.submitter.PlaceMarket(ctx, intent.Symbol, intent.Side, remaining, completeExit, clientID)
		if err != nil {
			return nil, fmt.Errorf("market escalation: %w", err)
		}
		res, err := a.submitter.AwaitResult(ctx, order.ID, a.cfg.MarketWait)
		if err != nil {
			return nil, fmt.Errorf("await market escalation: %w", err)
		}
		result.Attempts = append(result.Attempts, core.AttemptRecord{
			OrderID:      order.ID,
			OrderType:    "market",
			RequestedQty: remaining,
			FilledQty:    res.FilledQty,
			Status:       res.Status,
			SubmittedAt:  time.Now(),
		})
		totalFilled = totalFilled.Add(res.FilledQty)
		notional = notional.Add(res.FilledQty.Mul(res.AvgFillPrice))
		if res.FilledQty.IsPositive() {
			result.FinalOrderID = order.ID
		}
		if intent.Quantity.IsPositive() {
			filledFraction = totalFilled.Div(intent.Quantity)
		}
	}

	result.TotalFilled = totalFilled
	finishResult(result, notional)
	if filledFraction.LessThan(a.cfg.CompletionTolerance) {
		result.Success = false
		result.ErrorMessage = fmt.Sprintf("filled %s of %s, below completion tolerance",
			totalFilled, intent.Quantity)
		return result, fmt.Errorf("%s: %w", intent.Symbol, apperrors.ErrUnfilledMarket)
	}
	result.Success = true
	return result, nil
}

func (a *AlmgrenChriss) refresh(ctx context.Context, intent *core.OrderIntent, fallback *core.Quote) *core.Quote {
	if a.quotes == nil {
		return fallback
	}
	q, err := a.quotes.GetBestQuote(ctx, intent.Symbol, intent.CorrelationID)
	if err != nil {
		a.logger.Warn("Quote refresh failed, reusing entry quote",
			"symbol", intent.Symbol, "error", err)
		return fallback
	}
	return q
}
