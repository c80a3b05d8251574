// Package validator checks order intents against broker positions before
// submission and verifies settlement afterwards.
package validator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rebalancer/internal/core"
	apperrors "rebalancer/pkg/errors"

	"github.com/shopspring/decimal"
)

// Options tunes the validator
type Options struct {
	// SellTolerance is the fraction of the requested quantity by which a
	// SELL may exceed the held position and still be clamped instead of
	// rejected. Absorbs weight-computation float imprecision.
	SellTolerance decimal.Decimal
	// FractionalTolerance is the max absolute share difference accepted when
	// comparing expected vs actual position quantities after execution.
	FractionalTolerance decimal.Decimal
	// Settlement polling
	SettleMaxWait        time.Duration
	SettleInitialBackoff time.Duration
	SettleMaxBackoff     time.Duration
}

// DefaultOptions returns production defaults
func DefaultOptions() Options {
	return Options{
		SellTolerance:        decimal.NewFromFloat(0.01),
		FractionalTolerance:  decimal.NewFromFloat(0.001),
		SettleMaxWait:        30 * time.Second,
		SettleInitialBackoff: time.Second,
		SettleMaxBackoff:     5 * time.Second,
	}
}

// Validator reconciles intents with the broker's view of the portfolio
type Validator struct {
	broker core.Broker
	opts   Options
	logger core.ILogger
	now    func() time.Time
}

// New creates a validator
func New(broker core.Broker, opts Options, logger core.ILogger) *Validator {
	return &Validator{
		broker: broker,
		opts:   opts,
		logger: logger.WithField("component", "validator"),
		now:    time.Now,
	}
}

// PreCheckResult is the outcome of pre-execution validation
type PreCheckResult struct {
	InitialPosition decimal.Decimal
	AdjustedQty     decimal.Decimal
	WasClamped      bool
}

// PreCheck validates an intent against the held position. A SELL overage
// within tolerance of the request is clamped to the held position; a larger
// overage is rejected. A FULL close whose quantity disagrees with the
// position is allowed with a warning, since the liquidation path uses the
// broker's own quantity.
func (v *Validator) PreCheck(ctx context.Context, intent *core.OrderIntent) (*PreCheckResult, error) {
	held, err := v.currentQty(ctx, intent.Symbol)
	if err != nil {
		return nil, fmt.Errorf("position for %s: %w", intent.Symbol, err)
	}
	res := &PreCheckResult{InitialPosition: held, AdjustedQty: intent.Quantity}
	if intent.Side != core.SideSell {
		return res, nil
	}

	if intent.CloseType == core.CloseFull {
		if !held.Equal(intent.Quantity) {
			v.logger.Warn("Full close quantity disagrees with held position",
				"symbol", intent.Symbol, "requested", intent.Quantity, "held", held)
		}
		return res, nil
	}

	if held.GreaterThanOrEqual(intent.Quantity) {
		return res, nil
	}
	overage := intent.Quantity.Sub(held)
	if held.IsPositive() && overage.LessThanOrEqual(intent.Quantity.Mul(v.opts.SellTolerance)) {
		v.logger.Warn("SELL quantity clamped to held position",
			"symbol", intent.Symbol, "requested", intent.Quantity, "held", held)
		res.AdjustedQty = held
		res.WasClamped = true
		return res, nil
	}
	return nil, fmt.Errorf("sell %s qty %s exceeds position %s: %w",
		intent.Symbol, intent.Quantity, held, apperrors.ErrInsufficientPosition)
}

// ExpectedPosition computes what the position should settle to after an
// execution. A FULL close settles to zero regardless of the filled amount.
func ExpectedPosition(intent *core.OrderIntent, initial, filled decimal.Decimal) decimal.Decimal {
	switch {
	case intent.Side == core.SideBuy:
		return initial.Add(filled)
	case intent.CloseType == core.CloseFull:
		return decimal.Zero
	default:
		return initial.Sub(filled)
	}
}

// VerifySettlement polls until the position for the intent's symbol reflects
// the executed change or the settlement window closes.
func (v *Validator) VerifySettlement(ctx context.Context, intent *core.OrderIntent, initial, filled decimal.Decimal) error {
	expected := ExpectedPosition(intent, initial, filled)
	deadline := v.now().Add(v.opts.SettleMaxWait)
	backoff := v.opts.SettleInitialBackoff

	var lastSeen decimal.Decimal
	for {
		actual, err := v.currentQty(ctx, intent.Symbol)
		if err == nil {
			lastSeen = actual
			if actual.Sub(expected).Abs().LessThanOrEqual(v.opts.FractionalTolerance) {
				return nil
			}
		}

		if v.now().After(deadline) {
			return fmt.Errorf("settlement for %s: expected %s, saw %s",
				intent.Symbol, expected, lastSeen)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > v.opts.SettleMaxBackoff {
			backoff = v.opts.SettleMaxBackoff
		}
	}
}

// currentQty treats a missing position as zero, which is what a complete
// exit settles to.
func (v *Validator) currentQty(ctx context.Context, symbol string) (decimal.Decimal, error) {
	pos, err := v.broker.GetPosition(ctx, symbol)
	if err != nil {
		if errors.Is(err, apperrors.ErrInsufficientPosition) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return pos.Qty, nil
}
