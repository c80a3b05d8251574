// Package execution contains the order strategies and the shared submitter
// they place orders through.
package execution

import (
	"context"
	"fmt"
	"time"

	"rebalancer/internal/core"
	"rebalancer/internal/lifecycle"
	apperrors "rebalancer/pkg/errors"
	"rebalancer/pkg/retry"
	"rebalancer/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Submitter is the single path every strategy places orders through. It
// applies rate limiting, transient-error retries, lifecycle tracking, and
// cancel-with-confirmation.
type Submitter struct {
	broker  core.Broker
	limiter *rate.Limiter
	tracker *lifecycle.Tracker
	logger  core.ILogger
	metrics *telemetry.MetricsHolder

	placePolicy retry.Policy
}

// NewSubmitter creates a submitter. ordersPerSecond bounds the placement
// rate across all concurrent strategies sharing this submitter.
func NewSubmitter(broker core.Broker, ordersPerSecond float64, tracker *lifecycle.Tracker, logger core.ILogger) *Submitter {
	return &Submitter{
		broker:      broker,
		limiter:     rate.NewLimiter(rate.Limit(ordersPerSecond), int(ordersPerSecond)+1),
		tracker:     tracker,
		logger:      logger.WithField("component", "submitter"),
		metrics:     telemetry.GetGlobalMetrics(),
		placePolicy: retry.DefaultPolicy,
	}
}

// PlaceLimit submits a limit order
func (s *Submitter) PlaceLimit(ctx context.Context, symbol string, side core.OrderSide, qty, limitPrice decimal.Decimal, tif core.TimeInForce, clientOrderID string) (*core.ExecutedOrder, error) {
	return s.place(ctx, clientOrderID, func() (*core.ExecutedOrder, error) {
		return s.broker.PlaceLimitOrder(ctx, symbol, side, qty, limitPrice, tif, clientOrderID)
	})
}

// PlaceMarket submits a market order. completeExit routes through the
// broker's position-liquidation endpoint so no fractional dust survives.
func (s *Submitter) PlaceMarket(ctx context.Context, symbol string, side core.OrderSide, qty decimal.Decimal, completeExit bool, clientOrderID string) (*core.ExecutedOrder, error) {
	return s.place(ctx, clientOrderID, func() (*core.ExecutedOrder, error) {
		return s.broker.PlaceMarketOrder(ctx, symbol, side, qty, completeExit, clientOrderID)
	})
}

func (s *Submitter) place(ctx context.Context, clientOrderID string, fn func() (*core.ExecutedOrder, error)) (*core.ExecutedOrder, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var order *core.ExecutedOrder
	err := retry.Do(ctx, s.placePolicy, apperrors.IsTransient, func() error {
		var placeErr error
		order, placeErr = fn()
		return placeErr
	})
	if err != nil {
		return nil, err
	}

	s.metrics.CountQuote(ctx, s.metrics.OrdersPlacedTotal, order.Symbol)
	if s.tracker != nil {
		s.tracker.Track(order.ID, clientOrderID)
		s.tracker.Transition(order.ID, lifecycle.StateValidated, "accepted by broker")
		s.tracker.Transition(order.ID, lifecycle.StateSubmitted, "submitted")
		s.tracker.Transition(order.ID, lifecycle.StateAcknowledged, "acknowledged")
		s.syncTerminal(order.ID, order.Status, order.FilledQty)
	}
	return order, nil
}

// AwaitResult waits up to maxWait for the order to reach a terminal state
// and returns its latest execution result either way.
func (s *Submitter) AwaitResult(ctx context.Context, orderID string, maxWait time.Duration) (*core.OrderResult, error) {
	if _, err := s.broker.WaitForOrderCompletion(ctx, []string{orderID}, maxWait); err != nil {
		return nil, fmt.Errorf("wait for %s: %w", orderID, err)
	}
	res, err := s.broker.GetOrderExecutionResult(ctx, orderID)
	if err != nil {
		return nil, err
	}
	s.syncTerminal(orderID, res.Status, res.FilledQty)
	return res, nil
}

// CancelAndConfirm requests cancellation and polls until the broker reports
// a terminal status. The order may fill while the cancel is in flight; the
// caller gets whichever terminal result actually happened.
func (s *Submitter) CancelAndConfirm(ctx context.Context, orderID string) (*core.OrderResult, error) {
	if s.tracker != nil && s.tracker.Get(orderID) != nil {
		s.tracker.Transition(orderID, lifecycle.StateCancelPending, "cancel requested")
	}
	if err := s.broker.CancelOrder(ctx, orderID); err != nil {
		// Already terminal at the broker is success for our purposes
		res, resErr := s.broker.GetOrderExecutionResult(ctx, orderID)
		if resErr == nil && res.Status.IsTerminal() {
			s.syncTerminal(orderID, res.Status, res.FilledQty)
			return res, nil
		}
		return nil, fmt.Errorf("cancel %s: %w", orderID, err)
	}
	s.metrics.CountQuote(ctx, s.metrics.OrdersCancelledTotal, orderID)

	var final *core.OrderResult
	err := retry.Poll(ctx, retry.CancelConfirmPolicy, func() (bool, error) {
		res, err := s.broker.GetOrderExecutionResult(ctx, orderID)
		if err != nil {
			if apperrors.IsTransient(err) {
				// A flaky status read consumes a backoff attempt instead of
				// abandoning the confirmation
				s.logger.Warn("Cancel confirmation poll failed",
					"order_id", orderID, "error", err)
				return false, nil
			}
			return false, err
		}
		if res.Status.IsTerminal() {
			final = res
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("confirm cancel %s: %w", orderID, apperrors.ErrCancelTimeout)
	}
	s.syncTerminal(orderID, final.Status, final.FilledQty)
	return final, nil
}

// syncTerminal reflects a broker-reported terminal status into the tracker
func (s *Submitter) syncTerminal(orderID string, status core.OrderStatus, filled decimal.Decimal) {
	if s.tracker == nil || s.tracker.Get(orderID) == nil {
		return
	}
	switch status {
	case core.OrderStatusFilled:
		s.tracker.Transition(orderID, lifecycle.StateFilled, "filled")
	case core.OrderStatusPartiallyFilled:
		s.tracker.Transition(orderID, lifecycle.StatePartiallyFilled,
			fmt.Sprintf("filled %s", filled))
	case core.OrderStatusCancelled:
		s.tracker.Transition(orderID, lifecycle.StateCancelled, "cancelled")
	case core.OrderStatusRejected:
		s.tracker.Transition(orderID, lifecycle.StateRejected, "rejected")
	case core.OrderStatusExpired:
		s.tracker.Transition(orderID, lifecycle.StateExpired, "expired")
	}
}
