// Package broker layers resilience over a core Broker implementation.
package broker

import (
	"context"
	"time"

	"rebalancer/internal/core"
	apperrors "rebalancer/pkg/errors"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
)

// ResilienceConfig tunes the retry and circuit-breaker policies
type ResilienceConfig struct {
	MaxRetries       int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	BreakerFailures  uint
	BreakerCapacity  uint
	BreakerOpenDelay time.Duration
}

// DefaultResilienceConfig returns production defaults
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		MaxRetries:       3,
		BackoffInitial:   100 * time.Millisecond,
		BackoffMax:       2 * time.Second,
		BreakerFailures:  5,
		BreakerCapacity:  10,
		BreakerOpenDelay: 10 * time.Second,
	}
}

// Resilient decorates a Broker with transient-error retries and a circuit
// breaker. Domain errors (rejections, insufficient funds) pass through
// untouched; only transport-level failures trip the policies.
type Resilient struct {
	inner  core.Broker
	exec   failsafe.Executor[any]
	logger core.ILogger
}

var _ core.Broker = (*Resilient)(nil)

// NewResilient wraps inner with the given resilience policies
func NewResilient(inner core.Broker, cfg ResilienceConfig, logger core.ILogger) *Resilient {
	transient := func(_ any, err error) bool {
		return err != nil && apperrors.IsTransient(err)
	}
	retry := retrypolicy.NewBuilder[any]().
		HandleIf(transient).
		WithBackoff(cfg.BackoffInitial, cfg.BackoffMax).
		WithMaxRetries(cfg.MaxRetries).
		Build()
	breaker := circuitbreaker.NewBuilder[any]().
		HandleIf(transient).
		WithFailureThresholdRatio(cfg.BreakerFailures, cfg.BreakerCapacity).
		WithDelay(cfg.BreakerOpenDelay).
		Build()
	return &Resilient{
		inner:  inner,
		exec:   failsafe.With[any](retry, breaker),
		logger: logger.WithField("component", "resilient_broker"),
	}
}

func (r *Resilient) get(fn func() (any, error)) (any, error) {
	return r.exec.Get(fn)
}

func (r *Resilient) GetCurrentPrice(ctx context.Context, symbol string) (*decimal.Decimal, error) {
	v, err := r.get(func() (any, error) { return r.inner.GetCurrentPrice(ctx, symbol) })
	if err != nil {
		return nil, err
	}
	return v.(*decimal.Decimal), nil
}

func (r *Resilient) GetLatestQuote(ctx context.Context, symbol string) (*core.Quote, error) {
	v, err := r.get(func() (any, error) { return r.inner.GetLatestQuote(ctx, symbol) })
	if err != nil {
		return nil, err
	}
	return v.(*core.Quote), nil
}

func (r *Resilient) GetPosition(ctx context.Context, symbol string) (*core.Position, error) {
	v, err := r.get(func() (any, error) { return r.inner.GetPosition(ctx, symbol) })
	if err != nil {
		return nil, err
	}
	return v.(*core.Position), nil
}

func (r *Resilient) GetAccount(ctx context.Context) (*core.Account, error) {
	v, err := r.get(func() (any, error) { return r.inner.GetAccount(ctx) })
	if err != nil {
		return nil, err
	}
	return v.(*core.Account), nil
}

func (r *Resilient) IsMarketOpen(ctx context.Context) (bool, error) {
	v, err := r.get(func() (any, error) { return r.inner.IsMarketOpen(ctx) })
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Order placement is NOT retried here: a timeout after the broker accepted
// the order would double-submit. The submitter retries only errors the
// broker is known not to have acted on.
func (r *Resilient) PlaceMarketOrder(ctx context.Context, symbol string, side core.OrderSide, qty decimal.Decimal, isCompleteExit bool, clientOrderID string) (*core.ExecutedOrder, error) {
	return r.inner.PlaceMarketOrder(ctx, symbol, side, qty, isCompleteExit, clientOrderID)
}

func (r *Resilient) PlaceLimitOrder(ctx context.Context, symbol string, side core.OrderSide, qty decimal.Decimal, limitPrice decimal.Decimal, tif core.TimeInForce, clientOrderID string) (*core.ExecutedOrder, error) {
	return r.inner.PlaceLimitOrder(ctx, symbol, side, qty, limitPrice, tif, clientOrderID)
}

func (r *Resilient) GetOrderExecutionResult(ctx context.Context, orderID string) (*core.OrderResult, error) {
	v, err := r.get(func() (any, error) { return r.inner.GetOrderExecutionResult(ctx, orderID) })
	if err != nil {
		return nil, err
	}
	return v.(*core.OrderResult), nil
}

func (r *Resilient) CancelOrder(ctx context.Context, orderID string) error {
	return r.exec.Run(func() error { return r.inner.CancelOrder(ctx, orderID) })
}

// WaitForOrderCompletion is long-running by design and manages its own
// polling; it bypasses the policy pipeline.
func (r *Resilient) WaitForOrderCompletion(ctx context.Context, orderIDs []string, maxWait time.Duration) ([]string, error) {
	return r.inner.WaitForOrderCompletion(ctx, orderIDs, maxWait)
}
