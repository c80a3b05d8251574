package broker

import (
	"context"
	"testing"

	"rebalancer/internal/core"
	"rebalancer/internal/mock"
	apperrors "rebalancer/pkg/errors"
	"rebalancer/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flaky fails the first n quote calls with a transient error
type flaky struct {
	*mock.Broker
	failures int
	calls    int
}

func (f *flaky) GetLatestQuote(ctx context.Context, symbol string) (*core.Quote, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, apperrors.ErrNetwork
	}
	return f.Broker.GetLatestQuote(ctx, symbol)
}

func fastConfig() ResilienceConfig {
	cfg := DefaultResilienceConfig()
	cfg.BackoffInitial = 0
	cfg.BackoffMax = 0
	return cfg
}

func TestResilientRetriesTransientErrors(t *testing.T) {
	inner := &flaky{Broker: mock.NewBroker(), failures: 2}
	inner.SetQuote("AAPL", 100.00, 100.10, 300, 300)
	r := NewResilient(inner, fastConfig(), logging.GetGlobalLogger())

	q, err := r.GetLatestQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, q.BidPrice.Equal(decimal.NewFromFloat(100.00)))
	assert.Equal(t, 3, inner.calls)
}

func TestResilientGivesUpAfterMaxRetries(t *testing.T) {
	inner := &flaky{Broker: mock.NewBroker(), failures: 100}
	r := NewResilient(inner, fastConfig(), logging.GetGlobalLogger())

	_, err := r.GetLatestQuote(context.Background(), "AAPL")
	require.Error(t, err)
	// 1 initial + 3 retries
	assert.Equal(t, 4, inner.calls)
}

func TestResilientDoesNotRetryDomainErrors(t *testing.T) {
	inner := mock.NewBroker()
	inner.QuoteErrs["AAPL"] = apperrors.ErrInvalidSymbol
	r := NewResilient(inner, fastConfig(), logging.GetGlobalLogger())

	_, err := r.GetLatestQuote(context.Background(), "AAPL")
	require.ErrorIs(t, err, apperrors.ErrInvalidSymbol)
}

func TestResilientPlacementIsNeverRetried(t *testing.T) {
	inner := mock.NewBroker()
	inner.Script(mock.Outcome{PlaceErr: apperrors.ErrNetwork})
	r := NewResilient(inner, fastConfig(), logging.GetGlobalLogger())

	_, err := r.PlaceLimitOrder(context.Background(), "AAPL", core.SideBuy,
		decimal.NewFromInt(10), decimal.NewFromFloat(100.00), core.TIFDay, "c-1")
	require.ErrorIs(t, err, apperrors.ErrNetwork)
	// The scripted error was consumed exactly once
	assert.Empty(t, inner.Placed)
}
