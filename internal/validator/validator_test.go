package validator

import (
	"context"
	"testing"
	"time"

	"rebalancer/internal/core"
	"rebalancer/internal/mock"
	apperrors "rebalancer/pkg/errors"
	"rebalancer/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func qty(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func fastValidator(broker *mock.Broker) *Validator {
	opts := DefaultOptions()
	opts.SettleMaxWait = 50 * time.Millisecond
	opts.SettleInitialBackoff = 5 * time.Millisecond
	opts.SettleMaxBackoff = 10 * time.Millisecond
	return New(broker, opts, logging.GetGlobalLogger())
}

func sellIntent(q float64, closeType core.CloseType) *core.OrderIntent {
	return &core.OrderIntent{
		Side:      core.SideSell,
		CloseType: closeType,
		Symbol:    "AAPL",
		Quantity:  qty(q),
	}
}

func TestPreCheckSellWithinPosition(t *testing.T) {
	broker := mock.NewBroker()
	broker.Positions["AAPL"] = &core.Position{Symbol: "AAPL", Qty: qty(100)}
	v := fastValidator(broker)

	res, err := v.PreCheck(context.Background(), sellIntent(40, core.CloseNone))
	require.NoError(t, err)
	assert.True(t, res.AdjustedQty.Equal(qty(40)))
	assert.True(t, res.InitialPosition.Equal(qty(100)))
	assert.False(t, res.WasClamped)
}

func TestPreCheckSellClampsSmallOverage(t *testing.T) {
	broker := mock.NewBroker()
	broker.Positions["AAPL"] = &core.Position{Symbol: "AAPL", Qty: qty(99.5)}
	v := fastValidator(broker)

	// 100 requested against 99.5 held is a 0.5% overage, inside tolerance
	res, err := v.PreCheck(context.Background(), sellIntent(100, core.CloseNone))
	require.NoError(t, err)
	assert.True(t, res.AdjustedQty.Equal(qty(99.5)))
	assert.True(t, res.WasClamped)
}

func TestPreCheckSellRejectsLargeOverage(t *testing.T) {
	broker := mock.NewBroker()
	broker.Positions["AAPL"] = &core.Position{Symbol: "AAPL", Qty: qty(80)}
	v := fastValidator(broker)

	_, err := v.PreCheck(context.Background(), sellIntent(100, core.CloseNone))
	assert.ErrorIs(t, err, apperrors.ErrInsufficientPosition)
}

func TestPreCheckSellNoPosition(t *testing.T) {
	v := fastValidator(mock.NewBroker())
	_, err := v.PreCheck(context.Background(), sellIntent(10, core.CloseNone))
	assert.ErrorIs(t, err, apperrors.ErrInsufficientPosition)
}

func TestPreCheckFullCloseMismatchAllowed(t *testing.T) {
	broker := mock.NewBroker()
	broker.Positions["AAPL"] = &core.Position{Symbol: "AAPL", Qty: qty(97)}
	v := fastValidator(broker)

	res, err := v.PreCheck(context.Background(), sellIntent(100, core.CloseFull))
	require.NoError(t, err)
	assert.True(t, res.AdjustedQty.Equal(qty(100)))
}

func TestPreCheckBuySkipsPositionCheck(t *testing.T) {
	v := fastValidator(mock.NewBroker())
	intent := &core.OrderIntent{Side: core.SideBuy, Symbol: "AAPL", Quantity: qty(50)}

	res, err := v.PreCheck(context.Background(), intent)
	require.NoError(t, err)
	assert.True(t, res.AdjustedQty.Equal(qty(50)))
	assert.True(t, res.InitialPosition.IsZero())
}

func TestExpectedPosition(t *testing.T) {
	buy := &core.OrderIntent{Side: core.SideBuy}
	assert.True(t, ExpectedPosition(buy, qty(100), qty(40)).Equal(qty(140)))

	sell := &core.OrderIntent{Side: core.SideSell, CloseType: core.ClosePartial}
	assert.True(t, ExpectedPosition(sell, qty(100), qty(40)).Equal(qty(60)))

	full := &core.OrderIntent{Side: core.SideSell, CloseType: core.CloseFull}
	assert.True(t, ExpectedPosition(full, qty(100), qty(99.8)).IsZero())
}

func TestVerifySettlementSucceeds(t *testing.T) {
	broker := mock.NewBroker()
	broker.Positions["AAPL"] = &core.Position{Symbol: "AAPL", Qty: qty(60)}
	v := fastValidator(broker)

	err := v.VerifySettlement(context.Background(), sellIntent(40, core.CloseNone), qty(100), qty(40))
	assert.NoError(t, err)
}

func TestVerifySettlementCompleteExitToZero(t *testing.T) {
	// Broker reports no position after a full liquidation
	v := fastValidator(mock.NewBroker())
	err := v.VerifySettlement(context.Background(), sellIntent(100, core.CloseFull), qty(100), qty(100))
	assert.NoError(t, err)
}

func TestVerifySettlementToleratesFractionalDust(t *testing.T) {
	broker := mock.NewBroker()
	broker.Positions["AAPL"] = &core.Position{Symbol: "AAPL", Qty: qty(60.0005)}
	v := fastValidator(broker)

	err := v.VerifySettlement(context.Background(), sellIntent(40, core.CloseNone), qty(100), qty(40))
	assert.NoError(t, err)
}

func TestVerifySettlementTimesOutOnMismatch(t *testing.T) {
	broker := mock.NewBroker()
	broker.Positions["AAPL"] = &core.Position{Symbol: "AAPL", Qty: qty(100)}
	v := fastValidator(broker)

	err := v.VerifySettlement(context.Background(), sellIntent(40, core.CloseNone), qty(100), qty(40))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "settlement")
}
