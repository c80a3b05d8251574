package execution

import (
	"context"
	"testing"

	"rebalancer/internal/core"
	"rebalancer/internal/mock"
	apperrors "rebalancer/pkg/errors"
	"rebalancer/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelAndConfirmRidesOutTransientPollErrors(t *testing.T) {
	broker := mock.NewBroker()
	broker.Script(mock.Outcome{Status: core.OrderStatusOpen})
	sub := NewSubmitter(broker, 100, nil, logging.GetGlobalLogger())

	order, err := sub.PlaceLimit(context.Background(), "AAPL", core.SideBuy,
		dec(100), dec(100.25), core.TIFDay, "cid-1")
	require.NoError(t, err)

	// One flaky status read mid-confirmation must not end the poll early
	broker.ResultErrs = []error{apperrors.ErrNetwork}

	res, err := sub.CancelAndConfirm(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusCancelled, res.Status)
	assert.Empty(t, broker.ResultErrs)
}

func TestCancelAndConfirmReturnsTheFillThatRacedTheCancel(t *testing.T) {
	broker := mock.NewBroker()
	broker.Script(mock.Outcome{Status: core.OrderStatusOpen})
	sub := NewSubmitter(broker, 100, nil, logging.GetGlobalLogger())

	order, err := sub.PlaceLimit(context.Background(), "AAPL", core.SideBuy,
		dec(100), dec(100.25), core.TIFDay, "cid-2")
	require.NoError(t, err)

	// The order fills before the cancel request lands
	broker.ResolveOrder(order.ID, core.OrderStatusFilled, dec(100), dec(100.25))

	res, err := sub.CancelAndConfirm(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusFilled, res.Status)
	assert.True(t, res.FilledQty.Equal(dec(100)))
}
