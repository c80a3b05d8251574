package execution

import (
	"context"
	"testing"
	"time"

	"rebalancer/internal/core"
	"rebalancer/internal/mock"
	"rebalancer/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastACConfig() AlmgrenChrissConfig {
	cfg := DefaultAlmgrenConfig()
	cfg.SliceInterval = 10 * time.Millisecond
	cfg.MarketWait = 10 * time.Millisecond
	return cfg
}

func newAC(broker *mock.Broker, cfg AlmgrenChrissConfig) *AlmgrenChriss {
	logger := logging.GetGlobalLogger()
	sub := NewSubmitter(broker, 100, nil, logger)
	return NewAlmgrenChriss(sub, nil, cfg, logger)
}

func TestSliceQuantitiesSumExactly(t *testing.T) {
	ac := newAC(mock.NewBroker(), fastACConfig())
	total := dec(1000)

	slices := ac.SliceQuantities(total)
	require.Len(t, slices, 5)

	sum := decimal.Zero
	for _, s := range slices {
		assert.True(t, s.IsPositive(), "slice %s must be positive", s)
		sum = sum.Add(s)
	}
	assert.True(t, sum.Equal(total), "slices sum to %s", sum)
}

func TestSliceQuantitiesFrontLoaded(t *testing.T) {
	ac := newAC(mock.NewBroker(), fastACConfig())
	slices := ac.SliceQuantities(dec(1000))

	// The sinh trajectory liquidates fastest early
	for i := 1; i < len(slices); i++ {
		assert.True(t, slices[i].LessThanOrEqual(slices[i-1]),
			"slice %d (%s) should not exceed slice %d (%s)", i, slices[i], i-1, slices[i-1])
	}
	assert.True(t, slices[0].GreaterThan(slices[len(slices)-1]))
}

func TestSingleSliceIsWholeQuantity(t *testing.T) {
	cfg := fastACConfig()
	cfg.NumSlices = 1
	ac := newAC(mock.NewBroker(), cfg)

	slices := ac.SliceQuantities(dec(250))
	require.Len(t, slices, 1)
	assert.True(t, slices[0].Equal(dec(250)))
}

func TestAggressivenessRamp(t *testing.T) {
	ac := newAC(mock.NewBroker(), fastACConfig())

	assert.True(t, ac.aggressiveness(0, 5).Equal(dec(0.60)))
	assert.True(t, ac.aggressiveness(4, 5).Equal(dec(0.90)))
	mid := ac.aggressiveness(2, 5)
	assert.True(t, mid.GreaterThan(dec(0.60)) && mid.LessThan(dec(0.90)))
}

func TestAlmgrenExecutesAllSlices(t *testing.T) {
	broker := mock.NewBroker()
	ac := newAC(broker, fastACConfig())

	intent := buyIntent(1000)
	res, err := ac.Execute(context.Background(), intent, quoteAt(100.00, 100.50))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.TotalFilled.Equal(dec(1000)))
	// Every slice filled at its limit, no market escalation
	assert.Len(t, broker.Placed, 5)
	for _, p := range broker.Placed {
		assert.False(t, p.IsMarket)
	}
}

func TestAlmgrenAcceptsShortfallWithinTolerance(t *testing.T) {
	broker := mock.NewBroker()
	cfg := fastACConfig()
	cfg.NumSlices = 1
	ac := newAC(broker, cfg)

	broker.Script(mock.Outcome{
		Status: core.OrderStatusPartiallyFilled, FilledQty: dec(96), FillPrice: dec(100.30),
	})

	res, err := ac.Execute(context.Background(), buyIntent(100), quoteAt(100.00, 100.50))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.TotalFilled.Equal(dec(96)))
	// 96% filled clears the 95% tolerance, so no market order follows
	assert.Len(t, broker.Placed, 1)
}

func TestAlmgrenEscalatesLargeShortfall(t *testing.T) {
	broker := mock.NewBroker()
	broker.Prices["AAPL"] = dec(100.60)
	cfg := fastACConfig()
	cfg.NumSlices = 1
	ac := newAC(broker, cfg)

	broker.Script(
		mock.Outcome{Status: core.OrderStatusPartiallyFilled, FilledQty: dec(40), FillPrice: dec(100.30)},
		mock.Outcome{Status: core.OrderStatusFilled},
	)

	res, err := ac.Execute(context.Background(), buyIntent(100), quoteAt(100.00, 100.50))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.TotalFilled.Equal(dec(100)))
	require.Len(t, broker.Placed, 2)
	assert.True(t, broker.Placed[1].IsMarket)
	assert.True(t, broker.Placed[1].Qty.Equal(dec(60)))
}

func TestAlmgrenModerateShortfallFailsWithoutEscalation(t *testing.T) {
	broker := mock.NewBroker()
	cfg := fastACConfig()
	cfg.NumSlices = 1
	ac := newAC(broker, cfg)

	// 70% filled: above the 50% market-fallback line, below the 95%
	// completion tolerance
	broker.Script(mock.Outcome{
		Status: core.OrderStatusPartiallyFilled, FilledQty: dec(70), FillPrice: dec(100.30),
	})

	res, err := ac.Execute(context.Background(), buyIntent(100), quoteAt(100.00, 100.50))
	require.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.True(t, res.TotalFilled.Equal(dec(70)))
	assert.Len(t, broker.Placed, 1)
}

func TestAlmgrenCarriesUnfilledSliceForward(t *testing.T) {
	broker := mock.NewBroker()
	cfg := fastACConfig()
	cfg.NumSlices = 2
	ac := newAC(broker, cfg)

	slices := ac.SliceQuantities(dec(100))
	broker.Script(
		mock.Outcome{Status: core.OrderStatusOpen}, // slice 1 cancelled unfilled
		mock.Outcome{Status: core.OrderStatusFilled, FillPrice: dec(100.40)},
	)

	res, err := ac.Execute(context.Background(), buyIntent(100), quoteAt(100.00, 100.50))
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, broker.Placed, 2)
	assert.True(t, broker.Placed[0].Qty.Equal(slices[0]))
	// Slice 2 carries slice 1's unfilled quantity
	assert.True(t, broker.Placed[1].Qty.Equal(dec(100)))
}
