// Package alpaca implements the core Broker against the Alpaca trading and
// market-data APIs.
package alpaca

import (
	"context"
	"errors"
	"time"

	"rebalancer/internal/core"
	apperrors "rebalancer/pkg/errors"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
)

// Config holds Alpaca credentials and endpoints
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string // paper or live trading endpoint
	// PollInterval is the order-status poll cadence inside
	// WaitForOrderCompletion.
	PollInterval time.Duration
}

// Broker talks to Alpaca. It is stateless; resilience is layered on by the
// resilient decorator.
type Broker struct {
	trading *alpaca.Client
	data    *marketdata.Client
	cfg     Config
	logger  core.ILogger
}

var _ core.Broker = (*Broker)(nil)

// New creates an Alpaca broker
func New(cfg Config, logger core.ILogger) *Broker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	return &Broker{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
		data:   marketdata.NewClient(marketdata.ClientOpts{APIKey: cfg.APIKey, APISecret: cfg.APISecret}),
		cfg:    cfg,
		logger: logger.WithField("component", "alpaca"),
	}
}

func (b *Broker) GetCurrentPrice(_ context.Context, symbol string) (*decimal.Decimal, error) {
	trade, err := b.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return nil, classifyErr("latest trade "+symbol, err)
	}
	if trade == nil {
		return nil, apperrors.ErrMarketDataUnavailable
	}
	price := decimal.NewFromFloat(trade.Price)
	return &price, nil
}

func (b *Broker) GetLatestQuote(_ context.Context, symbol string) (*core.Quote, error) {
	q, err := b.data.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return nil, classifyErr("latest quote "+symbol, err)
	}
	if q == nil {
		return nil, apperrors.ErrMarketDataUnavailable
	}
	return &core.Quote{
		Symbol:    symbol,
		BidPrice:  decimal.NewFromFloat(q.BidPrice),
		AskPrice:  decimal.NewFromFloat(q.AskPrice),
		BidSize:   decimal.NewFromInt(int64(q.BidSize)),
		AskSize:   decimal.NewFromInt(int64(q.AskSize)),
		Timestamp: q.Timestamp,
		Source:    core.QuoteSourceRest,
	}, nil
}

func (b *Broker) GetPosition(_ context.Context, symbol string) (*core.Position, error) {
	pos, err := b.trading.GetPosition(symbol)
	if err != nil {
		classified := classifyErr("position "+symbol, err)
		// A symbol with no open position reads as 404
		if errors.Is(classified, apperrors.ErrOrderNotFound) {
			return nil, apperrors.ErrInsufficientPosition
		}
		return nil, classified
	}
	out := &core.Position{Symbol: pos.Symbol, Qty: pos.Qty}
	if pos.MarketValue != nil {
		out.MarketValue = *pos.MarketValue
	}
	return out, nil
}

func (b *Broker) GetAccount(_ context.Context) (*core.Account, error) {
	acct, err := b.trading.GetAccount()
	if err != nil {
		return nil, classifyErr("account", err)
	}
	return &core.Account{
		Cash:           acct.Cash,
		BuyingPower:    acct.BuyingPower,
		PortfolioValue: acct.PortfolioValue,
		Equity:         acct.Equity,
	}, nil
}

func (b *Broker) IsMarketOpen(_ context.Context) (bool, error) {
	clock, err := b.trading.GetClock()
	if err != nil {
		return false, classifyErr("clock", err)
	}
	return clock.IsOpen, nil
}

func (b *Broker) PlaceMarketOrder(_ context.Context, symbol string, side core.OrderSide, qty decimal.Decimal, isCompleteExit bool, clientOrderID string) (*core.ExecutedOrder, error) {
	if isCompleteExit && side == core.SideSell {
		// The liquidation endpoint sells the broker's own idea of the
		// position, so fractional remainders cannot survive
		order, err := b.trading.ClosePosition(symbol, alpaca.ClosePositionRequest{})
		if err != nil {
			return nil, classifyErr("close position "+symbol, err)
		}
		return mapOrder(order), nil
	}
	order, err := b.trading.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        symbol,
		Qty:           &qty,
		Side:          mapSide(side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		return nil, classifyErr("market order "+symbol, err)
	}
	return mapOrder(order), nil
}

func (b *Broker) PlaceLimitOrder(_ context.Context, symbol string, side core.OrderSide, qty decimal.Decimal, limitPrice decimal.Decimal, tif core.TimeInForce, clientOrderID string) (*core.ExecutedOrder, error) {
	order, err := b.trading.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        symbol,
		Qty:           &qty,
		Side:          mapSide(side),
		Type:          alpaca.Limit,
		LimitPrice:    &limitPrice,
		TimeInForce:   mapTIF(tif),
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		return nil, classifyErr("limit order "+symbol, err)
	}
	return mapOrder(order), nil
}

func (b *Broker) GetOrderExecutionResult(_ context.Context, orderID string) (*core.OrderResult, error) {
	order, err := b.trading.GetOrder(orderID)
	if err != nil {
		return nil, classifyErr("get order "+orderID, err)
	}
	res := &core.OrderResult{
		Status:    mapStatus(string(order.Status)),
		FilledQty: order.FilledQty,
	}
	if order.FilledAvgPrice != nil {
		res.AvgFillPrice = *order.FilledAvgPrice
	}
	return res, nil
}

func (b *Broker) CancelOrder(_ context.Context, orderID string) error {
	if err := b.trading.CancelOrder(orderID); err != nil {
		return classifyErr("cancel order "+orderID, err)
	}
	return nil
}

// WaitForOrderCompletion polls order status until every order is terminal or
// maxWait elapses. Returns the ids that reached a terminal state.
func (b *Broker) WaitForOrderCompletion(ctx context.Context, orderIDs []string, maxWait time.Duration) ([]string, error) {
	deadline := time.Now().Add(maxWait)
	pending := make(map[string]struct{}, len(orderIDs))
	for _, id := range orderIDs {
		pending[id] = struct{}{}
	}
	var done []string

	for len(pending) > 0 && time.Now().Before(deadline) {
		for id := range pending {
			order, err := b.trading.GetOrder(id)
			if err != nil {
				b.logger.Warn("Order status poll failed", "order_id", id, "error", err)
				continue
			}
			if mapStatus(string(order.Status)).IsTerminal() {
				done = append(done, id)
				delete(pending, id)
			}
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return done, ctx.Err()
		case <-time.After(b.cfg.PollInterval):
		}
	}
	return done, nil
}
