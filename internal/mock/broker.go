// Package mock provides an in-memory Broker for tests and dry runs. Order
// outcomes are scripted per placement so strategy paths can be driven
// deterministically.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rebalancer/internal/core"
	apperrors "rebalancer/pkg/errors"

	"github.com/shopspring/decimal"
)

// Outcome scripts the result of one order placement. Outcomes are consumed
// in placement order; when the script runs dry, orders fill completely at
// the limit price (or the configured mark price for market orders).
type Outcome struct {
	Status    core.OrderStatus
	FilledQty decimal.Decimal // zero with Status FILLED means fill in full
	FillPrice decimal.Decimal
	PlaceErr  error
}

// PlacedOrder records one submission for assertions
type PlacedOrder struct {
	Symbol        string
	Side          core.OrderSide
	Qty           decimal.Decimal
	LimitPrice    *decimal.Decimal
	TIF           core.TimeInForce
	ClientOrderID string
	IsMarket      bool
	IsCompleteExit bool
}

// Broker is the scriptable in-memory broker
type Broker struct {
	mu sync.Mutex

	Quotes    map[string]*core.Quote
	QuoteErrs map[string]error
	Prices    map[string]decimal.Decimal
	Positions map[string]*core.Position
	Acct      core.Account
	MarketOpen bool

	script    []Outcome
	orders    map[string]*core.ExecutedOrder
	results   map[string]*core.OrderResult
	Placed    []PlacedOrder
	Cancelled []string
	CancelErr error
	// ResultErrs are consumed in order by GetOrderExecutionResult before the
	// lookup, simulating flaky status reads
	ResultErrs []error

	seq int
}

var _ core.Broker = (*Broker)(nil)

// NewBroker creates an empty mock broker with the market open
func NewBroker() *Broker {
	return &Broker{
		Quotes:     make(map[string]*core.Quote),
		QuoteErrs:  make(map[string]error),
		Prices:     make(map[string]decimal.Decimal),
		Positions:  make(map[string]*core.Position),
		MarketOpen: true,
		orders:     make(map[string]*core.ExecutedOrder),
		results:    make(map[string]*core.OrderResult),
	}
}

// Script appends outcomes consumed by subsequent placements
func (b *Broker) Script(outcomes ...Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.script = append(b.script, outcomes...)
}

// SetQuote sets the quote returned for symbol
func (b *Broker) SetQuote(symbol string, bid, ask float64, bidSize, askSize int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Quotes[symbol] = &core.Quote{
		Symbol:    symbol,
		BidPrice:  decimal.NewFromFloat(bid),
		AskPrice:  decimal.NewFromFloat(ask),
		BidSize:   decimal.NewFromInt(bidSize),
		AskSize:   decimal.NewFromInt(askSize),
		Timestamp: time.Now(),
		Source:    core.QuoteSourceRest,
	}
}

func (b *Broker) GetCurrentPrice(_ context.Context, symbol string) (*decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.Prices[symbol]
	if !ok {
		return nil, apperrors.ErrMarketDataUnavailable
	}
	return &p, nil
}

func (b *Broker) GetLatestQuote(_ context.Context, symbol string) (*core.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.QuoteErrs[symbol]; ok {
		return nil, err
	}
	q, ok := b.Quotes[symbol]
	if !ok {
		return nil, apperrors.ErrMarketDataUnavailable
	}
	cp := *q
	return &cp, nil
}

func (b *Broker) GetPosition(_ context.Context, symbol string) (*core.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.Positions[symbol]
	if !ok {
		return nil, apperrors.ErrInsufficientPosition
	}
	cp := *p
	return &cp, nil
}

func (b *Broker) GetAccount(_ context.Context) (*core.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := b.Acct
	return &cp, nil
}

func (b *Broker) IsMarketOpen(_ context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.MarketOpen, nil
}

func (b *Broker) PlaceMarketOrder(_ context.Context, symbol string, side core.OrderSide, qty decimal.Decimal, isCompleteExit bool, clientOrderID string) (*core.ExecutedOrder, error) {
	return b.place(PlacedOrder{
		Symbol: symbol, Side: side, Qty: qty, IsMarket: true,
		IsCompleteExit: isCompleteExit, ClientOrderID: clientOrderID,
	})
}

func (b *Broker) PlaceLimitOrder(_ context.Context, symbol string, side core.OrderSide, qty decimal.Decimal, limitPrice decimal.Decimal, tif core.TimeInForce, clientOrderID string) (*core.ExecutedOrder, error) {
	return b.place(PlacedOrder{
		Symbol: symbol, Side: side, Qty: qty, LimitPrice: &limitPrice,
		TIF: tif, ClientOrderID: clientOrderID,
	})
}

func (b *Broker) place(p PlacedOrder) (*core.ExecutedOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out Outcome
	if len(b.script) > 0 {
		out = b.script[0]
		b.script = b.script[1:]
	} else {
		out = Outcome{Status: core.OrderStatusFilled}
	}
	if out.PlaceErr != nil {
		return nil, out.PlaceErr
	}

	b.Placed = append(b.Placed, p)
	b.seq++
	id := fmt.Sprintf("mock-%d", b.seq)

	filled := out.FilledQty
	if filled.IsZero() && out.Status == core.OrderStatusFilled {
		filled = p.Qty
	}
	price := out.FillPrice
	if price.IsZero() {
		if p.LimitPrice != nil {
			price = *p.LimitPrice
		} else if mark, ok := b.Prices[p.Symbol]; ok {
			price = mark
		}
	}

	orderType := "limit"
	if p.IsMarket {
		orderType = "market"
	}
	order := &core.ExecutedOrder{
		ID:            id,
		ClientOrderID: p.ClientOrderID,
		Symbol:        p.Symbol,
		Side:          p.Side,
		Qty:           p.Qty,
		FilledQty:     filled,
		AvgFillPrice:  price,
		LimitPrice:    p.LimitPrice,
		OrderType:     orderType,
		Status:        out.Status,
		CreatedAt:     time.Now(),
	}
	b.orders[id] = order
	b.results[id] = &core.OrderResult{
		Status:       out.Status,
		FilledQty:    filled,
		AvgFillPrice: price,
	}
	return order, nil
}

func (b *Broker) GetOrderExecutionResult(_ context.Context, orderID string) (*core.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ResultErrs) > 0 {
		err := b.ResultErrs[0]
		b.ResultErrs = b.ResultErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	r, ok := b.results[orderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	cp := *r
	return &cp, nil
}

func (b *Broker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.CancelErr != nil {
		return b.CancelErr
	}
	r, ok := b.results[orderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	b.Cancelled = append(b.Cancelled, orderID)
	if !r.Status.IsTerminal() {
		r.Status = core.OrderStatusCancelled
		b.orders[orderID].Status = core.OrderStatusCancelled
	}
	return nil
}

func (b *Broker) WaitForOrderCompletion(_ context.Context, orderIDs []string, _ time.Duration) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var done []string
	for _, id := range orderIDs {
		if r, ok := b.results[id]; ok && r.Status.IsTerminal() {
			done = append(done, id)
		}
	}
	return done, nil
}

// ResolveOrder mutates a previously placed order's result, simulating a fill
// or cancel that lands while a strategy is waiting.
func (b *Broker) ResolveOrder(orderID string, status core.OrderStatus, filledQty, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.results[orderID]; ok {
		r.Status = status
		r.FilledQty = filledQty
		r.AvgFillPrice = price
	}
	if o, ok := b.orders[orderID]; ok {
		o.Status = status
		o.FilledQty = filledQty
		o.AvgFillPrice = price
	}
}

// LastPlaced returns the most recent submission
func (b *Broker) LastPlaced() *PlacedOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Placed) == 0 {
		return nil
	}
	p := b.Placed[len(b.Placed)-1]
	return &p
}
