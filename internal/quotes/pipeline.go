package quotes

import (
	"context"
	"fmt"
	"time"

	"rebalancer/internal/core"
	apperrors "rebalancer/pkg/errors"
	"rebalancer/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Options tunes the quote pipeline
type Options struct {
	// StreamingTimeout bounds how long GetBestQuote waits for a fresh
	// streaming quote before falling back to REST.
	StreamingTimeout time.Duration
	// PollInterval is the cache re-check cadence while waiting
	PollInterval time.Duration
	// Freshness is the maximum age of a streaming quote
	Freshness time.Duration
	// MaxSpreadFraction of mid beyond which a quote is suspicious
	MaxSpreadFraction decimal.Decimal
	// Liquidity thresholds for IsLiquid
	MaxLiquidSpreadFraction decimal.Decimal
	MinLiquidSize           decimal.Decimal
}

// DefaultOptions returns production defaults
func DefaultOptions() Options {
	return Options{
		StreamingTimeout:        5 * time.Second,
		PollInterval:            100 * time.Millisecond,
		Freshness:               10 * time.Second,
		MaxSpreadFraction:       decimal.NewFromFloat(0.10),
		MaxLiquidSpreadFraction: decimal.NewFromFloat(0.005),
		MinLiquidSize:           decimal.NewFromInt(100),
	}
}

// minPrice is the floor below which a price is untradeable
var minPrice = decimal.NewFromFloat(0.01)

// Pipeline resolves best quotes. Streaming first, REST to validate or
// substitute, never an unusable price out the bottom.
type Pipeline struct {
	cache   *Cache
	rest    core.Broker
	opts    Options
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
	now     func() time.Time
}

var _ core.QuoteProvider = (*Pipeline)(nil)

// NewPipeline creates the quote pipeline
func NewPipeline(cache *Cache, rest core.Broker, opts Options, logger core.ILogger) *Pipeline {
	return &Pipeline{
		cache:   cache,
		rest:    rest,
		opts:    opts,
		logger:  logger.WithField("component", "quotes"),
		metrics: telemetry.GetGlobalMetrics(),
		now:     time.Now,
	}
}

// GetBestQuote returns the best available quote for symbol. The returned
// quote always has bid and ask at or above one cent; when no source can
// produce that, the error wraps ErrNoUsableQuote.
func (p *Pipeline) GetBestQuote(ctx context.Context, symbol, correlationID string) (*core.Quote, error) {
	log := p.logger.WithFields(map[string]interface{}{
		"symbol":         symbol,
		"correlation_id": correlationID,
	})

	streaming := p.awaitStreaming(ctx, symbol)
	if streaming != nil {
		q, usable := p.sanitize(ctx, *streaming, log)
		if usable {
			if p.isSuspicious(q) {
				p.metrics.CountQuote(ctx, p.metrics.QuoteSuspiciousTotal, symbol)
				log.Warn("Streaming quote suspicious, validating via REST",
					"bid", q.BidPrice, "ask", q.AskPrice)
				return p.restFallback(ctx, symbol, log)
			}
			p.metrics.CountQuote(ctx, p.metrics.QuoteStreamingTotal, symbol)
			return &q, nil
		}
	}
	return p.restFallback(ctx, symbol, log)
}

// awaitStreaming polls the cache for a fresh quote until the streaming
// timeout elapses. Returns nil when nothing fresh arrived.
func (p *Pipeline) awaitStreaming(ctx context.Context, symbol string) *core.Quote {
	deadline := p.now().Add(p.opts.StreamingTimeout)
	for {
		if q, ok := p.cache.Get(symbol); ok {
			age := p.now().Sub(q.Timestamp)
			if age <= p.opts.Freshness {
				q.Source = core.QuoteSourceStreaming
				return &q
			}
			q.IsStale = true
			p.metrics.CountQuote(ctx, p.metrics.QuoteStaleTotal, symbol)
		}
		if p.now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.opts.PollInterval):
		}
	}
}

// sanitize applies zero-price substitution. A quote with both sides zero is
// unusable; a single zero side borrows the other side's price and the
// substitution is flagged on the quote.
func (p *Pipeline) sanitize(ctx context.Context, q core.Quote, log core.ILogger) (core.Quote, bool) {
	bidZero := !q.BidPrice.IsPositive()
	askZero := !q.AskPrice.IsPositive()

	switch {
	case bidZero && askZero:
		p.metrics.CountQuote(ctx, p.metrics.QuoteBothZeroTotal, q.Symbol)
		log.Warn("Quote discarded, both sides zero")
		return q, false
	case bidZero:
		q.BidPrice = q.AskPrice
		q.HadZeroBid = true
		p.metrics.CountQuote(ctx, p.metrics.QuoteZeroBidTotal, q.Symbol)
	case askZero:
		q.AskPrice = q.BidPrice
		q.HadZeroAsk = true
		p.metrics.CountQuote(ctx, p.metrics.QuoteZeroAskTotal, q.Symbol)
	}
	return q, true
}

// isSuspicious flags quotes no sane market produces: negative or sub-cent
// prices, a bid through the ask, or a spread wider than the configured
// fraction of mid.
func (p *Pipeline) isSuspicious(q core.Quote) bool {
	if q.BidPrice.IsNegative() || q.AskPrice.IsNegative() {
		return true
	}
	if q.BidPrice.GreaterThan(q.AskPrice) {
		return true
	}
	if q.BidPrice.LessThan(minPrice) || q.AskPrice.LessThan(minPrice) {
		return true
	}
	mid := q.Mid()
	if !mid.IsPositive() {
		return true
	}
	return q.Spread().GreaterThan(mid.Mul(p.opts.MaxSpreadFraction))
}

// restFallback fetches a REST quote and runs it through the same
// sanitization and guard. REST is the last source; a suspicious or unusable
// REST quote means no quote at all.
func (p *Pipeline) restFallback(ctx context.Context, symbol string, log core.ILogger) (*core.Quote, error) {
	rq, err := p.rest.GetLatestQuote(ctx, symbol)
	if err != nil {
		p.metrics.CountQuote(ctx, p.metrics.QuoteUnavailable, symbol)
		return nil, fmt.Errorf("rest quote for %s: %w", symbol, apperrors.ErrNoUsableQuote)
	}
	q := *rq
	q.Symbol = symbol
	q.Source = core.QuoteSourceRest
	q.UsedFallback = true

	q, usable := p.sanitize(ctx, q, log)
	if !usable || p.isSuspicious(q) {
		p.metrics.CountQuote(ctx, p.metrics.QuoteUnavailable, symbol)
		log.Error("No usable quote from any source", "bid", q.BidPrice, "ask", q.AskPrice)
		return nil, fmt.Errorf("quote for %s: %w", symbol, apperrors.ErrNoUsableQuote)
	}
	p.metrics.CountQuote(ctx, p.metrics.QuoteRestFallback, symbol)
	return &q, nil
}

// IsLiquid reports whether the quote supports passive working: a tight
// spread and meaningful size on both sides.
func (p *Pipeline) IsLiquid(q *core.Quote) bool {
	mid := q.Mid()
	if !mid.IsPositive() {
		return false
	}
	if q.Spread().GreaterThan(mid.Mul(p.opts.MaxLiquidSpreadFraction)) {
		return false
	}
	return q.BidSize.GreaterThanOrEqual(p.opts.MinLiquidSize) &&
		q.AskSize.GreaterThanOrEqual(p.opts.MinLiquidSize)
}
