package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricTradesExecutedTotal  = "rebalancer_trades_executed_total"
	MetricTradesFailedTotal    = "rebalancer_trades_failed_total"
	MetricOrdersPlacedTotal    = "rebalancer_orders_placed_total"
	MetricOrdersCancelledTotal = "rebalancer_orders_cancelled_total"
	MetricRunsActive           = "rebalancer_runs_active"
	MetricBuyPhaseBlockedTotal = "rebalancer_buy_phase_blocked_total"
	MetricCircuitBreakerTrips  = "rebalancer_circuit_breaker_trips_total"
	MetricFillLatency          = "rebalancer_fill_latency_ms"

	MetricQuoteStreamingTotal  = "rebalancer_quote_streaming_success_total"
	MetricQuoteRestFallback    = "rebalancer_quote_rest_fallback_total"
	MetricQuoteUnavailable     = "rebalancer_quote_no_usable_total"
	MetricQuoteZeroBidTotal    = "rebalancer_quote_zero_bid_total"
	MetricQuoteZeroAskTotal    = "rebalancer_quote_zero_ask_total"
	MetricQuoteBothZeroTotal   = "rebalancer_quote_both_zero_total"
	MetricQuoteStaleTotal      = "rebalancer_quote_stale_total"
	MetricQuoteSuspiciousTotal = "rebalancer_quote_suspicious_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	TradesExecutedTotal  metric.Int64Counter
	TradesFailedTotal    metric.Int64Counter
	OrdersPlacedTotal    metric.Int64Counter
	OrdersCancelledTotal metric.Int64Counter
	BuyPhaseBlockedTotal metric.Int64Counter
	CircuitBreakerTrips  metric.Int64Counter
	FillLatency          metric.Float64Histogram
	RunsActive           metric.Int64ObservableGauge

	QuoteStreamingTotal  metric.Int64Counter
	QuoteRestFallback    metric.Int64Counter
	QuoteUnavailable     metric.Int64Counter
	QuoteZeroBidTotal    metric.Int64Counter
	QuoteZeroAskTotal    metric.Int64Counter
	QuoteBothZeroTotal   metric.Int64Counter
	QuoteStaleTotal      metric.Int64Counter
	QuoteSuspiciousTotal metric.Int64Counter

	mu            sync.RWMutex
	activeRunsMap map[string]int64
	initialized   bool
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			activeRunsMap: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.TradesExecutedTotal, err = meter.Int64Counter(MetricTradesExecutedTotal,
		metric.WithDescription("Trades reaching a terminal state")); err != nil {
		return err
	}
	if m.TradesFailedTotal, err = meter.Int64Counter(MetricTradesFailedTotal,
		metric.WithDescription("Trades marked FAILED")); err != nil {
		return err
	}
	if m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal,
		metric.WithDescription("Broker orders placed")); err != nil {
		return err
	}
	if m.OrdersCancelledTotal, err = meter.Int64Counter(MetricOrdersCancelledTotal,
		metric.WithDescription("Broker orders cancelled")); err != nil {
		return err
	}
	if m.BuyPhaseBlockedTotal, err = meter.Int64Counter(MetricBuyPhaseBlockedTotal,
		metric.WithDescription("Runs blocked by the SELL-failure guard")); err != nil {
		return err
	}
	if m.CircuitBreakerTrips, err = meter.Int64Counter(MetricCircuitBreakerTrips,
		metric.WithDescription("BUY trades rejected by the equity circuit breaker")); err != nil {
		return err
	}
	if m.FillLatency, err = meter.Float64Histogram(MetricFillLatency,
		metric.WithDescription("Time from intent to final fill"), metric.WithUnit("ms")); err != nil {
		return err
	}

	if m.QuoteStreamingTotal, err = meter.Int64Counter(MetricQuoteStreamingTotal,
		metric.WithDescription("Quotes served from the streaming cache")); err != nil {
		return err
	}
	if m.QuoteRestFallback, err = meter.Int64Counter(MetricQuoteRestFallback,
		metric.WithDescription("Quotes served via REST fallback")); err != nil {
		return err
	}
	if m.QuoteUnavailable, err = meter.Int64Counter(MetricQuoteUnavailable,
		metric.WithDescription("Quote requests with no usable quote")); err != nil {
		return err
	}
	if m.QuoteZeroBidTotal, err = meter.Int64Counter(MetricQuoteZeroBidTotal,
		metric.WithDescription("Quotes with a zero bid substituted from ask")); err != nil {
		return err
	}
	if m.QuoteZeroAskTotal, err = meter.Int64Counter(MetricQuoteZeroAskTotal,
		metric.WithDescription("Quotes with a zero ask substituted from bid")); err != nil {
		return err
	}
	if m.QuoteBothZeroTotal, err = meter.Int64Counter(MetricQuoteBothZeroTotal,
		metric.WithDescription("Quotes discarded with both sides zero")); err != nil {
		return err
	}
	if m.QuoteStaleTotal, err = meter.Int64Counter(MetricQuoteStaleTotal,
		metric.WithDescription("Streaming quotes rejected as stale")); err != nil {
		return err
	}
	if m.QuoteSuspiciousTotal, err = meter.Int64Counter(MetricQuoteSuspiciousTotal,
		metric.WithDescription("Quotes flagged by the suspicious-price guard")); err != nil {
		return err
	}

	m.RunsActive, err = meter.Int64ObservableGauge(MetricRunsActive,
		metric.WithDescription("Runs currently in a non-terminal status"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for status, count := range m.activeRunsMap {
				obs.Observe(count, metric.WithAttributes(attribute.String("status", status)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// SetActiveRuns records the current count of runs per status
func (m *MetricsHolder) SetActiveRuns(status string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeRunsMap[status] = count
}

// addOne guards against use before InitMetrics (tests without telemetry)
func (m *MetricsHolder) addOne(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	m.mu.RLock()
	ready := m.initialized
	m.mu.RUnlock()
	if !ready || c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// CountTradeExecuted increments the terminal-trade counter
func (m *MetricsHolder) CountTradeExecuted(ctx context.Context, success bool, phase string) {
	m.addOne(ctx, m.TradesExecutedTotal,
		attribute.Bool("success", success), attribute.String("phase", phase))
	if !success {
		m.addOne(ctx, m.TradesFailedTotal, attribute.String("phase", phase))
	}
}

// CountQuote increments the quote-pipeline counter for the given outcome
func (m *MetricsHolder) CountQuote(ctx context.Context, c metric.Int64Counter, symbol string) {
	m.addOne(ctx, c, attribute.String("symbol", symbol))
}
