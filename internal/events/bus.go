// Package events carries the typed domain events the core emits for
// notification systems. Delivery is synchronous fan-out; handler failures
// are isolated.
package events

import (
	"context"
	"sync"
	"time"

	"rebalancer/internal/core"

	"github.com/shopspring/decimal"
)

// Kind discriminates event payloads
type Kind string

const (
	KindTradeExecuted  Kind = "TRADE_EXECUTED"
	KindWorkflowFailed Kind = "WORKFLOW_FAILED"
)

// TradeExecuted is emitted once per trade reaching a terminal state
type TradeExecuted struct {
	RunID          string          `json:"run_id"`
	TradeID        string          `json:"trade_id"`
	Symbol         string          `json:"symbol"`
	Action         core.Action     `json:"action"`
	Success        bool            `json:"success"`
	OrderID        string          `json:"order_id,omitempty"`
	SharesExecuted decimal.Decimal `json:"shares_executed"`
	Price          decimal.Decimal `json:"price"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// WorkflowFailed is emitted for run-level failures
type WorkflowFailed struct {
	CorrelationID string `json:"correlation_id"`
	WorkflowType  string `json:"workflow_type"`
	FailureReason string `json:"failure_reason"`
	FailureStep   string `json:"failure_step"`
	ErrorDetails  string `json:"error_details,omitempty"`
}

// Event is the envelope published on the bus
type Event struct {
	Kind      Kind            `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Trade     *TradeExecuted  `json:"trade,omitempty"`
	Workflow  *WorkflowFailed `json:"workflow,omitempty"`
}

// Handler consumes published events
type Handler interface {
	Name() string
	Handle(ctx context.Context, ev Event)
}

// Bus is a synchronous fan-out event bus
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   core.ILogger
}

// NewBus creates an event bus
func NewBus(logger core.ILogger) *Bus {
	return &Bus{logger: logger.WithField("component", "event_bus")}
}

// Subscribe registers a handler
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
	b.logger.Info("Subscribed event handler", "name", h.Name())
}

// PublishTradeExecuted publishes a TradeExecuted event
func (b *Bus) PublishTradeExecuted(ctx context.Context, ev TradeExecuted) {
	b.publish(ctx, Event{Kind: KindTradeExecuted, Timestamp: time.Now(), Trade: &ev})
}

// PublishWorkflowFailed publishes a WorkflowFailed event
func (b *Bus) PublishWorkflowFailed(ctx context.Context, ev WorkflowFailed) {
	b.publish(ctx, Event{Kind: KindWorkflowFailed, Timestamp: time.Now(), Workflow: &ev})
}

func (b *Bus) publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(ctx, h, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				"handler", h.Name(), "kind", string(ev.Kind), "panic", r)
		}
	}()
	h.Handle(ctx, ev)
}
