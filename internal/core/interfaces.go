package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Broker defines the interface to the brokerage API. Implementations are
// stateless from the core's perspective; rate limiting and resilience are
// applied by decorators.
type Broker interface {
	GetCurrentPrice(ctx context.Context, symbol string) (*decimal.Decimal, error)
	GetLatestQuote(ctx context.Context, symbol string) (*Quote, error)
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetAccount(ctx context.Context) (*Account, error)
	IsMarketOpen(ctx context.Context) (bool, error)

	PlaceMarketOrder(ctx context.Context, symbol string, side OrderSide, qty decimal.Decimal, isCompleteExit bool, clientOrderID string) (*ExecutedOrder, error)
	PlaceLimitOrder(ctx context.Context, symbol string, side OrderSide, qty decimal.Decimal, limitPrice decimal.Decimal, tif TimeInForce, clientOrderID string) (*ExecutedOrder, error)
	GetOrderExecutionResult(ctx context.Context, orderID string) (*OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error

	// WaitForOrderCompletion blocks until the given orders reach a terminal
	// state or maxWait elapses, whichever is first. Push-based where the
	// broker supports it, polling otherwise.
	WaitForOrderCompletion(ctx context.Context, orderIDs []string, maxWait time.Duration) (completed []string, err error)
}

// QueueMessage is one delivered trade message plus transport metadata
type QueueMessage struct {
	Body      TradeMessage
	ReceiptID string
	Attempt   int
}

// TradeQueue is the queueing transport. FIFO ordering is NOT assumed;
// deduplication uses the trade id.
type TradeQueue interface {
	Send(ctx context.Context, msg TradeMessage, groupKey, dedupID string) error
	ReceiveBatch(ctx context.Context, max int, wait time.Duration) ([]QueueMessage, error)
	Ack(ctx context.Context, msg QueueMessage) error
	Nack(ctx context.Context, msg QueueMessage) error
}

// RunStore is the persistent run-state machine. Every mutation is a
// conditional write; losing callers observe ErrStateConflict (or a typed
// sentinel) and no-op.
type RunStore interface {
	// CreateRun atomically creates the run record plus one PENDING trade
	// record per message. Duplicate run ids are rejected.
	CreateRun(ctx context.Context, run *RunRecord, trades []TradeMessage) error

	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	GetTradeResult(ctx context.Context, runID, tradeID string) (*TradeRecord, error)

	// MarkTradeStarted transitions the trade PENDING -> RUNNING.
	MarkTradeStarted(ctx context.Context, runID, tradeID string) error

	// MarkTradeCompleted transitions the trade to COMPLETED/FAILED and
	// atomically updates the run counters. Rejected if the trade is already
	// terminal.
	MarkTradeCompleted(ctx context.Context, req MarkCompletedRequest) (*CompletionState, error)

	IsSellPhaseComplete(ctx context.Context, runID string) (bool, error)

	// TransitionToBuyPhase flips SELL -> BUY for exactly one caller.
	TransitionToBuyPhase(ctx context.Context, runID string) error

	GetPendingBuyTrades(ctx context.Context, runID string) ([]TradeMessage, error)
	MarkBuyTradesPending(ctx context.Context, runID string, tradeIDs []string) error

	CheckEquityCircuitBreaker(ctx context.Context, runID string, proposedBuyValue decimal.Decimal) (*CircuitBreakerDecision, error)

	UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error
	MarkRunCompleted(ctx context.Context, runID string) error

	FindStuckRuns(ctx context.Context, maxAge time.Duration) ([]*RunRecord, error)
}

// MarkCompletedRequest carries everything MarkTradeCompleted needs to keep
// the counter updates atomic with the trade transition.
type MarkCompletedRequest struct {
	RunID        string
	TradeID      string
	Success      bool
	OrderID      string
	ErrorMessage string
	Execution    *ExecutionData
	TradeAmount  decimal.Decimal
	Phase        Phase
}

// ExecStore persists time-aware pending executions under optimistic version
// locking. Save conditions on the version it loaded; a mismatch returns
// ErrVersionConflict and the tick skips that execution.
type ExecStore interface {
	Create(ctx context.Context, exec *PendingExecution) error
	Get(ctx context.Context, executionID string) (*PendingExecution, error)
	Save(ctx context.Context, exec *PendingExecution) error
	ListByState(ctx context.Context, state ExecState) ([]*PendingExecution, error)
	ListBySymbol(ctx context.Context, symbol string) ([]*PendingExecution, error)
}

// QuoteProvider produces a best-effort NBBO quote for a symbol
type QuoteProvider interface {
	GetBestQuote(ctx context.Context, symbol, correlationID string) (*Quote, error)
}

// Strategy executes one order intent against the market
type Strategy interface {
	Name() string
	Execute(ctx context.Context, intent *OrderIntent, quote *Quote) (*ExecutionResult, error)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
