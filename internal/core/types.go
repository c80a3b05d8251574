// Package core defines the domain types and interfaces for the rebalance
// execution system
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is the directive attached to a plan item
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Phase identifies which half of a run a trade belongs to. SELL trades must
// settle before any BUY trade is released.
type Phase string

const (
	PhaseSell Phase = "SELL"
	PhaseBuy  Phase = "BUY"
)

// Sequence number bases per phase; priority is added as a tie-break.
const (
	SequenceBaseSell = 1000
	SequenceBaseBuy  = 2000
)

// RebalancePlan is the immutable input to the decomposer
type RebalancePlan struct {
	CorrelationID       string          `json:"correlation_id"`
	PlanID              string          `json:"plan_id"`
	Items               []PlanItem      `json:"items"`
	TotalPortfolioValue decimal.Decimal `json:"total_portfolio_value"`
}

// PlanItem is one per-symbol directive within a plan. TradeAmount is signed
// USD: negative for SELL, positive for BUY, zero for HOLD.
type PlanItem struct {
	Symbol        string          `json:"symbol"`
	Action        Action          `json:"action"`
	TargetWeight  decimal.Decimal `json:"target_weight"`
	CurrentWeight decimal.Decimal `json:"current_weight"`
	TradeAmount   decimal.Decimal `json:"trade_amount"`
	Priority      int             `json:"priority"`
}

// TradeMessage is one queue message derived from a non-HOLD plan item
type TradeMessage struct {
	RunID          string          `json:"run_id"`
	TradeID        string          `json:"trade_id"`
	PlanID         string          `json:"plan_id"`
	CorrelationID  string          `json:"correlation_id"`
	StrategyID     string          `json:"strategy_id"`
	Symbol         string          `json:"symbol"`
	Action         Action          `json:"action"`
	TradeAmount    decimal.Decimal `json:"trade_amount"` // absolute USD
	CurrentWeight  decimal.Decimal `json:"current_weight"`
	TargetWeight   decimal.Decimal `json:"target_weight"`
	Priority       int             `json:"priority"`
	Phase          Phase           `json:"phase"`
	SequenceNumber int             `json:"sequence_number"`

	// SELL that exits the full current position (target weight zero while
	// a position is held)
	IsCompleteExit    bool `json:"is_complete_exit"`
	IsFullLiquidation bool `json:"is_full_liquidation"`

	// Optional overrides for share resolution
	Shares         *decimal.Decimal `json:"shares,omitempty"`
	EstimatedPrice *decimal.Decimal `json:"estimated_price,omitempty"`
}

// RunStatus is the lifecycle status of a run record
type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusSellPhase RunStatus = "SELL_PHASE"
	RunStatusBuyPhase  RunStatus = "BUY_PHASE"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// IsTerminal reports whether no further mutation of the run is allowed
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// RunRecord tracks a single rebalance run. Persisted under
// RUN#{run_id}/METADATA with a ~24h TTL.
type RunRecord struct {
	RunID         string `json:"run_id"`
	PlanID        string `json:"plan_id"`
	CorrelationID string `json:"correlation_id"`

	TotalTrades     int `json:"total_trades"`
	CompletedTrades int `json:"completed_trades"`
	SucceededTrades int `json:"succeeded_trades"`
	FailedTrades    int `json:"failed_trades"`

	SellTotal     int `json:"sell_total"`
	SellCompleted int `json:"sell_completed"`
	BuyTotal      int `json:"buy_total"`
	BuyCompleted  int `json:"buy_completed"`

	SellFailedAmount    decimal.Decimal `json:"sell_failed_amount"`
	SellSucceededAmount decimal.Decimal `json:"sell_succeeded_amount"`

	MaxEquityLimitUSD          decimal.Decimal `json:"max_equity_limit_usd"`
	CumulativeBuySucceededValue decimal.Decimal `json:"cumulative_buy_succeeded_value"`

	CurrentPhase Phase     `json:"current_phase"`
	Status       RunStatus `json:"status"`

	TradeIDs           []string       `json:"trade_ids"`
	PendingBuyMessages []TradeMessage `json:"pending_buy_messages"`
	BuyTradesEnqueued  bool           `json:"buy_trades_enqueued"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SellPhaseComplete reports whether every SELL trade has reached a terminal
// state. A run with no SELL trades is complete from creation.
func (r *RunRecord) SellPhaseComplete() bool {
	return r.SellTotal == 0 || r.SellCompleted >= r.SellTotal
}

// TradeStatus is the lifecycle status of a trade record
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "PENDING"
	TradeStatusRunning   TradeStatus = "RUNNING"
	TradeStatusCompleted TradeStatus = "COMPLETED"
	TradeStatusFailed    TradeStatus = "FAILED"
)

// IsTerminal reports whether mark-completed calls must be rejected
func (s TradeStatus) IsTerminal() bool {
	return s == TradeStatusCompleted || s == TradeStatusFailed
}

// ExecutionData captures how a completed trade was filled
type ExecutionData struct {
	FilledShares decimal.Decimal `json:"filled_shares"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	OrderType    string          `json:"order_type"`
	FilledAt     time.Time       `json:"filled_at"`
}

// TradeRecord tracks one trade within a run. Persisted under
// RUN#{run_id}/TRADE#{trade_id}.
type TradeRecord struct {
	RunID          string          `json:"run_id"`
	TradeID        string          `json:"trade_id"`
	Symbol         string          `json:"symbol"`
	Action         Action          `json:"action"`
	Phase          Phase           `json:"phase"`
	SequenceNumber int             `json:"sequence_number"`
	TradeAmount    decimal.Decimal `json:"trade_amount"`
	Status         TradeStatus     `json:"status"`
	OrderID        string          `json:"order_id,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	Execution      *ExecutionData  `json:"execution,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CompletionState is returned by MarkTradeCompleted so the worker can decide
// whether the SELL phase just finished without a second read.
type CompletionState struct {
	CompletedTrades   int  `json:"completed_trades"`
	SucceededTrades   int  `json:"succeeded_trades"`
	FailedTrades      int  `json:"failed_trades"`
	SellTotal         int  `json:"sell_total"`
	SellCompleted     int  `json:"sell_completed"`
	BuyTotal          int  `json:"buy_total"`
	BuyCompleted      int  `json:"buy_completed"`
	SellPhaseComplete bool `json:"sell_phase_complete"`
}

// CircuitBreakerDecision is the result of the equity-deployment check
type CircuitBreakerDecision struct {
	Allowed       bool            `json:"allowed"`
	LimitUSD      decimal.Decimal `json:"limit_usd"`
	Cumulative    decimal.Decimal `json:"cumulative"`
	Proposed      decimal.Decimal `json:"proposed"`
	Headroom      decimal.Decimal `json:"headroom"`
	WouldExceedBy decimal.Decimal `json:"would_exceed_by"`
}

// QuoteSource identifies where a quote came from
type QuoteSource string

const (
	QuoteSourceStreaming   QuoteSource = "STREAMING"
	QuoteSourceRest        QuoteSource = "REST"
	QuoteSourceUnavailable QuoteSource = "UNAVAILABLE"
)

// Quote is a normalized NBBO quote
type Quote struct {
	Symbol    string          `json:"symbol"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	BidSize   decimal.Decimal `json:"bid_size"`
	AskSize   decimal.Decimal `json:"ask_size"`
	Timestamp time.Time       `json:"timestamp"`
	Source    QuoteSource     `json:"source"`

	HadZeroBid   bool `json:"had_zero_bid"`
	HadZeroAsk   bool `json:"had_zero_ask"`
	IsStale      bool `json:"is_stale"`
	UsedFallback bool `json:"used_fallback"`
}

// Mid returns the midpoint price
func (q *Quote) Mid() decimal.Decimal {
	return q.BidPrice.Add(q.AskPrice).Div(decimal.NewFromInt(2))
}

// Spread returns ask minus bid
func (q *Quote) Spread() decimal.Decimal {
	return q.AskPrice.Sub(q.BidPrice)
}

// OrderSide is the direction of an order
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// CloseType marks intents that reduce or exit an existing position
type CloseType string

const (
	CloseNone    CloseType = "NONE"
	ClosePartial CloseType = "PARTIAL"
	CloseFull    CloseType = "FULL"
)

// UrgencyLevel grades how aggressively an intent should be worked
type UrgencyLevel string

const (
	UrgencyLow    UrgencyLevel = "LOW"
	UrgencyMedium UrgencyLevel = "MEDIUM"
	UrgencyHigh   UrgencyLevel = "HIGH"
)

// OrderIntent is the strategy-facing description of one trade
type OrderIntent struct {
	Side          OrderSide       `json:"side"`
	CloseType     CloseType       `json:"close_type"`
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	Urgency       UrgencyLevel    `json:"urgency"`
	CorrelationID string          `json:"correlation_id"`
	ClientOrderID string          `json:"client_order_id"`
}

// Validate rejects malformed intents at the boundary
func (i *OrderIntent) Validate() error {
	if i.Symbol == "" {
		return ErrEmptySymbol
	}
	if !i.Quantity.IsPositive() {
		return ErrNonPositiveQuantity
	}
	if i.CloseType != CloseNone && i.Side != SideSell {
		return ErrCloseRequiresSell
	}
	return nil
}

// OrderStatus is the normalized broker order status
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the broker will no longer mutate the order
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// TimeInForce values passed through to the broker
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFIOC TimeInForce = "ioc"
	TIFCls TimeInForce = "cls" // closing auction
)

// ExecutedOrder is the broker's view of a submitted order
type ExecutedOrder struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	OrderType     string          `json:"order_type"`
	Status        OrderStatus     `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// OrderResult is the terminal outcome of a single broker order
type OrderResult struct {
	Status       OrderStatus     `json:"status"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// AttemptRecord records one strategy step for observability
type AttemptRecord struct {
	OrderID      string           `json:"order_id"`
	OrderType    string           `json:"order_type"`
	LimitPrice   *decimal.Decimal `json:"limit_price,omitempty"`
	RequestedQty decimal.Decimal  `json:"requested_qty"`
	FilledQty    decimal.Decimal  `json:"filled_qty"`
	Status       OrderStatus      `json:"status"`
	SubmittedAt  time.Time        `json:"submitted_at"`
}

// ExecutionResult is the shared contract of all execution strategies
type ExecutionResult struct {
	Success      bool            `json:"success"`
	TotalFilled  decimal.Decimal `json:"total_filled"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	FinalOrderID string          `json:"final_order_id"`
	Attempts     []AttemptRecord `json:"attempts"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Position is the broker's view of a held position
type Position struct {
	Symbol      string          `json:"symbol"`
	Qty         decimal.Decimal `json:"qty"`
	MarketValue decimal.Decimal `json:"market_value"`
}

// Account is the broker account snapshot
type Account struct {
	Cash           decimal.Decimal `json:"cash"`
	BuyingPower    decimal.Decimal `json:"buying_power"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	Equity         decimal.Decimal `json:"equity"`
}

// ExecState is the lifecycle state of a time-aware pending execution
type ExecState string

const (
	ExecStatePending   ExecState = "PENDING"
	ExecStateActive    ExecState = "ACTIVE"
	ExecStatePaused    ExecState = "PAUSED"
	ExecStateCompleted ExecState = "COMPLETED"
	ExecStateFailed    ExecState = "FAILED"
	ExecStateCancelled ExecState = "CANCELLED"
)

// ExecPhase is the intraday schedule phase of the time-aware engine
type ExecPhase string

const (
	PhaseOpenAvoidance       ExecPhase = "OPEN_AVOIDANCE"
	PhasePassiveAccumulation ExecPhase = "PASSIVE_ACCUMULATION"
	PhaseUrgencyRamp         ExecPhase = "URGENCY_RAMP"
	PhaseDeadlineClose       ExecPhase = "DEADLINE_CLOSE"
	PhaseMarketClosed        ExecPhase = "MARKET_CLOSED"
)

// PegType names a pricing strategy relative to NBBO
type PegType string

const (
	PegFarTouch  PegType = "FAR_TOUCH"
	PegMid       PegType = "MID"
	PegNearTouch PegType = "NEAR_TOUCH"
	PegInside75  PegType = "INSIDE_75"
	PegCross     PegType = "CROSS"
	PegMarket    PegType = "MARKET"
)

// ChildOrder is one broker order spawned by a pending execution
type ChildOrder struct {
	OrderID     string          `json:"order_id"`
	ClientID    string          `json:"client_id"`
	Peg         PegType         `json:"peg"`
	Qty         decimal.Decimal `json:"qty"`
	FilledQty   decimal.Decimal `json:"filled_qty"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	Status      OrderStatus     `json:"status"`
	IsAuction   bool            `json:"is_auction"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// PendingExecution is a time-aware execution worked across the trading day.
// Persisted under EXEC#{execution_id} with optimistic version locking.
type PendingExecution struct {
	ExecutionID string          `json:"execution_id"`
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	TargetQty   decimal.Decimal `json:"target_qty"`
	FilledQty   decimal.Decimal `json:"filled_qty"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	State       ExecState       `json:"state"`
	Phase       ExecPhase       `json:"phase"`
	Urgency     float64         `json:"urgency"`
	Children    []ChildOrder    `json:"children"`
	PolicyID    string          `json:"policy_id"`
	Version     int64           `json:"version"`
	Notes       []string        `json:"notes,omitempty"`

	AuctionSubmitted bool      `json:"auction_submitted"`
	AuctionEligible  bool      `json:"auction_eligible"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// Remaining returns the unfilled quantity
func (p *PendingExecution) Remaining() decimal.Decimal {
	rem := p.TargetQty.Sub(p.FilledQty)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}
