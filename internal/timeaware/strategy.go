package timeaware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rebalancer/internal/core"
	apperrors "rebalancer/pkg/errors"
)

// HandoffConfig tunes the strategy-side view of the tick engine
type HandoffConfig struct {
	// PollInterval is how often the handoff re-reads the execution while
	// waiting for the engine to finish it.
	PollInterval time.Duration
	// Lifetime bounds how long an execution may be worked before it expires.
	Lifetime time.Duration
	// AuctionEligible marks new executions for closing-auction participation.
	AuctionEligible bool
}

// DefaultHandoffConfig returns production defaults
func DefaultHandoffConfig() HandoffConfig {
	return HandoffConfig{
		PollInterval:    15 * time.Second,
		Lifetime:        24 * time.Hour,
		AuctionEligible: true,
	}
}

// Handoff is the strategy face of the tick engine. It registers a pending
// execution and then waits for the engine, which runs in its own process,
// to work the order across the trading day. A redelivered trade adopts the
// execution it registered before instead of creating a second one.
type Handoff struct {
	store  core.ExecStore
	cfg    HandoffConfig
	logger core.ILogger
}

var _ core.Strategy = (*Handoff)(nil)

// NewHandoff creates the handoff strategy
func NewHandoff(store core.ExecStore, cfg HandoffConfig, logger core.ILogger) *Handoff {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.Lifetime == 0 {
		cfg.Lifetime = 24 * time.Hour
	}
	return &Handoff{
		store:  store,
		cfg:    cfg,
		logger: logger.WithField("strategy", "time_aware"),
	}
}

func (h *Handoff) Name() string { return "time_aware" }

// Execute registers the intent as a pending execution and blocks until the
// engine drives it to a terminal state or the context ends.
func (h *Handoff) Execute(ctx context.Context, intent *core.OrderIntent, _ *core.Quote) (*core.ExecutionResult, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	exec := &core.PendingExecution{
		ExecutionID:     executionID(intent),
		Symbol:          intent.Symbol,
		Side:            intent.Side,
		TargetQty:       intent.Quantity,
		State:           core.ExecStateActive,
		PolicyID:        "time_aware",
		AuctionEligible: h.cfg.AuctionEligible,
		ExpiresAt:       now.Add(h.cfg.Lifetime),
	}

	err := h.store.Create(ctx, exec)
	switch {
	case err == nil:
		h.logger.Info("Registered pending execution",
			"execution_id", exec.ExecutionID,
			"symbol", exec.Symbol,
			"side", string(exec.Side),
			"target_qty", exec.TargetQty.String())
	case errors.Is(err, apperrors.ErrStateConflict):
		h.logger.Info("Adopting existing pending execution",
			"execution_id", exec.ExecutionID)
	default:
		return nil, fmt.Errorf("register execution %s: %w", exec.ExecutionID, err)
	}

	return h.await(ctx, exec.ExecutionID)
}

// executionID derives a stable id from the trade's identity. Client order
// ids carry a fresh uuid per delivery, so adoption has to key on the
// correlation id, symbol, and side instead.
func executionID(intent *core.OrderIntent) string {
	sym := strings.ReplaceAll(strings.ToLower(intent.Symbol), "/", "_")
	return fmt.Sprintf("%s-%s-%s", intent.CorrelationID, sym, strings.ToLower(string(intent.Side)))
}

func (h *Handoff) await(ctx context.Context, executionID string) (*core.ExecutionResult, error) {
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()
	for {
		exec, err := h.store.Get(ctx, executionID)
		if err != nil {
			return nil, fmt.Errorf("poll execution %s: %w", executionID, err)
		}
		switch exec.State {
		case core.ExecStateCompleted:
			return h.result(exec, true, ""), nil
		case core.ExecStateFailed, core.ExecStateCancelled:
			return h.result(exec, false, fmt.Sprintf("execution %s", strings.ToLower(string(exec.State)))), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *Handoff) result(exec *core.PendingExecution, success bool, errMsg string) *core.ExecutionResult {
	res := &core.ExecutionResult{
		Success:      success,
		TotalFilled:  exec.FilledQty,
		AvgFillPrice: exec.AvgPrice,
		ErrorMessage: errMsg,
	}
	for _, child := range exec.Children {
		res.FinalOrderID = child.OrderID
		res.Attempts = append(res.Attempts, core.AttemptRecord{
			OrderID:      child.OrderID,
			OrderType:    string(child.Peg),
			RequestedQty: child.Qty,
			FilledQty:    child.FilledQty,
			Status:       child.Status,
			SubmittedAt:  child.SubmittedAt,
		})
	}
	return res
}
