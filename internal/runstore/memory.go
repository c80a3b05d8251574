// Package runstore implements the persistent run-state machine. Every
// mutation is a conditional write: losing callers observe a typed conflict
// error and no-op.
package runstore

import (
	"context"
	"sync"
	"time"

	"rebalancer/internal/core"
	apperrors "rebalancer/pkg/errors"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory RunStore used by tests and local mode. It
// mirrors the conditional-write semantics of the durable store exactly.
type MemoryStore struct {
	mu     sync.Mutex
	runs   map[string]*core.RunRecord
	trades map[string]map[string]*core.TradeRecord
	ttl    time.Duration
}

var _ core.RunStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(runTTL time.Duration) *MemoryStore {
	if runTTL == 0 {
		runTTL = 24 * time.Hour
	}
	return &MemoryStore{
		runs:   make(map[string]*core.RunRecord),
		trades: make(map[string]map[string]*core.TradeRecord),
		ttl:    runTTL,
	}
}

func (s *MemoryStore) CreateRun(_ context.Context, run *core.RunRecord, trades []core.TradeMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.RunID]; exists {
		return apperrors.ErrDuplicateRun
	}

	now := time.Now()
	cp := *run
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.ExpiresAt = now.Add(s.ttl)
	s.runs[run.RunID] = &cp

	tradeMap := make(map[string]*core.TradeRecord, len(trades))
	for _, msg := range trades {
		tradeMap[msg.TradeID] = &core.TradeRecord{
			RunID:          run.RunID,
			TradeID:        msg.TradeID,
			Symbol:         msg.Symbol,
			Action:         msg.Action,
			Phase:          msg.Phase,
			SequenceNumber: msg.SequenceNumber,
			TradeAmount:    msg.TradeAmount,
			Status:         core.TradeStatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}
	s.trades[run.RunID] = tradeMap
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*core.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, apperrors.ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) GetTradeResult(_ context.Context, runID, tradeID string) (*core.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trade, ok := s.trades[runID][tradeID]
	if !ok {
		return nil, apperrors.ErrTradeNotFound
	}
	cp := *trade
	return &cp, nil
}

func (s *MemoryStore) MarkTradeStarted(_ context.Context, runID, tradeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	trade, ok := s.trades[runID][tradeID]
	if !ok {
		return apperrors.ErrTradeNotFound
	}
	if trade.Status != core.TradeStatusPending {
		return apperrors.ErrStateConflict
	}
	trade.Status = core.TradeStatusRunning
	trade.UpdatedAt = time.Now()

	// First pickup moves a freshly created run out of PENDING
	if run, ok := s.runs[runID]; ok && run.Status == core.RunStatusPending {
		run.Status = core.RunStatusSellPhase
		run.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) MarkTradeCompleted(_ context.Context, req core.MarkCompletedRequest) (*core.CompletionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trade, ok := s.trades[req.RunID][req.TradeID]
	if !ok {
		return nil, apperrors.ErrTradeNotFound
	}
	if trade.Status.IsTerminal() {
		return nil, apperrors.ErrTradeAlreadyTerminal
	}
	run, ok := s.runs[req.RunID]
	if !ok {
		return nil, apperrors.ErrRunNotFound
	}
	if run.Status.IsTerminal() {
		return nil, apperrors.ErrStateConflict
	}

	now := time.Now()
	if req.Success {
		trade.Status = core.TradeStatusCompleted
	} else {
		trade.Status = core.TradeStatusFailed
	}
	trade.OrderID = req.OrderID
	trade.ErrorMessage = req.ErrorMessage
	trade.Execution = req.Execution
	trade.UpdatedAt = now

	applyCompletion(run, req)
	run.UpdatedAt = now

	return completionState(run), nil
}

// applyCompletion updates the run counters for one terminal trade. Shared
// with the sqlite store so the two stay in lockstep.
func applyCompletion(run *core.RunRecord, req core.MarkCompletedRequest) {
	run.CompletedTrades++
	if req.Success {
		run.SucceededTrades++
	} else {
		run.FailedTrades++
	}

	switch req.Phase {
	case core.PhaseSell:
		run.SellCompleted++
		if req.Success {
			run.SellSucceededAmount = run.SellSucceededAmount.Add(req.TradeAmount)
		} else {
			run.SellFailedAmount = run.SellFailedAmount.Add(req.TradeAmount)
		}
	case core.PhaseBuy:
		run.BuyCompleted++
		if req.Success {
			run.CumulativeBuySucceededValue = run.CumulativeBuySucceededValue.Add(req.TradeAmount)
		}
	}
}

func completionState(run *core.RunRecord) *core.CompletionState {
	return &core.CompletionState{
		CompletedTrades:   run.CompletedTrades,
		SucceededTrades:   run.SucceededTrades,
		FailedTrades:      run.FailedTrades,
		SellTotal:         run.SellTotal,
		SellCompleted:     run.SellCompleted,
		BuyTotal:          run.BuyTotal,
		BuyCompleted:      run.BuyCompleted,
		SellPhaseComplete: run.SellPhaseComplete(),
	}
}

func (s *MemoryStore) IsSellPhaseComplete(_ context.Context, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return false, apperrors.ErrRunNotFound
	}
	return run.CurrentPhase == core.PhaseSell && run.SellPhaseComplete(), nil
}

func (s *MemoryStore) TransitionToBuyPhase(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return apperrors.ErrRunNotFound
	}
	if run.CurrentPhase != core.PhaseSell {
		return apperrors.ErrStateConflict
	}
	if run.Status.IsTerminal() {
		return apperrors.ErrStateConflict
	}
	run.CurrentPhase = core.PhaseBuy
	run.Status = core.RunStatusBuyPhase
	run.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) GetPendingBuyTrades(_ context.Context, runID string) ([]core.TradeMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, apperrors.ErrRunNotFound
	}
	out := make([]core.TradeMessage, len(run.PendingBuyMessages))
	copy(out, run.PendingBuyMessages)
	return out, nil
}

func (s *MemoryStore) MarkBuyTradesPending(_ context.Context, runID string, _ []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return apperrors.ErrRunNotFound
	}
	run.BuyTradesEnqueued = true
	run.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) CheckEquityCircuitBreaker(_ context.Context, runID string, proposed decimal.Decimal) (*core.CircuitBreakerDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		// Fail safe: an unknown run never deploys capital
		return &core.CircuitBreakerDecision{Allowed: false, Proposed: proposed}, nil
	}
	return evaluateCircuitBreaker(run, proposed), nil
}

// evaluateCircuitBreaker applies the equity-deployment cap. A zero limit
// disables the breaker.
func evaluateCircuitBreaker(run *core.RunRecord, proposed decimal.Decimal) *core.CircuitBreakerDecision {
	newCumulative := run.CumulativeBuySucceededValue.Add(proposed)
	decision := &core.CircuitBreakerDecision{
		LimitUSD:   run.MaxEquityLimitUSD,
		Cumulative: run.CumulativeBuySucceededValue,
		Proposed:   proposed,
	}
	if run.MaxEquityLimitUSD.IsZero() {
		decision.Allowed = true
		return decision
	}
	decision.Headroom = run.MaxEquityLimitUSD.Sub(run.CumulativeBuySucceededValue)
	if newCumulative.LessThanOrEqual(run.MaxEquityLimitUSD) {
		decision.Allowed = true
		return decision
	}
	decision.WouldExceedBy = newCumulative.Sub(run.MaxEquityLimitUSD)
	return decision
}

func (s *MemoryStore) UpdateRunStatus(_ context.Context, runID string, status core.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return apperrors.ErrRunNotFound
	}
	if run.Status.IsTerminal() {
		return apperrors.ErrStateConflict
	}
	run.Status = status
	run.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) MarkRunCompleted(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return apperrors.ErrRunNotFound
	}
	if !runFinishable(run) {
		return apperrors.ErrStateConflict
	}
	run.Status = core.RunStatusCompleted
	run.UpdatedAt = time.Now()
	return nil
}

// runFinishable guards exactly-once finalization: the run must be in its
// active BUY phase, or in the SELL phase of a sell-only plan.
func runFinishable(run *core.RunRecord) bool {
	if run.Status == core.RunStatusBuyPhase {
		return true
	}
	return run.Status == core.RunStatusSellPhase && run.BuyTotal == 0
}

func (s *MemoryStore) FindStuckRuns(_ context.Context, maxAge time.Duration) ([]*core.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var stuck []*core.RunRecord
	for _, run := range s.runs {
		if run.Status.IsTerminal() {
			continue
		}
		if run.UpdatedAt.Before(cutoff) {
			cp := *run
			stuck = append(stuck, &cp)
		}
	}
	return stuck, nil
}
