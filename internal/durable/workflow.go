// Package durable wraps plan decomposition in a DBOS workflow so a crash
// between run creation and enqueue resumes instead of stranding the run.
package durable

import (
	"context"
	"fmt"
	"time"

	"rebalancer/internal/core"
	"rebalancer/internal/plan"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/shopspring/decimal"
)

// RebalanceRequest is the workflow input
type RebalanceRequest struct {
	Plan          *core.RebalancePlan `json:"plan"`
	CorrelationID string              `json:"correlation_id"`
	CausationID   string              `json:"causation_id"`
}

// Orchestrator runs plan decomposition, durably when a DBOS context is
// available and inline otherwise.
type Orchestrator struct {
	dbosCtx    dbos.DBOSContext
	decomposer *plan.Decomposer
	broker     core.Broker
	logger     core.ILogger
}

// NewOrchestrator creates the orchestrator. dbosCtx may be nil for local
// mode; execution then runs inline without durability.
func NewOrchestrator(dbosCtx dbos.DBOSContext, decomposer *plan.Decomposer, broker core.Broker, logger core.ILogger) *Orchestrator {
	return &Orchestrator{
		dbosCtx:    dbosCtx,
		decomposer: decomposer,
		broker:     broker,
		logger:     logger.WithField("component", "orchestrator"),
	}
}

// Start launches the DBOS runtime when configured
func (o *Orchestrator) Start() error {
	if o.dbosCtx == nil {
		return nil
	}
	return o.dbosCtx.Launch()
}

// Stop shuts the DBOS runtime down
func (o *Orchestrator) Stop() {
	if o.dbosCtx != nil {
		o.dbosCtx.Shutdown(30 * time.Second)
	}
}

// Execute decomposes and enqueues one rebalance plan
func (o *Orchestrator) Execute(ctx context.Context, req *RebalanceRequest) (int, error) {
	if o.dbosCtx == nil {
		return o.run(ctx, req)
	}
	handle, err := o.dbosCtx.RunWorkflow(o.dbosCtx, o.RebalanceWorkflow, req)
	if err != nil {
		return 0, fmt.Errorf("start rebalance workflow: %w", err)
	}
	result, err := handle.GetResult()
	if err != nil {
		return 0, err
	}
	n, _ := result.(int)
	return n, nil
}

// RebalanceWorkflow is the durable path: equity lookup and decomposition are
// separate steps so a resumed workflow replays the recorded equity instead
// of re-reading the account.
func (o *Orchestrator) RebalanceWorkflow(ctx dbos.DBOSContext, input any) (any, error) {
	req, ok := input.(*RebalanceRequest)
	if !ok {
		return nil, fmt.Errorf("unexpected workflow input %T", input)
	}

	equityRaw, err := ctx.RunAsStep(ctx, func(ctx context.Context) (any, error) {
		return o.fetchEquity(ctx), nil
	})
	if err != nil {
		return nil, err
	}
	equity, _ := equityRaw.(*decimal.Decimal)

	countRaw, err := ctx.RunAsStep(ctx, func(ctx context.Context) (any, error) {
		return o.decomposer.DecomposeAndEnqueue(ctx, req.Plan, req.CorrelationID, req.CausationID, equity)
	})
	if err != nil {
		return nil, err
	}
	return countRaw, nil
}

func (o *Orchestrator) run(ctx context.Context, req *RebalanceRequest) (int, error) {
	return o.decomposer.DecomposeAndEnqueue(ctx, req.Plan, req.CorrelationID, req.CausationID, o.fetchEquity(ctx))
}

// fetchEquity is best-effort: the plan's own portfolio value is the
// fallback when the account is unreadable.
func (o *Orchestrator) fetchEquity(ctx context.Context) *decimal.Decimal {
	if o.broker == nil {
		return nil
	}
	acct, err := o.broker.GetAccount(ctx)
	if err != nil {
		o.logger.Warn("Account equity unavailable, using plan portfolio value", "error", err)
		return nil
	}
	return &acct.Equity
}
