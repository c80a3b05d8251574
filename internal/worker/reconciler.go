package worker

import (
	"context"
	"time"

	"rebalancer/internal/core"
)

// ReconcilerConfig tunes the stuck-run sweep
type ReconcilerConfig struct {
	Interval time.Duration
	// MaxAge is how long a run may sit without progress before the sweep
	// inspects it.
	MaxAge time.Duration
}

// DefaultReconcilerConfig returns production defaults
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval: 5 * time.Minute,
		MaxAge:   15 * time.Minute,
	}
}

// Reconciler repairs runs stranded by a crash between the BUY-phase
// transition and the enqueue: the conditional transition winner died before
// releasing the BUY messages, and nothing else will. Queue-level dedup makes
// the re-enqueue safe against the winner having partially succeeded.
type Reconciler struct {
	store  core.RunStore
	queue  core.TradeQueue
	cfg    ReconcilerConfig
	logger core.ILogger
}

// NewReconciler creates the sweep
func NewReconciler(store core.RunStore, queue core.TradeQueue, cfg ReconcilerConfig, logger core.ILogger) *Reconciler {
	return &Reconciler{
		store:  store,
		queue:  queue,
		cfg:    cfg,
		logger: logger.WithField("component", "reconciler"),
	}
}

// Run sweeps until the context is cancelled
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("Sweep failed", "error", err)
			}
		}
	}
}

// Sweep finds stuck runs and re-releases BUY messages where the handoff
// died mid-way.
func (r *Reconciler) Sweep(ctx context.Context) error {
	runs, err := r.store.FindStuckRuns(ctx, r.cfg.MaxAge)
	if err != nil {
		return err
	}
	for _, run := range runs {
		log := r.logger.WithField("run_id", run.RunID)
		if run.CurrentPhase == core.PhaseBuy && !run.BuyTradesEnqueued {
			if err := r.releaseBuys(ctx, run, log); err != nil {
				log.Error("BUY re-release failed", "error", err)
			}
			continue
		}
		log.Warn("Run stuck without repair path",
			"status", string(run.Status),
			"phase", string(run.CurrentPhase),
			"completed", run.CompletedTrades,
			"total", run.TotalTrades,
			"age", time.Since(run.UpdatedAt).String())
	}
	return nil
}

func (r *Reconciler) releaseBuys(ctx context.Context, run *core.RunRecord, log core.ILogger) error {
	buys, err := r.store.GetPendingBuyTrades(ctx, run.RunID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(buys))
	for _, buy := range buys {
		if err := r.queue.Send(ctx, buy, run.RunID, buy.TradeID); err != nil {
			return err
		}
		ids = append(ids, buy.TradeID)
	}
	if err := r.store.MarkBuyTradesPending(ctx, run.RunID, ids); err != nil {
		return err
	}
	log.Info("Re-released BUY trades for stranded run", "count", len(ids))
	return nil
}
