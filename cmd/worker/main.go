// The worker binary consumes trade messages from the queue and executes
// them against the broker. An optional plan file can be submitted on
// startup, which decomposes it into a run and enqueues the SELL phase.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"rebalancer/internal/bootstrap"
	"rebalancer/internal/core"
	"rebalancer/internal/durable"

	"github.com/google/uuid"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	planPath := flag.String("plan", "", "optional rebalance plan JSON to submit on startup")
	flag.Parse()

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bootstrap:", err)
		os.Exit(1)
	}

	ctx := context.Background()
	deps, err := app.BuildWorker(ctx)
	if err != nil {
		app.Logger.Fatal("Wiring failed", "error", err)
	}

	if err := deps.Orchestrator.Start(); err != nil {
		app.Logger.Fatal("Orchestrator start failed", "error", err)
	}
	defer deps.Orchestrator.Stop()

	if *planPath != "" {
		if err := submitPlan(ctx, app, deps, *planPath); err != nil {
			app.Logger.Fatal("Plan submission failed", "plan", *planPath, "error", err)
		}
	}

	if err := app.Run(deps.Runners()...); err != nil {
		os.Exit(1)
	}
}

func submitPlan(ctx context.Context, app *bootstrap.App, deps *bootstrap.WorkerDeps, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}
	var p core.RebalancePlan
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse plan: %w", err)
	}

	if deps.Ingester != nil {
		symbols := make([]string, 0, len(p.Items))
		for _, item := range p.Items {
			symbols = append(symbols, item.Symbol)
		}
		deps.Ingester.Subscribe(symbols...)
	}

	n, err := deps.Orchestrator.Execute(ctx, &durable.RebalanceRequest{
		Plan:          &p,
		CorrelationID: "cli-" + uuid.NewString()[:8],
	})
	if err != nil {
		return err
	}
	app.Logger.Info("Plan submitted", "plan_id", p.PlanID, "trades_enqueued", n)
	return nil
}
