// The tickrunner binary drives the time-aware execution engine: once per
// tick it reconciles child-order fills, regrades urgency, and escalates or
// submits child orders for every active pending execution.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"rebalancer/internal/bootstrap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bootstrap:", err)
		os.Exit(1)
	}

	deps, err := app.BuildTickRunner(context.Background())
	if err != nil {
		app.Logger.Fatal("Wiring failed", "error", err)
	}

	if err := app.Run(deps.Runners()...); err != nil {
		os.Exit(1)
	}
}
