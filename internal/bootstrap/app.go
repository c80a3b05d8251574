// Package bootstrap loads configuration, initializes logging and telemetry,
// and wires the component graph for the binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rebalancer/internal/config"
	"rebalancer/internal/core"
	"rebalancer/pkg/logging"
	"rebalancer/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// App holds the core cross-cutting dependencies
type App struct {
	Cfg       *config.Config
	Logger    core.ILogger
	Telemetry *telemetry.Telemetry
}

// NewApp loads the config and brings up telemetry and logging
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	// Telemetry first so the otelzap bridge picks up the log provider
	tel, err := telemetry.Setup("rebalancer")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	return &App{
		Cfg:       cfg,
		Logger:    logger,
		Telemetry: tel,
	}, nil
}

// Runner is a long-lived component that runs until its context ends
type Runner interface {
	Run(ctx context.Context) error
}

// Run drives all runners until one fails or a termination signal arrives,
// then flushes telemetry.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("Starting application", "runners", len(runners))
	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			err := r.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if terr := a.Telemetry.Shutdown(shutdownCtx); terr != nil {
		a.Logger.Warn("Telemetry shutdown incomplete", "error", terr)
	}

	if err != nil {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Application shut down cleanly")
	return nil
}
