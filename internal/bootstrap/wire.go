package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"rebalancer/internal/broker"
	alpacabroker "rebalancer/internal/broker/alpaca"
	"rebalancer/internal/core"
	"rebalancer/internal/durable"
	"rebalancer/internal/events"
	"rebalancer/internal/execution"
	"rebalancer/internal/lifecycle"
	"rebalancer/internal/plan"
	"rebalancer/internal/queue"
	"rebalancer/internal/quotes"
	"rebalancer/internal/runstore"
	"rebalancer/internal/timeaware"
	"rebalancer/internal/validator"
	"rebalancer/internal/worker"
	"rebalancer/pkg/telemetry"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// WorkerDeps is the wired component graph for the worker binary
type WorkerDeps struct {
	Store        core.RunStore
	Queue        core.TradeQueue
	Broker       core.Broker
	Orchestrator *durable.Orchestrator
	Consumer     *worker.Consumer
	Reconciler   *worker.Reconciler
	Ingester     *quotes.Ingester
	Metrics      *telemetry.MetricsServer
}

// TickDeps is the wired component graph for the tick-runner binary
type TickDeps struct {
	ExecStore core.ExecStore
	Engine    *timeaware.Engine
	Ingester  *quotes.Ingester
	Metrics   *telemetry.MetricsServer
}

// BuildWorker constructs everything the worker binary needs
func (a *App) BuildWorker(ctx context.Context) (*WorkerDeps, error) {
	store, err := a.buildRunStore()
	if err != nil {
		return nil, err
	}
	q, err := a.buildQueue(ctx)
	if err != nil {
		return nil, err
	}
	brk := a.buildBroker()
	pipeline, ingester := a.buildQuotes(brk)
	execStore, err := a.buildExecStore()
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(a.Logger)
	bus.Subscribe(events.NewAlertHandler(a.Logger))

	val := validator.New(brk, a.validatorOptions(), a.Logger)
	submitter := a.buildSubmitter(brk)
	strategies := a.buildStrategies(submitter, pipeline, execStore)

	workerCfg := worker.DefaultConfig()
	workerCfg.SellFailureThresholdUSD = decimal.NewFromFloat(a.Cfg.App.SellFailureThresholdUSD)
	workerCfg.DefaultStrategy = defaultStrategyName(a.Cfg.Execution.Strategy)
	w := worker.New(store, brk, pipeline, q, val, strategies, bus, workerCfg, a.Logger)

	consumerCfg := worker.DefaultConsumerConfig()
	consumerCfg.MaxParallel = a.Cfg.App.WorkerPoolSize
	consumer := worker.NewConsumer(q, w, consumerCfg, a.Logger)

	recCfg := worker.DefaultReconcilerConfig()
	recCfg.MaxAge = time.Duration(a.Cfg.App.StuckRunMaxAgeMins) * time.Minute
	reconciler := worker.NewReconciler(store, q, recCfg, a.Logger)

	decomposerCfg := plan.DefaultConfig()
	decomposerCfg.EquityDeploymentPct = decimal.NewFromFloat(a.Cfg.App.EquityDeploymentPct)
	decomposer := plan.NewDecomposer(store, q, decomposerCfg, a.Logger)

	orch, err := a.buildOrchestrator(ctx, decomposer, brk)
	if err != nil {
		return nil, err
	}

	return &WorkerDeps{
		Store:        store,
		Queue:        q,
		Broker:       brk,
		Orchestrator: orch,
		Consumer:     consumer,
		Reconciler:   reconciler,
		Ingester:     ingester,
		Metrics:      a.buildMetricsServer(),
	}, nil
}

// Runners returns the long-lived loops for App.Run
func (d *WorkerDeps) Runners() []Runner {
	runners := []Runner{d.Consumer, d.Reconciler}
	if d.Ingester != nil {
		runners = append(runners, ingesterRunner{d.Ingester})
	}
	if d.Metrics != nil {
		runners = append(runners, d.Metrics)
	}
	return runners
}

// BuildTickRunner constructs the time-aware engine graph
func (a *App) BuildTickRunner(_ context.Context) (*TickDeps, error) {
	brk := a.buildBroker()
	pipeline, ingester := a.buildQuotes(brk)
	execStore, err := a.buildExecStore()
	if err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("load exchange timezone: %w", err)
	}

	engineCfg := timeaware.DefaultEngineConfig()
	engineCfg.TickInterval = time.Duration(a.Cfg.TimeAware.TickIntervalMinutes) * time.Minute
	engineCfg.AuctionParticipation = a.Cfg.TimeAware.AuctionParticipation
	engineCfg.AuctionReserveFraction = decimal.NewFromFloat(a.Cfg.TimeAware.AuctionReserveFraction)
	engineCfg.AuctionCutoffTime = a.Cfg.TimeAware.AuctionCutoffTime
	engineCfg.MaxSpreadBps = a.Cfg.TimeAware.MaxSpreadBps
	engineCfg.HaltBehaviour = a.Cfg.TimeAware.HaltBehaviour
	engineCfg.Weights = timeaware.Weights{
		Time:  a.Cfg.TimeAware.UrgencyWeightTime,
		Fill:  a.Cfg.TimeAware.UrgencyWeightFill,
		Phase: a.Cfg.TimeAware.UrgencyWeightPhase,
	}

	engine := timeaware.NewEngine(execStore, a.buildSubmitter(brk), brk, pipeline,
		timeaware.DefaultSchedule(loc), engineCfg, a.Logger)

	return &TickDeps{
		ExecStore: execStore,
		Engine:    engine,
		Ingester:  ingester,
		Metrics:   a.buildMetricsServer(),
	}, nil
}

// Runners returns the long-lived loops for App.Run
func (d *TickDeps) Runners() []Runner {
	runners := []Runner{d.Engine}
	if d.Ingester != nil {
		runners = append(runners, ingesterRunner{d.Ingester})
	}
	if d.Metrics != nil {
		runners = append(runners, d.Metrics)
	}
	return runners
}

func (a *App) buildRunStore() (core.RunStore, error) {
	ttl := time.Duration(a.Cfg.Store.RunTTLHours) * time.Hour
	if a.Cfg.Store.Kind == "memory" {
		return runstore.NewMemoryStore(ttl), nil
	}
	return runstore.NewSQLiteStore(a.Cfg.Store.SQLitePath, ttl, a.Logger)
}

func (a *App) buildExecStore() (core.ExecStore, error) {
	if a.Cfg.Store.Kind == "memory" {
		return timeaware.NewMemoryExecStore(), nil
	}
	return timeaware.NewSQLiteExecStore(a.Cfg.Store.SQLitePath, a.Logger)
}

func (a *App) buildQueue(ctx context.Context) (core.TradeQueue, error) {
	if a.Cfg.Queue.Kind == "memory" {
		return queue.NewMemoryQueue(1024), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr: a.Cfg.Queue.RedisAddr,
		DB:   a.Cfg.Queue.RedisDB,
	})
	opts := queue.DefaultRedisOptions(a.consumerName())
	opts.Stream = a.Cfg.Queue.Stream
	opts.Group = a.Cfg.Queue.Group
	if a.Cfg.Queue.Consumer != "" {
		opts.Consumer = a.Cfg.Queue.Consumer
	}
	return queue.NewRedisQueue(ctx, client, opts, a.Logger)
}

func (a *App) consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

func (a *App) buildBroker() core.Broker {
	base := alpacabroker.New(alpacabroker.Config{
		APIKey:    a.Cfg.Broker.APIKey,
		APISecret: a.Cfg.Broker.APISecret,
		BaseURL:   a.Cfg.Broker.BaseURL,
	}, a.Logger)
	return broker.NewResilient(base, broker.DefaultResilienceConfig(), a.Logger)
}

// buildQuotes wires the streaming cache and REST-validated pipeline. The
// ingester is nil when no stream URL is configured; the pipeline then serves
// REST fallback quotes only.
func (a *App) buildQuotes(brk core.Broker) (*quotes.Pipeline, *quotes.Ingester) {
	cache := quotes.NewCache()

	opts := quotes.DefaultOptions()
	opts.StreamingTimeout = time.Duration(a.Cfg.Quotes.StreamingTimeoutMs) * time.Millisecond
	opts.PollInterval = time.Duration(a.Cfg.Quotes.PollIntervalMs) * time.Millisecond
	opts.Freshness = time.Duration(a.Cfg.Quotes.QuoteFreshnessSeconds) * time.Second
	pipeline := quotes.NewPipeline(cache, brk, opts, a.Logger)

	var ingester *quotes.Ingester
	if a.Cfg.Broker.StreamURL != "" {
		ingester = quotes.NewIngester(a.Cfg.Broker.StreamURL,
			a.Cfg.Broker.APIKey, a.Cfg.Broker.APISecret, cache, a.Logger)
	}
	return pipeline, ingester
}

func (a *App) buildSubmitter(brk core.Broker) *execution.Submitter {
	dispatcher := lifecycle.NewDispatcher(a.Logger)
	dispatcher.Register(lifecycle.NewLogObserver(a.Logger))
	tracker := lifecycle.NewTracker(dispatcher)
	return execution.NewSubmitter(brk, a.Cfg.Execution.OrderRateLimit, tracker, a.Logger)
}

func (a *App) buildStrategies(sub *execution.Submitter, qp core.QuoteProvider, execStore core.ExecStore) map[string]core.Strategy {
	walkCfg := execution.DefaultWalkConfig()
	walkCfg.Steps = make([]decimal.Decimal, 0, len(a.Cfg.Execution.PriceSteps))
	for _, s := range a.Cfg.Execution.PriceSteps {
		walkCfg.Steps = append(walkCfg.Steps, decimal.NewFromFloat(s))
	}
	walkCfg.StepWait = time.Duration(a.Cfg.Execution.StepWaitSeconds) * time.Second
	walkCfg.MarketWait = time.Duration(a.Cfg.Execution.MarketOrderWaitSecs) * time.Second
	walkCfg.MarketFallbackOnReject = a.Cfg.Execution.MarketFallback

	acCfg := execution.DefaultAlmgrenConfig()
	acCfg.RiskAversion = a.Cfg.Execution.RiskAversion
	acCfg.Volatility = a.Cfg.Execution.Volatility
	acCfg.TempImpact = a.Cfg.Execution.TempImpact
	acCfg.NumSlices = a.Cfg.Execution.NumSlices
	acCfg.SliceInterval = time.Duration(a.Cfg.Execution.SliceWaitSeconds) * time.Second
	acCfg.MarketWait = time.Duration(a.Cfg.Execution.MarketOrderWaitSecs) * time.Second

	return map[string]core.Strategy{
		"walk_the_book":  execution.NewWalkTheBook(sub, qp, walkCfg, a.Logger),
		"almgren_chriss": execution.NewAlmgrenChriss(sub, qp, acCfg, a.Logger),
		"time_aware":     timeaware.NewHandoff(execStore, timeaware.DefaultHandoffConfig(), a.Logger),
	}
}

func (a *App) validatorOptions() validator.Options {
	opts := validator.DefaultOptions()
	opts.SellTolerance = decimal.NewFromFloat(a.Cfg.Validator.PreExecutionSellTolerance)
	opts.FractionalTolerance = decimal.NewFromFloat(a.Cfg.Validator.FractionalTolerance)
	opts.SettleInitialBackoff = time.Duration(a.Cfg.Validator.SettlementWaitSeconds) * time.Second
	opts.SettleMaxWait = time.Duration(a.Cfg.Validator.SettlementTimeoutSeconds) * time.Second
	return opts
}

func (a *App) buildMetricsServer() *telemetry.MetricsServer {
	if !a.Cfg.Telemetry.EnableMetrics {
		return nil
	}
	return telemetry.NewMetricsServer(a.Cfg.Telemetry.MetricsAddr)
}

// buildOrchestrator wires the durable decomposition path when configured,
// the inline path otherwise.
func (a *App) buildOrchestrator(ctx context.Context, d *plan.Decomposer, brk core.Broker) (*durable.Orchestrator, error) {
	var dbosCtx dbos.DBOSContext
	if a.Cfg.App.EngineType == "durable" {
		var err error
		dbosCtx, err = dbos.NewDBOSContext(ctx, dbos.Config{
			AppName:     "rebalancer",
			DatabaseURL: a.Cfg.App.DatabaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("dbos: %w", err)
		}
	}
	return durable.NewOrchestrator(dbosCtx, d, brk, a.Logger), nil
}

// defaultStrategyName maps the config shorthand to the registered name
func defaultStrategyName(s string) string {
	if s == "walk" {
		return "walk_the_book"
	}
	return s
}

// ingesterRunner adapts the quote ingester's Start/Stop pair to the Runner
// contract.
type ingesterRunner struct {
	ing *quotes.Ingester
}

func (r ingesterRunner) Run(ctx context.Context) error {
	r.ing.Start()
	<-ctx.Done()
	r.ing.Stop()
	return ctx.Err()
}
