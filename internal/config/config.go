// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig       `yaml:"app"`
	Broker    BrokerConfig    `yaml:"broker"`
	Queue     QueueConfig     `yaml:"queue"`
	Store     StoreConfig     `yaml:"store"`
	Execution ExecutionConfig `yaml:"execution"`
	TimeAware TimeAwareConfig `yaml:"time_aware"`
	Quotes    QuotesConfig    `yaml:"quotes"`
	Validator ValidatorConfig `yaml:"validator"`
	System    SystemConfig    `yaml:"system"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	StrategyID         string  `yaml:"strategy_id"`
	EngineType         string  `yaml:"engine_type"` // direct | durable
	DatabaseURL        string  `yaml:"database_url"` // required for durable
	EquityDeploymentPct float64 `yaml:"equity_deployment_pct"`
	SellFailureThresholdUSD float64 `yaml:"sell_failure_threshold_usd"`
	MaxSellRetries     int     `yaml:"max_sell_retries"`
	SellRetryDelaySecs int     `yaml:"sell_retry_delay_seconds"`
	WorkerPoolSize     int     `yaml:"worker_pool_size"`
	WorkerPoolBuffer   int     `yaml:"worker_pool_buffer"`
	StuckRunMaxAgeMins int     `yaml:"stuck_run_max_age_minutes"`
}

// BrokerConfig contains brokerage API settings
type BrokerConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`   // optional override (paper vs live)
	DataURL   string `yaml:"data_url"`   // market-data REST override
	StreamURL string `yaml:"stream_url"` // market-data websocket
	Feed      string `yaml:"feed"`       // iex | sip
}

// QueueConfig contains queue transport settings
type QueueConfig struct {
	Kind      string `yaml:"kind"` // redis | memory
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	Stream    string `yaml:"stream"`
	Group     string `yaml:"group"`
	Consumer  string `yaml:"consumer"`
}

// StoreConfig contains state store settings
type StoreConfig struct {
	Kind        string `yaml:"kind"` // sqlite | memory
	SQLitePath  string `yaml:"sqlite_path"`
	RunTTLHours int    `yaml:"run_ttl_hours"`
	ExecTTLDays int    `yaml:"exec_ttl_days"`
}

// ExecutionConfig contains strategy parameters
type ExecutionConfig struct {
	Strategy             string    `yaml:"strategy"` // walk | almgren_chriss | time_aware
	StepWaitSeconds      int       `yaml:"step_wait_seconds"`
	MarketOrderWaitSecs  int       `yaml:"market_order_wait_seconds"`
	PriceSteps           []float64 `yaml:"price_steps"`
	MarketFallback       bool      `yaml:"market_fallback"`
	OrderRateLimit       float64   `yaml:"order_rate_limit"`
	OrderRateBurst       int       `yaml:"order_rate_burst"`

	// Almgren-Chriss
	RiskAversion     float64 `yaml:"risk_aversion"`
	Volatility       float64 `yaml:"volatility"`
	TempImpact       float64 `yaml:"temp_impact"`
	NumSlices        int     `yaml:"num_slices"`
	TotalTimeSeconds int     `yaml:"total_time_seconds"`
	SliceWaitSeconds int     `yaml:"slice_wait_seconds"`
}

// TimeAwareConfig contains the intraday schedule parameters
type TimeAwareConfig struct {
	TickIntervalMinutes    int     `yaml:"tick_interval_minutes"`
	AuctionParticipation   bool    `yaml:"auction_participation"`
	AuctionReserveFraction float64 `yaml:"auction_reserve_fraction"`
	AuctionCutoffTime      string  `yaml:"auction_cutoff_time"` // HH:MM exchange local
	MaxSpreadBps           int     `yaml:"max_spread_bps"`
	HaltBehaviour          string  `yaml:"halt_behaviour"` // pause | cancel | continue
	UrgencyWeightTime      float64 `yaml:"urgency_weight_time"`
	UrgencyWeightFill      float64 `yaml:"urgency_weight_fill"`
	UrgencyWeightPhase     float64 `yaml:"urgency_weight_phase"`
	MaxOrderSizeFraction   float64 `yaml:"max_order_size_fraction"`
}

// QuotesConfig contains quote pipeline settings
type QuotesConfig struct {
	StreamingTimeoutMs    int `yaml:"streaming_timeout_ms"`
	QuoteFreshnessSeconds int `yaml:"quote_freshness_seconds"`
	PollIntervalMs        int `yaml:"poll_interval_ms"`
}

// ValidatorConfig contains portfolio validator settings
type ValidatorConfig struct {
	SettlementWaitSeconds      int     `yaml:"settlement_wait_seconds"`
	SettlementTimeoutSeconds   int     `yaml:"settlement_timeout_seconds"`
	FractionalTolerance        float64 `yaml:"fractional_tolerance"`
	PreExecutionSellTolerance  float64 `yaml:"pre_execution_sell_tolerance_pct"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsAddr   string `yaml:"metrics_addr"`
	EnableMetrics bool   `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

var envVarRe = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnvVars substitutes ${VAR} references with environment values
func expandEnvVars(data string) string {
	return envVarRe.ReplaceAllStringFunc(data, func(match string) string {
		name := envVarRe.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyDefaults fills in the documented defaults for unset fields
func (c *Config) applyDefaults() {
	if c.App.StrategyID == "" {
		c.App.StrategyID = "walk"
	}
	if c.App.EngineType == "" {
		c.App.EngineType = "direct"
	}
	if c.App.EquityDeploymentPct == 0 {
		c.App.EquityDeploymentPct = 0.95
	}
	if c.App.SellFailureThresholdUSD == 0 {
		c.App.SellFailureThresholdUSD = 500
	}
	if c.App.MaxSellRetries == 0 {
		c.App.MaxSellRetries = 2
	}
	if c.App.SellRetryDelaySecs == 0 {
		c.App.SellRetryDelaySecs = 5
	}
	if c.App.WorkerPoolSize == 0 {
		c.App.WorkerPoolSize = 8
	}
	if c.App.WorkerPoolBuffer == 0 {
		c.App.WorkerPoolBuffer = 64
	}
	if c.App.StuckRunMaxAgeMins == 0 {
		c.App.StuckRunMaxAgeMins = 60
	}

	if c.Queue.Kind == "" {
		c.Queue.Kind = "memory"
	}
	if c.Queue.Stream == "" {
		c.Queue.Stream = "rebalancer:trades"
	}
	if c.Queue.Group == "" {
		c.Queue.Group = "trade-workers"
	}

	if c.Store.Kind == "" {
		c.Store.Kind = "sqlite"
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "rebalancer.db"
	}
	if c.Store.RunTTLHours == 0 {
		c.Store.RunTTLHours = 24
	}
	if c.Store.ExecTTLDays == 0 {
		c.Store.ExecTTLDays = 7
	}

	if c.Execution.Strategy == "" {
		c.Execution.Strategy = "walk"
	}
	if c.Execution.StepWaitSeconds == 0 {
		c.Execution.StepWaitSeconds = 10
	}
	if c.Execution.MarketOrderWaitSecs == 0 {
		c.Execution.MarketOrderWaitSecs = 30
	}
	if len(c.Execution.PriceSteps) == 0 {
		c.Execution.PriceSteps = []float64{0.50, 0.75, 0.95}
	}
	if c.Execution.OrderRateLimit == 0 {
		c.Execution.OrderRateLimit = 25
	}
	if c.Execution.OrderRateBurst == 0 {
		c.Execution.OrderRateBurst = 30
	}
	if c.Execution.RiskAversion == 0 {
		c.Execution.RiskAversion = 0.5
	}
	if c.Execution.Volatility == 0 {
		c.Execution.Volatility = 0.02
	}
	if c.Execution.TempImpact == 0 {
		c.Execution.TempImpact = 0.001
	}
	if c.Execution.NumSlices == 0 {
		c.Execution.NumSlices = 5
	}
	if c.Execution.TotalTimeSeconds == 0 {
		c.Execution.TotalTimeSeconds = 300
	}
	if c.Execution.SliceWaitSeconds == 0 {
		c.Execution.SliceWaitSeconds = 30
	}

	if c.TimeAware.TickIntervalMinutes == 0 {
		c.TimeAware.TickIntervalMinutes = 10
	}
	if c.TimeAware.AuctionReserveFraction == 0 {
		c.TimeAware.AuctionReserveFraction = 0.30
	}
	if c.TimeAware.AuctionCutoffTime == "" {
		c.TimeAware.AuctionCutoffTime = "15:50"
	}
	if c.TimeAware.MaxSpreadBps == 0 {
		c.TimeAware.MaxSpreadBps = 50
	}
	if c.TimeAware.HaltBehaviour == "" {
		c.TimeAware.HaltBehaviour = "pause"
	}
	if c.TimeAware.UrgencyWeightTime == 0 {
		c.TimeAware.UrgencyWeightTime = 0.5
	}
	if c.TimeAware.UrgencyWeightFill == 0 {
		c.TimeAware.UrgencyWeightFill = 0.3
	}
	if c.TimeAware.UrgencyWeightPhase == 0 {
		c.TimeAware.UrgencyWeightPhase = 0.2
	}
	if c.TimeAware.MaxOrderSizeFraction == 0 {
		c.TimeAware.MaxOrderSizeFraction = 0.5
	}

	if c.Quotes.StreamingTimeoutMs == 0 {
		c.Quotes.StreamingTimeoutMs = 5000
	}
	if c.Quotes.QuoteFreshnessSeconds == 0 {
		c.Quotes.QuoteFreshnessSeconds = 10
	}
	if c.Quotes.PollIntervalMs == 0 {
		c.Quotes.PollIntervalMs = 100
	}

	if c.Validator.SettlementWaitSeconds == 0 {
		c.Validator.SettlementWaitSeconds = 5
	}
	if c.Validator.SettlementTimeoutSeconds == 0 {
		c.Validator.SettlementTimeoutSeconds = 30
	}
	if c.Validator.FractionalTolerance == 0 {
		c.Validator.FractionalTolerance = 0.001
	}
	if c.Validator.PreExecutionSellTolerance == 0 {
		c.Validator.PreExecutionSellTolerance = 0.01
	}

	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Telemetry.MetricsAddr == "" {
		c.Telemetry.MetricsAddr = ":9464"
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateAppConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateQueueConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateStoreConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExecutionConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateTimeAwareConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateAppConfig() error {
	if c.App.EngineType != "direct" && c.App.EngineType != "durable" {
		return ValidationError{
			Field:   "app.engine_type",
			Value:   c.App.EngineType,
			Message: "must be one of: direct, durable",
		}
	}
	if c.App.EngineType == "durable" && c.App.DatabaseURL == "" {
		return ValidationError{
			Field:   "app.database_url",
			Message: "database_url is required when app.engine_type is 'durable'",
		}
	}
	if c.App.EquityDeploymentPct < 0 || c.App.EquityDeploymentPct > 1 {
		return ValidationError{
			Field:   "app.equity_deployment_pct",
			Value:   c.App.EquityDeploymentPct,
			Message: "must be in [0, 1]",
		}
	}
	if c.App.SellFailureThresholdUSD < 0 {
		return ValidationError{
			Field:   "app.sell_failure_threshold_usd",
			Value:   c.App.SellFailureThresholdUSD,
			Message: "must be non-negative",
		}
	}
	return nil
}

func (c *Config) validateQueueConfig() error {
	switch c.Queue.Kind {
	case "memory":
	case "redis":
		if c.Queue.RedisAddr == "" {
			return ValidationError{
				Field:   "queue.redis_addr",
				Message: "redis_addr is required when queue.kind is 'redis'",
			}
		}
	default:
		return ValidationError{
			Field:   "queue.kind",
			Value:   c.Queue.Kind,
			Message: "must be one of: redis, memory",
		}
	}
	return nil
}

func (c *Config) validateStoreConfig() error {
	switch c.Store.Kind {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return ValidationError{
				Field:   "store.sqlite_path",
				Message: "sqlite_path is required when store.kind is 'sqlite'",
			}
		}
	default:
		return ValidationError{
			Field:   "store.kind",
			Value:   c.Store.Kind,
			Message: "must be one of: sqlite, memory",
		}
	}
	return nil
}

func (c *Config) validateExecutionConfig() error {
	switch c.Execution.Strategy {
	case "walk", "almgren_chriss", "time_aware":
	default:
		return ValidationError{
			Field:   "execution.strategy",
			Value:   c.Execution.Strategy,
			Message: "must be one of: walk, almgren_chriss, time_aware",
		}
	}
	prev := 0.0
	for i, s := range c.Execution.PriceSteps {
		if s <= prev || s >= 1 {
			return ValidationError{
				Field:   fmt.Sprintf("execution.price_steps[%d]", i),
				Value:   s,
				Message: "steps must be strictly increasing within (0, 1)",
			}
		}
		prev = s
	}
	return nil
}

func (c *Config) validateTimeAwareConfig() error {
	switch c.TimeAware.HaltBehaviour {
	case "pause", "cancel", "continue":
	default:
		return ValidationError{
			Field:   "time_aware.halt_behaviour",
			Value:   c.TimeAware.HaltBehaviour,
			Message: "must be one of: pause, cancel, continue",
		}
	}
	if c.TimeAware.AuctionReserveFraction < 0 || c.TimeAware.AuctionReserveFraction > 1 {
		return ValidationError{
			Field:   "time_aware.auction_reserve_fraction",
			Value:   c.TimeAware.AuctionReserveFraction,
			Message: "must be in [0, 1]",
		}
	}
	if !regexp.MustCompile(`^\d{2}:\d{2}$`).MatchString(c.TimeAware.AuctionCutoffTime) {
		return ValidationError{
			Field:   "time_aware.auction_cutoff_time",
			Value:   c.TimeAware.AuctionCutoffTime,
			Message: "must be HH:MM",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	switch strings.ToUpper(c.System.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: "must be one of: DEBUG, INFO, WARN, ERROR, FATAL",
		}
	}
	return nil
}
