// Package config loads the control-plane configuration snapshot and owns
// logger initialisation. The snapshot is read-only at runtime; agents
// receive the sections they need at construction and never re-read it.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration snapshot.
type Config struct {
	App          AppConfig              `mapstructure:"app"`
	Bus          BusConfig              `mapstructure:"bus"`
	Orchestrator OrchestratorConfig     `mapstructure:"orchestrator"`
	Agents       AgentsConfig           `mapstructure:"agents"`
	Meta         MetaConfig             `mapstructure:"meta"`
	Allocation   AllocationConfig       `mapstructure:"allocation"`
	Risk         RiskConfig             `mapstructure:"risk"`
	Lifecycle    LifecycleConfig        `mapstructure:"lifecycle"`
	Execution    ExecutionConfig        `mapstructure:"execution"`
	Signal       SignalConfig           `mapstructure:"signal"`
	Feed         FeedConfig             `mapstructure:"feed"`
	Venues       map[string]VenueConfig `mapstructure:"venues"`
	Books        []BookConfig           `mapstructure:"books"`
	Store        StoreConfig            `mapstructure:"store"`
	Metrics      MetricsConfig          `mapstructure:"metrics"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
	PaperMode   bool   `mapstructure:"paper_mode"`
}

// BusConfig selects and tunes the bus transport.
type BusConfig struct {
	Transport  string     `mapstructure:"transport"` // "inproc" or "nats"
	BufferSize int        `mapstructure:"buffer_size"`
	NATS       NATSConfig `mapstructure:"nats"`
}

// NATSConfig contains NATS transport settings.
type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

// OrchestratorConfig tunes agent supervision.
type OrchestratorConfig struct {
	SupervisorInterval   time.Duration `mapstructure:"supervisor_interval"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
	RestartBackoffMin    time.Duration `mapstructure:"restart_backoff_min"`
	RestartBackoffMax    time.Duration `mapstructure:"restart_backoff_max"`
	MaxRestartsPerMinute int           `mapstructure:"max_restarts_per_minute"`
}

// AgentsConfig tunes the shared agent runtime.
type AgentsConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
	ErrorThreshold    int           `mapstructure:"error_threshold"`
	ErrorWindow       time.Duration `mapstructure:"error_window"`
}

// MetaConfig tunes the meta-decision agent.
type MetaConfig struct {
	Interval               time.Duration `mapstructure:"interval"`
	DecisionTTL            time.Duration `mapstructure:"decision_ttl"`
	MarketDataStaleAfter   time.Duration `mapstructure:"market_data_stale_after"`
	CrisisVolatility       float64       `mapstructure:"crisis_volatility"`
	HighVolatility         float64       `mapstructure:"high_volatility"`
	NormalVolatility       float64       `mapstructure:"normal_volatility"`
	DegradedSpread         float64       `mapstructure:"degraded_spread"`
	MaxAvgSlippage         float64       `mapstructure:"max_avg_slippage"`
	MaxCriticalAlerts      int           `mapstructure:"max_critical_alerts"`
	HighCorrelation        float64       `mapstructure:"high_correlation"`
	MaxHighCorrelations    int           `mapstructure:"max_high_correlations"`
	NonEssentialStrategies []string      `mapstructure:"non_essential_strategies"`
	TrendFollowStrategies  []string      `mapstructure:"trend_follow_strategies"`
}

// AllocationConfig tunes the capital-allocation agent.
type AllocationConfig struct {
	Interval              time.Duration       `mapstructure:"interval"`
	TotalCapital          float64             `mapstructure:"total_capital"`
	BaseWeights           map[string]float64  `mapstructure:"base_weights"`
	CorrelationGroups     map[string][]string `mapstructure:"correlation_groups"`
	RiskBudgetFraction    float64             `mapstructure:"risk_budget_fraction"`
	ExposureCapMultiplier float64             `mapstructure:"exposure_cap_multiplier"`
	QuarantineDrawdown    float64             `mapstructure:"quarantine_drawdown"`
	QuarantineLossStreak  int                 `mapstructure:"quarantine_loss_streak"`
	QuarantineSlippage    float64             `mapstructure:"quarantine_slippage"`
	MinTradesForScore     int                 `mapstructure:"min_trades_for_score"`
}

// RiskConfig contains the pre-trade risk limits.
type RiskConfig struct {
	MinConfidence           float64 `mapstructure:"min_confidence"`
	MaxSingleTradeUSD       float64 `mapstructure:"max_single_trade_usd"`
	MaxPositionSizeUSD      float64 `mapstructure:"max_position_size_usd"`
	MaxPortfolioExposureUSD float64 `mapstructure:"max_portfolio_exposure_usd"`
	MaxDailyLossUSD         float64 `mapstructure:"max_daily_loss_usd"`
	MaxConcentrationPct     float64 `mapstructure:"max_concentration_pct"`
	KillSwitchMultiplier    float64 `mapstructure:"kill_switch_multiplier"`
	MinScalableRemainder    float64 `mapstructure:"min_scalable_remainder"`
}

// LifecycleConfig tunes the strategy lifecycle manager.
type LifecycleConfig struct {
	EdgeDecayThreshold   float64       `mapstructure:"edge_decay_threshold"`
	PerformanceThreshold float64       `mapstructure:"performance_threshold"`
	DrawdownThreshold    float64       `mapstructure:"drawdown_threshold"`
	ExecQualityThreshold float64       `mapstructure:"exec_quality_threshold"`
	QuarantineMinHours   time.Duration `mapstructure:"quarantine_min_hours"`
	MaxQuarantineCount   int           `mapstructure:"max_quarantine_count"`
	QuarantineCountDays  int           `mapstructure:"quarantine_count_days"`
}

// ExecutionConfig tunes the execution agent.
type ExecutionConfig struct {
	VenuePreference []string `mapstructure:"venue_preference"`
	OrdersPerSecond float64  `mapstructure:"orders_per_second"`
	OrderBurst      int      `mapstructure:"order_burst"`
}

// SignalConfig tunes the built-in momentum signal agent.
type SignalConfig struct {
	Instruments   []string      `mapstructure:"instruments"`
	BookID        string        `mapstructure:"book_id"`
	IntentSizeUSD float64       `mapstructure:"intent_size_usd"`
	EMAPeriod     int           `mapstructure:"ema_period"`
	RSIPeriod     int           `mapstructure:"rsi_period"`
	MinHistory    int           `mapstructure:"min_history"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
}

// FeedConfig tunes the simulated market-data feed used in paper mode.
type FeedConfig struct {
	Enabled     bool               `mapstructure:"enabled"`
	Interval    time.Duration      `mapstructure:"interval"`
	Volatility  float64            `mapstructure:"volatility"`
	SpreadPct   float64            `mapstructure:"spread_pct"`
	StartPrices map[string]float64 `mapstructure:"start_prices"`
}

// VenueConfig describes one venue adapter.
type VenueConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	LatencyMS   float64 `mapstructure:"latency_ms"`
	SlippagePct float64 `mapstructure:"slippage_pct"`
	FailureRate float64 `mapstructure:"failure_rate"`
	FeePct      float64 `mapstructure:"fee_pct"`
}

// BookConfig declares a trading book.
type BookConfig struct {
	ID               string  `mapstructure:"id"`
	Type             string  `mapstructure:"type"` // HEDGE, PROP, MEME
	CapitalAllocated float64 `mapstructure:"capital_allocated"`
	MaxDrawdownLimit float64 `mapstructure:"max_drawdown_limit"`
	RiskTier         int     `mapstructure:"risk_tier"`
}

// StoreConfig selects the snapshot store backend.
type StoreConfig struct {
	Backend string      `mapstructure:"backend"` // "memory" or "redis"
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig contains Redis settings for the snapshot store.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// MetricsConfig tunes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads configuration from the given file (optional), environment
// variables with the CONTROLPLANE_ prefix, and built-in defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CONTROLPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration, used by tests.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("default config does not unmarshal: %v", err))
	}
	return &cfg
}

// Validate rejects configurations the control plane cannot safely run
// with.
func (c *Config) Validate() error {
	if c.Bus.Transport != "inproc" && c.Bus.Transport != "nats" {
		return fmt.Errorf("unknown bus transport %q", c.Bus.Transport)
	}
	if c.Risk.MaxDailyLossUSD <= 0 {
		return fmt.Errorf("risk.max_daily_loss_usd must be positive")
	}
	if c.Risk.KillSwitchMultiplier < 1 {
		return fmt.Errorf("risk.kill_switch_multiplier must be >= 1")
	}
	if c.Allocation.TotalCapital <= 0 {
		return fmt.Errorf("allocation.total_capital must be positive")
	}
	for name, w := range c.Allocation.BaseWeights {
		if w < 0 || w > 1 {
			return fmt.Errorf("allocation.base_weights[%s]=%.2f outside [0,1]", name, w)
		}
	}
	if c.Agents.HeartbeatInterval <= 0 {
		return fmt.Errorf("agents.heartbeat_interval must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "controlplane")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")
	v.SetDefault("app.paper_mode", true)

	v.SetDefault("bus.transport", "inproc")
	v.SetDefault("bus.buffer_size", 256)
	v.SetDefault("bus.nats.url", "nats://localhost:4222")
	v.SetDefault("bus.nats.prefix", "controlplane.")

	v.SetDefault("orchestrator.supervisor_interval", 5*time.Second)
	v.SetDefault("orchestrator.shutdown_timeout", 10*time.Second)
	v.SetDefault("orchestrator.restart_backoff_min", 500*time.Millisecond)
	v.SetDefault("orchestrator.restart_backoff_max", 30*time.Second)
	v.SetDefault("orchestrator.max_restarts_per_minute", 5)

	v.SetDefault("agents.heartbeat_interval", 5*time.Second)
	v.SetDefault("agents.drain_timeout", 100*time.Millisecond)
	v.SetDefault("agents.error_threshold", 5)
	v.SetDefault("agents.error_window", time.Minute)

	v.SetDefault("meta.interval", 5*time.Second)
	v.SetDefault("meta.decision_ttl", 30*time.Second)
	v.SetDefault("meta.market_data_stale_after", 30*time.Second)
	v.SetDefault("meta.crisis_volatility", 0.05)
	v.SetDefault("meta.high_volatility", 0.02)
	v.SetDefault("meta.normal_volatility", 0.01)
	v.SetDefault("meta.degraded_spread", 0.003)
	v.SetDefault("meta.max_avg_slippage", 0.002)
	v.SetDefault("meta.max_critical_alerts", 3)
	v.SetDefault("meta.high_correlation", 0.7)
	v.SetDefault("meta.max_high_correlations", 2)
	v.SetDefault("meta.non_essential_strategies", []string{"momentum", "breakout", "funding_arbitrage"})
	v.SetDefault("meta.trend_follow_strategies", []string{"momentum", "trend_following"})

	v.SetDefault("allocation.interval", 60*time.Second)
	v.SetDefault("allocation.total_capital", 1_000_000.0)
	v.SetDefault("allocation.base_weights", map[string]float64{
		"momentum":          0.20,
		"trend_following":   0.20,
		"breakout":          0.15,
		"funding_arbitrage": 0.15,
	})
	v.SetDefault("allocation.correlation_groups", map[string][]string{
		"trend": {"momentum", "trend_following", "breakout"},
	})
	v.SetDefault("allocation.risk_budget_fraction", 0.02)
	v.SetDefault("allocation.exposure_cap_multiplier", 2.0)
	v.SetDefault("allocation.quarantine_drawdown", 0.15)
	v.SetDefault("allocation.quarantine_loss_streak", 5)
	v.SetDefault("allocation.quarantine_slippage", 0.003)
	v.SetDefault("allocation.min_trades_for_score", 5)

	v.SetDefault("risk.min_confidence", 0.5)
	v.SetDefault("risk.max_single_trade_usd", 25_000.0)
	v.SetDefault("risk.max_position_size_usd", 100_000.0)
	v.SetDefault("risk.max_portfolio_exposure_usd", 500_000.0)
	v.SetDefault("risk.max_daily_loss_usd", 10_000.0)
	v.SetDefault("risk.max_concentration_pct", 0.25)
	v.SetDefault("risk.kill_switch_multiplier", 1.5)
	v.SetDefault("risk.min_scalable_remainder", 1_000.0)

	v.SetDefault("lifecycle.edge_decay_threshold", 0.30)
	v.SetDefault("lifecycle.performance_threshold", 0.70)
	v.SetDefault("lifecycle.drawdown_threshold", 0.10)
	v.SetDefault("lifecycle.exec_quality_threshold", 0.90)
	v.SetDefault("lifecycle.quarantine_min_hours", 4*time.Hour)
	v.SetDefault("lifecycle.max_quarantine_count", 3)
	v.SetDefault("lifecycle.quarantine_count_days", 30)

	v.SetDefault("signal.instruments", []string{"BTC-USD", "ETH-USD"})
	v.SetDefault("signal.book_id", "prop")
	v.SetDefault("signal.intent_size_usd", 10_000.0)
	v.SetDefault("signal.ema_period", 20)
	v.SetDefault("signal.rsi_period", 14)
	v.SetDefault("signal.min_history", 30)
	v.SetDefault("signal.cooldown", 30*time.Second)

	v.SetDefault("feed.enabled", true)
	v.SetDefault("feed.interval", time.Second)
	v.SetDefault("feed.volatility", 0.0005)
	v.SetDefault("feed.spread_pct", 0.0002)
	v.SetDefault("feed.start_prices", map[string]float64{
		"BTC-USD": 50_000,
		"ETH-USD": 2_500,
	})

	v.SetDefault("execution.venue_preference", []string{})
	v.SetDefault("execution.orders_per_second", 10.0)
	v.SetDefault("execution.order_burst", 20)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.ttl", 24*time.Hour)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
}
