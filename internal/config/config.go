// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via DT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Vendor    VendorConfig    `mapstructure:"vendor"`
	Sentiment SentimentConfig `mapstructure:"sentiment"`
	Watchlist WatchlistConfig `mapstructure:"watchlist"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Protector ProtectorConfig `mapstructure:"protector"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	API       APIConfig       `mapstructure:"api"`
}

// BrokerConfig holds the broker REST/stream endpoints and credentials.
type BrokerConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	DataURL   string `mapstructure:"data_url"`
	StreamURL string `mapstructure:"stream_url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// VendorConfig holds the fallback daily-bars vendor. The vendor is heavily
// rate limited, so the gateway rotates between two API keys: every
// RotateEvery requests normally, and immediately on a credits-exhausted
// response.
type VendorConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	PrimaryKey  string `mapstructure:"primary_key"`
	FallbackKey string `mapstructure:"fallback_key"`
	RotateEvery int    `mapstructure:"rotate_every"`
	IndexSymbol string `mapstructure:"index_symbol"` // breadth/trend reference ETF
	VIXSymbol   string `mapstructure:"vix_symbol"`
}

// SentimentConfig holds the fear/greed feed endpoint and refresh cadence.
type SentimentConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// WatchlistConfig controls the tradeable symbol universe. Symbols is the
// static seed; when ScannerURL is set the scanner loop replaces it hourly
// with a ranked list from the external opportunity source, capped at Max.
type WatchlistConfig struct {
	Symbols      []string      `mapstructure:"symbols"`
	Max          int           `mapstructure:"max"`
	ScannerURL   string        `mapstructure:"scanner_url"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	MinPrice     float64       `mapstructure:"min_price"`
	MaxPrice     float64       `mapstructure:"max_price"`
	MinAvgVolume float64       `mapstructure:"min_avg_volume"`
}

// StrategyConfig tunes signal detection and the adaptive confidence threshold.
//
//   - EMAShort/EMALong: crossover pair on the primary intraday timeframe.
//   - EMATrend: slower trend filter (typically 50).
//   - BaseThresholdLong/Short: minimum confidence before adjustments.
//   - LongOnlyMode: short-circuits every short signal before risk checks.
//   - EnableTimeOfDayFilter: blocks the midday window between LunchStart and
//     LunchEnd (exchange-local HH:MM).
//   - Enable200EMAFilter / EnableMultiTimeframeFilter: daily-trend filters;
//     both fail open when the daily cache is degraded.
type StrategyConfig struct {
	Timeframe                  string  `mapstructure:"timeframe"`
	EMAShort                   int     `mapstructure:"ema_short"`
	EMALong                    int     `mapstructure:"ema_long"`
	EMATrend                   int     `mapstructure:"ema_trend"`
	BaseThresholdLong          float64 `mapstructure:"base_threshold_long"`
	BaseThresholdShort         float64 `mapstructure:"base_threshold_short"`
	MaxThreshold               float64 `mapstructure:"max_threshold"`
	MinConfirmations           int     `mapstructure:"min_confirmations"`
	MinVolumeRatio             float64 `mapstructure:"min_volume_ratio"`
	LongOnlyMode               bool    `mapstructure:"long_only_mode"`
	EnableTimeOfDayFilter      bool    `mapstructure:"enable_time_of_day_filter"`
	LunchStart                 string  `mapstructure:"lunch_start"`
	LunchEnd                   string  `mapstructure:"lunch_end"`
	Enable200EMAFilter         bool    `mapstructure:"enable_200ema_filter"`
	EnableMultiTimeframeFilter bool    `mapstructure:"enable_multi_timeframe_filter"`
	StopATRMult                float64 `mapstructure:"stop_atr_mult"`
	TargetATRMult              float64 `mapstructure:"target_atr_mult"`
}

// RiskConfig sets the hard pre-trade limits enforced by the risk manager.
//
//   - RiskPerTradePct: fraction of equity risked per trade before multipliers.
//   - CircuitBreakerPct: session drawdown that halts new entries.
//   - MaxPositionPct: cap on single-position notional as a fraction of equity.
//   - MaxTradesPerDay / MaxTradesPerSymbol: frequency caps.
//   - CooldownLosses / CooldownDuration: per-symbol freeze after consecutive losses.
//   - AIValidation*: optional yes/no check on high-risk trades; timeout = approve.
type RiskConfig struct {
	MaxPositions        int           `mapstructure:"max_positions"`
	RiskPerTradePct     float64       `mapstructure:"risk_per_trade_pct"`
	CircuitBreakerPct   float64       `mapstructure:"circuit_breaker_pct"`
	MaxPositionPct      float64       `mapstructure:"max_position_pct"`
	MaxTradesPerDay     int           `mapstructure:"max_trades_per_day"`
	MaxTradesPerSymbol  int           `mapstructure:"max_trades_per_symbol"`
	CooldownLosses      int           `mapstructure:"cooldown_losses"`
	CooldownDuration    time.Duration `mapstructure:"cooldown_duration"`
	AllowExtendedHours  bool          `mapstructure:"allow_extended_hours"`
	EnableAIValidation  bool          `mapstructure:"enable_ai_validation"`
	AIValidationURL     string        `mapstructure:"ai_validation_url"`
	AIValidationTimeout time.Duration `mapstructure:"ai_validation_timeout"`
}

// ExecutorConfig tunes bracket submission and fill verification.
type ExecutorConfig struct {
	BracketOrdersEnabled bool          `mapstructure:"bracket_orders_enabled"`
	SlippageBufferPct    float64       `mapstructure:"slippage_buffer_pct"`
	MaxSlippagePct       float64       `mapstructure:"max_slippage_pct"`
	MinRewardRisk        float64       `mapstructure:"min_reward_risk"`
	FillTimeout          time.Duration `mapstructure:"fill_timeout"`
	PollInitial          time.Duration `mapstructure:"poll_initial"`
	PollMax              time.Duration `mapstructure:"poll_max"`
	MaxRetries           int           `mapstructure:"max_retries"`
}

// ProtectorConfig tunes the R-multiple position-protection ladder.
type ProtectorConfig struct {
	TrailingStopsEnabled  bool          `mapstructure:"trailing_stops_enabled"`
	PartialProfitsEnabled bool          `mapstructure:"partial_profits_enabled"`
	PartialPct            float64       `mapstructure:"partial_pct"`      // fraction sold at each rung
	BreakevenR            float64       `mapstructure:"breakeven_r"`      // move stop to entry at this R
	FirstPartialR         float64       `mapstructure:"first_partial_r"`  // default 2
	SecondPartialR        float64       `mapstructure:"second_partial_r"` // default 3
	TrailActivateR        float64       `mapstructure:"trail_activate_r"` // default 2
	TrailATRMult          float64       `mapstructure:"trail_atr_mult"`
	BreakevenBuffer       float64       `mapstructure:"breakeven_buffer"` // epsilon added beyond entry
	StuckStopInterval     time.Duration `mapstructure:"stuck_stop_interval"`
}

// EngineConfig sets loop cadences and the end-of-day cutoff.
type EngineConfig struct {
	MarketDataInterval      time.Duration `mapstructure:"market_data_interval"`
	StrategyInterval        time.Duration `mapstructure:"strategy_interval"`
	PositionMonitorInterval time.Duration `mapstructure:"position_monitor_interval"`
	MetricsInterval         time.Duration `mapstructure:"metrics_interval"`
	ProtectionInterval      time.Duration `mapstructure:"protection_interval"`
	EODCutoff               string        `mapstructure:"eod_cutoff"` // HH:MM exchange-local
	Timezone                string        `mapstructure:"timezone"`
}

// JournalConfig sets where the append-only trade journal lives.
type JournalConfig struct {
	Path string `mapstructure:"path"` // sqlite file; ":memory:" in tests
}

// StoreConfig sets where session state (counters, cooldowns) is persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIConfig controls the operator HTTP server.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: DT_BROKER_KEY, DT_BROKER_SECRET,
// DT_VENDOR_PRIMARY_KEY, DT_VENDOR_FALLBACK_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("DT_BROKER_KEY"); key != "" {
		cfg.Broker.APIKey = key
	}
	if secret := os.Getenv("DT_BROKER_SECRET"); secret != "" {
		cfg.Broker.APISecret = secret
	}
	if key := os.Getenv("DT_VENDOR_PRIMARY_KEY"); key != "" {
		cfg.Vendor.PrimaryKey = key
	}
	if key := os.Getenv("DT_VENDOR_FALLBACK_KEY"); key != "" {
		cfg.Vendor.FallbackKey = key
	}
	if os.Getenv("DT_DRY_RUN") == "true" || os.Getenv("DT_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills zero values with the documented defaults so a minimal
// YAML file still produces a runnable engine.
func (c *Config) applyDefaults() {
	if c.Vendor.RotateEvery == 0 {
		c.Vendor.RotateEvery = 25
	}
	if c.Vendor.IndexSymbol == "" {
		c.Vendor.IndexSymbol = "SPY"
	}
	if c.Vendor.VIXSymbol == "" {
		c.Vendor.VIXSymbol = "VIX"
	}
	if c.Sentiment.RefreshInterval == 0 {
		c.Sentiment.RefreshInterval = 30 * time.Minute
	}
	if c.Watchlist.Max == 0 {
		c.Watchlist.Max = 50
	}
	if c.Watchlist.ScanInterval == 0 {
		c.Watchlist.ScanInterval = time.Hour
	}
	if c.Strategy.Timeframe == "" {
		c.Strategy.Timeframe = "5m"
	}
	if c.Strategy.EMAShort == 0 {
		c.Strategy.EMAShort = 9
	}
	if c.Strategy.EMALong == 0 {
		c.Strategy.EMALong = 21
	}
	if c.Strategy.EMATrend == 0 {
		c.Strategy.EMATrend = 50
	}
	if c.Strategy.BaseThresholdLong == 0 {
		c.Strategy.BaseThresholdLong = 50
	}
	if c.Strategy.BaseThresholdShort == 0 {
		c.Strategy.BaseThresholdShort = 55
	}
	if c.Strategy.MaxThreshold == 0 {
		c.Strategy.MaxThreshold = 75
	}
	if c.Strategy.MinConfirmations == 0 {
		c.Strategy.MinConfirmations = 3
	}
	if c.Strategy.MinVolumeRatio == 0 {
		c.Strategy.MinVolumeRatio = 1.5
	}
	if c.Strategy.LunchStart == "" {
		c.Strategy.LunchStart = "11:30"
	}
	if c.Strategy.LunchEnd == "" {
		c.Strategy.LunchEnd = "13:30"
	}
	if c.Strategy.StopATRMult == 0 {
		c.Strategy.StopATRMult = 1.5
	}
	if c.Strategy.TargetATRMult == 0 {
		c.Strategy.TargetATRMult = 3.0
	}
	if c.Risk.MaxPositions == 0 {
		c.Risk.MaxPositions = 20
	}
	if c.Risk.RiskPerTradePct == 0 {
		c.Risk.RiskPerTradePct = 0.01
	}
	if c.Risk.CircuitBreakerPct == 0 {
		c.Risk.CircuitBreakerPct = 0.05
	}
	if c.Risk.MaxPositionPct == 0 {
		c.Risk.MaxPositionPct = 0.15
	}
	if c.Risk.MaxTradesPerDay == 0 {
		c.Risk.MaxTradesPerDay = 40
	}
	if c.Risk.MaxTradesPerSymbol == 0 {
		c.Risk.MaxTradesPerSymbol = 3
	}
	if c.Risk.CooldownLosses == 0 {
		c.Risk.CooldownLosses = 2
	}
	if c.Risk.CooldownDuration == 0 {
		c.Risk.CooldownDuration = 2 * time.Hour
	}
	if c.Risk.AIValidationTimeout == 0 {
		c.Risk.AIValidationTimeout = 3500 * time.Millisecond
	}
	if c.Executor.SlippageBufferPct == 0 {
		c.Executor.SlippageBufferPct = 0.002
	}
	if c.Executor.MaxSlippagePct == 0 {
		c.Executor.MaxSlippagePct = 0.005
	}
	if c.Executor.MinRewardRisk == 0 {
		c.Executor.MinRewardRisk = 2.0
	}
	if c.Executor.FillTimeout == 0 {
		c.Executor.FillTimeout = 60 * time.Second
	}
	if c.Executor.PollInitial == 0 {
		c.Executor.PollInitial = 500 * time.Millisecond
	}
	if c.Executor.PollMax == 0 {
		c.Executor.PollMax = 2 * time.Second
	}
	if c.Executor.MaxRetries == 0 {
		c.Executor.MaxRetries = 5
	}
	if c.Protector.PartialPct == 0 {
		c.Protector.PartialPct = 0.25
	}
	if c.Protector.BreakevenR == 0 {
		c.Protector.BreakevenR = 1.0
	}
	if c.Protector.FirstPartialR == 0 {
		c.Protector.FirstPartialR = 2.0
	}
	if c.Protector.SecondPartialR == 0 {
		c.Protector.SecondPartialR = 3.0
	}
	if c.Protector.TrailActivateR == 0 {
		c.Protector.TrailActivateR = 2.0
	}
	if c.Protector.TrailATRMult == 0 {
		c.Protector.TrailATRMult = 1.0
	}
	if c.Protector.StuckStopInterval == 0 {
		c.Protector.StuckStopInterval = 5 * time.Second
	}
	if c.Engine.MarketDataInterval == 0 {
		c.Engine.MarketDataInterval = time.Minute
	}
	if c.Engine.StrategyInterval == 0 {
		c.Engine.StrategyInterval = time.Minute
	}
	if c.Engine.PositionMonitorInterval == 0 {
		c.Engine.PositionMonitorInterval = 10 * time.Second
	}
	if c.Engine.MetricsInterval == 0 {
		c.Engine.MetricsInterval = 5 * time.Minute
	}
	if c.Engine.ProtectionInterval == 0 {
		c.Engine.ProtectionInterval = time.Second
	}
	if c.Engine.EODCutoff == "" {
		c.Engine.EODCutoff = "15:58"
	}
	if c.Engine.Timezone == "" {
		c.Engine.Timezone = "America/New_York"
	}
	if c.Store.DataDir == "" {
		c.Store.DataDir = "data"
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "data/journal.db"
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if !c.DryRun && c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required (set DT_BROKER_KEY)")
	}
	if !c.DryRun && c.Broker.APISecret == "" {
		return fmt.Errorf("broker.api_secret is required (set DT_BROKER_SECRET)")
	}
	if len(c.Watchlist.Symbols) == 0 && c.Watchlist.ScannerURL == "" {
		return fmt.Errorf("watchlist.symbols or watchlist.scanner_url is required")
	}
	if c.Risk.RiskPerTradePct <= 0 || c.Risk.RiskPerTradePct > 0.05 {
		return fmt.Errorf("risk.risk_per_trade_pct must be in (0, 0.05]")
	}
	if c.Risk.CircuitBreakerPct <= 0 || c.Risk.CircuitBreakerPct > 0.5 {
		return fmt.Errorf("risk.circuit_breaker_pct must be in (0, 0.5]")
	}
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1 {
		return fmt.Errorf("risk.max_position_pct must be in (0, 1]")
	}
	if c.Executor.MinRewardRisk < 1 {
		return fmt.Errorf("executor.min_reward_risk must be >= 1")
	}
	if c.Protector.PartialPct <= 0 || c.Protector.PartialPct > 0.5 {
		return fmt.Errorf("protector.partial_pct must be in (0, 0.5]")
	}
	if c.Strategy.EMAShort >= c.Strategy.EMALong {
		return fmt.Errorf("strategy.ema_short must be < strategy.ema_long")
	}
	if _, err := time.LoadLocation(c.Engine.Timezone); err != nil {
		return fmt.Errorf("engine.timezone: %w", err)
	}
	if c.Risk.EnableAIValidation && c.Risk.AIValidationURL == "" {
		return fmt.Errorf("risk.ai_validation_url is required when AI validation is enabled")
	}
	return nil
}
