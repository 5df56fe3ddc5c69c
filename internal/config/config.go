// Package config defines all runtime configuration for the exchange
// core. Config is loaded from a YAML file with EXCHANGE_* environment
// variable overrides, grounded on the viper/mapstructure pattern used
// throughout the retrieved market-making bot's internal/config package.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML
// file structure.
type Config struct {
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Candle    CandleConfig    `mapstructure:"candle"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Store     StoreConfig     `mapstructure:"store"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	HTTP      HTTPConfig      `mapstructure:"http"`
}

// BroadcastConfig tunes the priceUpdate/marketUpdate debounce coalescer.
//
//   - DebounceMS: trailing debounce window; each new event within this
//     window of the last one for a symbol resets the timer.
//   - MaxWaitMS: hard deadline from the first coalesced event; a batch
//     always flushes by this point even under sustained event pressure.
type BroadcastConfig struct {
	DebounceMS int `mapstructure:"debounce_ms"`
	MaxWaitMS  int `mapstructure:"max_wait_ms"`
}

func (b BroadcastConfig) Debounce() time.Duration { return time.Duration(b.DebounceMS) * time.Millisecond }
func (b BroadcastConfig) MaxWait() time.Duration  { return time.Duration(b.MaxWaitMS) * time.Millisecond }

// RetryConfig tunes the work queue's bounded-retry backoff.
type RetryConfig struct {
	MaxAttempts   int     `mapstructure:"max_attempts"`
	BackoffBaseMS int     `mapstructure:"backoff_base_ms"`
	BackoffFactor float64 `mapstructure:"backoff_factor"`
}

func (r RetryConfig) BackoffBase() time.Duration {
	return time.Duration(r.BackoffBaseMS) * time.Millisecond
}

// CandleConfig tunes candle aggregation and maintenance.
//
//   - GapFillInterval: how often the maintenance task scans for and
//     fills minutes with no trades.
//   - DedupeTTL: how long a consumed trade-batch id is remembered, to
//     make batch consumption idempotent under at-least-once delivery.
type CandleConfig struct {
	GapFillIntervalSec int `mapstructure:"gap_fill_interval_sec"`
	DedupeTTLSec       int `mapstructure:"dedupe_ttl_sec"`
	DedupeCacheSize     int `mapstructure:"dedupe_cache_size"`
}

func (c CandleConfig) GapFillInterval() time.Duration {
	return time.Duration(c.GapFillIntervalSec) * time.Second
}
func (c CandleConfig) DedupeTTL() time.Duration { return time.Duration(c.DedupeTTLSec) * time.Second }

// RiskConfig sets the per-user, per-symbol daily volume cap carried
// over from the teacher's ordermanager risk check.
type RiskConfig struct {
	MaxDailyVolume int64 `mapstructure:"max_daily_volume"`
}

// StoreConfig sets where the pebble database lives. Empty = in-memory.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// QueueConfig configures the RabbitMQ connection and per-queue
// consumer prefetch counts.
type QueueConfig struct {
	URL               string `mapstructure:"url"`
	OrderPrefetch     int    `mapstructure:"order_prefetch"`
	TradePrefetch     int    `mapstructure:"trade_prefetch"`
	MarketDataPrefetch int   `mapstructure:"market_data_prefetch"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("EXCHANGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broadcast.debounce_ms", 50)
	v.SetDefault("broadcast.max_wait_ms", 500)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.backoff_base_ms", 100)
	v.SetDefault("retry.backoff_factor", 2.0)
	v.SetDefault("candle.gap_fill_interval_sec", 30)
	v.SetDefault("candle.dedupe_ttl_sec", 600)
	v.SetDefault("candle.dedupe_cache_size", 10000)
	v.SetDefault("risk.max_daily_volume", 1_000_000)
	v.SetDefault("queue.order_prefetch", 4)
	v.SetDefault("queue.trade_prefetch", 4)
	v.SetDefault("queue.market_data_prefetch", 4)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("http.addr", ":8080")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Broadcast.DebounceMS <= 0 || c.Broadcast.MaxWaitMS <= 0 {
		return fmt.Errorf("broadcast.debounce_ms and broadcast.max_wait_ms must be > 0")
	}
	if c.Broadcast.MaxWaitMS < c.Broadcast.DebounceMS {
		return fmt.Errorf("broadcast.max_wait_ms must be >= broadcast.debounce_ms")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Risk.MaxDailyVolume <= 0 {
		return fmt.Errorf("risk.max_daily_volume must be > 0")
	}
	return nil
}
