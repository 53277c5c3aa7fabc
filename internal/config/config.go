package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// ChainConfig describes one monitored chain.
//
// Parsed from the CW_CHAINS environment variable. Each entry is a
// pipe-separated tuple:
//
//	chainID|rpcURL|streamURL|blockTime[|factoryAddress]
//
// Example:
//
//	CW_CHAINS="8453|https://base.rpc|wss://base.ws|2s|0xAbc...,1|https://eth.rpc|wss://eth.ws|12s"
//
// streamURL may be empty, in which case the chain runs on polling only.
type ChainConfig struct {
	ChainID        uint64
	RPCURL         string
	StreamURL      string
	BlockTime      time.Duration
	FactoryAddress string // labeling only, never called
}

// UnmarshalText implements encoding.TextUnmarshaler so env.Parse can
// decode a []ChainConfig from a comma-separated CW_CHAINS value.
func (c *ChainConfig) UnmarshalText(text []byte) error {
	parts := strings.Split(string(text), "|")
	if len(parts) < 4 {
		return fmt.Errorf("chain entry %q: want chainID|rpcURL|streamURL|blockTime[|factory]", string(text))
	}

	id, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return fmt.Errorf("chain entry %q: bad chain id: %w", string(text), err)
	}

	blockTime, err := time.ParseDuration(strings.TrimSpace(parts[3]))
	if err != nil {
		return fmt.Errorf("chain entry %q: bad block time: %w", string(text), err)
	}

	c.ChainID = id
	c.RPCURL = strings.TrimSpace(parts[1])
	c.StreamURL = strings.TrimSpace(parts[2])
	c.BlockTime = blockTime
	if len(parts) >= 5 {
		c.FactoryAddress = strings.TrimSpace(parts[4])
	}
	return nil
}

// Config holds all process configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
//	required: Must be provided (no default)
type Config struct {
	// Server basics
	Addr         string `env:"CW_ADDR" envDefault:":3001"`
	DatabasePath string `env:"CW_DB_PATH" envDefault:"chainwatch.db"`
	NATSURL      string `env:"NATS_URL"` // optional second emitter sink

	// Secrets
	JWTSecret    string `env:"CW_JWT_SECRET,required"`
	WalletSecret string `env:"CW_WALLET_SECRET,required"` // keyed KDF input, never logged

	// Monitored chains
	Chains []ChainConfig `env:"CW_CHAINS,required" envSeparator:","`

	// RPC admission (process-wide)
	MaxConcurrentRPC int           `env:"CW_MAX_CONCURRENT_RPC" envDefault:"8"`
	HeadBlockSpacing time.Duration `env:"CW_HEADBLOCK_SPACING" envDefault:"300ms"`
	RPCTimeout       time.Duration `env:"CW_RPC_TIMEOUT" envDefault:"5s"`

	// Head tracking and dispatch
	BlockCacheMaxAge time.Duration `env:"CW_BLOCK_CACHE_MAX_AGE" envDefault:"2m"` // floor; per chain max(this, 2×blockTime)
	PollInterval     time.Duration `env:"CW_POLL_INTERVAL" envDefault:"30s"`
	CheckInterval    time.Duration `env:"CW_CHECK_INTERVAL" envDefault:"10s"`
	Debounce         time.Duration `env:"CW_DEBOUNCE" envDefault:"2s"`

	// Per-pass batching
	ConcurrentBlocks int           `env:"CW_CONCURRENT_BLOCKS" envDefault:"2"`
	BatchPause       time.Duration `env:"CW_BATCH_PAUSE" envDefault:"100ms"`

	// Catch-up windows (block counts)
	InitialWindow   uint64 `env:"CW_INITIAL_WINDOW" envDefault:"200"`
	NewWalletWindow uint64 `env:"CW_NEW_WALLET_WINDOW" envDefault:"100"`

	// Per-RPC retry
	MaxRetries int           `env:"CW_MAX_RETRIES" envDefault:"3"`
	RetryBase  time.Duration `env:"CW_RETRY_BASE" envDefault:"1s"`
	RetryMax   time.Duration `env:"CW_RETRY_MAX" envDefault:"30s"`

	// Circuit breaker
	BreakerThreshold   int           `env:"CW_BREAKER_THRESHOLD" envDefault:"10"`
	BreakerCooldown    time.Duration `env:"CW_BREAKER_COOLDOWN" envDefault:"2m"`
	ErrorsPerMinuteCap int           `env:"CW_ERRORS_PER_MINUTE_CAP" envDefault:"15"`

	// Persistence
	DBBatchSize int `env:"CW_DB_BATCH_SIZE" envDefault:"500"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, load notes
// are skipped.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production supplies real env vars.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("CW_ADDR is required")
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("CW_CHAINS must list at least one chain")
	}

	seen := make(map[uint64]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.RPCURL == "" {
			return fmt.Errorf("chain %d: rpc url is required", ch.ChainID)
		}
		if ch.BlockTime <= 0 {
			return fmt.Errorf("chain %d: block time must be > 0", ch.ChainID)
		}
		if seen[ch.ChainID] {
			return fmt.Errorf("chain %d listed twice", ch.ChainID)
		}
		seen[ch.ChainID] = true
	}

	if c.MaxConcurrentRPC < 1 {
		return fmt.Errorf("CW_MAX_CONCURRENT_RPC must be > 0, got %d", c.MaxConcurrentRPC)
	}
	if c.HeadBlockSpacing < 0 {
		return fmt.Errorf("CW_HEADBLOCK_SPACING must be >= 0")
	}
	if c.ConcurrentBlocks < 1 {
		return fmt.Errorf("CW_CONCURRENT_BLOCKS must be > 0, got %d", c.ConcurrentBlocks)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("CW_MAX_RETRIES must be >= 0, got %d", c.MaxRetries)
	}
	if c.RetryBase <= 0 || c.RetryMax < c.RetryBase {
		return fmt.Errorf("retry window invalid: base=%s max=%s", c.RetryBase, c.RetryMax)
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("CW_BREAKER_THRESHOLD must be > 0, got %d", c.BreakerThreshold)
	}
	if c.DBBatchSize < 1 {
		return fmt.Errorf("CW_DB_BATCH_SIZE must be > 0, got %d", c.DBBatchSize)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// HeadCacheAge returns the freshness window for a chain's cached head:
// twice the expected block time, floored at BlockCacheMaxAge so slow
// chains don't hammer the head-block RPC.
func (c *Config) HeadCacheAge(chain ChainConfig) time.Duration {
	age := 2 * chain.BlockTime
	if age < c.BlockCacheMaxAge {
		age = c.BlockCacheMaxAge
	}
	return age
}

// LogConfig logs configuration using structured logging. Secrets are
// deliberately omitted.
func (c *Config) LogConfig(logger zerolog.Logger) {
	chains := make([]string, 0, len(c.Chains))
	for _, ch := range c.Chains {
		chains = append(chains, fmt.Sprintf("%d(%s)", ch.ChainID, ch.BlockTime))
	}

	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("db_path", c.DatabasePath).
		Bool("nats_enabled", c.NATSURL != "").
		Strs("chains", chains).
		Int("max_concurrent_rpc", c.MaxConcurrentRPC).
		Dur("headblock_spacing", c.HeadBlockSpacing).
		Dur("rpc_timeout", c.RPCTimeout).
		Dur("poll_interval", c.PollInterval).
		Dur("check_interval", c.CheckInterval).
		Dur("debounce", c.Debounce).
		Int("concurrent_blocks", c.ConcurrentBlocks).
		Dur("batch_pause", c.BatchPause).
		Uint64("initial_window", c.InitialWindow).
		Uint64("new_wallet_window", c.NewWalletWindow).
		Int("max_retries", c.MaxRetries).
		Int("breaker_threshold", c.BreakerThreshold).
		Dur("breaker_cooldown", c.BreakerCooldown).
		Int("errors_per_minute_cap", c.ErrorsPerMinuteCap).
		Int("db_batch_size", c.DBBatchSize).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
