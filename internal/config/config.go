// Package config provides configuration management for the scanner.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"fno-scanner/internal/broker"
	apperrors "fno-scanner/internal/errors"
	"fno-scanner/internal/fetcher"
	"fno-scanner/internal/logging"
	"fno-scanner/internal/models"
	"fno-scanner/internal/notify"
	"fno-scanner/internal/pipeline"
	"fno-scanner/internal/ratelimit"
	"fno-scanner/internal/resilience"
	"fno-scanner/internal/scheduler"
	"fno-scanner/internal/security"
	"fno-scanner/internal/store"
	"fno-scanner/internal/stream"
	"fno-scanner/internal/structure"
	"fno-scanner/internal/verdict"
)

// Feed sources.
const (
	FeedKite = "kite"
	FeedSim  = "sim"
)

// Config holds all application configuration.
type Config struct {
	Feed        FeedConfig                        `mapstructure:"feed"`
	RateLimit   ratelimit.Limits                  `mapstructure:"ratelimit"`
	Schedule    map[scheduler.Phase]TierIntervals `mapstructure:"schedule"`
	Cache       CacheConfig                       `mapstructure:"cache"`
	Fetch       fetcher.Config                    `mapstructure:"fetch"`
	Breaker     resilience.CircuitBreakerConfig   `mapstructure:"breaker"`
	Structure   structure.Config                  `mapstructure:"structure"`
	Verdict     verdict.Config                    `mapstructure:"verdict"`
	Pipeline    pipeline.Config                   `mapstructure:"pipeline"`
	Storage     StorageConfig                     `mapstructure:"storage"`
	Stream      StreamConfig                      `mapstructure:"stream"`
	Notify      notify.Config                     `mapstructure:"notify"`
	Log         logging.LogConfig                 `mapstructure:"log"`
	Watchlist   []models.WatchItem                `mapstructure:"watchlist"`
	Credentials Credentials                       `mapstructure:"-"` // Loaded separately

	// Dir is the directory the files were read from.
	Dir string `mapstructure:"-"`
	// Created lists template files written because they were missing.
	Created []string `mapstructure:"-"`
}

// FeedConfig selects and tunes the upstream feed.
type FeedConfig struct {
	Source     string           `mapstructure:"source"` // "kite", "sim"
	Timeout    time.Duration    `mapstructure:"timeout"`
	TickBuffer int              `mapstructure:"tick_buffer"`
	Sim        broker.SimConfig `mapstructure:"sim"`
}

// TierIntervals overrides the base refresh interval of each tier in one phase.
type TierIntervals struct {
	Priority time.Duration `mapstructure:"priority"`
	Standard time.Duration `mapstructure:"standard"`
}

// CacheConfig tunes the shared in-memory store.
type CacheConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// StorageConfig holds the journal and watchlist stores.
type StorageConfig struct {
	SQLitePath      string         `mapstructure:"sqlite_path"`
	WatchlistFromDB bool           `mapstructure:"watchlist_from_db"`
	Postgres        store.PGConfig `mapstructure:"postgres"`
}

// StreamConfig holds the verdict bus and its websocket server.
type StreamConfig struct {
	Enabled     bool             `mapstructure:"enabled"`
	Server      stream.WSConfig  `mapstructure:"server"`
	Hub         stream.HubConfig `mapstructure:"hub"`
	PriceMaxAge time.Duration    `mapstructure:"price_max_age"`
}

// Credentials holds API credentials.
type Credentials struct {
	Kite KiteCredentials `mapstructure:"kite"`
}

// KiteCredentials holds Kite Connect API credentials.
type KiteCredentials struct {
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	AccessToken string `mapstructure:"access_token"` // Refreshed daily; SIGHUP re-reads it
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Feed: FeedConfig{
			Source:     FeedSim,
			Timeout:    10 * time.Second,
			TickBuffer: 1024,
			Sim:        broker.DefaultSimConfig(),
		},
		RateLimit: ratelimit.DefaultLimits(),
		Schedule:  map[scheduler.Phase]TierIntervals{},
		Cache:     CacheConfig{SweepInterval: time.Minute},
		Fetch:     fetcher.DefaultConfig(),
		Breaker:   fetcher.DefaultBreakerConfig(),
		Structure: structure.DefaultConfig(),
		Verdict:   verdict.DefaultConfig(),
		Pipeline:  pipeline.DefaultConfig(),
		Storage: StorageConfig{
			SQLitePath: filepath.Join(DefaultConfigDir(), "scanner.db"),
			Postgres:   store.PGConfig{MaxConns: 4, ConnMaxLifetime: time.Hour},
		},
		Stream: StreamConfig{
			Enabled:     true,
			Server:      stream.DefaultWSConfig(),
			Hub:         stream.DefaultHubConfig(),
			PriceMaxAge: 10 * time.Second,
		},
		Notify: notify.DefaultConfig(),
		Log:    logging.DefaultLogConfig(),
	}
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/fno-scanner"
	}
	return filepath.Join(home, ".config", "fno-scanner")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
// Missing files are replaced by commented templates and defaults apply.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// .env is optional
	_ = godotenv.Load()
	_ = godotenv.Load(filepath.Join(configDir, ".env"))

	cfg := Default()
	cfg.Dir = configDir

	// Load main config
	created, err := loadConfigFile(configDir, "config", configTemplate, 0644, cfg)
	if err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}
	if created != "" {
		cfg.Created = append(cfg.Created, created)
	}

	// Load credentials
	created, err = loadConfigFile(configDir, "credentials", credentialsTemplate, 0600, &cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}
	if created != "" {
		cfg.Created = append(cfg.Created, created)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)
	cfg.normalize()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadCredentials re-reads credentials.toml and the environment, for session renewal.
func LoadCredentials(configDir string) (Credentials, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	_ = godotenv.Overload(filepath.Join(configDir, ".env"))

	var creds Credentials
	if _, err := loadConfigFile(configDir, "credentials", credentialsTemplate, 0600, &creds); err != nil {
		return creds, err
	}
	cfg := &Config{Credentials: creds}
	applyEnvOverrides(cfg)
	return cfg.Credentials, nil
}

// loadConfigFile unmarshals name.toml over target, writing the template when missing.
// It returns the template path when one was written.
func loadConfigFile(configDir, name, template string, perm os.FileMode, target interface{}) (string, error) {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, create template
			return createTemplate(configDir, name, template, perm)
		}
		return "", err
	}

	return "", v.Unmarshal(target)
}

func applyEnvOverrides(cfg *Config) {
	// Kite credentials
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.Credentials.Kite.APIKey = v
	}
	if v := os.Getenv("KITE_API_SECRET"); v != "" {
		cfg.Credentials.Kite.APISecret = v
	}
	if v := os.Getenv("KITE_ACCESS_TOKEN"); v != "" {
		cfg.Credentials.Kite.AccessToken = v
	}

	// Archive
	if v := os.Getenv("FNO_PG_DSN"); v != "" {
		cfg.Storage.Postgres.DSN = v
	}

	// Feed source
	if v := os.Getenv("FNO_FEED"); v != "" {
		cfg.Feed.Source = v
	}
}

func (c *Config) normalize() {
	c.Feed.Source = strings.ToLower(strings.TrimSpace(c.Feed.Source))
	for i := range c.Watchlist {
		w := &c.Watchlist[i]
		w.Symbol = strings.ToUpper(strings.TrimSpace(w.Symbol))
		w.Tier = models.ScanTier(strings.ToUpper(string(w.Tier)))
		if w.Tier == "" {
			w.Tier = models.TierStandard
		}
		if w.AlertThreshold == 0 {
			w.AlertThreshold = c.Notify.DefaultThreshold
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Feed
	if c.Feed.Source != FeedKite && c.Feed.Source != FeedSim {
		return apperrors.NewValidationError("feed.source", c.Feed.Source, "must be 'kite' or 'sim'")
	}
	if c.Feed.Source == FeedKite && c.Credentials.Kite.APIKey == "" {
		return apperrors.NewValidationError("kite.api_key", "", "required for the kite feed")
	}

	// Rate limits
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("%w: ratelimit: %v", apperrors.ErrConfigInvalid, err)
	}

	// Schedule
	for phase, t := range c.Schedule {
		if !knownPhase(phase) {
			return apperrors.NewValidationError("schedule", phase, "unknown phase")
		}
		if t.Priority < 0 || t.Standard < 0 {
			return apperrors.NewValidationError("schedule."+string(phase), t, "intervals must be non-negative")
		}
	}

	// Fetch
	if c.Fetch.MaxAttempts < 1 {
		return apperrors.NewValidationError("fetch.max_attempts", c.Fetch.MaxAttempts, "must be at least 1")
	}
	if c.Fetch.CompressionFloor < 0 || c.Fetch.CompressionFloor >= 1 {
		return apperrors.NewValidationError("fetch.compression_floor", c.Fetch.CompressionFloor, "must be in [0, 1)")
	}
	if c.Fetch.ChainTTL <= 0 {
		return apperrors.NewValidationError("fetch.chain_ttl", c.Fetch.ChainTTL, "must be positive")
	}

	if c.Breaker.FailureThreshold < 1 || c.Breaker.Timeout <= 0 {
		return apperrors.NewValidationError("breaker", c.Breaker.FailureThreshold, "failure_threshold and timeout must be positive")
	}

	// Structure
	if c.Structure.PairRatio <= 0 || c.Structure.PairRatio > 1 {
		return apperrors.NewValidationError("structure.pair_ratio", c.Structure.PairRatio, "must be in (0, 1]")
	}
	if c.Structure.SignificantChangePct < 0 || c.Structure.SignificantChangePct > 100 {
		return apperrors.NewValidationError("structure.significant_change_pct", c.Structure.SignificantChangePct, "must be between 0 and 100")
	}
	if c.Structure.RatioSpreadSkew < 1 {
		return apperrors.NewValidationError("structure.ratio_spread_skew", c.Structure.RatioSpreadSkew, "must be at least 1")
	}

	// Verdict
	if c.Verdict.TrapThreshold < 0 || c.Verdict.TrapThreshold > 100 {
		return apperrors.NewValidationError("verdict.trap_threshold", c.Verdict.TrapThreshold, "must be between 0 and 100")
	}
	if c.Verdict.StraddleWeight+c.Verdict.HedgingWeight <= c.Verdict.TrapThreshold {
		return apperrors.NewValidationError("verdict.hedging_weight", c.Verdict.HedgingWeight, "straddle_weight + hedging_weight must exceed trap_threshold")
	}
	if c.Verdict.WatchNet > c.Verdict.StrongNet {
		return apperrors.NewValidationError("verdict.watch_net", c.Verdict.WatchNet, "must not exceed strong_net")
	}

	// Pipeline
	if c.Pipeline.Workers < 1 {
		return apperrors.NewValidationError("pipeline.workers", c.Pipeline.Workers, "must be at least 1")
	}
	if c.Pipeline.TickInterval <= 0 {
		return apperrors.NewValidationError("pipeline.tick_interval", c.Pipeline.TickInterval, "must be positive")
	}

	// Notify
	if c.Notify.DefaultThreshold < 0 || c.Notify.DefaultThreshold > 100 {
		return apperrors.NewValidationError("notify.default_threshold", c.Notify.DefaultThreshold, "must be between 0 and 100")
	}

	// Watchlist
	seen := make(map[string]bool, len(c.Watchlist))
	for _, w := range c.Watchlist {
		if w.Symbol == "" {
			return apperrors.NewValidationError("watchlist.symbol", "", "must not be empty")
		}
		if seen[w.Symbol] {
			return apperrors.NewValidationError("watchlist.symbol", w.Symbol, "duplicate entry")
		}
		seen[w.Symbol] = true
		if !w.Tier.Valid() {
			return apperrors.NewValidationError("watchlist.tier", w.Tier, "must be PRIORITY or STANDARD")
		}
		if w.AlertThreshold < 0 || w.AlertThreshold > 100 {
			return apperrors.NewValidationError("watchlist.alert_threshold", w.AlertThreshold, "must be between 0 and 100")
		}
	}

	return nil
}

func knownPhase(p scheduler.Phase) bool {
	for _, known := range scheduler.Phases {
		if p == known {
			return true
		}
	}
	return false
}

// ScheduleTable returns the default cadence table with configured overrides applied.
func (c *Config) ScheduleTable() scheduler.Table {
	table := scheduler.DefaultTable()
	for phase, t := range c.Schedule {
		if _, ok := table[phase]; !ok {
			table[phase] = map[models.ScanTier]time.Duration{}
		}
		if t.Priority > 0 {
			table[phase][models.TierPriority] = t.Priority
		}
		if t.Standard > 0 {
			table[phase][models.TierStandard] = t.Standard
		}
	}
	return table
}

// UseSim reports whether the simulated feed is selected.
func (c *Config) UseSim() bool {
	return c.Feed.Source == FeedSim
}

// Masked returns a copy safe to print: credentials and the DSN password are hidden.
func (c *Config) Masked() *Config {
	out := *c
	out.Credentials.Kite = KiteCredentials{
		APIKey:      security.MaskCredential(c.Credentials.Kite.APIKey),
		APISecret:   security.MaskCredential(c.Credentials.Kite.APISecret),
		AccessToken: security.MaskCredential(c.Credentials.Kite.AccessToken),
	}
	out.Storage.Postgres.DSN = security.MaskDSN(c.Storage.Postgres.DSN)
	return &out
}
