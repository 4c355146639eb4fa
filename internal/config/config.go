package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rewired-gh/skysentry/internal/models"
	"github.com/rewired-gh/skysentry/internal/ratelimit"
)

// Budget modes for splitting the provider's daily request budget across regions.
const (
	BudgetShared    = "shared"
	BudgetPerRegion = "per_region"
)

// Config represents the complete application configuration
type Config struct {
	OpenSky  OpenSkyConfig  `mapstructure:"opensky"`
	History  HistoryConfig  `mapstructure:"history"`
	Rules    RulesConfig    `mapstructure:"rules"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Storage  StorageConfig  `mapstructure:"storage"`
	API      APIConfig      `mapstructure:"api"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// OpenSkyConfig holds provider access and scheduling configuration
type OpenSkyConfig struct {
	BaseURL              string         `mapstructure:"base_url"`
	Username             string         `mapstructure:"username"`
	Password             string         `mapstructure:"password"`
	Timeout              time.Duration  `mapstructure:"timeout"`
	DailyBudget          int            `mapstructure:"daily_budget"`
	PollInterval         time.Duration  `mapstructure:"poll_interval"`
	BudgetMode           string         `mapstructure:"budget_mode"`
	BackoffInitial       time.Duration  `mapstructure:"backoff_initial"`
	BackoffCapMultiplier int            `mapstructure:"backoff_cap_multiplier"`
	MaxIdleConns         int            `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost  int            `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout      time.Duration  `mapstructure:"idle_conn_timeout"`
	Regions              []RegionConfig `mapstructure:"regions"`
}

// RegionConfig is one monitored area. All-zero bounds mean the whole world.
type RegionConfig struct {
	Name   string  `mapstructure:"name"`
	MinLat float64 `mapstructure:"min_lat"`
	MaxLat float64 `mapstructure:"max_lat"`
	MinLon float64 `mapstructure:"min_lon"`
	MaxLon float64 `mapstructure:"max_lon"`
}

// Region converts the configured area to its domain form.
func (r RegionConfig) Region() models.Region {
	region := models.Region{Name: r.Name}
	if r.MinLat != 0 || r.MaxLat != 0 || r.MinLon != 0 || r.MaxLon != 0 {
		region.Box = &models.BoundingBox{MinLat: r.MinLat, MaxLat: r.MaxLat, MinLon: r.MinLon, MaxLon: r.MaxLon}
	}
	return region
}

// HistoryConfig holds per-aircraft history window configuration
type HistoryConfig struct {
	WindowSize         int           `mapstructure:"window_size"`
	SilenceThreshold   time.Duration `mapstructure:"silence_threshold"`
	CheckpointInterval int           `mapstructure:"checkpoint_interval"`
}

// RulesConfig holds anomaly rule thresholds
type RulesConfig struct {
	HighAltitudeM      float64 `mapstructure:"high_altitude_m"`
	LowSpeedKmh        float64 `mapstructure:"low_speed_kmh"`
	ExcessiveAltitudeM float64 `mapstructure:"excessive_altitude_m"`
	LowAltitudeM       float64 `mapstructure:"low_altitude_m"`
	HighSpeedKmh       float64 `mapstructure:"high_speed_kmh"`
	VerticalRateMs     float64 `mapstructure:"vertical_rate_ms"`
	ExcessiveSpeedKmh  float64 `mapstructure:"excessive_speed_kmh"`
	StationarySpeedKmh float64 `mapstructure:"stationary_speed_kmh"`
}

// AlertsConfig holds alert deduplication and notification configuration
type AlertsConfig struct {
	DedupBucket       time.Duration `mapstructure:"dedup_bucket"` // 0 = poll interval
	NotifyMinSeverity string        `mapstructure:"notify_min_severity"`
}

// StorageConfig holds storage and retention configuration
type StorageConfig struct {
	DBPath            string        `mapstructure:"db_path"`
	SnapshotRetention time.Duration `mapstructure:"snapshot_retention"` // 0 = keep forever
	AlertRetention    time.Duration `mapstructure:"alert_retention"`    // 0 = keep forever
}

// APIConfig holds the read-only HTTP query surface configuration
type APIConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Address         string `mapstructure:"address"`
	StaleMultiplier int    `mapstructure:"stale_multiplier"`
	FlightDepth     int    `mapstructure:"flight_depth"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	MaxFindings    int           `mapstructure:"max_findings"`
}

// RedisConfig holds the optional collaborator cache configuration
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// MetricsConfig holds Prometheus exposition configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SKYSENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// OpenSky defaults: 400 anonymous requests/day, 12 minute cadence
	v.SetDefault("opensky.base_url", "https://opensky-network.org/api")
	v.SetDefault("opensky.timeout", "30s")
	v.SetDefault("opensky.daily_budget", 400)
	v.SetDefault("opensky.poll_interval", "12m")
	v.SetDefault("opensky.budget_mode", BudgetShared)
	v.SetDefault("opensky.backoff_initial", "30s")
	v.SetDefault("opensky.backoff_cap_multiplier", 4)
	v.SetDefault("opensky.max_idle_conns", 10)
	v.SetDefault("opensky.max_idle_conns_per_host", 5)
	v.SetDefault("opensky.idle_conn_timeout", "90s")
	v.SetDefault("opensky.regions", []map[string]any{
		{"name": "USA_East_Coast", "min_lat": 36.0, "max_lat": 42.0, "min_lon": -80.0, "max_lon": -70.0},
		{"name": "Europe_Central", "min_lat": 48.0, "max_lat": 52.0, "min_lon": 2.0, "max_lon": 10.0},
		{"name": "Asia_Pacific", "min_lat": 35.0, "max_lat": 40.0, "min_lon": 135.0, "max_lon": 145.0},
	})

	// History defaults
	v.SetDefault("history.window_size", 5)
	v.SetDefault("history.silence_threshold", "30m")
	v.SetDefault("history.checkpoint_interval", 5)

	// Rule defaults
	v.SetDefault("rules.high_altitude_m", 9000.0)
	v.SetDefault("rules.low_speed_kmh", 200.0)
	v.SetDefault("rules.excessive_altitude_m", 15000.0)
	v.SetDefault("rules.low_altitude_m", 1000.0)
	v.SetDefault("rules.high_speed_kmh", 500.0)
	v.SetDefault("rules.vertical_rate_ms", 15.0)
	v.SetDefault("rules.excessive_speed_kmh", 1000.0)
	v.SetDefault("rules.stationary_speed_kmh", 1.0)

	// Alert defaults
	v.SetDefault("alerts.dedup_bucket", "0s")
	v.SetDefault("alerts.notify_min_severity", "medium")

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/skysentry.db")
	v.SetDefault("storage.snapshot_retention", "48h")
	v.SetDefault("storage.alert_retention", "720h")

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.address", ":8080")
	v.SetDefault("api.stale_multiplier", 2)
	v.SetDefault("api.flight_depth", 10)

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "2s")
	v.SetDefault("telegram.max_findings", 10)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.prefix", "skysentry")
	v.SetDefault("redis.ttl", "1h")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.OpenSky.BaseURL == "" {
		return fmt.Errorf("opensky.base_url is required")
	}
	if c.OpenSky.Timeout <= 0 {
		return fmt.Errorf("opensky.timeout must be positive")
	}
	if c.OpenSky.DailyBudget < 1 {
		return fmt.Errorf("opensky.daily_budget must be at least 1")
	}
	if c.OpenSky.BudgetMode != BudgetShared && c.OpenSky.BudgetMode != BudgetPerRegion {
		return fmt.Errorf("opensky.budget_mode must be one of: %s, %s", BudgetShared, BudgetPerRegion)
	}
	if len(c.OpenSky.Regions) == 0 {
		return fmt.Errorf("opensky.regions must contain at least one region")
	}
	seen := make(map[string]bool)
	for i, r := range c.OpenSky.Regions {
		if r.Name == "" {
			return fmt.Errorf("opensky.regions[%d].name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("opensky.regions: duplicate region %q", r.Name)
		}
		seen[r.Name] = true
		if region := r.Region(); region.Box != nil {
			if err := region.Box.Validate(); err != nil {
				return fmt.Errorf("opensky.regions[%s]: %w", r.Name, err)
			}
		}
	}
	if err := c.validateBudget(); err != nil {
		return err
	}
	if c.OpenSky.BackoffInitial <= 0 {
		return fmt.Errorf("opensky.backoff_initial must be positive")
	}
	if c.OpenSky.BackoffCapMultiplier < 1 {
		return fmt.Errorf("opensky.backoff_cap_multiplier must be at least 1")
	}

	if c.History.WindowSize < 2 || c.History.WindowSize > 50 {
		return fmt.Errorf("history.window_size must be between 2 and 50")
	}
	if c.History.SilenceThreshold < c.OpenSky.PollInterval {
		return fmt.Errorf("history.silence_threshold must be at least opensky.poll_interval")
	}
	if c.History.CheckpointInterval < 1 {
		return fmt.Errorf("history.checkpoint_interval must be at least 1")
	}

	r := c.Rules
	for name, v := range map[string]float64{
		"high_altitude_m":      r.HighAltitudeM,
		"low_speed_kmh":        r.LowSpeedKmh,
		"excessive_altitude_m": r.ExcessiveAltitudeM,
		"low_altitude_m":       r.LowAltitudeM,
		"high_speed_kmh":       r.HighSpeedKmh,
		"vertical_rate_ms":     r.VerticalRateMs,
		"excessive_speed_kmh":  r.ExcessiveSpeedKmh,
		"stationary_speed_kmh": r.StationarySpeedKmh,
	} {
		if v <= 0 {
			return fmt.Errorf("rules.%s must be positive", name)
		}
	}

	if c.Alerts.DedupBucket < 0 {
		return fmt.Errorf("alerts.dedup_bucket must not be negative")
	}
	if _, err := models.ParseSeverity(c.Alerts.NotifyMinSeverity); err != nil {
		return fmt.Errorf("alerts.notify_min_severity: %w", err)
	}

	if c.Storage.SnapshotRetention < 0 || c.Storage.AlertRetention < 0 {
		return fmt.Errorf("storage retention must not be negative")
	}

	if c.API.Enabled && c.API.Address == "" {
		return fmt.Errorf("api.address is required when api is enabled")
	}
	if c.API.StaleMultiplier < 1 {
		return fmt.Errorf("api.stale_multiplier must be at least 1")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	if c.Redis.Enabled && c.Redis.Address == "" {
		return fmt.Errorf("redis.address is required when redis is enabled")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// validateBudget checks that the scheduled cadence fits the daily request budget.
func (c *Config) validateBudget() error {
	floor := c.Floor()
	if c.OpenSky.PollInterval < floor {
		return fmt.Errorf("opensky.poll_interval %v is below the floor interval %v for a budget of %d/day",
			c.OpenSky.PollInterval, floor, c.OpenSky.DailyBudget)
	}
	if used := c.ScheduledDailyCalls(); used > c.OpenSky.DailyBudget {
		return fmt.Errorf("opensky: scheduled polling needs %d requests/day per limiter but the budget is %d; raise poll_interval or use fewer regions",
			used, c.OpenSky.DailyBudget)
	}
	return nil
}

// Floor returns the minimum spacing between fetches through one limiter.
func (c *Config) Floor() time.Duration {
	return ratelimit.FloorFor(c.OpenSky.DailyBudget)
}

// ScheduledDailyCalls returns the daily requests one limiter issues on schedule alone.
// The remainder of the budget is what fetch-now requests may spend.
func (c *Config) ScheduledDailyCalls() int {
	perRegion := ratelimit.DailyCalls(c.OpenSky.PollInterval)
	if c.OpenSky.BudgetMode == BudgetShared {
		return perRegion * len(c.OpenSky.Regions)
	}
	return perRegion
}

// DedupBucket returns the alert deduplication bucket, defaulting to the poll interval.
func (c *Config) DedupBucket() time.Duration {
	if c.Alerts.DedupBucket > 0 {
		return c.Alerts.DedupBucket
	}
	return c.OpenSky.PollInterval
}

// StaleAfter returns the age beyond which a region's latest snapshot is reported stale.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.API.StaleMultiplier) * c.OpenSky.PollInterval
}

// BackoffCap returns the upper bound of the transient-failure backoff.
func (c *Config) BackoffCap() time.Duration {
	return c.Floor() * time.Duration(c.OpenSky.BackoffCapMultiplier)
}

// MinSeverity returns the parsed notification threshold.
func (c *Config) MinSeverity() models.Severity {
	sev, err := models.ParseSeverity(c.Alerts.NotifyMinSeverity)
	if err != nil {
		return models.SeverityMedium
	}
	return sev
}

// Regions returns the configured monitoring areas.
func (c *Config) Regions() []models.Region {
	out := make([]models.Region, len(c.OpenSky.Regions))
	for i, r := range c.OpenSky.Regions {
		out[i] = r.Region()
	}
	return out
}
