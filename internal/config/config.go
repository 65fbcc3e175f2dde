package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Config holds the configuration for the dialog service.
// Environment variables are parsed from the DIALOGD_ prefix,
// e.g. DIALOGD_DB_DRIVER, DIALOGD_HTTP_PORT.
type Config struct {
	// Storage selection: sqlite (default, file-backed) or postgres.
	DBDriver    string `envconfig:"DB_DRIVER" default:"sqlite"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"dialogd.db"`
	PostgresDSN string `envconfig:"POSTGRES_DSN" default:""`

	// Cache (badger). Empty path disables the cache layer.
	CachePath string `envconfig:"CACHE_PATH" default:""`

	// HTTP transport
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Conversation limits
	MaxMessages     int           `envconfig:"MAX_MESSAGES" default:"200"`
	MaxParticipants int           `envconfig:"MAX_PARTICIPANTS" default:"20"`
	ContextTTL      time.Duration `envconfig:"CONTEXT_TTL" default:"24h"`
	RetentionGrace  time.Duration `envconfig:"RETENTION_GRACE" default:"168h"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	UpdateRetries   int           `envconfig:"UPDATE_RETRIES" default:"3"`

	// Quota defaults for newly seen users
	TotalQuota  int `envconfig:"TOTAL_QUOTA" default:"50000"`
	DailyLimit  int `envconfig:"DAILY_LIMIT" default:"5000"`
	MinuteLimit int `envconfig:"MINUTE_LIMIT" default:"200"`

	// Abuse detection thresholds
	FloodThreshold  int           `envconfig:"FLOOD_THRESHOLD" default:"10"`
	FloodWindow     time.Duration `envconfig:"FLOOD_WINDOW" default:"60s"`
	TokenBurstLimit int           `envconfig:"TOKEN_BURST_LIMIT" default:"1000"`
	TokenRateLimit  int           `envconfig:"TOKEN_RATE_LIMIT" default:"5000"`
	SpamThreshold   int           `envconfig:"SPAM_THRESHOLD" default:"5"`
	SpamWindow      time.Duration `envconfig:"SPAM_WINDOW" default:"10s"`
	RepeatThreshold int           `envconfig:"REPEAT_THRESHOLD" default:"3"`
	RepeatWindow    time.Duration `envconfig:"REPEAT_WINDOW" default:"30s"`
	AutoBanDuration time.Duration `envconfig:"AUTO_BAN_DURATION" default:"1h"`

	// Reply shaping
	MaxReplyLength int `envconfig:"MAX_REPLY_LENGTH" default:"2000"`

	// Intent rules file (YAML). Empty uses the built-in rule table.
	IntentRulesPath string `envconfig:"INTENT_RULES_PATH" default:""`

	// External capabilities
	LLMBaseURL     string        `envconfig:"LLM_BASE_URL" default:""`
	LLMAPIKey      string        `envconfig:"LLM_API_KEY" default:""`
	LLMModel       string        `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`
	LLMTimeout     time.Duration `envconfig:"LLM_TIMEOUT" default:"30s"`
	WeatherBaseURL string        `envconfig:"WEATHER_BASE_URL" default:""`
	WeatherAPIKey  string        `envconfig:"WEATHER_API_KEY" default:""`
	WeatherTimeout time.Duration `envconfig:"WEATHER_TIMEOUT" default:"10s"`
}

// ResolveDefaults validates the driver selection.
func (c *Config) ResolveDefaults() error {
	switch c.DBDriver {
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("DIALOGD_SQLITE_PATH must be set for the sqlite driver")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("DIALOGD_POSTGRES_DSN must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER: %s", c.DBDriver)
	}
	if c.UpdateRetries < 1 {
		c.UpdateRetries = 1
	}
	return nil
}

// New creates a new Config by parsing environment variables.
func New() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("DIALOGD", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Str("db_driver", cfg.DBDriver).
		Int("http_port", cfg.HTTPPort).
		Bool("cache_enabled", cfg.CachePath != "").
		Int("max_messages", cfg.MaxMessages).
		Int("max_participants", cfg.MaxParticipants).
		Dur("context_ttl", cfg.ContextTTL).
		Msg("Configuration loaded")

	return &cfg, nil
}

// NewForTesting returns a config with the compiled-in defaults, sqlite in a
// temp-style path and no cache, suitable for unit tests.
func NewForTesting() *Config {
	return &Config{
		DBDriver:        "sqlite",
		SQLitePath:      ":memory:",
		HTTPPort:        8080,
		LogLevel:        "error",
		MaxMessages:     200,
		MaxParticipants: 20,
		ContextTTL:      24 * time.Hour,
		RetentionGrace:  7 * 24 * time.Hour,
		CleanupInterval: 10 * time.Minute,
		UpdateRetries:   3,
		TotalQuota:      50000,
		DailyLimit:      5000,
		MinuteLimit:     200,
		FloodThreshold:  10,
		FloodWindow:     time.Minute,
		TokenBurstLimit: 1000,
		TokenRateLimit:  5000,
		SpamThreshold:   5,
		SpamWindow:      10 * time.Second,
		RepeatThreshold: 3,
		RepeatWindow:    30 * time.Second,
		AutoBanDuration: time.Hour,
		MaxReplyLength:  2000,
	}
}
