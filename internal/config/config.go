// Package config provides centralized configuration management with
// environment variable support for secure credential handling.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Ledger backends
const (
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
	LedgerNone     = "none"
)

// Config holds all application configuration
type Config struct {
	Bot       BotConfig
	Jetstream JetstreamConfig
	Bluesky   BlueskyConfig
	Database  DatabaseConfig
	Ledger    LedgerConfig
	Server    ServerConfig
}

// BotConfig holds worker pool and pipeline settings
type BotConfig struct {
	Name                  string
	Workers               int
	QueueCapacity         int // 0 means 4 per worker
	RestartBackoffSeconds int
	Comments              bool
	Submissions           bool
	FailFast              bool
	MaxReplyDepth         int
	MaxRetries            int
}

// JetstreamConfig holds firehose connection settings
type JetstreamConfig struct {
	URL      string
	Compress bool
	Channels []string // DIDs to follow; empty means the whole network
}

// BlueskyConfig holds Bluesky API credentials
type BlueskyConfig struct {
	Handle           string
	Password         string
	PDSURL           string
	ActionsPerSecond float64
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// LedgerConfig selects where handled items are remembered
type LedgerConfig struct {
	Backend            string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	TTLHours           int
	CleanupIntervalMin int
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host string
	Port int
}

// Load reads configuration from .env, the config file and environment
// variables. Environment variables take precedence over config file values.
// Sensitive values (passwords) should ONLY be set via environment variables in production.
func Load() (*Config, error) {
	// .env is a convenience for local runs; a missing file is fine
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	return load(v)
}

// LoadFile reads configuration from an explicit YAML file plus environment.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	// Enable environment variable support
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVars(v)
	setDefaults(v)

	// Read config file (optional in production - can use env vars only)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{
		Bot: BotConfig{
			Name:                  v.GetString("bot.name"),
			Workers:               v.GetInt("bot.workers"),
			QueueCapacity:         v.GetInt("bot.queue_capacity"),
			RestartBackoffSeconds: v.GetInt("bot.restart_backoff_seconds"),
			Comments:              v.GetBool("bot.comments"),
			Submissions:           v.GetBool("bot.submissions"),
			FailFast:              v.GetBool("bot.fail_fast"),
			MaxReplyDepth:         v.GetInt("bot.max_reply_depth"),
			MaxRetries:            v.GetInt("bot.max_retries"),
		},
		Jetstream: JetstreamConfig{
			URL:      v.GetString("jetstream.url"),
			Compress: v.GetBool("jetstream.compress"),
			Channels: splitList(v.GetStringSlice("jetstream.channels")),
		},
		Bluesky: BlueskyConfig{
			Handle:           getStringWithEnvFallback(v, "bluesky.handle", "BLUESKY_HANDLE", ""),
			Password:         getStringWithEnvFallback(v, "bluesky.password", "BLUESKY_PASSWORD", ""),
			PDSURL:           getStringWithEnvFallback(v, "bluesky.pds_url", "BLUESKY_PDS_URL", ""),
			ActionsPerSecond: v.GetFloat64("bluesky.actions_per_second"),
		},
		Database: DatabaseConfig{
			Host:     getStringWithEnvFallback(v, "database.host", "DB_HOST", "localhost"),
			Port:     getIntWithEnvFallback(v, "database.port", "DB_PORT", 5432),
			User:     getStringWithEnvFallback(v, "database.user", "DB_USER", "postgres"),
			Password: getStringWithEnvFallback(v, "database.password", "DB_PASSWORD", ""),
			DBName:   getStringWithEnvFallback(v, "database.dbname", "DB_NAME", "skybot"),
			SSLMode:  getStringWithEnvFallback(v, "database.sslmode", "DB_SSLMODE", "disable"),
		},
		Ledger: LedgerConfig{
			Backend:            strings.ToLower(v.GetString("ledger.backend")),
			RedisAddr:          getStringWithEnvFallback(v, "ledger.redis_addr", "REDIS_ADDR", "localhost:6379"),
			RedisPassword:      getStringWithEnvFallback(v, "ledger.redis_password", "REDIS_PASSWORD", ""),
			RedisDB:            v.GetInt("ledger.redis_db"),
			TTLHours:           v.GetInt("ledger.ttl_hours"),
			CleanupIntervalMin: v.GetInt("ledger.cleanup_interval_minutes"),
		},
		Server: ServerConfig{
			Host: getStringWithEnvFallback(v, "server.host", "SERVER_HOST", "0.0.0.0"),
			Port: getIntWithEnvFallback(v, "server.port", "SERVER_PORT", 8080),
		},
	}

	return cfg, nil
}

// Validate reports settings the bot cannot run with.
func (c *Config) Validate() error {
	if c.Bot.Name == "" {
		return errors.New("bot.name is required")
	}
	if c.Bot.Workers < 1 {
		return fmt.Errorf("bot.workers must be at least 1, got %d", c.Bot.Workers)
	}
	if !c.Bot.Comments && !c.Bot.Submissions {
		return errors.New("enable at least one of bot.comments or bot.submissions")
	}
	if c.Bluesky.Handle == "" || c.Bluesky.Password == "" {
		return errors.New("BLUESKY_HANDLE and BLUESKY_PASSWORD must be set")
	}
	switch c.Ledger.Backend {
	case LedgerPostgres, LedgerRedis, LedgerNone:
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	return nil
}

// RestartBackoff returns the stream restart delay.
func (c *BotConfig) RestartBackoff() time.Duration {
	return time.Duration(c.RestartBackoffSeconds) * time.Second
}

// TTL returns how long handled items are remembered.
func (c *LedgerConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// Addr returns the HTTP listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConnString returns a PostgreSQL connection string.
// This method intentionally does NOT log the password.
func (c *DatabaseConfig) DatabaseConnString() string {
	if c.Password == "" {
		return c.DatabaseConnStringSafe()
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// DatabaseConnStringSafe returns a connection string with password redacted for logging
func (c *DatabaseConfig) DatabaseConnStringSafe() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.DBName, c.SSLMode,
	)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bot.name", "skybot")
	v.SetDefault("bot.workers", 4)
	v.SetDefault("bot.queue_capacity", 0)
	v.SetDefault("bot.restart_backoff_seconds", 600)
	v.SetDefault("bot.comments", true)
	v.SetDefault("bot.submissions", true)
	v.SetDefault("bot.fail_fast", false)
	v.SetDefault("bot.max_reply_depth", 3)
	v.SetDefault("bot.max_retries", 3)

	v.SetDefault("jetstream.url", "wss://jetstream2.us-west.bsky.network/subscribe")
	v.SetDefault("jetstream.compress", true)

	v.SetDefault("bluesky.actions_per_second", 0.5)

	v.SetDefault("ledger.backend", LedgerPostgres)
	v.SetDefault("ledger.ttl_hours", 72)
	v.SetDefault("ledger.cleanup_interval_minutes", 60)
}

// bindEnvVars explicitly binds environment variables to viper keys
func bindEnvVars(v *viper.Viper) {
	// Bot
	v.BindEnv("bot.name", "BOT_NAME")
	v.BindEnv("bot.workers", "BOT_WORKERS")
	v.BindEnv("bot.queue_capacity", "BOT_QUEUE_CAPACITY")
	v.BindEnv("bot.restart_backoff_seconds", "BOT_RESTART_BACKOFF_SECONDS")
	v.BindEnv("bot.comments", "BOT_COMMENTS")
	v.BindEnv("bot.submissions", "BOT_SUBMISSIONS")
	v.BindEnv("bot.fail_fast", "BOT_FAIL_FAST")
	v.BindEnv("bot.max_reply_depth", "BOT_MAX_REPLY_DEPTH")

	// Jetstream
	v.BindEnv("jetstream.url", "JETSTREAM_URL")
	v.BindEnv("jetstream.channels", "JETSTREAM_CHANNELS")

	// Ledger
	v.BindEnv("ledger.backend", "LEDGER_BACKEND")
	v.BindEnv("ledger.ttl_hours", "LEDGER_TTL_HOURS")
}

// splitList accepts both YAML lists and a comma separated env value
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// getStringWithEnvFallback gets a string value, preferring env var over config file
func getStringWithEnvFallback(v *viper.Viper, viperKey, envKey, defaultVal string) string {
	// Check environment variable first
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	// Then check viper (config file)
	if val := v.GetString(viperKey); val != "" {
		return val
	}
	return defaultVal
}

// getIntWithEnvFallback gets an int value, preferring env var over config file
func getIntWithEnvFallback(v *viper.Viper, viperKey, envKey string, defaultVal int) int {
	// Check environment variable first
	if val := os.Getenv(envKey); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil && intVal != 0 {
			return intVal
		}
	}
	// Then check viper (config file)
	if val := v.GetInt(viperKey); val != 0 {
		return val
	}
	return defaultVal
}
