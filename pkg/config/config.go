// Package config loads the monitor configuration from the environment and an optional
// .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends understood by the realtime sync client.
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

// MonitorConfig holds runtime configuration for a monitored client instance.
type MonitorConfig struct {
	Environment string `mapstructure:"APP_ENV"`
	Addr        string `mapstructure:"MONITOR_ADDR"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`

	Store           string `mapstructure:"CALLWATCH_STORE"`
	DatabaseURL     string `mapstructure:"DATABASE_URL"`
	MigrationsDir   string `mapstructure:"DB_MIGRATIONS_DIR"`
	AutoMigrate     bool   `mapstructure:"DB_AUTO_MIGRATE"`
	EventChannel    string `mapstructure:"PG_EVENT_CHANNEL"`
	RedisAddr       string `mapstructure:"REDIS_ADDR"`
	RedisPassword   string `mapstructure:"REDIS_PASSWORD"`
	RedisDB         int    `mapstructure:"REDIS_DB"`
	RedisStream     string `mapstructure:"REDIS_STREAM"`
	RedisStreamMax  int64  `mapstructure:"REDIS_STREAM_MAXLEN"`
	KafkaBrokers    string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic      string `mapstructure:"KAFKA_TOPIC"`
	WebhookURL      string `mapstructure:"CALLWATCH_WEBHOOK_URL"`
	WebhookToken    string `mapstructure:"CALLWATCH_WEBHOOK_TOKEN"`

	RateLimitRedisAddr string `mapstructure:"RATE_LIMIT_REDIS_ADDR"`
	RateLimitRedisPass string `mapstructure:"RATE_LIMIT_REDIS_PASSWORD"`
	RateLimitRedisDB   int    `mapstructure:"RATE_LIMIT_REDIS_DB"`

	PCName    string `mapstructure:"CALLWATCH_PC_NAME"`
	User      string `mapstructure:"CALLWATCH_USER"`
	AuthToken string `mapstructure:"CALLWATCH_AUTH_TOKEN"`
	JWTSecret string `mapstructure:"CALLWATCH_JWT_SECRET"`
	Backends  string `mapstructure:"CALLWATCH_BACKENDS"`

	HistorySize      int           `mapstructure:"CALLWATCH_HISTORY_SIZE"`
	BacklogWindow    int           `mapstructure:"CALLWATCH_BACKLOG_WINDOW_MINUTES"`
	BacklogLimit     int           `mapstructure:"CALLWATCH_BACKLOG_LIMIT"`
	ReconnectInitial time.Duration `mapstructure:"CALLWATCH_RECONNECT_INITIAL"`
	ReconnectMax     time.Duration `mapstructure:"CALLWATCH_RECONNECT_MAX"`
	ReconnectJitter  float64       `mapstructure:"CALLWATCH_RECONNECT_JITTER"`
	AppendQueue      int           `mapstructure:"CALLWATCH_APPEND_QUEUE"`
	AppendTimeout    time.Duration `mapstructure:"CALLWATCH_APPEND_TIMEOUT"`
	Retention        time.Duration `mapstructure:"CALLWATCH_RETENTION"`
	PruneEvery       time.Duration `mapstructure:"CALLWATCH_PRUNE_EVERY"`

	ProbeTargets string        `mapstructure:"CALLWATCH_PROBE_TARGETS"`
	ProbeEvery   time.Duration `mapstructure:"CALLWATCH_PROBE_EVERY"`
}

// LoadMonitorConfig reads .env (if present), then builds and validates MonitorConfig from the
// environment. Env vars override .env.
func LoadMonitorConfig() (*MonitorConfig, error) {
	return load(".env")
}

func load(envFile string) (*MonitorConfig, error) {
	v := viper.New()

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		_ = v.ReadInConfig() // missing .env is fine
	}
	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("MONITOR_ADDR", ":4100")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CALLWATCH_STORE", StoreMemory)
	v.SetDefault("DATABASE_URL", "postgres://callwatch:callwatch@db:5432/callwatch?sslmode=disable")
	v.SetDefault("DB_MIGRATIONS_DIR", "db/migrations")
	v.SetDefault("DB_AUTO_MIGRATE", false)
	v.SetDefault("PG_EVENT_CHANNEL", "call_events")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_STREAM", "callwatch:events")
	v.SetDefault("REDIS_STREAM_MAXLEN", 100000)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "callwatch-events")
	v.SetDefault("CALLWATCH_WEBHOOK_URL", "")
	v.SetDefault("CALLWATCH_WEBHOOK_TOKEN", "")
	v.SetDefault("RATE_LIMIT_REDIS_ADDR", "")
	v.SetDefault("RATE_LIMIT_REDIS_PASSWORD", "")
	v.SetDefault("RATE_LIMIT_REDIS_DB", 0)
	v.SetDefault("CALLWATCH_PC_NAME", "")
	v.SetDefault("CALLWATCH_USER", "")
	v.SetDefault("CALLWATCH_AUTH_TOKEN", "")
	v.SetDefault("CALLWATCH_JWT_SECRET", "")
	v.SetDefault("CALLWATCH_BACKENDS", "")
	v.SetDefault("CALLWATCH_HISTORY_SIZE", 200)
	v.SetDefault("CALLWATCH_BACKLOG_WINDOW_MINUTES", 5)
	v.SetDefault("CALLWATCH_BACKLOG_LIMIT", 200)
	v.SetDefault("CALLWATCH_RECONNECT_INITIAL", "1s")
	v.SetDefault("CALLWATCH_RECONNECT_MAX", "30s")
	v.SetDefault("CALLWATCH_RECONNECT_JITTER", 0.2)
	v.SetDefault("CALLWATCH_APPEND_QUEUE", 1024)
	v.SetDefault("CALLWATCH_APPEND_TIMEOUT", "5s")
	v.SetDefault("CALLWATCH_RETENTION", "24h")
	v.SetDefault("CALLWATCH_PRUNE_EVERY", "10m")
	v.SetDefault("CALLWATCH_PROBE_TARGETS", "")
	v.SetDefault("CALLWATCH_PROBE_EVERY", "15s")

	var cfg MonitorConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *MonitorConfig) validate() error {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	switch c.Store {
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("config: DATABASE_URL must be set for the postgres store")
		}
	case StoreRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return errors.New("config: REDIS_ADDR must be set for the redis store")
		}
	case StoreMemory, "":
		c.Store = StoreMemory
	default:
		return fmt.Errorf("config: unknown CALLWATCH_STORE %q", c.Store)
	}
	if c.Addr == "" {
		return errors.New("config: MONITOR_ADDR must be set")
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.BacklogWindow <= 0 {
		c.BacklogWindow = 5
	}
	if c.BacklogLimit <= 0 {
		c.BacklogLimit = c.HistorySize
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = time.Second
	}
	if c.ReconnectMax < c.ReconnectInitial {
		c.ReconnectMax = c.ReconnectInitial
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter > 1 {
		return errors.New("config: CALLWATCH_RECONNECT_JITTER must be between 0 and 1")
	}
	return nil
}

// BackendMap parses CALLWATCH_BACKENDS ("NAME=prefix,NAME2=prefix2") preserving order.
func (c *MonitorConfig) BackendMap() ([][2]string, error) {
	return parsePairs(c.Backends)
}

// KafkaBrokerList returns broker addresses from the comma-separated config.
func (c *MonitorConfig) KafkaBrokerList() []string {
	return SplitList(c.KafkaBrokers)
}

// ProbeTargetList returns the synthetic probe URLs.
func (c *MonitorConfig) ProbeTargetList() []string {
	return SplitList(c.ProbeTargets)
}

// SplitList splits a comma-separated value, dropping blanks.
func SplitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parsePairs(raw string) ([][2]string, error) {
	items := SplitList(raw)
	out := make([][2]string, 0, len(items))
	for _, item := range items {
		name, value, ok := strings.Cut(item, "=")
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			return nil, fmt.Errorf("config: invalid backend mapping %q", item)
		}
		out = append(out, [2]string{name, value})
	}
	return out, nil
}
