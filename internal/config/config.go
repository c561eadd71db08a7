// Package config loads scriptlock settings from viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "github.com/pbparthas/scriptlock/internal/errors"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config is the resolved configuration for a scriptlock process.
type Config struct {
	DataDir string
	Store   StoreConfig
	Lock    LockConfig
	Sweep   SweepConfig
	Notify  NotifyConfig
	HTTP    HTTPConfig
	Log     LogConfig
	Trace   bool
}

// StoreConfig selects and configures the lease store.
type StoreConfig struct {
	Driver string
	Redis  RedisConfig
}

// RedisConfig configures the Redis lease store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// LockConfig holds lease defaults.
type LockConfig struct {
	DefaultDuration time.Duration
}

// SweepConfig controls the background sweeper.
type SweepConfig struct {
	Interval      time.Duration
	WarnThreshold time.Duration
}

// NotifyConfig enables event backends. Empty fields leave a backend off.
type NotifyConfig struct {
	WebhookURL         string
	WebhookSecret      string
	SlackWebhook       string
	SlackChannel       string
	RedisChannelPrefix string
	NATSURL            string
	NATSSubjectPrefix  string
	KafkaBrokers       []string
	KafkaTopic         string
	Buffer             int
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr       string
	AdminToken string
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string
	Format string
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.prefix", "scriptlock:")
	v.SetDefault("lock.default-duration", 30*time.Minute)
	v.SetDefault("sweep.interval", 5*time.Minute)
	v.SetDefault("sweep.warn-threshold", 5*time.Minute)
	v.SetDefault("notify.redis-channel-prefix", "scriptlock:events:")
	v.SetDefault("notify.nats-subject-prefix", "scriptlock.events.")
	v.SetDefault("notify.kafka-topic", "scriptlock-events")
	v.SetDefault("notify.buffer", 256)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load builds a Config from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	dataDir := v.GetString("data-dir")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".scriptlock")
	}

	cfg := &Config{
		DataDir: dataDir,
		Store: StoreConfig{
			Driver: strings.ToLower(v.GetString("store.driver")),
			Redis: RedisConfig{
				Addr:     v.GetString("store.redis.addr"),
				Password: v.GetString("store.redis.password"),
				DB:       v.GetInt("store.redis.db"),
				Prefix:   v.GetString("store.redis.prefix"),
			},
		},
		Lock: LockConfig{
			DefaultDuration: v.GetDuration("lock.default-duration"),
		},
		Sweep: SweepConfig{
			Interval:      v.GetDuration("sweep.interval"),
			WarnThreshold: v.GetDuration("sweep.warn-threshold"),
		},
		Notify: NotifyConfig{
			WebhookURL:         v.GetString("notify.webhook-url"),
			WebhookSecret:      v.GetString("notify.webhook-secret"),
			SlackWebhook:       v.GetString("notify.slack-webhook"),
			SlackChannel:       v.GetString("notify.slack-channel"),
			RedisChannelPrefix: v.GetString("notify.redis-channel-prefix"),
			NATSURL:            v.GetString("notify.nats-url"),
			NATSSubjectPrefix:  v.GetString("notify.nats-subject-prefix"),
			KafkaBrokers:       splitList(v.GetStringSlice("notify.kafka-brokers")),
			KafkaTopic:         v.GetString("notify.kafka-topic"),
			Buffer:             v.GetInt("notify.buffer"),
		},
		HTTP: HTTPConfig{
			Addr:       v.GetString("http.addr"),
			AdminToken: v.GetString("http.admin-token"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Trace: v.GetBool("trace"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite:
	case DriverRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("%w: store.redis.addr is required for the redis driver", apperrors.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: %q", apperrors.ErrUnknownStoreDriver, c.Store.Driver)
	}

	if c.Lock.DefaultDuration <= 0 {
		return fmt.Errorf("%w: lock.default-duration must be positive", apperrors.ErrInvalidInput)
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("%w: sweep.interval must be positive", apperrors.ErrInvalidInput)
	}
	if c.Sweep.WarnThreshold < 0 {
		return fmt.Errorf("%w: sweep.warn-threshold must not be negative", apperrors.ErrInvalidInput)
	}
	if c.Notify.WebhookSecret != "" && c.Notify.WebhookURL == "" {
		return fmt.Errorf("%w: notify.webhook-secret is set without notify.webhook-url", apperrors.ErrInvalidInput)
	}
	if c.Notify.Buffer <= 0 {
		return fmt.Errorf("%w: notify.buffer must be positive", apperrors.ErrInvalidInput)
	}
	return nil
}

// splitList accepts both YAML lists and comma separated env values.
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
