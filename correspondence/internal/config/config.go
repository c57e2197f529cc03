// Package config provides configuration loading for the correspondence
// service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/courier-systems/courier-stack/common/database"
	"github.com/courier-systems/courier-stack/correspondence/internal/external/alerts"
	"github.com/courier-systems/courier-stack/correspondence/internal/external/blob"
	"github.com/courier-systems/courier-stack/correspondence/internal/external/httpclient"
	"github.com/courier-systems/courier-stack/correspondence/internal/jobs"
	"github.com/courier-systems/courier-stack/correspondence/internal/retry"
	"github.com/courier-systems/courier-stack/correspondence/internal/scheduler"
	"github.com/spf13/viper"
)

// Run modes.
const (
	// ModeDev keeps state in memory and replaces every collaborator with an
	// in-process fake.
	ModeDev = "dev"
	// ModeLive uses Postgres and the real collaborators.
	ModeLive = "live"
)

// Config holds all configuration for the correspondence service
type Config struct {
	Mode     string                 `mapstructure:"mode"`
	Server   ServerConfig           `mapstructure:"server"`
	Database DatabaseConfig         `mapstructure:"database"`
	Redis    RedisConfig            `mapstructure:"redis"`
	NATS     NATSConfig             `mapstructure:"nats"`
	Jobs     jobs.PoolConfig        `mapstructure:"jobs"`
	Retry    retry.Config           `mapstructure:"retry"`
	Repair   scheduler.RepairConfig `mapstructure:"repair"`
	Services ServicesConfig         `mapstructure:"services"`
	Blob     blob.Config            `mapstructure:"blob"`
	Alerts   alerts.Config          `mapstructure:"alerts"`
	Logging  LoggingConfig          `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Postgres database.PostgresConfig `mapstructure:"postgres"`
	// Migrate applies pending migrations at startup.
	Migrate bool `mapstructure:"migrate"`
}

// RedisConfig holds Redis configuration for alert suppression
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	Enabled    bool   `mapstructure:"enabled"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// ServicesConfig locates the HTTP collaborators.
type ServicesConfig struct {
	Notifications httpclient.Config `mapstructure:"notifications"`
	Dialogs       httpclient.Config `mapstructure:"dialogs"`
	Legacy        httpclient.Config `mapstructure:"legacy"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeDev)

	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "courier")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "courier_correspondence")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.max_conns", 25)
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	pool := jobs.DefaultPoolConfig()
	v.SetDefault("jobs.workers", pool.Workers)
	v.SetDefault("jobs.batch_size", pool.BatchSize)
	v.SetDefault("jobs.poll_interval", pool.PollInterval)
	v.SetDefault("jobs.lease", pool.Lease)
	v.SetDefault("jobs.retry_base_delay", pool.RetryBaseDelay)
	v.SetDefault("jobs.retry_max_delay", pool.RetryMaxDelay)

	rc := retry.DefaultConfig()
	v.SetDefault("retry.max_attempts", rc.MaxAttempts)
	v.SetDefault("retry.initial_interval", rc.InitialInterval)
	v.SetDefault("retry.max_interval", rc.MaxInterval)

	repair := scheduler.DefaultRepairConfig()
	v.SetDefault("repair.batch_size", repair.BatchSize)
	v.SetDefault("repair.notification_interval", repair.NotificationInterval)
	v.SetDefault("repair.notification_age", repair.NotificationAge)
	v.SetDefault("repair.publish_interval", repair.PublishInterval)
	v.SetDefault("repair.publish_age", repair.PublishAge)
	v.SetDefault("repair.expiry_interval", repair.ExpiryInterval)

	breaker := httpclient.DefaultBreakerConfig()
	for _, svc := range []string{"notifications", "dialogs", "legacy"} {
		prefix := "services." + svc + "."
		v.SetDefault(prefix+"base_url", "")
		v.SetDefault(prefix+"timeout", "10s")
		v.SetDefault(prefix+"token", "")
		v.SetDefault(prefix+"breaker.max_requests", breaker.MaxRequests)
		v.SetDefault(prefix+"breaker.interval", breaker.Interval)
		v.SetDefault(prefix+"breaker.timeout", breaker.Timeout)
		v.SetDefault(prefix+"breaker.consecutive_failures", breaker.ConsecutiveFailures)
		v.SetDefault(prefix+"breaker.min_requests", breaker.MinRequests)
		v.SetDefault(prefix+"breaker.failure_ratio", breaker.FailureRatio)
	}

	v.SetDefault("blob.bucket", "")
	v.SetDefault("blob.region", "us-east-1")
	v.SetDefault("blob.base_endpoint", "")
	v.SetDefault("blob.access_key", "")
	v.SetDefault("blob.secret_key", "")
	v.SetDefault("blob.prefix", "attachments")
	v.SetDefault("blob.providers", []string{"s3"})

	v.SetDefault("alerts.slack_webhook_url", "")
	v.SetDefault("alerts.webhook_url", "")
	v.SetDefault("alerts.timeout", "10s")
	v.SetDefault("alerts.suppression_window", "15m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/courier/correspondence")
	}

	// Environment variables override (CORRESPONDENCE_SERVER_PORT, etc.)
	v.SetEnvPrefix("CORRESPONDENCE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		// Only fail if a specific config path was given
		if configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
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

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeDev:
	case ModeLive:
		missing := []string{}
		if c.Services.Notifications.BaseURL == "" {
			missing = append(missing, "services.notifications.base_url")
		}
		if c.Services.Dialogs.BaseURL == "" {
			missing = append(missing, "services.dialogs.base_url")
		}
		if c.Services.Legacy.BaseURL == "" {
			missing = append(missing, "services.legacy.base_url")
		}
		if c.Blob.Bucket == "" {
			missing = append(missing, "blob.bucket")
		}
		if !c.NATS.Enabled {
			missing = append(missing, "nats.enabled")
		}
		if len(missing) > 0 {
			return fmt.Errorf("live mode requires %s", strings.Join(missing, ", "))
		}
	default:
		return fmt.Errorf("unknown mode %q (want %s or %s)", c.Mode, ModeDev, ModeLive)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("jobs.workers must be positive")
	}
	return nil
}
