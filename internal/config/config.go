package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the complete runtime configuration.
type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Log      LogConfig
	Billing  BillingConfig
	Redis    RedisConfig
	Cron     CronConfig
	Alert    AlertConfig
	Auth     AuthConfig
}

type AppConfig struct {
	Name     string
	Env      string
	Port     string
	Timezone string
}

type DatabaseConfig struct {
	Driver      string // memory, sqlite, postgres
	DSN         string
	AutoMigrate bool
}

type LogConfig struct {
	Level  string
	Format string
	Output string
}

// BillingConfig tunes bulk recalculation.
type BillingConfig struct {
	RecalcBatchSize  int
	RecalcBatchDelay time.Duration
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// CronConfig holds the ledger audit schedule: a cron expression or a number
// of seconds. Empty disables the job.
type CronConfig struct {
	AuditSchedule string
}

type AlertConfig struct {
	WebhookURL  string
	WebhookType string // slack, discord, generic
	MinFailures int
}

type AuthConfig struct {
	Enabled       bool
	AdminUsername string
	AdminPassword string
	TokenTTL      string
}

// Load reads configuration.
// Priority (highest to lowest):
// 1. Environment variables with WARGABILL_ prefix (e.g. WARGABILL_DATABASE_DSN)
// 2. .env in the working directory
// 3. config file (path, or config.yaml / config.toml in . and /etc/wargabill)
// 4. Built-in defaults
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/wargabill")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("WARGABILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name:     v.GetString("app.name"),
			Env:      v.GetString("app.env"),
			Port:     v.GetString("app.port"),
			Timezone: v.GetString("app.timezone"),
		},
		Database: DatabaseConfig{
			Driver:      v.GetString("database.driver"),
			DSN:         v.GetString("database.dsn"),
			AutoMigrate: v.GetBool("database.auto_migrate"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Billing: BillingConfig{
			RecalcBatchSize:  v.GetInt("billing.recalc_batch_size"),
			RecalcBatchDelay: v.GetDuration("billing.recalc_batch_delay"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Cron: CronConfig{
			AuditSchedule: v.GetString("cron.audit_schedule"),
		},
		Alert: AlertConfig{
			WebhookURL:  v.GetString("alert.webhook_url"),
			WebhookType: v.GetString("alert.webhook_type"),
			MinFailures: v.GetInt("alert.min_failures"),
		},
		Auth: AuthConfig{
			Enabled:       v.GetBool("auth.enabled"),
			AdminUsername: v.GetString("auth.admin_username"),
			AdminPassword: v.GetString("auth.admin_password"),
			TokenTTL:      v.GetString("auth.token_ttl"),
		},
	}
	if !v.IsSet("database.auto_migrate") {
		cfg.Database.AutoMigrate = true
	}

	applyDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "wargabill"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8000"
	}
	if cfg.App.Timezone == "" {
		cfg.App.Timezone = "Asia/Jakarta"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "wargabill.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		if cfg.App.Env == "production" {
			cfg.Log.Format = "json"
		} else {
			cfg.Log.Format = "console"
		}
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Billing.RecalcBatchSize == 0 {
		cfg.Billing.RecalcBatchSize = 20
	}
	if cfg.Billing.RecalcBatchDelay == 0 {
		cfg.Billing.RecalcBatchDelay = 50 * time.Millisecond
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Alert.WebhookType == "" {
		cfg.Alert.WebhookType = "generic"
	}
	if cfg.Alert.MinFailures == 0 {
		cfg.Alert.MinFailures = 1
	}
	if cfg.Auth.AdminUsername == "" {
		cfg.Auth.AdminUsername = "admin"
	}
	if cfg.Auth.TokenTTL == "" {
		cfg.Auth.TokenTTL = "30d"
	}
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be memory, sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return errors.New("database.dsn is required for postgres")
	}
	if c.Billing.RecalcBatchSize < 1 {
		return errors.New("billing.recalc_batch_size must be at least 1")
	}
	if c.Billing.RecalcBatchDelay < 0 {
		return errors.New("billing.recalc_batch_delay must not be negative")
	}
	if _, err := time.LoadLocation(c.App.Timezone); err != nil {
		return fmt.Errorf("app.timezone: %w", err)
	}
	switch c.Alert.WebhookType {
	case "slack", "discord", "generic":
	default:
		return fmt.Errorf("alert.webhook_type must be slack, discord or generic, got %q", c.Alert.WebhookType)
	}
	if c.Auth.Enabled && c.Auth.AdminPassword == "" {
		return errors.New("auth.admin_password is required when auth is enabled")
	}
	return nil
}

// Location resolves the configured timezone. Load has already validated it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// IsProduction reports whether the app runs in production.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
