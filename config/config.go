/*
config.go - Process configuration

PURPOSE:
  Loads settings from the environment, with an optional .env file for
  local development. Every setting has a default so `drawdown serve`
  starts with no configuration at all.

ENVIRONMENT:
  PORT                   HTTP port (8080)
  DATABASE_PATH          SQLite path, ":memory:" for in-memory (drawdown.db)
  LOG_LEVEL              zerolog level (info)
  LOG_FORMAT             json | console (json)
  SCHEDULER_ENABLED      run cron jobs inside serve (true)
  BILLING_JOB_SCHEDULE   cron spec for due automations (0 6 * * *)
  EXPIRY_JOB_SCHEDULE    cron spec for the contract expiry sweep (15 0 * * *)
  REDIS_URL              enables the Redis billing lock when set
  AMQP_URL               enables RabbitMQ run reports when set
  NOTIFY_EXCHANGE        exchange for run reports (drawdown_events)
  CORS_ALLOWED_ORIGINS   comma-separated origins (http://localhost:5173)
  SYSTEM_ACTOR           audit actor when X-User-ID is absent (system)
*/
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port               int    `mapstructure:"PORT"`
	DatabasePath       string `mapstructure:"DATABASE_PATH"`
	LogLevel           string `mapstructure:"LOG_LEVEL"`
	LogFormat          string `mapstructure:"LOG_FORMAT"`
	SchedulerEnabled   bool   `mapstructure:"SCHEDULER_ENABLED"`
	BillingJobSchedule string `mapstructure:"BILLING_JOB_SCHEDULE"`
	ExpiryJobSchedule  string `mapstructure:"EXPIRY_JOB_SCHEDULE"`
	RedisURL           string `mapstructure:"REDIS_URL"`
	AMQPURL            string `mapstructure:"AMQP_URL"`
	NotifyExchange     string `mapstructure:"NOTIFY_EXCHANGE"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	SystemActor        string `mapstructure:"SYSTEM_ACTOR"`
}

var defaults = map[string]interface{}{
	"PORT":                 8080,
	"DATABASE_PATH":        "drawdown.db",
	"LOG_LEVEL":            "info",
	"LOG_FORMAT":           "json",
	"SCHEDULER_ENABLED":    true,
	"BILLING_JOB_SCHEDULE": "0 6 * * *",
	"EXPIRY_JOB_SCHEDULE":  "15 0 * * *",
	"REDIS_URL":            "",
	"AMQP_URL":             "",
	"NOTIFY_EXCHANGE":      "drawdown_events",
	"CORS_ALLOWED_ORIGINS": "http://localhost:5173",
	"SYSTEM_ACTOR":         "system",
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		_ = v.BindEnv(key)
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		errs = append(errs, errors.New("DATABASE_PATH is required"))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be json or console", c.LogFormat))
	}
	for name, spec := range map[string]string{
		"BILLING_JOB_SCHEDULE": c.BillingJobSchedule,
		"EXPIRY_JOB_SCHEDULE":  c.ExpiryJobSchedule,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
