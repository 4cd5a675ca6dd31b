// Package config loads the forwarder's runtime configuration the way
// drlucaa-shopstream's config.LoadConfig does: viper reading environment
// variables (with an optional ".env"-style file as a fallback) against a
// set of defaults, decoded into a typed struct.
package config

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/pedrofnts/queue-consumer/internal/model"
)

// Config holds every environment-derived setting the forwarder needs.
type Config struct {
	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	FinishWebhook         string `mapstructure:"FINISH_WEBHOOK"`
	DBPath                string `mapstructure:"DB_PATH"`
	APIPort               string `mapstructure:"API_PORT"`
	MaxReconnectAttempts  int    `mapstructure:"MAX_RECONNECT_ATTEMPTS"`
	BusinessHoursTZ       string `mapstructure:"BUSINESS_HOURS_TZ"`
	WebhookTimeoutSeconds int    `mapstructure:"WEBHOOK_TIMEOUT_SECONDS"`

	DefaultMinIntervalMs int `mapstructure:"DEFAULT_MIN_INTERVAL_MS"`
	DefaultMaxIntervalMs int `mapstructure:"DEFAULT_MAX_INTERVAL_MS"`

	LogLevel string `mapstructure:"LOG_LEVEL"`
}

// WebhookTimeout returns the configured webhook timeout as a Duration.
func (c Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSeconds) * time.Second
}

// Load reads configuration from path (an optional directory holding an
// "app.env" file) and the environment, falling back to viper.SetDefault
// values for everything with a sane default. RABBITMQ_URL and
// FINISH_WEBHOOK have no sane default — a deployment with neither set is
// misconfigured, so their absence is fatal (spec.md §2, "Required
// variables with no sane default cause log.Fatal()").
func Load(path string) Config {
	viper.AddConfigPath(path)
	viper.SetConfigName("app")
	viper.SetConfigType("env")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// The required keys have no default, so viper only knows to read them
	// from the environment during Unmarshal if they are bound explicitly.
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("FINISH_WEBHOOK")

	viper.SetDefault("DB_PATH", "./data/forwarder")
	viper.SetDefault("API_PORT", "3000")
	viper.SetDefault("MAX_RECONNECT_ATTEMPTS", 10)
	viper.SetDefault("BUSINESS_HOURS_TZ", "America/Sao_Paulo")
	viper.SetDefault("WEBHOOK_TIMEOUT_SECONDS", 10)
	viper.SetDefault("DEFAULT_MIN_INTERVAL_MS", model.DefaultMinIntervalMs)
	viper.SetDefault("DEFAULT_MAX_INTERVAL_MS", model.DefaultMaxIntervalMs)
	viper.SetDefault("LOG_LEVEL", "info")

	if err := viper.ReadInConfig(); err == nil {
		log.Info().Str("file", viper.ConfigFileUsed()).Msg("using config file")
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		log.Info().Msg("no config file found, using environment variables and defaults")
	} else {
		log.Fatal().Err(err).Msg("error reading config file")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatal().Err(err).Msg("unable to decode configuration")
	}

	if cfg.RabbitMQURL == "" {
		log.Fatal().Msg("RABBITMQ_URL is required")
	}
	if cfg.FinishWebhook == "" {
		log.Fatal().Msg("FINISH_WEBHOOK is required")
	}

	return cfg
}
