// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	DatabaseURL    string `env:"DATABASE_URL"`
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"pgx"`
	DBMigrate      bool   `env:"DB_MIGRATE" envDefault:"true"`

	RedisURL           string `env:"REDIS_URL"`
	AMQPURL            string `env:"AMQP_URL"`
	AMQPExchange       string `env:"AMQP_EXCHANGE" envDefault:"lastmile.events"`
	WebhookURL         string `env:"WEBHOOK_URL"`
	WebhookMaxAttempts int    `env:"WEBHOOK_MAX_ATTEMPTS" envDefault:"10"`
	EventSigningSecret string `env:"EVENT_SIGNING_SECRET"`

	ShipmentLock       string        `env:"SHIPMENT_LOCK" envDefault:"none"`
	LockTTL            time.Duration `env:"LOCK_TTL" envDefault:"30s"`
	AdapterCallTimeout time.Duration `env:"ADAPTER_CALL_TIMEOUT" envDefault:"5s"`

	RateRPS   float64 `env:"RATE_RPS" envDefault:"20"`
	RateBurst int     `env:"RATE_BURST" envDefault:"40"`

	SeedFile        string  `env:"SEED_FILE"`
	TrustMethod     string  `env:"TRUST_METHOD" envDefault:"session"`
	TrustConfidence float64 `env:"TRUST_CONFIDENCE" envDefault:"1"`

	ConversationTimeout       time.Duration `env:"CONVERSATION_TIMEOUT" envDefault:"24h"`
	ConversationSweepInterval time.Duration `env:"CONVERSATION_SWEEP_INTERVAL" envDefault:"1m"`

	OTelEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses the environment and validates enumerated values.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, fmt.Errorf("parse env: %w", err)
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	switch c.ShipmentLock {
	case "none", "memory", "redis":
	default:
		return fmt.Errorf("SHIPMENT_LOCK must be none, memory or redis, got %q", c.ShipmentLock)
	}
	if c.ShipmentLock == "redis" && c.RedisURL == "" {
		return fmt.Errorf("SHIPMENT_LOCK=redis requires REDIS_URL")
	}
	switch c.DatabaseDriver {
	case "pgx", "postgres", "sqlite":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be pgx or sqlite, got %q", c.DatabaseDriver)
	}
	if c.TrustConfidence < 0 || c.TrustConfidence > 1 {
		return fmt.Errorf("TRUST_CONFIDENCE must be in [0,1]")
	}
	if c.RateRPS < 0 || c.RateBurst < 0 {
		return fmt.Errorf("RATE_RPS and RATE_BURST must be >= 0")
	}
	return nil
}

// Logger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
