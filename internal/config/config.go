package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the service.
type Config struct {
	Port     string
	GRPCPort string
	Env      string

	DBDriver string
	DBDSN    string
	RedisURL string

	AMQPURL       string
	AMQPExchange  string
	QuoteExchange string
	QuoteQueue    string

	JWTSecret     string
	JWTIssuer     string
	InternalToken string

	OTLPEndpoint string

	MaxMessageLength int
	AuthTimeout      time.Duration
	PresenceTimeout  time.Duration
	PresenceSweep    time.Duration

	DebugRoutes bool
}

// Load reads configuration from the environment, after loading .env if present.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key, fallback string) string {
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return fallback
	}

	cfg := &Config{
		Port:          get("PORT", "8083"),
		GRPCPort:      get("GRPC_PORT", "9083"),
		Env:           get("ENV", "development"),
		DBDriver:      get("DB_DRIVER", "postgres"),
		DBDSN:         get("DB_DSN", ""),
		RedisURL:      get("REDIS_URL", ""),
		AMQPURL:       get("AMQP_URL", ""),
		AMQPExchange:  get("AMQP_EXCHANGE", "chat_events"),
		QuoteExchange: get("QUOTE_EXCHANGE", "quotes"),
		QuoteQueue:    get("QUOTE_QUEUE", "chat.quote_events"),
		JWTSecret:     get("JWT_SECRET", ""),
		JWTIssuer:     get("JWT_ISSUER", ""),
		InternalToken: get("INTERNAL_TOKEN", ""),
		OTLPEndpoint:  get("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	var err error
	if cfg.MaxMessageLength, err = strconv.Atoi(get("MAX_MESSAGE_LENGTH", "4000")); err != nil || cfg.MaxMessageLength <= 0 {
		return nil, fmt.Errorf("MAX_MESSAGE_LENGTH must be a positive integer")
	}
	if cfg.AuthTimeout, err = parseDuration(get("AUTH_TIMEOUT", "10s")); err != nil {
		return nil, fmt.Errorf("AUTH_TIMEOUT: %w", err)
	}
	if cfg.PresenceTimeout, err = parseDuration(get("PRESENCE_TIMEOUT", "60s")); err != nil {
		return nil, fmt.Errorf("PRESENCE_TIMEOUT: %w", err)
	}
	if cfg.PresenceSweep, err = parseDuration(get("PRESENCE_SWEEP", "15s")); err != nil {
		return nil, fmt.Errorf("PRESENCE_SWEEP: %w", err)
	}
	if cfg.DebugRoutes, err = strconv.ParseBool(get("DEBUG_ROUTES", "false")); err != nil {
		return nil, fmt.Errorf("DEBUG_ROUTES: %w", err)
	}

	if cfg.IsProduction() {
		if cfg.DBDSN == "" {
			return nil, errors.New("DB_DSN is required in production")
		}
		if cfg.JWTSecret == "" {
			return nil, errors.New("JWT_SECRET is required in production")
		}
	}
	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func parseDuration(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("must be positive")
	}
	return d, nil
}
