// Package config holds the runtime configuration of the circles backend and
// the domain constants shared by the services.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the validated process configuration.
type Config struct {
	Env      string `env:"ENV" envDefault:"production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	DatabaseURL  string `env:"DATABASE_URL,required"`
	PGChangeFeed bool   `env:"PG_CHANGE_FEED" envDefault:"false"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6380"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RelayBackend  string `env:"RELAY_BACKEND" envDefault:"redis"`

	JWTSecret    string        `env:"JWT_SECRET,required"`
	CookieSecret string        `env:"COOKIE_SECRET,required"`
	TokenTTL     time.Duration `env:"TOKEN_TTL" envDefault:"720h"`

	RequireVerification bool          `env:"REQUIRE_VERIFICATION" envDefault:"true"`
	RequestTimeout      time.Duration `env:"REQUEST_TIMEOUT" envDefault:"5s"`
	IdleTimeout         time.Duration `env:"IDLE_TIMEOUT" envDefault:"5m"`
	ReapInterval        time.Duration `env:"REAP_INTERVAL" envDefault:"1m"`
	MessagesPerSecond   float64       `env:"MESSAGES_PER_SECOND" envDefault:"2"`
	MessageBurst        int           `env:"MESSAGE_BURST" envDefault:"5"`

	OpenAIAPIKey  string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string        `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	OpenAIModel   string        `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	AITimeout     time.Duration `env:"AI_TIMEOUT" envDefault:"30s"`

	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`
	LocalesDir       string `env:"LOCALES_DIR"`
}

// Load reads an optional .env file and parses the environment into a Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Str("module", "config").Msg("no .env file loaded")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("JWT_SECRET must be at least 16 bytes")
	}
	if len(c.CookieSecret) < 16 {
		return fmt.Errorf("COOKIE_SECRET must be at least 16 bytes")
	}
	switch c.RelayBackend {
	case "redis", "local":
	default:
		return fmt.Errorf("RELAY_BACKEND must be redis or local, got %q", c.RelayBackend)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.IdleTimeout <= 0 || c.ReapInterval <= 0 {
		return fmt.Errorf("IDLE_TIMEOUT and REAP_INTERVAL must be positive")
	}
	if c.MessagesPerSecond <= 0 || c.MessageBurst <= 0 {
		return fmt.Errorf("MESSAGES_PER_SECOND and MESSAGE_BURST must be positive")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// AIEnabled reports whether an analysis backend is configured.
func (c *Config) AIEnabled() bool {
	return strings.TrimSpace(c.OpenAIAPIKey) != ""
}
