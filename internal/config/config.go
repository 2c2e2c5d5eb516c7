package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// DevSecret is the signing secret shared with the login service in development.
const DevSecret = "default_secret_key_for_development"

// Config holds application configuration
type Config struct {
	// MariaDB接続設定 (archive is enabled only when DBName is set)
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     string `env:"DB_PORT" envDefault:"3306"`
	DBUser     string `env:"DB_USER"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME"`

	// サーバー設定
	ServerPort      string        `env:"SERVER_PORT" envDefault:"8080"`
	Env             string        `env:"ENV" envDefault:"development"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// CORS設定
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://127.0.0.1:3000"`

	// 認証
	JWTSecret string        `env:"JWT_SECRET"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"24h"`

	// リアルタイム
	LivenessInterval time.Duration `env:"LIVENESS_INTERVAL" envDefault:"30s"`
	HistoryCapacity  int           `env:"HISTORY_CAPACITY" envDefault:"100"`
	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
}

// Load loads configuration from environment variables
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	for i := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(cfg.AllowedOrigins[i])
	}

	if cfg.JWTSecret == "" && !cfg.IsProduction() {
		cfg.JWTSecret = DevSecret
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IsProduction reports whether ENV is production.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// ArchiveEnabled reports whether a database was configured.
func (c Config) ArchiveEnabled() bool {
	return c.DBName != ""
}

// Validate rejects settings the realtime subsystem cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required in production"))
	}
	if c.LivenessInterval <= 0 {
		errs = append(errs, fmt.Errorf("LIVENESS_INTERVAL must be positive, got %s", c.LivenessInterval))
	}
	if c.HistoryCapacity <= 0 {
		errs = append(errs, fmt.Errorf("HISTORY_CAPACITY must be positive, got %d", c.HistoryCapacity))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval))
	}
	return errors.Join(errs...)
}
