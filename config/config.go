/*
config.go - Environment configuration

PURPOSE:
  Loads runtime configuration from the environment. A .env file in the
  working directory is read first when present; real environment variables
  win over it.

VARIABLES:
  PORT                HTTP port (default 8080)
  DB_PATH             SQLite path, ":memory:" or ":mem:" (default referral.db)
  LOG_LEVEL           logrus level (default info)
  LOG_FORMAT          text | json (default text)
  ALLOWED_ORIGINS     CORS origins, semicolon separated
  REQUIRE_REFERRER    Reject registrations without a referral code
  MIN_WITHDRAWAL      Smallest withdrawal amount, decimal string
  INTEGRITY_INTERVAL  Integrity audit period, 0 disables (default 1h)

SEE ALSO:
  - cmd/server/main.go: flags override PORT and DB_PATH
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Port              int           `env:"PORT,default=8080"`
	DBPath            string        `env:"DB_PATH,default=referral.db"`
	LogLevel          string        `env:"LOG_LEVEL,default=info"`
	LogFormat         string        `env:"LOG_FORMAT,default=text"`
	AllowedOrigins    []string      `env:"ALLOWED_ORIGINS,default=http://localhost:5173;http://localhost:8080"`
	RequireReferrer   bool          `env:"REQUIRE_REFERRER,default=false"`
	MinWithdrawal     string        `env:"MIN_WITHDRAWAL,default=0"`
	IntegrityInterval time.Duration `env:"INTEGRITY_INTERVAL,default=1h"`
}

// Load reads .env (if any) and decodes the environment into a Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if _, err := cfg.MinWithdrawalAmount(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MinWithdrawalAmount parses MIN_WITHDRAWAL.
func (c *Config) MinWithdrawalAmount() (decimal.Decimal, error) {
	s := strings.TrimSpace(c.MinWithdrawal)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("MIN_WITHDRAWAL %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("MIN_WITHDRAWAL %q: must not be negative", s)
	}
	return d, nil
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	log := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	log.SetLevel(level)

	switch strings.ToLower(c.LogFormat) {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("LOG_FORMAT %q: want text or json", c.LogFormat)
	}
	return log, nil
}
