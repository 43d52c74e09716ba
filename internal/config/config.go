// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	Port     string `mapstructure:"PORT"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// MetricsPort serves /metrics for the relay and the audit sink
	MetricsPort string `mapstructure:"METRICS_PORT"`

	Store       string `mapstructure:"STORE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`

	RedisAddr string        `mapstructure:"REDIS_ADDR"`
	LockTTL   time.Duration `mapstructure:"LOCK_TTL"`
	LockWait  time.Duration `mapstructure:"LOCK_WAIT"`

	KafkaBrokers  []string `mapstructure:"KAFKA_BROKERS"`
	AuditTopic    string   `mapstructure:"AUDIT_TOPIC"`
	ConsumerGroup string   `mapstructure:"CONSUMER_GROUP"`

	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	DrugDBURL     string        `mapstructure:"DRUGDB_URL"`
	DrugDBRefresh time.Duration `mapstructure:"DRUGDB_REFRESH"`

	JWTSecret string `mapstructure:"JWT_SECRET"`

	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`

	// SeedPatients registers workplace:patient pairs in the memory store
	SeedPatients []string `mapstructure:"SEED_PATIENTS"`
}

var defaults = map[string]any{
	"ENV":               "development",
	"PORT":              "8080",
	"METRICS_PORT":      "9090",
	"LOG_LEVEL":         "info",
	"STORE":             StoreMemory,
	"DATABASE_URL":      "",
	"DB_MAX_CONNS":      20,
	"REDIS_ADDR":        "",
	"LOCK_TTL":          "10s",
	"LOCK_WAIT":         "2s",
	"KAFKA_BROKERS":     "localhost:9092",
	"AUDIT_TOPIC":       "mtr.audit",
	"CONSUMER_GROUP":    "mtr-audit-sink",
	"OTLP_ENDPOINT":     "",
	"TRACE_SAMPLE_RATE": 1.0,
	"DRUGDB_URL":        "",
	"DRUGDB_REFRESH":    "1h",
	"JWT_SECRET":        "",
	"SHUTDOWN_TIMEOUT":  "30s",
	"SEED_PATIENTS":     "",
}

// Load reads the environment, falling back to .env and then to defaults
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	// a missing .env is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	cfg.SeedPatients = splitList(cfg.SeedPatients)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the services cannot run with
func (c *Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE must be %q or %q, got %q", StoreMemory, StorePostgres, c.Store))
	}
	if c.IsProduction() && c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required in production"))
	}
	for _, pair := range c.SeedPatients {
		if wp, patient, ok := strings.Cut(pair, ":"); !ok || wp == "" || patient == "" {
			errs = append(errs, fmt.Errorf("SEED_PATIENTS entry %q is not workplace:patient", pair))
		}
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		errs = append(errs, fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %v", c.TraceSampleRate))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RequireDatabase is checked by the binaries that only run against Postgres
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated one
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
