/*
Package config loads server configuration.

PRECEDENCE (later wins):
  1. Built-in defaults
  2. .env file in the working directory (optional)
  3. Process environment
  4. Command-line flags

KEYS:
  PORT              HTTP port (flag -port)                    default 8080
  DB_DRIVER         memory | sqlite | postgres (flag -driver) default sqlite
  DB_PATH           SQLite path, ":memory:" allowed (flag -db) default labops.db
  DATABASE_URL      PostgreSQL DSN (flag -database-url)
  LOG_LEVEL         zerolog level name (flag -log-level)       default info
  TAX_RATE          quotation tax rate (flag -tax-rate)        default 0.06
  AUDIT_INTERVAL    integrity audit period, 0 disables         default 5m
  SHUTDOWN_TIMEOUT  graceful shutdown budget                   default 30s
  CORS_ORIGINS      comma-separated allowed origins            default *
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port            int
	Driver          string
	DBPath          string
	DatabaseURL     string
	LogLevel        zerolog.Level
	TaxRate         decimal.Decimal
	AuditInterval   time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
}

func Default() Config {
	return Config{
		Port:            8080,
		Driver:          DriverSQLite,
		DBPath:          "labops.db",
		LogLevel:        zerolog.InfoLevel,
		TaxRate:         decimal.RequireFromString("0.06"),
		AuditInterval:   5 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
	}
}

// Load builds the configuration from defaults, .env, the environment and
// args (without the program name).
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return load(args, os.Getenv)
}

func load(args []string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if err := cfg.fromEnv(getenv); err != nil {
		return Config{}, err
	}

	flags := flag.NewFlagSet("labops", flag.ContinueOnError)
	flags.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flags.StringVar(&cfg.Driver, "driver", cfg.Driver, "storage driver: memory, sqlite or postgres")
	flags.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	flags.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL connection string")
	level := flags.String("log-level", cfg.LogLevel.String(), "log level")
	tax := flags.String("tax-rate", cfg.TaxRate.String(), "quotation tax rate")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	var err error
	if cfg.LogLevel, err = zerolog.ParseLevel(*level); err != nil {
		return Config{}, fmt.Errorf("log level: %w", err)
	}
	if cfg.TaxRate, err = decimal.NewFromString(*tax); err != nil {
		return Config{}, fmt.Errorf("tax rate: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) fromEnv(getenv func(string) string) error {
	var err error
	if v := getenv("PORT"); v != "" {
		if c.Port, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
	}
	if v := getenv("DB_DRIVER"); v != "" {
		c.Driver = v
	}
	if v := getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		if c.LogLevel, err = zerolog.ParseLevel(v); err != nil {
			return fmt.Errorf("LOG_LEVEL: %w", err)
		}
	}
	if v := getenv("TAX_RATE"); v != "" {
		if c.TaxRate, err = decimal.NewFromString(v); err != nil {
			return fmt.Errorf("TAX_RATE: %w", err)
		}
	}
	if v := getenv("AUDIT_INTERVAL"); v != "" {
		if c.AuditInterval, err = time.ParseDuration(v); err != nil {
			return fmt.Errorf("AUDIT_INTERVAL: %w", err)
		}
	}
	if v := getenv("SHUTDOWN_TIMEOUT"); v != "" {
		if c.ShutdownTimeout, err = time.ParseDuration(v); err != nil {
			return fmt.Errorf("SHUTDOWN_TIMEOUT: %w", err)
		}
	}
	if v := getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORSOrigins = append(c.CORSOrigins, o)
			}
		}
	}
	return nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.Driver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.TaxRate.IsNegative() {
		return errors.New("tax rate must not be negative")
	}
	if c.AuditInterval < 0 {
		return errors.New("audit interval must not be negative")
	}
	return nil
}
