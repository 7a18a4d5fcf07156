package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	StoreDriver      string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	SQLitePath       string        `mapstructure:"SQLITE_PATH"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir    string        `mapstructure:"MIGRATIONS_DIR"`
	DefaultClinic    string        `mapstructure:"DEFAULT_CLINIC"`
	ClaimTTL         time.Duration `mapstructure:"CLAIM_TTL"`
	SweepInterval    time.Duration `mapstructure:"CLAIM_SWEEP_INTERVAL"`
	LateThreshold    time.Duration `mapstructure:"LATE_THRESHOLD"`
	CatalogCacheSize int           `mapstructure:"CATALOG_CACHE_SIZE"`
	CatalogCacheTTL  time.Duration `mapstructure:"CATALOG_CACHE_TTL"`
	AuthSigningKey   string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer       string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience     string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins      []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS     float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst   int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout   time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit        string        `mapstructure:"BODY_LIMIT"`
	AMQPURL          string        `mapstructure:"AMQP_URL"`
	AMQPQueue        string        `mapstructure:"AMQP_QUEUE"`
	MetricsEnabled   bool          `mapstructure:"METRICS_ENABLED"`
}

var keys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "SQLITE_PATH", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"MIGRATIONS_DIR", "DEFAULT_CLINIC", "CLAIM_TTL", "CLAIM_SWEEP_INTERVAL", "LATE_THRESHOLD", "CATALOG_CACHE_SIZE", "CATALOG_CACHE_TTL",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "CORS_ORIGINS", "RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT", "AMQP_URL", "AMQP_QUEUE", "METRICS_ENABLED",
}

// Load reads .env when present and the environment. It does not validate;
// callers that start the server run Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", DriverMemory)
	v.SetDefault("SQLITE_PATH", "clinicpos.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("DEFAULT_CLINIC", "default")
	v.SetDefault("CLAIM_TTL", "30s")
	v.SetDefault("CLAIM_SWEEP_INTERVAL", "1m")
	v.SetDefault("LATE_THRESHOLD", "15m")
	v.SetDefault("CATALOG_CACHE_SIZE", 1024)
	v.SetDefault("CATALOG_CACHE_TTL", "1m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("AMQP_QUEUE", "clinicpos.events")
	v.SetDefault("METRICS_ENABLED", true)

	// Bind explicitly so Unmarshal sees keys without defaults.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to serve with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q or %q, got %q", DriverMemory, DriverPostgres, DriverSQLite, c.StoreDriver)
	}
	if c.ClaimTTL <= 0 {
		return fmt.Errorf("CLAIM_TTL must be positive, got %s", c.ClaimTTL)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("CLAIM_SWEEP_INTERVAL must not be negative, got %s", c.SweepInterval)
	}
	if c.LateThreshold <= 0 {
		return fmt.Errorf("LATE_THRESHOLD must be positive, got %s", c.LateThreshold)
	}
	if c.CatalogCacheSize < 0 {
		return fmt.Errorf("CATALOG_CACHE_SIZE must not be negative")
	}
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required outside development (ENV=%q)", c.Env)
	}
	return nil
}
