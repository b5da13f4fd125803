package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Follow-up job backends.
const (
	BackendPool  = "pool"
	BackendAsynq = "asynq"
)

// Config holds all configuration for the usage meter
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Upstream   UpstreamConfig
	Billing    BillingConfig
	Metering   MeteringConfig
	Security   SecurityConfig
	Monitoring MonitoringConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	CORSOrigins  []string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver          string
	SQLitePath      string
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           int
	Password       string
	DB             int
	PoolSize       int
	CallerCacheTTL time.Duration
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// UpstreamConfig describes the LLM API being proxied
type UpstreamConfig struct {
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
}

// BillingConfig holds pricing and budget configuration
type BillingConfig struct {
	PriceTableFile string
	Timezone       string
	Location       *time.Location
}

// MeteringConfig controls how follow-up jobs run after a record is written
type MeteringConfig struct {
	Backend       string
	Workers       int
	QueueSize     int
	JobTimeout    time.Duration
	RecordTimeout time.Duration
}

// SecurityConfig holds security configuration
type SecurityConfig struct {
	AdminAPIToken     string
	CredentialSecret  string
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool
	MetricsPath string
	LogLevel    string
	LogFormat   string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 3001),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "10m"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
			CORSOrigins:  getEnvAsList("CORS_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			Driver:          strings.ToLower(getEnv("STORE_DRIVER", DriverSQLite)),
			SQLitePath:      getEnv("SQLITE_PATH", "usage-meter.db"),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "meter"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "usage_meter"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			Enabled:        getEnvAsBool("REDIS_ENABLED", false),
			Host:           getEnv("REDIS_HOST", "localhost"),
			Port:           getEnvAsInt("REDIS_PORT", 6379),
			Password:       getEnv("REDIS_PASSWORD", ""),
			DB:             getEnvAsInt("REDIS_DB", 0),
			PoolSize:       getEnvAsInt("REDIS_POOL_SIZE", 10),
			CallerCacheTTL: getEnvAsDuration("REDIS_CALLER_CACHE_TTL", "10m"),
		},
		Upstream: UpstreamConfig{
			BaseURL:    strings.TrimRight(getEnv("UPSTREAM_BASE_URL", "https://api.anthropic.com"), "/"),
			APIVersion: getEnv("UPSTREAM_API_VERSION", "2023-06-01"),
			Timeout:    getEnvAsDuration("UPSTREAM_TIMEOUT", "10m"),
		},
		Billing: BillingConfig{
			PriceTableFile: getEnv("PRICE_TABLE_FILE", ""),
			Timezone:       getEnv("BILLING_TIMEZONE", "UTC"),
		},
		Metering: MeteringConfig{
			Backend:       strings.ToLower(getEnv("FOLLOWUP_BACKEND", BackendPool)),
			Workers:       getEnvAsInt("FOLLOWUP_WORKERS", 4),
			QueueSize:     getEnvAsInt("FOLLOWUP_QUEUE_SIZE", 1024),
			JobTimeout:    getEnvAsDuration("FOLLOWUP_JOB_TIMEOUT", "10s"),
			RecordTimeout: getEnvAsDuration("RECORD_TIMEOUT", "5s"),
		},
		Security: SecurityConfig{
			AdminAPIToken:     getEnv("ADMIN_API_TOKEN", ""),
			CredentialSecret:  getEnv("CREDENTIAL_SECRET", ""),
			RateLimitRequests: getEnvAsInt("RATE_LIMIT_REQUESTS", 100),
			RateLimitWindow:   getEnvAsDuration("RATE_LIMIT_WINDOW", "15m"),
		},
		Monitoring: MonitoringConfig{
			Enabled:     getEnvAsBool("MONITORING_ENABLED", true),
			MetricsPath: getEnv("METRICS_PATH", "/metrics"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and resolves derived values.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required for the postgres store")
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite store")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.Database.Driver)
	}

	switch c.Metering.Backend {
	case BackendPool:
	case BackendAsynq:
		if !c.Redis.Enabled {
			return fmt.Errorf("FOLLOWUP_BACKEND=asynq requires REDIS_ENABLED=true")
		}
		// The worker runs in its own process.
		if c.Database.Driver == DriverMemory {
			return fmt.Errorf("FOLLOWUP_BACKEND=asynq requires a shared store: STORE_DRIVER=memory is not supported")
		}
	default:
		return fmt.Errorf("unsupported FOLLOWUP_BACKEND %q", c.Metering.Backend)
	}

	if c.Metering.Workers < 1 {
		return fmt.Errorf("FOLLOWUP_WORKERS must be at least 1")
	}
	if c.Metering.QueueSize < 1 {
		return fmt.Errorf("FOLLOWUP_QUEUE_SIZE must be at least 1")
	}

	if c.Security.AdminAPIToken == "" {
		return fmt.Errorf("ADMIN_API_TOKEN is required")
	}
	if c.Security.CredentialSecret == "" {
		return fmt.Errorf("CREDENTIAL_SECRET is required")
	}

	loc, err := time.LoadLocation(c.Billing.Timezone)
	if err != nil {
		return fmt.Errorf("invalid BILLING_TIMEZONE %q: %w", c.Billing.Timezone, err)
	}
	c.Billing.Location = loc

	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}

func getEnvAsList(key, defaultValue string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, defaultValue), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
