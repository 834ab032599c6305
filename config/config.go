// Package config provides layered configuration loading for the engine:
// defaults, then a YAML file, then STEPFLOW_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/stepflow/scheduler"
	"github.com/BaSui01/stepflow/store"
)

// Config is the complete engine configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server" env:"SERVER"`
	Scheduler scheduler.Config `yaml:"scheduler" env:"SCHEDULER"`
	Store     StoreConfig      `yaml:"store" env:"STORE"`
	Auth      AuthConfig       `yaml:"auth" env:"AUTH"`
	Log       LogConfig        `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig  `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig configures the HTTP control plane.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	CORSOrigins     []string      `yaml:"cors_origins" env:"CORS_ORIGINS"`
}

// StoreConfig selects and configures the state store backend.
type StoreConfig struct {
	// Backend is one of "memory", "redis", "sql".
	Backend string `yaml:"backend" env:"BACKEND"`

	Redis store.RedisConfig `yaml:"redis" env:"REDIS"`
	SQL   store.SQLConfig   `yaml:"sql" env:"SQL"`
}

// AuthConfig configures JWT authentication for the API.
type AuthConfig struct {
	Enabled   bool          `yaml:"enabled" env:"ENABLED"`
	JWTSecret string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format       string   `yaml:"format" env:"FORMAT"`
	OutputPaths  []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimitRPS:    100,
			RateLimitBurst:  200,
			CORSOrigins:     []string{"*"},
		},
		Scheduler: scheduler.DefaultConfig(),
		Store: StoreConfig{
			Backend: "memory",
			Redis: store.RedisConfig{
				Host:     "localhost",
				Port:     6379,
				PoolSize: 10,
			},
			SQL: store.SQLConfig{
				Driver:          "sqlite",
				DSN:             "stepflow.db",
				MaxOpenConns:    10,
				MaxIdleConns:    2,
				ConnMaxLifetime: time.Hour,
			},
		},
		Auth: AuthConfig{
			Enabled:  false,
			TokenTTL: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "stepflow",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	switch c.Store.Backend {
	case "memory", "redis", "sql":
	default:
		errs = append(errs, fmt.Sprintf("unknown store backend %q", c.Store.Backend))
	}
	if c.Scheduler.MaxConcurrentSteps < 0 {
		errs = append(errs, "max_concurrent_steps must not be negative")
	}
	if c.Scheduler.MaxRetries < 0 {
		errs = append(errs, "max_retries must not be negative")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		errs = append(errs, "auth enabled without jwt_secret")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
