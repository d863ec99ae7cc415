package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

// Config is read from the environment. REDIS_ADDR is optional; when empty
// the in-process terminal lease is used, which is only correct for a single
// API instance.
type Config struct {
	DBSource      string `envconfig:"DB_SOURCE" required:"true"`
	Port          string `envconfig:"SERVER_PORT" default:"8080"`
	Env           string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"true"`

	GatewayBaseURL             string        `envconfig:"GATEWAY_BASE_URL" default:"http://localhost:9090"`
	GatewayCommandTimeout      time.Duration `envconfig:"GATEWAY_COMMAND_TIMEOUT" default:"30s"`
	GatewayOpenShutterAttempts int           `envconfig:"GATEWAY_OPEN_SHUTTER_ATTEMPTS" default:"3"`
	GatewayBreakerFailures     uint32        `envconfig:"GATEWAY_BREAKER_FAILURES" default:"5"`
	GatewayBreakerCooldown     time.Duration `envconfig:"GATEWAY_BREAKER_COOLDOWN" default:"30s"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	SessionStaleAfter time.Duration `envconfig:"SESSION_STALE_AFTER" default:"10m"`
	SessionRetention  time.Duration `envconfig:"SESSION_RETENTION" default:"2m"`
	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL" default:"30s"`
}

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.DBSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}
	if cfg.GatewayCommandTimeout <= 0 {
		return nil, fmt.Errorf("GATEWAY_COMMAND_TIMEOUT must be positive")
	}
	if cfg.GatewayOpenShutterAttempts < 1 {
		return nil, fmt.Errorf("GATEWAY_OPEN_SHUTTER_ATTEMPTS must be at least 1")
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	return &cfg, nil
}

// Fields renders the config for logging with secrets masked.
func (c *Config) Fields() []zap.Field {
	return []zap.Field{
		zap.String("port", c.Port),
		zap.String("db", maskValue(c.DBSource)),
		zap.Bool("run_migrations", c.RunMigrations),
		zap.String("gateway_base_url", c.GatewayBaseURL),
		zap.Duration("gateway_command_timeout", c.GatewayCommandTimeout),
		zap.Int("gateway_open_shutter_attempts", c.GatewayOpenShutterAttempts),
		zap.String("redis_addr", c.RedisAddr),
		zap.String("redis_password", maskValue(c.RedisPassword)),
		zap.Duration("session_stale_after", c.SessionStaleAfter),
		zap.Duration("session_retention", c.SessionRetention),
	}
}

func maskValue(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 6 {
		return "****"
	}
	return v[:2] + "****" + v[len(v)-4:]
}
