package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/rl1809/bundle-ledger/internal/core/domain"
)

const (
	BackendMySQL  = "mysql"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Config struct {
	HTTPAddr       string              `validate:"required"`
	GRPCAddr       string              `validate:"required"`
	StoreBackend   string              `validate:"required,oneof=mysql redis memory"`
	MySQLDSN       string              `validate:"required_if=StoreBackend mysql"`
	RedisAddr      string              `validate:"required_if=StoreBackend redis"`
	AMQPURL        string              `validate:"omitempty,url"`
	AMQPExchange   string              `validate:"required"`
	LogLevel       string              `validate:"required,oneof=trace debug info warn error fatal panic"`
	LockTTL        time.Duration       `validate:"gt=0"`
	IdempotencyTTL time.Duration       `validate:"gt=0"`
	RequestTimeout time.Duration       `validate:"gt=0"`
	BundleSizes    []domain.BundleSize `validate:"min=1,dive,gt=0"`
}

// IdempotencyEnabled is true when a Redis server is configured.
func (c *Config) IdempotencyEnabled() bool {
	return c.RedisAddr != ""
}

// Load reads configuration from the environment, after applying .env if present.
func Load() (*Config, error) {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:     envOr("HTTP_ADDR", ":8080"),
		GRPCAddr:     envOr("GRPC_ADDR", ":50051"),
		StoreBackend: strings.ToLower(envOr("STORE_BACKEND", BackendMySQL)),
		MySQLDSN:     envOr("MYSQL_DSN", "root:root@tcp(localhost:3306)/ledger?parseTime=true"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		AMQPURL:      os.Getenv("AMQP_URL"),
		AMQPExchange: envOr("AMQP_EXCHANGE", "inventory"),
		LogLevel:     strings.ToLower(envOr("LOG_LEVEL", "info")),
	}

	var err error
	if cfg.LockTTL, err = durationEnv("LOCK_TTL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.IdempotencyTTL, err = durationEnv("IDEMPOTENCY_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = durationEnv("REQUEST_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.BundleSizes, err = bundleSizesEnv("DEFAULT_BUNDLE_SIZES"); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

// bundleSizesEnv parses a comma separated list such as "1,50,100".
func bundleSizesEnv(key string) ([]domain.BundleSize, error) {
	v := os.Getenv(key)
	if v == "" {
		return append([]domain.BundleSize(nil), domain.DefaultBundleSizes...), nil
	}
	var sizes []domain.BundleSize
	for _, part := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", key, err)
		}
		sizes = append(sizes, domain.BundleSize(n))
	}
	return sizes, nil
}
