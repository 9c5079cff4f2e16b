package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Env      string
	HTTPPort string

	// Store selects the storage backend: "mysql" or "memory" (demo mode).
	Store    string
	MySQLDSN string

	// RedisAddr enables the shared idempotency cache; empty means the
	// process-local cache.
	RedisAddr string

	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerOpenTimeout      time.Duration

	PaymentMaxRetries  int
	PaymentRetryDelay  time.Duration
	PaymentBackoff     float64
	PaymentCallTimeout time.Duration

	GatewayDeclineRate float64
	GatewayFailureRate float64
	GatewayLatency     time.Duration

	TaxBps int64
	FeeBps int64
}

func Load() (*Config, error) {
	cfg := &Config{
		Env:      getEnv("ENVIRONMENT", "development"),
		HTTPPort: getEnv("HTTP_PORT", "8080"),
		Store:    getEnv("STORE", "mysql"),
		MySQLDSN: os.Getenv("MYSQL_DSN"),

		RedisAddr: os.Getenv("REDIS_ADDR"),

		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerSuccessThreshold: getEnvInt("BREAKER_SUCCESS_THRESHOLD", 2),
		BreakerOpenTimeout:      getEnvDuration("BREAKER_OPEN_TIMEOUT_MS", 30_000),

		PaymentMaxRetries:  getEnvInt("PAYMENT_MAX_RETRIES", 3),
		PaymentRetryDelay:  getEnvDuration("PAYMENT_RETRY_DELAY_MS", 200),
		PaymentBackoff:     getEnvFloat("PAYMENT_BACKOFF_MULTIPLIER", 2.0),
		PaymentCallTimeout: getEnvDuration("PAYMENT_CALL_TIMEOUT_MS", 5_000),

		GatewayDeclineRate: getEnvFloat("GATEWAY_DECLINE_RATE", 0.1),
		GatewayFailureRate: getEnvFloat("GATEWAY_FAILURE_RATE", 0.05),
		GatewayLatency:     getEnvDuration("GATEWAY_LATENCY_MS", 50),

		TaxBps: int64(getEnvInt("TAX_BPS", 500)),
		FeeBps: int64(getEnvInt("FEE_BPS", 200)),
	}

	if cfg.Store != "mysql" && cfg.Store != "memory" {
		return nil, fmt.Errorf("STORE must be mysql or memory, got %q", cfg.Store)
	}
	if cfg.Store == "mysql" && cfg.MySQLDSN == "" {
		return nil, fmt.Errorf("MYSQL_DSN environment variable is required when STORE=mysql")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallbackMs int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackMs)) * time.Millisecond
}
