package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

const DefaultStatusAuthKey = "change-me!"

type Config struct {
	// Server
	Port              string // default: 8080
	ProxyPrefixLength int    // leading path bytes stripped before routing

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string // empty selects the in-process cache
	KVVersion string // default: 1

	// Deployment
	DeployConfigPath string // default: deploy.yaml
	GatewayName      string
	BuildSHA         string
	ContactEmail     string
	KeyPrefix        string // default: gw_
	PricesURL        string
	StatusAuthAPIKey string

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"
	LogLevel             string
	LogFormat            string // "json" or "text"

	// Rate Limiting
	RateLimitRPM      int   // requests per minute per key, 0 disables
	RateLimitInFlight int64 // concurrent requests per key, 0 disables
	CircuitBreaker    bool
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		KVVersion:            getEnv("KV_VERSION", "1"),
		DeployConfigPath:     getEnv("DEPLOY_CONFIG", "deploy.yaml"),
		GatewayName:          getEnv("GATEWAY_NAME", "AI Gateway"),
		BuildSHA:             getEnv("BUILD_SHA", "dev"),
		ContactEmail:         getEnv("CONTACT_EMAIL", "engineering@example.com"),
		KeyPrefix:            getEnv("KEY_PREFIX", "gw_"),
		PricesURL:            os.Getenv("PRICES_URL"),
		StatusAuthAPIKey:     getEnv("STATUS_AUTH_API_KEY", DefaultStatusAuthKey),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
	}

	var err error
	if cfg.ProxyPrefixLength, err = strconv.Atoi(getEnv("PROXY_PREFIX_LENGTH", "0")); err != nil {
		return nil, fmt.Errorf("invalid PROXY_PREFIX_LENGTH: %w", err)
	}
	if cfg.RateLimitRPM, err = strconv.Atoi(getEnv("RATE_LIMIT_RPM", "0")); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_RPM: %w", err)
	}
	if cfg.RateLimitInFlight, err = strconv.ParseInt(getEnv("RATE_LIMIT_IN_FLIGHT", "0"), 10, 64); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_IN_FLIGHT: %w", err)
	}
	if cfg.CircuitBreaker, err = strconv.ParseBool(getEnv("CIRCUIT_BREAKER", "true")); err != nil {
		return nil, fmt.Errorf("invalid CIRCUIT_BREAKER: %w", err)
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.ProxyPrefixLength < 0 {
		return nil, fmt.Errorf("PROXY_PREFIX_LENGTH must not be negative")
	}
	if cfg.RateLimitRPM < 0 || cfg.RateLimitInFlight < 0 {
		return nil, fmt.Errorf("rate limits must not be negative")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
