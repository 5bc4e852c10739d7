package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Port              string
	DatabaseURL       string
	RedisURL          string
	LogLevel          string
	AdminSecret       string
	ProvidersFile     string
	UpstreamTimeout   time.Duration
	CacheSingleFlight bool
	CacheRetention    time.Duration
	StrictAdmission   bool
	ShutdownTimeout   time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		RedisURL:          getEnv("REDIS_URL", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		AdminSecret:       getEnv("ADMIN_SECRET", ""),
		ProvidersFile:     getEnv("PROVIDERS_FILE", "providers.yaml"),
		UpstreamTimeout:   getDuration("UPSTREAM_TIMEOUT", 10*time.Second),
		CacheSingleFlight: getBool("CACHE_SINGLE_FLIGHT", true),
		CacheRetention:    getDuration("CACHE_RETENTION", 24*time.Hour),
		StrictAdmission:   getBool("STRICT_ADMISSION", false),
		ShutdownTimeout:   getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}

	return cfg, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

func getBool(key string, defaultValue bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return b
}
