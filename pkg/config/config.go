// Package config loads process configuration for polarctl and the example
// servers from the environment and an optional .env file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process configuration.
type Config struct {
	// Application
	AppEnv   string
	LogLevel string
	HTTPAddr string

	// Polar
	PolarAccessToken    string
	PolarServer         string
	PolarWebhookSecret  string
	PolarOrganizationID string
	PolarAPITimeout     time.Duration

	// Webhook
	WebhookPath      string
	WebhookRateLimit int

	// Storage: memory, sqlite, postgres, redis or firestore
	StorageDriver      string
	SQLitePath         string
	DatabaseURL        string
	RedisURL           string
	GoogleCloudProject string

	// Forwarding
	RabbitMQURL  string
	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads configuration from the environment. Files are loaded first
// with godotenv, defaulting to ".env"; a missing file is ignored and
// variables already set in the environment win.
func Load(files ...string) *Config {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}

	return &Config{
		AppEnv:   getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		PolarAccessToken:    getEnv("POLAR_ACCESS_TOKEN", ""),
		PolarServer:         getEnv("POLAR_SERVER", "sandbox"),
		PolarWebhookSecret:  getEnv("POLAR_WEBHOOK_SECRET", ""),
		PolarOrganizationID: getEnv("POLAR_ORGANIZATION_ID", ""),
		PolarAPITimeout:     getDurationEnv("POLAR_API_TIMEOUT", 10*time.Second),

		WebhookPath:      getEnv("POLAR_WEBHOOK_PATH", "/polar/webhook"),
		WebhookRateLimit: getIntEnv("POLAR_WEBHOOK_RATE_LIMIT", 100),

		StorageDriver: getEnv("STORAGE_DRIVER", "memory"),
		SQLitePath:    getEnv("SQLITE_PATH", "polar.db"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),

		GoogleCloudProject: getEnv("GOOGLE_CLOUD_PROJECT", ""),

		RabbitMQURL:  getEnv("RABBITMQ_URL", ""),
		KafkaBrokers: getListEnv("KAFKA_BROKERS"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "polar-events"),
	}
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
