package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "missing.env"))

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, "sandbox", cfg.PolarServer)
	assert.Equal(t, "/polar/webhook", cfg.WebhookPath)
	assert.Equal(t, 100, cfg.WebhookRateLimit)
	assert.Equal(t, "memory", cfg.StorageDriver)
	assert.Equal(t, 10*time.Second, cfg.PolarAPITimeout)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("POLAR_SERVER", "production")
	t.Setenv("POLAR_WEBHOOK_RATE_LIMIT", "not-a-number")
	t.Setenv("POLAR_API_TIMEOUT", "3s")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")

	cfg := Load(filepath.Join(t.TempDir(), "missing.env"))

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "production", cfg.PolarServer)
	assert.Equal(t, 100, cfg.WebhookRateLimit)
	assert.Equal(t, 3*time.Second, cfg.PolarAPITimeout)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("POLAR_TEST_ORG=org_from_file\nSTORAGE_DRIVER=sqlite\n"), 0o600))

	// godotenv does not override variables that are already set.
	t.Setenv("STORAGE_DRIVER", "redis")
	t.Setenv("POLAR_ORGANIZATION_ID", "")
	t.Cleanup(func() { os.Unsetenv("POLAR_TEST_ORG") })

	cfg := Load(path)

	assert.Equal(t, "redis", cfg.StorageDriver)
	assert.Equal(t, "org_from_file", os.Getenv("POLAR_TEST_ORG"))
}
