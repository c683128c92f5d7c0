package redis

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gopolar/pkg/polar"
	"github.com/mihaimyh/gopolar/storage/storagetest"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on REDIS_TEST_ADDR (default localhost:6379)
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}
	return client
}

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		client     redis.UniversalClient
		config     Config
		wantErr    bool
		wantPrefix string
	}{
		{name: "nil client", config: DefaultConfig(), wantErr: true},
		{
			name:       "default config",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     DefaultConfig(),
			wantPrefix: "polar:",
		},
		{
			name:       "empty prefix falls back",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{},
			wantPrefix: "polar:",
		},
		{
			name:       "custom prefix",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{KeyPrefix: "test:", MaxRetries: 5},
			wantPrefix: "test:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.client, tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrefix, s.config.KeyPrefix)
			assert.NotZero(t, s.config.MaxRetries)
			assert.Contains(t, s.scripts, "insert")
		})
	}
}

func TestKeys(t *testing.T) {
	s, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{KeyPrefix: "p:"})
	require.NoError(t, err)
	ref := polar.BillableRef{ID: "7", Type: "teams"}

	assert.Equal(t, "p:customer:teams:7", s.customerKey(ref))
	assert.Equal(t, "p:subscription:sub_1", s.subscriptionKey("sub_1"))
	assert.Equal(t, "p:order:ord_1", s.orderKey("ord_1"))
	assert.Equal(t, "p:billable:teams:7:subscriptions", s.subscriptionIndexKey(ref))
	assert.Equal(t, "p:billable:teams:7:orders", s.orderIndexKey(ref))
}

func TestStorage_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) polar.Storage {
		s, err := New(setupTestRedis(t), DefaultConfig())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestStorage_Ping(t *testing.T) {
	s, err := New(setupTestRedis(t), DefaultConfig())
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Ping(context.Background()))
}
