package firestore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gopolar/pkg/polar"
	"github.com/mihaimyh/gopolar/storage/storagetest"
)

const testProjectID = "test-project"

// setupFirestoreClient connects to the emulator named by FIRESTORE_EMULATOR_HOST
func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	client, err := firestore.NewClient(context.Background(), testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// testConfig returns unique collection names for each test run
func testConfig(t *testing.T) Config {
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	return Config{
		CustomersCollection:     "test_customers_" + suffix,
		SubscriptionsCollection: "test_subscriptions_" + suffix,
		OrdersCollection:        "test_orders_" + suffix,
	}
}

func TestNew(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestStorage_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) polar.Storage {
		s, err := New(setupFirestoreClient(t), testConfig(t))
		require.NoError(t, err)
		return s
	})
}

func TestStorage_CustomerDocIDEscapesSlashes(t *testing.T) {
	client := setupFirestoreClient(t)
	s, err := New(client, testConfig(t))
	require.NoError(t, err)

	ref := polar.BillableRef{ID: "org/1", Type: "teams"}
	c, err := s.FirstOrCreateCustomer(context.Background(), ref, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, ref, c.Billable)
	assert.Equal(t, "teams:org%2F1", s.customerDoc(ref).ID)
}

func TestDataHelpers(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	data := map[string]interface{}{
		"s":    "x",
		"i":    int64(7),
		"f":    float64(2.6),
		"t":    now,
		"zero": time.Time{},
		"nil":  nil,
	}

	assert.Equal(t, "x", getString(data, "s"))
	assert.Equal(t, "", getString(data, "i"))
	assert.Equal(t, int64(7), getInt(data, "i"))
	assert.Equal(t, int64(3), getInt(data, "f"))
	assert.Equal(t, int64(0), getInt(data, "missing"))
	assert.True(t, getTime(data, "t").Equal(now))
	require.NotNil(t, getTimePtr(data, "t"))
	assert.Nil(t, getTimePtr(data, "zero"))
	assert.Nil(t, getTimePtr(data, "nil"))
	assert.Nil(t, optTime(nil))
	assert.Equal(t, now, optTime(&now))
}

func TestSubscriptionDataRoundTrip(t *testing.T) {
	end := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	sub := &polar.Subscription{
		ID:               "id-1",
		Billable:         polar.BillableRef{ID: "1", Type: "users"},
		Type:             "default",
		PolarID:          "sub_1",
		Status:           polar.SubscriptionActive,
		ProductID:        "prod_1",
		CurrentPeriodEnd: &end,
	}
	got := subscriptionFromData(subscriptionData(sub))
	assert.Equal(t, sub, got)
}
