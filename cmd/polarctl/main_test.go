package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gopolar/pkg/config"
	"github.com/mihaimyh/gopolar/pkg/polar"
	"github.com/mihaimyh/gopolar/pkg/polar/client"
	"github.com/mihaimyh/gopolar/pkg/polar/forward"
	"github.com/mihaimyh/gopolar/pkg/polar/webhook"
	"github.com/mihaimyh/gopolar/storage/sqlite"
)

var fixedNow = time.Date(2025, 6, 1, 10, 0, 5, 0, time.UTC)

// run executes polarctl with args against deps, isolated from any .env in
// the working directory.
func run(t *testing.T, d deps, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand(d)
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "none.env")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func testDeps(baseURL string) deps {
	return deps{
		newAPI: func(cfg *config.Config, logger polar.Logger) (polar.API, error) {
			return client.New(client.Config{
				AccessToken:      cfg.PolarAccessToken,
				BaseURL:          baseURL,
				FailureThreshold: -1,
				Logger:           logger,
			})
		},
		now: func() time.Time { return fixedNow },
	}
}

func TestProductsList(t *testing.T) {
	t.Setenv("POLAR_ACCESS_TOKEN", "polar_oat_test")

	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/products/", r.URL.Path)
		assert.Equal(t, "Bearer polar_oat_test", r.Header.Get("Authorization"))
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"items":[
			{"id":"prod_1","name":"Pro","is_recurring":true,"recurring_interval":"month",
			 "prices":[{"id":"price_1","price_amount":1999,"price_currency":"usd"}]},
			{"id":"prod_2","name":"Lifetime","is_recurring":false,"prices":[]}
		],"pagination":{"total_count":2,"max_page":1}}`))
	}))
	defer srv.Close()

	out, err := run(t, testDeps(srv.URL), "products", "list", "--organization", "org_1", "--archived=false")
	require.NoError(t, err)

	assert.Contains(t, gotQuery, "organization_id=org_1")
	assert.Contains(t, gotQuery, "is_archived=false")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "ID")
	assert.Contains(t, lines[1], "prod_1")
	assert.Contains(t, lines[1], "19.99 usd")
	assert.Contains(t, lines[1], "month")
	assert.Contains(t, lines[2], "Lifetime")
}

func TestProductsList_RequiresToken(t *testing.T) {
	t.Setenv("POLAR_ACCESS_TOKEN", "")
	_, err := run(t, testDeps("http://127.0.0.1:0"), "products", "list")
	assert.ErrorContains(t, err, "POLAR_ACCESS_TOKEN")
}

func TestProductsList_APIError(t *testing.T) {
	t.Setenv("POLAR_ACCESS_TOKEN", "polar_oat_test")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"invalid token"}`))
	}))
	defer srv.Close()

	_, err := run(t, testDeps(srv.URL), "products", "list")
	require.Error(t, err)
	assert.ErrorIs(t, err, polar.ErrProviderAPIError)
}

func TestWebhookReplay(t *testing.T) {
	db := filepath.Join(t.TempDir(), "replay.db")

	out, err := run(t, testDeps(""), "webhook", "replay", "testdata/order_created.json", "--db", db)
	require.NoError(t, err)

	var names []string
	var created forward.Message
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var msg forward.Message
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &msg))
		names = append(names, msg.Name)
		if msg.Name == webhook.EventOrderCreated {
			created = msg
		}
	}
	assert.Equal(t, []string{webhook.NameWebhookReceived, webhook.EventOrderCreated, webhook.NameWebhookHandled}, names)
	assert.Equal(t, "42", created.BillableID)
	assert.Equal(t, "users", created.BillableType)

	storage, err := sqlite.New(context.Background(), sqlite.Config{Path: db})
	require.NoError(t, err)
	defer storage.Close()
	order, err := storage.GetOrder(context.Background(), "ord_123")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), order.Amount)
	assert.Equal(t, polar.BillableRef{ID: "42", Type: "users"}, order.Billable)

	// A redelivered created event is skipped without a typed event.
	out, err = run(t, testDeps(""), "webhook", "replay", "testdata/order_created.json", "--db", db)
	require.NoError(t, err)
	assert.NotContains(t, out, `"name":"`+webhook.EventOrderCreated+`"`)
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestWebhookReplay_InvalidBody(t *testing.T) {
	_, err := run(t, testDeps(""), "webhook", "replay", "testdata/does_not_exist.json")
	assert.Error(t, err)
}

func TestWebhookSign(t *testing.T) {
	d := testDeps("")
	d.now = time.Now

	out, err := run(t, d, "webhook", "sign", "testdata/order_created.json", "--secret", "s3cret", "--id", "msg_1")
	require.NoError(t, err)

	h := http.Header{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		name, value, ok := strings.Cut(line, ": ")
		require.True(t, ok, line)
		h.Set(name, value)
	}
	assert.Equal(t, "msg_1", h.Get(webhook.HeaderID))

	body, err := stdinOrFile("testdata/order_created.json")
	require.NoError(t, err)
	verifier, err := webhook.NewVerifier("s3cret", 0)
	require.NoError(t, err)
	assert.NoError(t, verifier.Verify(h, body))
}

func TestWebhookSign_RequiresSecret(t *testing.T) {
	t.Setenv("POLAR_WEBHOOK_SECRET", "")
	_, err := run(t, testDeps(""), "webhook", "sign", "testdata/order_created.json")
	assert.ErrorIs(t, err, polar.ErrProviderNotConfigured)
}

func TestInvalidLogLevel(t *testing.T) {
	_, err := run(t, testDeps(""), "--log-level", "loud", "webhook", "sign", "testdata/order_created.json", "--secret", "x")
	assert.ErrorContains(t, err, "invalid log level")
}
