package webhook

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gopolar/pkg/polar"
)

func TestNewVerifier(t *testing.T) {
	_, err := NewVerifier("", 0)
	assert.ErrorIs(t, err, polar.ErrProviderNotConfigured)

	_, err = NewVerifier("whsec_!!!not-base64", 0)
	assert.Error(t, err)

	v, err := NewVerifier("whsec_"+base64.StdEncoding.EncodeToString([]byte("key")), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("key"), v.key)
	assert.Equal(t, DefaultTolerance, v.tolerance)

	v, err = NewVerifier("plain-secret", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []byte("plain-secret"), v.key)
	assert.Equal(t, time.Minute, v.tolerance)
}

func TestVerifier_Verify(t *testing.T) {
	now := time.Unix(1_780_000_000, 0)
	body := []byte(`{"type":"order.created","data":{}}`)

	v, err := NewVerifier("test_secret", 0)
	require.NoError(t, err)
	v.now = func() time.Time { return now }

	other, err := NewVerifier("other_secret", 0)
	require.NoError(t, err)

	tests := []struct {
		name    string
		headers func() http.Header
		body    []byte
		wantErr bool
	}{
		{
			name:    "valid",
			headers: func() http.Header { return v.Headers("msg_1", now, body) },
			body:    body,
		},
		{
			name: "valid among several signatures",
			headers: func() http.Header {
				h := v.Headers("msg_1", now, body)
				h.Set(HeaderSignature, "v1,Zm9v v2,abc "+h.Get(HeaderSignature))
				return h
			},
			body: body,
		},
		{
			name:    "within tolerance",
			headers: func() http.Header { return v.Headers("msg_1", now.Add(-4*time.Minute), body) },
			body:    body,
		},
		{
			name:    "tampered body",
			headers: func() http.Header { return v.Headers("msg_1", now, body) },
			body:    []byte(`{"type":"order.created","data":{"id":"x"}}`),
			wantErr: true,
		},
		{
			name:    "wrong secret",
			headers: func() http.Header { return other.Headers("msg_1", now, body) },
			body:    body,
			wantErr: true,
		},
		{
			name: "id mismatch",
			headers: func() http.Header {
				h := v.Headers("msg_1", now, body)
				h.Set(HeaderID, "msg_2")
				return h
			},
			body:    body,
			wantErr: true,
		},
		{
			name:    "too old",
			headers: func() http.Header { return v.Headers("msg_1", now.Add(-6*time.Minute), body) },
			body:    body,
			wantErr: true,
		},
		{
			name:    "too new",
			headers: func() http.Header { return v.Headers("msg_1", now.Add(6*time.Minute), body) },
			body:    body,
			wantErr: true,
		},
		{
			name: "bad timestamp",
			headers: func() http.Header {
				h := v.Headers("msg_1", now, body)
				h.Set(HeaderTimestamp, "yesterday")
				return h
			},
			body:    body,
			wantErr: true,
		},
		{
			name: "missing signature",
			headers: func() http.Header {
				h := http.Header{}
				h.Set(HeaderID, "msg_1")
				h.Set(HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
				return h
			},
			body:    body,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.headers(), tt.body)
			if tt.wantErr {
				assert.ErrorIs(t, err, polar.ErrInvalidWebhookSignature)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
