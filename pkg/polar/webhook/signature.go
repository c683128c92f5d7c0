package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mihaimyh/gopolar/pkg/polar"
)

// Standard Webhooks headers sent by Polar.
const (
	HeaderID        = "webhook-id"
	HeaderTimestamp = "webhook-timestamp"
	HeaderSignature = "webhook-signature"
)

// DefaultTolerance bounds the clock skew accepted between Polar and us.
const DefaultTolerance = 5 * time.Minute

const secretPrefix = "whsec_"

// Verifier checks Standard Webhooks signatures.
type Verifier struct {
	key       []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a verifier. Secrets prefixed with "whsec_" are base64
// decoded; any other secret is used as raw key bytes, which is how Polar
// signs with the secret shown in its dashboard.
func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: empty webhook secret", polar.ErrProviderNotConfigured)
	}
	key := []byte(secret)
	if strings.HasPrefix(secret, secretPrefix) {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, secretPrefix))
		if err != nil {
			return nil, fmt.Errorf("invalid webhook secret: %w", err)
		}
		key = decoded
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{key: key, tolerance: tolerance, now: time.Now}, nil
}

// Sign returns the signature header value for a message.
func (v *Verifier) Sign(id string, ts time.Time, body []byte) string {
	return "v1," + base64.StdEncoding.EncodeToString(v.mac(id, ts.Unix(), body))
}

// Headers returns the full header set Polar would send for body.
func (v *Verifier) Headers(id string, ts time.Time, body []byte) http.Header {
	h := http.Header{}
	h.Set(HeaderID, id)
	h.Set(HeaderTimestamp, strconv.FormatInt(ts.Unix(), 10))
	h.Set(HeaderSignature, v.Sign(id, ts, body))
	return h
}

// Verify checks the headers of a delivery against body.
func (v *Verifier) Verify(h http.Header, body []byte) error {
	id := strings.TrimSpace(h.Get(HeaderID))
	tsRaw := strings.TrimSpace(h.Get(HeaderTimestamp))
	sigs := strings.TrimSpace(h.Get(HeaderSignature))
	if id == "" || tsRaw == "" || sigs == "" {
		return fmt.Errorf("%w: missing headers", polar.ErrInvalidWebhookSignature)
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid timestamp", polar.ErrInvalidWebhookSignature)
	}
	now := v.now()
	sent := time.Unix(ts, 0)
	if now.Sub(sent) > v.tolerance {
		return fmt.Errorf("%w: timestamp too old", polar.ErrInvalidWebhookSignature)
	}
	if sent.Sub(now) > v.tolerance {
		return fmt.Errorf("%w: timestamp too new", polar.ErrInvalidWebhookSignature)
	}

	expected := v.mac(id, ts, body)
	for _, candidate := range strings.Fields(sigs) {
		version, sig, ok := strings.Cut(candidate, ",")
		if !ok || version != "v1" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", polar.ErrInvalidWebhookSignature)
}

func (v *Verifier) mac(id string, ts int64, body []byte) []byte {
	m := hmac.New(sha256.New, v.key)
	m.Write([]byte(id))
	m.Write([]byte{'.'})
	m.Write([]byte(strconv.FormatInt(ts, 10)))
	m.Write([]byte{'.'})
	m.Write(body)
	return m.Sum(nil)
}
