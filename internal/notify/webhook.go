package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Headers set on every webhook delivery.
const (
	HeaderEvent     = "X-Scriptlock-Event"
	HeaderChannel   = "X-Scriptlock-Channel"
	HeaderDelivery  = "X-Scriptlock-Delivery"
	HeaderTimestamp = "X-Scriptlock-Timestamp"
	HeaderSignature = "X-Scriptlock-Signature"
)

const signaturePrefix = "sha256="

// WebhookNotifier posts lock events as JSON to an HTTP endpoint.
//
// Each delivery carries the event type, channel and a delivery id in headers;
// the delivery id stays the same across retries so receivers can drop
// duplicates. With a secret configured the body is signed: HeaderSignature is
// "sha256=" followed by the hex HMAC-SHA256 of "<timestamp>.<body>".
type WebhookNotifier struct {
	url     string
	secret  []byte
	headers map[string]string
	client  *http.Client
	now     func() time.Time
}

// WebhookOption configures a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithWebhookSecret signs every delivery with secret.
func WithWebhookSecret(secret string) WebhookOption {
	return func(w *WebhookNotifier) {
		if secret != "" {
			w.secret = []byte(secret)
		}
	}
}

// WithWebhookHeaders adds static headers, e.g. Authorization, to every delivery.
func WithWebhookHeaders(headers map[string]string) WebhookOption {
	return func(w *WebhookNotifier) {
		w.headers = headers
	}
}

// NewWebhookNotifier creates a webhook notifier posting to url.
func NewWebhookNotifier(url string, opts ...WebhookOption) *WebhookNotifier {
	w := &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Name returns the notifier name.
func (w *WebhookNotifier) Name() string {
	return "webhook"
}

// Send posts the event.
func (w *WebhookNotifier) Send(ctx context.Context, event Event) error {
	body, err := MarshalEvent(event)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	ts := w.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "scriptlock-webhook")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderChannel, event.Channel())
	req.Header.Set(HeaderDelivery, uuid.NewString())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	if len(w.secret) > 0 {
		req.Header.Set(HeaderSignature, SignPayload(w.secret, ts, body))
	}

	resp, err := retryableSend(ctx, w.client, req, 2)
	if err != nil {
		return fmt.Errorf("failed to send %s webhook for %s: %w", event.Type, event.ResourceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d for %s", resp.StatusCode, event.Type)
	}

	return nil
}

// Close cleans up resources.
func (w *WebhookNotifier) Close() error {
	w.client.CloseIdleConnections()
	return nil
}

// SignPayload returns the HeaderSignature value for body sent at timestamp ts.
func SignPayload(secret []byte, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received delivery against secret. Deliveries whose
// timestamp is further than tolerance from now are rejected.
func VerifySignature(secret []byte, header string, ts int64, body []byte, now time.Time, tolerance time.Duration) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	if d := now.Sub(time.Unix(ts, 0)); d > tolerance || d < -tolerance {
		return false
	}
	return hmac.Equal([]byte(header), []byte(SignPayload(secret, ts, body)))
}
