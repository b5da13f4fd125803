package notifications

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/crosslogic/usage-meter/pkg/events"
	"go.uber.org/zap"
)

// Signature headers set when a webhook secret is configured.
const (
	HeaderSignature = "X-Meter-Signature"
	HeaderEventType = "X-Meter-Event-Type"
	HeaderEventID   = "X-Meter-Event-ID"
)

// WebhookAdapter sends notifications to generic webhooks with HMAC signatures
type WebhookAdapter struct {
	url     string
	secret  string
	method  string
	headers map[string]string
	client  *http.Client
	logger  *zap.Logger
}

// WebhookPayload represents the payload sent to generic webhooks
type WebhookPayload struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Timestamp string                 `json:"timestamp"`
	CallerID  string                 `json:"caller_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// NewWebhookAdapter creates a new generic webhook adapter
func NewWebhookAdapter(url, secret, method string, headers map[string]string, logger *zap.Logger) *WebhookAdapter {
	if method == "" {
		method = http.MethodPost
	}
	return &WebhookAdapter{
		url:     url,
		secret:  secret,
		method:  method,
		headers: headers,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

func (w *WebhookAdapter) Name() string { return ChannelWebhook }

// Send delivers event as JSON to the configured URL
func (w *WebhookAdapter) Send(ctx context.Context, event events.Event) error {
	payload := WebhookPayload{
		EventID:   event.ID,
		EventType: string(event.Type),
		Timestamp: event.Timestamp.Format(time.RFC3339),
		CallerID:  event.CallerID,
		Data:      event.Payload,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, w.method, w.url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "usage-meter-notifications/1.0")
	for key, value := range w.headers {
		req.Header.Set(key, value)
	}

	if w.secret != "" {
		req.Header.Set(HeaderSignature, Sign(jsonData, w.secret))
		req.Header.Set(HeaderEventType, string(event.Type))
		req.Header.Set(HeaderEventID, event.ID)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.logger.Debug("webhook sent",
		zap.String("event_id", event.ID),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}

// Sign returns the HMAC-SHA256 signature of payload as "sha256=<hex>".
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign. Receivers of the
// webhook use it to authenticate deliveries.
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(Sign(payload, secret)))
}
