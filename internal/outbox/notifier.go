package outbox

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/znz-systems/mailslot/internal/models"
	"go.uber.org/zap"
)

const (
	SignatureHeader = "X-Mailslot-Signature"
	EventHeader     = "X-Mailslot-Event"
	EventIDHeader   = "X-Mailslot-Event-Id"
)

// LogNotifier only logs events. It is used when no webhook is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, event models.OutboxEvent) error {
	n.logger.Info("outbox event",
		zap.Int64("event_id", event.ID),
		zap.String("kind", event.Kind),
		zap.ByteString("payload", event.Payload),
	)
	return nil
}

// WebhookNotifier POSTs each event payload to a URL, signed with
// HMAC-SHA256 over the body when a secret is set.
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookNotifier(url, secret string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    strings.TrimSpace(url),
		secret: secret,
		client: &http.Client{Timeout: timeout},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, event models.OutboxEvent) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(event.Payload))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, event.Kind)
	req.Header.Set(EventIDHeader, strconv.FormatInt(event.ID, 10))
	if n.secret != "" {
		req.Header.Set(SignatureHeader, Sign(event.Payload, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return fmt.Errorf("%w: webhook returned HTTP %d: %s", ErrPermanent, resp.StatusCode, strings.TrimSpace(string(body)))
	default:
		return fmt.Errorf("webhook returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}
