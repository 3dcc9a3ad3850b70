package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/qa-queue/internal/model"
)

// WebhookChannel posts alerts as JSON to a URL
type WebhookChannel struct {
	logger     *zap.Logger
	httpClient *http.Client
	url        string
	headers    map[string]string
}

// NewWebhookChannel creates a new webhook channel
func NewWebhookChannel(url string, headers map[string]string, logger *zap.Logger) *WebhookChannel {
	return &WebhookChannel{
		logger: logger.Named("webhook"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		url:     url,
		headers: headers,
	}
}

// Send implements NotificationChannel
func (c *WebhookChannel) Send(ctx context.Context, alert *model.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook failed with status: %d", resp.StatusCode)
	}

	c.logger.Debug("Alert delivered",
		zap.String("id", alert.ID),
		zap.Int("status", resp.StatusCode))
	return nil
}
