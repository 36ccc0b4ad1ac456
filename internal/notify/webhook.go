package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookConfig holds the webhook endpoint settings.
type WebhookConfig struct {
	URL     string
	Method  string
	Headers map[string]string
	Timeout time.Duration
}

// WebhookPayload is the JSON body posted to the webhook.
type WebhookPayload struct {
	Event      string    `json:"event"`
	AttemptID  string    `json:"attempt_id"`
	Target     string    `json:"target"`
	Stage      string    `json:"stage"`
	Error      string    `json:"error"`
	Trace      string    `json:"trace"`
	OccurredAt time.Time `json:"occurred_at"`
}

// WebhookChannel posts failures as JSON to an HTTP endpoint.
type WebhookChannel struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookChannel creates a webhook notification channel.
func NewWebhookChannel(config WebhookConfig) *WebhookChannel {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WebhookChannel{
		config: config,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns "webhook".
func (wc *WebhookChannel) Name() string { return "webhook" }

// Enabled checks if a URL is configured.
func (wc *WebhookChannel) Enabled() bool {
	return wc.config.URL != ""
}

// Send posts the failure payload. Any status >= 400 is a failure.
func (wc *WebhookChannel) Send(ctx context.Context, f Failure) error {
	if wc.config.URL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	payload := WebhookPayload{
		Event:      "backup.failed",
		AttemptID:  f.AttemptID,
		Target:     f.Target,
		Stage:      string(f.Stage),
		Trace:      f.Trace(),
		OccurredAt: f.OccurredAt,
	}
	if f.Err != nil {
		payload.Error = f.Err.Error()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	method := wc.config.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, wc.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range wc.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := wc.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned error status: %d", resp.StatusCode)
	}

	return nil
}
