// Package notify implements the notification stage: senders that deliver a
// run's payload to external channels, exposed to the pipeline as runners.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/SentinelIQ/SentinelCore/core"
	"go.uber.org/zap"
)

// ChannelType identifies a delivery channel.
type ChannelType string

const (
	ChannelWebhook ChannelType = "webhook"
	ChannelSlack   ChannelType = "slack"
)

// Sender delivers one message to a channel.
type Sender interface {
	Send(ctx context.Context, subject string, payload map[string]interface{}) error
}

// WebhookSender POSTs the payload as JSON to a configured URL.
type WebhookSender struct {
	URL     string
	Method  string
	Headers map[string]string
	client  *http.Client
	logger  *zap.SugaredLogger
}

// NewWebhookSender creates a webhook sender with the given request timeout.
func NewWebhookSender(url, method string, headers map[string]string, timeout time.Duration, logger *zap.SugaredLogger) *WebhookSender {
	if method == "" {
		method = http.MethodPost
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &WebhookSender{
		URL:     url,
		Method:  method,
		Headers: headers,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Send implements Sender. Non-2xx responses are transient errors so the
// pipeline's retry policy applies.
func (w *WebhookSender) Send(ctx context.Context, subject string, payload map[string]interface{}) error {
	body := map[string]interface{}{
		"subject":   subject,
		"payload":   payload,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return core.Fatalf("encoding webhook payload: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, w.Method, w.URL, bytes.NewReader(data))
	if err != nil {
		return core.Fatalf("building webhook request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return core.Transientf("webhook delivery to %s: %v", w.URL, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return core.Fatalf("webhook rejected with status %d", resp.StatusCode)
		}
		return core.Transientf("webhook returned status %d", resp.StatusCode)
	}
	w.logger.Debugw("Webhook delivered", "url", w.URL, "status", resp.StatusCode)
	return nil
}

// SlackSender posts a text summary to a Slack incoming-webhook URL.
type SlackSender struct {
	webhook *WebhookSender
}

// NewSlackSender creates a Slack sender.
func NewSlackSender(webhookURL string, timeout time.Duration, logger *zap.SugaredLogger) *SlackSender {
	return &SlackSender{
		webhook: NewWebhookSender(webhookURL, http.MethodPost, nil, timeout, logger),
	}
}

// Send implements Sender using Slack's simple text payload.
func (s *SlackSender) Send(ctx context.Context, subject string, payload map[string]interface{}) error {
	summary, _ := json.MarshalIndent(payload, "", "  ")
	text := fmt.Sprintf("*%s*\n```%s```", subject, string(summary))

	data, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return core.Fatalf("encoding slack payload: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhook.URL, bytes.NewReader(data))
	if err != nil {
		return core.Fatalf("building slack request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.webhook.client.Do(req)
	if err != nil {
		return core.Transientf("slack delivery: %v", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return core.Transientf("slack returned status %d", resp.StatusCode)
	}
	return nil
}
