// Package alerts delivers operator alerts to chat and webhook endpoints.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Alert is one operator notification.
type Alert struct {
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
}

// Channel defines the interface for alert delivery.
type Channel interface {
	Send(ctx context.Context, alert Alert) error
	Type() string
}

// WebhookChannel posts alerts as JSON.
type WebhookChannel struct {
	URL    string
	client *http.Client
}

func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{URL: url, client: &http.Client{Timeout: timeout}}
}

func (w *WebhookChannel) Type() string {
	return "webhook"
}

func (w *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	return postJSON(ctx, w.client, w.URL, alert, "webhook")
}

// SlackChannel posts alerts to a Slack incoming webhook.
type SlackChannel struct {
	WebhookURL string
	client     *http.Client
}

func NewSlackChannel(webhookURL string, timeout time.Duration) *SlackChannel {
	return &SlackChannel{WebhookURL: webhookURL, client: &http.Client{Timeout: timeout}}
}

func (s *SlackChannel) Type() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, alert Alert) error {
	payload := map[string]interface{}{
		"text": fmt.Sprintf(":rotating_light: %s", alert.Title),
		"attachments": []map[string]interface{}{
			{
				"color": "#FF0000",
				"text":  alert.Message,
				"fields": []map[string]interface{}{
					{"title": "Service", "value": alert.Service, "short": true},
					{"title": "Raised", "value": alert.Timestamp.UTC().Format(time.RFC3339), "short": true},
				},
				"footer": "correspondence alerts",
				"ts":     alert.Timestamp.Unix(),
			},
		},
	}
	return postJSON(ctx, s.client, s.WebhookURL, payload, "slack")
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, kind string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create %s request: %w", kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "courier-correspondence/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", kind, resp.StatusCode)
	}
	return nil
}

// MultiChannel fans an alert out to several channels. It fails only when
// every channel fails.
type MultiChannel struct {
	channels []Channel
}

func NewMultiChannel(channels ...Channel) *MultiChannel {
	return &MultiChannel{channels: channels}
}

func (m *MultiChannel) Type() string {
	return "multi"
}

func (m *MultiChannel) Send(ctx context.Context, alert Alert) error {
	var lastErr error
	successCount := 0

	for _, ch := range m.channels {
		if err := ch.Send(ctx, alert); err != nil {
			lastErr = fmt.Errorf("%s channel failed: %w", ch.Type(), err)
		} else {
			successCount++
		}
	}

	if successCount == 0 && len(m.channels) > 0 {
		return fmt.Errorf("all alert channels failed: %w", lastErr)
	}
	return nil
}
