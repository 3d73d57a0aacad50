package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"signguard/internal/event"
)

// Channel delivers alerts somewhere outside the process.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert *Alert) error
}

// WebhookChannel sends alerts via HTTP webhook.
type WebhookChannel struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a new webhook channel.
func NewWebhookChannel(name, url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		name:    name,
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookChannel) Name() string {
	return w.name
}

func (w *WebhookChannel) Send(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	return postJSON(ctx, w.client, w.url, w.headers, payload)
}

// SlackChannel sends alerts to a Slack incoming webhook.
type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

// NewSlackChannel creates a new Slack channel.
func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, alert *Alert) error {
	payload := map[string]any{
		"username": "signguard",
		"attachments": []map[string]any{
			{
				"color":  severityColor(alert.Severity),
				"title":  fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Title),
				"fields": slackFields(alert),
				"footer": fmt.Sprintf("Alert %s | Rule %s", shortID(alert.ID), alert.RuleID),
				"ts":     alert.CreatedAt.Unix(),
			},
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return postJSON(ctx, s.client, s.webhookURL, nil, data)
}

func severityColor(sev event.Severity) string {
	switch sev {
	case event.SeverityCritical:
		return "#FF0000"
	case event.SeverityHigh:
		return "#FFA500"
	case event.SeverityMedium:
		return "#FFFF00"
	case event.SeverityLow:
		return "#00FF00"
	default:
		return "#808080"
	}
}

func slackFields(alert *Alert) []map[string]any {
	fields := []map[string]any{
		{"title": "Severity", "value": string(alert.Severity), "short": true},
		{"title": "Count", "value": fmt.Sprintf("%d", alert.Count), "short": true},
		{"title": "Action", "value": string(alert.Action), "short": true},
	}
	if alert.Subject != "" {
		fields = append(fields, map[string]any{
			"title": "Subject", "value": alert.Subject, "short": true,
		})
	}
	return fields
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// LogChannel writes alerts to a structured logger.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a new log channel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string {
	return "log"
}

func (l *LogChannel) Send(ctx context.Context, alert *Alert) error {
	l.logger.WarnContext(ctx, "ALERT",
		"id", alert.ID,
		"rule", alert.RuleID,
		"severity", alert.Severity,
		"action", alert.Action,
		"subject", alert.Subject,
		"count", alert.Count,
	)
	return nil
}
