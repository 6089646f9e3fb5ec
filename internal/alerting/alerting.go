package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// AlertConfig holds alerting configuration.
type AlertConfig struct {
	// WebhookURL is a generic webhook endpoint (Slack, Discord, or custom)
	WebhookURL string
	// WebhookType determines the payload format: "slack", "discord", or "generic"
	WebhookType string
	// MinFailuresBeforeAlert is the threshold before sending alerts
	MinFailuresBeforeAlert int
	// Timeout for HTTP requests
	Timeout time.Duration
}

// Enabled reports whether a webhook is configured.
func (c AlertConfig) Enabled() bool { return c.WebhookURL != "" }

// DetectWebhookType guesses the payload format from the webhook host.
func DetectWebhookType(url string) string {
	switch {
	case strings.Contains(url, "slack.com"):
		return "slack"
	case strings.Contains(url, "discord.com"):
		return "discord"
	}
	return "generic"
}

// Alerter sends alerts to configured webhooks.
type Alerter struct {
	cfg    AlertConfig
	client *http.Client
	logger *zap.Logger
}

// NewAlerter creates a new alerter instance.
func NewAlerter(cfg AlertConfig, logger *zap.Logger) *Alerter {
	if cfg.WebhookType == "" {
		cfg.WebhookType = DetectWebhookType(cfg.WebhookURL)
	}
	if cfg.MinFailuresBeforeAlert < 1 {
		cfg.MinFailuresBeforeAlert = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("alerting"),
	}
}

// Alert describes a job run that needs attention.
type Alert struct {
	JobName   string
	Summary   string
	Total     int
	Failed    int
	Duration  time.Duration
	Details   []Failure
	Timestamp time.Time
}

// Failure is one item of an alert, such as a bank account that drifted.
type Failure struct {
	Subject string `json:"subject"`
	Error   string `json:"error"`
}

// Send posts alert to the webhook unless alerting is off or the failure
// count is below the threshold.
func (a *Alerter) Send(ctx context.Context, alert Alert) error {
	if !a.cfg.Enabled() {
		a.logger.Debug("alerts disabled, skipping", zap.String("job", alert.JobName))
		return nil
	}
	if alert.Failed < a.cfg.MinFailuresBeforeAlert {
		a.logger.Debug("failures below threshold, skipping",
			zap.Int("failed", alert.Failed), zap.Int("threshold", a.cfg.MinFailuresBeforeAlert))
		return nil
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	var payload []byte
	var err error

	switch a.cfg.WebhookType {
	case "slack":
		payload, err = buildSlackPayload(alert)
	case "discord":
		payload, err = buildDiscordPayload(alert)
	default:
		payload, err = buildGenericPayload(alert)
	}

	if err != nil {
		return fmt.Errorf("build payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	a.logger.Info("alert sent", zap.String("job", alert.JobName), zap.Int("failed", alert.Failed))
	return nil
}

func failureLines(alert Alert, bold string) string {
	var b strings.Builder
	for _, f := range alert.Details {
		fmt.Fprintf(&b, "• %s%s%s: %s\n", bold, f.Subject, bold, f.Error)
	}
	return b.String()
}

func buildSlackPayload(alert Alert) ([]byte, error) {
	emoji := ":warning:"
	if alert.Total > 0 && alert.Failed == alert.Total {
		emoji = ":x:"
	}

	payload := map[string]any{
		"blocks": []map[string]any{
			{
				"type": "header",
				"text": map[string]string{
					"type": "plain_text",
					"text": fmt.Sprintf("%s %s", emoji, alert.JobName),
				},
			},
			{
				"type": "section",
				"fields": []map[string]string{
					{"type": "mrkdwn", "text": fmt.Sprintf("*Summary:*\n%s", alert.Summary)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Failed:*\n%d/%d", alert.Failed, alert.Total)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Duration:*\n%s", alert.Duration.Round(time.Millisecond))},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Timestamp:*\n%s", alert.Timestamp.Format(time.RFC3339))},
				},
			},
			{
				"type": "section",
				"text": map[string]string{
					"type": "mrkdwn",
					"text": fmt.Sprintf("*Details:*\n%s", failureLines(alert, "*")),
				},
			},
		},
	}

	return json.Marshal(payload)
}

func buildDiscordPayload(alert Alert) ([]byte, error) {
	color := 16776960 // Yellow
	if alert.Total > 0 && alert.Failed == alert.Total {
		color = 16711680 // Red
	}

	payload := map[string]any{
		"embeds": []map[string]any{
			{
				"title":       alert.JobName,
				"description": alert.Summary,
				"color":       color,
				"fields": []map[string]any{
					{"name": "Failed", "value": fmt.Sprintf("%d/%d", alert.Failed, alert.Total), "inline": true},
					{"name": "Duration", "value": alert.Duration.Round(time.Millisecond).String(), "inline": true},
					{"name": "Details", "value": failureLines(alert, "**"), "inline": false},
				},
				"timestamp": alert.Timestamp.Format(time.RFC3339),
			},
		},
	}

	return json.Marshal(payload)
}

func buildGenericPayload(alert Alert) ([]byte, error) {
	payload := map[string]any{
		"alert_type":   "job_failure",
		"job_name":     alert.JobName,
		"summary":      alert.Summary,
		"total_count":  alert.Total,
		"failed_count": alert.Failed,
		"duration_ms":  alert.Duration.Milliseconds(),
		"timestamp":    alert.Timestamp.Format(time.RFC3339),
		"details":      alert.Details,
	}

	return json.Marshal(payload)
}
