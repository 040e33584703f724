// Package slack posts new high-severity alerts and breaker escalations to
// Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/warden/internal/alerting"
)

const (
	maxTextLen  = 3000
	httpTimeout = 10 * time.Second
)

// Notifier sends alert events to a Slack webhook. It implements
// alerting.Publisher.
type Notifier struct {
	webhookURL  string
	minSeverity alerting.Severity
	client      *http.Client
	logger      log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, every publish is
// a no-op. Alerts below minSeverity are skipped; an empty minSeverity means
// critical.
func New(webhookURL string, minSeverity alerting.Severity, logger log.Logger) *Notifier {
	if !minSeverity.Valid() {
		minSeverity = alerting.SeverityCritical
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL:  webhookURL,
		minSeverity: minSeverity,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// PublishAlert posts newly created alerts at or above the minimum severity.
// Updates and status changes are not sent.
func (n *Notifier) PublishAlert(ctx context.Context, ev *alerting.AlertEvent) error {
	if n.webhookURL == "" || ev.Kind != alerting.AlertCreated {
		return nil
	}
	if ev.Alert.Severity.Rank() < n.minSeverity.Rank() {
		return nil
	}
	if err := n.post(ctx, alertMessage(ev.Alert)); err != nil {
		return err
	}
	n.logger.Info(ctx, "slack alert notification sent", "alert_id", ev.Alert.ID, "severity", ev.Alert.Severity)
	return nil
}

// PublishEscalation posts a breaker escalation.
func (n *Notifier) PublishEscalation(ctx context.Context, e *alerting.Escalation) error {
	if n.webhookURL == "" {
		return nil
	}
	return n.post(ctx, escalationMessage(e))
}

func (n *Notifier) post(ctx context.Context, msg map[string]any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func alertMessage(al *alerting.Alert) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(fmt.Sprintf("%s %s alert: %s", severityEmoji(al.Severity), titleCase(string(al.Severity)), al.MetricOrAccount)),
			{"type": "divider"},
			fieldsBlock(al),
			{"type": "divider"},
			contextBlock(fmt.Sprintf("warden • alert %s • %s", al.ID, al.CreatedAt.UTC().Format("2006-01-02 15:04 UTC"))),
		},
	}
}

func escalationMessage(e *alerting.Escalation) map[string]any {
	text := fmt.Sprintf("Alert volume is %d in the current window against a threshold of %d.", e.Current, e.Threshold)
	if e.Expected > 0 {
		text += fmt.Sprintf(" Baseline expects %.1f.", e.Expected)
	}
	text += " Warning alerts are being downgraded to info."
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock("\U0001f6a8 Alert storm: circuit breaker " + string(e.State)),
			{
				"type": "section",
				"text": map[string]any{"type": "mrkdwn", "text": truncate(text, maxTextLen)},
			},
			contextBlock("warden • breaker • " + e.At.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}
}

func headerBlock(text string) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(text, 150),
		},
	}
}

func fieldsBlock(al *alerting.Alert) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Property:* %d", al.PropertyID),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Type:* %s", al.AlertType),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Priority:* %.1f", al.PriorityScore),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Business impact:* %.1f", al.BusinessImpactScore),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*SLA due:* %s", al.SLADueAt.UTC().Format("2006-01-02 15:04 UTC")),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Confidence:* %.0f%%", al.Confidence*100),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func contextBlock(text string) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": text},
		},
	}
}

func severityEmoji(sev alerting.Severity) string {
	switch sev {
	case alerting.SeverityUrgent:
		return "\U0001f6a8" // rotating light
	case alerting.SeverityCritical:
		return "\U0001f534" // red circle
	case alerting.SeverityWarning:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
