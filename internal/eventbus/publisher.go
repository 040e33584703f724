package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alerting"
)

// msgPublisher is the part of *nats.Conn the publisher uses.
type msgPublisher interface {
	Publish(subject string, data []byte) error
}

// Publisher emits alert events on <prefix>.<kind> and breaker escalations on
// <prefix>.escalation.
type Publisher struct {
	conn   msgPublisher
	prefix string
	logger log.Logger
}

// NewPublisher creates a publisher. conn is usually a *nats.Conn.
func NewPublisher(conn msgPublisher, prefix string, logger log.Logger) *Publisher {
	if prefix == "" {
		prefix = "warden.alerts"
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Publisher{conn: conn, prefix: prefix, logger: logger}
}

// PublishAlert implements alerting.Publisher.
func (p *Publisher) PublishAlert(ctx context.Context, ev *alerting.AlertEvent) error {
	subject := p.prefix + "." + string(ev.Kind)
	if err := p.publish(subject, ev); err != nil {
		return err
	}
	p.logger.Info(ctx, "published alert event",
		"subject", subject,
		"alert_id", ev.Alert.ID,
		"severity", ev.Alert.Severity,
		"status", ev.Alert.Status,
	)
	return nil
}

// PublishEscalation implements alerting.Publisher.
func (p *Publisher) PublishEscalation(ctx context.Context, e *alerting.Escalation) error {
	subject := p.prefix + ".escalation"
	if err := p.publish(subject, e); err != nil {
		return err
	}
	p.logger.Warn(ctx, "published breaker escalation", "subject", subject, "current_volume", e.Current)
	return nil
}

func (p *Publisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
