package alerting

import (
	"context"
	"errors"
	"time"
)

// AlertEventKind says why an alert event was emitted.
type AlertEventKind string

const (
	AlertCreated       AlertEventKind = "created"
	AlertUpdated       AlertEventKind = "updated"
	AlertStatusChanged AlertEventKind = "status_changed"
)

// AlertEvent is the outbound notification for an alert create or update.
// Alert is a snapshot; receivers must not modify it.
type AlertEvent struct {
	Kind  AlertEventKind `json:"kind"`
	At    time.Time      `json:"at"`
	Alert *Alert         `json:"alert"`
}

// Publisher delivers outbound alert and escalation events. Delivery, retry and
// delivery-status tracking are the implementation's concern.
type Publisher interface {
	PublishAlert(ctx context.Context, ev *AlertEvent) error
	PublishEscalation(ctx context.Context, e *Escalation) error
}

// MultiPublisher fans out to every publisher. A failing publisher does not
// prevent delivery to the others.
type MultiPublisher []Publisher

// PublishAlert implements Publisher.
func (m MultiPublisher) PublishAlert(ctx context.Context, ev *AlertEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishAlert(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishEscalation implements Publisher.
func (m MultiPublisher) PublishEscalation(ctx context.Context, e *Escalation) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishEscalation(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopPublisher struct{}

func (nopPublisher) PublishAlert(context.Context, *AlertEvent) error { return nil }
func (nopPublisher) PublishEscalation(context.Context, *Escalation) error { return nil }
