package alerting

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// DedupKey derives the stable key for an event's underlying condition. It
// depends only on property, period, metric and anomaly family.
func DedupKey(propertyID int64, periodID *int64, metric, family string) string {
	period := "-"
	if periodID != nil {
		period = strconv.FormatInt(*periodID, 10)
	}
	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(propertyID, 10)))
	h.Write([]byte{0})
	h.Write([]byte(period))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(metric))))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(family))))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Deduplicator folds repeated detections of the same condition into one alert.
type Deduplicator struct {
	store Store
}

// NewDeduplicator creates a deduplicator reading open alerts from store.
func NewDeduplicator(store Store) *Deduplicator {
	return &Deduplicator{store: store}
}

// Dedupe returns the alert ev belongs to. An existing open alert is returned
// as a modified copy with the occurrence merged in; otherwise a new Active
// alert is built. Nothing is written: the caller commits the result.
func (d *Deduplicator) Dedupe(ctx context.Context, ev *DetectionEvent, now time.Time) (*Alert, bool, error) {
	key := DedupKey(ev.PropertyID, ev.PeriodID, ev.MetricOrAccount, ev.AnomalyFamily)
	occ := Occurrence{At: eventTime(ev, now), Severity: ev.Severity, SourceEventID: ev.ID}

	existing, ok, err := d.store.GetOpenByDedupKey(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		al := existing.Clone()
		al.appendOccurrence(occ)
		al.Severity = MaxSeverity(al.Severity, ev.Severity)
		al.Confidence = max(al.Confidence, ev.Confidence)
		al.UpdatedAt = now
		return al, false, nil
	}

	al := &Alert{
		ID:               ulid.Make().String(),
		DedupKey:         key,
		AlertType:        ev.Type(),
		Severity:         ev.Severity,
		OriginalSeverity: ev.Severity,
		Status:           StatusActive,
		PropertyID:       ev.PropertyID,
		PeriodID:         clonePtr(ev.PeriodID),
		MetricOrAccount:  ev.MetricOrAccount,
		AnomalyFamily:    ev.AnomalyFamily,
		Confidence:       ev.Confidence,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	al.appendOccurrence(occ)
	return al, true, nil
}

func eventTime(ev *DetectionEvent, now time.Time) time.Time {
	if ev.DetectedAt.IsZero() {
		return now
	}
	return ev.DetectedAt
}
