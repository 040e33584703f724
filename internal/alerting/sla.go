package alerting

import (
	"context"
	"fmt"
	"math"
	"time"
)

// SLATracker assigns response deadlines and records time to acknowledge and
// time to resolve.
type SLATracker struct {
	windows SLAWindows
	store   Store
}

// NewSLATracker creates a tracker using the given per-severity windows.
func NewSLATracker(windows SLAWindows, store Store) *SLATracker {
	return &SLATracker{windows: windows, store: store}
}

// AssignDueTime stamps al.SLADueAt from its persisted severity. It is a no-op
// once a deadline has been issued.
func (t *SLATracker) AssignDueTime(al *Alert) time.Time {
	if al.SLADueAt.IsZero() {
		al.SLADueAt = al.CreatedAt.Add(t.windows.For(al.Severity))
	}
	return al.SLADueAt
}

// RecordAck sets MTTA in whole minutes from creation. An existing value is kept.
func (t *SLATracker) RecordAck(al *Alert, at time.Time) {
	if al.CreatedAt.IsZero() || al.MTTAMinutes != nil {
		return
	}
	m := minutesBetween(al.CreatedAt, at)
	al.MTTAMinutes = &m
}

// RecordResolve sets MTTR in whole minutes from creation. An existing value is kept.
func (t *SLATracker) RecordResolve(al *Alert, at time.Time) {
	if al.CreatedAt.IsZero() || al.MTTRMinutes != nil {
		return
	}
	m := minutesBetween(al.CreatedAt, at)
	al.MTTRMinutes = &m
}

func minutesBetween(from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	return int(to.Sub(from) / time.Minute)
}

// IsBreached reports whether al missed its deadline as of now: it was closed
// after the deadline, or it is still open past it.
func IsBreached(al *Alert, now time.Time) bool {
	if al.SLADueAt.IsZero() {
		return false
	}
	if al.Status == StatusResolved || al.Status == StatusDismissed {
		return al.ResolvedAt != nil && al.ResolvedAt.After(al.SLADueAt)
	}
	return al.SLADueAt.Before(now)
}

// ComplianceReport summarizes SLA performance for alerts created in a window.
type ComplianceReport struct {
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
	Total          int       `json:"total"`
	Breaches       int       `json:"breaches"`
	ComplianceRate float64   `json:"compliance_rate"`
	AvgMTTA        *float64  `json:"avg_mtta_minutes,omitempty"`
	AvgMTTR        *float64  `json:"avg_mttr_minutes,omitempty"`
}

// ComplianceReport evaluates every alert created in [from, to) as of now.
func (t *SLATracker) ComplianceReport(ctx context.Context, from, to, now time.Time) (*ComplianceReport, error) {
	alerts, err := t.store.List(ctx, AlertFilter{CreatedFrom: from, CreatedTo: to})
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return Compliance(alerts, from, to, now), nil
}

// Compliance computes a report over an already loaded set of alerts.
func Compliance(alerts []*Alert, from, to, now time.Time) *ComplianceReport {
	rep := &ComplianceReport{From: from, To: to, ComplianceRate: 100}
	var (
		mttaSum, mttrSum float64
		mttaN, mttrN     int
	)
	for _, al := range alerts {
		rep.Total++
		if IsBreached(al, now) {
			rep.Breaches++
		}
		if al.MTTAMinutes != nil {
			mttaSum += float64(*al.MTTAMinutes)
			mttaN++
		}
		if al.MTTRMinutes != nil {
			mttrSum += float64(*al.MTTRMinutes)
			mttrN++
		}
	}
	if rep.Total > 0 {
		rep.ComplianceRate = round2(float64(rep.Total-rep.Breaches) / float64(rep.Total) * 100)
	}
	if mttaN > 0 {
		v := round2(mttaSum / float64(mttaN))
		rep.AvgMTTA = &v
	}
	if mttrN > 0 {
		v := round2(mttrSum / float64(mttrN))
		rep.AvgMTTR = &v
	}
	return rep
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
