package alerting

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Severity classifies how urgent an alert is. Severities are totally ordered
// Info < Warning < Critical < Urgent.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityUrgent   Severity = "urgent"
)

// Rank returns the position of s in the severity order, 0 for unknown values.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	case SeverityUrgent:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// ParseSeverity normalizes a severity name. Unknown names return an error.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}

// MaxSeverity returns the higher of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Status tracks where an alert is in its lifecycle.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
	StatusSuppressed   Status = "suppressed"
	StatusSnoozed      Status = "snoozed"
	StatusDismissed    Status = "dismissed"
)

// OpenStatuses are the statuses under which an alert still owns its dedup key.
var OpenStatuses = []Status{StatusActive, StatusAcknowledged, StatusSuppressed, StatusSnoozed}

// IsOpen reports whether s still owns its dedup key.
func (s Status) IsOpen() bool {
	switch s {
	case StatusActive, StatusAcknowledged, StatusSuppressed, StatusSnoozed:
		return true
	default:
		return false
	}
}

// IsHeld reports whether s hides the alert from the needs-attention view.
func (s Status) IsHeld() bool {
	return s == StatusSuppressed || s == StatusSnoozed
}

// Well-known DetectionEvent attribute keys.
const (
	AttrActualValue  = "actual_value"
	AttrThreshold    = "threshold"
	AttrExpected     = "expected_value"
	AttrPriorValue   = "prior_value"
	AttrImpactAmount = "impact_amount"
	AttrDSCR         = "dscr"
	AttrZScore       = "z_score"
	AttrConsensus    = "consensus"
	AttrMethods      = "detection_methods"
)

// DetectionEvent is a single deviation reported by an upstream detector.
// Events are never mutated after they are received.
type DetectionEvent struct {
	ID              string         `json:"id,omitempty"`
	PropertyID      int64          `json:"property_id"`
	PeriodID        *int64         `json:"period_id,omitempty"`
	MetricOrAccount string         `json:"metric_or_account"`
	AnomalyFamily   string         `json:"anomaly_family"`
	AlertType       string         `json:"alert_type,omitempty"`
	Severity        Severity       `json:"severity"`
	Confidence      float64        `json:"confidence"`
	DetectedAt      time.Time      `json:"detected_at"`
	Attributes      map[string]any `json:"attributes,omitempty"`
}

// Validate checks the fields the pipeline relies on.
func (e *DetectionEvent) Validate() error {
	switch {
	case e.PropertyID <= 0:
		return &ValidationError{Field: "property_id", Reason: "must be positive"}
	case strings.TrimSpace(e.MetricOrAccount) == "":
		return &ValidationError{Field: "metric_or_account", Reason: "is required"}
	case strings.TrimSpace(e.AnomalyFamily) == "":
		return &ValidationError{Field: "anomaly_family", Reason: "is required"}
	case !e.Severity.Valid():
		return &ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", e.Severity)}
	case e.Confidence < 0 || e.Confidence > 1:
		return &ValidationError{Field: "confidence", Reason: "must be within 0..1"}
	}
	return nil
}

// Type returns the alert type the event maps to, defaulting to its anomaly family.
func (e *DetectionEvent) Type() string {
	if e.AlertType != "" {
		return e.AlertType
	}
	return e.AnomalyFamily
}

// Float reads a numeric attribute. Strings and json.Number values are parsed.
func (e *DetectionEvent) Float(key string) (float64, bool) {
	v, ok := e.Attributes[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Occurrence records one detection merged into an alert.
type Occurrence struct {
	At            time.Time `json:"at"`
	Severity      Severity  `json:"severity"`
	SourceEventID string    `json:"source_event_id"`
}

// Transition is one entry in an alert's status history.
type Transition struct {
	At    time.Time `json:"at"`
	From  Status    `json:"from"`
	To    Status    `json:"to"`
	Actor string    `json:"actor,omitempty"`
	Note  string    `json:"note,omitempty"`
}

// Alert is the deduplicated, scored and SLA-tracked record of an ongoing condition.
type Alert struct {
	ID       string `json:"id"`
	DedupKey string `json:"dedup_key"`
	Version  int    `json:"version"`

	AlertType        string   `json:"alert_type"`
	Severity         Severity `json:"severity"`
	OriginalSeverity Severity `json:"original_severity,omitempty"`
	Downgraded       bool     `json:"downgraded,omitempty"`
	Status           Status   `json:"status"`

	PropertyID      int64   `json:"property_id"`
	PeriodID        *int64  `json:"period_id,omitempty"`
	MetricOrAccount string  `json:"metric_or_account"`
	AnomalyFamily   string  `json:"anomaly_family"`
	Confidence      float64 `json:"confidence"`

	PriorityScore       float64         `json:"priority_score"`
	BusinessImpactScore float64         `json:"business_impact_score"`
	Components          ScoreComponents `json:"components"`

	Occurrences     []Occurrence `json:"occurrences"`
	OccurrenceCount int          `json:"occurrence_count"`

	SLADueAt    time.Time `json:"sla_due_at"`
	MTTAMinutes *int      `json:"mtta_minutes,omitempty"`
	MTTRMinutes *int      `json:"mttr_minutes,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  string     `json:"acknowledged_by,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`

	HeldUntil  *time.Time `json:"held_until,omitempty"`
	HoldReason string     `json:"hold_reason,omitempty"`

	CorrelationGroupID string `json:"correlation_group_id,omitempty"`
	EscalationLevel    int    `json:"escalation_level"`

	History []Transition `json:"history,omitempty"`
}

// Clone returns a deep copy of al.
func (al *Alert) Clone() *Alert {
	cp := *al
	cp.PeriodID = clonePtr(al.PeriodID)
	cp.MTTAMinutes = clonePtr(al.MTTAMinutes)
	cp.MTTRMinutes = clonePtr(al.MTTRMinutes)
	cp.AcknowledgedAt = clonePtr(al.AcknowledgedAt)
	cp.ResolvedAt = clonePtr(al.ResolvedAt)
	cp.HeldUntil = clonePtr(al.HeldUntil)
	cp.Occurrences = append([]Occurrence(nil), al.Occurrences...)
	cp.History = append([]Transition(nil), al.History...)
	return &cp
}

// appendOccurrence keeps OccurrenceCount in lockstep with Occurrences.
func (al *Alert) appendOccurrence(o Occurrence) {
	al.Occurrences = append(al.Occurrences, o)
	al.OccurrenceCount = len(al.Occurrences)
}

func (al *Alert) record(at time.Time, to Status, actor, note string) {
	al.History = append(al.History, Transition{At: at, From: al.Status, To: to, Actor: actor, Note: note})
	al.Status = to
	al.UpdatedAt = at
}

// SortByPriority orders alerts by priority score descending, oldest first on ties.
func SortByPriority(alerts []*Alert) {
	slices.SortStableFunc(alerts, func(a, b *Alert) int {
		if c := cmp.Compare(b.PriorityScore, a.PriorityScore); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

// Component is one weighted input to a score.
type Component struct {
	Score     float64 `json:"score"`
	Weight    float64 `json:"weight"`
	Defaulted bool    `json:"defaulted,omitempty"`
}

// PriorityComponents explains a priority score.
type PriorityComponents struct {
	Severity        Component `json:"severity"`
	BreachMagnitude Component `json:"breach_magnitude"`
	Trend           Component `json:"trend"`
	Portfolio       Component `json:"portfolio"`
	Frequency       Component `json:"frequency"`
	Age             Component `json:"age"`
}

// ImpactComponents explains a business impact score.
type ImpactComponents struct {
	Severity          Component `json:"severity"`
	DollarImpact      Component `json:"dollar_impact"`
	CovenantProximity Component `json:"covenant_proximity"`
	Portfolio         Component `json:"portfolio"`
}

// ScoreComponents is the explainability breakdown persisted with an alert.
type ScoreComponents struct {
	Priority PriorityComponents `json:"priority"`
	Impact   ImpactComponents   `json:"impact"`
}

// SuppressionRule hides matching alerts until it expires. A nil PropertyID
// makes the rule global; empty match fields match anything.
type SuppressionRule struct {
	ID                  string     `json:"id"`
	PropertyID          *int64     `json:"property_id,omitempty"`
	AccountPattern      string     `json:"account_pattern,omitempty"`
	AlertType           string     `json:"alert_type,omitempty"`
	AnomalyFamily       string     `json:"anomaly_family,omitempty"`
	Reason              string     `json:"reason"`
	CreatedBy           string     `json:"created_by,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	ExpiresAfterPeriods int        `json:"expires_after_periods,omitempty"`
}

// ActiveAt reports whether the rule is in force at t.
func (r *SuppressionRule) ActiveAt(t time.Time) bool {
	return r.ExpiresAt == nil || t.Before(*r.ExpiresAt)
}

// Matches reports whether the rule's scope covers al.
func (r *SuppressionRule) Matches(al *Alert) bool {
	if r.PropertyID != nil && *r.PropertyID != al.PropertyID {
		return false
	}
	if r.AlertType != "" && r.AlertType != al.AlertType {
		return false
	}
	if r.AnomalyFamily != "" && r.AnomalyFamily != al.AnomalyFamily {
		return false
	}
	if r.AccountPattern != "" && !matchPattern(r.AccountPattern, al.MetricOrAccount) {
		return false
	}
	return true
}

// Snooze records an operator's request to hide an alert for a while.
type Snooze struct {
	ID            string     `json:"id"`
	AlertID       string     `json:"alert_id"`
	UntilPeriodID *int64     `json:"until_period_id,omitempty"`
	UntilDate     *time.Time `json:"until_date,omitempty"`
	Reason        string     `json:"reason"`
	CreatedBy     string     `json:"created_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
