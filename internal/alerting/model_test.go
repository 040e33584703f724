package alerting

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestSeverityOrder(t *testing.T) {
	t.Parallel()

	order := []Severity{SeverityInfo, SeverityWarning, SeverityCritical, SeverityUrgent}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("%s does not rank below %s", order[i-1], order[i])
		}
	}
	if Severity("loud").Valid() {
		t.Error("unknown severity reported valid")
	}
	if got := MaxSeverity(SeverityCritical, SeverityWarning); got != SeverityCritical {
		t.Errorf("MaxSeverity = %s", got)
	}
	if got := MaxSeverity(SeverityInfo, SeverityUrgent); got != SeverityUrgent {
		t.Errorf("MaxSeverity = %s", got)
	}
}

func TestParseSeverity(t *testing.T) {
	t.Parallel()

	if s, err := ParseSeverity("  Critical "); err != nil || s != SeverityCritical {
		t.Errorf("ParseSeverity = %q, %v", s, err)
	}
	if _, err := ParseSeverity("sev1"); err == nil {
		t.Error("expected error for unknown severity")
	}
}

func TestStatusSets(t *testing.T) {
	t.Parallel()

	for _, s := range OpenStatuses {
		if !s.IsOpen() {
			t.Errorf("%s not open", s)
		}
	}
	for _, s := range []Status{StatusResolved, StatusDismissed} {
		if s.IsOpen() {
			t.Errorf("%s reported open", s)
		}
	}
	if !StatusSnoozed.IsHeld() || !StatusSuppressed.IsHeld() || StatusActive.IsHeld() {
		t.Error("IsHeld mismatch")
	}
}

func TestDetectionEvent_Validate(t *testing.T) {
	t.Parallel()

	valid := func() DetectionEvent {
		return DetectionEvent{
			PropertyID:      1,
			MetricOrAccount: "4010",
			AnomalyFamily:   "variance",
			Severity:        SeverityWarning,
			Confidence:      0.8,
		}
	}
	tests := []struct {
		name  string
		mut   func(*DetectionEvent)
		field string
	}{
		{"ok", func(*DetectionEvent) {}, ""},
		{"property", func(e *DetectionEvent) { e.PropertyID = 0 }, "property_id"},
		{"metric", func(e *DetectionEvent) { e.MetricOrAccount = "  " }, "metric_or_account"},
		{"family", func(e *DetectionEvent) { e.AnomalyFamily = "" }, "anomaly_family"},
		{"severity", func(e *DetectionEvent) { e.Severity = "sev1" }, "severity"},
		{"confidence", func(e *DetectionEvent) { e.Confidence = 1.2 }, "confidence"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev := valid()
			tt.mut(&ev)
			err := ev.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("Validate = %v, want field %s", err, tt.field)
			}
			if !IsValidation(err) {
				t.Error("IsValidation = false")
			}
		})
	}
}

func TestDetectionEvent_Float(t *testing.T) {
	t.Parallel()

	var ev DetectionEvent
	if err := json.Unmarshal([]byte(`{"attributes":{"a":1.5,"b":"2.25","c":"x","d":null}}`), &ev); err != nil {
		t.Fatal(err)
	}
	ev.Attributes["e"] = int64(3)
	ev.Attributes["f"] = json.Number("4.5")

	tests := []struct {
		key  string
		want float64
		ok   bool
	}{
		{"a", 1.5, true},
		{"b", 2.25, true},
		{"c", 0, false},
		{"d", 0, false},
		{"e", 3, true},
		{"f", 4.5, true},
		{"missing", 0, false},
	}
	for _, tt := range tests {
		got, ok := ev.Float(tt.key)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Float(%q) = %v, %v; want %v, %v", tt.key, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDetectionEvent_Type(t *testing.T) {
	t.Parallel()

	ev := DetectionEvent{AnomalyFamily: "variance"}
	if ev.Type() != "variance" {
		t.Errorf("Type = %q", ev.Type())
	}
	ev.AlertType = "budget_variance"
	if ev.Type() != "budget_variance" {
		t.Errorf("Type = %q", ev.Type())
	}
}

func TestAlert_CloneIsDeep(t *testing.T) {
	t.Parallel()

	period := int64(4)
	now := time.Now()
	al := &Alert{ID: "a", PeriodID: &period, HeldUntil: &now}
	al.appendOccurrence(Occurrence{At: now, Severity: SeverityInfo})
	al.record(now, StatusAcknowledged, "ops", "")

	cp := al.Clone()
	*cp.PeriodID = 9
	cp.appendOccurrence(Occurrence{At: now, Severity: SeverityUrgent})
	cp.History[0].Actor = "other"

	if *al.PeriodID != 4 || al.OccurrenceCount != 1 || al.History[0].Actor != "ops" {
		t.Errorf("clone shares state with original: %+v", al)
	}
	if cp.OccurrenceCount != 2 {
		t.Errorf("OccurrenceCount = %d, want 2", cp.OccurrenceCount)
	}
}

func TestSortByPriority(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	alerts := []*Alert{
		{ID: "low", PriorityScore: 40, CreatedAt: t0},
		{ID: "newer", PriorityScore: 80, CreatedAt: t0.Add(time.Hour)},
		{ID: "older", PriorityScore: 80, CreatedAt: t0},
		{ID: "top", PriorityScore: 95, CreatedAt: t0.Add(2 * time.Hour)},
	}
	SortByPriority(alerts)

	want := []string{"top", "older", "newer", "low"}
	for i, id := range want {
		if alerts[i].ID != id {
			t.Fatalf("order[%d] = %s, want %s", i, alerts[i].ID, id)
		}
	}
}

func TestSuppressionRule_Matches(t *testing.T) {
	t.Parallel()

	prop := int64(12)
	al := &Alert{PropertyID: 12, AlertType: "variance", AnomalyFamily: "variance", MetricOrAccount: "Repairs-4010"}

	tests := []struct {
		name string
		rule SuppressionRule
		want bool
	}{
		{"global catch-all", SuppressionRule{}, true},
		{"property", SuppressionRule{PropertyID: &prop}, true},
		{"other property", SuppressionRule{PropertyID: new(int64)}, false},
		{"glob", SuppressionRule{AccountPattern: "repairs-*"}, true},
		{"glob miss", SuppressionRule{AccountPattern: "utilities-*"}, false},
		{"type", SuppressionRule{AlertType: "variance"}, true},
		{"type miss", SuppressionRule{AlertType: "covenant"}, false},
		{"family miss", SuppressionRule{AnomalyFamily: "seasonal"}, false},
		{"malformed glob exact", SuppressionRule{AccountPattern: "repairs-4010["}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.rule.Matches(al); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSuppressionRule_ActiveAt(t *testing.T) {
	t.Parallel()

	now := time.Now()
	exp := now.Add(time.Hour)
	r := SuppressionRule{ExpiresAt: &exp}
	if !r.ActiveAt(now) || r.ActiveAt(exp) {
		t.Error("expiry boundary mismatch")
	}
	if !(&SuppressionRule{}).ActiveAt(now.Add(1000 * time.Hour)) {
		t.Error("rule without expiry expired")
	}
}

func TestDedupKey(t *testing.T) {
	t.Parallel()

	p1, p2 := int64(1), int64(2)
	base := DedupKey(7, &p1, "4010", "variance")

	if got := DedupKey(7, &p1, " 4010 ", "Variance"); got != base {
		t.Error("key not normalized for case and whitespace")
	}
	if len(base) != 32 {
		t.Errorf("len = %d, want 32", len(base))
	}
	distinct := []string{
		DedupKey(8, &p1, "4010", "variance"),
		DedupKey(7, &p2, "4010", "variance"),
		DedupKey(7, nil, "4010", "variance"),
		DedupKey(7, &p1, "4020", "variance"),
		DedupKey(7, &p1, "4010", "trend"),
	}
	for i, k := range distinct {
		if k == base {
			t.Errorf("variant %d collides with base key", i)
		}
	}
}
