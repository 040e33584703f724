package pgstore_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/alerting"
	"github.com/linnemanlabs/warden/internal/alerting/pgstore"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("WARDEN_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("WARDEN_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

// newAlert returns an alert with a unique dedup key and property so tests do
// not see each other's rows.
func newAlert(now time.Time) *alerting.Alert {
	period := int64(169)
	prop := now.UnixNano() % 1_000_000_000
	return &alerting.Alert{
		ID:               ulid.Make().String(),
		DedupKey:         "test-" + ulid.Make().String(),
		AlertType:        "forecast-deviation",
		Severity:         alerting.SeverityCritical,
		OriginalSeverity: alerting.SeverityCritical,
		Status:           alerting.StatusActive,
		PropertyID:       prop,
		PeriodID:         &period,
		MetricOrAccount:  "dscr",
		AnomalyFamily:    "forecast-deviation",
		Confidence:       0.9,
		PriorityScore:    72.5,
		Components: alerting.ScoreComponents{
			Priority: alerting.PriorityComponents{Severity: alerting.Component{Score: 90, Weight: 0.3}},
		},
		Occurrences:     []alerting.Occurrence{{At: now, Severity: alerting.SeverityCritical, SourceEventID: "ev-1"}},
		OccurrenceCount: 1,
		SLADueAt:        now.Add(4 * time.Hour),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestInsertAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond).UTC()

	al := newAlert(now)
	if err := s.Insert(ctx, al); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, ok, err := s.Get(ctx, al.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false, want true")
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}
	if got.DedupKey != al.DedupKey {
		t.Errorf("DedupKey = %q, want %q", got.DedupKey, al.DedupKey)
	}
	if got.PeriodID == nil || *got.PeriodID != 169 {
		t.Errorf("PeriodID = %v, want 169", got.PeriodID)
	}
	if !got.SLADueAt.Equal(al.SLADueAt) {
		t.Errorf("SLADueAt = %v, want %v", got.SLADueAt, al.SLADueAt)
	}
	if len(got.Occurrences) != 1 || got.Occurrences[0].SourceEventID != "ev-1" {
		t.Errorf("Occurrences = %+v", got.Occurrences)
	}
	if got.Components.Priority.Severity.Score != 90 {
		t.Errorf("components not round-tripped: %+v", got.Components)
	}

	byKey, ok, err := s.GetOpenByDedupKey(ctx, al.DedupKey)
	if err != nil || !ok || byKey.ID != al.ID {
		t.Fatalf("GetOpenByDedupKey = %v, %v, %v", byKey, ok, err)
	}
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)
	_, ok, err := s.Get(context.Background(), "nonexistent-id-12345")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("Get returned ok=true for nonexistent ID")
	}
}

func TestSecondOpenAlertConflicts(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond).UTC()

	first := newAlert(now)
	if err := s.Insert(ctx, first); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	second := newAlert(now)
	second.DedupKey = first.DedupKey
	if err := s.Insert(ctx, second); !errors.Is(err, alerting.ErrConcurrencyConflict) {
		t.Fatalf("Insert err = %v, want ErrConcurrencyConflict", err)
	}

	first.Status = alerting.StatusDismissed
	resolved := now.Add(time.Minute)
	first.ResolvedAt = &resolved
	if err := s.Update(ctx, first); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.Insert(ctx, second); err != nil {
		t.Fatalf("Insert after dismiss: %v", err)
	}
}

func TestUpdateVersionCheck(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond).UTC()

	al := newAlert(now)
	if err := s.Insert(ctx, al); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	stale, _, _ := s.Get(ctx, al.ID)

	al.Occurrences = append(al.Occurrences, alerting.Occurrence{At: now.Add(time.Minute), Severity: alerting.SeverityUrgent})
	al.OccurrenceCount = len(al.Occurrences)
	if err := s.Update(ctx, al); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if al.Version != 2 {
		t.Errorf("Version = %d, want 2", al.Version)
	}

	stale.EscalationLevel = 3
	if err := s.Update(ctx, stale); !errors.Is(err, alerting.ErrConcurrencyConflict) {
		t.Fatalf("stale Update err = %v, want ErrConcurrencyConflict", err)
	}

	missing := newAlert(now)
	if err := s.Update(ctx, missing); !errors.Is(err, alerting.ErrNotFound) {
		t.Fatalf("Update missing err = %v, want ErrNotFound", err)
	}
}

func TestHoldsAndCorrelation(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond).UTC()

	al := newAlert(now)
	past := now.Add(-time.Minute)
	al.Status = alerting.StatusSuppressed
	al.HeldUntil = &past
	if err := s.Insert(ctx, al); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	expired, err := s.ListExpiredHolds(ctx, now)
	if err != nil {
		t.Fatalf("ListExpiredHolds: %v", err)
	}
	found := false
	for _, e := range expired {
		if e.ID == al.ID {
			found = true
		}
	}
	if !found {
		t.Error("expired hold not listed")
	}

	peer, ok, err := s.FindCorrelated(ctx, al.PropertyID, al.PeriodID, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("FindCorrelated: %v", err)
	}
	if !ok || peer.ID != al.ID {
		t.Errorf("FindCorrelated = %v, %v; want %s", peer, ok, al.ID)
	}

	n, err := s.CountSimilar(ctx, al.PropertyID, al.AlertType, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountSimilar: %v", err)
	}
	if n != 1 {
		t.Errorf("CountSimilar = %d, want 1", n)
	}
}

func TestSuppressionRulesAndSnoozes(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond).UTC()

	expires := now.Add(time.Hour)
	rule := &alerting.SuppressionRule{
		ID:             ulid.Make().String(),
		AccountPattern: "utilities-*",
		Reason:         "seasonal",
		CreatedAt:      now,
		ExpiresAt:      &expires,
	}
	if err := s.PutSuppressionRule(ctx, rule); err != nil {
		t.Fatalf("PutSuppressionRule: %v", err)
	}

	active, err := s.ListSuppressionRules(ctx, now)
	if err != nil {
		t.Fatalf("ListSuppressionRules: %v", err)
	}
	if !containsRule(active, rule.ID) {
		t.Error("active rule not listed")
	}
	later, err := s.ListSuppressionRules(ctx, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ListSuppressionRules: %v", err)
	}
	if containsRule(later, rule.ID) {
		t.Error("expired rule still listed")
	}

	al := newAlert(now)
	if err := s.Insert(ctx, al); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	sn := &alerting.Snooze{
		ID:        ulid.Make().String(),
		AlertID:   al.ID,
		UntilDate: &expires,
		Reason:    "waiting on lender",
		CreatedAt: now,
		ExpiresAt: expires,
	}
	if err := s.PutSnooze(ctx, sn); err != nil {
		t.Fatalf("PutSnooze: %v", err)
	}
}

func containsRule(rules []*alerting.SuppressionRule, id string) bool {
	for _, r := range rules {
		if r.ID == id {
			return true
		}
	}
	return false
}
