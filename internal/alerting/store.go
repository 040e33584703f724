package alerting

import (
	"context"
	"time"
)

// AlertFilter narrows List queries. Zero values mean "no constraint".
type AlertFilter struct {
	Statuses    []Status
	PropertyID  int64
	AlertType   string
	CreatedFrom time.Time
	CreatedTo   time.Time
	Limit       int
}

// Store is the persistence boundary for alerts, suppression rules and snoozes.
//
// Insert must reject a second open alert for the same dedup key with
// ErrConcurrencyConflict, and Update must reject a stale Version the same way.
// Both are the commit point of a pipeline run: either the whole alert is
// written or nothing is.
type Store interface {
	Get(ctx context.Context, id string) (*Alert, bool, error)
	GetOpenByDedupKey(ctx context.Context, dedupKey string) (*Alert, bool, error)
	Insert(ctx context.Context, al *Alert) error
	Update(ctx context.Context, al *Alert) error
	List(ctx context.Context, f AlertFilter) ([]*Alert, error)

	// CountSimilar counts alerts of alertType for a property created at or after since.
	CountSimilar(ctx context.Context, propertyID int64, alertType string, since time.Time) (int, error)

	// FindCorrelated returns the oldest open alert for the same property and
	// period created at or after since.
	FindCorrelated(ctx context.Context, propertyID int64, periodID *int64, since time.Time) (*Alert, bool, error)

	// ListExpiredHolds returns suppressed or snoozed alerts whose hold ended at or before now.
	ListExpiredHolds(ctx context.Context, now time.Time) ([]*Alert, error)

	PutSuppressionRule(ctx context.Context, r *SuppressionRule) error
	ListSuppressionRules(ctx context.Context, activeAt time.Time) ([]*SuppressionRule, error)
	PutSnooze(ctx context.Context, s *Snooze) error
}
