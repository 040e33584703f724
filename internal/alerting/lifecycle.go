package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

// maxConflictRetries bounds how often a lost write race is retried before
// ErrConcurrencyConflict is surfaced.
const maxConflictRetries = 3

// ActorSystem is recorded in history for changes made by the engine itself.
const ActorSystem = "system"

var transitions = map[Status][]Status{
	StatusActive:       {StatusAcknowledged, StatusSuppressed, StatusSnoozed, StatusDismissed},
	StatusAcknowledged: {StatusResolved, StatusActive},
	StatusSuppressed:   {StatusActive},
	StatusSnoozed:      {StatusActive},
}

// CanTransition reports whether an alert may move from one status to another.
// Resolved and Dismissed are terminal.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SuppressRequest hides one alert. Set at most one of ExpiresAt and Periods;
// with neither the alert stays suppressed until released.
type SuppressRequest struct {
	Actor     string
	Reason    string
	ExpiresAt *time.Time
	Periods   int
}

// SnoozeRequest hides one alert until a reporting period starts or a date
// passes. Exactly one of UntilPeriodID and UntilDate must be set.
type SnoozeRequest struct {
	Actor         string
	Reason        string
	UntilPeriodID *int64
	UntilDate     *time.Time
}

// LifecycleManager owns the alert state machine and the suppression rules.
type LifecycleManager struct {
	store     Store
	sla       *SLATracker
	cal       PeriodCalendar
	publisher Publisher
	hooks     Hooks
	logger    log.Logger
	now       func() time.Time
}

// NewLifecycleManager creates a lifecycle manager.
func NewLifecycleManager(store Store, sla *SLATracker, cal PeriodCalendar, publisher Publisher, hooks Hooks, logger log.Logger, now func() time.Time) *LifecycleManager {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &LifecycleManager{
		store:     store,
		sla:       sla,
		cal:       cal,
		publisher: publisher,
		hooks:     hooks,
		logger:    logger,
		now:       now,
	}
}

// Acknowledge moves an Active alert to Acknowledged and records MTTA.
func (m *LifecycleManager) Acknowledge(ctx context.Context, id, actor string) (*Alert, error) {
	return m.mutate(ctx, id, m.now(), func(al *Alert, now time.Time) error {
		if err := m.transition(al, StatusAcknowledged, actor, "", now); err != nil {
			return err
		}
		al.AcknowledgedAt = &now
		al.AcknowledgedBy = actor
		m.sla.RecordAck(al, now)
		return nil
	})
}

// Resolve closes an Acknowledged alert and records MTTR.
func (m *LifecycleManager) Resolve(ctx context.Context, id, actor, notes string) (*Alert, error) {
	return m.mutate(ctx, id, m.now(), func(al *Alert, now time.Time) error {
		if err := m.transition(al, StatusResolved, actor, notes, now); err != nil {
			return err
		}
		al.ResolvedAt = &now
		al.ResolvedBy = actor
		al.ResolutionNotes = notes
		m.sla.RecordResolve(al, now)
		return nil
	})
}

// Dismiss closes an Active alert as not actionable.
func (m *LifecycleManager) Dismiss(ctx context.Context, id, actor, notes string) (*Alert, error) {
	return m.mutate(ctx, id, m.now(), func(al *Alert, now time.Time) error {
		if err := m.transition(al, StatusDismissed, actor, notes, now); err != nil {
			return err
		}
		al.ResolvedAt = &now
		al.ResolvedBy = actor
		al.ResolutionNotes = notes
		return nil
	})
}

// Reopen moves an Acknowledged alert back to Active. The first MTTA is kept.
func (m *LifecycleManager) Reopen(ctx context.Context, id, actor, note string) (*Alert, error) {
	return m.mutate(ctx, id, m.now(), func(al *Alert, now time.Time) error {
		if al.Status != StatusAcknowledged {
			return &TransitionError{AlertID: al.ID, From: al.Status, To: StatusActive}
		}
		return m.transition(al, StatusActive, actor, note, now)
	})
}

// Suppress hides an Active alert, optionally for a number of reporting periods.
func (m *LifecycleManager) Suppress(ctx context.Context, id string, req SuppressRequest) (*Alert, error) {
	if req.ExpiresAt != nil && req.Periods != 0 {
		return nil, &ValidationError{Field: "expiry", Reason: "set either expires_at or periods, not both"}
	}
	if req.Periods < 0 {
		return nil, &ValidationError{Field: "periods", Reason: "must not be negative"}
	}
	return m.mutate(ctx, id, m.now(), func(al *Alert, now time.Time) error {
		until := req.ExpiresAt
		if req.Periods > 0 {
			t := m.periodsFrom(now, req.Periods)
			until = &t
		}
		if until != nil && !until.After(now) {
			return &ValidationError{Field: "expires_at", Reason: "must be in the future"}
		}
		return m.hold(al, StatusSuppressed, until, req.Actor, req.Reason, now)
	})
}

// Snooze hides an Active alert until a period starts or a date passes.
func (m *LifecycleManager) Snooze(ctx context.Context, id string, req SnoozeRequest) (*Alert, error) {
	if (req.UntilPeriodID == nil) == (req.UntilDate == nil) {
		return nil, &ValidationError{Field: "until", Reason: "set exactly one of until_period_id and until_date"}
	}
	var sn *Snooze
	al, err := m.mutate(ctx, id, m.now(), func(al *Alert, now time.Time) error {
		var until time.Time
		if req.UntilPeriodID != nil {
			until = m.cal.PeriodStart(*req.UntilPeriodID)
		} else {
			until = *req.UntilDate
		}
		if !until.After(now) {
			return &ValidationError{Field: "until", Reason: "must be in the future"}
		}
		if err := m.hold(al, StatusSnoozed, &until, req.Actor, req.Reason, now); err != nil {
			return err
		}
		sn = &Snooze{
			ID:            ulid.Make().String(),
			AlertID:       al.ID,
			UntilPeriodID: clonePtr(req.UntilPeriodID),
			UntilDate:     clonePtr(req.UntilDate),
			Reason:        req.Reason,
			CreatedBy:     req.Actor,
			CreatedAt:     now,
			ExpiresAt:     until,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.store.PutSnooze(ctx, sn); err != nil {
		m.logger.Error(ctx, err, "failed to record snooze", "alert_id", al.ID)
	}
	return al, nil
}

// Release returns a Suppressed or Snoozed alert to Active ahead of its expiry.
func (m *LifecycleManager) Release(ctx context.Context, id, actor string) (*Alert, error) {
	return m.mutate(ctx, id, m.now(), func(al *Alert, now time.Time) error {
		if !al.Status.IsHeld() {
			return &TransitionError{AlertID: al.ID, From: al.Status, To: StatusActive}
		}
		m.unhold(al, actor, "released", now)
		return nil
	})
}

// AddSuppressionRule validates and stores a rule. A period-based expiry is
// converted to the start of the period N periods after the current one.
func (m *LifecycleManager) AddSuppressionRule(ctx context.Context, r *SuppressionRule) (*SuppressionRule, error) {
	now := m.now()
	switch {
	case strings.TrimSpace(r.Reason) == "":
		return nil, &ValidationError{Field: "reason", Reason: "is required"}
	case r.ExpiresAt != nil && r.ExpiresAfterPeriods != 0:
		return nil, &ValidationError{Field: "expiry", Reason: "set either expires_at or expires_after_periods, not both"}
	case r.ExpiresAfterPeriods < 0:
		return nil, &ValidationError{Field: "expires_after_periods", Reason: "must not be negative"}
	case r.ExpiresAt != nil && !r.ExpiresAt.After(now):
		return nil, &ValidationError{Field: "expires_at", Reason: "must be in the future"}
	}
	cp := *r
	cp.ID = ulid.Make().String()
	cp.CreatedAt = now
	if cp.ExpiresAfterPeriods > 0 {
		t := m.periodsFrom(now, cp.ExpiresAfterPeriods)
		cp.ExpiresAt = &t
	}
	if err := m.store.PutSuppressionRule(ctx, &cp); err != nil {
		return nil, fmt.Errorf("put suppression rule: %w", err)
	}
	m.logger.Info(ctx, "suppression rule added",
		"rule_id", cp.ID,
		"created_by", cp.CreatedBy,
		"reason", cp.Reason,
	)
	return &cp, nil
}

// ListSuppressionRules returns rules in force at the current time.
func (m *LifecycleManager) ListSuppressionRules(ctx context.Context) ([]*SuppressionRule, error) {
	return m.store.ListSuppressionRules(ctx, m.now())
}

// SweepExpired returns every hold that ended at or before now to Active. An
// alert still covered by another active rule is suppressed again.
func (m *LifecycleManager) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := m.store.ListExpiredHolds(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired holds: %w", err)
	}
	var (
		n    int
		errs []error
	)
	for _, al := range expired {
		_, err := m.mutate(ctx, al.ID, now, func(cur *Alert, now time.Time) error {
			if !cur.Status.IsHeld() || cur.HeldUntil == nil || cur.HeldUntil.After(now) {
				return errSkip
			}
			m.unhold(cur, ActorSystem, "hold expired", now)
			if _, err := m.applyRules(ctx, cur, now); err != nil {
				m.logger.Warn(ctx, "suppression rules unavailable during sweep", "alert_id", cur.ID, "error", err)
			}
			return nil
		})
		switch {
		case errors.Is(err, errSkip):
		case err != nil:
			errs = append(errs, err)
		default:
			n++
		}
	}
	m.hooks.sweep(n)
	return n, errors.Join(errs...)
}

// applyRules suppresses al if an active rule matches it. al must be Active.
func (m *LifecycleManager) applyRules(ctx context.Context, al *Alert, now time.Time) (bool, error) {
	if al.Status != StatusActive {
		return false, nil
	}
	rules, err := m.store.ListSuppressionRules(ctx, now)
	if err != nil {
		return false, err
	}
	for _, r := range rules {
		if !r.ActiveAt(now) || !r.Matches(al) {
			continue
		}
		if err := m.hold(al, StatusSuppressed, clonePtr(r.ExpiresAt), "rule:"+r.ID, r.Reason, now); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// noteOccurrence bumps the escalation level when an unacknowledged alert
// keeps firing past its SLA deadline.
func (m *LifecycleManager) noteOccurrence(al *Alert, now time.Time) bool {
	if al.Status != StatusActive || al.SLADueAt.IsZero() || !now.After(al.SLADueAt) {
		return false
	}
	al.EscalationLevel++
	return true
}

func (m *LifecycleManager) transition(al *Alert, to Status, actor, note string, now time.Time) error {
	if !CanTransition(al.Status, to) {
		return &TransitionError{AlertID: al.ID, From: al.Status, To: to}
	}
	al.record(now, to, actor, note)
	return nil
}

func (m *LifecycleManager) hold(al *Alert, to Status, until *time.Time, actor, reason string, now time.Time) error {
	if err := m.transition(al, to, actor, reason, now); err != nil {
		return err
	}
	al.HeldUntil = until
	al.HoldReason = reason
	return nil
}

func (m *LifecycleManager) unhold(al *Alert, actor, note string, now time.Time) {
	al.record(now, StatusActive, actor, note)
	al.HeldUntil = nil
	al.HoldReason = ""
}

func (m *LifecycleManager) periodsFrom(now time.Time, n int) time.Time {
	return m.cal.PeriodStart(m.cal.PeriodAt(now) + int64(n))
}

var errSkip = errors.New("skip")

// mutate loads an alert, applies fn to a copy and writes it back, reloading
// and retrying when the write loses a race.
func (m *LifecycleManager) mutate(ctx context.Context, id string, now time.Time, fn func(al *Alert, now time.Time) error) (*Alert, error) {
	for attempt := 1; ; attempt++ {
		cur, ok, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
		}
		al := cur.Clone()
		if err := fn(al, now); err != nil {
			return nil, err
		}
		err = m.store.Update(ctx, al)
		if errors.Is(err, ErrConcurrencyConflict) && attempt < maxConflictRetries {
			m.hooks.conflictRetry("lifecycle")
			continue
		}
		if err != nil {
			return nil, err
		}
		m.hooks.transitions(al.History[len(cur.History):])
		m.logger.Info(ctx, "alert status changed",
			"alert_id", al.ID,
			"from", cur.Status,
			"to", al.Status,
			"actor", lastActor(al),
		)
		if err := m.publisher.PublishAlert(ctx, &AlertEvent{Kind: AlertStatusChanged, At: now, Alert: al.Clone()}); err != nil {
			m.logger.Error(ctx, err, "failed to publish status change", "alert_id", al.ID)
		}
		return al, nil
	}
}

func lastActor(al *Alert) string {
	if len(al.History) == 0 {
		return ""
	}
	return al.History[len(al.History)-1].Actor
}
