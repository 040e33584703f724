package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/alerting")

// Options configures a Service. Zero values select the defaults noted per field.
type Options struct {
	Policy Policy // DefaultPolicy if zero

	// Calendar defaults to a FixedCalendar built from Policy.Periods.
	Calendar PeriodCalendar
	// Portfolio defaults to a StaticPortfolio built from Policy.Portfolio.
	Portfolio PortfolioSource
	// Volume defaults to a single-process MemoryVolumeCounter.
	Volume VolumeCounter

	Publisher Publisher
	Hooks     Hooks
	Logger    log.Logger
	Now       func() time.Time
}

// Outcome is the result of processing one detection event.
type Outcome struct {
	Alert      *Alert
	Created    bool
	Suppressed bool
	Downgraded bool
	Escalated  bool
}

// BatchResult pairs each event of a batch with its outcome or error.
type BatchResult struct {
	EventID string
	Outcome *Outcome
	Err     error
}

// Service turns detection events into deduplicated, scored and SLA-tracked
// alerts. It is safe for concurrent use.
type Service struct {
	store     Store
	policy    Policy
	dedup     *Deduplicator
	scorer    *Scorer
	breaker   *CircuitBreaker
	sla       *SLATracker
	lifecycle *LifecycleManager
	portfolio PortfolioSource
	publisher Publisher
	hooks     Hooks
	logger    log.Logger
	now       func() time.Time
}

// NewService wires the pipeline components around store.
func NewService(store Store, opts Options) *Service {
	p := opts.Policy
	if p.Breaker.Window == 0 {
		p = DefaultPolicy()
	}
	cal := opts.Calendar
	if cal == nil {
		cal = NewFixedCalendar(p.Periods)
	}
	portfolio := opts.Portfolio
	if portfolio == nil {
		portfolio = NewStaticPortfolio(p.Portfolio)
	}
	volume := opts.Volume
	if volume == nil {
		volume = NewMemoryVolumeCounter(p.Breaker.BaselineLookback + 2*p.Breaker.Window)
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = nopPublisher{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Service{
		store:     store,
		policy:    p,
		dedup:     NewDeduplicator(store),
		scorer:    NewScorer(p),
		sla:       NewSLATracker(p.SLA, store),
		portfolio: portfolio,
		publisher: publisher,
		hooks:     opts.Hooks,
		logger:    logger,
		now:       now,
	}
	s.lifecycle = NewLifecycleManager(store, s.sla, cal, publisher, opts.Hooks, logger.With("component", "lifecycle"), now)
	s.breaker = NewCircuitBreaker(p.Breaker, volume, logger.With("component", "breaker"), BreakerHooks{
		OnTransition: opts.Hooks.OnBreakerTransition,
		OnEscalation: s.escalate,
	})
	return s
}

// Lifecycle exposes operator actions.
func (s *Service) Lifecycle() *LifecycleManager { return s.lifecycle }

// Breaker exposes the circuit breaker for status reporting and housekeeping.
func (s *Service) Breaker() *CircuitBreaker { return s.breaker }

// SLA exposes the SLA tracker for compliance reporting.
func (s *Service) SLA() *SLATracker { return s.sla }

// Get retrieves an alert by ID.
func (s *Service) Get(ctx context.Context, id string) (*Alert, bool, error) {
	return s.store.Get(ctx, id)
}

// List returns alerts matching f.
func (s *Service) List(ctx context.Context, f AlertFilter) ([]*Alert, error) {
	return s.store.List(ctx, f)
}

// NeedsAttention returns open alerts that are not suppressed or snoozed,
// highest priority first.
func (s *Service) NeedsAttention(ctx context.Context, propertyID int64, limit int) ([]*Alert, error) {
	alerts, err := s.store.List(ctx, AlertFilter{
		Statuses:   []Status{StatusActive, StatusAcknowledged},
		PropertyID: propertyID,
	})
	if err != nil {
		return nil, err
	}
	SortByPriority(alerts)
	if limit > 0 && len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, nil
}

// ComplianceReport reports SLA performance for alerts created in [from, to).
func (s *Service) ComplianceReport(ctx context.Context, from, to time.Time) (*ComplianceReport, error) {
	return s.sla.ComplianceReport(ctx, from, to, s.now())
}

// Process runs one detection event through the pipeline. The store write is
// the commit point: if ctx is cancelled before it, nothing is persisted.
func (s *Service) Process(ctx context.Context, ev *DetectionEvent) (*Outcome, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "alerting.Process", trace.WithAttributes(
		attribute.Int64("warden.property_id", ev.PropertyID),
		attribute.String("warden.anomaly_family", ev.AnomalyFamily),
		attribute.String("warden.severity", string(ev.Severity)),
	))
	defer span.End()

	out, err := s.process(ctx, ev)
	outcome := outcomeOf(out, err)
	s.hooks.event(outcome, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("warden.alert_id", out.Alert.ID),
		attribute.String("warden.outcome", outcome),
	)
	return out, nil
}

func outcomeOf(out *Outcome, err error) string {
	switch {
	case IsValidation(err):
		return OutcomeInvalid
	case err != nil:
		return OutcomeFailed
	case out.Suppressed:
		return OutcomeSuppressed
	case out.Created:
		return OutcomeCreated
	default:
		return OutcomeMerged
	}
}

func (s *Service) process(ctx context.Context, ev *DetectionEvent) (*Outcome, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	L := s.logger.With(
		"event_id", ev.ID,
		"property_id", ev.PropertyID,
		"metric", ev.MetricOrAccount,
		"anomaly_family", ev.AnomalyFamily,
	)

	if n, err := s.lifecycle.SweepExpired(ctx, now); err != nil {
		L.Warn(ctx, "expired hold sweep failed", "error", err)
	} else if n > 0 {
		L.Info(ctx, "expired holds released", "count", n)
	}

	for attempt := 1; ; attempt++ {
		out, peer, err := s.processOnce(ctx, ev, now, L)
		if errors.Is(err, ErrConcurrencyConflict) && attempt < maxConflictRetries {
			s.hooks.conflictRetry("process")
			L.Warn(ctx, "dedup race lost, retrying", "attempt", attempt)
			continue
		}
		if err != nil {
			L.Error(ctx, err, "detection event failed")
			return nil, err
		}
		s.afterCommit(ctx, out, peer, now, L)
		return out, nil
	}
}

// processOnce builds and commits the alert for ev. peer is an earlier alert
// that must join the new alert's correlation group.
func (s *Service) processOnce(ctx context.Context, ev *DetectionEvent, now time.Time, L log.Logger) (*Outcome, *Alert, error) {
	al, isNew, err := s.dedup.Dedupe(ctx, ev, now)
	if err != nil {
		return nil, nil, fmt.Errorf("dedupe: %w", err)
	}
	out := &Outcome{Alert: al, Created: isNew}
	historyMark := len(al.History)

	s.scorer.Score(al, s.scoringContext(ctx, ev, al, isNew, now, L)).Apply(al)

	var peer *Alert
	if isNew {
		if d := s.breaker.Evaluate(ctx, now); d.ShouldDowngrade(al.Severity) {
			al.Severity = SeverityInfo
			al.Downgraded = true
			out.Downgraded = true
		}
		s.sla.AssignDueTime(al)
		peer = s.correlate(ctx, al, now, L)
		suppressed, err := s.lifecycle.applyRules(ctx, al, now)
		if err != nil {
			L.Warn(ctx, "suppression rules unavailable", "dedup_key", al.DedupKey, "error", err)
		}
		out.Suppressed = suppressed
	} else {
		out.Escalated = s.lifecycle.noteOccurrence(al, now)
		out.Suppressed = al.Status.IsHeld()
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if isNew {
		err = s.store.Insert(ctx, al)
	} else {
		err = s.store.Update(ctx, al)
	}
	if err != nil {
		return nil, nil, err
	}
	s.hooks.transitions(al.History[historyMark:])
	return out, peer, nil
}

func (s *Service) afterCommit(ctx context.Context, out *Outcome, peer *Alert, now time.Time, L log.Logger) {
	al := out.Alert
	L = L.With("alert_id", al.ID, "dedup_key", al.DedupKey)

	kind := AlertUpdated
	if out.Created {
		kind = AlertCreated
		s.breaker.RecordCreation(ctx, now)
		s.hooks.created(al.Severity)
		if out.Downgraded {
			s.hooks.downgrade()
		}
		L.Info(ctx, "alert created",
			"severity", al.Severity,
			"original_severity", al.OriginalSeverity,
			"priority_score", al.PriorityScore,
			"business_impact_score", al.BusinessImpactScore,
			"sla_due_at", al.SLADueAt,
			"status", al.Status,
		)
		if peer != nil {
			s.joinGroup(ctx, peer.ID, al.CorrelationGroupID, L)
		}
	}
	if out.Escalated {
		L.Warn(ctx, "alert escalated", "escalation_level", al.EscalationLevel, "sla_due_at", al.SLADueAt)
	}
	if al.Status.IsHeld() {
		return
	}
	if err := s.publisher.PublishAlert(ctx, &AlertEvent{Kind: kind, At: now, Alert: al.Clone()}); err != nil {
		L.Error(ctx, err, "failed to publish alert")
	}
}

// ProcessBatch processes events independently: one failure never aborts the rest.
func (s *Service) ProcessBatch(ctx context.Context, events []*DetectionEvent) []BatchResult {
	results := make([]BatchResult, len(events))
	for i, ev := range events {
		out, err := s.Process(ctx, ev)
		results[i] = BatchResult{EventID: ev.ID, Outcome: out, Err: err}
	}
	return results
}

// scoringContext collects scoring inputs. Every lookup failure leaves its
// input unknown so the scorer falls back to neutral.
func (s *Service) scoringContext(ctx context.Context, ev *DetectionEvent, al *Alert, isNew bool, now time.Time, L log.Logger) ScoringContext {
	sc := ScoringContext{
		Now:          now,
		ActualValue:  attr(ev, AttrActualValue),
		Threshold:    attr(ev, AttrThreshold),
		PriorValue:   attr(ev, AttrPriorValue),
		ImpactAmount: attr(ev, AttrImpactAmount),
		DSCR:         attr(ev, AttrDSCR),
	}
	if sc.Threshold == nil {
		sc.Threshold = attr(ev, AttrExpected)
	}

	snap, err := s.portfolio.Lookup(ctx, ev.PropertyID)
	switch {
	case err != nil:
		L.Warn(ctx, "portfolio context unavailable", "error", err)
	case snap.Found:
		sc.NOI = positive(snap.Property.NOI)
		sc.LoanBalance = positive(snap.Property.LoanBalance)
		sc.MaxNOI = positive(snap.MaxNOI)
		sc.MaxLoanBalance = positive(snap.MaxLoanBalance)
		if sc.DSCR == nil {
			sc.DSCR = clonePtr(snap.Property.DSCR)
		}
	}
	if sc.DSCR == nil && strings.EqualFold(ev.MetricOrAccount, "dscr") {
		sc.DSCR = clonePtr(sc.ActualValue)
	}

	n, err := s.store.CountSimilar(ctx, al.PropertyID, al.AlertType, now.Add(-s.policy.FrequencyLookback))
	if err != nil {
		L.Warn(ctx, "alert history unavailable", "error", err)
		return sc
	}
	if isNew {
		n++
	}
	sc.HistoricalCount, sc.HistoryKnown = n, true
	return sc
}

func attr(ev *DetectionEvent, key string) *float64 {
	v, ok := ev.Float(key)
	if !ok {
		return nil
	}
	return &v
}

func positive(v float64) *float64 {
	if v <= 0 {
		return nil
	}
	return &v
}

// correlate links al to the oldest open alert for the same property and period
// within the correlation window. It returns that alert when it has no group
// yet and must be updated after al is committed.
func (s *Service) correlate(ctx context.Context, al *Alert, now time.Time, L log.Logger) *Alert {
	if s.policy.CorrelationWindow <= 0 {
		return nil
	}
	other, ok, err := s.store.FindCorrelated(ctx, al.PropertyID, al.PeriodID, now.Add(-s.policy.CorrelationWindow))
	if err != nil {
		L.Warn(ctx, "correlation lookup failed", "error", err)
		return nil
	}
	if !ok || other.ID == al.ID {
		return nil
	}
	if other.CorrelationGroupID != "" {
		al.CorrelationGroupID = other.CorrelationGroupID
		return nil
	}
	al.CorrelationGroupID = ulid.Make().String()
	return other
}

func (s *Service) joinGroup(ctx context.Context, id, group string, L log.Logger) {
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		cur, ok, err := s.store.Get(ctx, id)
		if err != nil || !ok {
			L.Warn(ctx, "correlation peer unavailable", "peer_id", id, "error", err)
			return
		}
		if cur.CorrelationGroupID != "" {
			return
		}
		peer := cur.Clone()
		peer.CorrelationGroupID = group
		err = s.store.Update(ctx, peer)
		if errors.Is(err, ErrConcurrencyConflict) {
			s.hooks.conflictRetry("correlate")
			continue
		}
		if err != nil {
			L.Warn(ctx, "failed to link correlation peer", "peer_id", id, "error", err)
		}
		return
	}
}

func (s *Service) escalate(ctx context.Context, e *Escalation) {
	if s.hooks.OnEscalation != nil {
		s.hooks.OnEscalation()
	}
	if err := s.publisher.PublishEscalation(ctx, e); err != nil {
		s.logger.Error(ctx, err, "failed to publish breaker escalation", "current_volume", e.Current)
	}
}
