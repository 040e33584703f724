// Package pgstore provides a PostgreSQL implementation of alerting.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/warden/internal/alerting"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/alerting/pgstore")

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Store persists alerts, suppression rules and snoozes in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return mapErr(s.pool.Ping(ctx))
}

const alertColumns = `id, dedup_key, version, alert_type, severity, original_severity, downgraded, status,
	property_id, period_id, metric_or_account, anomaly_family, confidence,
	priority_score, business_impact_score, components, occurrences, occurrence_count,
	sla_due_at, mtta_minutes, mttr_minutes, created_at, updated_at,
	acknowledged_at, acknowledged_by, resolved_at, resolved_by, resolution_notes,
	held_until, hold_reason, correlation_group_id, escalation_level, history`

const openStatuses = `('active', 'acknowledged', 'suppressed', 'snoozed')`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Get retrieves an alert by ID.
func (s *Store) Get(ctx context.Context, id string) (*alerting.Alert, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	al, err := scanAlert(s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return al, al != nil, nil
}

// GetOpenByDedupKey retrieves the open alert owning key.
func (s *Store) GetOpenByDedupKey(ctx context.Context, key string) (*alerting.Alert, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetOpenByDedupKey", "SELECT")
	defer span.End()

	query := `SELECT ` + alertColumns + ` FROM alerts WHERE dedup_key = $1 AND status IN ` + openStatuses
	al, err := scanAlert(s.pool.QueryRow(ctx, query, key))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return al, al != nil, nil
}

// Insert writes a new alert at version 1. A second open alert for the same
// dedup key fails with alerting.ErrConcurrencyConflict.
func (s *Store) Insert(ctx context.Context, al *alerting.Alert) error {
	ctx, span := startSpan(ctx, "pgstore.Insert", "INSERT")
	defer span.End()

	args, err := alertArgs(al, 1)
	if err != nil {
		return fail(span, err)
	}
	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}
	query := `INSERT INTO alerts (` + alertColumns + `) VALUES (` + strings.Join(placeholders, ",") + `)`
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fail(span, fmt.Errorf("insert alert %s: %w", al.ID, mapErr(err)))
	}
	al.Version = 1
	return nil
}

// Update rewrites an alert if its version is current, then advances al.Version.
func (s *Store) Update(ctx context.Context, al *alerting.Alert) error {
	ctx, span := startSpan(ctx, "pgstore.Update", "UPDATE")
	defer span.End()

	args, err := alertArgs(al, al.Version+1)
	if err != nil {
		return fail(span, err)
	}
	cols := strings.Split(alertColumns, ",")
	sets := make([]string, 0, len(cols)-1)
	for i, c := range cols[1:] {
		sets = append(sets, strings.TrimSpace(c)+" = $"+strconv.Itoa(i+2))
	}
	query := `UPDATE alerts SET ` + strings.Join(sets, ", ") +
		` WHERE id = $1 AND version = $` + strconv.Itoa(len(args)+1)

	tag, err := s.pool.Exec(ctx, query, append(args, al.Version)...)
	if err != nil {
		return fail(span, fmt.Errorf("update alert %s: %w", al.ID, mapErr(err)))
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM alerts WHERE id = $1)`, al.ID).Scan(&exists); err != nil {
			return fail(span, mapErr(err))
		}
		if !exists {
			return fail(span, fmt.Errorf("alert %s: %w", al.ID, alerting.ErrNotFound))
		}
		return fail(span, fmt.Errorf("alert %s version %d: %w", al.ID, al.Version, alerting.ErrConcurrencyConflict))
	}
	al.Version++
	return nil
}

// List returns matching alerts, newest first.
func (s *Store) List(ctx context.Context, f alerting.AlertFilter) ([]*alerting.Alert, error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if len(f.Statuses) > 0 {
		st := make([]string, len(f.Statuses))
		for i, v := range f.Statuses {
			st[i] = string(v)
		}
		where = append(where, "status = ANY("+arg(st)+")")
	}
	if f.PropertyID != 0 {
		where = append(where, "property_id = "+arg(f.PropertyID))
	}
	if f.AlertType != "" {
		where = append(where, "alert_type = "+arg(f.AlertType))
	}
	if !f.CreatedFrom.IsZero() {
		where = append(where, "created_at >= "+arg(f.CreatedFrom))
	}
	if !f.CreatedTo.IsZero() {
		where = append(where, "created_at < "+arg(f.CreatedTo))
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}

	out, err := s.queryAlerts(ctx, query, args...)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// CountSimilar counts alerts of alertType for a property created at or after since.
func (s *Store) CountSimilar(ctx context.Context, propertyID int64, alertType string, since time.Time) (int, error) {
	ctx, span := startSpan(ctx, "pgstore.CountSimilar", "SELECT")
	defer span.End()

	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM alerts WHERE property_id = $1 AND alert_type = $2 AND created_at >= $3`,
		propertyID, alertType, since,
	).Scan(&n)
	if err != nil {
		return 0, fail(span, fmt.Errorf("count similar: %w", mapErr(err)))
	}
	return n, nil
}

// FindCorrelated returns the oldest open alert for the property and period
// created at or after since.
func (s *Store) FindCorrelated(ctx context.Context, propertyID int64, periodID *int64, since time.Time) (*alerting.Alert, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.FindCorrelated", "SELECT")
	defer span.End()

	query := `SELECT ` + alertColumns + ` FROM alerts
		WHERE property_id = $1 AND period_id IS NOT DISTINCT FROM $2 AND created_at >= $3 AND status IN ` + openStatuses + `
		ORDER BY created_at ASC LIMIT 1`
	al, err := scanAlert(s.pool.QueryRow(ctx, query, propertyID, periodID, since))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return al, al != nil, nil
}

// ListExpiredHolds returns held alerts whose hold ended at or before now.
func (s *Store) ListExpiredHolds(ctx context.Context, now time.Time) ([]*alerting.Alert, error) {
	ctx, span := startSpan(ctx, "pgstore.ListExpiredHolds", "SELECT")
	defer span.End()

	query := `SELECT ` + alertColumns + ` FROM alerts
		WHERE status IN ('suppressed', 'snoozed') AND held_until IS NOT NULL AND held_until <= $1
		ORDER BY held_until`
	out, err := s.queryAlerts(ctx, query, now)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// PutSuppressionRule inserts or replaces a rule.
func (s *Store) PutSuppressionRule(ctx context.Context, r *alerting.SuppressionRule) error {
	ctx, span := startSpan(ctx, "pgstore.PutSuppressionRule", "UPSERT")
	defer span.End()

	query := `INSERT INTO suppression_rules (
		id, property_id, account_pattern, alert_type, anomaly_family, reason,
		created_by, created_at, expires_at, expires_after_periods
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (id) DO UPDATE SET
		property_id           = EXCLUDED.property_id,
		account_pattern       = EXCLUDED.account_pattern,
		alert_type            = EXCLUDED.alert_type,
		anomaly_family        = EXCLUDED.anomaly_family,
		reason                = EXCLUDED.reason,
		expires_at            = EXCLUDED.expires_at,
		expires_after_periods = EXCLUDED.expires_after_periods`

	_, err := s.pool.Exec(ctx, query,
		r.ID, r.PropertyID, r.AccountPattern, r.AlertType, r.AnomalyFamily, r.Reason,
		r.CreatedBy, r.CreatedAt, r.ExpiresAt, r.ExpiresAfterPeriods,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert suppression rule: %w", mapErr(err)))
	}
	return nil
}

// ListSuppressionRules returns rules active at activeAt, oldest first. A zero
// activeAt returns every rule.
func (s *Store) ListSuppressionRules(ctx context.Context, activeAt time.Time) ([]*alerting.SuppressionRule, error) {
	ctx, span := startSpan(ctx, "pgstore.ListSuppressionRules", "SELECT")
	defer span.End()

	query := `SELECT id, property_id, account_pattern, alert_type, anomaly_family, reason,
		created_by, created_at, expires_at, expires_after_periods
		FROM suppression_rules`
	var args []any
	if !activeAt.IsZero() {
		query += ` WHERE expires_at IS NULL OR expires_at > $1`
		args = append(args, activeAt)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query suppression rules: %w", mapErr(err)))
	}
	defer rows.Close()

	var out []*alerting.SuppressionRule
	for rows.Next() {
		var r alerting.SuppressionRule
		if err := rows.Scan(
			&r.ID, &r.PropertyID, &r.AccountPattern, &r.AlertType, &r.AnomalyFamily, &r.Reason,
			&r.CreatedBy, &r.CreatedAt, &r.ExpiresAt, &r.ExpiresAfterPeriods,
		); err != nil {
			return nil, fail(span, fmt.Errorf("scan suppression rule: %w", err))
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate suppression rules: %w", mapErr(err)))
	}
	return out, nil
}

// PutSnooze records a snooze.
func (s *Store) PutSnooze(ctx context.Context, sn *alerting.Snooze) error {
	ctx, span := startSpan(ctx, "pgstore.PutSnooze", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO snoozes (id, alert_id, until_period_id, until_date, reason, created_by, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sn.ID, sn.AlertID, sn.UntilPeriodID, sn.UntilDate, sn.Reason, sn.CreatedBy, sn.CreatedAt, sn.ExpiresAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert snooze: %w", mapErr(err)))
	}
	return nil
}

func (s *Store) queryAlerts(ctx context.Context, query string, args ...any) ([]*alerting.Alert, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", mapErr(err))
	}
	defer rows.Close()

	var out []*alerting.Alert
	for rows.Next() {
		al, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, al)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", mapErr(err))
	}
	return out, nil
}

// alertArgs returns the column values in alertColumns order.
func alertArgs(al *alerting.Alert, version int) ([]any, error) {
	components, err := json.Marshal(al.Components)
	if err != nil {
		return nil, fmt.Errorf("marshal components: %w", err)
	}
	occurrences, err := json.Marshal(nonNil(al.Occurrences))
	if err != nil {
		return nil, fmt.Errorf("marshal occurrences: %w", err)
	}
	history, err := json.Marshal(nonNil(al.History))
	if err != nil {
		return nil, fmt.Errorf("marshal history: %w", err)
	}
	var slaDue *time.Time
	if !al.SLADueAt.IsZero() {
		slaDue = &al.SLADueAt
	}
	return []any{
		al.ID, al.DedupKey, version, al.AlertType, string(al.Severity), string(al.OriginalSeverity), al.Downgraded, string(al.Status),
		al.PropertyID, al.PeriodID, al.MetricOrAccount, al.AnomalyFamily, al.Confidence,
		al.PriorityScore, al.BusinessImpactScore, components, occurrences, len(al.Occurrences),
		slaDue, al.MTTAMinutes, al.MTTRMinutes, al.CreatedAt, al.UpdatedAt,
		al.AcknowledgedAt, al.AcknowledgedBy, al.ResolvedAt, al.ResolvedBy, al.ResolutionNotes,
		al.HeldUntil, al.HoldReason, al.CorrelationGroupID, al.EscalationLevel, history,
	}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// scanAlert scans a single row. Returns (nil, nil) when no row is found.
func scanAlert(row pgx.Row) (*alerting.Alert, error) {
	var (
		al                               alerting.Alert
		severity, original, status       string
		components, occurrences, history []byte
		slaDue                           *time.Time
	)
	err := row.Scan(
		&al.ID, &al.DedupKey, &al.Version, &al.AlertType, &severity, &original, &al.Downgraded, &status,
		&al.PropertyID, &al.PeriodID, &al.MetricOrAccount, &al.AnomalyFamily, &al.Confidence,
		&al.PriorityScore, &al.BusinessImpactScore, &components, &occurrences, &al.OccurrenceCount,
		&slaDue, &al.MTTAMinutes, &al.MTTRMinutes, &al.CreatedAt, &al.UpdatedAt,
		&al.AcknowledgedAt, &al.AcknowledgedBy, &al.ResolvedAt, &al.ResolvedBy, &al.ResolutionNotes,
		&al.HeldUntil, &al.HoldReason, &al.CorrelationGroupID, &al.EscalationLevel, &history,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan alert: %w", mapErr(err))
	}

	al.Severity = alerting.Severity(severity)
	al.OriginalSeverity = alerting.Severity(original)
	al.Status = alerting.Status(status)
	if slaDue != nil {
		al.SLADueAt = *slaDue
	}
	if err := json.Unmarshal(components, &al.Components); err != nil {
		return nil, fmt.Errorf("unmarshal components: %w", err)
	}
	if err := json.Unmarshal(occurrences, &al.Occurrences); err != nil {
		return nil, fmt.Errorf("unmarshal occurrences: %w", err)
	}
	if err := json.Unmarshal(history, &al.History); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return &al, nil
}

// mapErr translates driver failures into the alerting error taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", alerting.ErrConcurrencyConflict, pgErr.ConstraintName)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", alerting.ErrUpstreamUnavailable, err)
	}
	return err
}
