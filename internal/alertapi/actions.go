package alertapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/alerting"
	"github.com/linnemanlabs/warden/internal/authmw"
)

// actionRequest is the body shared by every operator action. Fields an
// action does not use are ignored.
type actionRequest struct {
	Actor         string     `json:"actor,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	Note          string     `json:"note,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Periods       int        `json:"periods,omitempty"`
	UntilPeriodID *int64     `json:"until_period_id,omitempty"`
	UntilDate     *time.Time `json:"until_date,omitempty"`
}

// actor picks the acting identity: the body, then the authenticated caller.
func (req *actionRequest) actor(ctx context.Context) string {
	if a := strings.TrimSpace(req.Actor); a != "" {
		return a
	}
	if a, ok := authmw.ActorFromContext(ctx); ok {
		return a
	}
	return authmw.DefaultActor
}

type actionFunc func(ctx context.Context, id string, req *actionRequest) (*alerting.Alert, error)

// action adapts a lifecycle call into a handler that decodes the common
// body and renders the updated alert.
func (a *API) action(name string, fn actionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req actionRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, r, err, "invalid "+name+" request")
			return
		}

		trace.SpanFromContext(r.Context()).SetAttributes(
			attribute.String("warden.alert.id", id),
			attribute.String("warden.action", name),
		)

		al, err := fn(r.Context(), id, &req)
		if err != nil {
			a.writeError(w, r, err, name+" failed")
			return
		}
		writeJSON(w, http.StatusOK, al)
	}
}

func (a *API) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	a.action("acknowledge", func(ctx context.Context, id string, req *actionRequest) (*alerting.Alert, error) {
		return a.lifecycle.Acknowledge(ctx, id, req.actor(ctx))
	})(w, r)
}

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	a.action("resolve", func(ctx context.Context, id string, req *actionRequest) (*alerting.Alert, error) {
		return a.lifecycle.Resolve(ctx, id, req.actor(ctx), req.Notes)
	})(w, r)
}

func (a *API) handleDismiss(w http.ResponseWriter, r *http.Request) {
	a.action("dismiss", func(ctx context.Context, id string, req *actionRequest) (*alerting.Alert, error) {
		return a.lifecycle.Dismiss(ctx, id, req.actor(ctx), req.Notes)
	})(w, r)
}

func (a *API) handleReopen(w http.ResponseWriter, r *http.Request) {
	a.action("reopen", func(ctx context.Context, id string, req *actionRequest) (*alerting.Alert, error) {
		return a.lifecycle.Reopen(ctx, id, req.actor(ctx), req.Note)
	})(w, r)
}

func (a *API) handleSuppress(w http.ResponseWriter, r *http.Request) {
	a.action("suppress", func(ctx context.Context, id string, req *actionRequest) (*alerting.Alert, error) {
		return a.lifecycle.Suppress(ctx, id, alerting.SuppressRequest{
			Actor:     req.actor(ctx),
			Reason:    req.Reason,
			ExpiresAt: req.ExpiresAt,
			Periods:   req.Periods,
		})
	})(w, r)
}

func (a *API) handleSnooze(w http.ResponseWriter, r *http.Request) {
	a.action("snooze", func(ctx context.Context, id string, req *actionRequest) (*alerting.Alert, error) {
		return a.lifecycle.Snooze(ctx, id, alerting.SnoozeRequest{
			Actor:         req.actor(ctx),
			Reason:        req.Reason,
			UntilPeriodID: req.UntilPeriodID,
			UntilDate:     req.UntilDate,
		})
	})(w, r)
}

func (a *API) handleRelease(w http.ResponseWriter, r *http.Request) {
	a.action("release", func(ctx context.Context, id string, req *actionRequest) (*alerting.Alert, error) {
		return a.lifecycle.Release(ctx, id, req.actor(ctx))
	})(w, r)
}

// parseFilter reads list query parameters. Unknown statuses are rejected.
func parseFilter(r *http.Request) (alerting.AlertFilter, error) {
	q := r.URL.Query()
	var f alerting.AlertFilter

	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			st := alerting.Status(strings.TrimSpace(s))
			switch st {
			case alerting.StatusActive, alerting.StatusAcknowledged, alerting.StatusResolved,
				alerting.StatusSuppressed, alerting.StatusSnoozed, alerting.StatusDismissed:
				f.Statuses = append(f.Statuses, st)
			default:
				return f, &alerting.ValidationError{Field: "status", Reason: "unknown status " + strconv.Quote(s)}
			}
		}
	}

	var err error
	if f.PropertyID, err = parseInt(q.Get("property_id"), "property_id"); err != nil {
		return f, err
	}
	f.AlertType = q.Get("alert_type")
	if f.CreatedFrom, err = parseTime(q.Get("from"), "from"); err != nil {
		return f, err
	}
	if f.CreatedTo, err = parseTime(q.Get("to"), "to"); err != nil {
		return f, err
	}
	limit, err := parseInt(q.Get("limit"), "limit")
	if err != nil {
		return f, err
	}
	f.Limit = int(limit)
	return f, nil
}

func parseInt(v, field string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, &alerting.ValidationError{Field: field, Reason: "must be a non-negative integer"}
	}
	return n, nil
}

func parseTime(v, field string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, &alerting.ValidationError{Field: field, Reason: "must be an RFC 3339 timestamp"}
	}
	return t, nil
}
