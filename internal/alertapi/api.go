package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/warden/internal/alerting"
)

// Pipeline is the part of the alerting service the API ingests into and reads from.
type Pipeline interface {
	Process(ctx context.Context, ev *alerting.DetectionEvent) (*alerting.Outcome, error)
	ProcessBatch(ctx context.Context, events []*alerting.DetectionEvent) []alerting.BatchResult
	Get(ctx context.Context, id string) (*alerting.Alert, bool, error)
	List(ctx context.Context, f alerting.AlertFilter) ([]*alerting.Alert, error)
	NeedsAttention(ctx context.Context, propertyID int64, limit int) ([]*alerting.Alert, error)
	ComplianceReport(ctx context.Context, from, to time.Time) (*alerting.ComplianceReport, error)
}

// Lifecycle is the set of operator actions exposed over HTTP.
type Lifecycle interface {
	Acknowledge(ctx context.Context, id, actor string) (*alerting.Alert, error)
	Resolve(ctx context.Context, id, actor, notes string) (*alerting.Alert, error)
	Dismiss(ctx context.Context, id, actor, notes string) (*alerting.Alert, error)
	Reopen(ctx context.Context, id, actor, note string) (*alerting.Alert, error)
	Suppress(ctx context.Context, id string, req alerting.SuppressRequest) (*alerting.Alert, error)
	Snooze(ctx context.Context, id string, req alerting.SnoozeRequest) (*alerting.Alert, error)
	Release(ctx context.Context, id, actor string) (*alerting.Alert, error)
	AddSuppressionRule(ctx context.Context, r *alerting.SuppressionRule) (*alerting.SuppressionRule, error)
	ListSuppressionRules(ctx context.Context) ([]*alerting.SuppressionRule, error)
}

// BreakerStatus reports the circuit breaker state.
type BreakerStatus interface {
	Snapshot() alerting.BreakerSnapshot
}

// Deps are the collaborators the API needs.
type Deps struct {
	Pipeline  Pipeline
	Lifecycle Lifecycle
	Breaker   BreakerStatus

	// IngestLimiter caps detection events per second across all clients.
	// Nil disables limiting.
	IngestLimiter *rate.Limiter
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	pipeline  Pipeline
	lifecycle Lifecycle
	breaker   BreakerStatus
	limiter   *rate.Limiter
}

// New creates a new API handler.
func New(logger log.Logger, d Deps) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if d.Pipeline == nil || d.Lifecycle == nil || d.Breaker == nil {
		panic(xerrors.New("alertapi: pipeline, lifecycle and breaker are required"))
	}
	return &API{
		logger:    logger,
		pipeline:  d.Pipeline,
		lifecycle: d.Lifecycle,
		breaker:   d.Breaker,
		limiter:   d.IngestLimiter,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/detections", a.handleIngest)
		r.Post("/detections/batch", a.handleIngestBatch)

		r.Get("/alerts", a.handleListAlerts)
		r.Get("/alerts/needs-attention", a.handleNeedsAttention)
		r.Route("/alerts/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetAlert)
			r.Post("/acknowledge", a.handleAcknowledge)
			r.Post("/resolve", a.handleResolve)
			r.Post("/dismiss", a.handleDismiss)
			r.Post("/reopen", a.handleReopen)
			r.Post("/suppress", a.handleSuppress)
			r.Post("/snooze", a.handleSnooze)
			r.Post("/release", a.handleRelease)
		})

		r.Get("/suppression-rules", a.handleListRules)
		r.Post("/suppression-rules", a.handleAddRule)

		r.Get("/sla/compliance", a.handleCompliance)
		r.Get("/breaker", a.handleBreaker)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// writeError maps the alerting error taxonomy onto HTTP statuses. Unexpected
// errors are logged and reported without detail.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	var ve *alerting.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: ve.Error(), Field: ve.Field})
	case errors.Is(err, alerting.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, alerting.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, alerting.ErrConcurrencyConflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: "concurrent update, retry"})
	case errors.Is(err, alerting.ErrUpstreamUnavailable):
		a.logger.Error(r.Context(), err, msg)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "upstream unavailable"})
	default:
		a.logger.Error(r.Context(), err, msg)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// decodeJSON decodes a request body strictly. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &alerting.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}
