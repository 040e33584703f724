package alertapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/alerting"
)

// maxBatch bounds the number of events accepted in one batch request.
const maxBatch = 500

type ingestResponse struct {
	Alert      *alerting.Alert `json:"alert"`
	Created    bool            `json:"created"`
	Suppressed bool            `json:"suppressed"`
	Downgraded bool            `json:"downgraded"`
	Escalated  bool            `json:"escalated"`
}

func newIngestResponse(out *alerting.Outcome) ingestResponse {
	return ingestResponse{
		Alert:      out.Alert,
		Created:    out.Created,
		Suppressed: out.Suppressed,
		Downgraded: out.Downgraded,
		Escalated:  out.Escalated,
	}
}

// admit takes n events from the ingest budget, answering 429 when it is spent.
func (a *API) admit(w http.ResponseWriter, n int) bool {
	if a.limiter == nil || a.limiter.AllowN(time.Now(), n) {
		return true
	}
	w.Header().Set("Retry-After", "1")
	writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
	return false
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !a.admit(w, 1) {
		return
	}
	var ev alerting.DetectionEvent
	if err := decodeJSON(r, &ev); err != nil {
		a.writeError(w, r, err, "invalid detection payload")
		return
	}

	out, err := a.pipeline.Process(r.Context(), &ev)
	if err != nil {
		a.writeError(w, r, err, "failed to process detection event")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("warden.alert.id", out.Alert.ID))

	status := http.StatusOK
	if out.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, newIngestResponse(out))
}

type batchItem struct {
	EventID string          `json:"event_id,omitempty"`
	Result  *ingestResponse `json:"result,omitempty"`
	Error   *errorBody      `json:"error,omitempty"`
}

func (a *API) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Events []*alerting.DetectionEvent `json:"events"`
	}
	if err := decodeJSON(r, &body); err != nil {
		a.writeError(w, r, err, "invalid batch payload")
		return
	}
	if len(body.Events) > maxBatch {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "too many events in batch", Field: "events"})
		return
	}
	for i, ev := range body.Events {
		if ev == nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "null event at index " + strconv.Itoa(i), Field: "events"})
			return
		}
	}
	if !a.admit(w, len(body.Events)) {
		return
	}

	results := a.pipeline.ProcessBatch(r.Context(), body.Events)
	items := make([]batchItem, len(results))
	var failed int
	for i, res := range results {
		items[i].EventID = res.EventID
		if res.Err != nil {
			failed++
			items[i].Error = a.batchError(r, res)
			continue
		}
		resp := newIngestResponse(res.Outcome)
		items[i].Result = &resp
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.Int("warden.batch.size", len(items)),
		attribute.Int("warden.batch.failed", failed),
	)
	writeJSON(w, http.StatusOK, map[string]any{"results": items, "failed": failed})
}

func (a *API) batchError(r *http.Request, res alerting.BatchResult) *errorBody {
	if alerting.IsValidation(res.Err) {
		return &errorBody{Error: res.Err.Error()}
	}
	a.logger.Error(r.Context(), res.Err, "batch event failed", "event_id", res.EventID)
	return &errorBody{Error: "processing failed"}
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.alert.id", id))

	al, ok, err := a.pipeline.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to get alert")
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
		return
	}

	span.SetAttributes(attribute.String("warden.alert.status", string(al.Status)))
	writeJSON(w, http.StatusOK, al)
}

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		a.writeError(w, r, err, "invalid alert filter")
		return
	}
	alerts, err := a.pipeline.List(r.Context(), f)
	if err != nil {
		a.writeError(w, r, err, "failed to list alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": nonNil(alerts)})
}

func (a *API) handleNeedsAttention(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	propertyID, err := parseInt(q.Get("property_id"), "property_id")
	if err != nil {
		a.writeError(w, r, err, "invalid property_id")
		return
	}
	limit, err := parseInt(q.Get("limit"), "limit")
	if err != nil {
		a.writeError(w, r, err, "invalid limit")
		return
	}
	alerts, err := a.pipeline.NeedsAttention(r.Context(), propertyID, int(limit))
	if err != nil {
		a.writeError(w, r, err, "failed to load needs-attention view")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": nonNil(alerts)})
}

func nonNil(alerts []*alerting.Alert) []*alerting.Alert {
	if alerts == nil {
		return []*alerting.Alert{}
	}
	return alerts
}
