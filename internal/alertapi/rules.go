package alertapi

import (
	"net/http"
	"time"

	"github.com/linnemanlabs/warden/internal/alerting"
	"github.com/linnemanlabs/warden/internal/authmw"
)

// defaultReportSpan is the compliance window when the caller gives no range.
const defaultReportSpan = 30 * 24 * time.Hour

func (a *API) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := a.lifecycle.ListSuppressionRules(r.Context())
	if err != nil {
		a.writeError(w, r, err, "failed to list suppression rules")
		return
	}
	if rules == nil {
		rules = []*alerting.SuppressionRule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

type ruleRequest struct {
	PropertyID          *int64     `json:"property_id,omitempty"`
	AccountPattern      string     `json:"account_pattern,omitempty"`
	AlertType           string     `json:"alert_type,omitempty"`
	AnomalyFamily       string     `json:"anomaly_family,omitempty"`
	Reason              string     `json:"reason"`
	CreatedBy           string     `json:"created_by,omitempty"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	ExpiresAfterPeriods int        `json:"expires_after_periods,omitempty"`
}

func (a *API) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err, "invalid suppression rule")
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = authmw.DefaultActor
		if actor, ok := authmw.ActorFromContext(r.Context()); ok {
			req.CreatedBy = actor
		}
	}

	rule, err := a.lifecycle.AddSuppressionRule(r.Context(), &alerting.SuppressionRule{
		PropertyID:          req.PropertyID,
		AccountPattern:      req.AccountPattern,
		AlertType:           req.AlertType,
		AnomalyFamily:       req.AnomalyFamily,
		Reason:              req.Reason,
		CreatedBy:           req.CreatedBy,
		ExpiresAt:           req.ExpiresAt,
		ExpiresAfterPeriods: req.ExpiresAfterPeriods,
	})
	if err != nil {
		a.writeError(w, r, err, "failed to add suppression rule")
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (a *API) handleCompliance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"), "from")
	if err != nil {
		a.writeError(w, r, err, "invalid compliance range")
		return
	}
	to, err := parseTime(q.Get("to"), "to")
	if err != nil {
		a.writeError(w, r, err, "invalid compliance range")
		return
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-defaultReportSpan)
	}
	if !from.Before(to) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "from must be before to", Field: "from"})
		return
	}

	rep, err := a.pipeline.ComplianceReport(r.Context(), from, to)
	if err != nil {
		a.writeError(w, r, err, "failed to build compliance report")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) handleBreaker(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.breaker.Snapshot())
}
