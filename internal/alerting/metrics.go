package alerting

import "github.com/prometheus/client_golang/prometheus"

// Hooks receives pipeline side effects for instrumentation. Nil fields are skipped.
type Hooks struct {
	OnEvent               func(outcome string, seconds float64)
	OnCreated             func(sev Severity)
	OnDowngrade           func()
	OnConflictRetry       func(op string)
	OnBreakerTransition   func(from, to BreakerState)
	OnEscalation          func()
	OnLifecycleTransition func(from, to Status)
	OnSweep               func(released int)
	OnCompliance          func(rep *ComplianceReport)
}

func (h Hooks) event(outcome string, seconds float64) {
	if h.OnEvent != nil {
		h.OnEvent(outcome, seconds)
	}
}

func (h Hooks) created(sev Severity) {
	if h.OnCreated != nil {
		h.OnCreated(sev)
	}
}

func (h Hooks) downgrade() {
	if h.OnDowngrade != nil {
		h.OnDowngrade()
	}
}

func (h Hooks) conflictRetry(op string) {
	if h.OnConflictRetry != nil {
		h.OnConflictRetry(op)
	}
}

func (h Hooks) transitions(ts []Transition) {
	if h.OnLifecycleTransition == nil {
		return
	}
	for _, t := range ts {
		h.OnLifecycleTransition(t.From, t.To)
	}
}

func (h Hooks) sweep(n int) {
	if h.OnSweep != nil {
		h.OnSweep(n)
	}
}

func (h Hooks) compliance(rep *ComplianceReport) {
	if h.OnCompliance != nil {
		h.OnCompliance(rep)
	}
}

// Event outcomes reported through Hooks.OnEvent.
const (
	OutcomeCreated    = "created"
	OutcomeMerged     = "merged"
	OutcomeSuppressed = "suppressed"
	OutcomeInvalid    = "invalid"
	OutcomeFailed     = "failed"
)

// Metrics holds Prometheus metrics for the alerting pipeline.
type Metrics struct {
	EventsTotal          *prometheus.CounterVec
	EventDuration        *prometheus.HistogramVec
	AlertsCreated        *prometheus.CounterVec
	Downgrades           prometheus.Counter
	ConflictRetries      *prometheus.CounterVec
	BreakerState         *prometheus.GaugeVec
	BreakerTransitions   *prometheus.CounterVec
	Escalations          prometheus.Counter
	LifecycleTransitions *prometheus.CounterVec
	HoldsReleased        prometheus.Counter
	SLACompliance        prometheus.Gauge
	SLABreaches          prometheus.Gauge
	SLAAlerts            prometheus.Gauge
	MTTAMinutes          prometheus.Gauge
	MTTRMinutes          prometheus.Gauge
}

// NewMetrics registers and returns alerting metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_detection_events_total",
			Help: "Detection events processed by outcome.",
		}, []string{"outcome"}),
		EventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_pipeline_duration_seconds",
			Help:    "Duration of one detection event through the pipeline.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}, []string{"outcome"}),
		AlertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_alerts_created_total",
			Help: "Alerts created by persisted severity.",
		}, []string{"severity"}),
		Downgrades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_breaker_downgrades_total",
			Help: "Alerts downgraded to info by the open circuit breaker.",
		}),
		ConflictRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_conflict_retries_total",
			Help: "Writes retried after losing a concurrency race.",
		}, []string{"op"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_breaker_state",
			Help: "Circuit breaker state, 1 for the current state.",
		}, []string{"state"}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"from", "to"}),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_breaker_escalations_total",
			Help: "Operator escalations raised by the circuit breaker.",
		}),
		LifecycleTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_alert_transitions_total",
			Help: "Alert status transitions.",
		}, []string{"from", "to"}),
		HoldsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_holds_released_total",
			Help: "Suppressions and snoozes returned to active on expiry.",
		}),
		SLACompliance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_sla_compliance_percent",
			Help: "SLA compliance percentage over the reporting window.",
		}),
		SLABreaches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_sla_breaches",
			Help: "SLA breaches over the reporting window.",
		}),
		SLAAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_sla_alerts",
			Help: "Alerts created over the reporting window.",
		}),
		MTTAMinutes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_mtta_minutes",
			Help: "Mean time to acknowledge over the reporting window.",
		}),
		MTTRMinutes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_mttr_minutes",
			Help: "Mean time to resolve over the reporting window.",
		}),
	}

	reg.MustRegister(
		m.EventsTotal,
		m.EventDuration,
		m.AlertsCreated,
		m.Downgrades,
		m.ConflictRetries,
		m.BreakerState,
		m.BreakerTransitions,
		m.Escalations,
		m.LifecycleTransitions,
		m.HoldsReleased,
		m.SLACompliance,
		m.SLABreaches,
		m.SLAAlerts,
		m.MTTAMinutes,
		m.MTTRMinutes,
	)

	m.setBreakerState(BreakerClosed)
	return m
}

func (m *Metrics) setBreakerState(s BreakerState) {
	for _, st := range []BreakerState{BreakerClosed, BreakerOpen, BreakerHalfOpen} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.BreakerState.WithLabelValues(string(st)).Set(v)
	}
}

// Hooks returns pipeline hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnEvent: func(outcome string, seconds float64) {
			m.EventsTotal.WithLabelValues(outcome).Inc()
			m.EventDuration.WithLabelValues(outcome).Observe(seconds)
		},
		OnCreated: func(sev Severity) {
			m.AlertsCreated.WithLabelValues(string(sev)).Inc()
		},
		OnDowngrade: func() {
			m.Downgrades.Inc()
		},
		OnConflictRetry: func(op string) {
			m.ConflictRetries.WithLabelValues(op).Inc()
		},
		OnBreakerTransition: func(from, to BreakerState) {
			m.BreakerTransitions.WithLabelValues(string(from), string(to)).Inc()
			m.setBreakerState(to)
		},
		OnEscalation: func() {
			m.Escalations.Inc()
		},
		OnLifecycleTransition: func(from, to Status) {
			m.LifecycleTransitions.WithLabelValues(string(from), string(to)).Inc()
		},
		OnSweep: func(released int) {
			m.HoldsReleased.Add(float64(released))
		},
		OnCompliance: func(rep *ComplianceReport) {
			m.SLACompliance.Set(rep.ComplianceRate)
			m.SLABreaches.Set(float64(rep.Breaches))
			m.SLAAlerts.Set(float64(rep.Total))
			if rep.AvgMTTA != nil {
				m.MTTAMinutes.Set(*rep.AvgMTTA)
			}
			if rep.AvgMTTR != nil {
				m.MTTRMinutes.Set(*rep.AvgMTTR)
			}
		},
	}
}
