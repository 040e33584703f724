package alerting

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SeverityScale maps each severity to a fixed 0..100 score.
type SeverityScale struct {
	Info     float64 `yaml:"info"`
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
	Urgent   float64 `yaml:"urgent"`
}

// For returns the score for sev. Unknown severities score like Info.
func (s SeverityScale) For(sev Severity) float64 {
	switch sev {
	case SeverityUrgent:
		return s.Urgent
	case SeverityCritical:
		return s.Critical
	case SeverityWarning:
		return s.Warning
	default:
		return s.Info
	}
}

// SLAWindows is the response window granted to each severity.
type SLAWindows struct {
	Info     time.Duration `yaml:"info"`
	Warning  time.Duration `yaml:"warning"`
	Critical time.Duration `yaml:"critical"`
	Urgent   time.Duration `yaml:"urgent"`
}

// For returns the window for sev. Unknown severities get the Info window.
func (w SLAWindows) For(sev Severity) time.Duration {
	switch sev {
	case SeverityUrgent:
		return w.Urgent
	case SeverityCritical:
		return w.Critical
	case SeverityWarning:
		return w.Warning
	default:
		return w.Info
	}
}

// PriorityWeights weights the priority score inputs.
type PriorityWeights struct {
	Severity        float64 `yaml:"severity"`
	BreachMagnitude float64 `yaml:"breach_magnitude"`
	Trend           float64 `yaml:"trend"`
	Portfolio       float64 `yaml:"portfolio"`
	Frequency       float64 `yaml:"frequency"`
	Age             float64 `yaml:"age"`
}

func (w PriorityWeights) sum() float64 {
	return w.Severity + w.BreachMagnitude + w.Trend + w.Portfolio + w.Frequency + w.Age
}

// ImpactWeights weights the business impact score inputs.
type ImpactWeights struct {
	Severity          float64 `yaml:"severity"`
	DollarImpact      float64 `yaml:"dollar_impact"`
	CovenantProximity float64 `yaml:"covenant_proximity"`
	Portfolio         float64 `yaml:"portfolio"`
}

func (w ImpactWeights) sum() float64 {
	return w.Severity + w.DollarImpact + w.CovenantProximity + w.Portfolio
}

// BreakerPolicy tunes the alert-storm circuit breaker.
type BreakerPolicy struct {
	Window           time.Duration `yaml:"window"`
	Threshold        int64         `yaml:"threshold"`
	BaselineLookback time.Duration `yaml:"baseline_lookback"`
	SurgeFactor      float64       `yaml:"surge_factor"`
	EscalationFactor float64       `yaml:"escalation_factor"`
	RecoverFraction  float64       `yaml:"recover_fraction"`
	CloseFraction    float64       `yaml:"close_fraction"`
	TrialWindow      time.Duration `yaml:"trial_window"`
}

// PeriodPolicy describes the reporting-period calendar.
type PeriodPolicy struct {
	Epoch  time.Time     `yaml:"epoch"`
	Length time.Duration `yaml:"length"`
}

// PropertyFinancials is the portfolio context used by the scorer.
type PropertyFinancials struct {
	PropertyID  int64    `yaml:"property_id"`
	NOI         float64  `yaml:"noi"`
	LoanBalance float64  `yaml:"loan_balance"`
	DSCR        *float64 `yaml:"dscr,omitempty"`
}

// Policy holds every tunable of the pipeline. It is loaded once at startup.
type Policy struct {
	PrioritySeverity  SeverityScale   `yaml:"priority_severity"`
	ImpactSeverity    SeverityScale   `yaml:"impact_severity"`
	PriorityWeights   PriorityWeights `yaml:"priority_weights"`
	ImpactWeights     ImpactWeights   `yaml:"impact_weights"`
	CovenantFloor     float64         `yaml:"covenant_floor"`
	ImpactSaturation  float64         `yaml:"impact_saturation"`
	FrequencyLookback time.Duration   `yaml:"frequency_lookback"`
	CorrelationWindow time.Duration   `yaml:"correlation_window"`
	SLA               SLAWindows      `yaml:"sla"`
	Breaker           BreakerPolicy   `yaml:"breaker"`
	Periods           PeriodPolicy    `yaml:"periods"`

	Portfolio []PropertyFinancials `yaml:"portfolio"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		PrioritySeverity: SeverityScale{Info: 30, Warning: 60, Critical: 90, Urgent: 100},
		ImpactSeverity:   SeverityScale{Info: 25, Warning: 50, Critical: 75, Urgent: 100},
		PriorityWeights: PriorityWeights{
			Severity:        0.30,
			BreachMagnitude: 0.25,
			Trend:           0.15,
			Portfolio:       0.15,
			Frequency:       0.10,
			Age:             0.05,
		},
		ImpactWeights: ImpactWeights{
			Severity:          0.30,
			DollarImpact:      0.35,
			CovenantProximity: 0.25,
			Portfolio:         0.10,
		},
		CovenantFloor:     1.25,
		ImpactSaturation:  10000,
		FrequencyLookback: 90 * 24 * time.Hour,
		CorrelationWindow: 24 * time.Hour,
		SLA: SLAWindows{
			Info:     72 * time.Hour,
			Warning:  24 * time.Hour,
			Critical: 4 * time.Hour,
			Urgent:   time.Hour,
		},
		Breaker: BreakerPolicy{
			Window:           time.Hour,
			Threshold:        100,
			BaselineLookback: 7 * 24 * time.Hour,
			SurgeFactor:      2,
			EscalationFactor: 2,
			RecoverFraction:  0.5,
			CloseFraction:    0.7,
		},
		Periods: PeriodPolicy{
			Epoch:  time.Date(2010, time.January, 1, 0, 0, 0, 0, time.UTC),
			Length: 30 * 24 * time.Hour,
		},
	}
}

// LoadPolicy decodes a YAML policy on top of DefaultPolicy, so a file only
// needs to name the values it changes.
func LoadPolicy(r io.Reader) (Policy, error) {
	p := DefaultPolicy()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// LoadPolicyFile reads a policy file. An empty path yields DefaultPolicy.
func LoadPolicyFile(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	f, err := os.Open(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return Policy{}, fmt.Errorf("open policy: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadPolicy(f)
}

// Validate checks the policy for values the pipeline cannot work with.
func (p *Policy) Validate() error {
	var errs []error

	if d := math.Abs(p.PriorityWeights.sum() - 1); d > 0.001 {
		errs = append(errs, fmt.Errorf("priority weights sum to %.3f (must be 1)", p.PriorityWeights.sum()))
	}
	if d := math.Abs(p.ImpactWeights.sum() - 1); d > 0.001 {
		errs = append(errs, fmt.Errorf("impact weights sum to %.3f (must be 1)", p.ImpactWeights.sum()))
	}
	for name, w := range map[string]time.Duration{
		"sla.info": p.SLA.Info, "sla.warning": p.SLA.Warning,
		"sla.critical": p.SLA.Critical, "sla.urgent": p.SLA.Urgent,
		"breaker.window": p.Breaker.Window, "periods.length": p.Periods.Length,
	} {
		if w <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if p.Breaker.Threshold <= 0 {
		errs = append(errs, errors.New("breaker.threshold must be positive"))
	}
	if p.Breaker.RecoverFraction <= 0 || p.Breaker.RecoverFraction >= 1 {
		errs = append(errs, errors.New("breaker.recover_fraction must be within (0,1)"))
	}
	if p.Breaker.CloseFraction <= 0 || p.Breaker.CloseFraction >= 1 {
		errs = append(errs, errors.New("breaker.close_fraction must be within (0,1)"))
	}
	if p.ImpactSaturation <= 0 {
		errs = append(errs, errors.New("impact_saturation must be positive"))
	}
	return errors.Join(errs...)
}
