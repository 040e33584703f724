package alerting

import (
	"math"
	"time"
)

// neutralScore is used for any input that cannot be computed.
const neutralScore = 50

// ScoringContext carries the inputs the scorer needs beyond the alert itself.
// Nil pointers mean the input is unknown and its component falls back to neutral.
type ScoringContext struct {
	Now time.Time

	ActualValue *float64
	Threshold   *float64
	PriorValue  *float64

	NOI            *float64
	LoanBalance    *float64
	MaxNOI         *float64
	MaxLoanBalance *float64

	// HistoricalCount is the number of same-type alerts for the property in
	// the frequency lookback. HistoryKnown is false when the count failed.
	HistoricalCount int
	HistoryKnown    bool

	ImpactAmount *float64
	DSCR         *float64
}

// ScoreResult is the outcome of scoring an alert.
type ScoreResult struct {
	Priority       float64
	BusinessImpact float64
	Components     ScoreComponents
}

// Scorer computes priority and business impact scores.
type Scorer struct {
	policy Policy
}

// NewScorer creates a scorer using the tables and weights in p.
func NewScorer(p Policy) *Scorer {
	return &Scorer{policy: p}
}

// Score always produces a value: inputs that are missing score neutral and are
// flagged as defaulted in the components.
func (s *Scorer) Score(al *Alert, sc ScoringContext) ScoreResult {
	pw := s.policy.PriorityWeights
	iw := s.policy.ImpactWeights

	portfolio, portfolioDefaulted := portfolioScore(sc)

	pc := PriorityComponents{
		Severity:  Component{Score: s.policy.PrioritySeverity.For(al.Severity), Weight: pw.Severity},
		Portfolio: Component{Score: portfolio, Weight: pw.Portfolio, Defaulted: portfolioDefaulted},
		Age:       Component{Score: ageScore(al.CreatedAt, sc.Now), Weight: pw.Age},
	}
	pc.BreachMagnitude.Weight = pw.BreachMagnitude
	pc.BreachMagnitude.Score, pc.BreachMagnitude.Defaulted = breachMagnitudeScore(sc.ActualValue, sc.Threshold)
	pc.Trend.Weight = pw.Trend
	pc.Trend.Score, pc.Trend.Defaulted = trendScore(sc.ActualValue, sc.PriorValue, sc.Threshold)
	pc.Frequency.Weight = pw.Frequency
	if sc.HistoryKnown {
		pc.Frequency.Score = frequencyScore(sc.HistoricalCount)
	} else {
		pc.Frequency.Score, pc.Frequency.Defaulted = neutralScore, true
	}

	ic := ImpactComponents{
		Severity:  Component{Score: s.policy.ImpactSeverity.For(al.Severity), Weight: iw.Severity},
		Portfolio: Component{Score: portfolio, Weight: iw.Portfolio, Defaulted: portfolioDefaulted},
	}
	ic.DollarImpact.Weight = iw.DollarImpact
	ic.DollarImpact.Score, ic.DollarImpact.Defaulted = dollarImpactScore(sc.ImpactAmount, s.policy.ImpactSaturation)
	ic.CovenantProximity.Weight = iw.CovenantProximity
	ic.CovenantProximity.Score, ic.CovenantProximity.Defaulted = covenantProximityScore(sc.DSCR, s.policy.CovenantFloor)

	return ScoreResult{
		Priority:       weighted(pc.Severity, pc.BreachMagnitude, pc.Trend, pc.Portfolio, pc.Frequency, pc.Age),
		BusinessImpact: weighted(ic.Severity, ic.DollarImpact, ic.CovenantProximity, ic.Portfolio),
		Components:     ScoreComponents{Priority: pc, Impact: ic},
	}
}

// Apply copies a score result onto al.
func (r ScoreResult) Apply(al *Alert) {
	al.PriorityScore = r.Priority
	al.BusinessImpactScore = r.BusinessImpact
	al.Components = r.Components
}

func weighted(cs ...Component) float64 {
	var total float64
	for _, c := range cs {
		total += clamp(c.Score) * c.Weight
	}
	return math.Round(clamp(total)*100) / 100
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return neutralScore
	}
	return math.Max(0, math.Min(100, v))
}

func breachMagnitudeScore(actual, threshold *float64) (float64, bool) {
	if actual == nil || threshold == nil || *threshold == 0 {
		return neutralScore, true
	}
	pct := math.Abs(*actual-*threshold) / math.Abs(*threshold) * 100
	switch {
	case pct >= 50:
		return 100, false
	case pct >= 25:
		return 80, false
	case pct >= 10:
		return 60, false
	case pct >= 5:
		return 40, false
	default:
		return 30, false
	}
}

// trendScore rates the move from the prior period. When the threshold is
// known, a move further away from it is worsening; otherwise only the size
// of the move counts.
func trendScore(actual, prior, threshold *float64) (float64, bool) {
	if actual == nil || prior == nil || *prior == 0 {
		return neutralScore, true
	}
	change := (*actual - *prior) / math.Abs(*prior)
	if math.Abs(change) < 0.01 {
		return neutralScore, false
	}
	if threshold == nil {
		if math.Abs(change) >= 0.10 {
			return 75, false
		}
		return neutralScore, false
	}
	below := *actual < *threshold
	worsening := (below && change < 0) || (!below && change > 0)
	switch {
	case worsening && math.Abs(change) >= 0.10:
		return 100, false
	case worsening:
		return 75, false
	default:
		return 25, false
	}
}

// portfolioScore blends NOI and loan balance against portfolio maxima, 60/40.
// A missing half scores neutral; both missing marks the component defaulted.
func portfolioScore(sc ScoringContext) (float64, bool) {
	noi, noiOK := ratioScore(sc.NOI, sc.MaxNOI)
	loan, loanOK := ratioScore(sc.LoanBalance, sc.MaxLoanBalance)
	if !noiOK && !loanOK {
		return neutralScore, true
	}
	return 0.6*noi + 0.4*loan, false
}

func ratioScore(v, maxV *float64) (float64, bool) {
	if v == nil || maxV == nil || *maxV <= 0 {
		return neutralScore, false
	}
	return clamp(math.Abs(*v) / *maxV * 100), true
}

func frequencyScore(n int) float64 {
	switch {
	case n >= 5:
		return 100
	case n >= 3:
		return 80
	case n >= 2:
		return 60
	default:
		return 40
	}
}

func ageScore(createdAt, now time.Time) float64 {
	if createdAt.IsZero() || now.Before(createdAt) {
		return 40
	}
	days := now.Sub(createdAt).Hours() / 24
	switch {
	case days >= 7:
		return 100
	case days >= 3:
		return 80
	case days >= 1:
		return 60
	default:
		return 40
	}
}

func dollarImpactScore(amount *float64, saturation float64) (float64, bool) {
	if amount == nil {
		return neutralScore, true
	}
	return math.Min(100, math.Abs(*amount)/saturation*100), false
}

func covenantProximityScore(dscr *float64, floor float64) (float64, bool) {
	if dscr == nil {
		return neutralScore, true
	}
	d := *dscr - floor
	switch {
	case d < 0:
		return 100, false
	case d < 0.10:
		return 90, false
	case d < 0.25:
		return 70, false
	case d < 0.50:
		return 40, false
	default:
		return 10, false
	}
}
