package alerting

import (
	"math"
	"testing"
	"time"
)

func ptr(v float64) *float64 { return &v }

func TestScorer_AllInputsMissing(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	al := &Alert{Severity: SeverityCritical, CreatedAt: now}

	res := NewScorer(DefaultPolicy()).Score(al, ScoringContext{Now: now})

	// 0.30*90 + 0.25*50 + 0.15*50 + 0.15*50 + 0.10*50 + 0.05*40
	if res.Priority != 61.5 {
		t.Errorf("Priority = %v, want 61.5", res.Priority)
	}
	// 0.30*75 + 0.35*50 + 0.25*50 + 0.10*50
	if res.BusinessImpact != 57.5 {
		t.Errorf("BusinessImpact = %v, want 57.5", res.BusinessImpact)
	}

	pc := res.Components.Priority
	for name, c := range map[string]Component{
		"breach_magnitude": pc.BreachMagnitude,
		"trend":            pc.Trend,
		"portfolio":        pc.Portfolio,
		"frequency":        pc.Frequency,
		"dollar_impact":    res.Components.Impact.DollarImpact,
		"covenant":         res.Components.Impact.CovenantProximity,
	} {
		if !c.Defaulted {
			t.Errorf("%s not flagged as defaulted", name)
		}
		if c.Score != neutralScore {
			t.Errorf("%s = %v, want neutral", name, c.Score)
		}
	}
	if pc.Severity.Defaulted || pc.Age.Defaulted {
		t.Error("severity and age are always known")
	}
}

func TestScorer_FullContext(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	al := &Alert{Severity: SeverityUrgent, CreatedAt: now.Add(-4 * 24 * time.Hour)}
	sc := ScoringContext{
		Now:             now,
		ActualValue:     ptr(0.5),
		Threshold:       ptr(1.25),
		PriorValue:      ptr(0.8),
		NOI:             ptr(500_000),
		MaxNOI:          ptr(1_000_000),
		LoanBalance:     ptr(2_000_000),
		MaxLoanBalance:  ptr(2_000_000),
		HistoricalCount: 3,
		HistoryKnown:    true,
		ImpactAmount:    ptr(25_000),
		DSCR:            ptr(0.5),
	}

	res := NewScorer(DefaultPolicy()).Score(al, sc)

	// severity 100, breach 100 (60% below), trend 100 (worsening 37.5%),
	// portfolio 0.6*50+0.4*100 = 70, frequency 80, age 80
	wantPriority := 0.30*100 + 0.25*100 + 0.15*100 + 0.15*70 + 0.10*80 + 0.05*80
	if math.Abs(res.Priority-wantPriority) > 0.005 {
		t.Errorf("Priority = %v, want %v", res.Priority, wantPriority)
	}
	// severity 100, dollar 100 (saturated), covenant 100 (below floor), portfolio 70
	wantImpact := 0.30*100 + 0.35*100 + 0.25*100 + 0.10*70
	if math.Abs(res.BusinessImpact-wantImpact) > 0.005 {
		t.Errorf("BusinessImpact = %v, want %v", res.BusinessImpact, wantImpact)
	}
}

func TestScoreResult_Apply(t *testing.T) {
	t.Parallel()

	al := &Alert{}
	ScoreResult{Priority: 42, BusinessImpact: 17}.Apply(al)
	if al.PriorityScore != 42 || al.BusinessImpactScore != 17 {
		t.Errorf("Apply = (%v, %v), want (42, 17)", al.PriorityScore, al.BusinessImpactScore)
	}
}

func TestBreachMagnitudeScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		actual        *float64
		threshold     *float64
		want          float64
		wantDefaulted bool
	}{
		{"double", ptr(2.0), ptr(1.0), 100, false},
		{"thirty percent", ptr(1.3), ptr(1.0), 80, false},
		{"twelve percent", ptr(1.12), ptr(1.0), 60, false},
		{"six percent", ptr(1.06), ptr(1.0), 40, false},
		{"dscr 8.8 percent under covenant", ptr(1.14), ptr(1.25), 40, false},
		{"one percent", ptr(1.01), ptr(1.0), 30, false},
		{"below threshold counts too", ptr(0.4), ptr(1.0), 100, false},
		{"no threshold", ptr(1.0), nil, 50, true},
		{"zero threshold", ptr(1.0), ptr(0), 50, true},
		{"no actual", nil, ptr(1.0), 50, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, defaulted := breachMagnitudeScore(tt.actual, tt.threshold)
			if got != tt.want || defaulted != tt.wantDefaulted {
				t.Errorf("breachMagnitudeScore = (%v, %v), want (%v, %v)", got, defaulted, tt.want, tt.wantDefaulted)
			}
		})
	}
}

func TestTrendScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		actual        *float64
		prior         *float64
		threshold     *float64
		want          float64
		wantDefaulted bool
	}{
		{"falling further below floor", ptr(1.0), ptr(1.2), ptr(1.25), 100, false},
		{"drifting below floor", ptr(1.15), ptr(1.2), ptr(1.25), 75, false},
		{"recovering toward floor", ptr(1.2), ptr(1.1), ptr(1.25), 25, false},
		{"rising further above ceiling", ptr(150), ptr(120), ptr(100), 100, false},
		{"flat", ptr(1.2), ptr(1.201), ptr(1.25), 50, false},
		{"large move without threshold", ptr(110), ptr(100), nil, 75, false},
		{"small move without threshold", ptr(105), ptr(100), nil, 50, false},
		{"no prior period", ptr(1.0), nil, ptr(1.25), 50, true},
		{"zero prior", ptr(1.0), ptr(0), nil, 50, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, defaulted := trendScore(tt.actual, tt.prior, tt.threshold)
			if got != tt.want || defaulted != tt.wantDefaulted {
				t.Errorf("trendScore = (%v, %v), want (%v, %v)", got, defaulted, tt.want, tt.wantDefaulted)
			}
		})
	}
}

func TestPortfolioScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		sc            ScoringContext
		want          float64
		wantDefaulted bool
	}{
		{"both halves", ScoringContext{NOI: ptr(500), MaxNOI: ptr(1000), LoanBalance: ptr(2000), MaxLoanBalance: ptr(2000)}, 70, false},
		{"loan missing", ScoringContext{NOI: ptr(1000), MaxNOI: ptr(1000)}, 80, false},
		{"nothing known", ScoringContext{}, 50, true},
		{"zero maxima", ScoringContext{NOI: ptr(10), MaxNOI: ptr(0)}, 50, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, defaulted := portfolioScore(tt.sc)
			if math.Abs(got-tt.want) > 1e-9 || defaulted != tt.wantDefaulted {
				t.Errorf("portfolioScore = (%v, %v), want (%v, %v)", got, defaulted, tt.want, tt.wantDefaulted)
			}
		})
	}
}

func TestFrequencyAndAgeTiers(t *testing.T) {
	t.Parallel()

	for n, want := range map[int]float64{0: 40, 1: 40, 2: 60, 3: 80, 4: 80, 5: 100, 12: 100} {
		if got := frequencyScore(n); got != want {
			t.Errorf("frequencyScore(%d) = %v, want %v", n, got, want)
		}
	}

	created := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	day := 24 * time.Hour
	for age, want := range map[time.Duration]float64{
		0:              40,
		23 * time.Hour: 40,
		day:            60,
		3 * day:        80,
		7 * day:        100,
		30 * day:       100,
		-time.Hour:     40,
	} {
		if got := ageScore(created, created.Add(age)); got != want {
			t.Errorf("ageScore(%v) = %v, want %v", age, got, want)
		}
	}
}

func TestDollarImpactAndCovenantScores(t *testing.T) {
	t.Parallel()

	for amount, want := range map[float64]float64{5000: 50, -2500: 25, 10000: 100, 250000: 100, 0: 0} {
		got, defaulted := dollarImpactScore(ptr(amount), 10000)
		if got != want || defaulted {
			t.Errorf("dollarImpactScore(%v) = (%v, %v), want (%v, false)", amount, got, defaulted, want)
		}
	}

	for dscr, want := range map[float64]float64{1.10: 100, 1.30: 90, 1.40: 70, 1.60: 40, 2.0: 10} {
		got, defaulted := covenantProximityScore(ptr(dscr), 1.25)
		if got != want || defaulted {
			t.Errorf("covenantProximityScore(%v) = (%v, %v), want (%v, false)", dscr, got, defaulted, want)
		}
	}
}

func TestScorer_BoundsHoldForExtremeInputs(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	values := []*float64{nil, ptr(0), ptr(-1e12), ptr(1e12), ptr(math.Inf(1)), ptr(math.NaN()), ptr(1.25)}
	scorer := NewScorer(DefaultPolicy())

	for _, sev := range []Severity{SeverityInfo, SeverityWarning, SeverityCritical, SeverityUrgent, "bogus"} {
		for _, a := range values {
			for _, b := range values {
				al := &Alert{Severity: sev, CreatedAt: now.Add(-365 * 24 * time.Hour)}
				sc := ScoringContext{
					Now:             now,
					ActualValue:     a,
					Threshold:       b,
					PriorValue:      b,
					NOI:             a,
					MaxNOI:          b,
					LoanBalance:     a,
					MaxLoanBalance:  b,
					ImpactAmount:    a,
					DSCR:            b,
					HistoricalCount: 1000,
					HistoryKnown:    true,
				}
				res := scorer.Score(al, sc)
				for _, v := range []float64{res.Priority, res.BusinessImpact} {
					if math.IsNaN(v) || v < 0 || v > 100 {
						t.Fatalf("score %v out of bounds for severity %s, inputs %v/%v", v, sev, a, b)
					}
				}
			}
		}
	}
}
