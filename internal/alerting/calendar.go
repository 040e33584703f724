package alerting

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"
)

// PeriodCalendar maps reporting periods to wall-clock boundaries.
type PeriodCalendar interface {
	PeriodAt(t time.Time) int64
	PeriodStart(id int64) time.Time
}

// FixedCalendar numbers fixed-length periods from Epoch. Period 0 starts at Epoch.
type FixedCalendar struct {
	Epoch  time.Time
	Length time.Duration
}

// NewFixedCalendar builds a calendar from the policy's period settings.
func NewFixedCalendar(p PeriodPolicy) FixedCalendar {
	return FixedCalendar{Epoch: p.Epoch, Length: p.Length}
}

// PeriodAt returns the id of the period containing t.
func (c FixedCalendar) PeriodAt(t time.Time) int64 {
	d := t.Sub(c.Epoch)
	n := int64(d / c.Length)
	if d < 0 && d%c.Length != 0 {
		n--
	}
	return n
}

// PeriodStart returns the first instant of period id.
func (c FixedCalendar) PeriodStart(id int64) time.Time {
	return c.Epoch.Add(time.Duration(id) * c.Length)
}

// PortfolioSnapshot is what the scorer needs to know about a property and
// the portfolio it sits in.
type PortfolioSnapshot struct {
	Property       PropertyFinancials
	Found          bool
	MaxNOI         float64
	MaxLoanBalance float64
}

// PortfolioSource supplies portfolio context for scoring.
type PortfolioSource interface {
	Lookup(ctx context.Context, propertyID int64) (PortfolioSnapshot, error)
}

// StaticPortfolio serves portfolio context from a fixed list, typically the
// policy file.
type StaticPortfolio struct {
	mu      sync.RWMutex
	byID    map[int64]PropertyFinancials
	maxNOI  float64
	maxLoan float64
}

// NewStaticPortfolio indexes the given properties.
func NewStaticPortfolio(props []PropertyFinancials) *StaticPortfolio {
	p := &StaticPortfolio{byID: make(map[int64]PropertyFinancials, len(props))}
	for _, f := range props {
		p.byID[f.PropertyID] = f
		p.maxNOI = max(p.maxNOI, f.NOI)
		p.maxLoan = max(p.maxLoan, f.LoanBalance)
	}
	return p
}

// Lookup implements PortfolioSource.
func (p *StaticPortfolio) Lookup(_ context.Context, propertyID int64) (PortfolioSnapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, ok := p.byID[propertyID]
	return PortfolioSnapshot{
		Property:       f,
		Found:          ok,
		MaxNOI:         p.maxNOI,
		MaxLoanBalance: p.maxLoan,
	}, nil
}

// matchPattern reports whether account matches a shell-style glob, case-insensitively.
// A malformed pattern falls back to exact comparison.
func matchPattern(pattern, account string) bool {
	pattern, account = strings.ToLower(pattern), strings.ToLower(account)
	ok, err := path.Match(pattern, account)
	if err != nil {
		return pattern == account
	}
	return ok
}
