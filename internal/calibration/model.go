// Package calibration implements monthly mean-variance bias correction.
//
// A Model is fit on a matched baseline (see Extract) and then applied to any
// number of series, including future periods far outside the baseline window.
// For a value x dated in calendar month m:
//
//	shift-only, when |σs(m)| < threshold(m):
//	  x' = x + (μt(m) - μs(m))
//	scale otherwise:
//	  x' = μt(m) + (x - μs(m)) × σt(m)/σs(m)
//
// where t is the reference (target) baseline and s the source baseline.
// threshold(m) is max(Epsilon, RelativeEpsilon × |μs(m)|). The branch is chosen
// from σs alone; a near-zero σt still uses the scale branch.
//
// Results are clipped to the variable's lower bound and the number of clipped
// values is reported per month.
package calibration

import (
	"math"
	"sync"
	"time"

	"github.com/lox/metcal/internal/series"
)

const (
	DefaultEpsilon         = 1e-6
	DefaultRelativeEpsilon = 1e-6
)

// Branch records which transform a month used.
type Branch int

const (
	BranchScale Branch = iota
	BranchShift
)

func (b Branch) String() string {
	switch b {
	case BranchShift:
		return "shift"
	default:
		return "scale"
	}
}

// Config holds the tunable parameters of a Model.
type Config struct {
	Epsilon         float64 // absolute near-zero threshold for σs, in native units
	RelativeEpsilon float64 // threshold relative to |μs(m)|
	LowerBound      float64
}

// DefaultConfig returns thresholds suitable for vp and evap.
func DefaultConfig() Config {
	return Config{
		Epsilon:         DefaultEpsilon,
		RelativeEpsilon: DefaultRelativeEpsilon,
		LowerBound:      0,
	}
}

// Params are the fitted per-month statistics. They are a value type; a Model
// never hands out references to its own copy.
type Params struct {
	Target MonthlyStats
	Source MonthlyStats
}

// Degenerate reports whether month m had fewer than two observations on
// either side, making its standard deviation unreliable.
func (p Params) Degenerate(m time.Month) bool {
	return p.Target.Month(m).N < 2 || p.Source.Month(m).N < 2
}

// DegenerateMonths lists every degenerate month.
func (p Params) DegenerateMonths() []time.Month {
	var out []time.Month
	for m := time.January; m <= time.December; m++ {
		if p.Degenerate(m) {
			out = append(out, m)
		}
	}
	return out
}

// MonthDiagnostic describes how one calendar month of a series was calibrated.
type MonthDiagnostic struct {
	Branch  Branch
	Values  int
	Clipped int
}

// CalibratedSeries is the output of Apply.
type CalibratedSeries struct {
	Series  *series.Series
	Months  [12]MonthDiagnostic
	Clipped int
}

// Month returns the diagnostic for calendar month m.
func (c *CalibratedSeries) Month(m time.Month) MonthDiagnostic {
	return c.Months[m-1]
}

// ShiftMonths counts months that used the shift-only branch.
func (c *CalibratedSeries) ShiftMonths() int {
	n := 0
	for _, d := range c.Months {
		if d.Branch == BranchShift {
			n++
		}
	}
	return n
}

type Model struct {
	cfg Config

	mu     sync.RWMutex
	params *Params
}

func NewModel(cfg Config) *Model {
	return &Model{cfg: cfg}
}

// Fit estimates monthly statistics on both baselines and replaces any
// previously fitted parameters. Errors from the estimator are returned as is.
func (m *Model) Fit(ref, src *series.Series) error {
	if err := ref.RequireComplete(); err != nil {
		return err
	}
	if err := src.RequireComplete(); err != nil {
		return err
	}
	target, err := EstimateMonthly(ref)
	if err != nil {
		return err
	}
	source, err := EstimateMonthly(src)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.params = &Params{Target: target, Source: source}
	m.mu.Unlock()
	return nil
}

// FitBaseline fits on an extracted baseline.
func (m *Model) FitBaseline(b *Baseline) error {
	return m.Fit(b.Reference, b.Source)
}

func (m *Model) Fitted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.params != nil
}

// Params returns a copy of the fitted parameters.
func (m *Model) Params() (Params, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.params == nil {
		return Params{}, ErrNotFit
	}
	return *m.params, nil
}

// branch picks shift-only when σs is below the threshold. A zero σs always
// shifts, so thresholds of zero never divide by it.
func (m *Model) branch(source MonthStats) Branch {
	threshold := math.Max(m.cfg.Epsilon, m.cfg.RelativeEpsilon*math.Abs(source.Mean))
	if source.Std == 0 || math.Abs(source.Std) < threshold {
		return BranchShift
	}
	return BranchScale
}

func (m *Model) transform(p *Params, month time.Month, x float64) (float64, Branch) {
	tgt, src := p.Target.Month(month), p.Source.Month(month)
	b := m.branch(src)
	if b == BranchShift {
		return x + (tgt.Mean - src.Mean), b
	}
	return tgt.Mean + (x-src.Mean)*(tgt.Std/src.Std), b
}

// Apply calibrates s with the fitted parameters. s may cover any period.
func (m *Model) Apply(s *series.Series) (*CalibratedSeries, error) {
	p, err := m.Params()
	if err != nil {
		return nil, err
	}
	if err := s.RequireComplete(); err != nil {
		return nil, err
	}

	out := &CalibratedSeries{}
	for i := range out.Months {
		out.Months[i].Branch = m.branch(p.Source[i])
	}

	points := s.Points()
	raw := make([]float64, len(points))
	for i, pt := range points {
		raw[i], _ = m.transform(&p, pt.Date.Month, pt.Value)
		d := &out.Months[pt.Date.Month-1]
		d.Values++
		if raw[i] < m.cfg.LowerBound {
			d.Clipped++
		}
	}

	clipped, n := Enforce(raw, m.cfg.LowerBound)
	out.Clipped = n
	for i := range points {
		points[i].Value = clipped[i]
	}
	out.Series, err = series.FromPoints(points)
	if err != nil {
		return nil, err
	}
	return out, nil
}
