package calibration

import (
	"fmt"
	"math"

	"cloud.google.com/go/civil"

	"github.com/lox/metcal/internal/series"
)

// DefaultMinCommonDates is roughly 24 months of daily data, enough for every
// calendar month to receive at least two observations.
const DefaultMinCommonDates = 730

// Window is an inclusive baseline date window.
type Window struct {
	Start civil.Date
	End   civil.Date
}

func (w Window) String() string {
	return fmt.Sprintf("%s..%s", w.Start, w.End)
}

// Baseline is a matched pair of reference and source series sharing exactly
// the same dates.
type Baseline struct {
	Reference *series.Series
	Source    *series.Series

	DroppedReference int // in-window reference dates with no source value
	DroppedSource    int // in-window source dates with no reference value
	DroppedMissing   int // shared dates where either side was NaN
}

// Dropped is the total number of in-window dates excluded from the baseline.
func (b *Baseline) Dropped() int {
	return b.DroppedReference + b.DroppedSource + b.DroppedMissing
}

// Extract aligns ref and src to the baseline window and to their common dates.
func Extract(ref, src *series.Series, window Window, minCommon int) (*Baseline, error) {
	refIn, err := ref.Restrict(window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("reference baseline: %w", err)
	}
	srcIn, err := src.Restrict(window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("source baseline: %w", err)
	}

	var refPts, srcPts []series.Point
	shared, missing := 0, 0
	for _, p := range refIn.Points() {
		sv, ok := srcIn.Lookup(p.Date)
		if !ok {
			continue
		}
		shared++
		if math.IsNaN(p.Value) || math.IsNaN(sv) {
			missing++
			continue
		}
		refPts = append(refPts, p)
		srcPts = append(srcPts, series.Point{Date: p.Date, Value: sv})
	}

	b := &Baseline{
		DroppedReference: refIn.Len() - shared,
		DroppedSource:    srcIn.Len() - shared,
		DroppedMissing:   missing,
	}
	if len(refPts) < minCommon {
		return nil, &InsufficientBaselineError{Common: len(refPts), Required: minCommon, Dropped: b.Dropped()}
	}

	// Points come from already-validated series, so duplicates are impossible.
	b.Reference, _ = series.FromPoints(refPts)
	b.Source, _ = series.FromPoints(srcPts)
	return b, nil
}
