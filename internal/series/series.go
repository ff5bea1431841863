// Package series holds daily, date-indexed scalar time series.
//
// A Series is immutable once constructed. Operations that change the set of
// dates or values (Restrict, Map) return a new Series and leave the receiver
// untouched, so a Series can be shared freely between goroutines.
package series

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"cloud.google.com/go/civil"
)

// ErrDuplicateDate is returned by FromPoints when two points share a date.
var ErrDuplicateDate = errors.New("duplicate date")

// Point is a single daily value.
type Point struct {
	Date  civil.Date
	Value float64
}

// Series is an ordered sequence of daily values with strictly increasing dates.
type Series struct {
	points []Point
	index  map[civil.Date]int
}

// New builds a Series from a date to value mapping.
func New(values map[civil.Date]float64) *Series {
	points := make([]Point, 0, len(values))
	for d, v := range values {
		points = append(points, Point{Date: d, Value: v})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })
	return build(points)
}

// FromPoints builds a Series from points in any order. Duplicate dates are rejected.
func FromPoints(pts []Point) (*Series, error) {
	points := make([]Point, len(pts))
	copy(points, pts)
	sort.SliceStable(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })
	for i := 1; i < len(points); i++ {
		if points[i].Date == points[i-1].Date {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDate, points[i].Date)
		}
	}
	return build(points), nil
}

func build(points []Point) *Series {
	index := make(map[civil.Date]int, len(points))
	for i, p := range points {
		index[p.Date] = i
	}
	return &Series{points: points, index: index}
}

func (s *Series) Len() int { return len(s.points) }

// Start returns the first date. The zero Date is returned for an empty series.
func (s *Series) Start() civil.Date {
	if len(s.points) == 0 {
		return civil.Date{}
	}
	return s.points[0].Date
}

// End returns the last date. The zero Date is returned for an empty series.
func (s *Series) End() civil.Date {
	if len(s.points) == 0 {
		return civil.Date{}
	}
	return s.points[len(s.points)-1].Date
}

func (s *Series) Lookup(d civil.Date) (float64, bool) {
	i, ok := s.index[d]
	if !ok {
		return 0, false
	}
	return s.points[i].Value, true
}

// Points returns a copy of the underlying points in date order.
func (s *Series) Points() []Point {
	out := make([]Point, len(s.points))
	copy(out, s.points)
	return out
}

// Values returns a copy of the values in date order.
func (s *Series) Values() []float64 {
	out := make([]float64, len(s.points))
	for i, p := range s.points {
		out[i] = p.Value
	}
	return out
}

// Restrict returns the points dated within [start, end] inclusive.
func (s *Series) Restrict(start, end civil.Date) (*Series, error) {
	if end.Before(start) {
		return nil, &EmptyRangeError{Start: start, End: end, Reason: "start after end"}
	}
	lo := sort.Search(len(s.points), func(i int) bool { return !s.points[i].Date.Before(start) })
	hi := sort.Search(len(s.points), func(i int) bool { return s.points[i].Date.After(end) })
	if lo >= hi {
		return nil, &EmptyRangeError{Start: start, End: end, Reason: "no overlapping dates"}
	}
	points := make([]Point, hi-lo)
	copy(points, s.points[lo:hi])
	return build(points), nil
}

// ByMonth partitions values by calendar month across all years. Index 0 is January.
func (s *Series) ByMonth() [12][]float64 {
	var months [12][]float64
	for _, p := range s.points {
		m := p.Date.Month - 1
		months[m] = append(months[m], p.Value)
	}
	return months
}

// Map returns a new Series with fn applied to every point.
func (s *Series) Map(fn func(d civil.Date, v float64) float64) *Series {
	points := make([]Point, len(s.points))
	for i, p := range s.points {
		points[i] = Point{Date: p.Date, Value: fn(p.Date, p.Value)}
	}
	return build(points)
}

// Gap is a run of consecutive missing days between two present dates.
type Gap struct {
	After   civil.Date // last present date before the gap
	Before  civil.Date // first present date after the gap
	Missing int
}

func (g Gap) String() string {
	return fmt.Sprintf("%d day(s) missing between %s and %s", g.Missing, g.After, g.Before)
}

// Gaps reports every break in daily continuity.
func (s *Series) Gaps() []Gap {
	var gaps []Gap
	for i := 1; i < len(s.points); i++ {
		prev, cur := s.points[i-1].Date, s.points[i].Date
		if n := cur.DaysSince(prev); n > 1 {
			gaps = append(gaps, Gap{After: prev, Before: cur, Missing: n - 1})
		}
	}
	return gaps
}

// maxSampleDates bounds the dates listed in an IncompleteDataError.
const maxSampleDates = 10

// RequireComplete fails with an IncompleteDataError if any value is NaN.
func (s *Series) RequireComplete() error {
	var sample []civil.Date
	total := 0
	for _, p := range s.points {
		if !math.IsNaN(p.Value) {
			continue
		}
		total++
		if len(sample) < maxSampleDates {
			sample = append(sample, p.Date)
		}
	}
	if total == 0 {
		return nil
	}
	return &IncompleteDataError{Dates: sample, Total: total}
}
