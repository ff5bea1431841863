package calibration

import (
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/lox/metcal/internal/series"
)

// MonthStats summarises one calendar month of a series.
type MonthStats struct {
	Mean float64
	Std  float64 // sample standard deviation, 0 when N == 1
	N    int
}

// MonthlyStats is indexed by month-1 (January at 0).
type MonthlyStats [12]MonthStats

// Month returns the statistics for calendar month m.
func (ms MonthlyStats) Month(m time.Month) MonthStats {
	return ms[m-1]
}

// EstimateMonthly computes the mean and sample standard deviation of every
// calendar month across all years of s.
func EstimateMonthly(s *series.Series) (MonthlyStats, error) {
	var out MonthlyStats
	for i, values := range s.ByMonth() {
		n := len(values)
		if n == 0 {
			return MonthlyStats{}, &EmptyMonthError{Month: time.Month(i + 1)}
		}
		if n == 1 {
			out[i] = MonthStats{Mean: values[0], Std: 0, N: 1}
			continue
		}
		mean, std := stat.MeanStdDev(values, nil)
		out[i] = MonthStats{Mean: mean, Std: std, N: n}
	}
	return out, nil
}
