package calibration

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFit is returned by Apply and Params before Fit has succeeded.
var ErrNotFit = errors.New("calibration model is not fit")

// EmptyMonthError is returned when a calendar month has no observations.
type EmptyMonthError struct {
	Month time.Month
}

func (e *EmptyMonthError) Error() string {
	return fmt.Sprintf("no observations for %s", e.Month)
}

// InsufficientBaselineError is returned when the reference and source series
// share too few dates inside the baseline window to fit.
type InsufficientBaselineError struct {
	Common   int
	Required int
	Dropped  int
}

func (e *InsufficientBaselineError) Error() string {
	return fmt.Sprintf("insufficient baseline: %d common dates, need %d (%d dropped)", e.Common, e.Required, e.Dropped)
}
