package series

import (
	"fmt"
	"strings"

	"cloud.google.com/go/civil"
)

// EmptyRangeError is returned when a restriction window is inverted or does
// not overlap any date in the series.
type EmptyRangeError struct {
	Start  civil.Date
	End    civil.Date
	Reason string
}

func (e *EmptyRangeError) Error() string {
	return fmt.Sprintf("empty range [%s, %s]: %s", e.Start, e.End, e.Reason)
}

// IncompleteDataError is returned when a series that must be complete holds
// missing (NaN) values. Dates holds a bounded sample; Total is the full count.
type IncompleteDataError struct {
	Dates []civil.Date
	Total int
}

func (e *IncompleteDataError) Error() string {
	dates := make([]string, len(e.Dates))
	for i, d := range e.Dates {
		dates[i] = d.String()
	}
	msg := fmt.Sprintf("incomplete data: %d missing value(s) on %s", e.Total, strings.Join(dates, ", "))
	if e.Total > len(e.Dates) {
		msg += fmt.Sprintf(" and %d more", e.Total-len(e.Dates))
	}
	return msg
}
