package met

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"cloud.google.com/go/civil"

	"github.com/lox/metcal/internal/series"
)

// ReadProxyCSV reads a two-column date,value file. A header row is optional.
// Dates may carry a time of day, which is dropped; blank values are NaN.
func ReadProxyCSV(r io.Reader) (*series.Series, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var pts []series.Point
	line := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		if len(rec) < 2 {
			return nil, fmt.Errorf("csv line %d: want date,value, got %d field(s)", line, len(rec))
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "date") {
			continue
		}

		d, err := parseCSVDate(rec[0])
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		v := math.NaN()
		if s := strings.TrimSpace(rec[1]); s != "" && !strings.EqualFold(s, "nan") {
			v, err = strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("csv line %d: %w", line, err)
			}
		}
		pts = append(pts, series.Point{Date: d, Value: v})
	}
	if len(pts) == 0 {
		return nil, ErrNoData
	}
	return series.FromPoints(pts)
}

func parseCSVDate(s string) (civil.Date, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " T"); i > 0 {
		s = s[:i]
	}
	return civil.ParseDate(s)
}

// WriteProxyCSV writes s as date,value with one decimal place. NaN is blank.
func WriteProxyCSV(w io.Writer, s *series.Series) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"date", "value"}); err != nil {
		return err
	}
	for _, p := range s.Points() {
		v := ""
		if !math.IsNaN(p.Value) {
			v = strconv.FormatFloat(p.Value, 'f', 1, 64)
		}
		if err := cw.Write([]string{p.Date.String(), v}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
