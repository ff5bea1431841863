// Package met reads and writes APSIM .met weather files.
//
// A file is a section line, a header of "!" comments and "key = value"
// constants, a column-name line, a units line and one row per day. Rows are keyed
// by year and day of year. Missing cells are blank in the fixed-width layout
// and are held as NaN.
package met

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"gonum.org/v1/gonum/stat"

	"github.com/lox/metcal/internal/series"
)

const DefaultSection = "[weather.met.weather]"

// Fixed-width row layout: "%4d %4d" then one "%6.1f" cell per column, each
// preceded by a single space.
const (
	yearWidth = 4
	dayWidth  = 4
	cellWidth = 6
)

var (
	ErrUnknownColumn = errors.New("unknown column")
	ErrNoData        = errors.New("no data rows")
)

var constantRe = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*=\s*([^\s(!]+)\s*(\([^)]*\))?\s*(!.*)?$`)

// Constant is a "key = value (units) ! comment" header line.
type Constant struct {
	Key     string
	Value   string
	Units   string
	Comment string
}

func (c Constant) Float() (float64, error) {
	return strconv.ParseFloat(c.Value, 64)
}

// HeaderLine is either a comment (Constant nil) or a constant.
type HeaderLine struct {
	Comment  string
	Constant *Constant
}

type Row struct {
	Date civil.Date
	// Values holds one cell per column after year and day. Text columns
	// such as code read as NaN here and live in Text.
	Values []float64
	Text   map[string]string
}

type File struct {
	Section string
	Header  []HeaderLine
	Columns []string // excluding year and day
	Units   []string // excluding year and day
	Rows    []Row

	index map[civil.Date]int
}

// textColumns are carried as strings.
var textColumns = map[string]bool{"code": true}

// ParseError reports a malformed line.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("met line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse reads a .met file.
func Parse(r io.Reader) (*File, error) {
	f := &File{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var allCols, allUnits []string
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		switch {
		case allCols == nil:
			switch {
			case trimmed == "":
				continue
			case strings.HasPrefix(trimmed, "["):
				f.Section = trimmed
			case strings.HasPrefix(trimmed, "!"):
				f.Header = append(f.Header, HeaderLine{Comment: trimmed})
			case strings.Contains(trimmed, "="):
				m := constantRe.FindStringSubmatch(trimmed)
				if m == nil {
					return nil, &ParseError{Line: lineNo, Err: fmt.Errorf("malformed constant %q", trimmed)}
				}
				f.Header = append(f.Header, HeaderLine{Constant: &Constant{
					Key:     strings.ToLower(m[1]),
					Value:   m[2],
					Units:   m[3],
					Comment: strings.TrimSpace(m[4]),
				}})
			default:
				allCols = strings.Fields(strings.ToLower(trimmed))
				if len(allCols) < 3 || allCols[0] != "year" || allCols[1] != "day" {
					return nil, &ParseError{Line: lineNo, Err: fmt.Errorf("expected column line starting with year day, got %q", trimmed)}
				}
				f.Columns = allCols[2:]
			}
		case allUnits == nil:
			allUnits = strings.Fields(trimmed)
			if len(allUnits) != len(allCols) {
				return nil, &ParseError{Line: lineNo, Err: fmt.Errorf("units line has %d fields, want %d", len(allUnits), len(allCols))}
			}
			f.Units = allUnits[2:]
		default:
			if trimmed == "" || strings.HasPrefix(trimmed, "!") {
				continue
			}
			row, err := f.parseRow(line)
			if err != nil {
				return nil, &ParseError{Line: lineNo, Err: err}
			}
			f.Rows = append(f.Rows, row)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if allCols == nil {
		return nil, errors.New("met: missing column line")
	}
	if allUnits == nil {
		return nil, errors.New("met: missing units line")
	}
	if f.Section == "" {
		f.Section = DefaultSection
	}
	if err := f.reindex(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) parseRow(line string) (Row, error) {
	fields := strings.Fields(line)
	if len(fields) == len(f.Columns)+2 {
		return f.rowFromFields(fields)
	}
	return f.rowFromFixedWidth(line)
}

func (f *File) rowFromFields(fields []string) (Row, error) {
	date, err := parseYearDay(fields[0], fields[1])
	if err != nil {
		return Row{}, err
	}
	row := Row{Date: date, Values: make([]float64, len(f.Columns))}
	for i, col := range f.Columns {
		if err := row.setCell(col, i, fields[i+2]); err != nil {
			return Row{}, err
		}
	}
	return row, nil
}

func (f *File) rowFromFixedWidth(line string) (Row, error) {
	cut := func(start, width int) string {
		if start >= len(line) {
			return ""
		}
		end := min(start+width, len(line))
		return strings.TrimSpace(line[start:end])
	}

	date, err := parseYearDay(cut(0, yearWidth), cut(yearWidth+1, dayWidth))
	if err != nil {
		return Row{}, err
	}
	row := Row{Date: date, Values: make([]float64, len(f.Columns))}
	offset := yearWidth + 1 + dayWidth + 1
	for i, col := range f.Columns {
		if err := row.setCell(col, i, cut(offset+i*(cellWidth+1), cellWidth)); err != nil {
			return Row{}, err
		}
	}
	return row, nil
}

func (r *Row) setCell(col string, i int, cell string) error {
	if textColumns[col] {
		r.Values[i] = math.NaN()
		if cell != "" {
			if r.Text == nil {
				r.Text = map[string]string{}
			}
			r.Text[col] = cell
		}
		return nil
	}
	if cell == "" {
		r.Values[i] = math.NaN()
		return nil
	}
	v, err := strconv.ParseFloat(cell, 64)
	if err != nil {
		return fmt.Errorf("column %s: %w", col, err)
	}
	r.Values[i] = v
	return nil
}

func parseYearDay(yearStr, dayStr string) (civil.Date, error) {
	year, err := strconv.Atoi(yearStr)
	if err != nil {
		return civil.Date{}, fmt.Errorf("year: %w", err)
	}
	day, err := strconv.Atoi(dayStr)
	if err != nil {
		return civil.Date{}, fmt.Errorf("day: %w", err)
	}
	first := civil.Date{Year: year, Month: time.January, Day: 1}
	if day < 1 || day > daysIn(year) {
		return civil.Date{}, fmt.Errorf("day %d out of range for %d", day, year)
	}
	return first.AddDays(day - 1), nil
}

func daysIn(year int) int {
	return civil.Date{Year: year + 1, Month: time.January, Day: 1}.DaysSince(civil.Date{Year: year, Month: time.January, Day: 1})
}

func dayOfYear(d civil.Date) int {
	return d.DaysSince(civil.Date{Year: d.Year, Month: time.January, Day: 1}) + 1
}

func (f *File) reindex() error {
	f.index = make(map[civil.Date]int, len(f.Rows))
	for i, r := range f.Rows {
		if _, dup := f.index[r.Date]; dup {
			return fmt.Errorf("met: %w: %s", series.ErrDuplicateDate, r.Date)
		}
		f.index[r.Date] = i
	}
	return nil
}

func (f *File) columnIndex(name string) (int, error) {
	name = strings.ToLower(name)
	for i, c := range f.Columns {
		if c == name {
			if textColumns[c] {
				return -1, fmt.Errorf("%w: %s is not numeric", ErrUnknownColumn, name)
			}
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", ErrUnknownColumn, name)
}

func (f *File) HasColumn(name string) bool {
	_, err := f.columnIndex(name)
	return err == nil
}

// Column returns the named column as a daily series. Blank cells are NaN.
func (f *File) Column(name string) (*series.Series, error) {
	idx, err := f.columnIndex(name)
	if err != nil {
		return nil, err
	}
	pts := make([]series.Point, len(f.Rows))
	for i, r := range f.Rows {
		pts[i] = series.Point{Date: r.Date, Value: r.Values[idx]}
	}
	return series.FromPoints(pts)
}

// SetColumn overwrites the named column on every date s covers. Dates in s
// that have no row are skipped and counted.
func (f *File) SetColumn(name string, s *series.Series) (int, error) {
	idx, err := f.columnIndex(name)
	if err != nil {
		return 0, err
	}
	if f.index == nil {
		if err := f.reindex(); err != nil {
			return 0, err
		}
	}
	skipped := 0
	for _, p := range s.Points() {
		i, ok := f.index[p.Date]
		if !ok {
			skipped++
			continue
		}
		f.Rows[i].Values[idx] = p.Value
	}
	return skipped, nil
}

// Constant returns the header constant with the given key.
func (f *File) Constant(key string) (Constant, bool) {
	key = strings.ToLower(key)
	for _, h := range f.Header {
		if h.Constant != nil && h.Constant.Key == key {
			return *h.Constant, true
		}
	}
	return Constant{}, false
}

// SetConstant replaces the value of key, or appends a new constant after the
// last existing one.
func (f *File) SetConstant(key, value, units, comment string) {
	key = strings.ToLower(key)
	last := -1
	for i, h := range f.Header {
		if h.Constant == nil {
			continue
		}
		last = i
		if h.Constant.Key == key {
			h.Constant.Value = value
			if units != "" {
				h.Constant.Units = units
			}
			if comment != "" {
				h.Constant.Comment = comment
			}
			return
		}
	}
	line := HeaderLine{Constant: &Constant{Key: key, Value: value, Units: units, Comment: comment}}
	f.Header = append(f.Header, HeaderLine{})
	copy(f.Header[last+2:], f.Header[last+1:])
	f.Header[last+1] = line
}

// AddComment appends a "!" comment to the header.
func (f *File) AddComment(text string) {
	if !strings.HasPrefix(text, "!") {
		text = "!" + text
	}
	f.Header = append(f.Header, HeaderLine{Comment: text})
}

// Cell returns the value of column name in row i, or NaN when the file has no
// such column.
func (f *File) Cell(i int, name string) float64 {
	idx, err := f.columnIndex(name)
	if err != nil {
		return math.NaN()
	}
	return f.Rows[i].Values[idx]
}

// Summary returns tav, the mean daily temperature, and amp, half the
// difference between the mean January and mean July monthly means.
func (f *File) Summary() (tav, amp float64, err error) {
	maxIdx, err := f.columnIndex("maxt")
	if err != nil {
		return 0, 0, err
	}
	minIdx, err := f.columnIndex("mint")
	if err != nil {
		return 0, 0, err
	}

	type yearMonth struct {
		year  int
		month time.Month
	}
	var daily []float64
	monthly := map[yearMonth][]float64{}
	for _, r := range f.Rows {
		hi, lo := r.Values[maxIdx], r.Values[minIdx]
		if math.IsNaN(hi) || math.IsNaN(lo) {
			continue
		}
		t := (hi + lo) / 2
		daily = append(daily, t)
		k := yearMonth{r.Date.Year, r.Date.Month}
		monthly[k] = append(monthly[k], t)
	}
	if len(daily) == 0 {
		return 0, 0, ErrNoData
	}

	var jan, jul []float64
	for k, v := range monthly {
		switch k.month {
		case time.January:
			jan = append(jan, stat.Mean(v, nil))
		case time.July:
			jul = append(jul, stat.Mean(v, nil))
		}
	}
	if len(jan) == 0 || len(jul) == 0 {
		return 0, 0, fmt.Errorf("met: amp needs both January and July data")
	}
	return stat.Mean(daily, nil), (stat.Mean(jan, nil) - stat.Mean(jul, nil)) / 2, nil
}

// UpdateSummary recomputes the tav and amp constants from maxt and mint.
func (f *File) UpdateSummary() error {
	tav, amp, err := f.Summary()
	if err != nil {
		return err
	}
	f.SetConstant("tav", strconv.FormatFloat(tav, 'f', 2, 64), "(oC)", "! Annual average ambient temperature.")
	f.SetConstant("amp", strconv.FormatFloat(amp, 'f', 2, 64), "(oC)", "! Annual amplitude in mean monthly temperature.")
	return nil
}

// Clone returns a deep copy.
func (f *File) Clone() *File {
	out := &File{
		Section: f.Section,
		Header:  make([]HeaderLine, len(f.Header)),
		Columns: append([]string(nil), f.Columns...),
		Units:   append([]string(nil), f.Units...),
		Rows:    make([]Row, len(f.Rows)),
	}
	for i, h := range f.Header {
		if h.Constant != nil {
			c := *h.Constant
			h.Constant = &c
		}
		out.Header[i] = h
	}
	for i, r := range f.Rows {
		nr := Row{Date: r.Date, Values: append([]float64(nil), r.Values...)}
		if r.Text != nil {
			nr.Text = make(map[string]string, len(r.Text))
			for k, v := range r.Text {
				nr.Text[k] = v
			}
		}
		out.Rows[i] = nr
	}
	_ = out.reindex()
	return out
}

// Write emits f in the fixed-width layout.
func Write(w io.Writer, f *File) error {
	bw := bufio.NewWriter(w)

	section := f.Section
	if section == "" {
		section = DefaultSection
	}
	fmt.Fprintln(bw, section)
	for _, h := range f.Header {
		if h.Constant == nil {
			fmt.Fprintln(bw, h.Comment)
			continue
		}
		c := h.Constant
		line := c.Key + " = " + c.Value
		if c.Units != "" {
			line += " " + c.Units
		}
		if c.Comment != "" {
			line += " " + c.Comment
		}
		fmt.Fprintln(bw, line)
	}

	fmt.Fprintf(bw, "%*s %*s", yearWidth, "year", dayWidth, "day")
	for _, c := range f.Columns {
		fmt.Fprintf(bw, " %*s", cellWidth, c)
	}
	fmt.Fprintln(bw)

	units := f.Units
	if len(units) != len(f.Columns) {
		units = make([]string, len(f.Columns))
		for i := range units {
			units[i] = "()"
		}
	}
	fmt.Fprintf(bw, "%*s %*s", yearWidth, "()", dayWidth, "()")
	for _, u := range units {
		fmt.Fprintf(bw, " %*s", cellWidth, u)
	}
	fmt.Fprintln(bw)

	var sb strings.Builder
	for _, r := range f.Rows {
		sb.Reset()
		fmt.Fprintf(&sb, "%*d %*d", yearWidth, r.Date.Year, dayWidth, dayOfYear(r.Date))
		for i, col := range f.Columns {
			if textColumns[col] {
				fmt.Fprintf(&sb, " %*s", cellWidth, r.Text[col])
				continue
			}
			v := r.Values[i]
			if math.IsNaN(v) {
				sb.WriteString(" " + strings.Repeat(" ", cellWidth))
				continue
			}
			fmt.Fprintf(&sb, " %*.1f", cellWidth, v)
		}
		fmt.Fprintln(bw, strings.TrimRight(sb.String(), " "))
	}
	return bw.Flush()
}
