package met

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/metcal/internal/series"
)

const siloSample = `[weather.met.weather]
!station number = 010111
!Your Ref:  "
latitude = -31.75  (DECIMAL DEGREES)
longitude =  117.60  (DECIMAL DEGREES)
tav = 17.20 (oC) ! Annual average ambient temperature.
amp = 6.10 (oC) ! Annual amplitude in mean monthly temperature.
!
year  day radn  maxt   mint  rain  evap    vp   code
 ()   () (MJ/m^2) (oC)  (oC)  (mm)  (mm) (hPa)     ()
2000   1   26.8  33.7  16.4   0.0   9.8  12.7 222222
2000   2   27.1  35.0  18.0   1.2  10.1  13.5 222222
2000   3   25.0  31.0  17.0   0.0   8.4  14.0 222222
`

func TestParse_WhitespaceRows(t *testing.T) {
	f, err := Parse(strings.NewReader(siloSample))
	require.NoError(t, err)

	assert.Equal(t, DefaultSection, f.Section)
	assert.Equal(t, []string{"radn", "maxt", "mint", "rain", "evap", "vp", "code"}, f.Columns)
	assert.Equal(t, "(MJ/m^2)", f.Units[0])
	require.Len(t, f.Rows, 3)
	assert.Equal(t, civil.Date{Year: 2000, Month: time.January, Day: 2}, f.Rows[1].Date)
	assert.Equal(t, "222222", f.Rows[0].Text["code"])

	lat, ok := f.Constant("latitude")
	require.True(t, ok)
	v, err := lat.Float()
	require.NoError(t, err)
	assert.Equal(t, -31.75, v)
	assert.Equal(t, "(DECIMAL DEGREES)", lat.Units)

	tav, ok := f.Constant("TAV")
	require.True(t, ok)
	assert.Equal(t, "! Annual average ambient temperature.", tav.Comment)

	vp, err := f.Column("vp")
	require.NoError(t, err)
	assert.Equal(t, []float64{12.7, 13.5, 14.0}, vp.Values())
}

func TestParse_FixedWidthBlanks(t *testing.T) {
	var b strings.Builder
	b.WriteString("[weather.met.weather]\n")
	b.WriteString("year  day radn  maxt   mint  rain  evap    vp   code\n")
	b.WriteString(" ()   () (MJ/m^2) (oC)  (oC)  (mm)  (mm) (hPa)     ()\n")
	fmt.Fprintf(&b, "%4d %4d %6s %6.1f %6.1f %6.1f %6s %6s %6s\n", 2030, 60, "", 30.0, 15.0, 2.4, "", "", "")
	fmt.Fprintf(&b, "%4d %4d %6.1f %6.1f %6.1f %6.1f %6s %6.1f %6s\n", 2030, 61, 21.0, 29.0, 14.0, 0.0, "", 11.5, "")

	f, err := Parse(strings.NewReader(b.String()))
	require.NoError(t, err)
	require.Len(t, f.Rows, 2)

	assert.Equal(t, civil.Date{Year: 2030, Month: time.March, Day: 1}, f.Rows[0].Date)
	assert.True(t, math.IsNaN(f.Cell(0, "radn")))
	assert.Equal(t, 30.0, f.Cell(0, "maxt"))
	assert.Equal(t, 2.4, f.Cell(0, "rain"))
	assert.True(t, math.IsNaN(f.Cell(0, "evap")))
	assert.True(t, math.IsNaN(f.Cell(0, "vp")))
	assert.Equal(t, 11.5, f.Cell(1, "vp"))
	assert.Empty(t, f.Rows[0].Text)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"no column line", "[weather.met.weather]\n!just comments\n"},
		{"bad column line", "[weather.met.weather]\nfoo bar baz\n()\n"},
		{"units mismatch", "year day maxt\n() ()\n"},
		{"bad day", "year day maxt\n() () (oC)\n2001 366 20.0\n"},
		{"bad value", "year day maxt\n() () (oC)\n2001 1 warm\n"},
		{"duplicate date", "year day maxt\n() () (oC)\n2001 1 20.0\n2001 1 21.0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			assert.Error(t, err)
		})
	}

	_, err := Parse(strings.NewReader("year day maxt\n() () (oC)\n2001 1 warm\n"))
	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 3, perr.Line)

	_, err = Parse(strings.NewReader("year day maxt\n() () (oC)\n2001 1 20\n2001 1 21\n"))
	assert.ErrorIs(t, err, series.ErrDuplicateDate)
}

func TestWrite_RoundTrip(t *testing.T) {
	f, err := Parse(strings.NewReader(siloSample))
	require.NoError(t, err)
	f.Rows[1].Values[4] = math.NaN() // evap blank on day 2

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, f))

	lines := strings.Split(buf.String(), "\n")
	assert.Equal(t, DefaultSection, lines[0])
	assert.Contains(t, buf.String(), "latitude = -31.75 (DECIMAL DEGREES)")
	assert.Contains(t, buf.String(), "tav = 17.20 (oC) ! Annual average ambient temperature.")
	assert.Contains(t, buf.String(), "2000    1   26.8   33.7   16.4    0.0    9.8   12.7 222222")

	back, err := Parse(&buf)
	require.NoError(t, err)
	require.Len(t, back.Rows, 3)
	assert.True(t, math.IsNaN(back.Cell(1, "evap")))
	assert.Equal(t, 13.5, back.Cell(1, "vp"))
	assert.Equal(t, "222222", back.Rows[1].Text["code"])
	assert.Equal(t, len(f.Header), len(back.Header))
}

func TestSetColumn(t *testing.T) {
	f, err := Parse(strings.NewReader(siloSample))
	require.NoError(t, err)

	upd := series.New(map[civil.Date]float64{
		{Year: 2000, Month: time.January, Day: 2}:  20,
		{Year: 2000, Month: time.January, Day: 3}:  21,
		{Year: 2001, Month: time.January, Day: 1}:  22,
		{Year: 1999, Month: time.December, Day: 31}: 23,
	})
	skipped, err := f.SetColumn("vp", upd)
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)

	vp, err := f.Column("vp")
	require.NoError(t, err)
	assert.Equal(t, []float64{12.7, 20, 21}, vp.Values())

	_, err = f.SetColumn("tmax", upd)
	assert.ErrorIs(t, err, ErrUnknownColumn)
	_, err = f.Column("code")
	assert.ErrorIs(t, err, ErrUnknownColumn)
}

func seasonalFile(t *testing.T, start civil.Date, days int) *File {
	t.Helper()
	f := &File{
		Section: DefaultSection,
		Columns: []string{"radn", "maxt", "mint", "rain", "evap", "vp", "code"},
		Units:   []string{"(MJ/m^2)", "(oC)", "(oC)", "(mm)", "(mm)", "(hPa)", "()"},
	}
	for i := 0; i < days; i++ {
		d := start.AddDays(i)
		// Southern hemisphere: January warm, July cold.
		var maxt float64
		switch d.Month {
		case time.January:
			maxt = 32
		case time.July:
			maxt = 16
		default:
			maxt = 24
		}
		f.Rows = append(f.Rows, Row{
			Date:   d,
			Values: []float64{20, maxt, maxt - 12, 0, 5 + float64(i%4), 10 + float64(i%6), math.NaN()},
		})
	}
	require.NoError(t, f.reindex())
	return f
}

func TestUpdateSummary(t *testing.T) {
	f := seasonalFile(t, civil.Date{Year: 2001, Month: time.January, Day: 1}, 365)
	f.Header = []HeaderLine{
		{Comment: "!header"},
		{Constant: &Constant{Key: "latitude", Value: "-31.75", Units: "(DECIMAL DEGREES)"}},
		{Comment: "!trailing"},
	}

	require.NoError(t, f.UpdateSummary())

	tav, ok := f.Constant("tav")
	require.True(t, ok)
	amp, ok := f.Constant("amp")
	require.True(t, ok)

	// (32+20)/2=26 in Jan, (16+4)/2=10 in Jul, 18 otherwise.
	wantTav := (31*26.0 + 31*10.0 + 303*18.0) / 365
	gotTav, _ := tav.Float()
	assert.InDelta(t, wantTav, gotTav, 0.005)
	gotAmp, _ := amp.Float()
	assert.InDelta(t, 8.0, gotAmp, 0.005)

	// New constants follow the last existing one.
	require.Len(t, f.Header, 5)
	assert.Equal(t, "latitude", f.Header[1].Constant.Key)
	assert.Equal(t, "tav", f.Header[2].Constant.Key)
	assert.Equal(t, "amp", f.Header[3].Constant.Key)
	assert.Equal(t, "!trailing", f.Header[4].Comment)

	// Recomputing replaces rather than duplicates.
	require.NoError(t, f.UpdateSummary())
	assert.Len(t, f.Header, 5)
}

func TestUpdateSummary_NeedsJanuaryAndJuly(t *testing.T) {
	f := seasonalFile(t, civil.Date{Year: 2001, Month: time.February, Day: 1}, 100)
	assert.Error(t, f.UpdateSummary())

	empty := &File{Columns: []string{"maxt", "mint"}}
	_, _, err := empty.Summary()
	assert.ErrorIs(t, err, ErrNoData)

	noTemp := &File{Columns: []string{"vp"}}
	assert.ErrorIs(t, noTemp.UpdateSummary(), ErrUnknownColumn)
}

func TestClone_IsDeep(t *testing.T) {
	f, err := Parse(strings.NewReader(siloSample))
	require.NoError(t, err)
	c := f.Clone()

	c.Rows[0].Values[0] = 99
	c.Rows[0].Text["code"] = "000000"
	c.SetConstant("tav", "1.00", "", "")

	assert.Equal(t, 26.8, f.Cell(0, "radn"))
	assert.Equal(t, "222222", f.Rows[0].Text["code"])
	tav, _ := f.Constant("tav")
	assert.Equal(t, "17.20", tav.Value)
}

func TestProxyCSV(t *testing.T) {
	in := "date,value\n2030-01-01,1.5\n2030-01-02 00:00:00,\n2030-01-03,nan\n2030-01-04,2.25\n"
	s, err := ReadProxyCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Equal(t, 4, s.Len())

	v, _ := s.Lookup(civil.Date{Year: 2030, Month: time.January, Day: 2})
	assert.True(t, math.IsNaN(v))
	assert.Error(t, s.RequireComplete())

	var buf bytes.Buffer
	require.NoError(t, WriteProxyCSV(&buf, s))
	assert.Equal(t, "date,value\n2030-01-01,1.5\n2030-01-02,\n2030-01-03,\n2030-01-04,2.2\n", buf.String())

	headerless, err := ReadProxyCSV(strings.NewReader("2030-01-01,3\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, headerless.Len())

	_, err = ReadProxyCSV(strings.NewReader("date,value\n"))
	assert.ErrorIs(t, err, ErrNoData)
	_, err = ReadProxyCSV(strings.NewReader("date,value\n2030-13-01,1\n"))
	assert.Error(t, err)
	_, err = ReadProxyCSV(strings.NewReader("date,value\n2030-01-01,1\n2030-01-01,2\n"))
	assert.ErrorIs(t, err, series.ErrDuplicateDate)
}
