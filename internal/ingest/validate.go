package ingest

import (
	"encoding/json"
	"math"
	"sort"
)

const (
	FlagTempOutOfRange = "temp_out_of_range"
	FlagTempInverted   = "maxt_below_mint"
	FlagRadnOutOfRange = "radn_out_of_range"
	FlagRainNegative   = "rain_negative"
	FlagEvapNegative   = "evap_negative"
	FlagVPNegative     = "vp_negative"
	FlagVPUnlikely     = "vp_unlikely"
)

// Record is one day of a weather file. Missing values are NaN and are never
// flagged.
type Record struct {
	Radn float64
	MaxT float64
	MinT float64
	Rain float64
	Evap float64
	VP   float64
}

func present(v float64) bool { return !math.IsNaN(v) }

// ValidateRecord returns quality flags for physically implausible values.
// Flags are advisory; callers keep the data.
func ValidateRecord(r Record) []string {
	var flags []string

	if (present(r.MaxT) && (r.MaxT < -30 || r.MaxT > 60)) ||
		(present(r.MinT) && (r.MinT < -30 || r.MinT > 60)) {
		flags = append(flags, FlagTempOutOfRange)
	}

	if present(r.MaxT) && present(r.MinT) && r.MaxT < r.MinT {
		flags = append(flags, FlagTempInverted)
	}

	// Daily global radiation tops out near 40 MJ/m^2 at the surface.
	if present(r.Radn) && (r.Radn < 0 || r.Radn > 45) {
		flags = append(flags, FlagRadnOutOfRange)
	}

	if present(r.Rain) && r.Rain < 0 {
		flags = append(flags, FlagRainNegative)
	}

	if present(r.Evap) && r.Evap < 0 {
		flags = append(flags, FlagEvapNegative)
	}

	if present(r.VP) {
		if r.VP < 0 {
			flags = append(flags, FlagVPNegative)
		} else if r.VP > 80 {
			flags = append(flags, FlagVPUnlikely)
		}
	}

	return flags
}

// FlagCounts tallies flags over many records.
type FlagCounts map[string]int

func (c FlagCounts) Add(flags []string) {
	for _, f := range flags {
		c[f]++
	}
}

func (c FlagCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Keys returns the flag names in sorted order.
func (c FlagCounts) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// QualityReport summarises the flags raised over the rows of one file.
type QualityReport struct {
	Path        string
	Rows        int
	FlaggedRows int
	Counts      FlagCounts
}

// FlagsJSON lists the distinct flags raised, in sorted order.
func (r QualityReport) FlagsJSON() string {
	return QualityFlagsToJSON(r.Counts.Keys())
}

func QualityFlagsToJSON(flags []string) string {
	if len(flags) == 0 {
		return ""
	}
	b, _ := json.Marshal(flags)
	return string(b)
}
