package models

import (
	"fmt"
	"strings"
)

// Variable is a calibrated weather-file column.
type Variable struct {
	Name       string // column name in the .met file: "vp" or "evap"
	Long       string
	Units      string
	LowerBound float64
	ProxyTag   string // suffix of proxy CSV files, e.g. "_vp" or "_eto"
}

var (
	VP = Variable{
		Name:       "vp",
		Long:       "vapor pressure",
		Units:      "hPa",
		LowerBound: 0,
		ProxyTag:   "vp",
	}
	Evap = Variable{
		Name:       "evap",
		Long:       "reference evapotranspiration",
		Units:      "mm",
		LowerBound: 0,
		ProxyTag:   "eto",
	}
)

// Variables lists every calibrated variable in processing order.
var Variables = []Variable{VP, Evap}

// LookupVariable resolves a variable by column name or proxy tag.
func LookupVariable(name string) (Variable, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, v := range Variables {
		if n == v.Name || n == v.ProxyTag {
			return v, nil
		}
	}
	return Variable{}, fmt.Errorf("unknown variable %q", name)
}

// Coordinate is a grid point being calibrated.
type Coordinate struct {
	Name      string
	Latitude  float64
	Longitude float64
}

func (c Coordinate) String() string {
	if c.Name != "" {
		return fmt.Sprintf("%s (%.2f, %.2f)", c.Name, c.Latitude, c.Longitude)
	}
	return fmt.Sprintf("(%.2f, %.2f)", c.Latitude, c.Longitude)
}

// Key is a stable identifier for a coordinate, used in file names and storage.
func (c Coordinate) Key() string {
	return fmt.Sprintf("%.2f_%.2f", c.Latitude, c.Longitude)
}

// BaselineScenario names the QC pass over the source baseline itself.
const BaselineScenario = "baseline"
