package met

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"

	"github.com/lox/metcal/internal/config"
	"github.com/lox/metcal/internal/models"
)

// coordinateTolerance is how far, in degrees, a reference file's header may
// sit from the configured site before it is noted.
const coordinateTolerance = 0.05

// InputCheck is the state of one configured input.
type InputCheck struct {
	Site     string
	Role     string // "reference", "historical", a scenario name, or "<scenario> template"
	Variable string // empty for templates
	Path     string
	Proxy    bool
	Problem  string // empty when the input is usable
	Note     string
}

func (c InputCheck) OK() bool { return c.Problem == "" }

// Preflight checks every input a calibration of vars would read, in site
// order, without calibrating anything. A .met input must parse and carry the
// variable's column; a proxy CSV must exist.
func (l *FileLoader) Preflight(ctx context.Context, vars []models.Variable) []InputCheck {
	var out []InputCheck
	for _, name := range l.order {
		site := l.sites[name]
		for _, v := range vars {
			ref := l.checkInput(ctx, site.Name, "reference", site.Reference, v)
			if ref.OK() && !ref.Proxy {
				ref.Note = l.coordinateNote(ctx, site, ref.Path)
			}
			out = append(out, ref)
			out = append(out, l.checkInput(ctx, site.Name, "historical", site.Historical, v))
			for _, sc := range site.Scenarios {
				out = append(out, l.checkInput(ctx, site.Name, sc.Name, sc.Input, v))
			}
		}
		for _, sc := range site.Scenarios {
			tmpl := sc.TemplatePath()
			if tmpl == "" || tmpl == sc.Input.Met {
				continue
			}
			c := InputCheck{Site: site.Name, Role: sc.Name + " template", Path: tmpl}
			if _, err := l.Met(ctx, tmpl); err != nil {
				c.Problem = describe(err)
			}
			out = append(out, c)
		}
	}
	return out
}

func (l *FileLoader) checkInput(ctx context.Context, site, role string, in config.Input, v models.Variable) InputCheck {
	path, proxy := in.Path(v)
	c := InputCheck{Site: site, Role: role, Variable: v.Name, Path: path, Proxy: proxy}
	switch {
	case path == "":
		c.Problem = "not configured"
	case proxy:
		if _, err := os.Stat(path); err != nil {
			c.Problem = describe(err)
		}
	default:
		f, err := l.Met(ctx, path)
		if err != nil {
			c.Problem = describe(err)
		} else if !f.HasColumn(v.Name) {
			c.Problem = fmt.Sprintf("no %s column", v.Name)
		}
	}
	return c
}

// coordinateNote compares the latitude and longitude constants of a .met
// header with the site's configured position.
func (l *FileLoader) coordinateNote(ctx context.Context, site config.Site, path string) string {
	f, err := l.Met(ctx, path)
	if err != nil {
		return ""
	}
	for _, axis := range []struct {
		key  string
		want float64
	}{{"latitude", site.Latitude}, {"longitude", site.Longitude}} {
		c, ok := f.Constant(axis.key)
		if !ok || axis.want == 0 {
			continue
		}
		got, err := c.Float()
		if err != nil {
			return fmt.Sprintf("%s %q is not a number", axis.key, c.Value)
		}
		if math.Abs(got-axis.want) > coordinateTolerance {
			return fmt.Sprintf("%s %.2f in file, %.2f configured", axis.key, got, axis.want)
		}
	}
	return ""
}

func describe(err error) string {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "missing"
	case errors.Is(err, fs.ErrPermission):
		return "not readable"
	default:
		return err.Error()
	}
}
