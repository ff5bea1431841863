package met

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/lox/metcal/internal/config"
	"github.com/lox/metcal/internal/models"
	"github.com/lox/metcal/internal/runner"
	"github.com/lox/metcal/internal/series"
)

// FileSink writes calibrated scenarios into copies of their template .met
// files, plus one date,value CSV per variable. Every variable of a site and
// scenario lands in the same .met file.
type FileSink struct {
	dir    string
	sites  map[string]config.Site
	loader *FileLoader
	logger *slog.Logger
	clock  clockwork.Clock

	mu    sync.Mutex
	files map[string]*File
}

var _ runner.Sink = (*FileSink)(nil)

func NewFileSink(dir string, sites []config.Site, loader *FileLoader, logger *slog.Logger) *FileSink {
	s := &FileSink{
		dir:    dir,
		sites:  make(map[string]config.Site, len(sites)),
		loader: loader,
		logger: logger.With("component", "sink"),
		clock:  clockwork.NewRealClock(),
		files:  map[string]*File{},
	}
	for _, site := range sites {
		s.sites[site.Name] = site
	}
	return s
}

func (s *FileSink) SetClock(c clockwork.Clock) {
	s.clock = c
}

// MetPath is where the calibrated file for a site and scenario is written.
func (s *FileSink) MetPath(site, scenario string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s_calibrated.met", site, scenario))
}

// CSVPath is where a single calibrated variable is written.
func (s *FileSink) CSVPath(site, scenario, variable string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s_%s_calibrated.csv", site, scenario, variable))
}

func (s *FileSink) Write(ctx context.Context, res *runner.Result) error {
	site, ok := s.sites[res.Job.Coordinate.Name]
	if !ok {
		return fmt.Errorf("unknown site %q", res.Job.Coordinate.Name)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := res.Job.Variable
	if err := s.writeCSV(site.Name, models.BaselineScenario, v.Name, res.BaselineQC.Calibrated.Series); err != nil {
		return err
	}

	for _, sc := range res.Scenarios {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.writeCSV(site.Name, sc.Name, v.Name, sc.Calibrated.Series); err != nil {
			return err
		}

		tmpl := templateFor(site, sc.Name)
		if tmpl == "" {
			continue
		}
		f, err := s.file(ctx, site.Name, sc.Name, tmpl)
		if err != nil {
			return err
		}
		skipped, err := f.SetColumn(v.Name, sc.Calibrated.Series)
		if err != nil {
			return fmt.Errorf("%s: %w", tmpl, err)
		}
		if skipped > 0 {
			s.logger.Warn("calibrated dates missing from template",
				"site", site.Name, "scenario", sc.Name, "variable", v.Name, "skipped", skipped)
		}
		if err := f.UpdateSummary(); err != nil {
			s.logger.Debug("summary not updated", "site", site.Name, "scenario", sc.Name, "error", err)
		}
		f.AddComment(fmt.Sprintf("!%s bias-corrected by monthly mean and variance against the %s to %s reference baseline on %s",
			v.Name, res.Baseline.Window.Start, res.Baseline.Window.End, s.clock.Now().Format("20060102")))

		path := s.MetPath(site.Name, sc.Name)
		if err := writeAtomic(path, func(w io.Writer) error { return Write(w, f) }); err != nil {
			return err
		}
		s.logger.Info("wrote met", "path", path, "variable", v.Name)
	}
	return nil
}

func templateFor(site config.Site, scenario string) string {
	for _, sc := range site.Scenarios {
		if sc.Name == scenario {
			return sc.TemplatePath()
		}
	}
	return ""
}

// file returns the accumulating output for site and scenario, cloning the
// template on first use. Callers hold s.mu.
func (s *FileSink) file(ctx context.Context, site, scenario, tmpl string) (*File, error) {
	key := site + "\x00" + scenario
	if f, ok := s.files[key]; ok {
		return f, nil
	}
	src, err := s.loader.Met(ctx, tmpl)
	if err != nil {
		return nil, fmt.Errorf("template: %w", err)
	}
	f := src.Clone()
	s.files[key] = f
	return f, nil
}

func (s *FileSink) writeCSV(site, scenario, variable string, ser *series.Series) error {
	return writeAtomic(s.CSVPath(site, scenario, variable), func(w io.Writer) error {
		return WriteProxyCSV(w, ser)
	})
}

func writeAtomic(path string, fn func(w io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := fn(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
