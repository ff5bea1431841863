package met

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/lox/metcal/internal/config"
	"github.com/lox/metcal/internal/ingest"
	"github.com/lox/metcal/internal/models"
	"github.com/lox/metcal/internal/runner"
	"github.com/lox/metcal/internal/series"
)

// FileLoader reads job inputs from the paths listed per site. Parsed .met
// files are cached so the vp and evap jobs of a site share one read.
type FileLoader struct {
	sites   map[string]config.Site
	order   []string
	logger  *slog.Logger
	backoff func() backoff.BackOff

	group   singleflight.Group
	mu      sync.Mutex
	files   map[string]*File
	quality map[string]ingest.QualityReport
}

var _ runner.Loader = (*FileLoader)(nil)

func NewFileLoader(sites []config.Site, logger *slog.Logger) *FileLoader {
	l := &FileLoader{
		sites:  make(map[string]config.Site, len(sites)),
		logger: logger.With("component", "loader"),
		backoff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 100 * time.Millisecond
			bo.MaxElapsedTime = 10 * time.Second
			return bo
		},
		files:   map[string]*File{},
		quality: map[string]ingest.QualityReport{},
	}
	for _, s := range sites {
		l.sites[s.Name] = s
		l.order = append(l.order, s.Name)
	}
	return l
}

func (l *FileLoader) site(c models.Coordinate) (config.Site, error) {
	s, ok := l.sites[c.Name]
	if !ok {
		return config.Site{}, fmt.Errorf("unknown site %q", c.Name)
	}
	return s, nil
}

func (l *FileLoader) LoadReference(ctx context.Context, v models.Variable, c models.Coordinate) (*series.Series, error) {
	s, err := l.site(c)
	if err != nil {
		return nil, err
	}
	return l.loadInput(ctx, s.Reference, v)
}

func (l *FileLoader) LoadSource(ctx context.Context, v models.Variable, c models.Coordinate) (*series.Series, error) {
	s, err := l.site(c)
	if err != nil {
		return nil, err
	}
	return l.loadInput(ctx, s.Historical, v)
}

func (l *FileLoader) LoadScenarios(ctx context.Context, v models.Variable, c models.Coordinate) ([]runner.ScenarioSeries, error) {
	s, err := l.site(c)
	if err != nil {
		return nil, err
	}
	out := make([]runner.ScenarioSeries, 0, len(s.Scenarios))
	for _, sc := range s.Scenarios {
		ser, err := l.loadInput(ctx, sc.Input, v)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
		}
		out = append(out, runner.ScenarioSeries{Name: sc.Name, Series: ser})
	}
	return out, nil
}

func (l *FileLoader) loadInput(ctx context.Context, in config.Input, v models.Variable) (*series.Series, error) {
	path, proxy := in.Path(v)
	if path == "" {
		return nil, fmt.Errorf("no input for %s", v.Name)
	}
	if proxy {
		var s *series.Series
		err := l.retry(ctx, path, func(f *os.File) error {
			var err error
			s, err = ReadProxyCSV(f)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("%s: %w", path, err))
			}
			return nil
		})
		return s, err
	}

	f, err := l.Met(ctx, path)
	if err != nil {
		return nil, err
	}
	s, err := f.Column(v.Name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Met returns the parsed file at path. Callers must not modify it; use Clone.
func (l *FileLoader) Met(ctx context.Context, path string) (*File, error) {
	l.mu.Lock()
	if f, ok := l.files[path]; ok {
		l.mu.Unlock()
		return f, nil
	}
	l.mu.Unlock()

	v, err, _ := l.group.Do(path, func() (any, error) {
		var mf *File
		err := l.retry(ctx, path, func(f *os.File) error {
			var err error
			mf, err = Parse(f)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("%s: %w", path, err))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		l.check(path, mf)

		l.mu.Lock()
		l.files[path] = mf
		l.mu.Unlock()
		return mf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*File), nil
}

// retry opens path and runs read, retrying transient I/O failures. A missing
// file is permanent.
func (l *FileLoader) retry(ctx context.Context, path string, read func(f *os.File) error) error {
	op := func() error {
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
				return backoff.Permanent(err)
			}
			return err
		}
		defer f.Close()
		return read(f)
	}
	return backoff.Retry(op, backoff.WithContext(l.backoff(), ctx))
}

// check logs and records implausible rows. Flagged rows are kept.
func (l *FileLoader) check(path string, f *File) {
	report := ingest.QualityReport{Path: path, Rows: len(f.Rows), Counts: ingest.FlagCounts{}}
	for i := range f.Rows {
		flags := ingest.ValidateRecord(ingest.Record{
			Radn: f.Cell(i, "radn"),
			MaxT: f.Cell(i, "maxt"),
			MinT: f.Cell(i, "mint"),
			Rain: f.Cell(i, "rain"),
			Evap: f.Cell(i, "evap"),
			VP:   f.Cell(i, "vp"),
		})
		if len(flags) > 0 {
			report.FlaggedRows++
			report.Counts.Add(flags)
		}
	}
	if report.FlaggedRows == 0 {
		return
	}

	l.mu.Lock()
	l.quality[path] = report
	l.mu.Unlock()

	attrs := []any{"path", path, "rows", report.Rows, "flagged_rows", report.FlaggedRows}
	for _, k := range report.Counts.Keys() {
		attrs = append(attrs, k, report.Counts[k])
	}
	l.logger.Warn("quality flags", attrs...)
}

// Quality returns the QC reports of every file read so far that had flagged
// rows, ordered by path.
func (l *FileLoader) Quality() []ingest.QualityReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ingest.QualityReport, 0, len(l.quality))
	for _, r := range l.quality {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
