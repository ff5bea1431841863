// Package runner orchestrates calibration jobs: load, extract the baseline,
// fit once, apply to the baseline and every scenario, and hand the result to
// a sink.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/lox/metcal/internal/calibration"
	"github.com/lox/metcal/internal/metrics"
	"github.com/lox/metcal/internal/models"
	"github.com/lox/metcal/internal/series"
)

// Options are the per-run calibration settings.
type Options struct {
	Window          calibration.Window
	MinCommonDates  int
	Epsilon         float64
	RelativeEpsilon float64
	Concurrency     int
}

type Runner struct {
	loader Loader
	sink   Sink
	opts   Options
	logger *slog.Logger
	clock  clockwork.Clock
}

func New(loader Loader, sink Sink, opts Options, logger *slog.Logger) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.GOMAXPROCS(0)
	}
	return &Runner{
		loader: loader,
		sink:   sink,
		opts:   opts,
		logger: logger.With("component", "runner"),
		clock:  clockwork.NewRealClock(),
	}
}

// SetClock swaps the time source used for result timestamps.
func (r *Runner) SetClock(c clockwork.Clock) {
	r.clock = c
}

func (r *Runner) modelConfig(v models.Variable) calibration.Config {
	return calibration.Config{
		Epsilon:         r.opts.Epsilon,
		RelativeEpsilon: r.opts.RelativeEpsilon,
		LowerBound:      v.LowerBound,
	}
}

// Run processes a single job. Any error is a *CoordinateError.
func (r *Runner) Run(ctx context.Context, job Job) (*Result, error) {
	log := r.logger.With("variable", job.Variable.Name, "coordinate", job.Coordinate.String())
	res := &Result{Job: job, StartedAt: r.clock.Now()}

	fail := func(stage Stage, err error) (*Result, error) {
		metrics.JobsTotal.WithLabelValues(job.Variable.Name, "failed").Inc()
		metrics.JobFailures.WithLabelValues(job.Variable.Name, string(stage)).Inc()
		return nil, &CoordinateError{Job: job, Stage: stage, Err: err}
	}

	// load
	start := r.clock.Now()
	if err := ctx.Err(); err != nil {
		return fail(StageLoad, err)
	}
	ref, err := r.loader.LoadReference(ctx, job.Variable, job.Coordinate)
	if err != nil {
		return fail(StageLoad, err)
	}
	src, err := r.loader.LoadSource(ctx, job.Variable, job.Coordinate)
	if err != nil {
		return fail(StageLoad, err)
	}
	scenarios, err := r.loader.LoadScenarios(ctx, job.Variable, job.Coordinate)
	if err != nil {
		return fail(StageLoad, err)
	}
	r.observe(StageLoad, start)

	// extract
	start = r.clock.Now()
	if err := ctx.Err(); err != nil {
		return fail(StageExtract, err)
	}
	minCommon := r.opts.MinCommonDates
	if minCommon <= 0 {
		minCommon = calibration.DefaultMinCommonDates
	}
	baseline, err := calibration.Extract(ref, src, r.opts.Window, minCommon)
	if err != nil {
		return fail(StageExtract, err)
	}
	res.Baseline = BaselineSummary{
		Window:           r.opts.Window,
		Common:           baseline.Reference.Len(),
		DroppedReference: baseline.DroppedReference,
		DroppedSource:    baseline.DroppedSource,
		DroppedMissing:   baseline.DroppedMissing,
	}
	if dropped := res.Baseline.Dropped(); dropped > 0 {
		metrics.BaselineDatesDropped.WithLabelValues(job.Variable.Name).Add(float64(dropped))
		log.Warn("baseline dates dropped",
			"common", res.Baseline.Common,
			"dropped_reference", baseline.DroppedReference,
			"dropped_source", baseline.DroppedSource,
			"dropped_missing", baseline.DroppedMissing,
		)
	}
	r.observe(StageExtract, start)

	// fit
	start = r.clock.Now()
	model := calibration.NewModel(r.modelConfig(job.Variable))
	if err := model.FitBaseline(baseline); err != nil {
		return fail(StageFit, err)
	}
	res.Params, _ = model.Params()
	if degenerate := res.Params.DegenerateMonths(); len(degenerate) > 0 {
		log.Warn("degenerate baseline months", "months", degenerate)
	}
	r.observe(StageFit, start)

	// apply
	start = r.clock.Now()
	res.BaselineQC, err = r.apply(ctx, log, model, job, models.BaselineScenario, baseline.Source)
	if err != nil {
		return fail(StageApply, err)
	}
	metrics.ShiftOnlyMonths.WithLabelValues(job.Variable.Name).Add(float64(res.BaselineQC.Calibrated.ShiftMonths()))
	for _, sc := range scenarios {
		out, err := r.apply(ctx, log, model, job, sc.Name, sc.Series)
		if err != nil {
			return fail(StageApply, err)
		}
		res.Scenarios = append(res.Scenarios, out)
	}
	r.observe(StageApply, start)
	res.CompletedAt = r.clock.Now()

	// write
	if r.sink != nil {
		start = r.clock.Now()
		if err := r.sink.Write(ctx, res); err != nil {
			return fail(StageWrite, err)
		}
		r.observe(StageWrite, start)
	}

	metrics.JobsTotal.WithLabelValues(job.Variable.Name, "ok").Inc()
	log.Info("calibrated",
		"baseline_days", res.Baseline.Common,
		"scenarios", len(res.Scenarios),
		"shift_months", res.BaselineQC.Calibrated.ShiftMonths(),
	)
	return res, nil
}

func (r *Runner) apply(ctx context.Context, log *slog.Logger, model *calibration.Model, job Job, name string, s *series.Series) (ScenarioResult, error) {
	if err := ctx.Err(); err != nil {
		return ScenarioResult{}, err
	}
	out, err := model.Apply(s)
	if err != nil {
		return ScenarioResult{}, err
	}
	gaps := s.Gaps()
	if len(gaps) > 0 {
		log.Warn("series has gaps", "scenario", name, "gaps", len(gaps), "first", gaps[0].String())
	}
	metrics.ValuesCalibrated.WithLabelValues(job.Variable.Name, name).Add(float64(out.Series.Len()))
	if out.Clipped > 0 {
		metrics.ValuesClipped.WithLabelValues(job.Variable.Name, name).Add(float64(out.Clipped))
		log.Debug("clipped to lower bound", "scenario", name, "count", out.Clipped)
	}
	return ScenarioResult{Name: name, Calibrated: out, Gaps: gaps}, nil
}

func (r *Runner) observe(stage Stage, start time.Time) {
	metrics.StageLatency.WithLabelValues(string(stage)).Observe(r.clock.Since(start).Seconds())
}

// RunBatch runs every job with bounded concurrency. A failing job never stops
// the others; its error is collected in the report.
func (r *Runner) RunBatch(ctx context.Context, jobs []Job) *BatchReport {
	results := make([]*Result, len(jobs))
	failures := make([]*CoordinateError, len(jobs))

	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			res, err := r.Run(ctx, job)
			if err != nil {
				var ce *CoordinateError
				if !errors.As(err, &ce) {
					ce = &CoordinateError{Job: job, Stage: StageLoad, Err: err}
				}
				failures[i] = ce
				r.logger.Error("job failed", "job", job.String(), "stage", ce.Stage, "error", ce.Err)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	report := &BatchReport{}
	for i := range jobs {
		if results[i] != nil {
			report.Results = append(report.Results, results[i])
		}
		if failures[i] != nil {
			report.Failures = append(report.Failures, failures[i])
		}
	}
	return report
}

// Jobs expands every variable over every coordinate.
func Jobs(vars []models.Variable, coords []models.Coordinate) []Job {
	jobs := make([]Job, 0, len(vars)*len(coords))
	for _, c := range coords {
		for _, v := range vars {
			jobs = append(jobs, Job{Variable: v, Coordinate: c})
		}
	}
	return jobs
}
