package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lox/metcal/internal/calibration"
	"github.com/lox/metcal/internal/models"
	"github.com/lox/metcal/internal/series"
)

// Job is one (variable, coordinate) calibration unit.
type Job struct {
	Variable   models.Variable
	Coordinate models.Coordinate
}

func (j Job) String() string {
	return fmt.Sprintf("%s at %s", j.Variable.Name, j.Coordinate)
}

// ScenarioSeries is a future or historical model series for a coordinate.
type ScenarioSeries struct {
	Name   string
	Series *series.Series
}

// Loader supplies raw series for a job. Implementations own file formats
// and any retry policy.
type Loader interface {
	LoadReference(ctx context.Context, v models.Variable, c models.Coordinate) (*series.Series, error)
	LoadSource(ctx context.Context, v models.Variable, c models.Coordinate) (*series.Series, error)
	LoadScenarios(ctx context.Context, v models.Variable, c models.Coordinate) ([]ScenarioSeries, error)
}

// Sink consumes finished results.
type Sink interface {
	Write(ctx context.Context, res *Result) error
}

// MultiSink writes to every sink in order and stops at the first error.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, res *Result) error {
	for _, s := range m {
		if err := s.Write(ctx, res); err != nil {
			return err
		}
	}
	return nil
}

// BaselineSummary describes how the matched baseline was built.
type BaselineSummary struct {
	Window           calibration.Window
	Common           int
	DroppedReference int
	DroppedSource    int
	DroppedMissing   int
}

func (b BaselineSummary) Dropped() int {
	return b.DroppedReference + b.DroppedSource + b.DroppedMissing
}

// ScenarioResult is one calibrated series. The baseline QC pass is reported
// under models.BaselineScenario.
type ScenarioResult struct {
	Name       string
	Calibrated *calibration.CalibratedSeries
	Gaps       []series.Gap
}

// Result is everything produced for one job.
type Result struct {
	Job         Job
	Params      calibration.Params
	Baseline    BaselineSummary
	BaselineQC  ScenarioResult
	Scenarios   []ScenarioResult
	StartedAt   time.Time
	CompletedAt time.Time
}

// All returns the baseline QC result followed by every scenario.
func (r *Result) All() []ScenarioResult {
	return append([]ScenarioResult{r.BaselineQC}, r.Scenarios...)
}

// Stage names the pipeline step a job failed in.
type Stage string

const (
	StageLoad    Stage = "load"
	StageExtract Stage = "extract"
	StageFit     Stage = "fit"
	StageApply   Stage = "apply"
	StageWrite   Stage = "write"
)

// CoordinateError reports a failed job. Other jobs in a batch are unaffected.
type CoordinateError struct {
	Job   Job
	Stage Stage
	Err   error
}

func (e *CoordinateError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Job, e.Stage, e.Err)
}

func (e *CoordinateError) Unwrap() error { return e.Err }

// BatchReport collects the outcome of RunBatch. Results and Failures are in
// job order.
type BatchReport struct {
	Results  []*Result
	Failures []*CoordinateError
}

// Err joins every failure, or returns nil when all jobs succeeded.
func (b *BatchReport) Err() error {
	if len(b.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(b.Failures))
	for i, f := range b.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}
