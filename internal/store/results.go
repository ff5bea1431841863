package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lox/metcal/internal/calibration"
	"github.com/lox/metcal/internal/ingest"
	"github.com/lox/metcal/internal/runner"
)

// ResultWriter persists job results under a run. It implements runner.Sink.
type ResultWriter struct {
	store *Store
	runID string
}

var _ runner.Sink = (*ResultWriter)(nil)

func (s *Store) ResultWriter(runID string) *ResultWriter {
	return &ResultWriter{store: s, runID: runID}
}

// Write stores parameters, baseline accounting, and one result row with
// monthly diagnostics per scenario, all in one transaction.
func (w *ResultWriter) Write(ctx context.Context, res *runner.Result) error {
	tx, err := w.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	variable := res.Job.Variable.Name
	site := res.Job.Coordinate.Name

	// The branch is a function of the source statistics, so the baseline
	// pass reports the branch every scenario used.
	branches := res.BaselineQC.Calibrated.Months
	for i := 0; i < 12; i++ {
		tgt, src := res.Params.Target[i], res.Params.Source[i]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO calibration_params (run_id, variable, site, month, target_mean, target_std, target_n, source_mean, source_std, source_n, branch)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, variable, site, month) DO UPDATE SET
				target_mean = excluded.target_mean,
				target_std = excluded.target_std,
				target_n = excluded.target_n,
				source_mean = excluded.source_mean,
				source_std = excluded.source_std,
				source_n = excluded.source_n,
				branch = excluded.branch
		`, w.runID, variable, site, i+1, tgt.Mean, tgt.Std, tgt.N, src.Mean, src.Std, src.N, branches[i].Branch.String()); err != nil {
			return fmt.Errorf("insert params: %w", err)
		}
	}

	b := res.Baseline
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO calibration_baselines (run_id, variable, site, common_dates, dropped_reference, dropped_source, dropped_missing)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, variable, site) DO UPDATE SET
			common_dates = excluded.common_dates,
			dropped_reference = excluded.dropped_reference,
			dropped_source = excluded.dropped_source,
			dropped_missing = excluded.dropped_missing
	`, w.runID, variable, site, b.Common, b.DroppedReference, b.DroppedSource, b.DroppedMissing); err != nil {
		return fmt.Errorf("insert baseline: %w", err)
	}

	for _, sc := range res.All() {
		if err := w.writeScenario(ctx, tx, variable, site, sc); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (w *ResultWriter) writeScenario(ctx context.Context, tx *sql.Tx, variable, site string, sc runner.ScenarioResult) error {
	cs := sc.Calibrated
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM calibration_month_diagnostics WHERE result_id IN (
			SELECT id FROM calibration_results WHERE run_id = ? AND variable = ? AND site = ? AND scenario = ?
		)
	`, w.runID, variable, site, sc.Name); err != nil {
		return fmt.Errorf("clear diagnostics: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM calibration_results WHERE run_id = ? AND variable = ? AND site = ? AND scenario = ?
	`, w.runID, variable, site, sc.Name); err != nil {
		return fmt.Errorf("clear result: %w", err)
	}

	var start, end string
	if cs.Series.Len() > 0 {
		start, end = cs.Series.Start().String(), cs.Series.End().String()
	}
	result, err := tx.ExecContext(ctx, `
		INSERT INTO calibration_results (run_id, variable, site, scenario, start_date, end_date, value_count, clipped_count, gap_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.runID, variable, site, sc.Name, start, end, cs.Series.Len(), cs.Clipped, len(sc.Gaps))
	if err != nil {
		return fmt.Errorf("insert result %s: %w", sc.Name, err)
	}
	resultID, err := result.LastInsertId()
	if err != nil {
		return err
	}

	for i, d := range cs.Months {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO calibration_month_diagnostics (result_id, month, branch, value_count, clipped_count)
			VALUES (?, ?, ?, ?, ?)
		`, resultID, i+1, d.Branch.String(), d.Values, d.Clipped); err != nil {
			return fmt.Errorf("insert diagnostics: %w", err)
		}
	}
	return nil
}

// RecordFailure stores a failed job.
func (s *Store) RecordFailure(runID string, f *runner.CoordinateError) error {
	_, err := s.db.Exec(`
		INSERT INTO calibration_failures (run_id, variable, site, stage, error_message, failed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, f.Job.Variable.Name, f.Job.Coordinate.Name, string(f.Stage), f.Err.Error(), s.clock.Now().UTC())
	return err
}

// MonthParams is one fitted month as stored.
type MonthParams struct {
	Month  time.Month
	Target calibration.MonthStats
	Source calibration.MonthStats
	Branch string
}

// GetParams returns the twelve fitted months for a job, or nil if the job
// has no stored parameters in the run.
func (s *Store) GetParams(runID, variable, site string) ([]MonthParams, error) {
	rows, err := s.db.Query(`
		SELECT month, target_mean, target_std, target_n, source_mean, source_std, source_n, branch
		FROM calibration_params
		WHERE run_id = ? AND variable = ? AND site = ?
		ORDER BY month
	`, runID, variable, site)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MonthParams
	for rows.Next() {
		var p MonthParams
		var month int
		if err := rows.Scan(&month, &p.Target.Mean, &p.Target.Std, &p.Target.N,
			&p.Source.Mean, &p.Source.Std, &p.Source.N, &p.Branch); err != nil {
			return nil, err
		}
		p.Month = time.Month(month)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Params rebuilds calibration parameters from stored rows.
func (s *Store) Params(runID, variable, site string) (*calibration.Params, error) {
	rows, err := s.GetParams(runID, variable, site)
	if err != nil {
		return nil, err
	}
	if len(rows) != 12 {
		return nil, fmt.Errorf("run %s has %d month(s) for %s at %s: %w", runID, len(rows), variable, site, calibration.ErrNotFit)
	}
	var p calibration.Params
	for _, r := range rows {
		p.Target[r.Month-1] = r.Target
		p.Source[r.Month-1] = r.Source
	}
	return &p, nil
}

// ResultSummary is one stored scenario result.
type ResultSummary struct {
	Variable    string
	Site        string
	Scenario    string
	StartDate   string
	EndDate     string
	Values      int
	Clipped     int
	Gaps        int
	ShiftMonths int
}

func (s *Store) GetResults(runID string) ([]ResultSummary, error) {
	rows, err := s.db.Query(`
		SELECT r.variable, r.site, r.scenario, r.start_date, r.end_date, r.value_count, r.clipped_count, r.gap_count,
			(SELECT COUNT(*) FROM calibration_month_diagnostics d WHERE d.result_id = r.id AND d.branch = 'shift')
		FROM calibration_results r
		WHERE r.run_id = ?
		ORDER BY r.site, r.variable, r.scenario
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ResultSummary
	for rows.Next() {
		var r ResultSummary
		if err := rows.Scan(&r.Variable, &r.Site, &r.Scenario, &r.StartDate, &r.EndDate,
			&r.Values, &r.Clipped, &r.Gaps, &r.ShiftMonths); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Failure is one stored job failure.
type Failure struct {
	Variable string
	Site     string
	Stage    string
	Message  string
	FailedAt time.Time
}

func (s *Store) GetFailures(runID string) ([]Failure, error) {
	rows, err := s.db.Query(`
		SELECT variable, site, stage, error_message, failed_at
		FROM calibration_failures
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.Variable, &f.Site, &f.Stage, &f.Message, &f.FailedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// RecordInputQuality stores the QC summary of one input file read by a run.
func (s *Store) RecordInputQuality(runID string, r ingest.QualityReport) error {
	_, err := s.db.Exec(`
		INSERT INTO calibration_input_quality (run_id, path, row_count, flagged_rows, quality_flags)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, path) DO UPDATE SET
			row_count = excluded.row_count,
			flagged_rows = excluded.flagged_rows,
			quality_flags = excluded.quality_flags
	`, runID, r.Path, r.Rows, r.FlaggedRows, r.FlagsJSON())
	return err
}

// InputQuality is a stored QC summary.
type InputQuality struct {
	Path        string
	Rows        int
	FlaggedRows int
	Flags       []string
}

func (s *Store) GetInputQuality(runID string) ([]InputQuality, error) {
	rows, err := s.db.Query(`
		SELECT path, row_count, flagged_rows, quality_flags
		FROM calibration_input_quality
		WHERE run_id = ?
		ORDER BY path
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InputQuality
	for rows.Next() {
		var q InputQuality
		var flags string
		if err := rows.Scan(&q.Path, &q.Rows, &q.FlaggedRows, &flags); err != nil {
			return nil, err
		}
		if flags != "" {
			if err := json.Unmarshal([]byte(flags), &q.Flags); err != nil {
				return nil, fmt.Errorf("quality flags for %s: %w", q.Path, err)
			}
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
