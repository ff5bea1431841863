package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/lox/metcal/internal/calibration"
)

type Store struct {
	db     *sql.DB
	clock  clockwork.Clock
	logger *slog.Logger
}

func New(db *sql.DB, clock clockwork.Clock, logger *slog.Logger) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{db: db, clock: clock, logger: logger.With("component", "store")}
}

// Run is one invocation of the calibrate command.
type Run struct {
	ID              string
	StartedAt       time.Time
	FinishedAt      sql.NullTime
	ConfigPath      string
	BaselineStart   string
	BaselineEnd     string
	MinCommonDates  int
	Epsilon         float64
	RelativeEpsilon float64
	JobsTotal       int
	JobsFailed      int
	Success         bool
}

// RunSettings are the calibration settings recorded with a run.
type RunSettings struct {
	ConfigPath      string
	Window          calibration.Window
	MinCommonDates  int
	Epsilon         float64
	RelativeEpsilon float64
}

// StartRun creates a run record with a fresh ID.
func (s *Store) StartRun(settings RunSettings) (*Run, error) {
	run := &Run{
		ID:              uuid.NewString(),
		StartedAt:       s.clock.Now().UTC(),
		ConfigPath:      settings.ConfigPath,
		BaselineStart:   settings.Window.Start.String(),
		BaselineEnd:     settings.Window.End.String(),
		MinCommonDates:  settings.MinCommonDates,
		Epsilon:         settings.Epsilon,
		RelativeEpsilon: settings.RelativeEpsilon,
	}

	_, err := s.db.Exec(`
		INSERT INTO calibration_runs (id, started_at, config_path, baseline_start, baseline_end, min_common_dates, epsilon, relative_epsilon, success)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, FALSE)
	`, run.ID, run.StartedAt, run.ConfigPath, run.BaselineStart, run.BaselineEnd, run.MinCommonDates, run.Epsilon, run.RelativeEpsilon)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// CompleteRun records the job counts. A run succeeds when no job failed.
func (s *Store) CompleteRun(run *Run, total, failed int) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: s.clock.Now().UTC(), Valid: true}
	run.JobsTotal = total
	run.JobsFailed = failed
	run.Success = failed == 0

	_, err := s.db.Exec(`
		UPDATE calibration_runs SET
			finished_at = ?,
			jobs_total = ?,
			jobs_failed = ?,
			success = ?
		WHERE id = ?
	`, run.FinishedAt, run.JobsTotal, run.JobsFailed, run.Success, run.ID)
	return err
}

const runColumns = `id, started_at, finished_at, COALESCE(config_path, ''), baseline_start, baseline_end,
	min_common_dates, epsilon, relative_epsilon, jobs_total, jobs_failed, success`

func scanRun(sc interface{ Scan(...any) error }) (Run, error) {
	var r Run
	err := sc.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.ConfigPath, &r.BaselineStart, &r.BaselineEnd,
		&r.MinCommonDates, &r.Epsilon, &r.RelativeEpsilon, &r.JobsTotal, &r.JobsFailed, &r.Success)
	return r, err
}

// GetRun returns nil when no run has the given ID.
func (s *Store) GetRun(id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM calibration_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// LatestRun returns the most recently started run, or nil.
func (s *Store) LatestRun() (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT ` + runColumns + ` FROM calibration_runs ORDER BY started_at DESC LIMIT 1`))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM calibration_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
