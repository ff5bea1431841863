package store

import (
	"database/sql"
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS calibration_runs (
    id TEXT PRIMARY KEY,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    config_path TEXT,
    baseline_start TEXT NOT NULL,
    baseline_end TEXT NOT NULL,
    min_common_dates INTEGER NOT NULL,
    epsilon REAL NOT NULL,
    relative_epsilon REAL NOT NULL,
    jobs_total INTEGER NOT NULL DEFAULT 0,
    jobs_failed INTEGER NOT NULL DEFAULT 0,
    success BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS calibration_params (
    run_id TEXT NOT NULL REFERENCES calibration_runs(id),
    variable TEXT NOT NULL,
    site TEXT NOT NULL,
    month INTEGER NOT NULL,
    target_mean REAL NOT NULL,
    target_std REAL NOT NULL,
    target_n INTEGER NOT NULL,
    source_mean REAL NOT NULL,
    source_std REAL NOT NULL,
    source_n INTEGER NOT NULL,
    branch TEXT NOT NULL,
    PRIMARY KEY (run_id, variable, site, month)
);

CREATE TABLE IF NOT EXISTS calibration_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES calibration_runs(id),
    variable TEXT NOT NULL,
    site TEXT NOT NULL,
    scenario TEXT NOT NULL,
    start_date TEXT NOT NULL,
    end_date TEXT NOT NULL,
    value_count INTEGER NOT NULL,
    clipped_count INTEGER NOT NULL,
    gap_count INTEGER NOT NULL,
    UNIQUE(run_id, variable, site, scenario)
);

CREATE INDEX IF NOT EXISTS idx_results_run ON calibration_results(run_id);
`,
	},
	{
		Version:     2,
		Description: "Baseline join accounting",
		SQL: `
CREATE TABLE IF NOT EXISTS calibration_baselines (
    run_id TEXT NOT NULL REFERENCES calibration_runs(id),
    variable TEXT NOT NULL,
    site TEXT NOT NULL,
    common_dates INTEGER NOT NULL,
    dropped_reference INTEGER NOT NULL,
    dropped_source INTEGER NOT NULL,
    dropped_missing INTEGER NOT NULL,
    PRIMARY KEY (run_id, variable, site)
);
`,
	},
	{
		Version:     3,
		Description: "Per-month diagnostics",
		SQL: `
CREATE TABLE IF NOT EXISTS calibration_month_diagnostics (
    result_id INTEGER NOT NULL REFERENCES calibration_results(id),
    month INTEGER NOT NULL,
    branch TEXT NOT NULL,
    value_count INTEGER NOT NULL,
    clipped_count INTEGER NOT NULL,
    PRIMARY KEY (result_id, month)
);
`,
	},
	{
		Version:     4,
		Description: "Per-job failures",
		SQL: `
CREATE TABLE IF NOT EXISTS calibration_failures (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES calibration_runs(id),
    variable TEXT NOT NULL,
    site TEXT NOT NULL,
    stage TEXT NOT NULL,
    error_message TEXT NOT NULL,
    failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_failures_run ON calibration_failures(run_id);
`,
	},
	{
		Version:     5,
		Description: "Input quality flags",
		SQL: `
CREATE TABLE IF NOT EXISTS calibration_input_quality (
    run_id TEXT NOT NULL REFERENCES calibration_runs(id),
    path TEXT NOT NULL,
    row_count INTEGER NOT NULL,
    flagged_rows INTEGER NOT NULL,
    quality_flags TEXT NOT NULL,
    PRIMARY KEY (run_id, path)
);
`,
	},
}

// Migrate brings the schema up to the latest version. Each pending migration
// runs in its own transaction; a failure leaves earlier ones applied.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	from, err := s.MigrationVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	to := from
	for _, m := range migrations {
		if m.Version <= from {
			continue
		}
		if err := s.apply(m); err != nil {
			return err
		}
		to = m.Version
	}

	if to != from {
		s.logger.Info("schema migrated", "from", from, "to", to)
	} else {
		s.logger.Debug("schema up to date", "version", to)
	}
	return nil
}

func (s *Store) apply(m migration) error {
	s.logger.Info("applying migration", "version", m.Version, "description", m.Description)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
		m.Version, m.Description, s.clock.Now().UTC(),
	); err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	return tx.Commit()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
