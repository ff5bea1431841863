package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/lox/metcal/internal/config"
	"github.com/lox/metcal/internal/logging"
	"github.com/lox/metcal/internal/metrics"
	"github.com/lox/metcal/internal/store"
)

type Globals struct {
	Config          string `help:"Batch configuration file." short:"c" default:"metcal.yaml" env:"METCAL_CONFIG" type:"path"`
	LogLevel        string `help:"Override logging.level from the config file." env:"METCAL_LOG_LEVEL"`
	MetricsTextfile string `help:"Write Prometheus metrics to this node-exporter textfile on exit." env:"METCAL_METRICS_TEXTFILE" type:"path"`
}

type CLI struct {
	Globals

	Calibrate CalibrateCmd `cmd:"" help:"Calibrate vp and evap for every configured site and scenario."`
	Check     CheckCmd     `cmd:"" help:"Report configured inputs that are missing or unusable."`
	Fetch     FetchCmd     `cmd:"" help:"Mirror configured input files from the FTP archive."`
	Runs      RunsCmd      `cmd:"" help:"List recent calibration runs."`
	Params    ParamsCmd    `cmd:"" help:"Show stored monthly parameters and results for a run."`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("metcal"),
		kong.Description("Monthly mean and variance bias correction of climate model vp and evap for APSIM."),
		kong.Configuration(kongdotenv.ENVFileReader, ".env"),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.UsageOnError(),
	)

	err := kctx.Run(&cli.Globals)
	if cli.MetricsTextfile != "" {
		if merr := metrics.WriteTextfile(cli.MetricsTextfile); merr != nil {
			fmt.Fprintf(os.Stderr, "write metrics: %v\n", merr)
		}
	}
	kctx.FatalIfErrorf(err)
}

// load reads and validates the config file and builds the logger it asks for.
func (g *Globals) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, nil, err
	}
	if g.LogLevel != "" {
		cfg.Logging.Level = g.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config %s: %w", g.Config, err)
	}
	return cfg, logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format), nil
}

func openStore(path string, logger *slog.Logger) (*store.Store, func(), error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	st := store.New(db, nil, logger)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return st, func() { db.Close() }, nil
}
