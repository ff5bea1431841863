package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lox/metcal/internal/config"
	"github.com/lox/metcal/internal/ingest"
	"github.com/lox/metcal/internal/met"
	"github.com/lox/metcal/internal/models"
	"github.com/lox/metcal/internal/runner"
	"github.com/lox/metcal/internal/store"
)

type CalibrateCmd struct {
	Site        []string `help:"Only calibrate these sites." placeholder:"NAME"`
	Concurrency int      `help:"Override calibration.concurrency."`
}

func (c *CalibrateCmd) Run(ctx context.Context, g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	if c.Concurrency > 0 {
		cfg.Calibration.Concurrency = c.Concurrency
	}
	if cfg.Sites, err = selectSites(cfg, c.Site); err != nil {
		return err
	}

	window, _ := cfg.Window()
	vars, err := cfg.ModelVariables()
	if err != nil {
		return err
	}

	st, closeDB, err := openStore(cfg.Storage.Database, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	run, err := st.StartRun(store.RunSettings{
		ConfigPath:      g.Config,
		Window:          window,
		MinCommonDates:  cfg.Calibration.MinCommonDates,
		Epsilon:         cfg.Calibration.Epsilon,
		RelativeEpsilon: cfg.Calibration.RelativeEpsilon,
	})
	if err != nil {
		return err
	}
	logger.Info("calibration run started", "run_id", run.ID, "baseline", window, "sites", len(cfg.Sites))

	loader := met.NewFileLoader(cfg.Sites, logger)
	sink := runner.MultiSink{
		met.NewFileSink(cfg.Storage.OutputDir, cfg.Sites, loader, logger),
		st.ResultWriter(run.ID),
	}
	r := runner.New(loader, sink, runner.Options{
		Window:          window,
		MinCommonDates:  cfg.Calibration.MinCommonDates,
		Epsilon:         cfg.Calibration.Epsilon,
		RelativeEpsilon: cfg.Calibration.RelativeEpsilon,
		Concurrency:     cfg.Calibration.Concurrency,
	}, logger)

	jobs := runner.Jobs(vars, cfg.Coordinates())
	report := r.RunBatch(ctx, jobs)

	for _, q := range loader.Quality() {
		if err := st.RecordInputQuality(run.ID, q); err != nil {
			logger.Error("failed to record input quality", "path", q.Path, "error", err)
		}
	}

	for _, f := range report.Failures {
		if err := st.RecordFailure(run.ID, f); err != nil {
			logger.Error("failed to record failure", "job", f.Job, "error", err)
		}
	}
	if err := st.CompleteRun(run, len(jobs), len(report.Failures)); err != nil {
		logger.Error("failed to complete run", "run_id", run.ID, "error", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "SITE\tVAR\tSCENARIO\tVALUES\tCLIPPED\tSHIFT MONTHS\tGAPS")
	for _, res := range report.Results {
		for _, sc := range res.All() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
				res.Job.Coordinate.Name, res.Job.Variable.Name, sc.Name,
				sc.Calibrated.Series.Len(), sc.Calibrated.Clipped, sc.Calibrated.ShiftMonths(), len(sc.Gaps))
		}
	}
	for _, f := range report.Failures {
		fmt.Fprintf(w, "%s\t%s\tFAILED (%s)\t\t\t\t\n", f.Job.Coordinate.Name, f.Job.Variable.Name, f.Stage)
	}
	w.Flush()
	fmt.Printf("\nrun %s: %d/%d jobs succeeded\n", run.ID, len(report.Results), len(jobs))

	return report.Err()
}

type FetchCmd struct {
	Force bool `help:"Download files that already exist locally."`
}

func (c *FetchCmd) Run(ctx context.Context, g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	if cfg.FTP.Addr == "" {
		return errors.New("ftp.addr is not configured")
	}

	files := make([]ingest.RemoteFile, len(cfg.FTP.Files))
	for i, f := range cfg.FTP.Files {
		files[i] = ingest.RemoteFile{Remote: f.Remote, Local: f.Local}
	}

	fetcher := ingest.NewFetcher(ingest.FTPConfig{
		Addr:     cfg.FTP.Addr,
		User:     cfg.FTP.User,
		Password: cfg.FTP.Password,
		Timeout:  cfg.FTP.Timeout,
	}, logger)

	report, err := fetcher.Fetch(ctx, files, c.Force)
	if err != nil {
		return fmt.Errorf("fetch from %s: %w", cfg.FTP.Addr, err)
	}

	fmt.Printf("fetched %d, skipped %d, failed %d\n", len(report.Fetched), len(report.Skipped), len(report.Failed))
	if len(report.Failed) == 0 {
		return nil
	}
	remotes := make([]string, 0, len(report.Failed))
	for r := range report.Failed {
		remotes = append(remotes, r)
	}
	sort.Strings(remotes)
	errs := make([]error, len(remotes))
	for i, r := range remotes {
		errs[i] = fmt.Errorf("%s: %w", r, report.Failed[r])
	}
	return errors.Join(errs...)
}

type RunsCmd struct {
	Limit int `help:"Number of runs to list." default:"20"`
}

func (c *RunsCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	st, closeDB, err := openStore(cfg.Storage.Database, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	runs, err := st.ListRuns(c.Limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tDURATION\tBASELINE\tJOBS\tFAILED\tOK")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt.Valid {
			duration = r.FinishedAt.Time.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s..%s\t%d\t%d\t%v\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), duration,
			r.BaselineStart, r.BaselineEnd, r.JobsTotal, r.JobsFailed, r.Success)
	}
	return w.Flush()
}

type ParamsCmd struct {
	RunID    string `name:"run" help:"Run ID. Defaults to the latest run."`
	Variable string `arg:"" optional:"" help:"Variable (vp or evap)."`
	Site     string `arg:"" optional:"" help:"Site name."`
}

func (c *ParamsCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	st, closeDB, err := openStore(cfg.Storage.Database, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	var run *store.Run
	if c.RunID != "" {
		run, err = st.GetRun(c.RunID)
	} else {
		run, err = st.LatestRun()
	}
	if err != nil {
		return err
	}
	if run == nil {
		return errors.New("no calibration run found")
	}

	if c.Variable == "" || c.Site == "" {
		return c.printResults(st, run)
	}
	v, err := models.LookupVariable(c.Variable)
	if err != nil {
		return err
	}

	params, err := st.Params(run.ID, v.Name, c.Site)
	if err != nil {
		return err
	}
	months, err := st.GetParams(run.ID, v.Name, c.Site)
	if err != nil {
		return err
	}

	fmt.Printf("run %s  %s at %s  baseline %s..%s\n\n", run.ID, v.Name, c.Site, run.BaselineStart, run.BaselineEnd)
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "MONTH\tREF MEAN\tREF STD\tREF N\tSRC MEAN\tSRC STD\tSRC N\tBRANCH\tDEGENERATE\t")
	for _, m := range months {
		tgt, src := params.Target.Month(m.Month), params.Source.Month(m.Month)
		degenerate := ""
		if params.Degenerate(m.Month) {
			degenerate = "yes"
		}
		fmt.Fprintf(w, "%s\t%.3f\t%.3f\t%d\t%.3f\t%.3f\t%d\t%s\t%s\t\n",
			m.Month.String()[:3], tgt.Mean, tgt.Std, tgt.N,
			src.Mean, src.Std, src.N, m.Branch, degenerate)
	}
	return w.Flush()
}

func (c *ParamsCmd) printResults(st *store.Store, run *store.Run) error {
	results, err := st.GetResults(run.ID)
	if err != nil {
		return err
	}
	failures, err := st.GetFailures(run.ID)
	if err != nil {
		return err
	}
	quality, err := st.GetInputQuality(run.ID)
	if err != nil {
		return err
	}

	fmt.Printf("run %s  baseline %s..%s\n\n", run.ID, run.BaselineStart, run.BaselineEnd)
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "SITE\tVAR\tSCENARIO\tSTART\tEND\tVALUES\tCLIPPED\tSHIFT MONTHS\tGAPS")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			r.Site, r.Variable, r.Scenario, r.StartDate, r.EndDate, r.Values, r.Clipped, r.ShiftMonths, r.Gaps)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(failures) > 0 {
		fmt.Println("\nfailures:")
		for _, f := range failures {
			fmt.Printf("  %s %s [%s] %s\n", f.Site, f.Variable, f.Stage, f.Message)
		}
	}
	if len(quality) > 0 {
		fmt.Println("\ninput quality:")
		for _, q := range quality {
			fmt.Printf("  %s: %d of %d rows flagged %s\n", q.Path, q.FlaggedRows, q.Rows, strings.Join(q.Flags, ", "))
		}
	}
	return nil
}

type CheckCmd struct {
	Site []string `help:"Only check these sites." placeholder:"NAME"`
}

// Run lists every input calibrate would read and fails when any is missing
// or unusable.
func (c *CheckCmd) Run(ctx context.Context, g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	sites, err := selectSites(cfg, c.Site)
	if err != nil {
		return err
	}
	vars, err := cfg.ModelVariables()
	if err != nil {
		return err
	}

	checks := met.NewFileLoader(sites, logger).Preflight(ctx, vars)
	return printChecks(os.Stdout, checks)
}

func printChecks(out io.Writer, checks []met.InputCheck) error {
	w := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "SITE\tINPUT\tVAR\tKIND\tPATH\tSTATUS")
	var problems int
	for _, ch := range checks {
		kind := "met"
		if ch.Proxy {
			kind = "csv"
		}
		status := "ok"
		if !ch.OK() {
			status = ch.Problem
			problems++
		} else if ch.Note != "" {
			status = "ok (" + ch.Note + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", ch.Site, ch.Role, ch.Variable, kind, ch.Path, status)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if problems > 0 {
		return fmt.Errorf("%d of %d inputs are missing or unusable", problems, len(checks))
	}
	fmt.Fprintf(out, "\nall %d inputs present\n", len(checks))
	return nil
}

func selectSites(cfg *config.Config, names []string) ([]config.Site, error) {
	if len(names) == 0 {
		return cfg.Sites, nil
	}
	sites := make([]config.Site, 0, len(names))
	for _, name := range names {
		s, ok := cfg.Site(name)
		if !ok {
			return nil, fmt.Errorf("unknown site %q", name)
		}
		sites = append(sites, s)
	}
	return sites, nil
}
