package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/metcal/internal/met"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("metcal"))
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	require.NoError(t, err)
	return &cli, kctx
}

func TestParseCalibrate(t *testing.T) {
	cli, kctx := parse(t, "-c", "batch.yaml", "calibrate", "--site", "anameka", "--site", "wandi", "--concurrency", "2")

	assert.Equal(t, "calibrate", kctx.Command())
	assert.Contains(t, cli.Config, "batch.yaml")
	assert.Equal(t, []string{"anameka", "wandi"}, cli.Calibrate.Site)
	assert.Equal(t, 2, cli.Calibrate.Concurrency)
}

func TestParseParams(t *testing.T) {
	cli, kctx := parse(t, "params", "--run", "abc", "vp", "anameka")

	assert.True(t, strings.HasPrefix(kctx.Command(), "params"), kctx.Command())
	assert.Equal(t, "abc", cli.Params.RunID)
	assert.Equal(t, "vp", cli.Params.Variable)
	assert.Equal(t, "anameka", cli.Params.Site)
}

func TestParseDefaults(t *testing.T) {
	cli, _ := parse(t, "runs")

	assert.Contains(t, cli.Config, "metcal.yaml")
	assert.Equal(t, 20, cli.Runs.Limit)
	assert.False(t, cli.Fetch.Force)
}

func TestParseCheck(t *testing.T) {
	cli, kctx := parse(t, "check", "--site", "anameka")

	assert.Equal(t, "check", kctx.Command())
	assert.Equal(t, []string{"anameka"}, cli.Check.Site)
}

func TestPrintChecks(t *testing.T) {
	checks := []met.InputCheck{
		{Site: "anameka", Role: "reference", Variable: "vp", Path: "silo.met", Note: "latitude -31.75 in file, -30.00 configured"},
		{Site: "anameka", Role: "historical", Variable: "evap", Path: "hist_eto.csv", Proxy: true, Problem: "missing"},
		{Site: "anameka", Role: "ssp245", Variable: "vp", Path: "ssp245.met"},
	}

	var out bytes.Buffer
	err := printChecks(&out, checks)
	require.Error(t, err)
	assert.Equal(t, "1 of 3 inputs are missing or unusable", err.Error())

	text := out.String()
	assert.Contains(t, text, "hist_eto.csv")
	assert.Contains(t, text, "missing")
	assert.Contains(t, text, "ok (latitude -31.75 in file, -30.00 configured)")

	out.Reset()
	require.NoError(t, printChecks(&out, checks[2:]))
	assert.Contains(t, out.String(), "all 1 inputs present")
}

func TestCheckCmd_ReportsMissingInputs(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "metcal.yaml")
	cfg := fmt.Sprintf(`
variables: [vp]
sites:
  - name: nowhere
    reference:
      met: %[1]s/silo.met
    historical:
      met: %[1]s/historical.met
      proxy:
        vp: %[1]s/historical_vp.csv
`, dir)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "historical_vp.csv"), []byte("date,value\n1986-01-01,10.0\n"), 0o644))

	g := &Globals{Config: cfgPath, LogLevel: "error"}
	err := (&CheckCmd{}).Run(context.Background(), g)
	require.Error(t, err)
	assert.Equal(t, "1 of 2 inputs are missing or unusable", err.Error())

	err = (&CheckCmd{Site: []string{"elsewhere"}}).Run(context.Background(), g)
	assert.ErrorContains(t, err, "unknown site")
}
