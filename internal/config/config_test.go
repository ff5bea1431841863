package config

import (
	"os"
	"path/filepath"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/metcal/internal/calibration"
	"github.com/lox/metcal/internal/models"
)

const sample = `
calibration:
  baseline_start: "1986-01-01"
  baseline_end: "2005-12-31"
  concurrency: 4

variables: [vp, evap]

storage:
  database: "runs.db"
  output_dir: "./out"

ftp:
  addr: "archive.example.org:21"
  files:
    - remote: /silo/anameka.met
      local: data/anameka_silo.met

sites:
  - name: anameka
    latitude: -31.75
    longitude: 117.60
    reference:
      met: data/anameka_silo.met
    historical:
      met: data/anameka_historical.met
      proxy:
        evap: data/anameka_eto_historical.csv
    scenarios:
      - name: ssp245
        input:
          met: data/anameka_ssp245.met
      - name: ssp585
        input:
          met: data/anameka_ssp585.met
        template: data/anameka_ssp585_template.met
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metcal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAndValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	w, err := cfg.Window()
	require.NoError(t, err)
	assert.Equal(t, civil.Date{Year: 1986, Month: 1, Day: 1}, w.Start)
	assert.Equal(t, civil.Date{Year: 2005, Month: 12, Day: 31}, w.End)

	// defaults
	assert.Equal(t, calibration.DefaultMinCommonDates, cfg.Calibration.MinCommonDates)
	assert.Equal(t, calibration.DefaultEpsilon, cfg.Calibration.Epsilon)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 4, cfg.Calibration.Concurrency)

	vars, err := cfg.ModelVariables()
	require.NoError(t, err)
	assert.Equal(t, []models.Variable{models.VP, models.Evap}, vars)

	require.Len(t, cfg.Sites, 1)
	site := cfg.Sites[0]
	assert.Equal(t, models.Coordinate{Name: "anameka", Latitude: -31.75, Longitude: 117.60}, site.Coordinate())
	require.Len(t, site.Scenarios, 2)
	assert.Equal(t, "data/anameka_ssp245.met", site.Scenarios[0].TemplatePath())
	assert.Equal(t, "data/anameka_ssp585_template.met", site.Scenarios[1].TemplatePath())

	p, proxy := site.Historical.Path(models.Evap)
	assert.True(t, proxy)
	assert.Equal(t, "data/anameka_eto_historical.csv", p)
	p, proxy = site.Historical.Path(models.VP)
	assert.False(t, proxy)
	assert.Equal(t, "data/anameka_historical.met", p)

	_, ok := cfg.Site("anameka")
	assert.True(t, ok)
	assert.Len(t, cfg.Coordinates(), 1)
	require.Len(t, cfg.FTP.Files, 1)
	assert.Equal(t, "/silo/anameka.met", cfg.FTP.Files[0].Remote)
}

func TestModelVariables_ProxyTagsNormalised(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	cfg.Variables = []string{"eto", "VP", "evap"}
	cfg.Sites[0].Historical.Proxy = map[string]string{"eto": "data/anameka_eto_historical.csv"}
	require.NoError(t, cfg.Validate())

	vars, err := cfg.ModelVariables()
	require.NoError(t, err)
	assert.Equal(t, []models.Variable{models.Evap, models.VP}, vars)

	// The loader resolves inputs by Variable, so a proxy keyed by tag is found.
	p, proxy := cfg.Sites[0].Historical.Path(models.Evap)
	assert.True(t, proxy)
	assert.Equal(t, "data/anameka_eto_historical.csv", p)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("METCAL_LOGGING_LEVEL", "debug")
	t.Setenv("METCAL_CALIBRATION_MIN_COMMON_DATES", "365")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 365, cfg.Calibration.MinCommonDates)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"inverted window", func(c *Config) { c.Calibration.BaselineStart = "2010-01-01" }, "baseline_start"},
		{"bad date", func(c *Config) { c.Calibration.BaselineEnd = "2005-13-01" }, "baseline_end"},
		{"min common", func(c *Config) { c.Calibration.MinCommonDates = 0 }, "min_common_dates"},
		{"negative epsilon", func(c *Config) { c.Calibration.Epsilon = -1 }, "epsilon"},
		{"zero epsilon", func(c *Config) { c.Calibration.Epsilon = 0; c.Calibration.RelativeEpsilon = 0 }, "calibration.epsilon must be positive"},
		{"negative relative epsilon", func(c *Config) { c.Calibration.RelativeEpsilon = -1 }, "relative_epsilon"},
		{"concurrency", func(c *Config) { c.Calibration.Concurrency = 0 }, "concurrency"},
		{"unknown variable", func(c *Config) { c.Variables = []string{"tmax"} }, "unknown variable"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"no sites", func(c *Config) { c.Sites = nil }, "at least one site"},
		{"duplicate site", func(c *Config) { c.Sites = append(c.Sites, c.Sites[0]) }, "duplicate"},
		{"reserved scenario", func(c *Config) { c.Sites[0].Scenarios[0].Name = models.BaselineScenario }, "reserved"},
		{"missing reference", func(c *Config) { c.Sites[0].Reference = Input{} }, "no reference input"},
		{"missing scenario input", func(c *Config) { c.Sites[0].Scenarios[1].Input = Input{} }, "no input for vp"},
		{"ftp file", func(c *Config) { c.FTP.Files[0].Local = "" }, "ftp.files[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, sample))
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
