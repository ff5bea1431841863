// Package config loads the batch calibration file.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/spf13/viper"

	"github.com/lox/metcal/internal/calibration"
	"github.com/lox/metcal/internal/models"
)

type Config struct {
	Calibration CalibrationConfig `mapstructure:"calibration"`
	Variables   []string          `mapstructure:"variables"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	FTP         FTPConfig         `mapstructure:"ftp"`
	Sites       []Site            `mapstructure:"sites"`
}

type CalibrationConfig struct {
	BaselineStart   string  `mapstructure:"baseline_start"`
	BaselineEnd     string  `mapstructure:"baseline_end"`
	MinCommonDates  int     `mapstructure:"min_common_dates"`
	Epsilon         float64 `mapstructure:"epsilon"`
	RelativeEpsilon float64 `mapstructure:"relative_epsilon"`
	Concurrency     int     `mapstructure:"concurrency"`
}

type StorageConfig struct {
	Database  string `mapstructure:"database"`
	OutputDir string `mapstructure:"output_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type FTPConfig struct {
	Addr     string        `mapstructure:"addr"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Files    []RemoteFile  `mapstructure:"files"`
}

type RemoteFile struct {
	Remote string `mapstructure:"remote"`
	Local  string `mapstructure:"local"`
}

// Input locates one series. Met is an APSIM .met file whose column named
// after the variable is read; Proxy maps a variable name or proxy tag
// (e.g. "eto") to a date,value CSV that takes precedence over the .met column.
type Input struct {
	Met   string            `mapstructure:"met"`
	Proxy map[string]string `mapstructure:"proxy"`
}

// Path returns the file supplying variable and whether it is a proxy CSV.
func (in Input) Path(v models.Variable) (string, bool) {
	for _, key := range []string{v.Name, v.ProxyTag} {
		if p := in.Proxy[key]; p != "" {
			return p, true
		}
	}
	return in.Met, false
}

type Scenario struct {
	Name  string `mapstructure:"name"`
	Input Input  `mapstructure:"input"`
	// Template is the .met file the calibrated columns are merged into.
	// Defaults to Input.Met.
	Template string `mapstructure:"template"`
}

func (s Scenario) TemplatePath() string {
	if s.Template != "" {
		return s.Template
	}
	return s.Input.Met
}

// Site is a grid point with explicit input paths.
type Site struct {
	Name       string     `mapstructure:"name"`
	Latitude   float64    `mapstructure:"latitude"`
	Longitude  float64    `mapstructure:"longitude"`
	Reference  Input      `mapstructure:"reference"`
	Historical Input      `mapstructure:"historical"`
	Scenarios  []Scenario `mapstructure:"scenarios"`
}

func (s Site) Coordinate() models.Coordinate {
	return models.Coordinate{Name: s.Name, Latitude: s.Latitude, Longitude: s.Longitude}
}

// Load reads configuration from file and METCAL_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	v.SetEnvPrefix("METCAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("calibration.baseline_start", "1986-01-01")
	v.SetDefault("calibration.baseline_end", "2005-12-31")
	v.SetDefault("calibration.min_common_dates", calibration.DefaultMinCommonDates)
	v.SetDefault("calibration.epsilon", calibration.DefaultEpsilon)
	v.SetDefault("calibration.relative_epsilon", calibration.DefaultRelativeEpsilon)
	v.SetDefault("calibration.concurrency", runtime.GOMAXPROCS(0))

	v.SetDefault("variables", []string{models.VP.Name, models.Evap.Name})

	v.SetDefault("storage.database", "metcal.db")
	v.SetDefault("storage.output_dir", "./output")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("ftp.timeout", "30s")
}

// Window parses the baseline bounds.
func (c *Config) Window() (calibration.Window, error) {
	start, err := civil.ParseDate(c.Calibration.BaselineStart)
	if err != nil {
		return calibration.Window{}, fmt.Errorf("calibration.baseline_start: %w", err)
	}
	end, err := civil.ParseDate(c.Calibration.BaselineEnd)
	if err != nil {
		return calibration.Window{}, fmt.Errorf("calibration.baseline_end: %w", err)
	}
	return calibration.Window{Start: start, End: end}, nil
}

// ModelVariables resolves the configured names, which may be column names
// or proxy tags, to variables. A variable named twice is listed once.
func (c *Config) ModelVariables() ([]models.Variable, error) {
	vars := make([]models.Variable, 0, len(c.Variables))
	seen := map[string]bool{}
	for _, name := range c.Variables {
		v, err := models.LookupVariable(name)
		if err != nil {
			return nil, err
		}
		if seen[v.Name] {
			continue
		}
		seen[v.Name] = true
		vars = append(vars, v)
	}
	return vars, nil
}

func (c *Config) Coordinates() []models.Coordinate {
	coords := make([]models.Coordinate, len(c.Sites))
	for i, s := range c.Sites {
		coords[i] = s.Coordinate()
	}
	return coords
}

// Site returns the site with the given name.
func (c *Config) Site(name string) (Site, bool) {
	for _, s := range c.Sites {
		if s.Name == name {
			return s, true
		}
	}
	return Site{}, false
}

// Validate checks that all configuration values are valid.
func (c *Config) Validate() error {
	w, err := c.Window()
	if err != nil {
		return err
	}
	if w.Start.After(w.End) {
		return fmt.Errorf("calibration.baseline_start must not be after baseline_end")
	}
	if c.Calibration.MinCommonDates < 1 {
		return fmt.Errorf("calibration.min_common_dates must be at least 1")
	}
	if c.Calibration.Epsilon <= 0 {
		return fmt.Errorf("calibration.epsilon must be positive")
	}
	if c.Calibration.RelativeEpsilon < 0 {
		return fmt.Errorf("calibration.relative_epsilon must not be negative")
	}
	if c.Calibration.Concurrency < 1 {
		return fmt.Errorf("calibration.concurrency must be at least 1")
	}

	if len(c.Variables) == 0 {
		return fmt.Errorf("variables must contain at least one variable")
	}
	vars, err := c.ModelVariables()
	if err != nil {
		return err
	}

	if c.Storage.OutputDir == "" {
		return fmt.Errorf("storage.output_dir is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if len(c.Sites) == 0 {
		return fmt.Errorf("sites must contain at least one site")
	}
	seen := map[string]bool{}
	for i, s := range c.Sites {
		if s.Name == "" {
			return fmt.Errorf("sites[%d].name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("sites[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
		for _, v := range vars {
			if p, _ := s.Reference.Path(v); p == "" {
				return fmt.Errorf("sites[%d] %s: no reference input for %s", i, s.Name, v.Name)
			}
			if p, _ := s.Historical.Path(v); p == "" {
				return fmt.Errorf("sites[%d] %s: no historical input for %s", i, s.Name, v.Name)
			}
		}
		for j, sc := range s.Scenarios {
			if sc.Name == "" {
				return fmt.Errorf("sites[%d].scenarios[%d].name is required", i, j)
			}
			if sc.Name == models.BaselineScenario {
				return fmt.Errorf("sites[%d].scenarios[%d]: %q is reserved", i, j, models.BaselineScenario)
			}
			for _, v := range vars {
				if p, _ := sc.Input.Path(v); p == "" {
					return fmt.Errorf("sites[%d] %s scenario %s: no input for %s", i, s.Name, sc.Name, v.Name)
				}
			}
		}
	}

	for i, f := range c.FTP.Files {
		if f.Remote == "" || f.Local == "" {
			return fmt.Errorf("ftp.files[%d]: remote and local are required", i)
		}
	}
	return nil
}
