// Package config loads the stereolab TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"stereolab/internal/calib"
)

// ErrInvalid marks configuration that cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// Pattern describes the calibration target.
type Pattern struct {
	Kind           string  `toml:"kind"`
	Width          int     `toml:"width"`
	Height         int     `toml:"height"`
	Spacing        float64 `toml:"spacing"`
	MaxScaleLevel  int     `toml:"max_scale_level"`
	ScaleIncrement float64 `toml:"scale_increment"`
}

// Calibration contains solver and file settings.
type Calibration struct {
	File          string  `toml:"file"`
	MaxIterations int     `toml:"max_iterations"`
	Epsilon       float64 `toml:"epsilon"`
	Parallelism   int     `toml:"parallelism"`
}

// Pipeline contains the initial stage enables and the worker mode.
type Pipeline struct {
	Threaded             bool `toml:"threaded"`
	SourceEnabled        bool `toml:"source_enabled"`
	RectificationEnabled bool `toml:"rectification_enabled"`
	DisparityEnabled     bool `toml:"disparity_enabled"`
}

// Method selects the stereo method and its parameter file.
type Method struct {
	Name          string `toml:"name"`
	ParameterFile string `toml:"parameter_file"`
}

// Source names the image pair to read and whether to watch it.
type Source struct {
	Left       string `toml:"left"`
	Right      string `toml:"right"`
	Watch      bool   `toml:"watch"`
	DebounceMs int    `toml:"debounce_ms"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the full application configuration.
type Config struct {
	Pattern     Pattern     `toml:"pattern"`
	Calibration Calibration `toml:"calibration"`
	Pipeline    Pipeline    `toml:"pipeline"`
	Method      Method      `toml:"method"`
	Source      Source      `toml:"source"`
	Logging     Logging     `toml:"logging"`
}

// Load reads path over the defaults and validates the result. An empty path
// returns the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Marshal renders the configuration as TOML.
func (c *Config) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}

// CalibrationPattern builds the pattern described by the [pattern] section.
func (c *Config) CalibrationPattern() (calib.Pattern, error) {
	kind, err := calib.ParseKind(c.Pattern.Kind)
	if err != nil {
		return calib.Pattern{}, err
	}
	return calib.NewPattern(kind, c.Pattern.Width, c.Pattern.Height, c.Pattern.Spacing,
		c.Pattern.MaxScaleLevel, c.Pattern.ScaleIncrement)
}

// TermCriteria returns the solver stopping rule.
func (c *Config) TermCriteria() calib.TermCriteria {
	return calib.TermCriteria{MaxIterations: c.Calibration.MaxIterations, Epsilon: c.Calibration.Epsilon}
}

// Debounce returns the file watch debounce interval.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Source.DebounceMs) * time.Millisecond
}
