package config

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"stereolab/internal/algorithms"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePattern(); err != nil {
		return err
	}
	if err := c.validateCalibration(); err != nil {
		return err
	}
	if err := c.validateMethod(); err != nil {
		return err
	}
	if err := c.validateSource(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePattern() error {
	if _, err := c.CalibrationPattern(); err != nil {
		return fmt.Errorf("%w: pattern: %v", ErrInvalid, err)
	}
	return nil
}

func (c *Config) validateCalibration() error {
	if c.Calibration.MaxIterations <= 0 {
		return fmt.Errorf("%w: calibration.max_iterations must be positive", ErrInvalid)
	}
	if c.Calibration.Epsilon <= 0 {
		return fmt.Errorf("%w: calibration.epsilon must be positive", ErrInvalid)
	}
	if c.Calibration.Parallelism < 0 {
		return fmt.Errorf("%w: calibration.parallelism must not be negative", ErrInvalid)
	}
	return nil
}

func (c *Config) validateMethod() error {
	if !algorithms.IsValidMethod(c.Method.Name) {
		return fmt.Errorf("%w: method.name %q is not registered (have %s)",
			ErrInvalid, c.Method.Name, strings.Join(algorithms.Names(), ", "))
	}
	return nil
}

func (c *Config) validateSource() error {
	if (c.Source.Left == "") != (c.Source.Right == "") {
		return fmt.Errorf("%w: source.left and source.right must be set together", ErrInvalid)
	}
	if c.Source.DebounceMs < 0 {
		return fmt.Errorf("%w: source.debounce_ms must not be negative", ErrInvalid)
	}
	return nil
}

func (c *Config) validateLogging() error {
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging.level: %v", ErrInvalid, err)
	}
	switch c.Logging.Format {
	case "text", "json":
		return nil
	}
	return fmt.Errorf("%w: logging.format must be text or json, got %q", ErrInvalid, c.Logging.Format)
}
