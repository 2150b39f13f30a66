package config

import (
	"stereolab/internal/algorithms"
	"stereolab/internal/calib"
)

const (
	defaultPatternWidth     = 9
	defaultPatternHeight    = 6
	defaultPatternSpacing   = 25.0
	defaultMaxScaleLevel    = 2
	defaultScaleIncrement   = 0.5
	defaultCalibrationFile  = "calibration.yaml"
	defaultDebounceMs       = 200
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultThreadedPipeline = false
	defaultWatchSource      = true
)

// Default returns the configuration used when no file is given.
func Default() Config {
	criteria := calib.DefaultTermCriteria()
	return Config{
		Pattern: Pattern{
			Kind:           calib.Chessboard.String(),
			Width:          defaultPatternWidth,
			Height:         defaultPatternHeight,
			Spacing:        defaultPatternSpacing,
			MaxScaleLevel:  defaultMaxScaleLevel,
			ScaleIncrement: defaultScaleIncrement,
		},
		Calibration: Calibration{
			File:          defaultCalibrationFile,
			MaxIterations: criteria.MaxIterations,
			Epsilon:       criteria.Epsilon,
		},
		Pipeline: Pipeline{
			Threaded:             defaultThreadedPipeline,
			SourceEnabled:        true,
			RectificationEnabled: true,
			DisparityEnabled:     true,
		},
		Method: Method{
			Name: algorithms.BlockMatchingName,
		},
		Source: Source{
			Watch:      defaultWatchSource,
			DebounceMs: defaultDebounceMs,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
