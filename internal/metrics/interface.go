// Quality metrics for disparity maps and rectified pairs
package metrics

import (
	"fmt"
	"sort"

	"gocv.io/x/gocv"

	"stereolab/internal/algorithms"
)

// Metric scores a disparity map computed from a rectified pair.
type Metric interface {
	// Calculate computes the metric value
	Calculate(left, right gocv.Mat, disparity algorithms.Disparity) (float64, error)

	// GetName returns the metric name
	GetName() string

	// GetDescription returns the metric description
	GetDescription() string

	// GetRange returns the value range (min, max)
	GetRange() (float64, float64)

	// IsHigherBetter returns true if higher values indicate better quality
	IsHigherBetter() bool
}

// Evaluator manages and calculates multiple metrics
type Evaluator struct {
	metrics map[string]Metric
}

// NewEvaluator creates an evaluator with the default metrics registered.
func NewEvaluator() *Evaluator {
	e := &Evaluator{
		metrics: make(map[string]Metric),
	}
	e.RegisterDefaultMetrics()
	return e
}

// RegisterDefaultMetrics registers all default metrics
func (e *Evaluator) RegisterDefaultMetrics() {
	e.Register("valid_ratio", NewValidRatio())
	e.Register("mean_disparity", NewMeanDisparity())
	e.Register("photometric_mse", NewPhotometricMSE())
	e.Register("photometric_psnr", NewPhotometricPSNR())
}

// Register registers a metric, replacing any with the same name.
func (e *Evaluator) Register(name string, metric Metric) {
	e.metrics[name] = metric
}

// Names returns the registered metric names in sorted order.
func (e *Evaluator) Names() []string {
	names := make([]string, 0, len(e.metrics))
	for name := range e.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Calculate calculates a specific metric
func (e *Evaluator) Calculate(name string, left, right gocv.Mat, disparity algorithms.Disparity) (float64, error) {
	metric, exists := e.metrics[name]
	if !exists {
		return 0, fmt.Errorf("metric not found: %s", name)
	}
	return metric.Calculate(left, right, disparity)
}

// CalculateAll calculates every registered metric. Metrics that fail are
// left out.
func (e *Evaluator) CalculateAll(left, right gocv.Mat, disparity algorithms.Disparity) map[string]float64 {
	results := make(map[string]float64)
	for name, metric := range e.metrics {
		if value, err := metric.Calculate(left, right, disparity); err == nil {
			results[name] = value
		}
	}
	return results
}

// MetricInfo provides metadata about a metric
type MetricInfo struct {
	Name         string
	Description  string
	Range        [2]float64 // [min, max]
	HigherBetter bool
}

// GetMetricInfo returns information about all metrics
func (e *Evaluator) GetMetricInfo() map[string]MetricInfo {
	info := make(map[string]MetricInfo)
	for name, metric := range e.metrics {
		min, max := metric.GetRange()
		info[name] = MetricInfo{
			Name:         metric.GetName(),
			Description:  metric.GetDescription(),
			Range:        [2]float64{min, max},
			HigherBetter: metric.IsHigherBetter(),
		}
	}
	return info
}
