// Stereo method contract and runtime registry
package algorithms

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gocv.io/x/gocv"

	"stereolab/internal/signal"
)

var (
	// ErrUnknownMethod is returned by New for unregistered names.
	ErrUnknownMethod = errors.New("unknown stereo method")
	// ErrMethodMismatch is returned when a parameter file names another method.
	ErrMethodMismatch = errors.New("parameter file is for a different method")
	// ErrInvalidParameter is returned when a parameter value is rejected.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrInvalidInput is returned by Compute for unusable image pairs.
	ErrInvalidInput = errors.New("invalid stereo input")
)

// InvalidDisparity marks pixels without a disparity estimate.
const InvalidDisparity = -1

// Disparity is a CV_32FC1 map with InvalidDisparity where no match was found,
// plus the range of the valid values.
type Disparity struct {
	Map gocv.Mat
	Min float64
	Max float64
}

// Clone deep copies the map.
func (d Disparity) Clone() Disparity {
	out := d
	out.Map = d.Map.Clone()
	return out
}

// Close releases the map.
func (d Disparity) Close() error {
	return d.Map.Close()
}

// Method computes disparity from a rectified pair. On error the returned
// Disparity holds no map and is ignored.
type Method interface {
	Name() string
	Description() string
	Compute(left, right gocv.Mat) (Disparity, error)
	Parameters() Params
	ParameterInfo() []ParameterInfo
	SetParameters(p Params) error
	Changed() *signal.Signal
	Close() error
}

// Factory creates a fresh Method instance.
type Factory func() Method

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a method available under name, replacing any previous entry.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New creates the method registered under name.
func New(name string) (Method, error) {
	registryMu.RLock()
	factory, exists := registry[name]
	registryMu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, name)
	}
	return factory(), nil
}

// IsValidMethod reports whether name is registered.
func IsValidMethod(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, exists := registry[name]
	return exists
}

// Names lists registered methods in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(BlockMatchingName, func() Method { return NewBlockMatching() })
}
