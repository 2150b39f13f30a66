// Parameter handling shared by stereo methods
package algorithms

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"stereolab/internal/signal"
)

// Params maps parameter names to values. Numbers are float64, the remaining
// types are bool and string.
type Params map[string]interface{}

// Clone returns a shallow copy; values are immutable scalars.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ParameterInfo describes a parameter for UI generation
type ParameterInfo struct {
	Name        string      `json:"name" yaml:"name"`
	Type        string      `json:"type" yaml:"type"` // "int", "float", "bool", "string", "enum"
	Min         interface{} `json:"min,omitempty" yaml:"min,omitempty"`
	Max         interface{} `json:"max,omitempty" yaml:"max,omitempty"`
	Default     interface{} `json:"default" yaml:"default"`
	Description string      `json:"description" yaml:"description"`
	Options     []string    `json:"options,omitempty" yaml:"options,omitempty"` // For enum type
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// normalize checks value against info and returns it in canonical form.
func (info ParameterInfo) normalize(value interface{}) (interface{}, error) {
	switch info.Type {
	case "int", "float":
		f, ok := toFloat(value)
		if !ok || math.IsNaN(f) {
			return nil, fmt.Errorf("%w: %s must be a number, got %v", ErrInvalidParameter, info.Name, value)
		}
		if info.Type == "int" && f != math.Trunc(f) {
			return nil, fmt.Errorf("%w: %s must be an integer, got %v", ErrInvalidParameter, info.Name, f)
		}
		if lo, ok := toFloat(info.Min); ok && f < lo {
			return nil, fmt.Errorf("%w: %s must be at least %v, got %v", ErrInvalidParameter, info.Name, lo, f)
		}
		if hi, ok := toFloat(info.Max); ok && f > hi {
			return nil, fmt.Errorf("%w: %s must be at most %v, got %v", ErrInvalidParameter, info.Name, hi, f)
		}
		return f, nil
	case "bool":
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s must be a bool, got %v", ErrInvalidParameter, info.Name, value)
		}
		return b, nil
	case "enum":
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s must be a string, got %v", ErrInvalidParameter, info.Name, value)
		}
		for _, opt := range info.Options {
			if s == opt {
				return s, nil
			}
		}
		return nil, fmt.Errorf("%w: %s must be one of %v, got %q", ErrInvalidParameter, info.Name, info.Options, s)
	case "string":
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s must be a string, got %v", ErrInvalidParameter, info.Name, value)
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s has unsupported type %q", ErrInvalidParameter, info.Name, info.Type)
}

// BaseParams is the single update path for method parameters: validate the
// whole update, swap it in under the write lock, then emit one notification.
// Methods embed it.
type BaseParams struct {
	mu      sync.RWMutex
	values  Params
	info    []ParameterInfo
	check   func(Params) error
	changed *signal.Signal
}

// NewBaseParams starts from the defaults in info. check, if set, validates
// combinations of values after per-parameter checks pass.
func NewBaseParams(info []ParameterInfo, check func(Params) error) *BaseParams {
	values := make(Params, len(info))
	for _, pi := range info {
		v, err := pi.normalize(pi.Default)
		if err != nil {
			panic(fmt.Sprintf("bad default for %s: %v", pi.Name, err))
		}
		values[pi.Name] = v
	}
	return &BaseParams{
		values:  values,
		info:    info,
		check:   check,
		changed: signal.New(),
	}
}

// Parameters returns a copy of the current values.
func (b *BaseParams) Parameters() Params {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.values.Clone()
}

// ParameterInfo describes every parameter.
func (b *BaseParams) ParameterInfo() []ParameterInfo {
	out := make([]ParameterInfo, len(b.info))
	copy(out, b.info)
	return out
}

// Changed is emitted after every successful SetParameters.
func (b *BaseParams) Changed() *signal.Signal {
	return b.changed
}

// SetParameters applies a partial update. Nothing changes unless every value
// is valid.
func (b *BaseParams) SetParameters(update Params) error {
	byName := make(map[string]ParameterInfo, len(b.info))
	for _, pi := range b.info {
		byName[pi.Name] = pi
	}

	b.mu.Lock()
	next := b.values.Clone()
	var errs error
	keys := make([]string, 0, len(update))
	for k := range update {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pi, ok := byName[k]
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: unknown parameter %s", ErrInvalidParameter, k))
			continue
		}
		v, err := pi.normalize(update[k])
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		next[k] = v
	}
	if errs == nil && b.check != nil {
		errs = b.check(next)
	}
	if errs != nil {
		b.mu.Unlock()
		return errs
	}
	b.values = next
	b.mu.Unlock()

	b.changed.Emit()
	return nil
}

// Float returns a numeric parameter.
func (b *BaseParams) Float(name string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, _ := toFloat(b.values[name])
	return f
}

// Int returns a numeric parameter truncated to int.
func (b *BaseParams) Int(name string) int {
	return int(b.Float(name))
}

// Bool returns a bool parameter.
func (b *BaseParams) Bool(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, _ := b.values[name].(bool)
	return v
}

// Text returns a string or enum parameter.
func (b *BaseParams) Text(name string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, _ := b.values[name].(string)
	return v
}

type parameterFile struct {
	MethodName string                 `yaml:"MethodName"`
	Parameters map[string]interface{} `yaml:"Parameters"`
}

// LoadParameters applies a parameter file to m. The file's MethodName must
// equal m.Name() exactly; otherwise nothing is applied.
func LoadParameters(m Method, r io.Reader) error {
	var f parameterFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return fmt.Errorf("%w: decode parameter file: %v", ErrInvalidParameter, err)
	}
	if f.MethodName != m.Name() {
		return fmt.Errorf("%w: file is for %q, active method is %q", ErrMethodMismatch, f.MethodName, m.Name())
	}
	return m.SetParameters(Params(f.Parameters))
}

// SaveParameters writes m's current values as a parameter file.
func SaveParameters(m Method, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(parameterFile{MethodName: m.Name(), Parameters: m.Parameters()}); err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	return enc.Close()
}

// LoadParametersFile is LoadParameters on a file.
func LoadParametersFile(m Method, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open parameter file: %w", err)
	}
	defer f.Close()
	if err := LoadParameters(m, f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// SaveParametersFile is SaveParameters to a file.
func SaveParametersFile(m Method, path string) error {
	var buf bytes.Buffer
	if err := SaveParameters(m, &buf); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
