// Package rectify holds a stereo calibration and everything derived from it:
// rectifying rotations, projection matrices, valid regions and remap tables.
package rectify

import (
	"errors"
	"fmt"
	"image"

	"gonum.org/v1/gonum/mat"

	"stereolab/internal/camera"
)

var (
	// ErrFormat is returned for calibration data that is malformed or incomplete.
	ErrFormat = errors.New("invalid calibration format")
	// ErrNotCalibrated is returned by operations that need a valid calibration.
	ErrNotCalibrated = errors.New("no calibration loaded")
	// ErrSizeMismatch is returned when images do not match the calibrated size.
	ErrSizeMismatch = errors.New("image size does not match calibration")
)

// Side selects one camera of the rig.
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Right {
		return "right"
	}
	return "left"
}

// RawParameters is the result of stereo calibration. x_right = R*x_left + T.
type RawParameters struct {
	M1, M2    *mat.Dense
	D1, D2    []float64
	R         *mat.Dense
	T         []float64
	E, F      *mat.Dense
	ImageSize image.Point
}

func check3x3(name string, m *mat.Dense) error {
	if m == nil {
		return fmt.Errorf("%w: %s missing", ErrFormat, name)
	}
	if r, c := m.Dims(); r != 3 || c != 3 {
		return fmt.Errorf("%w: %s is %dx%d, want 3x3", ErrFormat, name, r, c)
	}
	return nil
}

// Validate checks shapes and sizes.
func (p RawParameters) Validate() error {
	for _, m := range []struct {
		name string
		m    *mat.Dense
	}{{"M1", p.M1}, {"M2", p.M2}, {"R", p.R}, {"E", p.E}, {"F", p.F}} {
		if err := check3x3(m.name, m.m); err != nil {
			return err
		}
	}
	for _, d := range []struct {
		name   string
		coeffs []float64
	}{{"D1", p.D1}, {"D2", p.D2}} {
		if len(d.coeffs) < 4 {
			return fmt.Errorf("%w: %s has %d coefficients", ErrFormat, d.name, len(d.coeffs))
		}
		if _, err := camera.NewDistortion(d.coeffs); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrFormat, d.name, err)
		}
	}
	if len(p.T) != 3 {
		return fmt.Errorf("%w: T has %d elements, want 3", ErrFormat, len(p.T))
	}
	if p.ImageSize.X <= 0 || p.ImageSize.Y <= 0 {
		return fmt.Errorf("%w: image size %v", ErrFormat, p.ImageSize)
	}
	if _, err := p.Cameras(); err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return nil
}

// Cameras returns the left and right camera models.
func (p RawParameters) Cameras() ([2]camera.Camera, error) {
	var out [2]camera.Camera
	var err error
	if out[0], err = camera.FromMatrix(p.M1, p.D1); err != nil {
		return out, fmt.Errorf("left camera: %w", err)
	}
	if out[1], err = camera.FromMatrix(p.M2, p.D2); err != nil {
		return out, fmt.Errorf("right camera: %w", err)
	}
	return out, nil
}

func cloneDense(m *mat.Dense) *mat.Dense {
	if m == nil {
		return nil
	}
	return mat.DenseCopyOf(m)
}

func cloneFloats(s []float64) []float64 {
	if s == nil {
		return nil
	}
	return append([]float64(nil), s...)
}

// Clone returns a deep copy.
func (p RawParameters) Clone() RawParameters {
	return RawParameters{
		M1:        cloneDense(p.M1),
		M2:        cloneDense(p.M2),
		D1:        cloneFloats(p.D1),
		D2:        cloneFloats(p.D2),
		R:         cloneDense(p.R),
		T:         cloneFloats(p.T),
		E:         cloneDense(p.E),
		F:         cloneDense(p.F),
		ImageSize: p.ImageSize,
	}
}

// Derived holds the rectification computed from RawParameters. The remap
// tables built from it belong to the Model.
type Derived struct {
	R1, R2     *mat.Dense
	P1, P2     *mat.Dense
	Q          *mat.Dense
	ROI1, ROI2 image.Rectangle
	Vertical   bool
}

// Clone copies the matrices.
func (d Derived) Clone() Derived {
	out := d
	out.R1, out.R2 = cloneDense(d.R1), cloneDense(d.R2)
	out.P1, out.P2 = cloneDense(d.P1), cloneDense(d.P2)
	out.Q = cloneDense(d.Q)
	return out
}
