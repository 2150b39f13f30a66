// Package camera holds the pinhole camera model with rational lens distortion,
// rotation helpers and two-view geometry shared by calibration and rectification.
package camera

import (
	"errors"
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// NumDistortion is the number of coefficients in the rational distortion model:
// k1, k2, p1, p2, k3, k4, k5, k6.
const NumDistortion = 8

// undistortIterations bounds the fixed-point iteration used to invert distortion.
const undistortIterations = 20

// ErrInvalidCamera is returned when intrinsic parameters cannot describe a camera.
var ErrInvalidCamera = errors.New("invalid camera parameters")

// Distortion holds rational model coefficients in OpenCV order.
type Distortion [NumDistortion]float64

// NewDistortion accepts 4, 5, 8 or more coefficients; missing ones are zero and
// anything past the eighth is ignored.
func NewDistortion(coeffs []float64) (Distortion, error) {
	var d Distortion
	switch n := len(coeffs); {
	case n == 0 || n == 4 || n == 5 || n >= NumDistortion:
	default:
		return d, fmt.Errorf("%w: %d distortion coefficients", ErrInvalidCamera, n)
	}
	copy(d[:], coeffs)
	return d, nil
}

// Slice returns the coefficients as a new slice.
func (d Distortion) Slice() []float64 {
	out := make([]float64, NumDistortion)
	copy(out, d[:])
	return out
}

// Apply distorts a normalized image point.
func (d Distortion) Apply(x, y float64) (float64, float64) {
	k1, k2, p1, p2, k3, k4, k5, k6 := d[0], d[1], d[2], d[3], d[4], d[5], d[6], d[7]
	r2 := x*x + y*y
	radial := (1 + r2*(k1+r2*(k2+r2*k3))) / (1 + r2*(k4+r2*(k5+r2*k6)))
	xd := x*radial + 2*p1*x*y + p2*(r2+2*x*x)
	yd := y*radial + p1*(r2+2*y*y) + 2*p2*x*y
	return xd, yd
}

// Remove inverts Apply by fixed-point iteration.
func (d Distortion) Remove(xd, yd float64) (float64, float64) {
	k1, k2, p1, p2, k3, k4, k5, k6 := d[0], d[1], d[2], d[3], d[4], d[5], d[6], d[7]
	x, y := xd, yd
	for i := 0; i < undistortIterations; i++ {
		r2 := x*x + y*y
		icdist := (1 + r2*(k4+r2*(k5+r2*k6))) / (1 + r2*(k1+r2*(k2+r2*k3)))
		deltaX := 2*p1*x*y + p2*(r2+2*x*x)
		deltaY := p1*(r2+2*y*y) + 2*p2*x*y
		x = (xd - deltaX) * icdist
		y = (yd - deltaY) * icdist
	}
	return x, y
}

// IsZero reports whether every coefficient is zero.
func (d Distortion) IsZero() bool {
	return d == Distortion{}
}

// Camera is a pinhole camera with focal lengths and principal point in pixels.
type Camera struct {
	Fx, Fy float64
	Cx, Cy float64
	Dist   Distortion
}

// FromMatrix builds a Camera from a 3x3 intrinsic matrix and distortion vector.
func FromMatrix(k mat.Matrix, dist []float64) (Camera, error) {
	if r, c := k.Dims(); r != 3 || c != 3 {
		return Camera{}, fmt.Errorf("%w: camera matrix is %dx%d", ErrInvalidCamera, r, c)
	}
	d, err := NewDistortion(dist)
	if err != nil {
		return Camera{}, err
	}
	cam := Camera{
		Fx:   k.At(0, 0),
		Fy:   k.At(1, 1),
		Cx:   k.At(0, 2),
		Cy:   k.At(1, 2),
		Dist: d,
	}
	return cam, cam.CheckValid()
}

// CheckValid rejects non-positive focal lengths.
func (c Camera) CheckValid() error {
	if c.Fx <= 0 || c.Fy <= 0 {
		return fmt.Errorf("%w: focal length (%g, %g)", ErrInvalidCamera, c.Fx, c.Fy)
	}
	return nil
}

// Matrix returns the 3x3 intrinsic matrix.
func (c Camera) Matrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		c.Fx, 0, c.Cx,
		0, c.Fy, c.Cy,
		0, 0, 1,
	})
}

// Project maps a point in the camera frame to distorted pixel coordinates.
func (c Camera) Project(p r3.Vector) r2.Point {
	z := p.Z
	if z == 0 {
		z = 1e-12
	}
	return c.ProjectNormalized(p.X/z, p.Y/z)
}

// ProjectNormalized distorts a normalized point and applies the intrinsics.
func (c Camera) ProjectNormalized(x, y float64) r2.Point {
	xd, yd := c.Dist.Apply(x, y)
	return r2.Point{X: c.Fx*xd + c.Cx, Y: c.Fy*yd + c.Cy}
}

// Normalize maps a distorted pixel to undistorted normalized coordinates.
func (c Camera) Normalize(p r2.Point) r2.Point {
	xd := (p.X - c.Cx) / c.Fx
	yd := (p.Y - c.Cy) / c.Fy
	x, y := c.Dist.Remove(xd, yd)
	return r2.Point{X: x, Y: y}
}

// UndistortPoints maps distorted pixels of this camera into the undistorted
// image of a camera with rectifying rotation rot and intrinsics of p (the left
// 3x3 block of a projection matrix). A nil rot means identity.
func (c Camera) UndistortPoints(pts []r2.Point, rot *Rotation, p mat.Matrix) []r2.Point {
	fx, fy, cx, cy := p.At(0, 0), p.At(1, 1), p.At(0, 2), p.At(1, 2)
	out := make([]r2.Point, len(pts))
	for i, pt := range pts {
		n := c.Normalize(pt)
		v := r3.Vector{X: n.X, Y: n.Y, Z: 1}
		if rot != nil {
			v = rot.Apply(v)
		}
		out[i] = r2.Point{X: v.X/v.Z*fx + cx, Y: v.Y/v.Z*fy + cy}
	}
	return out
}
