package camera

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Skew returns the cross-product matrix [t]x.
func Skew(t r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -t.Z, t.Y,
		t.Z, 0, -t.X,
		-t.Y, t.X, 0,
	})
}

// Essential returns E = [T]x R for a second camera with pose (R, T) relative to
// the first.
func Essential(rot Rotation, t r3.Vector) *mat.Dense {
	var e mat.Dense
	e.Mul(Skew(t), rot.Dense())
	return &e
}

// Fundamental returns F = K2^-T E K1^-1, scaled so that F[2][2] is one when it is
// not vanishingly small.
func Fundamental(e mat.Matrix, k1, k2 Camera) (*mat.Dense, error) {
	var k1inv, k2inv mat.Dense
	if err := k1inv.Inverse(k1.Matrix()); err != nil {
		return nil, err
	}
	if err := k2inv.Inverse(k2.Matrix()); err != nil {
		return nil, err
	}
	var f mat.Dense
	f.Mul(k2inv.T(), e)
	f.Mul(&f, &k1inv)
	if s := f.At(2, 2); math.Abs(s) > 1e-12 {
		f.Scale(1/s, &f)
	}
	return &f, nil
}

// Line is an image line a*x + b*y + c = 0 with a^2 + b^2 = 1.
type Line struct {
	A, B, C float64
}

// Distance returns the unsigned distance from p to the line.
func (l Line) Distance(p r2.Point) float64 {
	return math.Abs(l.A*p.X + l.B*p.Y + l.C)
}

// EpipolarLine returns the line in the other image corresponding to p. For a
// point in the first image the line is F*p; for the second image it is F'*p.
func EpipolarLine(f mat.Matrix, p r2.Point, inFirst bool) Line {
	var a, b, c float64
	if inFirst {
		a = f.At(0, 0)*p.X + f.At(0, 1)*p.Y + f.At(0, 2)
		b = f.At(1, 0)*p.X + f.At(1, 1)*p.Y + f.At(1, 2)
		c = f.At(2, 0)*p.X + f.At(2, 1)*p.Y + f.At(2, 2)
	} else {
		a = f.At(0, 0)*p.X + f.At(1, 0)*p.Y + f.At(2, 0)
		b = f.At(0, 1)*p.X + f.At(1, 1)*p.Y + f.At(2, 1)
		c = f.At(0, 2)*p.X + f.At(1, 2)*p.Y + f.At(2, 2)
	}
	n := math.Hypot(a, b)
	if n < 1e-300 {
		return Line{C: c}
	}
	return Line{A: a / n, B: b / n, C: c / n}
}
