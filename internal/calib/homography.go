package calib

import (
	"errors"
	"math"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"
)

var errDegenerate = errors.New("degenerate point configuration")

// normalizePoints translates points to their centroid and scales them so the
// mean distance from the origin is sqrt(2). It returns the similarity used.
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense) {
	var mu r2.Point
	for _, pt := range pts {
		mu = mu.Add(pt)
	}
	mu = mu.Mul(1 / float64(len(pts)))

	d := 0.0
	for _, pt := range pts {
		d += pt.Sub(mu).Norm() / float64(len(pts))
	}
	scale := 1.0
	if d > 0 {
		scale = math.Sqrt2 / d
	}

	out := make([]r2.Point, len(pts))
	for i, pt := range pts {
		out[i] = pt.Sub(mu).Mul(scale)
	}
	return out, mat.NewDense(3, 3, []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	})
}

// findHomography estimates H with dst ~ H*src by the normalized DLT.
func findHomography(src, dst []r2.Point) (*mat.Dense, error) {
	if len(src) != len(dst) || len(src) < 4 {
		return nil, errDegenerate
	}
	ns, ts := normalizePoints(src)
	nd, td := normalizePoints(dst)

	a := mat.NewDense(2*len(src), 9, nil)
	for i := range ns {
		x, y := ns[i].X, ns[i].Y
		u, v := nd[i].X, nd[i].Y
		a.SetRow(2*i, []float64{x, y, 1, 0, 0, 0, -u * x, -u * y, -u})
		a.SetRow(2*i+1, []float64{0, 0, 0, x, y, 1, -v * x, -v * y, -v})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFullV) {
		return nil, errDegenerate
	}
	var v mat.Dense
	svd.VTo(&v)
	h := mat.NewDense(3, 3, mat.Col(nil, 8, &v))

	var tdInv mat.Dense
	if err := tdInv.Inverse(td); err != nil {
		return nil, errDegenerate
	}
	h.Mul(&tdInv, h)
	h.Mul(h, ts)

	if s := h.At(2, 2); math.Abs(s) > 1e-12 {
		h.Scale(1/s, h)
	}
	return h, nil
}

func applyHomography(h mat.Matrix, p r2.Point) r2.Point {
	x := h.At(0, 0)*p.X + h.At(0, 1)*p.Y + h.At(0, 2)
	y := h.At(1, 0)*p.X + h.At(1, 1)*p.Y + h.At(1, 2)
	w := h.At(2, 0)*p.X + h.At(2, 1)*p.Y + h.At(2, 2)
	return r2.Point{X: x / w, Y: y / w}
}
