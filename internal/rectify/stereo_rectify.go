package rectify

import (
	"fmt"
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"stereolab/internal/camera"
)

// rectAlpha keeps every source pixel visible in the rectified image.
const rectAlpha = 1.0

// borderGrid is the number of samples per image side used to trace the
// rectified image border.
const borderGrid = 9

type rectF struct{ x, y, w, h float64 }

// deriveRectification computes Bouguet rectification with zero disparity at
// infinity and the remap tables for both cameras. It is a pure function of raw.
func deriveRectification(raw RawParameters) (Derived, error) {
	cams, err := raw.Cameras()
	if err != nil {
		return Derived{}, err
	}
	rot, ok := camera.NearestRotation(raw.R)
	if !ok {
		return Derived{}, fmt.Errorf("%w: R is not a rotation", ErrFormat)
	}
	T := r3.Vector{X: raw.T[0], Y: raw.T[1], Z: raw.T[2]}
	if T.Norm() == 0 {
		return Derived{}, fmt.Errorf("%w: zero baseline", ErrFormat)
	}
	size := raw.ImageSize
	nx, ny := float64(size.X), float64(size.Y)

	// Rotate each camera half way towards the other.
	om := rot.Vector().Mul(-0.5)
	rr := camera.RotationFromVector(om)
	t := rr.Apply(T)

	idx := 1
	if math.Abs(t.X) > math.Abs(t.Y) {
		idx = 0
	}
	c := component(t, idx)
	nt := t.Norm()
	var uu r3.Vector
	if c > 0 {
		uu = setComponent(uu, idx, 1)
	} else {
		uu = setComponent(uu, idx, -1)
	}

	// Align the baseline with the image axis.
	ww := t.Cross(uu)
	if nw := ww.Norm(); nw > 0 {
		ww = ww.Mul(math.Acos(math.Abs(c)/nt) / nw)
	}
	wR := camera.RotationFromVector(ww)

	rects := [2]camera.Rotation{wR.Mul(rr.T()), wR.Mul(rr)}
	t = rects[1].Apply(T)
	tIdx := component(t, idx)

	fc := (focalAlong(cams[0], idx) + focalAlong(cams[1], idx)) / 2

	var cc [2]r2.Point
	corners := []r2.Point{{X: 0, Y: 0}, {X: nx - 1, Y: 0}, {X: 0, Y: ny - 1}, {X: nx - 1, Y: ny - 1}}
	for k := 0; k < 2; k++ {
		var avg r2.Point
		for _, p := range corners {
			n := cams[k].Normalize(p)
			v := rects[k].Apply(r3.Vector{X: n.X, Y: n.Y, Z: 1})
			avg = avg.Add(r2.Point{X: fc * v.X / v.Z, Y: fc * v.Y / v.Z})
		}
		avg = avg.Mul(1.0 / float64(len(corners)))
		cc[k] = r2.Point{X: (nx-1)/2 - avg.X, Y: (ny-1)/2 - avg.Y}
	}
	mid := cc[0].Add(cc[1]).Mul(0.5)
	cc[0], cc[1] = mid, mid

	p1 := projection(fc, cc[0], 0, idx)
	p2 := projection(fc, cc[1], tIdx*fc, idx)

	inner1, outer1 := borderRects(cams[0], rects[0], p1, size)
	inner2, outer2 := borderRects(cams[1], rects[1], p2, size)

	s := 1.0
	if rectAlpha >= 0 {
		s0 := math.Max(fitScale(inner1, cc[0], size, math.Max), fitScale(inner2, cc[1], size, math.Max))
		s1 := math.Min(fitScale(outer1, cc[0], size, math.Min), fitScale(outer2, cc[1], size, math.Min))
		s = s0*(1-rectAlpha) + s1*rectAlpha
	}
	fc *= s
	p1 = projection(fc, cc[0], 0, idx)
	p2 = projection(fc, cc[1], tIdx*fc, idx)

	bounds := image.Rect(0, 0, size.X, size.Y)
	roi1 := scaledROI(inner1, cc[0], s).Intersect(bounds)
	roi2 := scaledROI(inner2, cc[1], s).Intersect(bounds)

	q := mat.NewDense(4, 4, []float64{
		1, 0, 0, -cc[0].X,
		0, 1, 0, -cc[0].Y,
		0, 0, 0, fc,
		0, 0, -1 / tIdx, ccDiff(cc, idx) / tIdx,
	})

	d := Derived{
		R1:       rects[0].Dense(),
		R2:       rects[1].Dense(),
		P1:       p1,
		P2:       p2,
		Q:        q,
		ROI1:     roi1,
		ROI2:     roi2,
		Vertical: math.Abs(p2.At(1, 3)) > math.Abs(p2.At(0, 3)),
	}
	return d, nil
}

func component(v r3.Vector, i int) float64 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	}
	return v.Z
}

func setComponent(v r3.Vector, i int, x float64) r3.Vector {
	switch i {
	case 0:
		v.X = x
	case 1:
		v.Y = x
	default:
		v.Z = x
	}
	return v
}

// focalAlong returns the focal length across the baseline, which must be
// shared by both rectified cameras.
func focalAlong(c camera.Camera, idx int) float64 {
	if idx == 0 {
		return c.Fy
	}
	return c.Fx
}

func ccDiff(cc [2]r2.Point, idx int) float64 {
	if idx == 0 {
		return cc[0].X - cc[1].X
	}
	return cc[0].Y - cc[1].Y
}

func projection(fc float64, cc r2.Point, shift float64, idx int) *mat.Dense {
	p := mat.NewDense(3, 4, []float64{
		fc, 0, cc.X, 0,
		0, fc, cc.Y, 0,
		0, 0, 1, 0,
	})
	p.Set(idx, 3, shift)
	return p
}

// borderRects samples the source image on a grid, maps it into the rectified
// image and returns the largest rectangle inside and the smallest rectangle
// around the mapped area.
func borderRects(cam camera.Camera, rot camera.Rotation, p mat.Matrix, size image.Point) (inner, outer rectF) {
	n := borderGrid
	pts := make([]r2.Point, 0, n*n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			pts = append(pts, r2.Point{
				X: float64(x) * float64(size.X) / float64(n-1),
				Y: float64(y) * float64(size.Y) / float64(n-1),
			})
		}
	}
	pts = cam.UndistortPoints(pts, &rot, p)

	iX0, iX1 := math.Inf(-1), math.Inf(1)
	iY0, iY1 := math.Inf(-1), math.Inf(1)
	oX0, oX1 := math.Inf(1), math.Inf(-1)
	oY0, oY1 := math.Inf(1), math.Inf(-1)
	for y, k := 0, 0; y < n; y++ {
		for x := 0; x < n; x++ {
			q := pts[k]
			k++
			oX0, oX1 = math.Min(oX0, q.X), math.Max(oX1, q.X)
			oY0, oY1 = math.Min(oY0, q.Y), math.Max(oY1, q.Y)
			if x == 0 {
				iX0 = math.Max(iX0, q.X)
			}
			if x == n-1 {
				iX1 = math.Min(iX1, q.X)
			}
			if y == 0 {
				iY0 = math.Max(iY0, q.Y)
			}
			if y == n-1 {
				iY1 = math.Min(iY1, q.Y)
			}
		}
	}
	return rectF{iX0, iY0, iX1 - iX0, iY1 - iY0}, rectF{oX0, oY0, oX1 - oX0, oY1 - oY0}
}

// fitScale returns the scale that makes r touch (or contain) the image,
// combining the four side ratios with pick.
func fitScale(r rectF, cc r2.Point, size image.Point, pick func(a, b float64) float64) float64 {
	w, h := float64(size.X), float64(size.Y)
	s := cc.X / (cc.X - r.x)
	s = pick(s, cc.Y/(cc.Y-r.y))
	s = pick(s, (w-1-cc.X)/(r.x+r.w-cc.X))
	return pick(s, (h-1-cc.Y)/(r.y+r.h-cc.Y))
}

func scaledROI(r rectF, cc r2.Point, s float64) image.Rectangle {
	x := int(math.Ceil((r.x-cc.X)*s + cc.X))
	y := int(math.Ceil((r.y-cc.Y)*s + cc.Y))
	return image.Rect(x, y, x+int(math.Floor(r.w*s)), y+int(math.Floor(r.h*s)))
}
