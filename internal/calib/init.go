package calib

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"stereolab/internal/camera"
)

func planar(object []r3.Vector) []r2.Point {
	out := make([]r2.Point, len(object))
	for i, p := range object {
		out[i] = r2.Point{X: p.X, Y: p.Y}
	}
	return out
}

// initIntrinsics estimates focal lengths from the vanishing points of each
// view's homography with the principal point fixed at the image centre.
func initIntrinsics(object []r3.Vector, views [][]r2.Point, size image.Point) camera.Camera {
	cx := float64(size.X-1) / 2
	cy := float64(size.Y-1) / 2
	fallback := float64(max(size.X, size.Y))
	cam := camera.Camera{Fx: fallback, Fy: fallback, Cx: cx, Cy: cy}

	plane := planar(object)
	var rows [][2]float64
	var rhs []float64
	for _, pts := range views {
		h, err := findHomography(plane, pts)
		if err != nil {
			continue
		}
		var hd [9]float64
		for i := 0; i < 9; i++ {
			hd[i] = h.At(i/3, i%3)
		}
		for j := 0; j < 3; j++ {
			hd[j] -= hd[6+j] * cx
			hd[3+j] -= hd[6+j] * cy
		}

		var hv, vv, d1, d2 [3]float64
		var n [4]float64
		for j := 0; j < 3; j++ {
			t0, t1 := hd[j*3], hd[j*3+1]
			hv[j], vv[j] = t0, t1
			d1[j], d2[j] = (t0+t1)*0.5, (t0-t1)*0.5
			n[0] += t0 * t0
			n[1] += t1 * t1
			n[2] += d1[j] * d1[j]
			n[3] += d2[j] * d2[j]
		}
		for j := range n {
			n[j] = 1 / math.Sqrt(n[j])
		}
		for j := 0; j < 3; j++ {
			hv[j] *= n[0]
			vv[j] *= n[1]
			d1[j] *= n[2]
			d2[j] *= n[3]
		}
		rows = append(rows, [2]float64{hv[0] * vv[0], hv[1] * vv[1]}, [2]float64{d1[0] * d2[0], d1[1] * d2[1]})
		rhs = append(rhs, -hv[2]*vv[2], -d1[2]*d2[2])
	}
	if len(rows) < 2 {
		return cam
	}

	a := mat.NewDense(len(rows), 2, nil)
	for i, r := range rows {
		a.SetRow(i, r[:])
	}
	b := mat.NewVecDense(len(rhs), rhs)
	var f mat.VecDense
	if err := f.SolveVec(a, b); err != nil {
		return cam
	}
	fx := math.Sqrt(math.Abs(1 / f.AtVec(0)))
	fy := math.Sqrt(math.Abs(1 / f.AtVec(1)))
	if isUsable(fx) && isUsable(fy) {
		cam.Fx, cam.Fy = fx, fy
	}
	return cam
}

func isUsable(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// initPose recovers the board pose of one view from the homography between
// the board plane and the normalized image points.
func initPose(cam camera.Camera, object []r3.Vector, pts []r2.Point) (camera.Pose, error) {
	normalized := make([]r2.Point, len(pts))
	for i, p := range pts {
		normalized[i] = cam.Normalize(p)
	}
	h, err := findHomography(planar(object), normalized)
	if err != nil {
		return camera.Pose{}, err
	}

	h1 := r3.Vector{X: h.At(0, 0), Y: h.At(1, 0), Z: h.At(2, 0)}
	h2 := r3.Vector{X: h.At(0, 1), Y: h.At(1, 1), Z: h.At(2, 1)}
	h3 := r3.Vector{X: h.At(0, 2), Y: h.At(1, 2), Z: h.At(2, 2)}
	norm := (h1.Norm() + h2.Norm()) / 2
	if norm == 0 {
		return camera.Pose{}, errDegenerate
	}
	lambda := 1 / norm
	r1, r2v, t := h1.Mul(lambda), h2.Mul(lambda), h3.Mul(lambda)
	if t.Z < 0 {
		r1, r2v, t = r1.Mul(-1), r2v.Mul(-1), t.Mul(-1)
	}
	r3v := r1.Cross(r2v)

	m := mat.NewDense(3, 3, []float64{
		r1.X, r2v.X, r3v.X,
		r1.Y, r2v.Y, r3v.Y,
		r1.Z, r2v.Z, r3v.Z,
	})
	rot, ok := camera.NearestRotation(m)
	if !ok {
		return camera.Pose{}, errDegenerate
	}
	return camera.Pose{R: rot, T: t}, nil
}
