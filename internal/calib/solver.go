package calib

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/sirupsen/logrus"

	"stereolab/internal/camera"
	imgio "stereolab/internal/io"
)

// ErrSolverFailed is returned when the numerical calibration cannot produce
// a usable camera model.
var ErrSolverFailed = errors.New("stereo calibration solver failed")

// Observation is one accepted image pair.
type Observation struct {
	Left      DetectedPoints
	Right     DetectedPoints
	ImageSize image.Point
}

// TermCriteria bounds the iterative solve.
type TermCriteria struct {
	MaxIterations int
	Epsilon       float64
}

// DefaultTermCriteria stops after 100 iterations or a 1e-5 relative cost change.
func DefaultTermCriteria() TermCriteria {
	return TermCriteria{MaxIterations: 100, Epsilon: 1e-5}
}

// SolveResult holds both cameras and the pose of the right camera relative to
// the left one (x_right = R*x_left + T).
type SolveResult struct {
	Left       camera.Camera
	Right      camera.Camera
	Stereo     camera.Pose
	Views      []camera.Pose
	RMS        float64
	Iterations int
}

// Solver performs the stereo calibration given board observations.
type Solver interface {
	StereoCalibrate(ctx context.Context, obs []Observation, object []r3.Vector, size image.Point, criteria TermCriteria) (SolveResult, error)
}

// LMSolver calibrates each camera on its own, initialises the stereo pose from
// the per-view median and then refines everything jointly with
// Levenberg-Marquardt over the rational distortion model.
type LMSolver struct {
	logger logrus.FieldLogger
}

// NewLMSolver creates the default solver.
func NewLMSolver(logger logrus.FieldLogger) *LMSolver {
	if logger == nil {
		logger = imgio.DiscardLogger()
	}
	return &LMSolver{logger: logger.WithField("component", "solver")}
}

const (
	intrinsicsLen = 4 + camera.NumDistortion
	poseLen       = 6
)

func packCamera(dst []float64, c camera.Camera) {
	dst[0], dst[1], dst[2], dst[3] = c.Fx, c.Fy, c.Cx, c.Cy
	copy(dst[4:intrinsicsLen], c.Dist[:])
}

func unpackCamera(src []float64) camera.Camera {
	c := camera.Camera{Fx: src[0], Fy: src[1], Cx: src[2], Cy: src[3]}
	copy(c.Dist[:], src[4:intrinsicsLen])
	return c
}

func packPose(dst []float64, p camera.Pose) {
	v := p.R.Vector()
	dst[0], dst[1], dst[2] = v.X, v.Y, v.Z
	dst[3], dst[4], dst[5] = p.T.X, p.T.Y, p.T.Z
}

func unpackPose(src []float64) camera.Pose {
	return camera.Pose{
		R: camera.RotationFromVector(r3.Vector{X: src[0], Y: src[1], Z: src[2]}),
		T: r3.Vector{X: src[3], Y: src[4], Z: src[5]},
	}
}

func reprojectionResiduals(dst []float64, cam camera.Camera, pose camera.Pose, object []r3.Vector, observed []r2.Point) {
	for k, x := range object {
		p := cam.Project(pose.Apply(x))
		dst[2*k] = p.X - observed[k].X
		dst[2*k+1] = p.Y - observed[k].Y
	}
}

// calibrateMono refines one camera and its per-view poses.
func (s *LMSolver) calibrateMono(ctx context.Context, views [][]r2.Point, object []r3.Vector, size image.Point, criteria TermCriteria) (camera.Camera, []camera.Pose, float64, error) {
	cam := initIntrinsics(object, views, size)
	poses := make([]camera.Pose, len(views))
	for i, pts := range views {
		pose, err := initPose(cam, object, pts)
		if err != nil {
			return camera.Camera{}, nil, 0, fmt.Errorf("%w: view %d: %v", ErrSolverFailed, i, err)
		}
		poses[i] = pose
	}

	x0 := make([]float64, intrinsicsLen+poseLen*len(views))
	packCamera(x0, cam)
	for i, p := range poses {
		packPose(x0[intrinsicsLen+poseLen*i:], p)
	}

	perView := 2 * len(object)
	residuals := func(dst, params []float64) {
		c := unpackCamera(params)
		for i, pts := range views {
			pose := unpackPose(params[intrinsicsLen+poseLen*i:])
			reprojectionResiduals(dst[perView*i:perView*(i+1)], c, pose, object, pts)
		}
	}

	res, err := levenbergMarquardt(ctx, residuals, perView*len(views), x0, criteria)
	if err != nil {
		return camera.Camera{}, nil, 0, err
	}
	cam = unpackCamera(res.params)
	for i := range poses {
		poses[i] = unpackPose(res.params[intrinsicsLen+poseLen*i:])
	}
	rms := math.Sqrt(res.cost / float64(len(object)*len(views)))
	return cam, poses, rms, nil
}

// initStereoPose takes the component-wise median of the per-view relative
// poses between the two cameras.
func initStereoPose(left, right []camera.Pose) (camera.Pose, error) {
	var rx, ry, rz, tx, ty, tz []float64
	for i := range left {
		rel := left[i].Inverse().Compose(right[i])
		v := rel.R.Vector()
		rx, ry, rz = append(rx, v.X), append(ry, v.Y), append(rz, v.Z)
		tx, ty, tz = append(tx, rel.T.X), append(ty, rel.T.Y), append(tz, rel.T.Z)
	}
	med := make([]float64, 6)
	for i, xs := range [][]float64{rx, ry, rz, tx, ty, tz} {
		m, err := stats.Median(xs)
		if err != nil {
			return camera.Pose{}, err
		}
		med[i] = m
	}
	return unpackPose(med), nil
}

// StereoCalibrate implements Solver.
func (s *LMSolver) StereoCalibrate(ctx context.Context, obs []Observation, object []r3.Vector, size image.Point, criteria TermCriteria) (SolveResult, error) {
	if len(obs) == 0 || len(object) < 4 {
		return SolveResult{}, fmt.Errorf("%w: %d observations of %d points", ErrSolverFailed, len(obs), len(object))
	}
	if criteria.MaxIterations <= 0 {
		criteria = DefaultTermCriteria()
	}
	leftViews := make([][]r2.Point, len(obs))
	rightViews := make([][]r2.Point, len(obs))
	for i, o := range obs {
		if len(o.Left) != len(object) || len(o.Right) != len(object) {
			return SolveResult{}, fmt.Errorf("%w: observation %d has %d/%d points, want %d",
				ErrSolverFailed, i, len(o.Left), len(o.Right), len(object))
		}
		leftViews[i], rightViews[i] = o.Left, o.Right
	}

	camL, posesL, rmsL, err := s.calibrateMono(ctx, leftViews, object, size, criteria)
	if err != nil {
		return SolveResult{}, fmt.Errorf("left camera: %w", err)
	}
	camR, posesR, rmsR, err := s.calibrateMono(ctx, rightViews, object, size, criteria)
	if err != nil {
		return SolveResult{}, fmt.Errorf("right camera: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"left_rms":  rmsL,
		"right_rms": rmsR,
		"views":     len(obs),
	}).Debug("Per-camera calibration done")

	stereo, err := initStereoPose(posesL, posesR)
	if err != nil {
		return SolveResult{}, fmt.Errorf("%w: %v", ErrSolverFailed, err)
	}

	offViews := 2*intrinsicsLen + poseLen
	x0 := make([]float64, offViews+poseLen*len(obs))
	packCamera(x0, camL)
	packCamera(x0[intrinsicsLen:], camR)
	packPose(x0[2*intrinsicsLen:], stereo)
	for i, p := range posesL {
		packPose(x0[offViews+poseLen*i:], p)
	}

	perView := 2 * len(object)
	residuals := func(dst, params []float64) {
		cl := unpackCamera(params)
		cr := unpackCamera(params[intrinsicsLen:])
		st := unpackPose(params[2*intrinsicsLen:])
		for i := range obs {
			view := unpackPose(params[offViews+poseLen*i:])
			base := 2 * perView * i
			reprojectionResiduals(dst[base:base+perView], cl, view, object, leftViews[i])
			reprojectionResiduals(dst[base+perView:base+2*perView], cr, view.Compose(st), object, rightViews[i])
		}
	}

	res, err := levenbergMarquardt(ctx, residuals, 2*perView*len(obs), x0, criteria)
	if err != nil {
		return SolveResult{}, err
	}

	out := SolveResult{
		Left:       unpackCamera(res.params),
		Right:      unpackCamera(res.params[intrinsicsLen:]),
		Stereo:     unpackPose(res.params[2*intrinsicsLen:]),
		Views:      make([]camera.Pose, len(obs)),
		RMS:        math.Sqrt(res.cost / float64(2*len(object)*len(obs))),
		Iterations: res.iterations,
	}
	for i := range out.Views {
		out.Views[i] = unpackPose(res.params[offViews+poseLen*i:])
	}
	if err := out.Left.CheckValid(); err != nil {
		return SolveResult{}, fmt.Errorf("%w: left: %v", ErrSolverFailed, err)
	}
	if err := out.Right.CheckValid(); err != nil {
		return SolveResult{}, fmt.Errorf("%w: right: %v", ErrSolverFailed, err)
	}

	s.logger.WithFields(logrus.Fields{
		"rms":        out.RMS,
		"iterations": out.Iterations,
	}).Debug("Stereo refinement done")
	return out, nil
}
