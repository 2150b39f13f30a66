package calib

import (
	"context"
	"image"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stereolab/internal/camera"
)

type syntheticRig struct {
	left, right camera.Camera
	stereo      camera.Pose
	object      []r3.Vector
	obs         []Observation
	size        image.Point
}

func newSyntheticRig(t *testing.T) syntheticRig {
	t.Helper()
	p, err := NewPattern(Chessboard, 7, 5, 30, 0, 0)
	require.NoError(t, err)

	rig := syntheticRig{
		left:   camera.Camera{Fx: 520, Fy: 518, Cx: 322, Cy: 238},
		right:  camera.Camera{Fx: 515, Fy: 514, Cx: 316, Cy: 244},
		stereo: camera.Pose{R: camera.RotationFromVector(r3.Vector{X: 0.01, Y: -0.02, Z: 0.005}), T: r3.Vector{X: -60, Y: 0.5, Z: 1}},
		object: p.Coordinates(),
		size:   image.Pt(640, 480),
	}

	tilts := []r3.Vector{
		{X: 0.3}, {Y: 0.3}, {X: -0.2, Y: 0.2, Z: 0.1}, {X: 0.1, Y: -0.3}, {X: 0.25, Y: 0.25, Z: -0.1}, {X: -0.3, Z: 0.2},
	}
	for i, tilt := range tilts {
		view := camera.Pose{
			R: camera.RotationFromVector(tilt),
			T: r3.Vector{X: -90 + float64(i)*5, Y: -60, Z: 650 + float64(i)*30},
		}
		o := Observation{ImageSize: rig.size}
		for _, x := range rig.object {
			o.Left = append(o.Left, rig.left.Project(view.Apply(x)))
			o.Right = append(o.Right, rig.right.Project(view.Compose(rig.stereo).Apply(x)))
		}
		rig.obs = append(rig.obs, o)
	}
	return rig
}

func TestLMSolverRecoversRig(t *testing.T) {
	rig := newSyntheticRig(t)
	s := NewLMSolver(nil)

	res, err := s.StereoCalibrate(context.Background(), rig.obs, rig.object, rig.size, DefaultTermCriteria())
	require.NoError(t, err)

	assert.Less(t, res.RMS, 0.05)
	assert.InEpsilon(t, rig.left.Fx, res.Left.Fx, 0.01)
	assert.InEpsilon(t, rig.right.Fy, res.Right.Fy, 0.01)
	assert.InDelta(t, rig.left.Cx, res.Left.Cx, 3)
	assert.InDelta(t, rig.stereo.T.X, res.Stereo.T.X, 1)
	assert.InDelta(t, rig.stereo.T.Y, res.Stereo.T.Y, 1)
	assert.Len(t, res.Views, len(rig.obs))

	v := res.Stereo.R.Vector()
	want := rig.stereo.R.Vector()
	assert.InDelta(t, want.Y, v.Y, 2e-3)

	raw, err := rawFromSolve(res, rig.size)
	require.NoError(t, err)
	require.NoError(t, raw.Validate())
	assert.Less(t, meanEpipolarError(rig.obs, res.Left, res.Right, raw.F), 0.1)
}

func TestLMSolverRejectsBadInput(t *testing.T) {
	rig := newSyntheticRig(t)
	s := NewLMSolver(nil)

	_, err := s.StereoCalibrate(context.Background(), nil, rig.object, rig.size, DefaultTermCriteria())
	assert.ErrorIs(t, err, ErrSolverFailed)

	bad := append([]Observation(nil), rig.obs...)
	bad[0].Left = bad[0].Left[:3]
	_, err = s.StereoCalibrate(context.Background(), bad, rig.object, rig.size, DefaultTermCriteria())
	assert.ErrorIs(t, err, ErrSolverFailed)
}

func TestLMSolverHonoursCancellation(t *testing.T) {
	rig := newSyntheticRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLMSolver(nil).StereoCalibrate(ctx, rig.obs, rig.object, rig.size, DefaultTermCriteria())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLevenbergMarquardtFitsLine(t *testing.T) {
	xs := []float64{0, 1, 2, 3, 4}
	f := func(dst, p []float64) {
		for i, x := range xs {
			dst[i] = p[0]*x + p[1] - (2*x + 3)
		}
	}
	res, err := levenbergMarquardt(context.Background(), f, len(xs), []float64{0, 0}, DefaultTermCriteria())
	require.NoError(t, err)
	assert.InDelta(t, 2, res.params[0], 1e-4)
	assert.InDelta(t, 3, res.params[1], 1e-4)
	assert.Less(t, res.cost, 1e-6)
}

func TestEpipolarErrorOfPerfectRig(t *testing.T) {
	rig := newSyntheticRig(t)
	e := camera.Essential(rig.stereo.R, rig.stereo.T)
	f, err := camera.Fundamental(e, rig.left, rig.right)
	require.NoError(t, err)
	assert.Less(t, meanEpipolarError(rig.obs, rig.left, rig.right, f), 1e-6)

	shifted := append([]Observation(nil), rig.obs...)
	shifted[0].Right = append([]r2.Point(nil), shifted[0].Right...)
	for i := range shifted[0].Right {
		shifted[0].Right[i].Y += 4
	}
	assert.Greater(t, meanEpipolarError(shifted, rig.left, rig.right, f), 0.1)
}
