package calib

import (
	"context"
	"errors"
	"image"
	"strings"
	"sync"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"stereolab/internal/camera"
	"stereolab/internal/rectify"
)

// fakeImages serves blank images. A name containing "small" is half size, one
// containing "blank" has no pattern and one containing "missing" fails to load.
type fakeImages struct {
	mu    sync.Mutex
	loads int
}

func (f *fakeImages) LoadImageGrayscale(path string) (gocv.Mat, error) {
	f.mu.Lock()
	f.loads++
	f.mu.Unlock()
	switch {
	case strings.Contains(path, "missing"):
		return gocv.NewMat(), errors.New("no such file")
	case strings.Contains(path, "small"):
		return gocv.NewMatWithSize(240, 320, gocv.MatTypeCV8UC1), nil
	case strings.Contains(path, "blank"):
		return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 480, 640, gocv.MatTypeCV8UC1), nil
	}
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 0, 0, 0), 480, 640, gocv.MatTypeCV8UC1), nil
}

// markerDetect finds the pattern in any image whose first pixel is set.
func markerDetect(p Pattern, img gocv.Mat, _ Validator) (DetectedPoints, bool) {
	if img.GetUCharAt(0, 0) == 0 {
		return nil, false
	}
	pts := make(DetectedPoints, p.Size())
	for i, c := range p.Coordinates() {
		pts[i].X, pts[i].Y = 100+c.X, 80+c.Y
	}
	return pts, true
}

type fakeSolver struct {
	mu    sync.Mutex
	calls int
	obs   int
	err   error
}

func (f *fakeSolver) StereoCalibrate(_ context.Context, obs []Observation, object []r3.Vector, size image.Point, _ TermCriteria) (SolveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.obs = len(obs)
	if f.err != nil {
		return SolveResult{}, f.err
	}
	cam := camera.Camera{Fx: 500, Fy: 500, Cx: float64(size.X) / 2, Cy: float64(size.Y) / 2}
	return SolveResult{
		Left:       cam,
		Right:      cam,
		Stereo:     camera.Pose{R: camera.Identity(), T: r3.Vector{X: -60}},
		RMS:        0.2,
		Iterations: 7,
	}, nil
}

func newTestCalibrator(solver Solver) (*Calibrator, *fakeImages) {
	images := &fakeImages{}
	c := NewCalibrator(WithLoader(images), WithSolver(solver), WithParallelism(2))
	c.detect = markerDetect
	return c, images
}

func testPattern(t *testing.T) Pattern {
	p, err := NewPattern(Chessboard, 4, 3, 20, 0, 0)
	require.NoError(t, err)
	return p
}

func TestCalibrateTooFewPairs(t *testing.T) {
	solver := &fakeSolver{}
	c, _ := newTestCalibrator(solver)

	_, err := c.Calibrate(context.Background(), []string{"l0.png", "r0.png"}, testPattern(t), nil)
	assert.ErrorIs(t, err, ErrTooFewPairs)
	assert.Zero(t, solver.calls)

	_, err = c.Calibrate(context.Background(), []string{"l0.png", "r0.png", "l1.png", "blank_r1.png"}, testPattern(t), nil)
	assert.ErrorIs(t, err, ErrTooFewPairs)
}

func TestCalibrateTwoPairsSucceed(t *testing.T) {
	solver := &fakeSolver{}
	c, _ := newTestCalibrator(solver)

	res, err := c.Calibrate(context.Background(), []string{"l0.png", "r0.png", "l1.png", "r1.png"}, testPattern(t), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, solver.obs)
	assert.Equal(t, 2, res.PairsUsed)
	assert.Len(t, res.Observations, 2)
	assert.Equal(t, 2, res.PairsTotal)
	assert.Empty(t, res.Skipped)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 7, res.Iterations)
	require.NoError(t, res.Raw.Validate())
	assert.Equal(t, image.Pt(640, 480), res.Raw.ImageSize)
}

func TestCalibrateSkipsBadPairs(t *testing.T) {
	solver := &fakeSolver{}
	c, images := newTestCalibrator(solver)

	files := []string{
		"l0.png", "r0.png",
		"l1.png", "small_r1.png",
		"missing_l2.png", "r2.png",
		"blank_l3.png", "r3.png",
		"l4.png", "r4.png",
		"trailing.png",
	}
	res, err := c.Calibrate(context.Background(), files, testPattern(t), nil)
	require.NoError(t, err)

	assert.Equal(t, 5, res.PairsTotal)
	assert.Equal(t, 2, res.PairsUsed)
	require.Len(t, res.Skipped, 3)

	reasons := map[string]string{}
	for _, s := range res.Skipped {
		reasons[s.Left] = s.Reason
	}
	assert.Contains(t, reasons["l1.png"], "right image")
	assert.Contains(t, reasons["missing_l2.png"], "no such file")
	assert.Equal(t, "pattern not found", reasons["blank_l3.png"])
	assert.Equal(t, 9, images.loads, "trailing file is never loaded")
}

func TestCalibrateSequentialWithValidator(t *testing.T) {
	solver := &fakeSolver{}
	c, _ := newTestCalibrator(solver)

	var validated int
	c.detect = func(p Pattern, img gocv.Mat, validate Validator) (DetectedPoints, bool) {
		pts, ok := markerDetect(p, img, nil)
		if ok && validate != nil && !validate(pts) {
			return nil, false
		}
		return pts, ok
	}
	validate := func(DetectedPoints) bool {
		validated++
		return validated != 2
	}

	files := []string{"l0.png", "r0.png", "l1.png", "r1.png", "l2.png", "r2.png"}
	res, err := c.Calibrate(context.Background(), files, testPattern(t), validate)
	require.NoError(t, err)
	assert.Equal(t, 2, res.PairsUsed)
	assert.Equal(t, 6, validated)
}

func TestCalibrateSolverError(t *testing.T) {
	solver := &fakeSolver{err: ErrSolverFailed}
	c, _ := newTestCalibrator(solver)

	_, err := c.Calibrate(context.Background(), []string{"l0.png", "r0.png", "l1.png", "r1.png"}, testPattern(t), nil)
	assert.ErrorIs(t, err, ErrSolverFailed)
}

func TestCalibrateCancelled(t *testing.T) {
	c, _ := newTestCalibrator(&fakeSolver{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Calibrate(ctx, []string{"l0.png", "r0.png", "l1.png", "r1.png"}, testPattern(t), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalibrateInto(t *testing.T) {
	c, _ := newTestCalibrator(&fakeSolver{})
	model := rectify.NewModel()
	defer model.Close()

	var changes int
	model.Changed().Connect(func() { changes++ })

	_, err := c.CalibrateInto(context.Background(), model, []string{"l0.png", "r0.png"}, testPattern(t), nil)
	assert.ErrorIs(t, err, ErrTooFewPairs)
	assert.False(t, model.Valid())

	res, err := c.CalibrateInto(context.Background(), model, []string{"l0.png", "r0.png", "l1.png", "r1.png"}, testPattern(t), nil)
	require.NoError(t, err)
	assert.True(t, model.Valid())
	assert.Equal(t, 1, changes)

	raw, ok := model.Raw()
	require.True(t, ok)
	assert.Equal(t, res.Raw.T, raw.T)
}
