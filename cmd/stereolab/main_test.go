package main

import (
	"bytes"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"stereolab/internal/algorithms"
	"stereolab/internal/calib"
	"stereolab/internal/config"
	"stereolab/internal/rectify"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestMethodsCommandListsParameters(t *testing.T) {
	out, err := runCLI(t, "methods")
	require.NoError(t, err)
	assert.Contains(t, out, algorithms.BlockMatchingName)
	assert.Contains(t, out, "block_size")
	assert.Contains(t, out, "num_disparities")
}

func TestMethodsCommandSavesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bm.yaml")
	_, err := runCLI(t, "methods", algorithms.BlockMatchingName, "--save-defaults", path)
	require.NoError(t, err)

	m, err := algorithms.New(algorithms.BlockMatchingName)
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, algorithms.LoadParametersFile(m, path))
}

func TestMethodsCommandUnknown(t *testing.T) {
	_, err := runCLI(t, "methods", "semi_global")
	assert.ErrorIs(t, err, algorithms.ErrUnknownMethod)
}

func TestCalibrateNeedsTwoPairs(t *testing.T) {
	dir := t.TempDir()
	_, err := runCLI(t, "calibrate", "-o", filepath.Join(dir, "c.yaml"),
		filepath.Join(dir, "l.png"), filepath.Join(dir, "r.png"))
	assert.ErrorIs(t, err, calib.ErrTooFewPairs)
	assert.NoFileExists(t, filepath.Join(dir, "c.yaml"))
}

func TestInvalidConfigIsReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[logging]\nformat = \"xml\"\n"), 0o644))
	_, err := runCLI(t, "--config", path, "methods")
	assert.ErrorIs(t, err, config.ErrInvalid)
}

// writeShiftedPair writes a random texture and a copy shifted four pixels to
// the left.
func writeShiftedPair(t *testing.T, dir string) (string, string) {
	t.Helper()
	left := gocv.NewMatWithSize(48, 128, gocv.MatTypeCV8UC1)
	defer left.Close()
	gocv.RandU(&left, gocv.NewScalar(0, 0, 0, 0), gocv.NewScalar(255, 0, 0, 0))
	right := gocv.NewMat()
	defer right.Close()
	require.NoError(t, gocv.WarpAffine(left, &right, translation(t, -4), image.Pt(128, 48)))

	lp, rp := filepath.Join(dir, "l.png"), filepath.Join(dir, "r.png")
	require.True(t, gocv.IMWrite(lp, left))
	require.True(t, gocv.IMWrite(rp, right))
	return lp, rp
}

func TestDisparityWithoutCalibration(t *testing.T) {
	dir := t.TempDir()
	lp, rp := writeShiftedPair(t, dir)

	outDir := filepath.Join(dir, "out")
	out, err := runCLI(t, "disparity", "-o", outDir, "--calibration", "", lp, rp)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(outDir, "disparity_000.png"))
	assert.Contains(t, out, "valid_ratio")
	assert.True(t, strings.Contains(out, "disparity") && strings.Contains(out, "Stage"))
}

func TestWatchOnce(t *testing.T) {
	dir := t.TempDir()
	lp, rp := writeShiftedPair(t, dir)
	outPath := filepath.Join(dir, "latest.png")

	out, err := runCLI(t, "watch", "--once", "-o", outPath, lp, rp)
	require.NoError(t, err)
	assert.FileExists(t, outPath)
	assert.Contains(t, out, "Stage")
}

func translation(t *testing.T, dx float64) gocv.Mat {
	t.Helper()
	m := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)
	t.Cleanup(func() { m.Close() })
	m.SetDoubleAt(0, 0, 1)
	m.SetDoubleAt(0, 1, 0)
	m.SetDoubleAt(0, 2, dx)
	m.SetDoubleAt(1, 0, 0)
	m.SetDoubleAt(1, 1, 1)
	m.SetDoubleAt(1, 2, 0)
	return m
}

func TestRenderTable(t *testing.T) {
	out := renderTable([]string{"A", "B"}, [][]string{{"1"}, {"2", "3"}}, []columnAlignment{alignLeft, alignRight})
	assert.Contains(t, out, "A")
	assert.Contains(t, out, "3")
	assert.Empty(t, renderTable(nil, nil, nil))
}

func TestAlignmentErrorFollowsOrientation(t *testing.T) {
	// A vertical rig keeps columns aligned; rows differ by the disparity.
	left := []r2.Point{{X: 10, Y: 40}, {X: 30, Y: 90}}
	right := []r2.Point{{X: 10.5, Y: 25}, {X: 29, Y: 70}}

	mean, max := alignmentError(left, right, true)
	assert.InDelta(t, 0.75, mean, 1e-12)
	assert.InDelta(t, 1.0, max, 1e-12)

	mean, max = alignmentError(left, right, false)
	assert.InDelta(t, 17.5, mean, 1e-12)
	assert.InDelta(t, 20.0, max, 1e-12)
}

func TestRectifiedAlignmentErrorNeedsCalibration(t *testing.T) {
	model := rectify.NewModel()
	defer model.Close()
	_, _, err := rectifiedAlignmentError(model, nil)
	assert.ErrorIs(t, err, rectify.ErrNotCalibrated)
}
