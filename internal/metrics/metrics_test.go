package metrics

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"stereolab/internal/algorithms"
)

func disparityFrom(t *testing.T, rows, cols int, values []float32) algorithms.Disparity {
	t.Helper()
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	view, err := gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV32F, buf)
	require.NoError(t, err)
	defer view.Close()
	return algorithms.Disparity{Map: view.Clone()}
}

func grayFrom(t *testing.T, rows, cols int, values []uint8) gocv.Mat {
	t.Helper()
	view, err := gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV8U, values)
	require.NoError(t, err)
	defer view.Close()
	return view.Clone()
}

func TestDisparityStats(t *testing.T) {
	d := disparityFrom(t, 2, 3, []float32{
		-1, 2, 4,
		6, -1, 8,
	})
	defer d.Close()

	s := DisparityStats(d)
	assert.Equal(t, 3, s.Width)
	assert.Equal(t, 2, s.Height)
	assert.Equal(t, 4, s.Valid)
	assert.InDelta(t, 4.0/6.0, s.ValidRatio, 1e-12)
	assert.InDelta(t, 5.0, s.Mean, 1e-12)
	assert.InDelta(t, 5.0, s.Median, 1e-12)
	assert.Equal(t, 2.0, s.Min)
	assert.Equal(t, 8.0, s.Max)
}

func TestDisparityStatsEmpty(t *testing.T) {
	empty := algorithms.Disparity{Map: gocv.NewMat()}
	defer empty.Close()
	assert.Equal(t, Stats{}, DisparityStats(empty))

	allInvalid := disparityFrom(t, 1, 2, []float32{-1, -1})
	defer allInvalid.Close()
	s := DisparityStats(allInvalid)
	assert.Zero(t, s.Valid)
	assert.Zero(t, s.ValidRatio)
}

func TestRowAlignment(t *testing.T) {
	left := []r2.Point{{X: 10, Y: 5}, {X: 20, Y: 7}, {X: 30, Y: 9}}
	right := []r2.Point{{X: 4, Y: 5.5}, {X: 12, Y: 6}, {X: 25, Y: 9}, {X: 1, Y: 100}}

	mean, max := RowAlignment(left, right)
	assert.InDelta(t, 0.5, mean, 1e-12)
	assert.InDelta(t, 1.0, max, 1e-12)

	mean, max = RowAlignment(nil, right)
	assert.Zero(t, mean)
	assert.Zero(t, max)
}

func TestPhotometricMetrics(t *testing.T) {
	// The right row is the left row shifted by two pixels.
	left := grayFrom(t, 1, 6, []uint8{10, 20, 30, 40, 50, 60})
	defer left.Close()
	right := grayFrom(t, 1, 6, []uint8{30, 40, 50, 60, 0, 0})
	defer right.Close()

	exact := disparityFrom(t, 1, 6, []float32{-1, -1, 2, 2, 2, 2})
	defer exact.Close()

	e := NewEvaluator()
	mse, err := e.Calculate("photometric_mse", left, right, exact)
	require.NoError(t, err)
	assert.Zero(t, mse)

	psnr, err := e.Calculate("photometric_psnr", left, right, exact)
	require.NoError(t, err)
	assert.True(t, math.IsInf(psnr, 1))

	off := disparityFrom(t, 1, 6, []float32{-1, -1, 1, 1, 1, 1})
	defer off.Close()
	mse, err = e.Calculate("photometric_mse", left, right, off)
	require.NoError(t, err)
	assert.InDelta(t, 975.0, mse, 1e-9)
}

func TestEvaluator(t *testing.T) {
	e := NewEvaluator()
	assert.Equal(t, []string{"mean_disparity", "photometric_mse", "photometric_psnr", "valid_ratio"}, e.Names())

	info := e.GetMetricInfo()
	assert.True(t, info["valid_ratio"].HigherBetter)
	assert.False(t, info["photometric_mse"].HigherBetter)

	_, err := e.Calculate("ssim", gocv.NewMat(), gocv.NewMat(), algorithms.Disparity{Map: gocv.NewMat()})
	assert.Error(t, err)

	left := grayFrom(t, 1, 3, []uint8{1, 2, 3})
	defer left.Close()
	d := disparityFrom(t, 1, 3, []float32{-1, 0, 0})
	defer d.Close()
	got := e.CalculateAll(left, left, d)
	assert.InDelta(t, 2.0/3.0, got["valid_ratio"], 1e-12)
	assert.Zero(t, got["mean_disparity"])
	assert.Zero(t, got["photometric_mse"])

	empty := algorithms.Disparity{Map: gocv.NewMat()}
	defer empty.Close()
	assert.Empty(t, e.CalculateAll(left, left, empty))
}
