package metrics

import (
	"errors"
	"math"

	"github.com/golang/geo/r2"
	"github.com/montanaflynn/stats"
	"gocv.io/x/gocv"

	"stereolab/internal/algorithms"
)

// ErrNoDisparity is returned for empty or non-float disparity maps.
var ErrNoDisparity = errors.New("no disparity map")

// Stats summarises the valid pixels of a disparity map.
type Stats struct {
	Width      int
	Height     int
	Valid      int
	ValidRatio float64
	Mean       float64
	Median     float64
	Min        float64
	Max        float64
}

// DisparityStats scans d. Pixels equal to algorithms.InvalidDisparity or
// below it are not counted. An empty map yields zero Stats.
func DisparityStats(d algorithms.Disparity) Stats {
	values, w, h, err := validValues(d)
	s := Stats{Width: w, Height: h, Valid: len(values)}
	if err != nil || len(values) == 0 {
		return s
	}
	s.ValidRatio = float64(len(values)) / float64(w*h)
	s.Mean, _ = stats.Mean(values)
	s.Median, _ = stats.Median(values)
	s.Min, _ = stats.Min(values)
	s.Max, _ = stats.Max(values)
	return s
}

func validValues(d algorithms.Disparity) ([]float64, int, int, error) {
	if d.Map.Empty() || d.Map.Type() != gocv.MatTypeCV32F {
		return nil, 0, 0, ErrNoDisparity
	}
	w, h := d.Map.Cols(), d.Map.Rows()
	data, err := d.Map.DataPtrFloat32()
	if err != nil {
		return nil, w, h, err
	}
	values := make([]float64, 0, len(data))
	for _, v := range data {
		if v > algorithms.InvalidDisparity && !math.IsNaN(float64(v)) {
			values = append(values, float64(v))
		}
	}
	return values, w, h, nil
}

// RowAlignment measures how far corresponding points of a rectified pair sit
// from a common row. Extra points on either side are ignored.
func RowAlignment(leftPts, rightPts []r2.Point) (mean, max float64) {
	n := len(leftPts)
	if len(rightPts) < n {
		n = len(rightPts)
	}
	if n == 0 {
		return 0, 0
	}
	diffs := make([]float64, n)
	for i := 0; i < n; i++ {
		diffs[i] = math.Abs(leftPts[i].Y - rightPts[i].Y)
	}
	mean, _ = stats.Mean(diffs)
	max, _ = stats.Max(diffs)
	return mean, max
}
