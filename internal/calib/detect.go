package calib

import (
	"encoding/binary"
	"image"
	"math"

	"github.com/golang/geo/r2"
	"gocv.io/x/gocv"
)

const (
	subPixWindow     = 11
	subPixIterations = 30
	subPixEpsilon    = 0.01
)

func findChessboard(gray gocv.Mat, size image.Point) ([]r2.Point, bool) {
	corners := gocv.NewMat()
	defer corners.Close()

	flags := gocv.CalibCBAdaptiveThresh | gocv.CalibCBNormalizeImage
	if !gocv.FindChessboardCorners(gray, size, &corners, flags) {
		return nil, false
	}
	points := matToPoints(corners)
	if len(points) != size.X*size.Y {
		return nil, false
	}
	return points, true
}

// refineCorners runs sub-pixel refinement on gray. The window shrinks for
// small squares so that it never spans a neighbouring corner.
func refineCorners(gray gocv.Mat, points []r2.Point, width int) []r2.Point {
	win := subPixWindow
	if spacing := minRowSpacing(points, width); spacing > 0 {
		if w := int(spacing / 3); w < win {
			win = w
		}
	}
	if win < 2 {
		return points
	}

	corners, err := pointsToMat(points)
	if err != nil {
		return points
	}
	defer corners.Close()

	criteria := gocv.NewTermCriteria(gocv.Count|gocv.EPS, subPixIterations, subPixEpsilon)
	if err := gocv.CornerSubPix(gray, &corners, image.Pt(win, win), image.Pt(-1, -1), criteria); err != nil {
		return points
	}

	refined := matToPoints(corners)
	if len(refined) != len(points) {
		return points
	}
	return refined
}

func minRowSpacing(points []r2.Point, width int) float64 {
	best := math.Inf(1)
	for i := 1; i < len(points); i++ {
		if i%width == 0 {
			continue
		}
		if d := points[i].Sub(points[i-1]).Norm(); d < best {
			best = d
		}
	}
	if math.IsInf(best, 1) {
		return 0
	}
	return best
}

func findCircleGrid(gray gocv.Mat, width, height int, asymmetric bool) ([]r2.Point, bool) {
	detector := gocv.NewSimpleBlobDetector()
	defer detector.Close()

	keypoints := detector.Detect(gray)
	centers := make([]r2.Point, len(keypoints))
	for i, kp := range keypoints {
		centers[i] = r2.Point{X: kp.X, Y: kp.Y}
	}
	return assembleGrid(centers, width, height, asymmetric)
}

// matToPoints reads an Nx1 CV_32FC2 point list.
func matToPoints(m gocv.Mat) []r2.Point {
	if m.Empty() {
		return nil
	}
	data, err := m.DataPtrFloat32()
	if err != nil {
		return nil
	}
	out := make([]r2.Point, len(data)/2)
	for i := range out {
		out[i] = r2.Point{X: float64(data[2*i]), Y: float64(data[2*i+1])}
	}
	return out
}

// pointsToMat builds an Nx1 CV_32FC2 Mat owning its own copy of the data.
func pointsToMat(points []r2.Point) (gocv.Mat, error) {
	buf := make([]byte, len(points)*8)
	for i, p := range points {
		binary.LittleEndian.PutUint32(buf[8*i:], math.Float32bits(float32(p.X)))
		binary.LittleEndian.PutUint32(buf[8*i+4:], math.Float32bits(float32(p.Y)))
	}
	view, err := gocv.NewMatFromBytes(len(points), 1, gocv.MatTypeCV32FC2, buf)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer view.Close()
	return view.Clone(), nil
}
