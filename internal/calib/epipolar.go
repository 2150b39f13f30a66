package calib

import (
	"gonum.org/v1/gonum/mat"

	"stereolab/internal/camera"
)

// meanEpipolarError undistorts every correspondence into its own camera and
// averages, over all points, the summed distances of each point to the
// epipolar line induced by its partner.
func meanEpipolarError(obs []Observation, left, right camera.Camera, f mat.Matrix) float64 {
	var sum float64
	var count int
	for _, o := range obs {
		ul := left.UndistortPoints(o.Left, nil, left.Matrix())
		ur := right.UndistortPoints(o.Right, nil, right.Matrix())
		for k := range ul {
			lineInRight := camera.EpipolarLine(f, ul[k], true)
			lineInLeft := camera.EpipolarLine(f, ur[k], false)
			sum += lineInRight.Distance(ur[k]) + lineInLeft.Distance(ul[k])
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}
