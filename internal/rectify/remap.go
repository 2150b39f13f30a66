package rectify

import (
	"fmt"
	"image"

	"github.com/golang/geo/r2"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"stereolab/internal/camera"
)

// denseMat copies the top-left rows x cols block of m into a CV_64FC1 Mat.
func denseMat(m mat.Matrix, rows, cols int) gocv.Mat {
	out := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV64FC1)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.SetDoubleAt(i, j, m.At(i, j))
		}
	}
	return out
}

func distortionMat(d camera.Distortion) gocv.Mat {
	out := gocv.NewMatWithSize(1, len(d), gocv.MatTypeCV64FC1)
	for i, v := range d {
		out.SetDoubleAt(0, i, v)
	}
	return out
}

// cameraMats holds one camera's intrinsics, distortion, rectifying rotation and
// rectified intrinsics (the left 3x3 block of its projection matrix).
type cameraMats struct {
	k, dist, rot, newK gocv.Mat
}

func newCameraMats(cam camera.Camera, rot, p mat.Matrix) cameraMats {
	return cameraMats{
		k:    denseMat(cam.Matrix(), 3, 3),
		dist: distortionMat(cam.Dist),
		rot:  denseMat(rot, 3, 3),
		newK: denseMat(p, 3, 3),
	}
}

func (c cameraMats) Close() {
	c.k.Close()
	c.dist.Close()
	c.rot.Close()
	c.newK.Close()
}

// buildRemap computes the fixed-point CV_16SC2 / CV_16UC1 remap pair that maps
// every rectified pixel of one camera back into its distorted source image.
func buildRemap(cam camera.Camera, rot, p mat.Matrix, size image.Point) (gocv.Mat, gocv.Mat, error) {
	cm := newCameraMats(cam, rot, p)
	defer cm.Close()

	map1, map2 := gocv.NewMat(), gocv.NewMat()
	err := gocv.InitUndistortRectifyMap(cm.k, cm.dist, cm.rot, cm.newK, size, int(gocv.MatTypeCV16SC2), map1, map2)
	if err == nil && (map1.Empty() || map2.Empty()) {
		err = fmt.Errorf("%w: empty remap table", ErrFormat)
	}
	if err != nil {
		map1.Close()
		map2.Close()
		return gocv.NewMat(), gocv.NewMat(), err
	}
	return map1, map2, nil
}

// undistortPoints maps distorted pixels of cam through rot into the image of
// the rectified camera p.
func undistortPoints(cam camera.Camera, rot, p mat.Matrix, pts []r2.Point) ([]r2.Point, error) {
	if len(pts) == 0 {
		return []r2.Point{}, nil
	}
	cm := newCameraMats(cam, rot, p)
	defer cm.Close()

	flat := gocv.NewMatWithSize(len(pts), 2, gocv.MatTypeCV64FC1)
	defer flat.Close()
	for i, pt := range pts {
		flat.SetDoubleAt(i, 0, pt.X)
		flat.SetDoubleAt(i, 1, pt.Y)
	}
	src := flat.Reshape(2, len(pts))
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	if err := gocv.UndistortPoints(src, &dst, cm.k, cm.dist, cm.rot, cm.newK); err != nil {
		return nil, fmt.Errorf("undistort points: %w", err)
	}
	data, err := dst.DataPtrFloat64()
	if err != nil {
		return nil, fmt.Errorf("undistort points: %w", err)
	}
	if len(data) != 2*len(pts) {
		return nil, fmt.Errorf("undistort points: got %d values for %d points", len(data), len(pts))
	}
	out := make([]r2.Point, len(pts))
	for i := range out {
		out[i] = r2.Point{X: data[2*i], Y: data[2*i+1]}
	}
	return out, nil
}
