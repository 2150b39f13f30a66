// Concrete implementations of disparity quality metrics
package metrics

import (
	"fmt"
	"math"

	"gocv.io/x/gocv"

	"stereolab/internal/algorithms"
	imgio "stereolab/internal/io"
)

// ValidRatio is the share of pixels that received a disparity.
type ValidRatio struct{}

func NewValidRatio() *ValidRatio {
	return &ValidRatio{}
}

func (v *ValidRatio) Calculate(_, _ gocv.Mat, d algorithms.Disparity) (float64, error) {
	if d.Map.Empty() {
		return 0, ErrNoDisparity
	}
	return DisparityStats(d).ValidRatio, nil
}

func (v *ValidRatio) GetName() string              { return "Valid Ratio" }
func (v *ValidRatio) GetDescription() string       { return "Fraction of pixels with a valid disparity" }
func (v *ValidRatio) GetRange() (float64, float64) { return 0, 1 }
func (v *ValidRatio) IsHigherBetter() bool         { return true }

// MeanDisparity is the average over valid pixels.
type MeanDisparity struct{}

func NewMeanDisparity() *MeanDisparity {
	return &MeanDisparity{}
}

func (m *MeanDisparity) Calculate(_, _ gocv.Mat, d algorithms.Disparity) (float64, error) {
	s := DisparityStats(d)
	if s.Valid == 0 {
		return 0, ErrNoDisparity
	}
	return s.Mean, nil
}

func (m *MeanDisparity) GetName() string              { return "Mean Disparity" }
func (m *MeanDisparity) GetDescription() string       { return "Average disparity of valid pixels" }
func (m *MeanDisparity) GetRange() (float64, float64) { return 0, math.Inf(1) }
func (m *MeanDisparity) IsHigherBetter() bool         { return false }

// PhotometricMSE warps the right image onto the left one through the
// disparity map and measures the mean squared intensity error.
type PhotometricMSE struct{}

func NewPhotometricMSE() *PhotometricMSE {
	return &PhotometricMSE{}
}

func (p *PhotometricMSE) Calculate(left, right gocv.Mat, d algorithms.Disparity) (float64, error) {
	mse, _, err := warpError(left, right, d)
	return mse, err
}

func (p *PhotometricMSE) GetName() string { return "Photometric MSE" }
func (p *PhotometricMSE) GetDescription() string {
	return "Mean squared error of the disparity-warped right image"
}
func (p *PhotometricMSE) GetRange() (float64, float64) { return 0, 65025 }
func (p *PhotometricMSE) IsHigherBetter() bool         { return false }

// PhotometricPSNR expresses PhotometricMSE as a peak signal-to-noise ratio.
type PhotometricPSNR struct{}

func NewPhotometricPSNR() *PhotometricPSNR {
	return &PhotometricPSNR{}
}

func (p *PhotometricPSNR) Calculate(left, right gocv.Mat, d algorithms.Disparity) (float64, error) {
	mse, _, err := warpError(left, right, d)
	if err != nil {
		return 0, err
	}
	if mse == 0 {
		return math.Inf(1), nil
	}
	return 20 * math.Log10(255/math.Sqrt(mse)), nil
}

func (p *PhotometricPSNR) GetName() string { return "Photometric PSNR" }
func (p *PhotometricPSNR) GetDescription() string {
	return "Peak signal-to-noise ratio of the disparity-warped right image"
}
func (p *PhotometricPSNR) GetRange() (float64, float64) { return 0, 100 }
func (p *PhotometricPSNR) IsHigherBetter() bool         { return true }

// warpError compares left(x, y) with right(x - d, y) over every valid pixel
// whose match falls inside the right image. It returns the MSE and the number
// of compared pixels.
func warpError(left, right gocv.Mat, d algorithms.Disparity) (float64, int, error) {
	if left.Empty() || right.Empty() {
		return 0, 0, fmt.Errorf("empty images")
	}
	if d.Map.Empty() || d.Map.Type() != gocv.MatTypeCV32F {
		return 0, 0, ErrNoDisparity
	}
	w, h := left.Cols(), left.Rows()
	if right.Cols() != w || right.Rows() != h || d.Map.Cols() != w || d.Map.Rows() != h {
		return 0, 0, fmt.Errorf("image dimensions mismatch")
	}

	gl, err := imgio.ToGray(left)
	if err != nil {
		return 0, 0, err
	}
	defer gl.Close()
	gr, err := imgio.ToGray(right)
	if err != nil {
		return 0, 0, err
	}
	defer gr.Close()
	lp, err := gl.DataPtrUint8()
	if err != nil {
		return 0, 0, err
	}
	rp, err := gr.DataPtrUint8()
	if err != nil {
		return 0, 0, err
	}
	dp, err := d.Map.DataPtrFloat32()
	if err != nil {
		return 0, 0, err
	}

	var sum float64
	var count int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			disp := dp[y*w+x]
			if disp <= algorithms.InvalidDisparity {
				continue
			}
			xr := int(math.Round(float64(x) - float64(disp)))
			if xr < 0 || xr >= w {
				continue
			}
			diff := float64(lp[y*w+x]) - float64(rp[y*w+xr])
			sum += diff * diff
			count++
		}
	}
	if count == 0 {
		return 0, 0, ErrNoDisparity
	}
	return sum / float64(count), count, nil
}
