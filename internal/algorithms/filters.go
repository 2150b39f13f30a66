// Smoothing filters applied to both views before matching
package algorithms

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Prefilter names accepted by the "prefilter" parameter.
const (
	PrefilterNone      = "none"
	PrefilterGaussian  = "gaussian"
	PrefilterMedian    = "median"
	PrefilterBilateral = "bilateral"
)

var prefilterOptions = []string{PrefilterNone, PrefilterGaussian, PrefilterMedian, PrefilterBilateral}

// applyPrefilter returns a filtered copy of gray. kernelSize must be odd.
func applyPrefilter(kind string, kernelSize int, gray gocv.Mat) (gocv.Mat, error) {
	if gray.Empty() {
		return gocv.NewMat(), fmt.Errorf("%w: empty image", ErrInvalidInput)
	}
	if kernelSize%2 == 0 {
		kernelSize++
	}

	output := gocv.NewMat()
	var err error
	switch kind {
	case PrefilterNone, "":
		err = gray.CopyTo(&output)
	case PrefilterGaussian:
		// Sigma follows the kernel size as OpenCV does for sigma 0.
		err = gocv.GaussianBlur(gray, &output, image.Pt(kernelSize, kernelSize), 0, 0, gocv.BorderDefault)
	case PrefilterMedian:
		err = gocv.MedianBlur(gray, &output, kernelSize)
	case PrefilterBilateral:
		sigma := float64(kernelSize) * 10
		err = gocv.BilateralFilter(gray, &output, kernelSize, sigma, sigma)
	default:
		output.Close()
		return gocv.NewMat(), fmt.Errorf("%w: unknown prefilter %q", ErrInvalidParameter, kind)
	}
	if err != nil {
		output.Close()
		return gocv.NewMat(), fmt.Errorf("%s prefilter: %w", kind, err)
	}
	return output, nil
}

func prefilterInfo() []ParameterInfo {
	return []ParameterInfo{
		{
			Name:        "prefilter",
			Type:        "enum",
			Default:     PrefilterNone,
			Options:     prefilterOptions,
			Description: "Smoothing applied to both images before matching",
		},
		{
			Name:        "prefilter_size",
			Type:        "int",
			Min:         3.0,
			Max:         21.0,
			Default:     5.0,
			Description: "Kernel size of the prefilter (must be odd)",
		},
	}
}
