// Sum of absolute differences block matching
package algorithms

import (
	"encoding/binary"
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"

	imgio "stereolab/internal/io"
)

// BlockMatchingName is the registry name of the SAD block matcher.
const BlockMatchingName = "block_matching"

// BlockMatching finds, for every left pixel, the horizontal shift into the
// right image with the lowest mean absolute difference over a square window.
type BlockMatching struct {
	*BaseParams
}

// NewBlockMatching creates a block matcher with default parameters.
func NewBlockMatching() *BlockMatching {
	return &BlockMatching{
		BaseParams: NewBaseParams(blockMatchingInfo(), checkBlockMatching),
	}
}

func blockMatchingInfo() []ParameterInfo {
	return append([]ParameterInfo{
		{
			Name:        "block_size",
			Type:        "int",
			Min:         3.0,
			Max:         51.0,
			Default:     9.0,
			Description: "Side of the matching window (must be odd)",
		},
		{
			Name:        "num_disparities",
			Type:        "int",
			Min:         1.0,
			Max:         256.0,
			Default:     64.0,
			Description: "Number of disparities searched",
		},
		{
			Name:        "min_disparity",
			Type:        "int",
			Min:         0.0,
			Max:         128.0,
			Default:     0.0,
			Description: "Smallest disparity searched",
		},
		{
			Name:        "uniqueness_ratio",
			Type:        "float",
			Min:         0.0,
			Max:         100.0,
			Default:     10.0,
			Description: "Percent margin the best match must win by",
		},
		{
			Name:        "texture_threshold",
			Type:        "float",
			Min:         0.0,
			Max:         255.0,
			Default:     2.0,
			Description: "Minimum mean horizontal gradient inside the window",
		},
		{
			Name:        "subpixel",
			Type:        "bool",
			Default:     true,
			Description: "Refine disparities with a parabola fit",
		},
	}, prefilterInfo()...)
}

func checkBlockMatching(p Params) error {
	if bs, _ := toFloat(p["block_size"]); int(bs)%2 == 0 {
		return fmt.Errorf("%w: block_size must be odd, got %v", ErrInvalidParameter, bs)
	}
	if ks, _ := toFloat(p["prefilter_size"]); int(ks)%2 == 0 {
		return fmt.Errorf("%w: prefilter_size must be odd, got %v", ErrInvalidParameter, ks)
	}
	return nil
}

func (bm *BlockMatching) Name() string {
	return BlockMatchingName
}

func (bm *BlockMatching) Description() string {
	return "SAD block matching on grayscale images"
}

func (bm *BlockMatching) Close() error {
	return nil
}

type bmConfig struct {
	blockSize  int
	minDisp    int
	numDisp    int
	uniqueness float64
	texture    float64
	subpixel   bool
	prefilter  string
	kernelSize int
}

func (bm *BlockMatching) config() bmConfig {
	p := bm.Parameters()
	f := func(k string) float64 { v, _ := toFloat(p[k]); return v }
	sub, _ := p["subpixel"].(bool)
	pre, _ := p["prefilter"].(string)
	return bmConfig{
		blockSize:  int(f("block_size")),
		minDisp:    int(f("min_disparity")),
		numDisp:    int(f("num_disparities")),
		uniqueness: f("uniqueness_ratio"),
		texture:    f("texture_threshold"),
		subpixel:   sub,
		prefilter:  pre,
		kernelSize: int(f("prefilter_size")),
	}
}

func (bm *BlockMatching) Compute(left, right gocv.Mat) (Disparity, error) {
	if left.Empty() || right.Empty() {
		return Disparity{}, fmt.Errorf("%w: empty image", ErrInvalidInput)
	}
	if left.Rows() != right.Rows() || left.Cols() != right.Cols() {
		return Disparity{}, fmt.Errorf("%w: left is %dx%d, right is %dx%d",
			ErrInvalidInput, left.Cols(), left.Rows(), right.Cols(), right.Rows())
	}
	cfg := bm.config()

	grayL, err := prepare(left, cfg)
	if err != nil {
		return Disparity{}, err
	}
	defer grayL.Close()
	grayR, err := prepare(right, cfg)
	if err != nil {
		return Disparity{}, err
	}
	defer grayR.Close()

	w, h := grayL.Cols(), grayL.Rows()
	n := w * h
	best := make([]float32, n)
	bestD := make([]int, n)
	for i := range best {
		best[i] = float32(math.Inf(1))
		bestD[i] = math.MinInt32
	}

	// First pass finds the winning disparity per pixel.
	err = bm.sweep(grayL, grayR, cfg, func(d int, x0, x1 int, cost []float32) {
		cw := x1 - x0
		for y := 0; y < h; y++ {
			for x := x0; x < x1; x++ {
				c := cost[y*cw+x-x0]
				if i := y*w + x; c < best[i] {
					best[i], bestD[i] = c, d
				}
			}
		}
	})
	if err != nil {
		return Disparity{}, err
	}

	// Second pass looks at the competitors: the best cost among disparities
	// not adjacent to the winner, and the two neighbours for refinement.
	rival := make([]float32, n)
	prev := make([]float32, n)
	next := make([]float32, n)
	for i := range rival {
		rival[i] = float32(math.Inf(1))
		prev[i] = float32(math.Inf(1))
		next[i] = float32(math.Inf(1))
	}
	err = bm.sweep(grayL, grayR, cfg, func(d int, x0, x1 int, cost []float32) {
		cw := x1 - x0
		for y := 0; y < h; y++ {
			for x := x0; x < x1; x++ {
				i := y*w + x
				c := cost[y*cw+x-x0]
				switch d - bestD[i] {
				case 0:
				case -1:
					prev[i] = c
				case 1:
					next[i] = c
				default:
					if c < rival[i] {
						rival[i] = c
					}
				}
			}
		}
	})
	if err != nil {
		return Disparity{}, err
	}

	texture, err := textureMap(grayL, cfg.blockSize)
	if err != nil {
		return Disparity{}, err
	}

	out := make([]float32, n)
	lo, hi := math.Inf(1), math.Inf(-1)
	margin := float32(1 + cfg.uniqueness/100)
	for i := range out {
		out[i] = InvalidDisparity
		if bestD[i] == math.MinInt32 || float64(texture[i]) < cfg.texture {
			continue
		}
		if cfg.uniqueness > 0 && rival[i] <= best[i]*margin {
			continue
		}
		d := float64(bestD[i])
		if cfg.subpixel && !math.IsInf(float64(prev[i]), 1) && !math.IsInf(float64(next[i]), 1) {
			denom := float64(prev[i]) - 2*float64(best[i]) + float64(next[i])
			if denom > 0 {
				d += (float64(prev[i]) - float64(next[i])) / (2 * denom)
			}
		}
		if d < 0 {
			d = 0
		}
		out[i] = float32(d)
		lo, hi = math.Min(lo, d), math.Max(hi, d)
	}
	if math.IsInf(lo, 1) {
		lo, hi = 0, 0
	}

	m, err := float32Mat(h, w, out)
	if err != nil {
		return Disparity{}, err
	}
	return Disparity{Map: m, Min: lo, Max: hi}, nil
}

// prepare converts img to gray and applies the configured prefilter.
func prepare(img gocv.Mat, cfg bmConfig) (gocv.Mat, error) {
	gray, err := imgio.ToGray(img)
	if err != nil {
		return gocv.NewMat(), err
	}
	if cfg.prefilter == "" || cfg.prefilter == PrefilterNone {
		return gray, nil
	}
	defer gray.Close()
	return applyPrefilter(cfg.prefilter, cfg.kernelSize, gray)
}

// sweep computes the window-averaged absolute difference for each disparity
// and hands the overlapping columns [x0, x1) of the left image to visit.
func (bm *BlockMatching) sweep(left, right gocv.Mat, cfg bmConfig, visit func(d, x0, x1 int, cost []float32)) error {
	w, h := left.Cols(), left.Rows()
	ksize := image.Pt(cfg.blockSize, cfg.blockSize)
	for d := cfg.minDisp; d < cfg.minDisp+cfg.numDisp; d++ {
		x0, x1 := max(0, d), min(w, w+d)
		if x1-x0 < 1 {
			continue
		}
		lroi := left.Region(image.Rect(x0, 0, x1, h))
		rroi := right.Region(image.Rect(x0-d, 0, x1-d, h))

		cost, err := windowCost(lroi, rroi, ksize)
		lroi.Close()
		rroi.Close()
		if err != nil {
			return fmt.Errorf("matching cost at disparity %d: %w", d, err)
		}

		data, err := cost.DataPtrFloat32()
		if err != nil {
			cost.Close()
			return fmt.Errorf("read matching cost: %w", err)
		}
		visit(d, x0, x1, data)
		cost.Close()
	}
	return nil
}

// windowCost returns the CV_32F window mean of |left - right|.
func windowCost(left, right gocv.Mat, ksize image.Point) (gocv.Mat, error) {
	diff := gocv.NewMat()
	defer diff.Close()
	if err := gocv.AbsDiff(left, right, &diff); err != nil {
		return gocv.NewMat(), err
	}
	diffF := gocv.NewMat()
	defer diffF.Close()
	if err := diff.ConvertTo(&diffF, gocv.MatTypeCV32F); err != nil {
		return gocv.NewMat(), err
	}
	cost := gocv.NewMat()
	if err := gocv.BoxFilter(diffF, &cost, -1, ksize); err != nil {
		cost.Close()
		return gocv.NewMat(), err
	}
	return cost, nil
}

// textureMap returns the window mean of the absolute horizontal gradient.
func textureMap(gray gocv.Mat, blockSize int) ([]float32, error) {
	grad := gocv.NewMat()
	defer grad.Close()
	if err := gocv.Sobel(gray, &grad, gocv.MatTypeCV32F, 1, 0, 3, 1, 0, gocv.BorderDefault); err != nil {
		return nil, fmt.Errorf("texture gradient: %w", err)
	}

	abs := gocv.NewMat()
	defer abs.Close()
	if err := gocv.ConvertScaleAbs(grad, &abs, 1, 0); err != nil {
		return nil, fmt.Errorf("texture gradient: %w", err)
	}

	absF := gocv.NewMat()
	defer absF.Close()
	if err := abs.ConvertTo(&absF, gocv.MatTypeCV32F); err != nil {
		return nil, fmt.Errorf("texture gradient: %w", err)
	}

	mean := gocv.NewMat()
	defer mean.Close()
	if err := gocv.BoxFilter(absF, &mean, -1, image.Pt(blockSize, blockSize)); err != nil {
		return nil, fmt.Errorf("texture window: %w", err)
	}

	data, err := mean.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read texture: %w", err)
	}
	return append([]float32(nil), data...), nil
}

func float32Mat(rows, cols int, values []float32) (gocv.Mat, error) {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	view, err := gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV32FC1, buf)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer view.Close()
	return view.Clone(), nil
}
