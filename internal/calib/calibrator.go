package calib

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
	"golang.org/x/sync/errgroup"

	"stereolab/internal/camera"
	imgio "stereolab/internal/io"
	"stereolab/internal/rectify"
)

// MinPairs is the number of detected pairs a calibration needs.
const MinPairs = 2

// ErrTooFewPairs is returned when fewer than MinPairs pairs survive detection.
var ErrTooFewPairs = errors.New("too few valid calibration pairs")

// ImageLoader reads calibration images as single channel Mats.
type ImageLoader interface {
	LoadImageGrayscale(path string) (gocv.Mat, error)
}

// SkippedPair records why an input pair did not contribute.
type SkippedPair struct {
	Left   string
	Right  string
	Reason string
}

// Result is the outcome of a successful calibration run.
type Result struct {
	RunID             string
	Raw               rectify.RawParameters
	ReprojectionError float64
	RMS               float64
	Iterations        int
	PairsUsed         int
	PairsTotal        int
	Skipped           []SkippedPair
	// Observations are the detections the solver consumed.
	Observations []Observation
}

type detectFunc func(p Pattern, img gocv.Mat, validate Validator) (DetectedPoints, bool)

// Calibrator runs stereo calibration over image pair files.
type Calibrator struct {
	logger      logrus.FieldLogger
	loader      ImageLoader
	solver      Solver
	criteria    TermCriteria
	parallelism int
	detect      detectFunc
}

// Option configures a Calibrator.
type Option func(*Calibrator)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Calibrator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithLoader(loader ImageLoader) Option {
	return func(c *Calibrator) { c.loader = loader }
}

func WithSolver(solver Solver) Option {
	return func(c *Calibrator) { c.solver = solver }
}

func WithTermCriteria(criteria TermCriteria) Option {
	return func(c *Calibrator) { c.criteria = criteria }
}

// WithParallelism bounds concurrent detection. Values below 1 mean sequential.
func WithParallelism(n int) Option {
	return func(c *Calibrator) { c.parallelism = n }
}

// NewCalibrator builds a calibrator using the LM solver and the gocv loader
// unless overridden.
func NewCalibrator(opts ...Option) *Calibrator {
	c := &Calibrator{
		logger:      imgio.DiscardLogger(),
		criteria:    DefaultTermCriteria(),
		parallelism: runtime.NumCPU(),
		detect: func(p Pattern, img gocv.Mat, validate Validator) (DetectedPoints, bool) {
			return p.FindInImage(img, validate)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("component", "calibrator")
	if c.loader == nil {
		c.loader = imgio.NewImageLoader(c.logger)
	}
	if c.solver == nil {
		c.solver = NewLMSolver(c.logger)
	}
	return c
}

type loadedPair struct {
	left, right       string
	leftImg, rightImg gocv.Mat
	size              image.Point
	leftPts, rightPts DetectedPoints
	found             bool
}

// Calibrate consumes filenames as consecutive (left, right) pairs, detects the
// pattern in both images of every pair and solves for the stereo rig. Pairs
// that fail to load, differ in size or lack a detection are skipped.
func (c *Calibrator) Calibrate(ctx context.Context, filenames []string, pattern Pattern, validate Validator) (*Result, error) {
	runID := uuid.NewString()
	log := c.logger.WithField("run_id", runID)

	if len(filenames)%2 != 0 {
		log.WithField("file", filenames[len(filenames)-1]).Warn("Ignoring unpaired trailing image")
		filenames = filenames[:len(filenames)-1]
	}
	result := &Result{RunID: runID, PairsTotal: len(filenames) / 2}

	pairs, skipped, ref, err := c.loadPairs(ctx, log, filenames)
	defer func() {
		for _, p := range pairs {
			p.leftImg.Close()
			p.rightImg.Close()
		}
	}()
	if err != nil {
		return nil, err
	}
	result.Skipped = skipped

	if err := c.detectPairs(ctx, pairs, pattern, validate); err != nil {
		return nil, err
	}

	var obs []Observation
	for _, p := range pairs {
		if !p.found {
			log.WithFields(logrus.Fields{"left": p.left, "right": p.right}).Warn("Pattern not found, skipping pair")
			result.Skipped = append(result.Skipped, SkippedPair{Left: p.left, Right: p.right, Reason: "pattern not found"})
			continue
		}
		obs = append(obs, Observation{Left: p.leftPts, Right: p.rightPts, ImageSize: p.size})
	}
	if len(obs) < MinPairs {
		return nil, fmt.Errorf("%w: %d of %d pairs usable, need %d", ErrTooFewPairs, len(obs), result.PairsTotal, MinPairs)
	}

	log.WithFields(logrus.Fields{
		"pairs":   len(obs),
		"pattern": pattern.Kind().String(),
		"size":    ref,
	}).Info("Running stereo calibration")

	sr, err := c.solver.StereoCalibrate(ctx, obs, pattern.Coordinates(), ref, c.criteria)
	if err != nil {
		return nil, fmt.Errorf("stereo calibration: %w", err)
	}
	raw, err := rawFromSolve(sr, ref)
	if err != nil {
		return nil, err
	}

	result.Raw = raw
	result.RMS = sr.RMS
	result.Iterations = sr.Iterations
	result.PairsUsed = len(obs)
	result.Observations = obs
	result.ReprojectionError = meanEpipolarError(obs, sr.Left, sr.Right, raw.F)

	log.WithFields(logrus.Fields{
		"rms":            result.RMS,
		"epipolar_error": result.ReprojectionError,
		"pairs_used":     result.PairsUsed,
		"pairs_skipped":  len(result.Skipped),
	}).Info("Calibration finished")
	return result, nil
}

// CalibrateInto calibrates and installs the result into model, which derives
// rectification before this returns.
func (c *Calibrator) CalibrateInto(ctx context.Context, model *rectify.Model, filenames []string, pattern Pattern, validate Validator) (*Result, error) {
	res, err := c.Calibrate(ctx, filenames, pattern, validate)
	if err != nil {
		return nil, err
	}
	if err := model.SetRaw(res.Raw); err != nil {
		return nil, fmt.Errorf("install calibration: %w", err)
	}
	return res, nil
}

func (c *Calibrator) loadPairs(ctx context.Context, log logrus.FieldLogger, filenames []string) ([]*loadedPair, []SkippedPair, image.Point, error) {
	var pairs []*loadedPair
	var skipped []SkippedPair
	var ref image.Point
	haveRef := false

	skip := func(l, r, reason string) {
		log.WithFields(logrus.Fields{"left": l, "right": r, "reason": reason}).Warn("Skipping calibration pair")
		skipped = append(skipped, SkippedPair{Left: l, Right: r, Reason: reason})
	}

	for i := 0; i+1 < len(filenames); i += 2 {
		if err := ctx.Err(); err != nil {
			return pairs, nil, ref, err
		}
		l, r := filenames[i], filenames[i+1]

		leftImg, err := c.loader.LoadImageGrayscale(l)
		if err != nil {
			skip(l, r, err.Error())
			continue
		}
		rightImg, err := c.loader.LoadImageGrayscale(r)
		if err != nil {
			leftImg.Close()
			skip(l, r, err.Error())
			continue
		}

		size := image.Pt(leftImg.Cols(), leftImg.Rows())
		rightSize := image.Pt(rightImg.Cols(), rightImg.Rows())
		reason := ""
		switch {
		case size != rightSize:
			reason = fmt.Sprintf("left image is %v, right image is %v", size, rightSize)
		case haveRef && size != ref:
			reason = fmt.Sprintf("image size %v differs from reference %v", size, ref)
		}
		if reason != "" {
			leftImg.Close()
			rightImg.Close()
			skip(l, r, reason)
			continue
		}
		if !haveRef {
			ref, haveRef = size, true
		}
		pairs = append(pairs, &loadedPair{left: l, right: r, leftImg: leftImg, rightImg: rightImg, size: size})
	}
	return pairs, skipped, ref, nil
}

// detectPairs runs detection left then right for every pair. Without a
// validator pairs are processed concurrently; with one they run in order so
// an operator sees them in sequence.
func (c *Calibrator) detectPairs(ctx context.Context, pairs []*loadedPair, pattern Pattern, validate Validator) error {
	run := func(p *loadedPair) {
		left, ok := c.detect(pattern, p.leftImg, validate)
		if !ok {
			return
		}
		right, ok := c.detect(pattern, p.rightImg, validate)
		if !ok {
			return
		}
		p.leftPts, p.rightPts, p.found = left, right, true
	}

	if validate != nil || c.parallelism <= 1 {
		for _, p := range pairs {
			if err := ctx.Err(); err != nil {
				return err
			}
			run(p)
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for _, p := range pairs {
		p := p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			run(p)
			return nil
		})
	}
	return g.Wait()
}

func rawFromSolve(sr SolveResult, size image.Point) (rectify.RawParameters, error) {
	e := camera.Essential(sr.Stereo.R, sr.Stereo.T)
	f, err := camera.Fundamental(e, sr.Left, sr.Right)
	if err != nil {
		return rectify.RawParameters{}, fmt.Errorf("%w: %v", ErrSolverFailed, err)
	}
	return rectify.RawParameters{
		M1:        sr.Left.Matrix(),
		M2:        sr.Right.Matrix(),
		D1:        sr.Left.Dist.Slice(),
		D2:        sr.Right.Dist.Slice(),
		R:         sr.Stereo.R.Dense(),
		T:         []float64{sr.Stereo.T.X, sr.Stereo.T.Y, sr.Stereo.T.Z},
		E:         e,
		F:         f,
		ImageSize: size,
	}, nil
}
