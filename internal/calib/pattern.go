// Package calib locates calibration targets in images and runs stereo camera
// calibration over sets of image pairs.
package calib

import (
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gocv.io/x/gocv"

	imgio "stereolab/internal/io"
)

// ErrInvalidPattern is returned for pattern geometry that cannot be detected.
var ErrInvalidPattern = errors.New("invalid calibration pattern")

// Kind selects the calibration target.
type Kind int

const (
	Chessboard Kind = iota
	Circles
	AsymmetricCircles
)

var kindNames = map[Kind]string{
	Chessboard:        "chessboard",
	Circles:           "circles",
	AsymmetricCircles: "asymmetric_circles",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind accepts the names produced by Kind.String, case-insensitively.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown pattern kind %q", ErrInvalidPattern, s)
}

// DetectedPoints are image points of the pattern nodes in row-major grid order.
type DetectedPoints []r2.Point

// Validator may veto a detection, e.g. after showing it to an operator.
// Returning false makes the detection count as not found.
type Validator func(points DetectedPoints) bool

// Pattern describes a planar calibration target. It is immutable.
type Pattern struct {
	kind           Kind
	width          int
	height         int
	spacing        float64
	maxScaleLevel  int
	scaleIncrement float64
}

// NewPattern validates and builds a pattern. width and height count grid nodes
// (inner corners for a chessboard, circles for circle grids).
func NewPattern(kind Kind, width, height int, spacing float64, maxScaleLevel int, scaleIncrement float64) (Pattern, error) {
	if _, ok := kindNames[kind]; !ok {
		return Pattern{}, fmt.Errorf("%w: unknown kind %d", ErrInvalidPattern, int(kind))
	}
	if width < 2 || height < 2 {
		return Pattern{}, fmt.Errorf("%w: grid %dx%d, need at least 2x2", ErrInvalidPattern, width, height)
	}
	if spacing <= 0 {
		return Pattern{}, fmt.Errorf("%w: spacing %g must be positive", ErrInvalidPattern, spacing)
	}
	if maxScaleLevel < 0 {
		return Pattern{}, fmt.Errorf("%w: negative max scale level %d", ErrInvalidPattern, maxScaleLevel)
	}
	if maxScaleLevel > 0 && scaleIncrement <= 0 {
		return Pattern{}, fmt.Errorf("%w: scale increment %g must be positive", ErrInvalidPattern, scaleIncrement)
	}
	return Pattern{
		kind:           kind,
		width:          width,
		height:         height,
		spacing:        spacing,
		maxScaleLevel:  maxScaleLevel,
		scaleIncrement: scaleIncrement,
	}, nil
}

func (p Pattern) Kind() Kind              { return p.kind }
func (p Pattern) Width() int              { return p.width }
func (p Pattern) Height() int             { return p.height }
func (p Pattern) Spacing() float64        { return p.spacing }
func (p Pattern) MaxScaleLevel() int      { return p.maxScaleLevel }
func (p Pattern) ScaleIncrement() float64 { return p.scaleIncrement }
func (p Pattern) GridSize() image.Point   { return image.Pt(p.width, p.height) }
func (p Pattern) Size() int               { return p.width * p.height }

// ScaleAt returns the upscale factor tried at a search level.
func (p Pattern) ScaleAt(level int) float64 {
	if level <= 0 {
		return 1
	}
	return 1 + float64(level)*p.scaleIncrement
}

// Coordinates returns the nodes on the Z=0 plane, row-major, in units of the
// pattern spacing. Odd rows of an asymmetric grid are offset by one spacing.
func (p Pattern) Coordinates() []r3.Vector {
	out := make([]r3.Vector, 0, p.Size())
	for i := 0; i < p.height; i++ {
		for j := 0; j < p.width; j++ {
			x := float64(j) * p.spacing
			if p.kind == AsymmetricCircles {
				x = float64(2*j+i%2) * p.spacing
			}
			out = append(out, r3.Vector{X: x, Y: float64(i) * p.spacing})
		}
	}
	return out
}

// FindInImage searches img for the pattern, upscaling it level by level until
// a detection succeeds. Points are returned in the coordinates of img. Color
// input is converted to gray; empty input is simply not found.
func (p Pattern) FindInImage(img gocv.Mat, validate Validator) (DetectedPoints, bool) {
	if img.Empty() {
		return nil, false
	}
	gray, err := imgio.ToGray(img)
	if err != nil {
		return nil, false
	}
	defer gray.Close()

	for level := 0; level <= p.maxScaleLevel; level++ {
		scale := p.ScaleAt(level)
		points, ok := p.findAtScale(gray, scale)
		if !ok {
			continue
		}
		if validate != nil && !validate(points) {
			return nil, false
		}
		return points, true
	}
	return nil, false
}

// findAtScale runs one detection attempt on gray upscaled by scale and maps the
// result back to gray's pixel grid.
func (p Pattern) findAtScale(gray gocv.Mat, scale float64) (DetectedPoints, bool) {
	work := gray
	if scale != 1 {
		work = gocv.NewMat()
		defer work.Close()
		if err := gocv.Resize(gray, &work, image.Point{}, scale, scale, gocv.InterpolationCubic); err != nil {
			return nil, false
		}
	}

	var points []r2.Point
	var ok bool
	switch p.kind {
	case Chessboard:
		points, ok = findChessboard(work, p.GridSize())
	case Circles:
		points, ok = findCircleGrid(work, p.width, p.height, false)
	case AsymmetricCircles:
		points, ok = findCircleGrid(work, p.width, p.height, true)
	}
	if !ok || len(points) != p.Size() {
		return nil, false
	}

	if scale != 1 {
		points = rescalePoints(points, 1/scale)
	}
	if p.kind == Chessboard {
		points = refineCorners(gray, points, p.width)
	}
	return points, true
}

func rescalePoints(points []r2.Point, factor float64) []r2.Point {
	out := make([]r2.Point, len(points))
	for i, pt := range points {
		out[i] = pt.Mul(factor)
	}
	return out
}
