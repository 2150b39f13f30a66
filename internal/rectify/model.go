package rectify

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"stereolab/internal/camera"
	imgio "stereolab/internal/io"
	"stereolab/internal/signal"
)

// snapshot is one generation of raw and derived parameters. It is never
// modified after construction.
type snapshot struct {
	raw     RawParameters
	derived Derived
	cams    [2]camera.Camera
	maps    [2][2]gocv.Mat
}

func (s *snapshot) close() error {
	var err error
	for _, pair := range s.maps {
		for _, m := range pair {
			err = multierr.Append(err, m.Close())
		}
	}
	return err
}

// Model owns the current calibration. Readers see either the old or the new
// generation in full, never a mix.
type Model struct {
	mu      sync.RWMutex
	current *snapshot
	changed *signal.Signal
	logger  logrus.FieldLogger
}

// ModelOption configures a Model.
type ModelOption func(*Model)

func WithLogger(logger logrus.FieldLogger) ModelOption {
	return func(m *Model) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewModel creates an uncalibrated model.
func NewModel(opts ...ModelOption) *Model {
	m := &Model{
		changed: signal.New(),
		logger:  imgio.DiscardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithField("component", "rectify")
	return m
}

// Changed is emitted after every calibration change, including Reset.
func (m *Model) Changed() *signal.Signal {
	return m.changed
}

func buildSnapshot(raw RawParameters) (*snapshot, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}
	raw = raw.Clone()
	derived, err := deriveRectification(raw)
	if err != nil {
		return nil, err
	}
	cams, err := raw.Cameras()
	if err != nil {
		return nil, err
	}
	s := &snapshot{raw: raw, derived: derived, cams: cams}
	rots := [2]*mat.Dense{derived.R1, derived.R2}
	projs := [2]*mat.Dense{derived.P1, derived.P2}
	for i := range s.maps {
		m1, m2, err := buildRemap(cams[i], rots[i], projs[i], raw.ImageSize)
		if err != nil {
			_ = s.close()
			return nil, fmt.Errorf("build remap for %s camera: %w", Side(i), err)
		}
		s.maps[i] = [2]gocv.Mat{m1, m2}
	}
	return s, nil
}

// SetRaw installs raw parameters, deriving rectification before the new
// generation becomes visible. On error the model is unchanged.
func (m *Model) SetRaw(raw RawParameters) error {
	next, err := buildSnapshot(raw)
	if err != nil {
		return err
	}
	m.swap(next)

	m.logger.WithFields(logrus.Fields{
		"width":    raw.ImageSize.X,
		"height":   raw.ImageSize.Y,
		"vertical": next.derived.Vertical,
		"roi1":     next.derived.ROI1.String(),
		"roi2":     next.derived.ROI2.String(),
	}).Info("Rectification updated")
	return nil
}

func (m *Model) swap(next *snapshot) {
	m.mu.Lock()
	prev := m.current
	m.current = next
	m.mu.Unlock()

	if prev != nil {
		if err := prev.close(); err != nil {
			m.logger.WithError(err).Warn("Failed to release previous remap tables")
		}
	}
	m.changed.Emit()
}

// Load reads a calibration document and installs it.
func (m *Model) Load(r io.Reader) error {
	raw, err := decodeRaw(r)
	if err != nil {
		return err
	}
	return m.SetRaw(raw)
}

// LoadFile is Load on a file.
func (m *Model) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open calibration: %w", err)
	}
	defer f.Close()
	if err := m.Load(f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	m.logger.WithField("path", path).Info("Calibration loaded")
	return nil
}

// Save writes the raw parameters. Derived values are not persisted.
func (m *Model) Save(w io.Writer) error {
	raw, ok := m.Raw()
	if !ok {
		return ErrNotCalibrated
	}
	return encodeRaw(w, raw)
}

// SaveFile writes the calibration to path.
func (m *Model) SaveFile(path string) error {
	var buf bytes.Buffer
	if err := m.Save(&buf); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write calibration: %w", err)
	}
	m.logger.WithField("path", path).Info("Calibration saved")
	return nil
}

// Valid reports whether a calibration is installed.
func (m *Model) Valid() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current != nil
}

// Raw returns a copy of the raw parameters.
func (m *Model) Raw() (RawParameters, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return RawParameters{}, false
	}
	return m.current.raw.Clone(), true
}

// Derived returns a copy of the derived parameters.
func (m *Model) Derived() (Derived, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Derived{}, false
	}
	return m.current.derived.Clone(), true
}

// Reset drops the calibration. Rectification becomes a pass-through.
func (m *Model) Reset() {
	m.mu.RLock()
	had := m.current != nil
	m.mu.RUnlock()
	if had {
		m.swap(nil)
	}
}

// Close releases the remap tables. The model is uncalibrated afterwards.
func (m *Model) Close() error {
	m.mu.Lock()
	prev := m.current
	m.current = nil
	m.mu.Unlock()
	if prev == nil {
		return nil
	}
	return prev.close()
}

// RectifyPair remaps both images. Without a calibration, or for empty input,
// copies of the inputs are returned unchanged.
func (m *Model) RectifyPair(left, right gocv.Mat) (gocv.Mat, gocv.Mat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.current
	if s == nil || left.Empty() || right.Empty() {
		return left.Clone(), right.Clone(), nil
	}

	size := s.raw.ImageSize
	for _, img := range []gocv.Mat{left, right} {
		if got := image.Pt(img.Cols(), img.Rows()); got != size {
			return gocv.NewMat(), gocv.NewMat(), fmt.Errorf("%w: got %v, calibrated for %v", ErrSizeMismatch, got, size)
		}
	}

	outL, outR := gocv.NewMat(), gocv.NewMat()
	for i, job := range []struct {
		src gocv.Mat
		dst *gocv.Mat
	}{{left, &outL}, {right, &outR}} {
		err := gocv.Remap(job.src, job.dst, &s.maps[i][0], &s.maps[i][1], gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{})
		if err != nil {
			outL.Close()
			outR.Close()
			return gocv.NewMat(), gocv.NewMat(), fmt.Errorf("remap %s image: %w", Side(i), err)
		}
	}
	return outL, outR, nil
}

// RectifyPoints maps distorted pixel positions of one camera into its
// rectified image.
func (m *Model) RectifyPoints(side Side, pts []r2.Point) ([]r2.Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, ErrNotCalibrated
	}
	d := m.current.derived
	r, p := d.R1, d.P1
	if side == Right {
		r, p = d.R2, d.P2
	}
	return undistortPoints(m.current.cams[side], r, p, pts)
}
