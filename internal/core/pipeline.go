// Three stage stereo pipeline: source, rectification, disparity
package core

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"gocv.io/x/gocv"

	"stereolab/internal/algorithms"
	imgio "stereolab/internal/io"
	"stereolab/internal/signal"
	"stereolab/internal/source"
)

// ErrClosed is returned by operations on a closed pipeline.
var ErrClosed = errors.New("pipeline closed")

// Rectifier turns a raw pair into a rectified pair. *rectify.Model satisfies it.
type Rectifier interface {
	RectifyPair(left, right gocv.Mat) (gocv.Mat, gocv.Mat, error)
	Changed() *signal.Signal
}

// Stats counts pipeline activity.
type Stats struct {
	Frames   uint64
	Computed uint64
	Dropped  uint64
	Failures uint64
	Sequence uint64
	InFlight bool
	Threaded bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithThreaded runs disparity on a background goroutine.
func WithThreaded(threaded bool) Option {
	return func(p *Pipeline) { p.threaded.Store(threaded) }
}

// WithStageEnabled sets the initial enable flag of a stage.
func WithStageEnabled(s Stage, enabled bool) Option {
	return func(p *Pipeline) { p.initialEnabled[s] = enabled }
}

// Pipeline caches the output of every stage and recomputes downstream stages
// when their inputs change. Disparity, the only expensive stage, may run on
// a background goroutine; at most one such computation is in flight and
// requests arriving meanwhile are dropped.
type Pipeline struct {
	logger   logrus.FieldLogger
	clock    clock.Clock
	recorder *Recorder

	// control serializes triggers so stage computations never interleave.
	control sync.Mutex

	mu             sync.Mutex
	src            source.Source
	rect           Rectifier
	method         algorithms.Method
	disconnect     [numStages]func()
	stages         [numStages]*stage
	initialEnabled [numStages]bool
	closed         bool

	sourceCache *ImagePair
	rectCache   *ImagePair

	disparity    algorithms.Disparity
	hasDisparity bool
	dispSeq      uint64
	dispRequest  uint64
	installed    uint64

	threaded atomic.Bool
	busy     atomic.Bool
	wg       sync.WaitGroup
	// computeMu keeps the method single-entry across inline and worker runs.
	computeMu sync.Mutex

	frames   atomic.Uint64
	computed atomic.Uint64
	dropped  atomic.Uint64
	failures atomic.Uint64
}

// NewPipeline wires src, rect and method together. Nothing is computed until
// the first trigger.
func NewPipeline(src source.Source, rect Rectifier, method algorithms.Method, opts ...Option) *Pipeline {
	p := &Pipeline{
		logger:         imgio.DiscardLogger(),
		clock:          clock.New(),
		initialEnabled: [numStages]bool{true, true, true},
		sourceCache:    NewImagePair(),
		rectCache:      NewImagePair(),
		disparity:      algorithms.Disparity{Map: gocv.NewMat()},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithField("component", "pipeline")
	p.recorder = NewRecorder(p.logger)
	for _, s := range Stages() {
		p.stages[s] = newStage(s, p.initialEnabled[s])
	}

	p.mu.Lock()
	p.src, p.rect, p.method = src, rect, method
	p.connectLocked(StageSource)
	p.connectLocked(StageRectification)
	p.connectLocked(StageDisparity)
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"threaded": p.threaded.Load(),
		"method":   methodName(method),
	}).Info("PIPELINE: Created")
	return p
}

func methodName(m algorithms.Method) string {
	if m == nil {
		return ""
	}
	return m.Name()
}

// connectLocked subscribes to the collaborator feeding stage s.
func (p *Pipeline) connectLocked(s Stage) {
	if p.disconnect[s] != nil {
		p.disconnect[s]()
		p.disconnect[s] = nil
	}
	switch s {
	case StageSource:
		if p.src != nil {
			p.disconnect[s] = p.src.Changed().Connect(p.SourceChanged)
		}
	case StageRectification:
		if p.rect != nil {
			p.disconnect[s] = p.rect.Changed().Connect(p.CalibrationChanged)
		}
	case StageDisparity:
		if p.method != nil {
			p.disconnect[s] = p.method.Changed().Connect(p.ParametersChanged)
		}
	}
}

// SourceChanged pulls a new pair from the source and cascades downstream.
func (p *Pipeline) SourceChanged() {
	p.trigger(StageSource)
}

// CalibrationChanged recomputes rectification and cascades downstream.
func (p *Pipeline) CalibrationChanged() {
	p.trigger(StageRectification)
}

// ParametersChanged recomputes disparity from the cached rectified pair.
func (p *Pipeline) ParametersChanged() {
	p.trigger(StageDisparity)
}

// trigger marks from dirty and runs every stage from there on whose inputs
// are available, stopping at the first disabled stage.
func (p *Pipeline) trigger(from Stage) {
	p.control.Lock()
	defer p.control.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.stages[from].dirty = true
	p.mu.Unlock()

	p.cascade(from)
}

// cascade runs stages from first onwards. Caller holds control.
func (p *Pipeline) cascade(first Stage) {
	for s := first; s < numStages; s++ {
		p.mu.Lock()
		st := p.stages[s]
		ready := st.enabled && p.upstreamProducedLocked(s)
		if !ready {
			p.mu.Unlock()
			p.recorder.LogOperation(Operation{
				Timestamp: p.clock.Now(),
				Stage:     s,
				Operation: "skipped",
			})
			return
		}
		st.dirty = false
		if next := s + 1; next < numStages {
			p.stages[next].dirty = true
		}
		p.mu.Unlock()

		switch s {
		case StageSource:
			p.computeSource()
		case StageRectification:
			p.computeRectification()
		case StageDisparity:
			p.dispatchDisparity()
		}
	}
}

func (p *Pipeline) upstreamProducedLocked(s Stage) bool {
	for up := StageSource; up < s; up++ {
		if !p.stages[up].produced {
			return false
		}
	}
	return true
}

func (p *Pipeline) setState(s Stage, state State) {
	p.mu.Lock()
	if p.stages[s].enabled || state == Disabled {
		p.stages[s].state = state
	}
	p.mu.Unlock()
}

// finish records the outcome of a stage computation and notifies observers.
func (p *Pipeline) finish(s Stage, seq uint64, elapsed time.Duration, err error) {
	p.mu.Lock()
	st := p.stages[s]
	st.produced = true
	if err != nil {
		st.state = Failed
	} else {
		st.state = Idle
		st.elapsed = elapsed
	}
	if !st.enabled {
		st.state = Disabled
	}
	changed := st.changed
	p.mu.Unlock()

	op := Operation{
		Timestamp: p.clock.Now(),
		Stage:     s,
		Operation: "compute",
		Success:   err == nil,
		Duration:  elapsed,
		Sequence:  seq,
	}
	if err != nil {
		op.Error = err.Error()
	}
	p.recorder.LogOperation(op)
	changed.Emit()
}

func (p *Pipeline) computeSource() {
	p.mu.Lock()
	src := p.src
	p.mu.Unlock()

	p.setState(StageSource, Computing)
	start := p.clock.Now()
	seq := p.frames.Inc()

	var left, right gocv.Mat
	if src != nil {
		left, right = src.Images()
	} else {
		left, right = gocv.NewMat(), gocv.NewMat()
	}
	p.sourceCache.Set(left, right, seq)
	p.finish(StageSource, seq, p.clock.Since(start), nil)
}

func (p *Pipeline) computeRectification() {
	p.mu.Lock()
	rect := p.rect
	p.mu.Unlock()

	p.setState(StageRectification, Computing)
	start := p.clock.Now()
	left, right, meta := p.sourceCache.Get()
	defer left.Close()
	defer right.Close()

	if rect == nil {
		p.rectCache.Set(left.Clone(), right.Clone(), meta.Sequence)
		p.finish(StageRectification, meta.Sequence, p.clock.Since(start), nil)
		return
	}

	outL, outR, err := rect.RectifyPair(left, right)
	if err != nil {
		// Downstream sees an empty pair rather than stale images.
		outL.Close()
		outR.Close()
		p.rectCache.Clear(meta.Sequence)
		p.finish(StageRectification, meta.Sequence, p.clock.Since(start), fmt.Errorf("rectify: %w", err))
		return
	}
	p.rectCache.Set(outL, outR, meta.Sequence)
	p.finish(StageRectification, meta.Sequence, p.clock.Since(start), nil)
}

// dispatchDisparity runs the disparity stage inline or, in threaded mode, on
// a worker unless one is already running.
func (p *Pipeline) dispatchDisparity() {
	p.mu.Lock()
	method := p.method
	p.dispRequest++
	request := p.dispRequest
	p.mu.Unlock()

	if !p.threaded.Load() {
		p.wg.Add(1)
		defer p.wg.Done()
		p.computeDisparity(method, request)
		return
	}

	if !p.busy.CompareAndSwap(false, true) {
		p.dropped.Inc()
		p.mu.Lock()
		p.stages[StageDisparity].dirty = true
		p.mu.Unlock()
		p.recorder.LogOperation(Operation{
			Timestamp: p.clock.Now(),
			Stage:     StageDisparity,
			Operation: "dropped",
		})
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.busy.Store(false)
		p.computeDisparity(method, request)
	}()
}

// computeDisparity runs method on the cached rectified pair and installs the
// result unless a later request has already been installed.
func (p *Pipeline) computeDisparity(method algorithms.Method, request uint64) {
	p.setState(StageDisparity, Computing)

	p.computeMu.Lock()
	start := p.clock.Now()
	left, right, meta := p.rectCache.Get()
	defer left.Close()
	defer right.Close()

	var result algorithms.Disparity
	var err error
	switch {
	case method == nil:
		err = errors.New("no stereo method")
	case left.Empty() || right.Empty():
		result = algorithms.Disparity{Map: gocv.NewMat()}
	default:
		result, err = safeCompute(method, left, right)
	}
	elapsed := p.clock.Since(start)
	p.computeMu.Unlock()

	if err != nil {
		p.failures.Inc()
		result.Close()
		result = algorithms.Disparity{Map: gocv.NewMat()}
	} else {
		p.computed.Inc()
	}

	p.mu.Lock()
	if request < p.installed {
		p.mu.Unlock()
		result.Close()
		p.logger.WithField("sequence", meta.Sequence).Debug("PIPELINE: Discarding superseded disparity")
		return
	}
	prev := p.disparity
	p.disparity = result
	p.hasDisparity = true
	p.dispSeq = meta.Sequence
	p.installed = request
	p.mu.Unlock()
	prev.Close()

	if err != nil {
		err = fmt.Errorf("compute disparity: %w", err)
	}
	p.finish(StageDisparity, meta.Sequence, elapsed, err)
}

// safeCompute converts a panic inside the method into an error.
func safeCompute(m algorithms.Method, left, right gocv.Mat) (d algorithms.Disparity, err error) {
	defer func() {
		if r := recover(); r != nil {
			d = algorithms.Disparity{Map: gocv.NewMat()}
			err = fmt.Errorf("%s panicked: %v", m.Name(), r)
		}
	}()
	return m.Compute(left, right)
}

// SetStageEnabled toggles a stage. Enabling recomputes it from the cached
// upstream result; disabling stops propagation past it.
func (p *Pipeline) SetStageEnabled(s Stage, enabled bool) {
	p.control.Lock()
	defer p.control.Unlock()

	p.mu.Lock()
	st := p.stages[s]
	if st.enabled == enabled || p.closed {
		p.mu.Unlock()
		return
	}
	st.enabled = enabled
	if enabled {
		st.state = Idle
		st.dirty = true
	} else {
		st.state = Disabled
	}
	changed := st.changed
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{"stage": s.String(), "enabled": enabled}).Info("PIPELINE: Stage toggled")
	changed.Emit()
	if enabled {
		p.cascade(s)
	}
}

// StageEnabled reports the enable flag of s.
func (p *Pipeline) StageEnabled(s Stage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stages[s].enabled
}

// SetThreaded switches between background and inline disparity computation.
func (p *Pipeline) SetThreaded(threaded bool) {
	p.threaded.Store(threaded)
}

func (p *Pipeline) Threaded() bool {
	return p.threaded.Load()
}

// SetMethod replaces the stereo method and recomputes disparity. The caller
// keeps ownership of the previous method; call Wait before closing it.
func (p *Pipeline) SetMethod(m algorithms.Method) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.method = m
	p.connectLocked(StageDisparity)
	p.mu.Unlock()
	p.logger.WithField("method", methodName(m)).Info("PIPELINE: Method changed")
	p.ParametersChanged()
}

// SetSource replaces the image source and pulls from it.
func (p *Pipeline) SetSource(src source.Source) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.src = src
	p.connectLocked(StageSource)
	p.mu.Unlock()
	p.SourceChanged()
}

// SourcePair returns copies of the source stage cache.
func (p *Pipeline) SourcePair() (gocv.Mat, gocv.Mat) {
	l, r, _ := p.sourceCache.Get()
	return l, r
}

// RectifiedPair returns copies of the rectification stage cache.
func (p *Pipeline) RectifiedPair() (gocv.Mat, gocv.Mat) {
	l, r, _ := p.rectCache.Get()
	return l, r
}

// Disparity returns a copy of the latest disparity and the source frame it
// was computed from. ok is false before the first computation.
func (p *Pipeline) Disparity() (d algorithms.Disparity, seq uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasDisparity {
		return algorithms.Disparity{Map: gocv.NewMat()}, 0, false
	}
	return p.disparity.Clone(), p.dispSeq, true
}

// State returns the state of s.
func (p *Pipeline) State(s Stage) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stages[s].state
}

// ElapsedMillis returns the duration of the last successful computation of s.
func (p *Pipeline) ElapsedMillis(s Stage) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stages[s].elapsed.Milliseconds()
}

// StageChanged is emitted whenever the cache or state of s changes. Handlers
// run on the goroutine that produced the change and must not trigger the
// pipeline synchronously.
func (p *Pipeline) StageChanged(s Stage) *signal.Signal {
	return p.stages[s].changed
}

// Stats returns activity counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	seq := p.dispSeq
	p.mu.Unlock()
	return Stats{
		Frames:   p.frames.Load(),
		Computed: p.computed.Load(),
		Dropped:  p.dropped.Load(),
		Failures: p.failures.Load(),
		Sequence: seq,
		InFlight: p.busy.Load(),
		Threaded: p.threaded.Load(),
	}
}

// Recorder exposes the stage timing history.
func (p *Pipeline) Recorder() *Recorder {
	return p.recorder
}

// Wait blocks until no disparity computation is running.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close unsubscribes from all collaborators, waits for the worker and
// releases the caches. The collaborators themselves are not closed.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	for i, d := range p.disconnect {
		if d != nil {
			d()
			p.disconnect[i] = nil
		}
	}
	p.mu.Unlock()

	// Triggers already past the closed check finish before caches go away.
	p.control.Lock()
	defer p.control.Unlock()
	p.wg.Wait()

	p.mu.Lock()
	disp := p.disparity
	p.disparity = algorithms.Disparity{Map: gocv.NewMat()}
	p.hasDisparity = false
	p.mu.Unlock()

	err := multierr.Combine(p.sourceCache.Close(), p.rectCache.Close(), disp.Close())
	p.logger.Info("PIPELINE: Closed")
	return err
}
