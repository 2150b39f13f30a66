package core

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"gocv.io/x/gocv"

	"stereolab/internal/algorithms"
	"stereolab/internal/signal"
	"stereolab/internal/source"
)

type fakeRectifier struct {
	changed *signal.Signal
	fail    atomic.Bool
	calls   atomic.Int64
}

func newFakeRectifier() *fakeRectifier {
	return &fakeRectifier{changed: signal.New()}
}

func (f *fakeRectifier) RectifyPair(left, right gocv.Mat) (gocv.Mat, gocv.Mat, error) {
	f.calls.Inc()
	if f.fail.Load() {
		return gocv.NewMat(), gocv.NewMat(), errors.New("remap failed")
	}
	return left.Clone(), right.Clone(), nil
}

func (f *fakeRectifier) Changed() *signal.Signal { return f.changed }

type fakeMethod struct {
	changed   *signal.Signal
	calls     atomic.Int64
	active    atomic.Int64
	maxActive atomic.Int64
	fail      atomic.Bool
	panics    atomic.Bool
	// started receives one value per Compute call when non-nil.
	started chan struct{}
	// release blocks Compute until closed when non-nil.
	release chan struct{}
	// advance moves mock when set, simulating work.
	mock    *clock.Mock
	advance time.Duration
}

func newFakeMethod() *fakeMethod {
	return &fakeMethod{changed: signal.New()}
}

func (f *fakeMethod) Name() string                              { return "fake" }
func (f *fakeMethod) Description() string                       { return "test method" }
func (f *fakeMethod) Parameters() algorithms.Params             { return algorithms.Params{} }
func (f *fakeMethod) ParameterInfo() []algorithms.ParameterInfo { return nil }
func (f *fakeMethod) SetParameters(algorithms.Params) error     { f.changed.Emit(); return nil }
func (f *fakeMethod) Changed() *signal.Signal                   { return f.changed }
func (f *fakeMethod) Close() error                              { return nil }

func (f *fakeMethod) Compute(left, right gocv.Mat) (algorithms.Disparity, error) {
	f.calls.Inc()
	n := f.active.Inc()
	defer f.active.Dec()
	for {
		peak := f.maxActive.Load()
		if n <= peak || f.maxActive.CompareAndSwap(peak, n) {
			break
		}
	}
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.mock != nil {
		f.mock.Add(f.advance)
	}
	if f.panics.Load() {
		panic("boom")
	}
	if f.fail.Load() {
		return algorithms.Disparity{Map: gocv.NewMat()}, errors.New("no texture")
	}
	d := gocv.NewMatWithSize(left.Rows(), left.Cols(), gocv.MatTypeCV32F)
	return algorithms.Disparity{Map: d, Min: 0, Max: 16}, nil
}

func testImage() gocv.Mat {
	return gocv.NewMatWithSize(12, 16, gocv.MatTypeCV8UC1)
}

type fixture struct {
	src    *source.Static
	rect   *fakeRectifier
	method *fakeMethod
	p      *Pipeline
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		src:    source.NewStatic(),
		rect:   newFakeRectifier(),
		method: newFakeMethod(),
	}
	f.p = NewPipeline(f.src, f.rect, f.method, opts...)
	t.Cleanup(func() {
		f.p.Close()
		f.src.Close()
	})
	return f
}

func (f *fixture) push() {
	img := testImage()
	defer img.Close()
	f.src.Set(img, img)
}

func TestPipelineCascade(t *testing.T) {
	f := newFixture(t)

	_, _, ok := f.p.Disparity()
	assert.False(t, ok)

	var dispChanges int
	f.p.StageChanged(StageDisparity).Connect(func() { dispChanges++ })

	f.push()

	l, r := f.p.RectifiedPair()
	defer l.Close()
	defer r.Close()
	assert.Equal(t, 16, l.Cols())
	assert.Equal(t, 12, r.Rows())

	d, seq, ok := f.p.Disparity()
	defer d.Close()
	require.True(t, ok)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, 16, d.Map.Cols())
	assert.Equal(t, 1, dispChanges)

	for _, s := range Stages() {
		assert.Equal(t, Idle, f.p.State(s), s.String())
	}
	stats := f.p.Stats()
	assert.Equal(t, uint64(1), stats.Frames)
	assert.Equal(t, uint64(1), stats.Computed)
}

func TestPipelineParametersChangedSkipsRectification(t *testing.T) {
	f := newFixture(t)
	f.push()
	require.Equal(t, int64(1), f.rect.calls.Load())

	require.NoError(t, f.method.SetParameters(nil))
	assert.Equal(t, int64(2), f.method.calls.Load())
	assert.Equal(t, int64(1), f.rect.calls.Load())
}

func TestPipelineCalibrationChangedCascades(t *testing.T) {
	f := newFixture(t)
	f.push()

	f.rect.changed.Emit()
	assert.Equal(t, int64(2), f.rect.calls.Load())
	assert.Equal(t, int64(2), f.method.calls.Load())
}

func TestPipelineDisabledStageHaltsCascade(t *testing.T) {
	f := newFixture(t, WithStageEnabled(StageRectification, false))
	assert.Equal(t, Disabled, f.p.State(StageRectification))

	f.push()
	assert.Zero(t, f.rect.calls.Load())
	assert.Zero(t, f.method.calls.Load())

	f.p.SetStageEnabled(StageRectification, true)
	assert.Equal(t, int64(1), f.rect.calls.Load())
	assert.Equal(t, int64(1), f.method.calls.Load())
	assert.Equal(t, Idle, f.p.State(StageRectification))

	// Disabling keeps the cached result available.
	f.p.SetStageEnabled(StageDisparity, false)
	assert.Equal(t, Disabled, f.p.State(StageDisparity))
	f.push()
	assert.Equal(t, int64(1), f.method.calls.Load())
	d, seq, ok := f.p.Disparity()
	defer d.Close()
	assert.True(t, ok)
	assert.Equal(t, uint64(1), seq)

	f.p.SetStageEnabled(StageDisparity, true)
	assert.Equal(t, int64(2), f.method.calls.Load())
}

func TestPipelineMethodFailureClearsDisparity(t *testing.T) {
	f := newFixture(t)
	f.push()

	var emitted int
	f.p.StageChanged(StageDisparity).Connect(func() { emitted++ })

	f.method.fail.Store(true)
	f.p.ParametersChanged()

	assert.Equal(t, 1, emitted)
	assert.Equal(t, Failed, f.p.State(StageDisparity))
	assert.True(t, f.p.StageEnabled(StageDisparity))
	d, _, ok := f.p.Disparity()
	defer d.Close()
	assert.True(t, ok)
	assert.True(t, d.Map.Empty())
	assert.Equal(t, uint64(1), f.p.Stats().Failures)

	f.method.fail.Store(false)
	f.p.ParametersChanged()
	assert.Equal(t, Idle, f.p.State(StageDisparity))
}

func TestPipelineMethodPanicIsContained(t *testing.T) {
	f := newFixture(t)
	f.method.panics.Store(true)

	assert.NotPanics(t, f.push)
	assert.Equal(t, Failed, f.p.State(StageDisparity))

	ops := f.p.Recorder().Operations()
	require.NotEmpty(t, ops)
	last := ops[len(ops)-1]
	assert.Equal(t, StageDisparity, last.Stage)
	assert.False(t, last.Success)
	assert.Contains(t, last.Error, "panicked")
}

func TestPipelineRectificationFailure(t *testing.T) {
	f := newFixture(t)
	f.rect.fail.Store(true)
	f.push()

	assert.Equal(t, Failed, f.p.State(StageRectification))
	l, r := f.p.RectifiedPair()
	defer l.Close()
	defer r.Close()
	assert.True(t, l.Empty())

	// An empty rectified pair yields an empty disparity without the method.
	assert.Zero(t, f.method.calls.Load())
	d, _, ok := f.p.Disparity()
	defer d.Close()
	assert.True(t, ok)
	assert.True(t, d.Map.Empty())
}

func TestPipelineElapsedMillis(t *testing.T) {
	mock := clock.NewMock()
	f := newFixture(t, WithClock(mock))
	f.method.mock = mock
	f.method.advance = 25 * time.Millisecond

	f.push()
	assert.Equal(t, int64(25), f.p.ElapsedMillis(StageDisparity))
	assert.Zero(t, f.p.ElapsedMillis(StageRectification))

	summary := f.p.Recorder().Summary()
	require.Len(t, summary, 3)
	assert.Equal(t, StageDisparity, summary[2].Stage)
	assert.Equal(t, 25*time.Millisecond, summary[2].Max)
}

func TestPipelineThreadedDropsWhileBusy(t *testing.T) {
	f := newFixture(t, WithThreaded(true))
	f.method.started = make(chan struct{}, 4)
	f.method.release = make(chan struct{})

	f.push()
	<-f.method.started
	assert.True(t, f.p.Stats().InFlight)

	// Both requests arrive while the first computation is running.
	f.p.ParametersChanged()
	f.push()
	assert.Equal(t, uint64(2), f.p.Stats().Dropped)

	close(f.method.release)
	f.p.Wait()
	assert.Equal(t, int64(1), f.method.calls.Load())
	assert.False(t, f.p.Stats().InFlight)

	_, seq, ok := f.p.Disparity()
	assert.True(t, ok)
	assert.Equal(t, uint64(1), seq)

	// The next trigger picks up the latest frame.
	f.p.ParametersChanged()
	<-f.method.started
	f.p.Wait()
	d, seq, ok := f.p.Disparity()
	defer d.Close()
	assert.True(t, ok)
	assert.Equal(t, uint64(2), seq)
}

func TestPipelineToggleThreadedWhileBusy(t *testing.T) {
	f := newFixture(t, WithThreaded(true))
	f.method.started = make(chan struct{}, 4)
	f.method.release = make(chan struct{})

	f.push()
	<-f.method.started

	f.p.SetThreaded(false)
	inline := make(chan struct{})
	go func() {
		defer close(inline)
		f.p.ParametersChanged()
	}()

	select {
	case <-f.method.started:
		t.Fatal("inline computation entered the method while the worker was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(f.method.release)
	<-inline
	f.p.Wait()

	assert.Equal(t, int64(2), f.method.calls.Load())
	assert.Equal(t, int64(1), f.method.maxActive.Load())
	assert.Zero(t, f.p.Stats().Dropped)

	var computes int
	for _, op := range f.p.Recorder().Operations() {
		if op.Stage == StageDisparity && op.Operation == "compute" {
			assert.True(t, op.Success)
			computes++
		}
	}
	assert.Equal(t, 2, computes)
	f.p.mu.Lock()
	assert.Equal(t, f.p.dispRequest, f.p.installed)
	f.p.mu.Unlock()
}

func TestPipelineDiscardsSupersededDisparity(t *testing.T) {
	f := newFixture(t)
	f.push()

	f.p.computeDisparity(f.method, 3)
	f.p.mu.Lock()
	installed := f.p.disparity.Map.Ptr()
	f.p.mu.Unlock()

	// An older request finishing late must not replace the newer result.
	f.p.computeDisparity(f.method, 2)

	f.p.mu.Lock()
	assert.Equal(t, uint64(3), f.p.installed)
	assert.Equal(t, installed, f.p.disparity.Map.Ptr())
	f.p.mu.Unlock()
	assert.Equal(t, int64(3), f.method.calls.Load())

	var computes int
	for _, op := range f.p.Recorder().Operations() {
		if op.Stage == StageDisparity && op.Operation == "compute" {
			computes++
		}
	}
	assert.Equal(t, 2, computes, "superseded result is not reported")
}

func TestPipelineRecordsSkippedStages(t *testing.T) {
	f := newFixture(t, WithStageEnabled(StageRectification, false))
	f.push()

	skipped := func() []Operation {
		var out []Operation
		for _, op := range f.p.Recorder().Operations() {
			if op.Operation == "skipped" {
				out = append(out, op)
			}
		}
		return out
	}
	ops := skipped()
	require.Len(t, ops, 1)
	assert.Equal(t, StageRectification, ops[0].Stage)
	assert.False(t, ops[0].Success)
	assert.Empty(t, ops[0].Error)

	f.p.SetStageEnabled(StageRectification, true)
	assert.Len(t, skipped(), 1)
	assert.Equal(t, int64(1), f.method.calls.Load())
}

func TestPipelineSynchronousNeverDrops(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.p.ParametersChanged()
		}()
	}
	f.push()
	wg.Wait()
	assert.Zero(t, f.p.Stats().Dropped)
}

func TestPipelineSetMethodRewires(t *testing.T) {
	f := newFixture(t)
	f.push()

	next := newFakeMethod()
	f.p.SetMethod(next)
	assert.Equal(t, int64(1), next.calls.Load())
	assert.Zero(t, f.method.changed.Len())

	f.method.changed.Emit()
	assert.Equal(t, int64(1), f.method.calls.Load())
	next.changed.Emit()
	assert.Equal(t, int64(2), next.calls.Load())
}

func TestPipelineClose(t *testing.T) {
	src := source.NewStatic()
	defer src.Close()
	rect := newFakeRectifier()
	method := newFakeMethod()
	p := NewPipeline(src, rect, method)

	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Close(), ErrClosed)
	assert.Zero(t, src.Changed().Len())
	assert.Zero(t, rect.changed.Len())

	img := testImage()
	defer img.Close()
	src.Set(img, img)
	assert.Zero(t, rect.calls.Load())
}
