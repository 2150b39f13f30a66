// Package source supplies left/right image pairs to the pipeline.
package source

import (
	"errors"
	"sync"

	"go.uber.org/multierr"
	"gocv.io/x/gocv"

	"stereolab/internal/signal"
)

// Source is a pull interface with change notification. Images may return
// the same pair repeatedly; empty Mats mean nothing is available yet.
type Source interface {
	// Images returns copies the caller must close.
	Images() (left, right gocv.Mat)
	// Changed is emitted when Images would return a new pair.
	Changed() *signal.Signal
	Close() error
}

// ErrClosed is returned when a pair arrives after Close.
var ErrClosed = errors.New("source closed")

// pairStore holds the most recent pair.
type pairStore struct {
	mu          sync.RWMutex
	left, right gocv.Mat
	set         bool
	closed      bool
}

// replace takes ownership of left and right. After close they are released
// immediately and ErrClosed is returned.
func (p *pairStore) replace(left, right gocv.Mat) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return multierr.Combine(ErrClosed, left.Close(), right.Close())
	}
	prevL, prevR, had := p.left, p.right, p.set
	p.left, p.right, p.set = left, right, true
	p.mu.Unlock()
	if had {
		prevL.Close()
		prevR.Close()
	}
	return nil
}

func (p *pairStore) images() (gocv.Mat, gocv.Mat) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.set {
		return gocv.NewMat(), gocv.NewMat()
	}
	return p.left.Clone(), p.right.Clone()
}

func (p *pairStore) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if !p.set {
		return nil
	}
	p.set = false
	return multierr.Combine(p.left.Close(), p.right.Close())
}

// Static serves a pair set in memory.
type Static struct {
	store   pairStore
	changed *signal.Signal
}

// NewStatic creates an empty static source.
func NewStatic() *Static {
	return &Static{changed: signal.New()}
}

// Set stores copies of left and right and notifies subscribers. It does
// nothing after Close.
func (s *Static) Set(left, right gocv.Mat) {
	if s.store.replace(left.Clone(), right.Clone()) != nil {
		return
	}
	s.changed.Emit()
}

func (s *Static) Images() (gocv.Mat, gocv.Mat) {
	return s.store.images()
}

func (s *Static) Changed() *signal.Signal {
	return s.changed
}

func (s *Static) Close() error {
	return s.store.close()
}
