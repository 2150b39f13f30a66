// Stage image caches with thread-safe access
package core

import (
	"sync"

	"go.uber.org/multierr"
	"gocv.io/x/gocv"
)

// ImageMetadata describes a cached pair.
type ImageMetadata struct {
	Width    int
	Height   int
	Channels int
	Type     gocv.MatType
	Sequence uint64
}

// ImagePair is the cache of one stage: a left/right pair and the source frame
// it derives from. An empty pair is a valid (empty) result.
type ImagePair struct {
	mu       sync.RWMutex
	left     gocv.Mat
	right    gocv.Mat
	hasPair  bool
	metadata ImageMetadata
}

// NewImagePair creates an empty cache.
func NewImagePair() *ImagePair {
	return &ImagePair{
		left:  gocv.NewMat(),
		right: gocv.NewMat(),
	}
}

// Set takes ownership of left and right, replacing the cached pair.
func (ip *ImagePair) Set(left, right gocv.Mat, seq uint64) {
	ip.mu.Lock()
	prevL, prevR := ip.left, ip.right
	ip.left, ip.right = left, right
	ip.hasPair = true
	ip.metadata = ImageMetadata{
		Width:    left.Cols(),
		Height:   left.Rows(),
		Channels: left.Channels(),
		Type:     left.Type(),
		Sequence: seq,
	}
	ip.mu.Unlock()

	prevL.Close()
	prevR.Close()
}

// Get returns copies of the cached pair.
func (ip *ImagePair) Get() (gocv.Mat, gocv.Mat, ImageMetadata) {
	ip.mu.RLock()
	defer ip.mu.RUnlock()
	return ip.left.Clone(), ip.right.Clone(), ip.metadata
}

// HasPair reports whether the stage has produced a result, possibly empty.
func (ip *ImagePair) HasPair() bool {
	ip.mu.RLock()
	defer ip.mu.RUnlock()
	return ip.hasPair
}

// Metadata returns information about the cached pair.
func (ip *ImagePair) Metadata() ImageMetadata {
	ip.mu.RLock()
	defer ip.mu.RUnlock()
	return ip.metadata
}

// Clear replaces the pair with an empty one, keeping the produced flag.
func (ip *ImagePair) Clear(seq uint64) {
	ip.Set(gocv.NewMat(), gocv.NewMat(), seq)
}

// Close releases the cached images.
func (ip *ImagePair) Close() error {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	err := multierr.Combine(ip.left.Close(), ip.right.Close())
	ip.left, ip.right = gocv.NewMat(), gocv.NewMat()
	ip.hasPair = false
	ip.metadata = ImageMetadata{}
	return err
}
