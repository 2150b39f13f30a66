package source

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	imgio "stereolab/internal/io"
	"stereolab/internal/signal"
)

// DefaultDebounce coalesces bursts of file events into one reload.
const DefaultDebounce = 200 * time.Millisecond

// ImageLoader reads one image file.
type ImageLoader interface {
	LoadImageUnchanged(path string) (gocv.Mat, error)
}

// FilePair serves two image files and can watch them for changes.
type FilePair struct {
	logger   logrus.FieldLogger
	loader   ImageLoader
	debounce time.Duration

	mu        sync.Mutex
	leftPath  string
	rightPath string

	store   pairStore
	changed *signal.Signal
}

// FileOption configures a FilePair.
type FileOption func(*FilePair)

func WithLogger(logger logrus.FieldLogger) FileOption {
	return func(f *FilePair) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func WithLoader(loader ImageLoader) FileOption {
	return func(f *FilePair) { f.loader = loader }
}

func WithDebounce(d time.Duration) FileOption {
	return func(f *FilePair) { f.debounce = d }
}

// NewFilePair creates a source with no files loaded.
func NewFilePair(opts ...FileOption) *FilePair {
	f := &FilePair{
		logger:   imgio.DiscardLogger(),
		debounce: DefaultDebounce,
		changed:  signal.New(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.WithField("component", "source")
	if f.loader == nil {
		f.loader = imgio.NewImageLoader(f.logger)
	}
	return f
}

// Load reads both files. On error the previous pair stays in place.
func (f *FilePair) Load(left, right string) error {
	l, err := f.loader.LoadImageUnchanged(left)
	if err != nil {
		return fmt.Errorf("load left image: %w", err)
	}
	r, err := f.loader.LoadImageUnchanged(right)
	if err != nil {
		l.Close()
		return fmt.Errorf("load right image: %w", err)
	}

	if err := f.store.replace(l, r); err != nil {
		return err
	}
	f.mu.Lock()
	f.leftPath, f.rightPath = left, right
	f.mu.Unlock()

	f.logger.WithFields(logrus.Fields{"left": left, "right": right}).Debug("Image pair loaded")
	f.changed.Emit()
	return nil
}

// Paths returns the files currently served.
func (f *FilePair) Paths() (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leftPath, f.rightPath
}

// Reload reads the current files again.
func (f *FilePair) Reload() error {
	left, right := f.Paths()
	if left == "" || right == "" {
		return fmt.Errorf("no image pair loaded")
	}
	return f.Load(left, right)
}

// Watch reloads the pair whenever either file is written or replaced. It
// blocks until ctx is done.
func (f *FilePair) Watch(ctx context.Context) error {
	left, right := f.Paths()
	if left == "" || right == "" {
		return fmt.Errorf("no image pair loaded")
	}
	watched := map[string]bool{
		filepath.Clean(left):  true,
		filepath.Clean(right): true,
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Directories survive editors that replace files on save.
	for _, dir := range []string{filepath.Dir(left), filepath.Dir(right)} {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	debounced := debounce.New(f.debounce)
	// A reload still pending when Watch returns becomes a no-op.
	defer debounced(func() {})
	reload := func() {
		if ctx.Err() != nil {
			return
		}
		if err := f.Reload(); err != nil {
			f.logger.WithError(err).Warn("Reload after file change failed")
		}
	}

	f.logger.WithFields(logrus.Fields{"left": left, "right": right}).Info("Watching image pair")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !watched[filepath.Clean(ev.Name)] {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				debounced(reload)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.WithError(err).Warn("File watcher error")
		}
	}
}

func (f *FilePair) Images() (gocv.Mat, gocv.Mat) {
	return f.store.images()
}

func (f *FilePair) Changed() *signal.Signal {
	return f.changed
}

func (f *FilePair) Close() error {
	return f.store.close()
}
