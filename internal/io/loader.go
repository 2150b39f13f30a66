// Image loading and saving for calibration pairs and pipeline sources
package io

import (
	"fmt"
	stdio "io"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

var supportedFormats = []string{".jpg", ".jpeg", ".png", ".tiff", ".tif", ".bmp", ".pgm", ".ppm"}

// ImageLoader handles image file operations
type ImageLoader struct {
	logger logrus.FieldLogger
}

// NewImageLoader creates a loader. A nil logger discards output.
func NewImageLoader(logger logrus.FieldLogger) *ImageLoader {
	if logger == nil {
		logger = DiscardLogger()
	}
	return &ImageLoader{
		logger: logger.WithField("component", "io"),
	}
}

// DiscardLogger returns a logger that drops every entry.
func DiscardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(stdio.Discard)
	return l
}

// LoadImage reads a color image.
func (il *ImageLoader) LoadImage(path string) (gocv.Mat, error) {
	return il.load(path, gocv.IMReadColor)
}

// LoadImageGrayscale reads an image as a single channel.
func (il *ImageLoader) LoadImageGrayscale(path string) (gocv.Mat, error) {
	return il.load(path, gocv.IMReadGrayScale)
}

// LoadImageUnchanged reads an image keeping its channel count.
func (il *ImageLoader) LoadImageUnchanged(path string) (gocv.Mat, error) {
	return il.load(path, gocv.IMReadUnchanged)
}

func (il *ImageLoader) load(path string, flags gocv.IMReadFlag) (gocv.Mat, error) {
	il.logger.WithField("path", path).Debug("Loading image")

	if !IsSupportedImageFormat(path) {
		return gocv.NewMat(), fmt.Errorf("unsupported image format: %s", path)
	}

	mat := gocv.IMRead(path, flags)
	if mat.Empty() {
		mat.Close()
		return gocv.NewMat(), fmt.Errorf("failed to load image: %s", path)
	}

	il.logger.WithFields(logrus.Fields{
		"path":     path,
		"width":    mat.Cols(),
		"height":   mat.Rows(),
		"channels": mat.Channels(),
	}).Debug("Image loaded")

	return mat, nil
}

// SaveImage writes mat to path; the format follows the extension.
func (il *ImageLoader) SaveImage(mat gocv.Mat, path string) error {
	il.logger.WithField("path", path).Debug("Saving image")

	if mat.Empty() {
		return fmt.Errorf("cannot save empty image")
	}

	if !IsSupportedImageFormat(path) {
		return fmt.Errorf("unsupported image format: %s", path)
	}

	if !gocv.IMWrite(path, mat) {
		return fmt.Errorf("failed to save image: %s", path)
	}

	il.logger.WithFields(logrus.Fields{
		"path":     path,
		"width":    mat.Cols(),
		"height":   mat.Rows(),
		"channels": mat.Channels(),
	}).Info("Image saved")

	return nil
}

// IsSupportedImageFormat reports whether the extension of path is readable.
func IsSupportedImageFormat(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, format := range supportedFormats {
		if ext == format {
			return true
		}
	}
	return false
}

// ToGray returns a single channel copy of mat. Gray input is cloned.
func ToGray(mat gocv.Mat) (gocv.Mat, error) {
	var code gocv.ColorConversionCode
	switch mat.Channels() {
	case 3:
		code = gocv.ColorBGRToGray
	case 4:
		code = gocv.ColorBGRAToGray
	default:
		return mat.Clone(), nil
	}
	out := gocv.NewMat()
	if err := gocv.CvtColor(mat, &out, code); err != nil {
		out.Close()
		return gocv.NewMat(), fmt.Errorf("convert to gray: %w", err)
	}
	return out, nil
}
