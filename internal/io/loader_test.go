package io

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestIsSupportedImageFormat(t *testing.T) {
	tests := map[string]bool{
		"a.png":      true,
		"b.JPG":      true,
		"dir/c.tiff": true,
		"d.pgm":      true,
		"e.gif":      false,
		"noext":      false,
	}
	for path, want := range tests {
		assert.Equal(t, want, IsSupportedImageFormat(path), path)
	}
}

func TestSaveAndLoad(t *testing.T) {
	loader := NewImageLoader(nil)
	path := filepath.Join(t.TempDir(), "pair.png")

	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(10, 20, 30, 0), 8, 12, gocv.MatTypeCV8UC3)
	defer img.Close()
	require.NoError(t, loader.SaveImage(img, path))

	color, err := loader.LoadImage(path)
	require.NoError(t, err)
	defer color.Close()
	assert.Equal(t, 3, color.Channels())
	assert.Equal(t, 12, color.Cols())

	gray, err := loader.LoadImageGrayscale(path)
	require.NoError(t, err)
	defer gray.Close()
	assert.Equal(t, 1, gray.Channels())

	same, err := loader.LoadImageUnchanged(path)
	require.NoError(t, err)
	defer same.Close()
	assert.Equal(t, 3, same.Channels())
}

func TestLoadErrors(t *testing.T) {
	loader := NewImageLoader(DiscardLogger())

	_, err := loader.LoadImage(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)

	_, err = loader.LoadImage("image.gif")
	assert.ErrorContains(t, err, "unsupported")

	empty := gocv.NewMat()
	defer empty.Close()
	assert.Error(t, loader.SaveImage(empty, filepath.Join(t.TempDir(), "x.png")))
}

func TestToGray(t *testing.T) {
	bgr := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC3)
	defer bgr.Close()
	g, err := ToGray(bgr)
	require.NoError(t, err)
	defer g.Close()
	assert.Equal(t, 1, g.Channels())

	g2, err := ToGray(g)
	require.NoError(t, err)
	defer g2.Close()
	assert.Equal(t, 1, g2.Channels())
	assert.NotEqual(t, g.Ptr(), g2.Ptr())
}
