package algorithms

import (
	"bytes"
	"image"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestRegistry(t *testing.T) {
	assert.Contains(t, Names(), BlockMatchingName)
	assert.True(t, IsValidMethod(BlockMatchingName))

	m, err := New(BlockMatchingName)
	require.NoError(t, err)
	assert.Equal(t, BlockMatchingName, m.Name())
	assert.NotEmpty(t, m.Description())

	_, err = New("no_such_method")
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestDefaultsFollowParameterInfo(t *testing.T) {
	m := NewBlockMatching()
	params := m.Parameters()
	for _, info := range m.ParameterInfo() {
		assert.Equal(t, info.Default, params[info.Name], info.Name)
	}
}

func TestSetParameters(t *testing.T) {
	tests := []struct {
		name    string
		update  Params
		wantErr bool
	}{
		{"valid int from yaml", Params{"block_size": 15}, false},
		{"valid float", Params{"uniqueness_ratio": 5.5}, false},
		{"even block size", Params{"block_size": 8.0}, true},
		{"below minimum", Params{"num_disparities": 0.0}, true},
		{"fraction for int", Params{"block_size": 9.5}, true},
		{"wrong type", Params{"subpixel": "yes"}, true},
		{"unknown name", Params{"speed": 1.0}, true},
		{"unknown prefilter", Params{"prefilter": "box"}, true},
		{"even prefilter size", Params{"prefilter_size": 4.0}, true},
		{"one bad value spoils the update", Params{"block_size": 11.0, "num_disparities": 999.0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewBlockMatching()
			before := m.Parameters()
			var emitted int
			m.Changed().Connect(func() { emitted++ })

			err := m.SetParameters(tt.update)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidParameter)
				assert.Equal(t, before, m.Parameters())
				assert.Zero(t, emitted)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, emitted)
			for k, v := range tt.update {
				f, ok := toFloat(v)
				require.True(t, ok)
				assert.Equal(t, f, m.Parameters()[k])
			}
		})
	}
}

func TestSetPrefilter(t *testing.T) {
	m := NewBlockMatching()
	require.NoError(t, m.SetParameters(Params{"prefilter": PrefilterMedian, "prefilter_size": 3}))
	assert.Equal(t, PrefilterMedian, m.Text("prefilter"))
	assert.Equal(t, 3, m.Int("prefilter_size"))
}

func TestLoadParametersMismatch(t *testing.T) {
	for _, name := range []string{"Block_Matching", "other", ""} {
		t.Run(name, func(t *testing.T) {
			m := NewBlockMatching()
			before := m.Parameters()
			var emitted int
			m.Changed().Connect(func() { emitted++ })

			doc := "MethodName: " + name + "\nParameters:\n  block_size: 21\n"
			err := LoadParameters(m, strings.NewReader(doc))
			require.ErrorIs(t, err, ErrMethodMismatch)
			assert.Equal(t, before, m.Parameters())
			assert.Zero(t, emitted)
		})
	}
}

func TestLoadParametersApplies(t *testing.T) {
	m := NewBlockMatching()
	doc := "MethodName: block_matching\nParameters:\n  block_size: 21\n  subpixel: false\n"
	require.NoError(t, LoadParameters(m, strings.NewReader(doc)))
	assert.Equal(t, 21, m.Int("block_size"))
	assert.False(t, m.Bool("subpixel"))
}

func TestLoadParametersInvalidValueKeepsState(t *testing.T) {
	m := NewBlockMatching()
	before := m.Parameters()
	doc := "MethodName: block_matching\nParameters:\n  block_size: 21\n  num_disparities: -4\n"
	assert.ErrorIs(t, LoadParameters(m, strings.NewReader(doc)), ErrInvalidParameter)
	assert.Equal(t, before, m.Parameters())
}

func TestSaveLoadParameters(t *testing.T) {
	src := NewBlockMatching()
	require.NoError(t, src.SetParameters(Params{"block_size": 5.0, "min_disparity": 3.0}))

	var buf bytes.Buffer
	require.NoError(t, SaveParameters(src, &buf))
	assert.Contains(t, buf.String(), "MethodName: block_matching")

	dst := NewBlockMatching()
	require.NoError(t, LoadParameters(dst, &buf))
	assert.Equal(t, src.Parameters(), dst.Parameters())
}

func noiseMat(t *testing.T, rows, cols int, pixel func(x, y int) uint8) gocv.Mat {
	t.Helper()
	buf := make([]byte, rows*cols)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			buf[y*cols+x] = pixel(x, y)
		}
	}
	m, err := gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV8UC1, buf)
	require.NoError(t, err)
	defer m.Close()
	return m.Clone()
}

// shiftedNoise returns a random texture and the same texture moved left by
// shift pixels.
func shiftedNoise(t *testing.T, rows, cols, shift int) (gocv.Mat, gocv.Mat) {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	texture := make([]uint8, rows*(cols+shift))
	for i := range texture {
		texture[i] = uint8(rng.Intn(256))
	}
	at := func(x, y int) uint8 { return texture[y*(cols+shift)+x] }

	left := noiseMat(t, rows, cols, func(x, y int) uint8 { return at(x, y) })
	right := noiseMat(t, rows, cols, func(x, y int) uint8 { return at(x+shift, y) })
	return left, right
}

func TestBlockMatchingFindsShift(t *testing.T) {
	const rows, cols, shift = 60, 120, 7
	left, right := shiftedNoise(t, rows, cols, shift)
	defer left.Close()
	defer right.Close()

	m := NewBlockMatching()
	require.NoError(t, m.SetParameters(Params{"num_disparities": 16.0, "block_size": 7.0}))
	d, err := m.Compute(left, right)
	require.NoError(t, err)
	defer d.Close()

	require.Equal(t, gocv.MatTypeCV32FC1, d.Map.Type())
	require.Equal(t, rows, d.Map.Rows())
	require.Equal(t, cols, d.Map.Cols())

	var good, total int
	for y := 10; y < rows-10; y++ {
		for x := 30; x < cols-10; x++ {
			total++
			if v := d.Map.GetFloatAt(y, x); v > shift-0.5 && v < shift+0.5 {
				good++
			}
		}
	}
	assert.Greater(t, float64(good)/float64(total), 0.95)
	assert.GreaterOrEqual(t, d.Min, 0.0)
	assert.LessOrEqual(t, d.Max, 16.0)

	for y := 0; y < rows; y++ {
		for x := 0; x < shift; x++ {
			v := d.Map.GetFloatAt(y, x)
			assert.True(t, v == InvalidDisparity || v < float32(x)+1, "pixel (%d,%d)=%v", x, y, v)
		}
	}
}

func TestBlockMatchingWithPrefilter(t *testing.T) {
	const rows, cols, shift = 60, 120, 5
	left, right := shiftedNoise(t, rows, cols, shift)
	defer left.Close()
	defer right.Close()

	for _, kind := range []string{PrefilterGaussian, PrefilterMedian} {
		t.Run(kind, func(t *testing.T) {
			m := NewBlockMatching()
			require.NoError(t, m.SetParameters(Params{
				"num_disparities": 12.0,
				"block_size":      9.0,
				"prefilter":       kind,
				"prefilter_size":  3.0,
			}))
			d, err := m.Compute(left, right)
			require.NoError(t, err)
			defer d.Close()

			var good, total int
			for y := 10; y < rows-10; y++ {
				for x := 25; x < cols-10; x++ {
					total++
					if v := d.Map.GetFloatAt(y, x); v > shift-0.5 && v < shift+0.5 {
						good++
					}
				}
			}
			assert.Greater(t, float64(good)/float64(total), 0.9)
		})
	}
}

func TestBlockMatchingRejectsBadInput(t *testing.T) {
	m := NewBlockMatching()
	a := gocv.NewMatWithSize(10, 10, gocv.MatTypeCV8UC1)
	defer a.Close()
	b := gocv.NewMatWithSize(10, 12, gocv.MatTypeCV8UC1)
	defer b.Close()
	empty := gocv.NewMat()
	defer empty.Close()

	_, err := m.Compute(a, b)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = m.Compute(empty, a)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestOpenCVFailuresAreReturned(t *testing.T) {
	a := gocv.NewMatWithSize(10, 10, gocv.MatTypeCV8UC1)
	defer a.Close()
	b := gocv.NewMatWithSize(10, 12, gocv.MatTypeCV8UC1)
	defer b.Close()
	_, err := windowCost(a, b, image.Pt(3, 3))
	assert.Error(t, err)

	// Median blur above 5x5 only accepts 8-bit input.
	f := gocv.NewMatWithSize(10, 10, gocv.MatTypeCV32FC1)
	defer f.Close()
	out, err := applyPrefilter(PrefilterMedian, 7, f)
	defer out.Close()
	assert.Error(t, err)
	assert.True(t, out.Empty())
}
