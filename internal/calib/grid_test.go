package calib

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// boardToImage applies a mild rotation, scale and offset to board coordinates.
func boardToImage(p Pattern, angle, scale float64, offset r2.Point) []r2.Point {
	s, c := math.Sincos(angle)
	coords := p.Coordinates()
	out := make([]r2.Point, len(coords))
	for i, v := range coords {
		out[i] = r2.Point{
			X: scale*(c*v.X-s*v.Y) + offset.X,
			Y: scale*(s*v.X+c*v.Y) + offset.Y,
		}
	}
	return out
}

func shuffled(pts []r2.Point, seed int64) []r2.Point {
	out := append([]r2.Point(nil), pts...)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func TestAssembleGrid(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		w, h  int
		angle float64
	}{
		{"symmetric", Circles, 5, 4, 0.05},
		{"symmetric tilted", Circles, 6, 3, -0.2},
		{"asymmetric", AsymmetricCircles, 4, 11, 0.03},
		{"asymmetric tilted", AsymmetricCircles, 3, 6, -0.15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPattern(tt.kind, tt.w, tt.h, 1, 0, 0)
			require.NoError(t, err)
			want := boardToImage(p, tt.angle, 30, r2.Point{X: 80, Y: 60})

			got, ok := assembleGrid(shuffled(want, 7), tt.w, tt.h, tt.kind == AsymmetricCircles)
			require.True(t, ok)
			require.Len(t, got, len(want))
			for i := range want {
				assert.InDelta(t, want[i].X, got[i].X, 1e-9, "node %d", i)
				assert.InDelta(t, want[i].Y, got[i].Y, 1e-9, "node %d", i)
			}
		})
	}
}

func TestAssembleGridRejectsWrongCount(t *testing.T) {
	p, err := NewPattern(Circles, 4, 4, 1, 0, 0)
	require.NoError(t, err)
	pts := boardToImage(p, 0, 20, r2.Point{X: 50, Y: 50})

	_, ok := assembleGrid(pts[:10], 4, 4, false)
	assert.False(t, ok)

	_, ok = assembleGrid(pts, 5, 4, false)
	assert.False(t, ok)
}

func TestFindHomography(t *testing.T) {
	h := mat.NewDense(3, 3, []float64{
		1.2, 0.1, 30,
		-0.05, 0.9, 12,
		1e-4, 2e-4, 1,
	})
	var src, dst []r2.Point
	for y := 0.0; y < 4; y++ {
		for x := 0.0; x < 5; x++ {
			p := r2.Point{X: x * 25, Y: y * 25}
			src = append(src, p)
			dst = append(dst, applyHomography(h, p))
		}
	}

	got, err := findHomography(src, dst)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(h, got, 1e-6))

	_, err = findHomography(src[:3], dst[:3])
	assert.ErrorIs(t, err, errDegenerate)
}
