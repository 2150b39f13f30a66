package calib

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
)

const (
	gridSeedAttempts = 5
	gridTolerance    = 0.3
)

type latticeCoord struct{ m, n int }

// assembleGrid orders blob centres into a width x height grid, row-major. It
// grows a lattice from a seed near the centroid, following each step's
// measured neighbour offset so moderate perspective is tolerated, then picks
// the axis assignment that fits the pattern with rows running left to right
// and top to bottom as closely as the view allows.
func assembleGrid(centers []r2.Point, width, height int, asymmetric bool) ([]r2.Point, bool) {
	n := width * height
	if len(centers) < n {
		return nil, false
	}

	var centroid r2.Point
	for _, c := range centers {
		centroid = centroid.Add(c)
	}
	centroid = centroid.Mul(1 / float64(len(centers)))

	seeds := make([]int, len(centers))
	for i := range seeds {
		seeds[i] = i
	}
	sort.SliceStable(seeds, func(a, b int) bool {
		return centers[seeds[a]].Sub(centroid).Norm() < centers[seeds[b]].Sub(centroid).Norm()
	})
	if len(seeds) > gridSeedAttempts {
		seeds = seeds[:gridSeedAttempts]
	}

	for _, seed := range seeds {
		coords, ok := growLattice(centers, seed)
		if !ok || len(coords) != n {
			continue
		}
		if out, ok := orderLattice(centers, coords, width, height, asymmetric); ok {
			return out, true
		}
	}
	return nil, false
}

// basisAt returns the offsets to the nearest neighbour of seed and to the
// nearest neighbour that is clearly not collinear with it.
func basisAt(centers []r2.Point, seed int) (r2.Point, r2.Point, bool) {
	type cand struct {
		v r2.Point
		d float64
	}
	cands := make([]cand, 0, len(centers)-1)
	for i, c := range centers {
		if i == seed {
			continue
		}
		v := c.Sub(centers[seed])
		cands = append(cands, cand{v: v, d: v.Norm()})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].d < cands[j].d })
	if len(cands) < 2 || cands[0].d == 0 {
		return r2.Point{}, r2.Point{}, false
	}
	a := cands[0].v
	for _, c := range cands[1:] {
		if c.d == 0 {
			continue
		}
		cos := math.Abs(a.Dot(c.v)) / (cands[0].d * c.d)
		if cos < 0.5 {
			return a, c.v, true
		}
	}
	return r2.Point{}, r2.Point{}, false
}

func nearest(centers []r2.Point, target r2.Point, maxDist float64) (int, bool) {
	best, bestDist := -1, maxDist
	for i, c := range centers {
		if d := c.Sub(target).Norm(); d <= bestDist {
			best, bestDist = i, d
		}
	}
	return best, best >= 0
}

// growLattice assigns integer lattice coordinates to every centre reachable
// from seed. It fails when two centres compete for one lattice node.
func growLattice(centers []r2.Point, seed int) (map[int]latticeCoord, bool) {
	a, b, ok := basisAt(centers, seed)
	if !ok {
		return nil, false
	}

	type node struct {
		idx  int
		at   latticeCoord
		a, b r2.Point
	}
	coords := map[int]latticeCoord{seed: {}}
	occupied := map[latticeCoord]int{{}: seed}
	queue := []node{{idx: seed, a: a, b: b}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		tol := gridTolerance * math.Min(cur.a.Norm(), cur.b.Norm())

		steps := []struct {
			offset r2.Point
			dm, dn int
		}{
			{cur.a, 1, 0}, {cur.a.Mul(-1), -1, 0},
			{cur.b, 0, 1}, {cur.b.Mul(-1), 0, -1},
		}
		for _, s := range steps {
			q, found := nearest(centers, centers[cur.idx].Add(s.offset), tol)
			if !found {
				continue
			}
			want := latticeCoord{cur.at.m + s.dm, cur.at.n + s.dn}
			if have, seen := coords[q]; seen {
				if have != want {
					return nil, false
				}
				continue
			}
			if other, taken := occupied[want]; taken && other != q {
				return nil, false
			}
			coords[q] = want
			occupied[want] = q

			step := centers[q].Sub(centers[cur.idx])
			next := node{idx: q, at: want, a: cur.a, b: cur.b}
			switch {
			case s.dm != 0:
				next.a = step.Mul(float64(s.dm))
			case s.dn != 0:
				next.b = step.Mul(float64(s.dn))
			}
			queue = append(queue, next)
		}
	}
	return coords, true
}

type gridTransform struct {
	swap, flipX, flipY bool
}

func (t gridTransform) apply(x, y int) (int, int) {
	if t.swap {
		x, y = y, x
	}
	if t.flipX {
		x = -x
	}
	if t.flipY {
		y = -y
	}
	return x, y
}

// orderLattice maps lattice coordinates onto pattern rows and columns. Every
// symmetry of the square lattice is tried; the valid one whose column and row
// directions best point along +x and +y in the image wins.
func orderLattice(centers []r2.Point, coords map[int]latticeCoord, width, height int, asymmetric bool) ([]r2.Point, bool) {
	var best []r2.Point
	bestScore := math.Inf(-1)

	for mask := 0; mask < 8; mask++ {
		t := gridTransform{swap: mask&1 != 0, flipX: mask&2 != 0, flipY: mask&4 != 0}
		out, ok := placeNodes(centers, coords, t, width, height, asymmetric)
		if !ok {
			continue
		}
		if score := orientationScore(out, width, height); score > bestScore {
			best, bestScore = out, score
		}
	}
	return best, best != nil
}

func placeNodes(centers []r2.Point, coords map[int]latticeCoord, t gridTransform, width, height int, asymmetric bool) ([]r2.Point, bool) {
	type placed struct{ idx, x, y int }
	nodes := make([]placed, 0, len(coords))
	minX, minY := math.MaxInt, math.MaxInt
	for idx, c := range coords {
		x, y := c.m, c.n
		if asymmetric {
			// Diagonal neighbours in the lattice are one row and one
			// half-column apart on the board.
			x, y = c.m+c.n, c.m-c.n
		}
		x, y = t.apply(x, y)
		nodes = append(nodes, placed{idx, x, y})
		if y < minY {
			minY = y
		}
	}

	for i := range nodes {
		nodes[i].y -= minY
		if asymmetric {
			nodes[i].x -= nodes[i].y % 2
		}
		if nodes[i].x < minX {
			minX = nodes[i].x
		}
	}

	out := make([]r2.Point, width*height)
	filled := make([]bool, width*height)
	for _, nd := range nodes {
		x := nd.x - minX
		if asymmetric {
			if x%2 != 0 {
				return nil, false
			}
			x /= 2
		}
		if x < 0 || x >= width || nd.y < 0 || nd.y >= height {
			return nil, false
		}
		k := nd.y*width + x
		if filled[k] {
			return nil, false
		}
		filled[k] = true
		out[k] = centers[nd.idx]
	}
	for _, f := range filled {
		if !f {
			return nil, false
		}
	}
	return out, true
}

func orientationScore(grid []r2.Point, width, height int) float64 {
	var along, down r2.Point
	for i := 0; i < height; i++ {
		along = along.Add(grid[i*width+width-1].Sub(grid[i*width]))
	}
	for j := 0; j < width; j++ {
		down = down.Add(grid[(height-1)*width+j].Sub(grid[j]))
	}
	var score float64
	if n := along.Norm(); n > 0 {
		score += along.X / n
	}
	if n := down.Norm(); n > 0 {
		score += down.Y / n
	}
	return score
}
