package geom

import (
	"errors"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// ErrDegeneratePolygon is returned when a polygon cannot be triangulated.
var ErrDegeneratePolygon = errors.New("degenerate polygon")

// Triangulate ear-clips a simple polygon into triangles indexing p.
// Output triangles are counter-clockwise regardless of input winding.
//
// Precondition: p is simple (no self intersections).
// Postcondition: Returns len(p)-2 triangles or ErrDegeneratePolygon.
func Triangulate(p Poly) ([][3]int, error) {
	n := len(p)
	if n < 3 || math.Abs(p.SignedArea()) < Epsilon {
		return nil, ErrDegeneratePolygon
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	if p.SignedArea() < 0 {
		for i := range idx {
			idx[i] = n - 1 - i
		}
	}

	tris := make([][3]int, 0, n-2)
	guard := 0
	for len(idx) > 3 {
		if guard > 2*n*n {
			return nil, ErrDegeneratePolygon
		}
		guard++
		clipped := false
		for i := range idx {
			prev := idx[(i+len(idx)-1)%len(idx)]
			cur := idx[i]
			next := idx[(i+1)%len(idx)]
			if !isEar(p, idx, prev, cur, next) {
				continue
			}
			tris = append(tris, [3]int{prev, cur, next})
			idx = append(idx[:i], idx[i+1:]...)
			clipped = true
			break
		}
		if !clipped {
			// collinear leftovers: drop the flattest vertex
			drop := 0
			best := math.Inf(1)
			for i := range idx {
				a := p[idx[(i+len(idx)-1)%len(idx)]]
				b := p[idx[i]]
				c := p[idx[(i+1)%len(idx)]]
				if o := math.Abs(Orient(a, b, c)); o < best {
					best, drop = o, i
				}
			}
			if best > Epsilon {
				return nil, ErrDegeneratePolygon
			}
			idx = append(idx[:drop], idx[drop+1:]...)
		}
	}
	if Orient(p[idx[0]], p[idx[1]], p[idx[2]]) > Epsilon {
		tris = append(tris, [3]int{idx[0], idx[1], idx[2]})
	}
	return tris, nil
}

func isEar(p Poly, idx []int, prev, cur, next int) bool {
	a, b, c := p[prev], p[cur], p[next]
	if Orient(a, b, c) <= Epsilon {
		return false
	}
	for _, k := range idx {
		if k == prev || k == cur || k == next {
			continue
		}
		if pointInTriangle(p[k], a, b, c) {
			return false
		}
	}
	return true
}

func pointInTriangle(pt, a, b, c mgl64.Vec2) bool {
	return Orient(a, b, pt) >= 0 && Orient(b, c, pt) >= 0 && Orient(c, a, pt) >= 0
}
