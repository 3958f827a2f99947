package navmesh

import (
	"sort"

	"github.com/go-gl/mathgl/mgl64"
)

// edgeRec is one polygon edge in cell space, parameterised along its supporting line.
type edgeRec struct {
	tile, poly, edge int
	a, b             [2]int32
	ta, tb           int64
	y                float64
}

// lineKey identifies a supporting line exactly: reduced direction plus offset.
type lineKey struct {
	nx, nz int64
	c      int64
}

// linkTiles connects every pair of collinear, opposite-facing, overlapping edges. A wall edge
// meeting a doorway edge in a T-junction links over the overlap only.
func linkTiles(tiles []Tile, cellSize float64) {
	lines := make(map[lineKey][]edgeRec)
	for ti := range tiles {
		t := &tiles[ti]
		for pi := range t.Polys {
			p := &t.Polys[pi]
			p.Links = nil
			for e := range p.Verts {
				a := t.cells[p.Verts[e]]
				b := t.cells[p.Verts[(e+1)%len(p.Verts)]]
				key, ta, tb := lineOf(a, b)
				lines[key] = append(lines[key], edgeRec{tile: ti, poly: pi, edge: e, a: a, b: b, ta: ta, tb: tb, y: p.Y})
			}
		}
	}
	for _, edges := range lines {
		for i := 0; i < len(edges); i++ {
			for j := i + 1; j < len(edges); j++ {
				e, f := edges[i], edges[j]
				if (e.ta < e.tb) == (f.ta < f.tb) || e.y != f.y {
					continue
				}
				if e.tile == f.tile && e.poly == f.poly {
					continue
				}
				lo := max(min(e.ta, e.tb), min(f.ta, f.tb))
				hi := min(max(e.ta, e.tb), max(f.ta, f.tb))
				if hi <= lo {
					continue
				}
				addLink(tiles, e, f, lo, hi, cellSize)
				addLink(tiles, f, e, lo, hi, cellSize)
			}
		}
	}
	for ti := range tiles {
		for pi := range tiles[ti].Polys {
			links := tiles[ti].Polys[pi].Links
			sort.Slice(links, func(i, j int) bool {
				if links[i].Edge != links[j].Edge {
					return links[i].Edge < links[j].Edge
				}
				return links[i].Ref < links[j].Ref
			})
		}
	}
}

func addLink(tiles []Tile, from, to edgeRec, lo, hi int64, cellSize float64) {
	p0 := pointAt(from, lo, cellSize)
	p1 := pointAt(from, hi, cellSize)
	if from.ta > from.tb {
		p0, p1 = p1, p0
	}
	p := &tiles[from.tile].Polys[from.poly]
	p.Links = append(p.Links, Link{
		Edge:   uint8(from.edge),
		Ref:    MakeRef(to.tile, to.poly),
		Portal: [2]mgl64.Vec2{p0, p1},
	})
}

// pointAt maps a line parameter on e back to a world position.
func pointAt(e edgeRec, t int64, cellSize float64) mgl64.Vec2 {
	a := mgl64.Vec2{float64(e.a[0]), float64(e.a[1])}
	b := mgl64.Vec2{float64(e.b[0]), float64(e.b[1])}
	s := float64(t-e.ta) / float64(e.tb-e.ta)
	return a.Add(b.Sub(a).Mul(s)).Mul(cellSize)
}

func lineOf(a, b [2]int32) (lineKey, int64, int64) {
	dx, dz := int64(b[0]-a[0]), int64(b[1]-a[1])
	g := gcd(abs64(dx), abs64(dz))
	nx, nz := dx/g, dz/g
	if nx < 0 || (nx == 0 && nz < 0) {
		nx, nz = -nx, -nz
	}
	c := nz*int64(a[0]) - nx*int64(a[1])
	ta := nx*int64(a[0]) + nz*int64(a[1])
	tb := nx*int64(b[0]) + nz*int64(b[1])
	return lineKey{nx: nx, nz: nz, c: c}, ta, tb
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
