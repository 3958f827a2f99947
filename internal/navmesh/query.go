package navmesh

import (
	"container/heap"
	"errors"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/cory-johannsen/levelsim/internal/geom"
)

// ErrNoPolygon is returned when a query point is not on the mesh.
var ErrNoPolygon = errors.New("navmesh: point not on mesh")

// PolyAt returns the polygon containing p.
func (m *Mesh) PolyAt(p mgl64.Vec2) (PolyRef, bool) {
	tc := m.tileCoord(p)
	// Points on a tile border may belong to the neighbouring tile.
	for dz := int32(-1); dz <= 1; dz++ {
		for dx := int32(-1); dx <= 1; dx++ {
			ti, ok := m.index[[2]int32{tc[0] + dx, tc[1] + dz}]
			if !ok {
				continue
			}
			t := &m.Tiles[ti]
			for pi := range t.Polys {
				ref := MakeRef(ti, pi)
				outline := m.Outline(ref)
				if outline.Bounds().Grow(geom.Epsilon).Contains(p) && containsClosed(outline, p) {
					return ref, true
				}
			}
		}
	}
	return InvalidRef, false
}

// containsClosed reports whether p lies inside or on the boundary of a convex CCW polygon.
func containsClosed(poly geom.Poly, p mgl64.Vec2) bool {
	n := len(poly)
	for i := 0; i < n; i++ {
		if geom.Orient(poly[i], poly[(i+1)%n], p) < -1e-9 {
			return false
		}
	}
	return true
}

// FindNearest snaps p to the closest point on the mesh within tolerance.
//
// Postcondition: Returns (point, ref, true) when a polygon lies within tolerance of p.
func (m *Mesh) FindNearest(p mgl64.Vec2, tolerance float64) (mgl64.Vec2, PolyRef, bool) {
	if ref, ok := m.PolyAt(p); ok {
		return p, ref, true
	}
	area := geom.Rect{Min: p, Max: p}.Grow(tolerance)
	lo, hi := m.tileCoord(area.Min), m.tileCoord(area.Max)
	best, bestRef, bestDist := mgl64.Vec2{}, InvalidRef, math.Inf(1)
	for tz := lo[1] - 1; tz <= hi[1]+1; tz++ {
		for tx := lo[0] - 1; tx <= hi[0]+1; tx++ {
			ti, ok := m.index[[2]int32{tx, tz}]
			if !ok {
				continue
			}
			for pi := range m.Tiles[ti].Polys {
				ref := MakeRef(ti, pi)
				outline := m.Outline(ref)
				if !outline.Bounds().Intersects(area) {
					continue
				}
				q := outline.ClosestPoint(p)
				if d := q.Sub(p).Len(); d < bestDist {
					best, bestRef, bestDist = q, ref, d
				}
			}
		}
	}
	if bestRef == InvalidRef || bestDist > tolerance {
		return mgl64.Vec2{}, InvalidRef, false
	}
	return best, bestRef, true
}

// HeightAt returns the floor height of ref.
func (m *Mesh) HeightAt(ref PolyRef) float64 {
	_, p, ok := m.Poly(ref)
	if !ok {
		return 0
	}
	return p.Y
}

// Path is a polygon corridor from a start polygon toward a goal.
type Path struct {
	Polys []PolyRef
	// Partial is set when the goal was unreachable; the corridor ends at the closest polygon.
	Partial bool
}

type searchNode struct {
	ref    PolyRef
	pos    mgl64.Vec2
	g, f   float64
	parent int
	index  int
	closed bool
}

type openList []*searchNode

func (o openList) Len() int           { return len(o) }
func (o openList) Less(i, j int) bool { return o[i].f < o[j].f }
func (o openList) Swap(i, j int) {
	o[i], o[j] = o[j], o[i]
	o[i].index = i
	o[j].index = j
}
func (o *openList) Push(x any) {
	n := x.(*searchNode)
	n.index = len(*o)
	*o = append(*o, n)
}
func (o *openList) Pop() any {
	old := *o
	n := old[len(old)-1]
	old[len(old)-1] = nil
	*o = old[:len(old)-1]
	n.index = -1
	return n
}

// FindPath runs A* over polygons from startPos to endPos. Edge cost is the distance between
// successive portal midpoints weighted by the area cost of the polygon being crossed.
//
// Postcondition: Returns ErrNoPolygon when startPos is off the mesh.
func (m *Mesh) FindPath(startPos, endPos mgl64.Vec2) (Path, error) {
	start, ok := m.PolyAt(startPos)
	if !ok {
		return Path{}, ErrNoPolygon
	}
	goal, ok := m.PolyAt(endPos)
	if !ok {
		goal = InvalidRef
	}
	if start == goal {
		return Path{Polys: []PolyRef{start}}, nil
	}

	nodes := []*searchNode{{ref: start, pos: startPos, f: startPos.Sub(endPos).Len(), parent: -1}}
	byRef := map[PolyRef]int{start: 0}
	open := &openList{}
	heap.Push(open, nodes[0])
	bestIdx, bestH := 0, nodes[0].f

	found := -1
	for open.Len() > 0 {
		cur := heap.Pop(open).(*searchNode)
		cur.closed = true
		curIdx := byRef[cur.ref]
		if cur.ref == goal {
			found = curIdx
			break
		}
		if h := cur.pos.Sub(endPos).Len(); h < bestH {
			bestIdx, bestH = curIdx, h
		}
		_, poly, _ := m.Poly(cur.ref)
		cost := m.Cost(poly.Area)
		for _, l := range poly.Links {
			pos := l.Portal[0].Add(l.Portal[1]).Mul(0.5)
			g := cur.g + cur.pos.Sub(pos).Len()*cost
			if l.Ref == goal {
				_, gp, _ := m.Poly(goal)
				g += pos.Sub(endPos).Len() * m.Cost(gp.Area)
			}
			f := g + pos.Sub(endPos).Len()
			if idx, seen := byRef[l.Ref]; seen {
				n := nodes[idx]
				if n.closed || g >= n.g {
					continue
				}
				n.g, n.f, n.pos, n.parent = g, f, pos, curIdx
				heap.Fix(open, n.index)
				continue
			}
			n := &searchNode{ref: l.Ref, pos: pos, g: g, f: f, parent: curIdx}
			byRef[l.Ref] = len(nodes)
			nodes = append(nodes, n)
			heap.Push(open, n)
		}
	}

	end, partial := found, false
	if found < 0 {
		end, partial = bestIdx, true
	}
	var rev []PolyRef
	for i := end; i >= 0; i = nodes[i].parent {
		rev = append(rev, nodes[i].ref)
	}
	polys := make([]PolyRef, len(rev))
	for i, r := range rev {
		polys[len(rev)-1-i] = r
	}
	return Path{Polys: polys, Partial: partial}, nil
}

// portal returns the (left, right) portal leaving from toward to, seen from inside from.
func (m *Mesh) portal(from, to PolyRef) (mgl64.Vec2, mgl64.Vec2, bool) {
	_, p, ok := m.Poly(from)
	if !ok {
		return mgl64.Vec2{}, mgl64.Vec2{}, false
	}
	for _, l := range p.Links {
		if l.Ref == to {
			return l.Portal[1], l.Portal[0], true
		}
	}
	return mgl64.Vec2{}, mgl64.Vec2{}, false
}

// StraightPath pulls the corridor taut (simple stupid funnel) and returns the corners from start
// to end, excluding start. Portals are narrowed by inset on both sides when wide enough.
// A partial corridor ends at the closest point of its last polygon to end.
func (m *Mesh) StraightPath(start, end mgl64.Vec2, path Path, inset float64) []mgl64.Vec2 {
	if len(path.Polys) == 0 {
		return nil
	}
	if path.Partial {
		end = m.Outline(path.Polys[len(path.Polys)-1]).ClosestPoint(end)
	}
	type portal struct{ left, right mgl64.Vec2 }
	portals := make([]portal, 0, len(path.Polys))
	for i := 0; i+1 < len(path.Polys); i++ {
		l, r, ok := m.portal(path.Polys[i], path.Polys[i+1])
		if !ok {
			break
		}
		if d := l.Sub(r); inset > 0 && d.Len() > 2*inset {
			dir := d.Normalize().Mul(inset)
			l, r = l.Sub(dir), r.Add(dir)
		}
		portals = append(portals, portal{left: l, right: r})
	}
	portals = append(portals, portal{left: end, right: end})

	var out []mgl64.Vec2
	apex, left, right := start, start, start
	apexIdx, leftIdx, rightIdx := 0, 0, 0
	for i := 0; i < len(portals); i++ {
		pl, pr := portals[i].left, portals[i].right

		if geom.Orient(apex, right, pr) >= 0 {
			if apex.ApproxEqual(right) || geom.Orient(apex, left, pr) < 0 {
				right, rightIdx = pr, i
			} else {
				out = appendCorner(out, left)
				apex, apexIdx = left, leftIdx
				right, rightIdx = apex, apexIdx
				i = apexIdx
				continue
			}
		}

		if geom.Orient(apex, left, pl) <= 0 {
			if apex.ApproxEqual(left) || geom.Orient(apex, right, pl) > 0 {
				left, leftIdx = pl, i
			} else {
				out = appendCorner(out, right)
				apex, apexIdx = right, rightIdx
				left, leftIdx = apex, apexIdx
				i = apexIdx
				continue
			}
		}
	}
	return appendCorner(out, end)
}

func appendCorner(out []mgl64.Vec2, p mgl64.Vec2) []mgl64.Vec2 {
	if len(out) > 0 && out[len(out)-1].ApproxEqual(p) {
		return out
	}
	return append(out, p)
}
