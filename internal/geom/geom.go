// Package geom provides the planar geometry shared by the level model, the navmesh builder,
// the crowd and the sensor world. The floor plane is XZ; Vec2{x, z} is a floor point and
// Vec3{x, y, z} a world point with Y up.
package geom

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Epsilon is the tolerance used for degenerate-geometry checks.
const Epsilon = 1e-9

// XZ projects a world point onto the floor plane.
func XZ(v mgl64.Vec3) mgl64.Vec2 {
	return mgl64.Vec2{v[0], v[2]}
}

// FromXZ lifts a floor point to a world point at height y.
func FromXZ(p mgl64.Vec2, y float64) mgl64.Vec3 {
	return mgl64.Vec3{p[0], y, p[1]}
}

// Cross2 returns the z component of the cross product of a and b.
func Cross2(a, b mgl64.Vec2) float64 {
	return a[0]*b[1] - a[1]*b[0]
}

// Orient returns twice the signed area of triangle abc; positive when counter-clockwise.
func Orient(a, b, c mgl64.Vec2) float64 {
	return Cross2(b.Sub(a), c.Sub(a))
}

// Finite reports whether both components of p are finite numbers.
func Finite(p mgl64.Vec2) bool {
	return !math.IsNaN(p[0]) && !math.IsNaN(p[1]) && !math.IsInf(p[0], 0) && !math.IsInf(p[1], 0)
}

// Rect is an axis-aligned rectangle on the floor plane.
type Rect struct {
	Min mgl64.Vec2
	Max mgl64.Vec2
}

// Contains reports whether p lies inside r (inclusive).
func (r Rect) Contains(p mgl64.Vec2) bool {
	return p[0] >= r.Min[0] && p[0] <= r.Max[0] && p[1] >= r.Min[1] && p[1] <= r.Max[1]
}

// Intersects reports whether r and o overlap.
func (r Rect) Intersects(o Rect) bool {
	return r.Min[0] <= o.Max[0] && o.Min[0] <= r.Max[0] && r.Min[1] <= o.Max[1] && o.Min[1] <= r.Max[1]
}

// Grow returns r expanded by d on every side.
func (r Rect) Grow(d float64) Rect {
	return Rect{Min: mgl64.Vec2{r.Min[0] - d, r.Min[1] - d}, Max: mgl64.Vec2{r.Max[0] + d, r.Max[1] + d}}
}

// Center returns the midpoint of r.
func (r Rect) Center() mgl64.Vec2 {
	return r.Min.Add(r.Max).Mul(0.5)
}

// Poly is a simple polygon on the floor plane.
type Poly []mgl64.Vec2

// SignedArea returns the signed area; positive for counter-clockwise winding.
func (p Poly) SignedArea() float64 {
	var sum float64
	for i := range p {
		j := (i + 1) % len(p)
		sum += Cross2(p[i], p[j])
	}
	return sum / 2
}

// Bounds returns the axis-aligned bounds of p.
//
// Precondition: len(p) > 0.
func (p Poly) Bounds() Rect {
	r := Rect{Min: p[0], Max: p[0]}
	for _, v := range p[1:] {
		r.Min[0] = math.Min(r.Min[0], v[0])
		r.Min[1] = math.Min(r.Min[1], v[1])
		r.Max[0] = math.Max(r.Max[0], v[0])
		r.Max[1] = math.Max(r.Max[1], v[1])
	}
	return r
}

// Centroid returns the area centroid of p, falling back to the vertex mean for degenerate polygons.
func (p Poly) Centroid() mgl64.Vec2 {
	a := p.SignedArea()
	if math.Abs(a) < Epsilon {
		var sum mgl64.Vec2
		for _, v := range p {
			sum = sum.Add(v)
		}
		return sum.Mul(1 / float64(len(p)))
	}
	var cx, cy float64
	for i := range p {
		j := (i + 1) % len(p)
		f := Cross2(p[i], p[j])
		cx += (p[i][0] + p[j][0]) * f
		cy += (p[i][1] + p[j][1]) * f
	}
	return mgl64.Vec2{cx / (6 * a), cy / (6 * a)}
}

// Contains reports whether pt lies inside p using the even-odd rule.
func (p Poly) Contains(pt mgl64.Vec2) bool {
	inside := false
	for i, j := 0, len(p)-1; i < len(p); j, i = i, i+1 {
		a, b := p[i], p[j]
		if (a[1] > pt[1]) != (b[1] > pt[1]) {
			x := (b[0]-a[0])*(pt[1]-a[1])/(b[1]-a[1]) + a[0]
			if pt[0] < x {
				inside = !inside
			}
		}
	}
	return inside
}

// ClosestPoint returns the point of p (interior included) nearest to pt.
func (p Poly) ClosestPoint(pt mgl64.Vec2) mgl64.Vec2 {
	if p.Contains(pt) {
		return pt
	}
	best := p[0]
	bestD := math.Inf(1)
	for i := range p {
		q := ClosestOnSegment(pt, p[i], p[(i+1)%len(p)])
		if d := q.Sub(pt).Len(); d < bestD {
			best, bestD = q, d
		}
	}
	return best
}

// Reversed returns a copy of p with the opposite winding.
func (p Poly) Reversed() Poly {
	out := make(Poly, len(p))
	for i, v := range p {
		out[len(p)-1-i] = v
	}
	return out
}

// CCW returns p wound counter-clockwise.
func (p Poly) CCW() Poly {
	if p.SignedArea() < 0 {
		return p.Reversed()
	}
	return p
}

// ClosestOnSegment returns the point of segment ab nearest to p.
func ClosestOnSegment(p, a, b mgl64.Vec2) mgl64.Vec2 {
	ab := b.Sub(a)
	den := ab.Dot(ab)
	if den < Epsilon {
		return a
	}
	t := p.Sub(a).Dot(ab) / den
	t = math.Max(0, math.Min(1, t))
	return a.Add(ab.Mul(t))
}

// SegmentsIntersect reports whether segments ab and cd intersect (touching counts).
func SegmentsIntersect(a, b, c, d mgl64.Vec2) bool {
	d1 := Orient(c, d, a)
	d2 := Orient(c, d, b)
	d3 := Orient(a, b, c)
	d4 := Orient(a, b, d)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return (math.Abs(d1) < Epsilon && onSegment(c, d, a)) ||
		(math.Abs(d2) < Epsilon && onSegment(c, d, b)) ||
		(math.Abs(d3) < Epsilon && onSegment(a, b, c)) ||
		(math.Abs(d4) < Epsilon && onSegment(a, b, d))
}

func onSegment(a, b, p mgl64.Vec2) bool {
	return p[0] >= math.Min(a[0], b[0])-Epsilon && p[0] <= math.Max(a[0], b[0])+Epsilon &&
		p[1] >= math.Min(a[1], b[1])-Epsilon && p[1] <= math.Max(a[1], b[1])+Epsilon
}

// SegmentPolyIntersect reports whether segment ab touches the convex polygon poly.
//
// Precondition: poly is convex.
func SegmentPolyIntersect(a, b mgl64.Vec2, poly Poly) bool {
	if poly.Contains(a) || poly.Contains(b) {
		return true
	}
	for i := range poly {
		if SegmentsIntersect(a, b, poly[i], poly[(i+1)%len(poly)]) {
			return true
		}
	}
	return false
}
