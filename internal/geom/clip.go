package geom

import "github.com/go-gl/mathgl/mgl64"

// ClipToRect clips a convex polygon against r (Sutherland–Hodgman).
// The result is convex and keeps the input winding; it is empty when p misses r.
func ClipToRect(p Poly, r Rect) Poly {
	out := p
	out = clipAxis(out, 0, r.Min[0], true)
	out = clipAxis(out, 0, r.Max[0], false)
	out = clipAxis(out, 1, r.Min[1], true)
	out = clipAxis(out, 1, r.Max[1], false)
	return out
}

// clipAxis keeps the half-plane v[axis] >= bound (keepAbove) or v[axis] <= bound.
func clipAxis(p Poly, axis int, bound float64, keepAbove bool) Poly {
	if len(p) == 0 {
		return p
	}
	inside := func(v mgl64.Vec2) bool {
		if keepAbove {
			return v[axis] >= bound
		}
		return v[axis] <= bound
	}
	out := make(Poly, 0, len(p)+2)
	for i := range p {
		cur := p[i]
		prev := p[(i+len(p)-1)%len(p)]
		curIn, prevIn := inside(cur), inside(prev)
		if curIn != prevIn {
			out = append(out, intersectAxis(prev, cur, axis, bound))
		}
		if curIn {
			out = append(out, cur)
		}
	}
	return out
}

// intersectAxis orders the endpoints so that an edge shared by two polygons yields a
// bit-identical crossing point from either side.
func intersectAxis(a, b mgl64.Vec2, axis int, bound float64) mgl64.Vec2 {
	if a[0] > b[0] || (a[0] == b[0] && a[1] > b[1]) {
		a, b = b, a
	}
	t := (bound - a[axis]) / (b[axis] - a[axis])
	out := a.Add(b.Sub(a).Mul(t))
	out[axis] = bound
	return out
}
