package geom

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func square(x, z, size float64) Poly {
	return Poly{{x, z}, {x + size, z}, {x + size, z + size}, {x, z + size}}
}

func TestPoly_AreaAndWinding(t *testing.T) {
	sq := square(0, 0, 2)
	assert.InDelta(t, 4.0, sq.SignedArea(), 1e-9)
	assert.InDelta(t, -4.0, sq.Reversed().SignedArea(), 1e-9)
	assert.InDelta(t, 4.0, sq.Reversed().CCW().SignedArea(), 1e-9)
}

func TestPoly_ContainsAndClosest(t *testing.T) {
	sq := square(0, 0, 2)
	assert.True(t, sq.Contains(mgl64.Vec2{1, 1}))
	assert.False(t, sq.Contains(mgl64.Vec2{3, 1}))

	q := sq.ClosestPoint(mgl64.Vec2{3, 1})
	assert.InDelta(t, 2.0, q[0], 1e-9)
	assert.InDelta(t, 1.0, q[1], 1e-9)
}

func TestPoly_Centroid(t *testing.T) {
	c := square(2, 4, 2).Centroid()
	assert.InDelta(t, 3.0, c[0], 1e-9)
	assert.InDelta(t, 5.0, c[1], 1e-9)
}

func TestSegmentsIntersect(t *testing.T) {
	assert.True(t, SegmentsIntersect(mgl64.Vec2{0, 0}, mgl64.Vec2{2, 2}, mgl64.Vec2{0, 2}, mgl64.Vec2{2, 0}))
	assert.False(t, SegmentsIntersect(mgl64.Vec2{0, 0}, mgl64.Vec2{1, 0}, mgl64.Vec2{0, 1}, mgl64.Vec2{1, 1}))
	// touching endpoint counts
	assert.True(t, SegmentsIntersect(mgl64.Vec2{0, 0}, mgl64.Vec2{1, 0}, mgl64.Vec2{1, 0}, mgl64.Vec2{1, 1}))
}

func TestSegmentPolyIntersect(t *testing.T) {
	door := square(1, -0.1, 0.2)
	assert.True(t, SegmentPolyIntersect(mgl64.Vec2{0, 0}, mgl64.Vec2{3, 0}, door))
	assert.False(t, SegmentPolyIntersect(mgl64.Vec2{0, 1}, mgl64.Vec2{3, 1}, door))
}

func TestTransform_MirrorFlipsDeterminant(t *testing.T) {
	assert.Greater(t, NewTransform(3, 4, 90, false).Det(), 0.0)
	assert.Less(t, NewTransform(3, 4, 90, true).Det(), 0.0)
	assert.True(t, NewTransform(0, 0, 0, true).Reflects())
}

func TestTransform_ApplyAndInverse(t *testing.T) {
	tr := NewTransform(10, 0, 90, false)
	p := tr.Apply(mgl64.Vec2{1, 0})
	assert.InDelta(t, 10.0, p[0], 1e-9)
	assert.InDelta(t, 1.0, p[1], 1e-9)

	back := tr.Inverse().Apply(p)
	assert.InDelta(t, 1.0, back[0], 1e-9)
	assert.InDelta(t, 0.0, back[1], 1e-9)
}

func TestFromMatrix_Coefficients(t *testing.T) {
	tr := FromMatrix(-1, 0, 0, 1, 5, 6)
	assert.Equal(t, [6]float64{-1, 0, 0, 1, 5, 6}, tr.Coefficients())
	assert.True(t, tr.Reflects())
}

func TestTriangulate_Square(t *testing.T) {
	tris, err := Triangulate(square(0, 0, 1))
	require.NoError(t, err)
	assert.Len(t, tris, 2)
}

func TestTriangulate_Degenerate(t *testing.T) {
	_, err := Triangulate(Poly{{0, 0}, {1, 0}, {2, 0}})
	assert.ErrorIs(t, err, ErrDegeneratePolygon)
}

func TestTriangulate_LShape(t *testing.T) {
	l := Poly{{0, 0}, {2, 0}, {2, 1}, {1, 1}, {1, 2}, {0, 2}}
	tris, err := Triangulate(l)
	require.NoError(t, err)
	var area float64
	for _, tri := range tris {
		area += Orient(l[tri[0]], l[tri[1]], l[tri[2]]) / 2
	}
	assert.InDelta(t, 3.0, area, 1e-9)
}

func TestClipToRect(t *testing.T) {
	tri := Poly{{-1, 0}, {3, 0}, {1, 2}}
	out := ClipToRect(tri, Rect{Min: mgl64.Vec2{0, 0}, Max: mgl64.Vec2{2, 2}})
	require.NotEmpty(t, out)
	for _, v := range out {
		assert.GreaterOrEqual(t, v[0], 0.0)
		assert.LessOrEqual(t, v[0], 2.0)
	}
	assert.Empty(t, ClipToRect(tri, Rect{Min: mgl64.Vec2{5, 5}, Max: mgl64.Vec2{6, 6}}))
}

func TestPropertyTriangulationPreservesArea(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(3, 12).Draw(t, "n")
		radius := rapid.Float64Range(0.5, 10).Draw(t, "radius")
		p := make(Poly, n)
		for i := range p {
			a := 2 * math.Pi * float64(i) / float64(n)
			p[i] = mgl64.Vec2{radius * math.Cos(a), radius * math.Sin(a)}
		}
		if rapid.Bool().Draw(t, "reverse") {
			p = p.Reversed()
		}
		tris, err := Triangulate(p)
		if err != nil {
			t.Fatalf("convex polygon rejected: %v", err)
		}
		var area float64
		for _, tri := range tris {
			o := Orient(p[tri[0]], p[tri[1]], p[tri[2]])
			if o <= 0 {
				t.Fatalf("triangle %v not counter-clockwise", tri)
			}
			area += o / 2
		}
		if math.Abs(area-math.Abs(p.SignedArea())) > 1e-6 {
			t.Fatalf("area %f != %f", area, math.Abs(p.SignedArea()))
		}
	})
}

func TestPropertyClipStaysInsideRect(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		x := rapid.Float64Range(-5, 5).Draw(t, "x")
		z := rapid.Float64Range(-5, 5).Draw(t, "z")
		size := rapid.Float64Range(0.1, 6).Draw(t, "size")
		r := Rect{Min: mgl64.Vec2{0, 0}, Max: mgl64.Vec2{2, 2}}
		out := ClipToRect(square(x, z, size), r)
		for _, v := range out {
			if !r.Grow(1e-9).Contains(v) {
				t.Fatalf("clipped vertex %v outside %v", v, r)
			}
		}
	})
}

func TestPropertyMirrorReversesWinding(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		deg := rapid.Float64Range(0, 360).Draw(t, "deg")
		tr := NewTransform(1, 2, deg, true)
		mapped := tr.ApplyPoly(square(0, 0, 1))
		if mapped.SignedArea() >= 0 {
			t.Fatalf("mirrored square kept winding, area=%f", mapped.SignedArea())
		}
	})
}
