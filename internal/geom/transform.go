package geom

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Transform is a 2D affine floor transform held as a homogeneous 3x3 matrix.
type Transform struct {
	m mgl64.Mat3
}

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{m: mgl64.Ident3()}
}

// NewTransform composes translate * rotate(degrees) * scale(mirrorX ? -1 : 1, 1).
//
// Postcondition: Det() < 0 iff mirrorX is set.
func NewTransform(tx, tz, degrees float64, mirrorX bool) Transform {
	sx := 1.0
	if mirrorX {
		sx = -1
	}
	rad := degrees * math.Pi / 180
	m := mgl64.Translate2D(tx, tz).Mul3(mgl64.HomogRotate2D(rad)).Mul3(mgl64.Scale2D(sx, 1))
	return Transform{m: m}
}

// FromMatrix builds a transform from the six affine coefficients (a b c d e f), column-major as in
// a 2D canvas matrix: x' = a*x + c*y + e, y' = b*x + d*y + f.
func FromMatrix(a, b, c, d, e, f float64) Transform {
	return Transform{m: mgl64.Mat3{a, b, 0, c, d, 0, e, f, 1}}
}

// Apply maps a floor point.
func (t Transform) Apply(p mgl64.Vec2) mgl64.Vec2 {
	return t.m.Mul3x1(mgl64.Vec3{p[0], p[1], 1}).Vec2()
}

// ApplyPoly maps every vertex of p.
func (t Transform) ApplyPoly(p Poly) Poly {
	out := make(Poly, len(p))
	for i, v := range p {
		out[i] = t.Apply(v)
	}
	return out
}

// Det returns the determinant of the linear part. Negative means the transform mirrors,
// which flips the winding of every polygon it maps.
func (t Transform) Det() float64 {
	return t.m.Mat2().Det()
}

// Reflects reports whether t flips polygon winding.
func (t Transform) Reflects() bool {
	return t.Det() < 0
}

// Inverse returns the inverse transform.
//
// Precondition: Det() != 0.
func (t Transform) Inverse() Transform {
	return Transform{m: t.m.Inv()}
}

// Then returns the transform applying t first and then o.
func (t Transform) Then(o Transform) Transform {
	return Transform{m: o.m.Mul3(t.m)}
}

// Coefficients returns (a b c d e f).
func (t Transform) Coefficients() [6]float64 {
	return [6]float64{t.m[0], t.m[1], t.m[3], t.m[4], t.m[6], t.m[7]}
}
