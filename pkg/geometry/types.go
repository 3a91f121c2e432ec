// Package geometry provides the 3D value types shared by alignment and fitting.
package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Mat3 is a row-major 3x3 matrix.
type Mat3 [3][3]float64

// Identity3 returns the 3x3 identity matrix.
func Identity3() Mat3 {
	return Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// MulVec returns m * v.
func (m Mat3) MulVec(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// Mul returns m * other.
func (m Mat3) Mul(other Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[i][0]*other[0][j] + m[i][1]*other[1][j] + m[i][2]*other[2][j]
		}
	}
	return out
}

// Transpose returns the transpose of m.
func (m Mat3) Transpose() Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[j][i]
		}
	}
	return out
}

// Det returns the determinant of m.
func (m Mat3) Det() float64 {
	return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
}

// Scaled returns m with every element multiplied by f.
func (m Mat3) Scaled(f float64) Mat3 {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] *= f
		}
	}
	return m
}

// IsRotation reports whether m is orthogonal with determinant +1 within tol.
func (m Mat3) IsRotation(tol float64) bool {
	p := m.Mul(m.Transpose())
	id := Identity3()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(p[i][j]-id[i][j]) > tol {
				return false
			}
		}
	}
	return math.Abs(m.Det()-1) <= tol
}

// Skew returns the cross-product matrix [v]x so that Skew(v).MulVec(u) == v x u.
func Skew(v r3.Vec) Mat3 {
	return Mat3{
		{0, -v.Z, v.Y},
		{v.Z, 0, -v.X},
		{-v.Y, v.X, 0},
	}
}

// Similarity is a uniform-scale rigid transform: p' = Scale * R * p + T.
type Similarity struct {
	Scale float64 `json:"scale"`
	R     Mat3    `json:"rotation"`
	T     r3.Vec  `json:"translation"`
}

// IdentitySimilarity returns the identity transform.
func IdentitySimilarity() Similarity {
	return Similarity{Scale: 1, R: Identity3()}
}

// Apply applies the transform to a point.
func (s Similarity) Apply(p r3.Vec) r3.Vec {
	return r3.Add(r3.Scale(s.Scale, s.R.MulVec(p)), s.T)
}

// ApplyAll applies the transform to every point, returning a new slice.
func (s Similarity) ApplyAll(points []r3.Vec) []r3.Vec {
	out := make([]r3.Vec, len(points))
	for i, p := range points {
		out[i] = s.Apply(p)
	}
	return out
}

// Compose returns this transform composed with another (s * other).
func (s Similarity) Compose(other Similarity) Similarity {
	return Similarity{
		Scale: s.Scale * other.Scale,
		R:     s.R.Mul(other.R),
		T:     s.Apply(other.T),
	}
}

// Inverse returns the inverse transform, if it exists.
func (s Similarity) Inverse() (Similarity, bool) {
	if math.Abs(s.Scale) < 1e-12 {
		return Similarity{}, false
	}
	rt := s.R.Transpose()
	inv := 1.0 / s.Scale
	return Similarity{
		Scale: inv,
		R:     rt,
		T:     r3.Scale(-inv, rt.MulVec(s.T)),
	}, true
}

// Valid reports whether the transform has positive finite scale and a proper rotation.
func (s Similarity) Valid() bool {
	if !(s.Scale > 0) || math.IsInf(s.Scale, 0) {
		return false
	}
	if !Finite(s.T) {
		return false
	}
	return s.R.IsRotation(1e-6)
}

// Finite reports whether all components of p are finite.
func Finite(p r3.Vec) bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsNaN(p.Z) &&
		!math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0) && !math.IsInf(p.Z, 0)
}
