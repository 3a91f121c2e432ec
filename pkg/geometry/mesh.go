package geometry

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// surfaceCandidates is how many nearby vertices seed the face search in Closest.
const surfaceCandidates = 4

// SurfacePoint is a point on a triangle mesh, given as barycentric weights over the
// corners of one face. A point sitting on a vertex repeats that vertex.
type SurfacePoint struct {
	Vertices [3]int     `json:"vertices"`
	Weights  [3]float64 `json:"weights"`
}

// VertexPoint returns the surface point at vertex v.
func VertexPoint(v int) SurfacePoint {
	return SurfacePoint{Vertices: [3]int{v, v, v}, Weights: [3]float64{1, 0, 0}}
}

// Eval returns the position of the surface point on a mesh with the given vertices.
func (s SurfacePoint) Eval(vertices []r3.Vec) r3.Vec {
	var p r3.Vec
	for k, v := range s.Vertices {
		if s.Weights[k] != 0 {
			p = r3.Add(p, r3.Scale(s.Weights[k], vertices[v]))
		}
	}
	return p
}

// MeshIndex answers closest-surface-point queries over a triangle mesh. Faces are
// searched around the nearest few vertices, which finds the true closest point
// whenever the mesh is reasonably regular.
type MeshIndex struct {
	vertices []r3.Vec
	faces    [][3]int
	incident [][]int
	points   *PointIndex
}

// NewMeshIndex indexes a mesh. Zero-area faces are ignored; with no faces the index
// falls back to nearest-vertex queries.
func NewMeshIndex(vertices []r3.Vec, faces [][3]int) *MeshIndex {
	m := &MeshIndex{
		vertices: vertices,
		faces:    faces,
		incident: make([][]int, len(vertices)),
		points:   NewPointIndex(vertices),
	}
	for i, f := range faces {
		a, b, c := vertices[f[0]], vertices[f[1]], vertices[f[2]]
		if r3.Norm2(r3.Cross(r3.Sub(b, a), r3.Sub(c, a))) == 0 {
			continue
		}
		for _, v := range f {
			m.incident[v] = append(m.incident[v], i)
		}
	}
	return m
}

// Len returns the number of indexed vertices.
func (m *MeshIndex) Len() int { return m.points.Len() }

// Closest returns the surface point nearest to q and its squared distance. ok is
// false when the mesh has no vertices.
func (m *MeshIndex) Closest(q r3.Vec) (sp SurfacePoint, d2 float64, ok bool) {
	near := m.points.NearestN(q, surfaceCandidates)
	if len(near) == 0 {
		return SurfacePoint{}, 0, false
	}
	sp, d2 = VertexPoint(near[0]), r3.Norm2(r3.Sub(m.vertices[near[0]], q))
	for _, v := range near {
		if d := r3.Norm2(r3.Sub(m.vertices[v], q)); d < d2 {
			sp, d2 = VertexPoint(v), d
		}
		for _, fi := range m.incident[v] {
			f := m.faces[fi]
			cand := SurfacePoint{Vertices: f, Weights: closestOnTriangle(q, m.vertices[f[0]], m.vertices[f[1]], m.vertices[f[2]])}
			if d := r3.Norm2(r3.Sub(cand.Eval(m.vertices), q)); d < d2 {
				sp, d2 = cand, d
			}
		}
	}
	return sp, d2, true
}

// Normal returns the unit surface normal at sp: the face normal, or the area-weighted
// normal of the incident faces for a point on a vertex. It is zero where neither exists.
func (m *MeshIndex) Normal(sp SurfacePoint) r3.Vec {
	v := sp.Vertices
	n := r3.Cross(r3.Sub(m.vertices[v[1]], m.vertices[v[0]]), r3.Sub(m.vertices[v[2]], m.vertices[v[0]]))
	if r3.Norm2(n) == 0 && v[0] == v[1] && v[1] == v[2] {
		for _, fi := range m.incident[v[0]] {
			f := m.faces[fi]
			n = r3.Add(n, r3.Cross(r3.Sub(m.vertices[f[1]], m.vertices[f[0]]), r3.Sub(m.vertices[f[2]], m.vertices[f[0]])))
		}
	}
	if l := r3.Norm(n); l > 0 {
		return r3.Scale(1/l, n)
	}
	return r3.Vec{}
}

// closestOnTriangle returns the barycentric weights of the point of triangle abc
// closest to p, by Voronoi region of the triangle's features.
func closestOnTriangle(p, a, b, c r3.Vec) [3]float64 {
	ab, ac, ap := r3.Sub(b, a), r3.Sub(c, a), r3.Sub(p, a)
	d1, d2 := r3.Dot(ab, ap), r3.Dot(ac, ap)
	if d1 <= 0 && d2 <= 0 {
		return [3]float64{1, 0, 0}
	}

	bp := r3.Sub(p, b)
	d3, d4 := r3.Dot(ab, bp), r3.Dot(ac, bp)
	if d3 >= 0 && d4 <= d3 {
		return [3]float64{0, 1, 0}
	}
	vc := d1*d4 - d3*d2
	if vc <= 0 && d1 >= 0 && d3 <= 0 {
		v := d1 / (d1 - d3)
		return [3]float64{1 - v, v, 0}
	}

	cp := r3.Sub(p, c)
	d5, d6 := r3.Dot(ab, cp), r3.Dot(ac, cp)
	if d6 >= 0 && d5 <= d6 {
		return [3]float64{0, 0, 1}
	}
	vb := d5*d2 - d1*d6
	if vb <= 0 && d2 >= 0 && d6 <= 0 {
		w := d2 / (d2 - d6)
		return [3]float64{1 - w, 0, w}
	}
	va := d3*d6 - d5*d4
	if va <= 0 && d4-d3 >= 0 && d5-d6 >= 0 {
		w := (d4 - d3) / ((d4 - d3) + (d5 - d6))
		return [3]float64{0, 1 - w, w}
	}

	denom := 1 / (va + vb + vc)
	v, w := vb*denom, vc*denom
	return [3]float64{1 - v - w, v, w}
}
