package geometry

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

// gridMesh is an n x n vertex grid with unit spacing in the z=0 plane.
func gridMesh(n int) ([]r3.Vec, [][3]int) {
	var verts []r3.Vec
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			verts = append(verts, r3.Vec{X: float64(x), Y: float64(y)})
		}
	}
	var faces [][3]int
	for y := 0; y < n-1; y++ {
		for x := 0; x < n-1; x++ {
			a, b := y*n+x, y*n+x+1
			c, d := a+n, b+n
			faces = append(faces, [3]int{a, b, d}, [3]int{a, d, c})
		}
	}
	return verts, faces
}

func TestClosestOnTriangleRegions(t *testing.T) {
	a, b, c := r3.Vec{}, r3.Vec{X: 1}, r3.Vec{Y: 1}
	tests := []struct {
		name string
		p    r3.Vec
		want r3.Vec
	}{
		{"vertex a", r3.Vec{X: -1, Y: -1, Z: 2}, a},
		{"vertex b", r3.Vec{X: 2, Y: -0.5}, b},
		{"vertex c", r3.Vec{X: -0.5, Y: 3}, c},
		{"edge ab", r3.Vec{X: 0.3, Y: -1}, r3.Vec{X: 0.3}},
		{"edge ac", r3.Vec{X: -1, Y: 0.6}, r3.Vec{Y: 0.6}},
		{"edge bc", r3.Vec{X: 1, Y: 1}, r3.Vec{X: 0.5, Y: 0.5}},
		{"interior", r3.Vec{X: 0.2, Y: 0.3, Z: -4}, r3.Vec{X: 0.2, Y: 0.3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := closestOnTriangle(tt.p, a, b, c)
			got := SurfacePoint{Vertices: [3]int{0, 1, 2}, Weights: w}.Eval([]r3.Vec{a, b, c})
			if !vecClose(got, tt.want, 1e-12) {
				t.Errorf("closest to %v = %v, want %v", tt.p, got, tt.want)
			}
			if s := w[0] + w[1] + w[2]; math.Abs(s-1) > 1e-12 {
				t.Errorf("weights %v sum to %v", w, s)
			}
		})
	}
}

func TestMeshIndexMeasuresSurfaceDistance(t *testing.T) {
	verts, faces := gridMesh(6)
	index := NewMeshIndex(verts, faces)
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 100; i++ {
		q := r3.Vec{X: 0.5 + 4*rng.Float64(), Y: 0.5 + 4*rng.Float64(), Z: rng.Float64() - 0.5}
		sp, d2, ok := index.Closest(q)
		if !ok {
			t.Fatal("Closest on a non-empty mesh reported !ok")
		}
		if math.Abs(d2-q.Z*q.Z) > 1e-12 {
			t.Errorf("Closest(%v) distance %v, want %v", q, math.Sqrt(d2), math.Abs(q.Z))
		}
		if p := sp.Eval(verts); !vecClose(p, r3.Vec{X: q.X, Y: q.Y}, 1e-9) {
			t.Errorf("Closest(%v) = %v, want its projection", q, p)
		}
	}

	// Beyond the border the closest point lies on the boundary edge.
	sp, d2, _ := index.Closest(r3.Vec{X: 2.25, Y: -1})
	if p := sp.Eval(verts); !vecClose(p, r3.Vec{X: 2.25}, 1e-9) || math.Abs(d2-1) > 1e-12 {
		t.Errorf("boundary query gave %v at distance %v", p, math.Sqrt(d2))
	}
}

func TestMeshIndexNormal(t *testing.T) {
	verts, faces := gridMesh(3)
	index := NewMeshIndex(verts, faces)
	up := r3.Vec{Z: 1}
	if n := index.Normal(SurfacePoint{Vertices: faces[0], Weights: [3]float64{0.2, 0.3, 0.5}}); !vecClose(n, up, 1e-12) {
		t.Errorf("face normal = %v, want %v", n, up)
	}
	if n := index.Normal(VertexPoint(4)); !vecClose(n, up, 1e-12) {
		t.Errorf("vertex normal = %v, want %v", n, up)
	}
	if n := NewMeshIndex(verts, nil).Normal(VertexPoint(4)); n != (r3.Vec{}) {
		t.Errorf("normal without faces = %v, want zero", n)
	}
}

func TestMeshIndexWithoutFaces(t *testing.T) {
	verts := []r3.Vec{{}, {X: 1}}
	sp, d2, ok := NewMeshIndex(verts, nil).Closest(r3.Vec{X: 0.9, Y: 0.1})
	if !ok || sp != VertexPoint(1) || math.Abs(d2-0.02) > 1e-12 {
		t.Errorf("Closest = %+v %v %v, want vertex 1", sp, d2, ok)
	}
	if _, _, ok := NewMeshIndex(nil, nil).Closest(r3.Vec{}); ok {
		t.Error("Closest on an empty mesh reported ok")
	}
}

func TestPointIndexNearestN(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	points := make([]r3.Vec, 200)
	for i := range points {
		points[i] = r3.Vec{X: rng.Float64(), Y: rng.Float64(), Z: rng.Float64()}
	}
	index := NewPointIndex(points)
	q := r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}

	order := make([]int, len(points))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return r3.Norm2(r3.Sub(points[order[a]], q)) < r3.Norm2(r3.Sub(points[order[b]], q))
	})

	got := index.NearestN(q, 5)
	sort.Slice(got, func(a, b int) bool {
		return r3.Norm2(r3.Sub(points[got[a]], q)) < r3.Norm2(r3.Sub(points[got[b]], q))
	})
	if len(got) != 5 {
		t.Fatalf("NearestN returned %d indices, want 5", len(got))
	}
	for i := range got {
		if got[i] != order[i] {
			t.Errorf("NearestN[%d] = %d, want %d", i, got[i], order[i])
		}
	}
	if got := NewPointIndex(points[:2]).NearestN(q, 5); len(got) != 2 {
		t.Errorf("NearestN over 2 points returned %d", len(got))
	}
}
