package basis

import (
	"math"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func smallOptions() SyntheticOptions {
	return DefaultSyntheticOptions().WithDims(8, 4)
}

func TestSyntheticTopology(t *testing.T) {
	b, err := Synthetic(smallOptions())
	if err != nil {
		t.Fatalf("Synthetic() error = %v", err)
	}
	opts := smallOptions()
	wantV := 2 + (opts.Rings-1)*opts.Segments
	if b.NumVertices() != wantV {
		t.Errorf("NumVertices() = %d, want %d", b.NumVertices(), wantV)
	}
	wantF := 2*opts.Segments + 2*opts.Segments*(opts.Rings-2)
	if len(b.Faces()) != wantF {
		t.Errorf("len(Faces()) = %d, want %d", len(b.Faces()), wantF)
	}
	if b.ShapeDims() != 8 || b.ExprDims() != 4 {
		t.Errorf("dims = (%d, %d), want (8, 4)", b.ShapeDims(), b.ExprDims())
	}
	for _, name := range CanonicalOrder {
		if _, ok := b.Landmarks().Index(name); !ok {
			t.Errorf("landmark %q missing", name)
		}
	}
}

func TestSyntheticNoseIsFrontMost(t *testing.T) {
	b, err := Synthetic(smallOptions())
	if err != nil {
		t.Fatal(err)
	}
	nose, _ := b.Landmarks().Index(NoseTip)
	noseZ := b.MeanVertex(nose).Z
	for i := 0; i < b.NumVertices(); i++ {
		if b.MeanVertex(i).Z > noseZ+1e-12 {
			t.Fatalf("vertex %d (z=%v) is in front of the nose tip (z=%v)", i, b.MeanVertex(i).Z, noseZ)
		}
	}
}

func TestDeformMatchesDeformVertex(t *testing.T) {
	b, err := Synthetic(smallOptions())
	if err != nil {
		t.Fatal(err)
	}
	shape := []float64{1, -0.5, 0.2, 0, 0, 0.7, -1, 0.3}
	expr := []float64{0.4, 0, -0.8, 0.1}
	verts, err := b.Deform(shape, expr)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range []int{0, 17, 200, b.NumVertices() - 1} {
		got := b.DeformVertex(v, shape, expr)
		if r3.Norm(r3.Sub(got, verts[v])) > 1e-12 {
			t.Errorf("vertex %d: DeformVertex = %v, Deform = %v", v, got, verts[v])
		}
	}

	mean, err := b.Deform(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i, p := range b.Mean() {
		if mean[i] != p {
			t.Fatalf("Deform(nil, nil)[%d] = %v, want mean %v", i, mean[i], p)
		}
	}

	if _, err := b.Deform([]float64{1}, nil); err == nil {
		t.Error("Deform with wrong shape length should fail")
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	mean := []r3.Vec{{}, {X: 1}, {Y: 1}}
	comp := [][]float64{make([]float64, 9)}
	tests := []struct {
		name      string
		mean      []r3.Vec
		faces     [][3]int
		shape     [][]float64
		landmarks LandmarkTable
	}{
		{"empty mean", nil, nil, comp, nil},
		{"face out of range", mean, [][3]int{{0, 1, 3}}, comp, nil},
		{"short component", mean, nil, [][]float64{make([]float64, 8)}, nil},
		{"no components", mean, nil, nil, nil},
		{"landmark out of range", mean, nil, comp, LandmarkTable{NoseTip: 5}},
		{"shared landmark vertex", mean, nil, comp, LandmarkTable{NoseTip: 1, Chin: 1}},
		{"nan vertex", []r3.Vec{{X: math.NaN()}, {}, {}}, nil, comp, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New("bad", tt.mean, tt.faces, tt.shape, comp, tt.landmarks); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestSaveLoadPreservesDeformation(t *testing.T) {
	b, err := Synthetic(smallOptions())
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "basis.json")
	if err := b.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	shape := []float64{0.5, 0, 0, -1, 0, 0, 0, 2}
	want, _ := b.Deform(shape, nil)
	got, _ := loaded.Deform(shape, nil)
	for i := range want {
		if r3.Norm(r3.Sub(want[i], got[i])) > 1e-12 {
			t.Fatalf("vertex %d differs after reload: %v vs %v", i, got[i], want[i])
		}
	}
	if len(loaded.Landmarks()) != len(b.Landmarks()) {
		t.Errorf("landmarks lost on reload")
	}
}

func TestSyntheticComponentsOrthogonal(t *testing.T) {
	b, err := Synthetic(DefaultSyntheticOptions())
	if err != nil {
		t.Fatalf("Synthetic() error = %v", err)
	}
	if b.ShapeDims() != DefaultShapeDims || b.ExprDims() != DefaultExprDims {
		t.Fatalf("dims = (%d, %d)", b.ShapeDims(), b.ExprDims())
	}

	// Flattened components, shape first.
	var comps [][]float64
	for k := 0; k < b.ShapeDims()+b.ExprDims(); k++ {
		c := make([]float64, 3*b.NumVertices())
		for v := 0; v < b.NumVertices(); v++ {
			for axis := 0; axis < 3; axis++ {
				if k < b.ShapeDims() {
					c[3*v+axis] = b.ShapeRow(v, axis)[k]
				} else {
					c[3*v+axis] = b.ExprRow(v, axis)[k-b.ShapeDims()]
				}
			}
		}
		comps = append(comps, c)
	}
	norm := func(c []float64) float64 { return math.Sqrt(dot(c, c)) }

	for i := range comps {
		if norm(comps[i]) == 0 {
			t.Fatalf("component %d is zero", i)
		}
		for j := i + 1; j < len(comps); j++ {
			if c := dot(comps[i], comps[j]) / (norm(comps[i]) * norm(comps[j])); math.Abs(c) > 1e-9 {
				t.Fatalf("components %d and %d have cosine %v", i, j, c)
			}
		}
	}

	// No component may move the mesh rigidly: each is orthogonal to a translation.
	for axis := 0; axis < 3; axis++ {
		tr := make([]float64, 3*b.NumVertices())
		for v := 0; v < b.NumVertices(); v++ {
			tr[3*v+axis] = 1
		}
		for k, c := range comps {
			if cos := dot(c, tr) / (norm(c) * norm(tr)); math.Abs(cos) > 1e-9 {
				t.Errorf("component %d has cosine %v with translation %d", k, cos, axis)
			}
		}
	}
}

func TestSyntheticRejectsTooManyComponents(t *testing.T) {
	opts := DefaultSyntheticOptions()
	opts.Rings, opts.Segments = 4, 4
	if _, err := Synthetic(opts); err == nil {
		t.Error("Synthetic() error = nil for more components than vertices")
	}
}
