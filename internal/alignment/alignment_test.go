package alignment

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"facefit/internal/basis"
	"facefit/pkg/geometry"
)

func testBasis(t *testing.T) *basis.TemplateBasis {
	t.Helper()
	b, err := basis.Synthetic(basis.DefaultSyntheticOptions().WithDims(4, 2))
	if err != nil {
		t.Fatalf("Synthetic() error = %v", err)
	}
	return b
}

func knownTransform() geometry.Similarity {
	return geometry.Similarity{
		Scale: 1.3,
		R:     geometry.EulerDegrees{Yaw: 20, Pitch: -8, Roll: 4}.Matrix(),
		T:     r3.Vec{X: 0.05, Y: -0.02, Z: 0.4},
	}
}

func maxPointError(src, dst []r3.Vec, tr geometry.Similarity) float64 {
	var worst float64
	for i := range src {
		worst = math.Max(worst, r3.Norm(r3.Sub(tr.Apply(src[i]), dst[i])))
	}
	return worst
}

func TestComputeSimilarityRecoversTransform(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	want := knownTransform()
	src := make([]r3.Vec, 20)
	dst := make([]r3.Vec, 20)
	for i := range src {
		src[i] = r3.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
		dst[i] = want.Apply(src[i])
	}

	got, err := ComputeSimilarity(src, dst, nil)
	if err != nil {
		t.Fatalf("ComputeSimilarity() error = %v", err)
	}
	if math.Abs(got.Scale-want.Scale) > 1e-9 {
		t.Errorf("scale = %v, want %v", got.Scale, want.Scale)
	}
	if e := maxPointError(src, dst, got); e > 1e-9 {
		t.Errorf("max point error = %v", e)
	}
	if !got.Valid() {
		t.Error("result is not a valid similarity")
	}
}

func TestComputeSimilarityPlanarNoReflection(t *testing.T) {
	// Planar points with a mirrored target: the best proper rotation must still have det +1.
	src := []r3.Vec{{}, {X: 1}, {Y: 1}, {X: 1, Y: 1}}
	dst := make([]r3.Vec, len(src))
	for i, p := range src {
		dst[i] = r3.Vec{X: -p.X, Y: p.Y, Z: p.Z}
	}
	got, err := ComputeSimilarity(src, dst, nil)
	if err != nil {
		t.Fatalf("ComputeSimilarity() error = %v", err)
	}
	if d := got.R.Det(); math.Abs(d-1) > 1e-9 {
		t.Errorf("det(R) = %v, want 1", d)
	}
}

func TestComputeSimilarityDegenerate(t *testing.T) {
	tests := []struct {
		name string
		src  []r3.Vec
	}{
		{"two points", []r3.Vec{{}, {X: 1}}},
		{"collinear", []r3.Vec{{}, {X: 1}, {X: 2}, {X: 3}}},
		{"coincident", []r3.Vec{{X: 1}, {X: 1}, {X: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputeSimilarity(tt.src, tt.src, nil)
			if !errors.Is(err, ErrDegenerate) {
				t.Errorf("error = %v, want ErrDegenerate", err)
			}
		})
	}
}

func TestComputeSimilarityRANSACRejectsOutlier(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	want := knownTransform()
	src := make([]r3.Vec, 12)
	dst := make([]r3.Vec, 12)
	for i := range src {
		src[i] = r3.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
		dst[i] = want.Apply(src[i])
	}
	dst[4] = r3.Add(dst[4], r3.Vec{X: 5})

	got, inliers, err := ComputeSimilarityRANSAC(src, dst, nil, 100, 0.05, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("ComputeSimilarityRANSAC() error = %v", err)
	}
	if len(inliers) != 11 {
		t.Errorf("inliers = %d, want 11", len(inliers))
	}
	clean := append(append([]r3.Vec{}, src[:4]...), src[5:]...)
	cleanDst := append(append([]r3.Vec{}, dst[:4]...), dst[5:]...)
	if e := maxPointError(clean, cleanDst, got); e > 1e-9 {
		t.Errorf("max inlier error = %v", e)
	}
}

func TestAlignPrefersLandmarks(t *testing.T) {
	b := testBasis(t)
	want := knownTransform()
	var lms []Correspondence
	for _, name := range basis.CanonicalOrder {
		idx, _ := b.Landmarks().Index(name)
		lms = append(lms, Correspondence{Vertex: idx, Position: want.Apply(b.MeanVertex(idx)), Confidence: 1})
	}
	// A low-confidence landmark with a bogus position must be ignored.
	lms = append(lms, Correspondence{Vertex: 0, Position: r3.Vec{X: 100}, Confidence: 0.1})

	res := NewAligner(b, DefaultConfig()).Align(Input{Landmarks: lms})
	if res.Method != MethodProcrustes {
		t.Fatalf("Method = %s, want %s", res.Method, MethodProcrustes)
	}
	if res.Degraded || len(res.Warnings) != 0 {
		t.Errorf("unexpected degradation: %+v", res)
	}
	mean := b.Mean()
	if e := maxPointError(mean, want.ApplyAll(mean), res.Transform); e > 1e-9 {
		t.Errorf("max vertex error = %v", e)
	}
}

func TestAlignICPFrontalScan(t *testing.T) {
	b := testBasis(t)
	want := knownTransform()
	var scan []r3.Vec
	for _, p := range b.Mean() {
		if p.Z > -0.01 {
			scan = append(scan, want.Apply(p))
		}
	}

	res := NewAligner(b, DefaultConfig()).Align(Input{Scan: scan})
	if res.Method != MethodICP {
		t.Fatalf("Method = %s, want %s", res.Method, MethodICP)
	}
	if res.RMSE > 1e-3 {
		t.Errorf("RMSE = %v, want ~0", res.RMSE)
	}
	if math.Abs(res.Transform.Scale-want.Scale) > 1e-2 {
		t.Errorf("scale = %v, want %v", res.Transform.Scale, want.Scale)
	}
}

func TestAlignICPBetweenSeeds(t *testing.T) {
	b := testBasis(t)
	tests := []struct {
		name string
		yaw  float64
	}{
		{"yaw 10", 10},
		{"yaw 20", 20},
		{"yaw -15", -15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := geometry.Similarity{Scale: 1, R: geometry.EulerDegrees{Yaw: tt.yaw}.Matrix(), T: r3.Vec{Z: 0.5}}
			var scan []r3.Vec
			for _, p := range b.Mean() {
				if p.Z > 0 {
					scan = append(scan, want.Apply(p))
				}
			}

			res := NewAligner(b, DefaultConfig()).Align(Input{Scan: scan})
			if res.Method != MethodICP {
				t.Fatalf("Method = %s, want %s", res.Method, MethodICP)
			}
			if got := geometry.EulerFromMatrix(res.Transform.R); math.Abs(got.Yaw-tt.yaw) > 0.5 {
				t.Errorf("yaw = %v, want %v", got.Yaw, tt.yaw)
			}
			if res.RMSE > 1e-4 {
				t.Errorf("RMSE = %v, want ~0", res.RMSE)
			}
			mean := b.Mean()
			if e := maxPointError(mean, want.ApplyAll(mean), res.Transform); e > 2e-3 {
				t.Errorf("max vertex error = %v", e)
			}
		})
	}
}

func TestAlignICPUsesPoseSeed(t *testing.T) {
	b := testBasis(t)
	want := geometry.Similarity{Scale: 1, R: geometry.EulerDegrees{Yaw: 75}.Matrix()}
	scan := want.ApplyAll(b.Mean())
	seed := geometry.EulerDegrees{Yaw: 70}

	res := NewAligner(b, DefaultConfig()).Align(Input{Scan: scan, PoseSeed: &seed})
	if res.Method != MethodICP {
		t.Fatalf("Method = %s, want %s", res.Method, MethodICP)
	}
	got := geometry.EulerFromMatrix(res.Transform.R)
	if math.Abs(got.Yaw-75) > 0.1 {
		t.Errorf("yaw = %v, want 75", got.Yaw)
	}
}

func TestAlignFallsBackToIdentity(t *testing.T) {
	b := testBasis(t)
	in := Input{
		Scan: []r3.Vec{{}, {X: 1}, {Y: 1}},
		Landmarks: []Correspondence{
			{Vertex: 0, Position: r3.Vec{}, Confidence: 1},
			{Vertex: 1, Position: r3.Vec{X: 1}, Confidence: 1},
		},
	}
	res := NewAligner(b, DefaultConfig()).Align(in)
	if res.Method != MethodIdentity || !res.Degraded {
		t.Fatalf("got method %s degraded=%v, want identity fallback", res.Method, res.Degraded)
	}
	if !res.Transform.Valid() {
		t.Error("fallback transform is not valid")
	}
	if len(res.Warnings) != 1 || res.Warnings[0] != WarningPoseDegraded {
		t.Errorf("Warnings = %v", res.Warnings)
	}
}
