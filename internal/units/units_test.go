package units

import (
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func box(size float64) []r3.Vec {
	return []r3.Vec{{}, {X: size, Y: size, Z: size / 2}}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name      string
		points    []r3.Vec
		opts      Options
		wantUnits string
		wantScale float64
		wantWarn  bool
	}{
		{"meters", box(0.2), Options{}, Meters, 1, false},
		{"millimeters", box(200), Options{}, Millimeters, 0.001, false},
		{"tiny", box(0.005), Options{}, Unknown, 1, true},
		{"empty", nil, Options{}, Unknown, 1, false},
		{"scale override", box(20), Options{Scale: 0.01}, Override, 0.01, false},
		{"units override", box(0.5), Options{Units: Millimeters}, Millimeters, 0.001, false},
		{"meters override on large scan", box(2), Options{Units: Meters}, Meters, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.points, tt.opts)
			if got.Inferred != tt.wantUnits || got.Scale != tt.wantScale {
				t.Errorf("Normalize() = (%s, %v), want (%s, %v)", got.Inferred, got.Scale, tt.wantUnits, tt.wantScale)
			}
			if (len(got.Warnings) > 0) != tt.wantWarn {
				t.Errorf("Warnings = %v, wantWarn %v", got.Warnings, tt.wantWarn)
			}
			if len(got.Points) != len(tt.points) {
				t.Fatalf("len(Points) = %d, want %d", len(got.Points), len(tt.points))
			}
			for i := range got.Points {
				want := r3.Scale(tt.wantScale, tt.points[i])
				if r3.Norm(r3.Sub(got.Points[i], want)) > 1e-12 {
					t.Errorf("Points[%d] = %v, want %v", i, got.Points[i], want)
				}
			}
		})
	}
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	pts := box(300)
	before := pts[1]
	Normalize(pts, Options{})
	if pts[1] != before {
		t.Errorf("input mutated: %v -> %v", before, pts[1])
	}
}
