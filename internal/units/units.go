// Package units infers whether a scan is in meters or millimeters and rescales it to meters.
package units

import (
	"gonum.org/v1/gonum/spatial/r3"

	"facefit/pkg/geometry"
)

// Unit names reported in Result.Inferred.
const (
	Meters      = "meters"
	Millimeters = "millimeters"
	Unknown     = "unknown"
	Override    = "override"
)

// WarningSuspect is attached when the scan is implausibly small for a face.
const WarningSuspect = "scan units suspect"

// Face-sized scans have a bounding-box diagonal of roughly 0.15-0.35 m.
const (
	millimeterDiagonal = 1.0
	suspectDiagonal    = 0.02
)

// Options overrides the heuristic. Scale wins over Units when both are set.
type Options struct {
	Scale float64 `json:"scale,omitempty"`
	Units string  `json:"units,omitempty"`
}

// Result is the normalized scan plus what was inferred.
type Result struct {
	Points   []r3.Vec
	Inferred string
	Scale    float64 // multiply original coordinates by this to get meters
	Warnings []string
}

// Normalize rescales points to meters. The input slice is never modified; when no
// rescaling is needed Result.Points aliases it.
func Normalize(points []r3.Vec, opts Options) Result {
	if len(points) == 0 {
		return Result{Points: points, Inferred: Unknown, Scale: 1}
	}

	diag := geometry.BoundingBox(points).Diagonal()
	res := Result{Scale: 1}
	switch {
	case opts.Scale > 0:
		res.Inferred = Override
		res.Scale = opts.Scale
	case opts.Units == Meters:
		res.Inferred = Meters
	case opts.Units == Millimeters:
		res.Inferred = Millimeters
		res.Scale = 0.001
	case diag > millimeterDiagonal:
		res.Inferred = Millimeters
		res.Scale = 0.001
	case diag < suspectDiagonal:
		res.Inferred = Unknown
		res.Warnings = append(res.Warnings, WarningSuspect)
	default:
		res.Inferred = Meters
	}

	if res.Scale == 1 {
		res.Points = points
		return res
	}
	res.Points = make([]r3.Vec, len(points))
	for i, p := range points {
		res.Points[i] = r3.Scale(res.Scale, p)
	}
	return res
}
