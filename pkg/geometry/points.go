package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Box is an axis-aligned bounding box.
type Box struct {
	Min r3.Vec `json:"min"`
	Max r3.Vec `json:"max"`
}

// Size returns the edge lengths of the box.
func (b Box) Size() r3.Vec {
	return r3.Sub(b.Max, b.Min)
}

// Diagonal returns the length of the box diagonal.
func (b Box) Diagonal() float64 {
	return r3.Norm(b.Size())
}

// MeanExtent returns the average edge length.
func (b Box) MeanExtent() float64 {
	s := b.Size()
	return (s.X + s.Y + s.Z) / 3
}

// Centroid computes the centroid (average position) of a set of points.
func Centroid(points []r3.Vec) r3.Vec {
	if len(points) == 0 {
		return r3.Vec{}
	}
	var sum r3.Vec
	for _, p := range points {
		sum = r3.Add(sum, p)
	}
	return r3.Scale(1/float64(len(points)), sum)
}

// BoundingBox computes the axis-aligned bounding box of a set of points.
func BoundingBox(points []r3.Vec) Box {
	if len(points) == 0 {
		return Box{}
	}
	b := Box{Min: points[0], Max: points[0]}
	for _, p := range points[1:] {
		b.Min.X = math.Min(b.Min.X, p.X)
		b.Min.Y = math.Min(b.Min.Y, p.Y)
		b.Min.Z = math.Min(b.Min.Z, p.Z)
		b.Max.X = math.Max(b.Max.X, p.X)
		b.Max.Y = math.Max(b.Max.Y, p.Y)
		b.Max.Z = math.Max(b.Max.Z, p.Z)
	}
	return b
}

// RMSRadius returns the root-mean-square distance of the points from their centroid.
func RMSRadius(points []r3.Vec) float64 {
	if len(points) == 0 {
		return 0
	}
	c := Centroid(points)
	var sum float64
	for _, p := range points {
		sum += r3.Norm2(r3.Sub(p, c))
	}
	return math.Sqrt(sum / float64(len(points)))
}

// Subsample returns at most n points picked at a fixed stride, preserving order.
// The selection is deterministic so repeated fits see the same points.
func Subsample(points []r3.Vec, n int) []r3.Vec {
	if n <= 0 || len(points) <= n {
		return points
	}
	out := make([]r3.Vec, n)
	step := float64(len(points)) / float64(n)
	for i := range out {
		out[i] = points[int(float64(i)*step)]
	}
	return out
}
