package geometry

import (
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

// indexedPoint is a kd-tree entry remembering its position in the source slice.
type indexedPoint struct {
	p   r3.Vec
	idx int
}

func (p indexedPoint) coord(d kdtree.Dim) float64 {
	switch d {
	case 0:
		return p.p.X
	case 1:
		return p.p.Y
	default:
		return p.p.Z
	}
}

// Compare implements kdtree.Comparable.
func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.coord(d) - c.(indexedPoint).coord(d)
}

// Dims implements kdtree.Comparable.
func (p indexedPoint) Dims() int { return 3 }

// Distance implements kdtree.Comparable and returns the squared Euclidean distance.
func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	return r3.Norm2(r3.Sub(p.p, c.(indexedPoint).p))
}

type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p indexedPoints) Len() int                      { return len(p) }
func (p indexedPoints) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}
func (p indexedPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(plane{points: p, dim: d}, kdtree.MedianOfMedians(plane{points: p, dim: d}))
}

type plane struct {
	points indexedPoints
	dim    kdtree.Dim
}

func (p plane) Len() int { return len(p.points) }
func (p plane) Less(i, j int) bool {
	return p.points[i].coord(p.dim) < p.points[j].coord(p.dim)
}
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{points: p.points[start:end], dim: p.dim}
}
func (p plane) Swap(i, j int) {
	p.points[i], p.points[j] = p.points[j], p.points[i]
}

// PointIndex answers nearest-neighbour queries over a fixed point set.
// It is safe for concurrent readers once built.
type PointIndex struct {
	tree *kdtree.Tree
	n    int
}

// NewPointIndex builds a kd-tree over points. The input slice is not modified.
func NewPointIndex(points []r3.Vec) *PointIndex {
	if len(points) == 0 {
		return &PointIndex{}
	}
	entries := make(indexedPoints, len(points))
	for i, p := range points {
		entries[i] = indexedPoint{p: p, idx: i}
	}
	return &PointIndex{tree: kdtree.New(entries, false), n: len(points)}
}

// Len returns the number of indexed points.
func (x *PointIndex) Len() int { return x.n }

// Nearest returns the index of the closest point to q and the squared distance.
// It returns -1 when the index is empty.
func (x *PointIndex) Nearest(q r3.Vec) (int, float64) {
	if x.n == 0 {
		return -1, 0
	}
	c, d := x.tree.Nearest(indexedPoint{p: q})
	if c == nil {
		return -1, 0
	}
	return c.(indexedPoint).idx, d
}

// NearestN returns the indices of up to n points closest to q, in no particular order.
func (x *PointIndex) NearestN(q r3.Vec, n int) []int {
	if x.n == 0 || n <= 0 {
		return nil
	}
	keep := kdtree.NewNKeeper(n)
	x.tree.NearestSet(keep, indexedPoint{p: q})
	out := make([]int, 0, n)
	for _, c := range keep.Heap {
		if c.Comparable == nil {
			continue
		}
		out = append(out, c.Comparable.(indexedPoint).idx)
	}
	return out
}
