// Package basis holds the immutable morphable template: mean mesh, face topology,
// linear shape and expression bases and the semantic landmark table.
//
// A TemplateBasis is built once (from a file or the synthetic generator) and then
// shared read-only by every fit. Nothing in this package mutates a basis after New
// returns, so concurrent fits need no locking.
package basis

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"facefit/pkg/geometry"
)

// FLAME dimensions.
const (
	DefaultShapeDims = 100
	DefaultExprDims  = 50
)

// TemplateBasis is the fixed mesh topology plus its linear deformation bases.
// Coefficients are expressed in units of the training standard deviation.
type TemplateBasis struct {
	name      string
	mean      []r3.Vec
	faces     [][3]int
	shape     *mat.Dense // 3V x shapeDims, row 3v+axis
	expr      *mat.Dense // 3V x exprDims
	landmarks LandmarkTable
	radius    float64
}

// New validates the inputs and builds a basis. Each shape or expression component is a
// flattened 3V displacement vector (x0, y0, z0, x1, ...).
func New(name string, mean []r3.Vec, faces [][3]int, shapeComponents, exprComponents [][]float64, landmarks LandmarkTable) (*TemplateBasis, error) {
	v := len(mean)
	if v == 0 {
		return nil, errors.New("basis: empty mean mesh")
	}
	for i, p := range mean {
		if !geometry.Finite(p) {
			return nil, errors.Errorf("basis: mean vertex %d is not finite", i)
		}
	}
	for i, f := range faces {
		for _, idx := range f {
			if idx < 0 || idx >= v {
				return nil, errors.Errorf("basis: face %d references vertex %d of %d", i, idx, v)
			}
		}
	}
	shape, err := componentMatrix("shape", shapeComponents, v)
	if err != nil {
		return nil, err
	}
	expr, err := componentMatrix("expression", exprComponents, v)
	if err != nil {
		return nil, err
	}
	if err := landmarks.validate(v); err != nil {
		return nil, err
	}

	meanCopy := make([]r3.Vec, v)
	copy(meanCopy, mean)
	facesCopy := make([][3]int, len(faces))
	copy(facesCopy, faces)

	return &TemplateBasis{
		name:      name,
		mean:      meanCopy,
		faces:     facesCopy,
		shape:     shape,
		expr:      expr,
		landmarks: landmarks.clone(),
		radius:    geometry.RMSRadius(meanCopy),
	}, nil
}

func componentMatrix(kind string, components [][]float64, v int) (*mat.Dense, error) {
	if len(components) == 0 {
		return nil, errors.Errorf("basis: no %s components", kind)
	}
	m := mat.NewDense(3*v, len(components), nil)
	for k, c := range components {
		if len(c) != 3*v {
			return nil, errors.Errorf("basis: %s component %d has %d values, want %d", kind, k, len(c), 3*v)
		}
		m.SetCol(k, c)
	}
	return m, nil
}

// Name returns the basis name recorded at load time.
func (b *TemplateBasis) Name() string { return b.name }

// NumVertices returns V.
func (b *TemplateBasis) NumVertices() int { return len(b.mean) }

// ShapeDims returns the number of shape components.
func (b *TemplateBasis) ShapeDims() int {
	_, c := b.shape.Dims()
	return c
}

// ExprDims returns the number of expression components.
func (b *TemplateBasis) ExprDims() int {
	_, c := b.expr.Dims()
	return c
}

// Radius returns the RMS radius of the mean mesh.
func (b *TemplateBasis) Radius() float64 { return b.radius }

// Landmarks returns the landmark table.
func (b *TemplateBasis) Landmarks() LandmarkTable { return b.landmarks }

// Mean returns a copy of the mean vertices.
func (b *TemplateBasis) Mean() []r3.Vec {
	out := make([]r3.Vec, len(b.mean))
	copy(out, b.mean)
	return out
}

// MeanVertex returns mean vertex i.
func (b *TemplateBasis) MeanVertex(i int) r3.Vec { return b.mean[i] }

// Faces returns a copy of the triangle list.
func (b *TemplateBasis) Faces() [][3]int {
	out := make([][3]int, len(b.faces))
	copy(out, b.faces)
	return out
}

// ShapeRow returns the shape-basis row for vertex v and axis (0=x, 1=y, 2=z).
// The slice aliases basis storage and must not be modified.
func (b *TemplateBasis) ShapeRow(v, axis int) []float64 {
	return b.shape.RawRowView(3*v + axis)
}

// ExprRow returns the expression-basis row for vertex v and axis.
// The slice aliases basis storage and must not be modified.
func (b *TemplateBasis) ExprRow(v, axis int) []float64 {
	return b.expr.RawRowView(3*v + axis)
}

// Deform returns mean + S*shape + E*expr. A nil coefficient slice means zero.
func (b *TemplateBasis) Deform(shape, expr []float64) ([]r3.Vec, error) {
	if shape != nil && len(shape) != b.ShapeDims() {
		return nil, errors.Errorf("basis: shape has %d coefficients, want %d", len(shape), b.ShapeDims())
	}
	if expr != nil && len(expr) != b.ExprDims() {
		return nil, errors.Errorf("basis: expression has %d coefficients, want %d", len(expr), b.ExprDims())
	}
	offsets := mat.NewVecDense(3*len(b.mean), nil)
	if shape != nil {
		offsets.MulVec(b.shape, mat.NewVecDense(len(shape), shape))
	}
	if expr != nil {
		var e mat.VecDense
		e.MulVec(b.expr, mat.NewVecDense(len(expr), expr))
		offsets.AddVec(offsets, &e)
	}
	out := make([]r3.Vec, len(b.mean))
	raw := offsets.RawVector().Data
	for i, p := range b.mean {
		out[i] = r3.Vec{X: p.X + raw[3*i], Y: p.Y + raw[3*i+1], Z: p.Z + raw[3*i+2]}
	}
	return out, nil
}

// DeformVertex evaluates a single vertex of the deformed mesh.
func (b *TemplateBasis) DeformVertex(v int, shape, expr []float64) r3.Vec {
	p := b.mean[v]
	var d [3]float64
	for axis := 0; axis < 3; axis++ {
		if shape != nil {
			d[axis] += dot(b.ShapeRow(v, axis), shape)
		}
		if expr != nil {
			d[axis] += dot(b.ExprRow(v, axis), expr)
		}
	}
	return r3.Vec{X: p.X + d[0], Y: p.Y + d[1], Z: p.Z + d[2]}
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
