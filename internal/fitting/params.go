package fitting

import (
	"gonum.org/v1/gonum/spatial/r3"

	"facefit/pkg/geometry"
)

// FramePose is the per-frame head pose relative to the global alignment.
type FramePose struct {
	Rotation    r3.Vec                `json:"rotation"`    // axis-angle, radians
	Translation r3.Vec                `json:"translation"` // template units
	Euler       geometry.EulerDegrees `json:"euler"`
}

// Params is the fitted parameter set. Rigid maps the posed template into the scan's
// original coordinate frame.
type Params struct {
	Shape      []float64           `json:"shape"`
	Expression [][]float64         `json:"expression"`
	Pose       []FramePose         `json:"pose"`
	Rigid      geometry.Similarity `json:"rigid"`
}

// state is the optimizer's working parameter set. Model vertex x for frame f is
//
//	x = scale * G.R * (rot[f] * u + trans[f]) + G.T,  scale = G.Scale * exp(logScale)
//
// where u is the deformed template vertex.
type state struct {
	shape    []float64
	expr     [][]float64
	rot      []geometry.Mat3
	trans    []r3.Vec
	logScale float64
}

func (s *state) clone() *state {
	c := &state{
		shape:    append([]float64(nil), s.shape...),
		expr:     make([][]float64, len(s.expr)),
		rot:      append([]geometry.Mat3(nil), s.rot...),
		trans:    append([]r3.Vec(nil), s.trans...),
		logScale: s.logScale,
	}
	for f, e := range s.expr {
		c.expr[f] = append([]float64(nil), e...)
	}
	return c
}

// layout maps parameters to columns of the Jacobian:
// [shape | frame 0: expr, rotation(3), translation(3) | frame 1 ... | log scale].
type layout struct {
	shapeDims int
	exprDims  int
	frames    int
}

func (l layout) frameOffset(f int) int { return l.shapeDims + f*(l.exprDims+6) }
func (l layout) exprOffset(f int) int  { return l.frameOffset(f) }
func (l layout) rotOffset(f int) int   { return l.frameOffset(f) + l.exprDims }
func (l layout) transOffset(f int) int { return l.frameOffset(f) + l.exprDims + 3 }
func (l layout) scaleCol() int         { return l.shapeDims + l.frames*(l.exprDims+6) }
func (l layout) size() int             { return l.scaleCol() + 1 }

// step applies an increment. Rotations are updated multiplicatively on the left.
func (s *state) step(l layout, delta []float64) *state {
	n := s.clone()
	for k := range n.shape {
		n.shape[k] += delta[k]
	}
	for f := range n.expr {
		off := l.exprOffset(f)
		for k := range n.expr[f] {
			n.expr[f][k] += delta[off+k]
		}
		ro := l.rotOffset(f)
		n.rot[f] = geometry.ExpMap(r3.Vec{X: delta[ro], Y: delta[ro+1], Z: delta[ro+2]}).Mul(n.rot[f])
		to := l.transOffset(f)
		n.trans[f] = r3.Add(n.trans[f], r3.Vec{X: delta[to], Y: delta[to+1], Z: delta[to+2]})
	}
	n.logScale += delta[l.scaleCol()]
	return n
}
