package fitting

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"facefit/internal/basis"
	"facefit/pkg/geometry"
)

// frameData is the optimizer's view of one frame, in normalized meters.
type frameData struct {
	dense     []r3.Vec
	landmarks []resolvedLandmark // confidence at or above Config.MinConfidence
}

// pair binds a dense scan point to its closest point on the model surface. The
// barycentric weights stay fixed while the model moves.
type pair struct {
	point   int
	surface geometry.SurfacePoint
}

// problem is the least-squares problem for one fit. It is read-only once built.
type problem struct {
	basis    *basis.TemplateBasis
	faces    [][3]int
	frames   []frameData
	global   geometry.Similarity
	cfg      Config
	lay      layout
	ramp     bool // landmarks lead the first iterations
	temporal bool
	capSq    float64
}

func newProblem(b *basis.TemplateBasis, frames []frameData, global geometry.Similarity, temporal bool, cfg Config) *problem {
	p := &problem{
		basis:    b,
		faces:    b.Faces(),
		frames:   frames,
		global:   global,
		cfg:      cfg,
		lay:      layout{shapeDims: b.ShapeDims(), exprDims: b.ExprDims(), frames: len(frames)},
		temporal: temporal && len(frames) > 1,
	}
	limit := cfg.MaxCorrespondenceMM / cfg.ResidualScale
	p.capSq = limit * limit
	if cfg.MaxCorrespondenceMM <= 0 {
		p.capSq = math.Inf(1)
	}
	for _, fr := range frames {
		if len(fr.landmarks) > 0 {
			p.ramp = cfg.DenseRampIterations > 0
			break
		}
	}
	return p
}

// denseWeight is the dense weight multiplier for an iteration.
func (p *problem) denseWeight(iter int) float64 {
	if !p.ramp {
		return 1
	}
	return math.Min(1, float64(iter+1)/float64(p.cfg.DenseRampIterations))
}

// pose returns M = scale*G.R*rot[f], S = scale*G.R and the offset c such that a
// deformed template vertex u maps to M*u + c.
func (p *problem) pose(st *state, f int) (m, sr geometry.Mat3, c r3.Vec) {
	scale := p.global.Scale * math.Exp(st.logScale)
	sr = p.global.R.Scaled(scale)
	m = sr.Mul(st.rot[f])
	c = r3.Add(sr.MulVec(st.trans[f]), p.global.T)
	return m, sr, c
}

// vertices returns the deformed template vertices and their posed positions.
func (p *problem) vertices(st *state, f int) (u, x []r3.Vec) {
	// Parameter lengths are fixed by the layout, so Deform cannot fail here.
	u, _ = p.basis.Deform(st.shape, st.expr[f])
	m, _, c := p.pose(st, f)
	x = make([]r3.Vec, len(u))
	for i, v := range u {
		x[i] = r3.Add(m.MulVec(v), c)
	}
	return u, x
}

// match pairs every dense point with its closest point on the posed model surface.
func (p *problem) match(st *state) [][]pair {
	pairs := make([][]pair, len(p.frames))
	for f, fr := range p.frames {
		if len(fr.dense) == 0 {
			continue
		}
		_, x := p.vertices(st, f)
		index := geometry.NewMeshIndex(x, p.faces)
		out := make([]pair, len(fr.dense))
		for i, q := range fr.dense {
			sp, _, _ := index.Closest(q)
			out[i] = pair{point: i, surface: sp}
		}
		pairs[f] = out
	}
	return pairs
}

// denseTerm evaluates the trimmed, capped dense cost of one frame in squared meters
// and reports which pairs are active (kept by the trim and below the cap).
func (p *problem) denseTerm(fr frameData, x []r3.Vec, pairs []pair) (float64, []int) {
	if len(pairs) == 0 {
		return 0, nil
	}
	costs := make([]float64, len(pairs))
	order := make([]int, len(pairs))
	for i, pr := range pairs {
		costs[i] = math.Min(r3.Norm2(r3.Sub(pr.surface.Eval(x), fr.dense[pr.point])), p.capSq)
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return costs[order[a]] < costs[order[b]] })

	keep := int(math.Ceil(p.cfg.TrimFraction * float64(len(pairs))))
	if keep < 1 {
		keep = 1
	}
	if keep > len(pairs) {
		keep = len(pairs)
	}
	var sum float64
	active := make([]int, 0, keep)
	for _, i := range order[:keep] {
		sum += costs[i]
		if costs[i] < p.capSq {
			active = append(active, i)
		}
	}
	return sum, active
}

// landmarkCost is the weighted squared landmark residual in squared meters.
func landmarkCost(lm resolvedLandmark, x r3.Vec) float64 {
	d := r3.Sub(x, lm.position)
	if lm.is2D {
		d.Z = 0
	}
	return lm.confidence * r3.Norm2(d)
}

// energy is the total objective for fixed correspondences, in residual units.
func (p *problem) energy(st *state, pairs [][]pair, denseWeight float64) float64 {
	u2 := p.cfg.ResidualScale * p.cfg.ResidualScale
	w := p.cfg.Weights

	var data float64
	for f, fr := range p.frames {
		if len(fr.landmarks) == 0 && len(pairs[f]) == 0 {
			continue
		}
		_, x := p.vertices(st, f)
		var lmSum float64
		for _, lm := range fr.landmarks {
			lmSum += landmarkCost(lm, x[lm.vertex])
		}
		dense, _ := p.denseTerm(fr, x, pairs[f])
		data += w.Landmark*lmSum + w.Dense*denseWeight*dense
	}

	e := data * u2
	e += w.ShapeReg * sumSquares(st.shape)
	for f, ex := range st.expr {
		e += w.ExprReg * sumSquares(ex)
		if p.temporal && f+1 < len(st.expr) {
			var d float64
			for k := range ex {
				diff := ex[k] - st.expr[f+1][k]
				d += diff * diff
			}
			e += w.Temporal * d
		}
	}
	return e
}

func sumSquares(v []float64) float64 { return floats.Dot(v, v) }

// residualRow is one model-point-to-target constraint of the linearized system. A
// landmark contributes one row per constrained axis; a dense pair contributes a single
// row along dir, the direction from the scan point to the surface.
type residualRow struct {
	frame  int
	at     geometry.SurfacePoint
	target r3.Vec
	weight float64
	is2D   bool
	dir    *r3.Vec
}

var axes = [3]r3.Vec{{X: 1}, {Y: 1}, {Z: 1}}

func (r residualRow) directions() []r3.Vec {
	switch {
	case r.dir != nil:
		return []r3.Vec{*r.dir}
	case r.is2D:
		return axes[:2]
	default:
		return axes[:]
	}
}

// denseDirection is the unit direction from q to its surface point, or the face
// normal when the two coincide. ok is false when neither is defined.
func denseDirection(at geometry.SurfacePoint, x []r3.Vec, q r3.Vec) (r3.Vec, bool) {
	d := r3.Sub(at.Eval(x), q)
	if l := r3.Norm(d); l > 1e-12 {
		return r3.Scale(1/l, d), true
	}
	v := at.Vertices
	n := r3.Cross(r3.Sub(x[v[1]], x[v[0]]), r3.Sub(x[v[2]], x[v[0]]))
	if l := r3.Norm(n); l > 0 {
		return r3.Scale(1/l, n), true
	}
	return r3.Vec{}, false
}

// system builds the Gauss-Newton normal equations H = J'J + R and g = J'r + R*theta
// for the current state and correspondences.
func (p *problem) system(st *state, pairs [][]pair, denseWeight float64) (*mat.SymDense, *mat.VecDense) {
	w := p.cfg.Weights

	var rows []residualRow
	us := make([][]r3.Vec, len(p.frames))
	xs := make([][]r3.Vec, len(p.frames))
	for f, fr := range p.frames {
		if len(fr.landmarks) == 0 && len(pairs[f]) == 0 {
			continue
		}
		us[f], xs[f] = p.vertices(st, f)
		for _, lm := range fr.landmarks {
			rows = append(rows, residualRow{
				frame:  f,
				at:     geometry.VertexPoint(lm.vertex),
				target: lm.position,
				weight: w.Landmark * lm.confidence,
				is2D:   lm.is2D,
			})
		}
		_, active := p.denseTerm(fr, xs[f], pairs[f])
		for _, i := range active {
			pr := pairs[f][i]
			dr := residualRow{frame: f, at: pr.surface, target: fr.dense[pr.point], weight: w.Dense * denseWeight}
			if d, ok := denseDirection(pr.surface, xs[f], dr.target); ok {
				dr.dir = &d
			}
			rows = append(rows, dr)
		}
	}

	n := p.lay.size()
	count := 0
	for _, r := range rows {
		count += len(r.directions())
	}

	h := mat.NewSymDense(n, nil)
	g := mat.NewVecDense(n, nil)
	if count > 0 {
		jac := mat.NewDense(count, n, nil)
		res := mat.NewVecDense(count, nil)
		row := 0
		for _, r := range rows {
			row = p.fillRows(jac, res, row, st, us[r.frame], xs[r.frame], r)
		}
		h.SymOuterK(1, jac.T())
		g.MulVec(jac.T(), res)
	}

	p.addPrior(h, g, st)
	return h, g
}

// fillRows writes the Jacobian rows and residuals of one constraint, starting at row.
func (p *problem) fillRows(jac *mat.Dense, res *mat.VecDense, row int, st *state, u, x []r3.Vec, r residualRow) int {
	f := r.frame
	sw := math.Sqrt(r.weight) * p.cfg.ResidualScale
	m, sr, _ := p.pose(st, f)
	rotU := st.rot[f].MulVec(r.at.Eval(u))
	rotJ := sr.Mul(geometry.Skew(rotU)).Scaled(-1)

	shapeRows := blendRows(p.basis.ShapeRow, r.at, p.lay.shapeDims)
	exprRows := blendRows(p.basis.ExprRow, r.at, p.lay.exprDims)
	px := r.at.Eval(x)
	diff := r3.Sub(px, r.target)
	rel := r3.Sub(px, p.global.T)
	off := [3]float64{rel.X, rel.Y, rel.Z}

	eo := p.lay.exprOffset(f)
	ro, to := p.lay.rotOffset(f), p.lay.transOffset(f)
	for _, d := range r.directions() {
		out := jac.RawRowView(row)
		res.SetVec(row, sw*r3.Dot(d, diff))
		dv := [3]float64{d.X, d.Y, d.Z}
		for a, c := range dv {
			if c == 0 {
				continue
			}
			cw := sw * c
			for k := 0; k < p.lay.shapeDims; k++ {
				out[k] += cw * (m[a][0]*shapeRows[0][k] + m[a][1]*shapeRows[1][k] + m[a][2]*shapeRows[2][k])
			}
			for k := 0; k < p.lay.exprDims; k++ {
				out[eo+k] += cw * (m[a][0]*exprRows[0][k] + m[a][1]*exprRows[1][k] + m[a][2]*exprRows[2][k])
			}
			for j := 0; j < 3; j++ {
				out[ro+j] += cw * rotJ[a][j]
				out[to+j] += cw * sr[a][j]
			}
			out[p.lay.scaleCol()] += cw * off[a]
		}
		row++
	}
	return row
}

// blendRows returns the basis rows of a surface point, one per axis. Rows of a point
// on a vertex alias basis storage.
func blendRows(row func(v, axis int) []float64, at geometry.SurfacePoint, dims int) [3][]float64 {
	var out [3][]float64
	if at.Weights[0] == 1 {
		for a := range out {
			out[a] = row(at.Vertices[0], a)
		}
		return out
	}
	for a := range out {
		out[a] = make([]float64, dims)
		for k, v := range at.Vertices {
			if w := at.Weights[k]; w != 0 {
				floats.AddScaled(out[a], w, row(v, a))
			}
		}
	}
	return out
}

// addPrior adds the regularization and temporal terms, which are linear in the
// parameters and so enter the normal equations exactly.
func (p *problem) addPrior(h *mat.SymDense, g *mat.VecDense, st *state) {
	w := p.cfg.Weights
	for k, a := range st.shape {
		h.SetSym(k, k, h.At(k, k)+w.ShapeReg)
		g.SetVec(k, g.AtVec(k)+w.ShapeReg*a)
	}
	for f, ex := range st.expr {
		off := p.lay.exprOffset(f)
		for k, b := range ex {
			h.SetSym(off+k, off+k, h.At(off+k, off+k)+w.ExprReg)
			g.SetVec(off+k, g.AtVec(off+k)+w.ExprReg*b)
		}
		if !p.temporal || f+1 >= len(st.expr) {
			continue
		}
		next := p.lay.exprOffset(f + 1)
		for k := range ex {
			i, j := off+k, next+k
			d := w.Temporal * (ex[k] - st.expr[f+1][k])
			h.SetSym(i, i, h.At(i, i)+w.Temporal)
			h.SetSym(j, j, h.At(j, j)+w.Temporal)
			h.SetSym(i, j, h.At(i, j)-w.Temporal)
			g.SetVec(i, g.AtVec(i)+d)
			g.SetVec(j, g.AtVec(j)-d)
		}
	}
}
