package alignment

import (
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"facefit/pkg/geometry"
)

// ICPConfig holds configuration for rigid ICP against the raw scan.
type ICPConfig struct {
	MaxIterations int       `json:"max_iterations"` // Maximum number of iterations per seed
	Epsilon       float64   `json:"epsilon"`        // Stop when the relative MSE change is below this
	MaxPoints     int       `json:"max_points"`     // Scan points used per iteration
	TrimFraction  float64   `json:"trim_fraction"`  // Keep this fraction of closest pairs (0-1]
	SeedYaws      []float64 `json:"seed_yaws"`      // Canonical yaw seeds (degrees) when no pose estimate exists
}

// DefaultICPConfig returns defaults for face-sized scans.
func DefaultICPConfig() ICPConfig {
	return ICPConfig{
		MaxIterations: 60,
		Epsilon:       1e-6,
		MaxPoints:     1000,
		TrimFraction:  0.9,
		SeedYaws:      []float64{0, 30, -30},
	}
}

// ICPResult contains the result of one ICP run.
type ICPResult struct {
	Transform  geometry.Similarity
	RMSE       float64 // RMS distance of the kept pairs, scan units
	Iterations int
	Converged  bool
	Seed       geometry.EulerDegrees
}

// seedTransform places the template, rotated by seed, over the scan: scale from the
// X/Y extents (a depth sensor sees the full frontal silhouette but only part of the
// depth), X/Y centered on the scan's box and the front-most points matched in Z.
func seedTransform(template, scan []r3.Vec, seed geometry.EulerDegrees) geometry.Similarity {
	rot := seed.Matrix()
	rotated := make([]r3.Vec, len(template))
	for i, p := range template {
		rotated[i] = rot.MulVec(p)
	}
	tb := geometry.BoundingBox(rotated)
	sb := geometry.BoundingBox(scan)
	ts, ss := tb.Size(), sb.Size()

	scale := 1.0
	if ts.X > 1e-12 && ts.Y > 1e-12 && ss.X > 1e-12 && ss.Y > 1e-12 {
		scale = (ss.X/ts.X + ss.Y/ts.Y) / 2
	}

	tCenter := r3.Scale(0.5*scale, r3.Add(tb.Min, tb.Max))
	sCenter := r3.Scale(0.5, r3.Add(sb.Min, sb.Max))
	t := r3.Vec{
		X: sCenter.X - tCenter.X,
		Y: sCenter.Y - tCenter.Y,
		Z: sb.Max.Z - scale*tb.Max.Z,
	}
	return geometry.Similarity{Scale: scale, R: rot, T: t}
}

// RunICP refines init by alternating closest-surface-point assignment with a
// point-to-plane Gauss-Newton update of the similarity. Matching happens in template
// space so the template index is built once. The returned transform is the one with
// the lowest trimmed error seen.
func RunICP(template []r3.Vec, index *geometry.MeshIndex, scan []r3.Vec, init geometry.Similarity, cfg ICPConfig) ICPResult {
	pts := geometry.Subsample(scan, cfg.MaxPoints)
	result := ICPResult{Transform: init, RMSE: math.Inf(1)}

	pairs := make([]planePair, 0, len(pts))
	current := init
	prevMSE := math.Inf(1)
	for iter := 0; iter < cfg.MaxIterations; iter++ {
		inv, ok := current.Inverse()
		if !ok {
			break
		}

		pairs = pairs[:0]
		for _, p := range pts {
			q := inv.Apply(p)
			sp, _, ok := index.Closest(q)
			if !ok {
				continue
			}
			v := sp.Eval(template)
			n := r3.Sub(v, q)
			if l := r3.Norm(n); l > 1e-12 {
				n = r3.Scale(1/l, n)
			} else {
				n = index.Normal(sp)
			}
			pairs = append(pairs, planePair{
				src:    v,
				dst:    p,
				normal: current.R.MulVec(n),
				d2:     r3.Norm2(r3.Sub(current.Apply(v), p)),
			})
		}
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].d2 < pairs[j].d2 })
		keep := int(math.Ceil(cfg.TrimFraction * float64(len(pairs))))
		if keep < 7 {
			break
		}
		pairs = pairs[:keep]

		var mse float64
		for _, pr := range pairs {
			mse += pr.d2
		}
		mse /= float64(len(pairs))
		result.Iterations = iter + 1
		if rmse := math.Sqrt(mse); rmse < result.RMSE {
			result.Transform = current
			result.RMSE = rmse
		}

		if mse <= minICPError || math.Abs(prevMSE-mse) <= cfg.Epsilon*mse {
			result.Converged = true
			break
		}
		prevMSE = mse

		next, ok := planeStep(current, pairs)
		if !ok || !next.Valid() {
			break
		}
		current = next
	}
	return result
}

// minICPError is the mean squared error treated as an exact fit.
const minICPError = 1e-20

// planePair is one ICP correspondence. src is a template surface point; normal is the
// unit residual direction in scan space.
type planePair struct {
	src, dst, normal r3.Vec
	d2               float64
}

// planeStep solves the linearized point-to-plane problem for a rotation about the
// scan origin, a translation and a log-scale change, and applies it to current.
func planeStep(current geometry.Similarity, pairs []planePair) (geometry.Similarity, bool) {
	const dims = 7
	jac := mat.NewDense(len(pairs), dims, nil)
	res := mat.NewVecDense(len(pairs), nil)
	for i, pr := range pairs {
		a := r3.Scale(current.Scale, current.R.MulVec(pr.src))
		rot := r3.Cross(a, pr.normal)
		jac.SetRow(i, []float64{rot.X, rot.Y, rot.Z, pr.normal.X, pr.normal.Y, pr.normal.Z, r3.Dot(pr.normal, a)})
		res.SetVec(i, r3.Dot(pr.normal, r3.Sub(r3.Add(a, current.T), pr.dst)))
	}

	var h mat.SymDense
	h.SymOuterK(1, jac.T())
	var g mat.VecDense
	g.MulVec(jac.T(), res)
	for i := 0; i < dims; i++ {
		h.SetSym(i, i, h.At(i, i)*(1+1e-9)+1e-15)
	}

	var chol mat.Cholesky
	if !chol.Factorize(&h) {
		return current, false
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, &g); err != nil {
		return current, false
	}
	d := x.RawVector().Data
	for _, v := range d {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return current, false
		}
	}

	omega := r3.Vec{X: -d[0], Y: -d[1], Z: -d[2]}
	return geometry.Similarity{
		Scale: current.Scale * math.Exp(-d[6]),
		R:     geometry.ExpMap(omega).Mul(current.R),
		T:     r3.Add(current.T, r3.Vec{X: -d[3], Y: -d[4], Z: -d[5]}),
	}, true
}

// AlignICP runs ICP from each seed and keeps the lowest-residual result. With no
// seeds the canonical yaw seeds from cfg are used.
func AlignICP(template []r3.Vec, index *geometry.MeshIndex, scan []r3.Vec, seeds []geometry.EulerDegrees, cfg ICPConfig) ICPResult {
	if len(seeds) == 0 {
		for _, yaw := range cfg.SeedYaws {
			seeds = append(seeds, geometry.EulerDegrees{Yaw: yaw})
		}
	}
	if len(seeds) == 0 {
		seeds = []geometry.EulerDegrees{{}}
	}

	best := ICPResult{Transform: geometry.IdentitySimilarity(), RMSE: math.Inf(1)}
	for _, seed := range seeds {
		res := RunICP(template, index, scan, seedTransform(template, scan, seed), cfg)
		res.Seed = seed
		log.WithFields(log.Fields{
			"yaw":        seed.Yaw,
			"rmse":       res.RMSE,
			"iterations": res.Iterations,
			"converged":  res.Converged,
		}).Debug("[Align] ICP seed finished")
		if res.RMSE < best.RMSE {
			best = res
		}
	}
	return best
}
