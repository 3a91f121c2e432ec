package fitting

import (
	"context"
	"math"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Warnings produced by the optimizer.
const (
	WarningNotConverged = "did not converge within iteration budget"
	WarningDeadline     = "fit deadline reached"
	WarningNumerical    = "numerical failure; returned best parameters so far"
	WarningDegenerate   = "degenerate input; returned mean face"
)

const (
	minStepNorm  = 1e-10
	minEnergy    = 1e-12
	minLambda    = 1e-12
	diagonalZero = 1e-9
)

// IterationStat records one optimizer iteration. Energy is measured with fresh
// correspondences at the start of the iteration.
type IterationStat struct {
	Iteration       int     `json:"iteration"`
	Energy          float64 `json:"energy"`
	DenseWeight     float64 `json:"dense_weight"`
	Lambda          float64 `json:"lambda"`
	Accepted        bool    `json:"accepted"`
	Correspondences int     `json:"correspondences"`
}

type outcome struct {
	state      *state
	energy     float64
	iterations int
	converged  bool
	warnings   []string
	trace      []IterationStat
}

// optimize runs Levenberg-Marquardt from init. Dense rows are linearized point-to-plane
// but a step is accepted only when it lowers the energy with correspondences rebuilt
// at the candidate, so the state held at any time is the best found for the current
// dense weight.
func (p *problem) optimize(ctx context.Context, init *state) outcome {
	cfg := p.cfg
	st := init
	lambda := cfg.InitialLambda
	out := outcome{}

	prevEnergy := math.Inf(1)
	prevWeight := 0.0
	for iter := 0; iter < cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			log.WithError(err).Warn("[Fit] deadline reached, keeping best parameters")
			out.warnings = append(out.warnings, WarningDeadline)
			break
		}

		weight := p.denseWeight(iter)
		pairs := p.match(st)
		energy := p.energy(st, pairs, weight)
		stat := IterationStat{
			Iteration:       iter,
			Energy:          energy,
			DenseWeight:     weight,
			Correspondences: countPairs(pairs),
		}
		out.iterations = iter + 1

		if weight == 1 && (energy <= minEnergy || (prevWeight == 1 && prevEnergy-energy <= cfg.Tolerance*prevEnergy)) {
			out.converged = true
			stat.Lambda = lambda
			out.trace = append(out.trace, stat)
			break
		}

		h, g := p.system(st, pairs, weight)
		accepted, failures := false, 0
		for retry := 0; retry <= cfg.MaxDampingRetries; retry++ {
			delta, ok := solveDamped(h, g, lambda)
			if !ok {
				failures++
				lambda *= 10
				continue
			}
			if floats.Norm(delta, math.Inf(1)) < minStepNorm {
				break
			}
			cand := st.step(p.lay, delta)
			if e := p.energy(cand, p.match(cand), weight); e < energy {
				st = cand
				lambda = math.Max(lambda/10, minLambda)
				accepted = true
				break
			}
			lambda *= 10
		}
		stat.Lambda = lambda
		stat.Accepted = accepted
		out.trace = append(out.trace, stat)

		log.WithFields(log.Fields{
			"iteration": iter,
			"energy":    energy,
			"weight":    weight,
			"lambda":    lambda,
			"accepted":  accepted,
		}).Debug("[Fit] LM iteration")

		prevEnergy, prevWeight = energy, weight
		if accepted {
			continue
		}
		if failures > cfg.MaxDampingRetries {
			log.Warn("[Fit] normal equations could not be solved, stopping")
			out.warnings = append(out.warnings, WarningNumerical)
			break
		}
		// No descent direction left: a minimum at full weight, or a ramp step to skip.
		if weight == 1 {
			out.converged = true
			break
		}
		lambda = cfg.InitialLambda
	}

	if !out.converged && len(out.warnings) == 0 {
		out.warnings = append(out.warnings, WarningNotConverged)
	}
	out.state = st
	out.energy = p.energy(st, p.match(st), 1)
	return out
}

func countPairs(pairs [][]pair) int {
	n := 0
	for _, f := range pairs {
		n += len(f)
	}
	return n
}

// solveDamped solves (H + lambda*diag(H)) d = -g. It reports false when the damped
// matrix is not positive definite or the step is not finite.
func solveDamped(h *mat.SymDense, g *mat.VecDense, lambda float64) ([]float64, bool) {
	n := h.SymmetricDim()
	a := mat.NewSymDense(n, nil)
	a.CopySym(h)
	for i := 0; i < n; i++ {
		d := math.Max(h.At(i, i), diagonalZero)
		a.SetSym(i, i, h.At(i, i)+lambda*d)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, false
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, g); err != nil {
		return nil, false
	}
	delta := make([]float64, n)
	for i := range delta {
		delta[i] = -x.AtVec(i)
		if math.IsNaN(delta[i]) || math.IsInf(delta[i], 0) {
			return nil, false
		}
	}
	return delta, true
}
