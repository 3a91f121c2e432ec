package alignment

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"facefit/pkg/geometry"
)

// ErrDegenerate is returned when point pairs cannot constrain a 3D similarity,
// e.g. fewer than 3 pairs or all sources collinear.
var ErrDegenerate = errors.New("degenerate point configuration")

// ComputeSimilarity solves the weighted orthogonal Procrustes problem (Umeyama):
// the scale, rotation and translation minimizing sum w_i |s*R*src_i + t - dst_i|^2.
// A nil weights slice weighs every pair equally.
func ComputeSimilarity(src, dst []r3.Vec, weights []float64) (geometry.Similarity, error) {
	if len(src) != len(dst) {
		return geometry.Similarity{}, errors.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	if weights != nil && len(weights) != len(src) {
		return geometry.Similarity{}, errors.Errorf("weight count mismatch: %d vs %d", len(weights), len(src))
	}
	if len(src) < 3 {
		return geometry.Similarity{}, errors.Wrapf(ErrDegenerate, "need at least 3 points, got %d", len(src))
	}

	w := func(i int) float64 {
		if weights == nil {
			return 1
		}
		return weights[i]
	}

	// Weighted centroids
	var total float64
	var srcC, dstC r3.Vec
	for i := range src {
		wi := w(i)
		total += wi
		srcC = r3.Add(srcC, r3.Scale(wi, src[i]))
		dstC = r3.Add(dstC, r3.Scale(wi, dst[i]))
	}
	if total <= 0 {
		return geometry.Similarity{}, errors.Wrap(ErrDegenerate, "weights sum to zero")
	}
	srcC = r3.Scale(1/total, srcC)
	dstC = r3.Scale(1/total, dstC)

	// Cross-covariance dst x src^T and source variance
	cov := mat.NewDense(3, 3, nil)
	var srcVar float64
	for i := range src {
		wi := w(i) / total
		s := r3.Sub(src[i], srcC)
		d := r3.Sub(dst[i], dstC)
		srcVar += wi * r3.Norm2(s)
		sv := [3]float64{s.X, s.Y, s.Z}
		dv := [3]float64{d.X, d.Y, d.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				cov.Set(r, c, cov.At(r, c)+wi*dv[r]*sv[c])
			}
		}
	}
	if srcVar < 1e-18 {
		return geometry.Similarity{}, errors.Wrap(ErrDegenerate, "source points coincide")
	}
	if collinear(src, srcC) {
		return geometry.Similarity{}, errors.Wrap(ErrDegenerate, "source points are collinear")
	}

	var svd mat.SVD
	if !svd.Factorize(cov, mat.SVDFull) {
		return geometry.Similarity{}, errors.New("SVD of cross-covariance failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	sigma := svd.Values(nil)

	// Reflection guard: flip the weakest axis when det(U)*det(V) < 0.
	d := [3]float64{1, 1, 1}
	if mat.Det(&u)*mat.Det(&v) < 0 {
		d[2] = -1
	}

	var rot geometry.Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += u.At(r, k) * d[k] * v.At(c, k)
			}
			rot[r][c] = sum
		}
	}

	scale := (sigma[0]*d[0] + sigma[1]*d[1] + sigma[2]*d[2]) / srcVar
	if !(scale > 0) {
		return geometry.Similarity{}, errors.Wrapf(ErrDegenerate, "non-positive scale %g", scale)
	}

	t := r3.Sub(dstC, r3.Scale(scale, rot.MulVec(srcC)))
	return geometry.Similarity{Scale: scale, R: rot, T: t}, nil
}

// collinear reports whether the points (centered at c) span less than a plane.
func collinear(points []r3.Vec, c r3.Vec) bool {
	scatter := mat.NewSymDense(3, nil)
	for _, p := range points {
		q := r3.Sub(p, c)
		v := [3]float64{q.X, q.Y, q.Z}
		for r := 0; r < 3; r++ {
			for k := r; k < 3; k++ {
				scatter.SetSym(r, k, scatter.At(r, k)+v[r]*v[k])
			}
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(scatter, false) {
		return true
	}
	vals := eig.Values(nil) // ascending
	return vals[1] <= 1e-9*vals[2]
}

// ComputeSimilarityRANSAC rejects outlier pairs before the weighted least-squares solve.
// It samples minimal 3-point sets, counts pairs within threshold (destination units) and
// refits on the largest consensus set.
func ComputeSimilarityRANSAC(src, dst []r3.Vec, weights []float64, iterations int, threshold float64, rng *rand.Rand) (geometry.Similarity, []int, error) {
	if len(src) != len(dst) || len(src) < 3 {
		return geometry.Similarity{}, nil, errors.Wrap(ErrDegenerate, "invalid point sets")
	}

	n := len(src)
	var bestInliers []int
	var bestErr float64

	for iter := 0; iter < iterations; iter++ {
		// Randomly sample 3 pairs
		indices := rng.Perm(n)[:3]
		sample := make([]r3.Vec, 3)
		target := make([]r3.Vec, 3)
		for i, idx := range indices {
			sample[i] = src[idx]
			target[i] = dst[idx]
		}

		transform, err := ComputeSimilarity(sample, target, nil)
		if err != nil {
			continue
		}

		// Count inliers
		var inliers []int
		var sumErr float64
		for i := range src {
			dist := r3.Norm(r3.Sub(transform.Apply(src[i]), dst[i]))
			if dist < threshold {
				inliers = append(inliers, i)
				sumErr += dist
			}
		}

		if len(inliers) > len(bestInliers) || (len(inliers) == len(bestInliers) && sumErr < bestErr) {
			bestInliers = inliers
			bestErr = sumErr
		}
	}

	if len(bestInliers) < 3 {
		return geometry.Similarity{}, nil, errors.New("RANSAC failed to find enough inliers")
	}

	// Recompute transform using all inliers
	inlierSrc := make([]r3.Vec, len(bestInliers))
	inlierDst := make([]r3.Vec, len(bestInliers))
	var inlierW []float64
	if weights != nil {
		inlierW = make([]float64, len(bestInliers))
	}
	for i, idx := range bestInliers {
		inlierSrc[i] = src[idx]
		inlierDst[i] = dst[idx]
		if weights != nil {
			inlierW[i] = weights[idx]
		}
	}

	final, err := ComputeSimilarity(inlierSrc, inlierDst, inlierW)
	if err != nil {
		return geometry.Similarity{}, nil, err
	}
	return final, bestInliers, nil
}

// CalculateAlignmentError returns the RMS distance between transformed sources and destinations.
func CalculateAlignmentError(src, dst []r3.Vec, transform geometry.Similarity) float64 {
	if len(src) != len(dst) || len(src) == 0 {
		return math.Inf(1)
	}

	var total float64
	for i := range src {
		total += r3.Norm2(r3.Sub(transform.Apply(src[i]), dst[i]))
	}
	return math.Sqrt(total / float64(len(src)))
}
