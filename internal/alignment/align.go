// Package alignment estimates the global similarity transform that places the mean
// template in a scan's coordinate frame, before any shape or expression deformation.
package alignment

import (
	"math"
	"math/rand"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/spatial/r3"

	"facefit/internal/basis"
	"facefit/pkg/geometry"
)

// Method records which path produced an alignment.
type Method string

const (
	MethodProcrustes Method = "procrustes"
	MethodICP        Method = "icp"
	MethodIdentity   Method = "identity"
)

// WarningPoseDegraded is attached when alignment fell back to the identity transform.
const WarningPoseDegraded = "pose estimation degraded"

// Config configures the alignment process.
type Config struct {
	MinConfidence    float64   `json:"min_confidence"`     // Landmarks below this are ignored
	MinLandmarks     int       `json:"min_landmarks"`      // Procrustes needs at least this many
	MinScanPoints    int       `json:"min_scan_points"`    // ICP needs at least this many
	RANSACLandmarks  int       `json:"ransac_landmarks"`   // Run RANSAC from this many landmarks up
	RANSACIterations int       `json:"ransac_iterations"`  // RANSAC sample count
	RANSACThreshold  float64   `json:"ransac_threshold"`   // Inlier distance as a fraction of the scaled template radius
	Seed             int64     `json:"seed"`               // RANSAC random source seed
	ICP              ICPConfig `json:"icp"`
}

// DefaultConfig returns default alignment options.
func DefaultConfig() Config {
	return Config{
		MinConfidence:    0.5,
		MinLandmarks:     3,
		MinScanPoints:    10,
		RANSACLandmarks:  6,
		RANSACIterations: 200,
		RANSACThreshold:  0.1,
		Seed:             1,
		ICP:              DefaultICPConfig(),
	}
}

// WithSeedYaws returns a copy of cfg with different canonical ICP seeds.
func (c Config) WithSeedYaws(yaws ...float64) Config {
	c.ICP.SeedYaws = append([]float64(nil), yaws...)
	return c
}

// Correspondence pairs a template vertex with an observed 3D scan position.
type Correspondence struct {
	Vertex     int
	Position   r3.Vec
	Confidence float64
}

// Input is everything alignment consumes for one frame.
type Input struct {
	Scan      []r3.Vec
	Landmarks []Correspondence
	PoseSeed  *geometry.EulerDegrees
}

// Result holds the outcome of aligning one frame. Transform is always valid.
type Result struct {
	Transform geometry.Similarity
	Method    Method
	Degraded  bool
	RMSE      float64 // residual in scan units; landmark RMS for Procrustes, trimmed ICP RMS otherwise
	Inliers   int     // landmarks kept by RANSAC, or pairs used
	Warnings  []string
}

// Aligner aligns the mean template of one basis. It is immutable and safe for
// concurrent use.
type Aligner struct {
	template []r3.Vec
	index    *geometry.MeshIndex
	cfg      Config
}

// NewAligner builds the template surface index once.
func NewAligner(b *basis.TemplateBasis, cfg Config) *Aligner {
	template := b.Mean()
	return &Aligner{
		template: template,
		index:    geometry.NewMeshIndex(template, b.Faces()),
		cfg:      cfg,
	}
}

// Align never fails: it degrades to the identity transform with a warning when neither
// landmarks nor scan points can constrain the pose.
func (a *Aligner) Align(in Input) Result {
	src, dst, weights := a.usableLandmarks(in.Landmarks)

	if len(src) >= a.cfg.MinLandmarks {
		res, err := a.alignLandmarks(src, dst, weights)
		if err == nil {
			log.WithFields(log.Fields{
				"landmarks": res.Inliers,
				"rmse":      res.RMSE,
				"scale":     res.Transform.Scale,
			}).Debug("[Align] Procrustes alignment")
			return res
		}
		log.WithError(err).Debug("[Align] landmark Procrustes unusable, trying ICP")
	}

	if len(in.Scan) >= a.cfg.MinScanPoints {
		var seeds []geometry.EulerDegrees
		if in.PoseSeed != nil {
			seeds = []geometry.EulerDegrees{*in.PoseSeed}
		}
		icp := AlignICP(a.template, a.index, in.Scan, seeds, a.cfg.ICP)
		if icp.Transform.Valid() && !math.IsInf(icp.RMSE, 1) {
			log.WithFields(log.Fields{
				"seed_yaw":   icp.Seed.Yaw,
				"rmse":       icp.RMSE,
				"iterations": icp.Iterations,
			}).Debug("[Align] ICP alignment")
			return Result{
				Transform: icp.Transform,
				Method:    MethodICP,
				RMSE:      icp.RMSE,
				Inliers:   len(in.Scan),
			}
		}
	}

	log.WithFields(log.Fields{
		"landmarks":   len(src),
		"scan_points": len(in.Scan),
	}).Warn("[Align] not enough data for alignment, using identity")
	return Result{
		Transform: geometry.IdentitySimilarity(),
		Method:    MethodIdentity,
		Degraded:  true,
		RMSE:      math.Inf(1),
		Warnings:  []string{WarningPoseDegraded},
	}
}

func (a *Aligner) usableLandmarks(lms []Correspondence) (src, dst []r3.Vec, weights []float64) {
	for _, lm := range lms {
		if lm.Confidence < a.cfg.MinConfidence || lm.Vertex < 0 || lm.Vertex >= len(a.template) {
			continue
		}
		src = append(src, a.template[lm.Vertex])
		dst = append(dst, lm.Position)
		weights = append(weights, lm.Confidence)
	}
	return src, dst, weights
}

func (a *Aligner) alignLandmarks(src, dst []r3.Vec, weights []float64) (Result, error) {
	transform, err := ComputeSimilarity(src, dst, weights)
	if err != nil {
		return Result{}, err
	}
	inliers := len(src)

	if len(src) >= a.cfg.RANSACLandmarks {
		threshold := a.cfg.RANSACThreshold * transform.Scale * geometry.RMSRadius(a.template)
		rng := rand.New(rand.NewSource(a.cfg.Seed))
		robust, kept, rerr := ComputeSimilarityRANSAC(src, dst, weights, a.cfg.RANSACIterations, threshold, rng)
		if rerr == nil {
			transform = robust
			inliers = len(kept)
		}
	}
	if !transform.Valid() {
		return Result{}, ErrDegenerate
	}

	return Result{
		Transform: transform,
		Method:    MethodProcrustes,
		RMSE:      CalculateAlignmentError(src, dst, transform),
		Inliers:   inliers,
	}, nil
}
