// Package quality turns fit residuals and diagnostics into a score, a pass/fail
// decision and human-readable warnings. It classifies only; callers decide what to do.
package quality

import (
	"math"
)

// Warnings produced by the gate.
const (
	WarningHighResidual     = "high residual after convergence"
	WarningLandmarkCoverage = "insufficient landmark coverage"
	WarningPoseDegraded     = "pose estimation degraded"
	WarningShapeRange       = "shape parameters out of expected range"
	WarningLandmarkMismatch = "landmark mismatch"
	WarningNoseError        = "high nose-tip error"
	WarningOutlierRatio     = "high outlier ratio"
)

// Config holds gate thresholds and penalty weights.
type Config struct {
	MaxMeanResidualMM        float64 `json:"max_mean_residual_mm"`
	MaxLandmarkRMSMM         float64 `json:"max_landmark_rms_mm"`
	MaxNoseErrorMM           float64 `json:"max_nose_error_mm"`
	MaxOutlierRatio          float64 `json:"max_outlier_ratio"`
	MinLandmarkConfidence    float64 `json:"min_landmark_confidence"`
	MaxLowConfidenceFraction float64 `json:"max_low_confidence_fraction"`
	ShapeSigmaLimit          float64 `json:"shape_sigma_limit"`
	OutlierMM                float64 `json:"outlier_mm"`
	PassThreshold            float64 `json:"pass_threshold"`

	ResidualPenalty       float64 `json:"residual_penalty"`
	CoveragePenalty       float64 `json:"coverage_penalty"`
	DegradedPenalty       float64 `json:"degraded_penalty"`
	ShapeRangePenalty     float64 `json:"shape_range_penalty"`
	MismatchPenalty       float64 `json:"mismatch_penalty"`
	NonConvergencePenalty float64 `json:"non_convergence_penalty"`
	NosePenalty           float64 `json:"nose_penalty"`
	OutlierPenalty        float64 `json:"outlier_penalty"`
}

// DefaultConfig returns default gate settings.
func DefaultConfig() Config {
	return Config{
		MaxMeanResidualMM:        2.0,
		MaxLandmarkRMSMM:         4.0,
		MaxNoseErrorMM:           4.0,
		MaxOutlierRatio:          0.1,
		MinLandmarkConfidence:    0.5,
		MaxLowConfidenceFraction: 0.3,
		ShapeSigmaLimit:          3.0,
		OutlierMM:                5.0,
		PassThreshold:            0.5,

		ResidualPenalty:       0.4,
		CoveragePenalty:       0.2,
		DegradedPenalty:       0.3,
		ShapeRangePenalty:     0.2,
		MismatchPenalty:       0.1,
		NonConvergencePenalty: 0.1,
		NosePenalty:           0.2,
		OutlierPenalty:        0.1,
	}
}

// WithPassThreshold returns a copy of c with a different pass threshold.
func (c Config) WithPassThreshold(v float64) Config {
	c.PassThreshold = v
	return c
}

// Signals are the diagnostics the gate consumes.
type Signals struct {
	Surface             SurfaceMetrics
	LandmarkRMSMM       float64   // only meaningful when landmarks were observed
	NoseTipErrorMM      float64   // model nose tip to nearest scan point; zero when unknown
	LandmarkConfidences []float64 // every observed landmark of every frame
	AlignmentDegraded   bool
	Shape               []float64
	Converged           bool
	Warnings            []string // upstream warnings, reported first
}

// Report is the gate's verdict.
type Report struct {
	Score     float64            `json:"score"`
	Pass      bool               `json:"pass"`
	Warnings  []string           `json:"warnings"`
	Penalties map[string]float64 `json:"penalties,omitempty"`
}

// Evaluate scores a fit. Every check contributes independently: a warning when its
// threshold is crossed and a penalty proportional to how bad the signal is.
func Evaluate(s Signals, cfg Config) Report {
	r := Report{Penalties: make(map[string]float64)}
	seen := make(map[string]bool)
	warn := func(w string) {
		if !seen[w] {
			seen[w] = true
			r.Warnings = append(r.Warnings, w)
		}
	}
	for _, w := range s.Warnings {
		warn(w)
	}

	// Dense residual
	if s.Surface.Points > 0 && cfg.MaxMeanResidualMM > 0 {
		if s.Surface.MeanMM > cfg.MaxMeanResidualMM {
			warn(WarningHighResidual)
		}
		r.Penalties["residual"] = cfg.ResidualPenalty * math.Min(s.Surface.MeanMM/(2*cfg.MaxMeanResidualMM), 1)
	}

	// Nose tip against the scan
	if cfg.MaxNoseErrorMM > 0 && s.NoseTipErrorMM > 0 {
		if s.NoseTipErrorMM > cfg.MaxNoseErrorMM {
			warn(WarningNoseError)
		}
		r.Penalties["nose"] = cfg.NosePenalty * math.Min(s.NoseTipErrorMM/(2*cfg.MaxNoseErrorMM), 1)
	}

	if s.Surface.Points > 0 && s.Surface.OutlierRatio > cfg.MaxOutlierRatio {
		warn(WarningOutlierRatio)
		r.Penalties["outliers"] = cfg.OutlierPenalty
	}

	// Landmark coverage
	lowFraction := 1.0
	if n := len(s.LandmarkConfidences); n > 0 {
		var low int
		for _, c := range s.LandmarkConfidences {
			if c < cfg.MinLandmarkConfidence {
				low++
			}
		}
		lowFraction = float64(low) / float64(n)
	}
	if lowFraction > cfg.MaxLowConfidenceFraction {
		warn(WarningLandmarkCoverage)
	}
	r.Penalties["coverage"] = cfg.CoveragePenalty * lowFraction

	// Landmark agreement
	if len(s.LandmarkConfidences) > 0 && s.LandmarkRMSMM > cfg.MaxLandmarkRMSMM {
		warn(WarningLandmarkMismatch)
		r.Penalties["landmark_mismatch"] = cfg.MismatchPenalty
	}

	if s.AlignmentDegraded {
		warn(WarningPoseDegraded)
		r.Penalties["degraded"] = cfg.DegradedPenalty
	}

	var worst float64
	for _, v := range s.Shape {
		worst = math.Max(worst, math.Abs(v))
	}
	if worst > cfg.ShapeSigmaLimit {
		warn(WarningShapeRange)
		r.Penalties["shape_range"] = cfg.ShapeRangePenalty
	}

	if !s.Converged {
		r.Penalties["non_convergence"] = cfg.NonConvergencePenalty
	}

	score := 1.0
	for _, p := range r.Penalties {
		score -= p
	}
	r.Score = math.Max(0, math.Min(1, score))
	r.Pass = r.Score >= cfg.PassThreshold
	if r.Warnings == nil {
		r.Warnings = []string{}
	}
	return r
}
