package fitting

import (
	"facefit/internal/alignment"
	"facefit/internal/quality"
)

// Weights scales each energy term.
type Weights struct {
	Landmark float64 `json:"landmark"`
	Dense    float64 `json:"dense"`
	ShapeReg float64 `json:"shape_reg"`
	ExprReg  float64 `json:"expr_reg"`
	Temporal float64 `json:"temporal"`
}

// Config holds optimizer settings plus the configs of the stages it drives.
type Config struct {
	Weights Weights `json:"weights"`

	MaxIterations       int     `json:"max_iterations"`
	Tolerance           float64 `json:"tolerance"`             // relative energy change for convergence
	DenseRampIterations int     `json:"dense_ramp_iterations"` // 0 disables the ramp
	MaxDensePoints      int     `json:"max_dense_points"`      // per frame
	MinDensePoints      int     `json:"min_dense_points"`
	TrimFraction        float64 `json:"trim_fraction"`
	MaxCorrespondenceMM float64 `json:"max_correspondence_mm"`
	MinConfidence       float64 `json:"min_confidence"` // landmarks below this are ignored
	ResidualScale       float64 `json:"residual_scale"` // meters to residual units (1000 = millimeters)
	InitialLambda       float64 `json:"initial_lambda"`
	MaxDampingRetries   int     `json:"max_damping_retries"`

	Alignment alignment.Config `json:"alignment"`
	Quality   quality.Config   `json:"quality"`
}

// DefaultConfig returns the default fitting configuration.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Landmark: 1.0,
			Dense:    0.1,
			ShapeReg: 0.01,
			ExprReg:  0.01,
			Temporal: 0.05,
		},
		MaxIterations:       100,
		Tolerance:           1e-4,
		DenseRampIterations: 5,
		MaxDensePoints:      1500,
		MinDensePoints:      10,
		TrimFraction:        0.98,
		MaxCorrespondenceMM: 30,
		MinConfidence:       0.5,
		ResidualScale:       1000,
		InitialLambda:       1e-3,
		MaxDampingRetries:   10,
		Alignment:           alignment.DefaultConfig(),
		Quality:             quality.DefaultConfig(),
	}
}

// WithMaxIterations returns a copy of c with a different iteration cap.
func (c Config) WithMaxIterations(n int) Config {
	c.MaxIterations = n
	return c
}

// WithRegularization returns a copy of c with different prior weights.
func (c Config) WithRegularization(shape, expr float64) Config {
	c.Weights.ShapeReg = shape
	c.Weights.ExprReg = expr
	return c
}

// WithoutDenseRamp returns a copy of c that applies the full dense weight from the
// first iteration.
func (c Config) WithoutDenseRamp() Config {
	c.DenseRampIterations = 0
	return c
}
