// Package fitting recovers identity, expression and head pose of a parametric face
// model from scan point clouds and sparse landmarks. Fit is the single entry point:
// it normalizes units, aligns each frame rigidly, refines all parameters with
// Levenberg-Marquardt and grades the result.
package fitting

import (
	"context"
	"math"
	"time"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/spatial/r3"

	"facefit/internal/alignment"
	"facefit/internal/basis"
	"facefit/internal/quality"
	"facefit/internal/units"
	"facefit/pkg/geometry"
)

// AlignmentInfo summarizes the rigid alignment of one frame.
type AlignmentInfo struct {
	Frame    int              `json:"frame"`
	Method   alignment.Method `json:"method"`
	RMSEMM   float64          `json:"rmse_mm"`
	Inliers  int              `json:"inliers"`
	Degraded bool             `json:"degraded"`
}

// Metrics are the fit's surface and landmark diagnostics.
type Metrics struct {
	Surface        quality.SurfaceMetrics `json:"surface"`
	LandmarkRMSMM  float64                `json:"landmark_rms_mm"`
	NoseTipErrorMM float64                `json:"nose_tip_error_mm"`
	Units          string                 `json:"units"`
	UnitScale      float64                `json:"unit_scale"`
}

// StageResult records one pipeline stage.
type StageResult struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Energy   float64       `json:"energy,omitempty"`
}

// Result is a complete fit. Vertices are per frame, in the scan's original units and
// coordinate frame.
type Result struct {
	Params     Params             `json:"params"`
	Energy     float64            `json:"energy"`
	Iterations int                `json:"iterations"`
	Converged  bool               `json:"converged"`
	Quality    float64            `json:"quality"`
	Pass       bool               `json:"pass"`
	Warnings   []string           `json:"warnings"`
	Penalties  map[string]float64 `json:"penalties,omitempty"`
	Vertices   [][]r3.Vec         `json:"vertices,omitempty"`
	Faces      [][3]int           `json:"faces,omitempty"`
	Metrics    Metrics            `json:"metrics"`
	Alignment  []AlignmentInfo    `json:"alignment"`
	Stages     []StageResult      `json:"stages"`
	Trace      []IterationStat    `json:"trace,omitempty"`
}

type stageTimer struct {
	stages []StageResult
	start  time.Time
}

func (t *stageTimer) done(name string, energy float64) {
	now := time.Now()
	t.stages = append(t.stages, StageResult{Name: name, Duration: now.Sub(t.start), Energy: energy})
	t.start = now
}

// Fit fits the basis to the request. The only error is *InputError; every other
// problem degrades the result and is reported through Warnings and the quality score.
// When ctx is done the best parameters found so far are returned.
func Fit(ctx context.Context, b *basis.TemplateBasis, req Request, cfg Config) (*Result, error) {
	frames, err := prepare(b, req)
	if err != nil {
		return nil, err
	}
	timer := &stageTimer{start: time.Now()}
	var warnings []string

	// Units are inferred from the first frame and applied to every frame.
	norm := units.Normalize(frames[0].scan, req.Units)
	warnings = append(warnings, norm.Warnings...)
	for f := range frames {
		if f == 0 {
			frames[f].scan = norm.Points
		} else {
			frames[f].scan = scalePoints(frames[f].scan, norm.Scale)
		}
		for i := range frames[f].landmarks {
			frames[f].landmarks[i].position = r3.Scale(norm.Scale, frames[f].landmarks[i].position)
		}
	}
	timer.done("units", 0)

	aligner := alignment.NewAligner(b, cfg.Alignment)
	aligned := make([]alignment.Result, len(frames))
	infos := make([]AlignmentInfo, len(frames))
	degraded := false
	for f, fr := range frames {
		aligned[f] = aligner.Align(alignment.Input{
			Scan:      fr.scan,
			Landmarks: correspondences(fr.landmarks),
			PoseSeed:  fr.poseSeed,
		})
		infos[f] = AlignmentInfo{
			Frame:    f,
			Method:   aligned[f].Method,
			Inliers:  aligned[f].Inliers,
			Degraded: aligned[f].Degraded,
		}
		if !math.IsInf(aligned[f].RMSE, 0) {
			infos[f].RMSEMM = aligned[f].RMSE * 1000
		}
		degraded = degraded || aligned[f].Degraded
	}
	if degraded {
		warnings = append(warnings, alignment.WarningPoseDegraded)
	}
	timer.done("alignment", 0)

	global := aligned[0].Transform
	data := make([]frameData, len(frames))
	usable, dense := 0, 0
	for f, fr := range frames {
		data[f].dense = geometry.Subsample(fr.scan, cfg.MaxDensePoints)
		dense += len(data[f].dense)
		for _, lm := range fr.landmarks {
			if lm.confidence >= cfg.MinConfidence {
				data[f].landmarks = append(data[f].landmarks, lm)
			}
		}
		usable += len(data[f].landmarks)
	}

	prob := newProblem(b, data, global, req.TemporallyOrdered, cfg)

	var out outcome
	if dense < cfg.MinDensePoints && usable < cfg.Alignment.MinLandmarks {
		log.WithFields(log.Fields{
			"dense_points": dense,
			"landmarks":    usable,
		}).Warn("[Fit] degenerate input, returning mean face")
		mean := initialState(b, nil, global, aligned)
		out = outcome{state: mean, warnings: []string{WarningDegenerate}}
		out.energy = prob.energy(mean, prob.match(mean), 1)
	} else {
		out = prob.optimize(ctx, initialState(b, req.InitialShape, global, aligned))
	}
	warnings = append(warnings, out.warnings...)
	timer.done("optimize", out.energy)

	res := &Result{
		Energy:     out.energy,
		Iterations: out.iterations,
		Converged:  out.converged,
		Faces:      b.Faces(),
		Alignment:  infos,
		Trace:      out.trace,
	}
	verts := make([][]r3.Vec, len(frames))
	for f := range frames {
		_, verts[f] = prob.vertices(out.state, f)
	}
	res.Metrics = measure(b, frames, data, verts, cfg)
	res.Metrics.Units = norm.Inferred
	res.Metrics.UnitScale = norm.Scale
	res.Params = exportParams(prob, out.state, norm.Scale)
	res.Vertices = make([][]r3.Vec, len(frames))
	for f, vs := range verts {
		res.Vertices[f] = scalePoints(vs, 1/norm.Scale)
	}

	var confidences []float64
	for _, fr := range frames {
		for _, lm := range fr.landmarks {
			confidences = append(confidences, lm.confidence)
		}
	}
	report := quality.Evaluate(quality.Signals{
		Surface:             res.Metrics.Surface,
		LandmarkRMSMM:       res.Metrics.LandmarkRMSMM,
		NoseTipErrorMM:      res.Metrics.NoseTipErrorMM,
		LandmarkConfidences: confidences,
		AlignmentDegraded:   degraded,
		Shape:               out.state.shape,
		Converged:           out.converged,
		Warnings:            warnings,
	}, cfg.Quality)
	res.Quality = report.Score
	res.Pass = report.Pass
	res.Warnings = report.Warnings
	res.Penalties = report.Penalties
	timer.done("quality", 0)
	res.Stages = timer.stages

	log.WithFields(log.Fields{
		"frames":     len(frames),
		"iterations": res.Iterations,
		"converged":  res.Converged,
		"energy":     res.Energy,
		"mean_mm":    res.Metrics.Surface.MeanMM,
		"quality":    res.Quality,
		"pass":       res.Pass,
	}).Info("[Fit] fit complete")
	return res, nil
}

func scalePoints(points []r3.Vec, s float64) []r3.Vec {
	out := make([]r3.Vec, len(points))
	for i, p := range points {
		out[i] = r3.Scale(s, p)
	}
	return out
}

// correspondences returns the 3D landmarks usable for rigid alignment.
func correspondences(lms []resolvedLandmark) []alignment.Correspondence {
	var out []alignment.Correspondence
	for _, lm := range lms {
		if lm.is2D {
			continue
		}
		out = append(out, alignment.Correspondence{Vertex: lm.vertex, Position: lm.position, Confidence: lm.confidence})
	}
	return out
}

// initialState seeds the optimizer. Frame 0 defines the global transform; other frames
// start from their own alignment expressed relative to it.
func initialState(b *basis.TemplateBasis, initialShape []float64, global geometry.Similarity, aligned []alignment.Result) *state {
	st := &state{
		shape: make([]float64, b.ShapeDims()),
		expr:  make([][]float64, len(aligned)),
		rot:   make([]geometry.Mat3, len(aligned)),
		trans: make([]r3.Vec, len(aligned)),
	}
	copy(st.shape, initialShape)
	rgT := global.R.Transpose()
	for f, a := range aligned {
		st.expr[f] = make([]float64, b.ExprDims())
		st.rot[f] = geometry.Identity3()
		if f == 0 || a.Degraded {
			continue
		}
		st.rot[f] = rgT.Mul(a.Transform.R)
		st.trans[f] = r3.Scale(1/global.Scale, rgT.MulVec(r3.Sub(a.Transform.T, global.T)))
	}
	return st
}

// exportParams converts the working state to Params in the scan's original units.
func exportParams(p *problem, st *state, unitScale float64) Params {
	out := Params{
		Shape:      append([]float64(nil), st.shape...),
		Expression: make([][]float64, len(st.expr)),
		Pose:       make([]FramePose, len(st.rot)),
		Rigid: geometry.Similarity{
			Scale: p.global.Scale * math.Exp(st.logScale) / unitScale,
			R:     p.global.R,
			T:     r3.Scale(1/unitScale, p.global.T),
		},
	}
	for f := range st.rot {
		out.Expression[f] = append([]float64(nil), st.expr[f]...)
		out.Pose[f] = FramePose{
			Rotation:    geometry.LogMap(st.rot[f]),
			Translation: st.trans[f],
			Euler:       geometry.EulerFromMatrix(st.rot[f]),
		}
	}
	return out
}

// measure computes scan-to-model and landmark errors on the final model.
func measure(b *basis.TemplateBasis, frames []preparedFrame, data []frameData, verts [][]r3.Vec, cfg Config) Metrics {
	var distances, lmErrors []float64
	faces := b.Faces()
	for f, fr := range frames {
		index := geometry.NewMeshIndex(verts[f], faces)
		for _, q := range fr.scan {
			if _, d2, ok := index.Closest(q); ok {
				distances = append(distances, math.Sqrt(d2))
			}
		}
		for _, lm := range data[f].landmarks {
			d := r3.Sub(verts[f][lm.vertex], lm.position)
			if lm.is2D {
				d.Z = 0
			}
			lmErrors = append(lmErrors, r3.Norm(d)*1000)
		}
	}

	m := Metrics{
		Surface:       quality.ComputeSurface(distances, cfg.Quality.OutlierMM),
		LandmarkRMSMM: quality.RMS(lmErrors),
	}
	if nose, ok := b.Landmarks().Index(basis.NoseTip); ok && len(frames[0].scan) > 0 {
		scanIndex := geometry.NewPointIndex(frames[0].scan)
		_, d2 := scanIndex.Nearest(verts[0][nose])
		m.NoseTipErrorMM = math.Sqrt(d2) * 1000
	}
	return m
}
