package fitting

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"facefit/internal/basis"
	"facefit/internal/units"
	"facefit/pkg/geometry"
)

// InputError rejects malformed input before any optimization starts. It is the only
// error Fit returns.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid fit input: %s: %s", e.Field, e.Reason)
}

func inputErrorf(field, format string, args ...interface{}) *InputError {
	return &InputError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// LandmarkObservation is one observed landmark. Name is resolved through the basis
// landmark table; when Name is empty Vertex must be set and is used directly. A 2D
// observation only constrains X and Y of the scan frame (orthographic projection).
type LandmarkObservation struct {
	Name       string  `json:"name,omitempty"`
	Vertex     *int    `json:"vertex,omitempty"`
	Position   r3.Vec  `json:"position"`
	Is2D       bool    `json:"is_2d,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Frame is one captured view. Frames of a session share identity (shape) but have
// their own expression and pose.
type Frame struct {
	Name      string                 `json:"name,omitempty"`
	Scan      []r3.Vec               `json:"scan,omitempty"` // nil uses Request.Scan
	Landmarks []LandmarkObservation  `json:"landmarks,omitempty"`
	PoseSeed  *geometry.EulerDegrees `json:"pose_seed,omitempty"` // overrides Request.PoseSeed
}

// Request is one fit call.
type Request struct {
	Scan              []r3.Vec               // shared cloud for frames without their own
	Frames            []Frame                // empty means a single frame using Scan
	InitialShape      []float64              // nil means the mean face
	PoseSeed          *geometry.EulerDegrees // external head pose estimate, degrees
	TemporallyOrdered bool                   // enables the expression smoothness term
	Units             units.Options
}

// resolvedLandmark is a validated landmark bound to a vertex.
type resolvedLandmark struct {
	vertex     int
	position   r3.Vec
	is2D       bool
	confidence float64
}

// preparedFrame is a validated frame with its effective scan.
type preparedFrame struct {
	name      string
	scan      []r3.Vec
	landmarks []resolvedLandmark
	poseSeed  *geometry.EulerDegrees
}

func validPose(e *geometry.EulerDegrees) bool {
	if e == nil {
		return true
	}
	for _, v := range []float64{e.Yaw, e.Pitch, e.Roll} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// prepare validates the request against the basis. Checks are cheap and run before
// any numerical work.
func prepare(b *basis.TemplateBasis, req Request) ([]preparedFrame, error) {
	frames := req.Frames
	if len(frames) == 0 {
		frames = []Frame{{}}
	}
	if req.InitialShape != nil {
		if len(req.InitialShape) != b.ShapeDims() {
			return nil, inputErrorf("initial_shape", "has %d values, want %d", len(req.InitialShape), b.ShapeDims())
		}
		for i, v := range req.InitialShape {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, inputErrorf("initial_shape", "value %d is not finite", i)
			}
		}
	}
	if !validPose(req.PoseSeed) {
		return nil, inputErrorf("pose_seed", "not finite")
	}

	out := make([]preparedFrame, len(frames))
	for f, fr := range frames {
		field := fmt.Sprintf("frames[%d]", f)
		scan := fr.Scan
		if scan == nil {
			scan = req.Scan
		}
		if len(scan) < 2 {
			return nil, inputErrorf(field+".scan", "need at least 2 points, got %d", len(scan))
		}
		for i, p := range scan {
			if !geometry.Finite(p) {
				return nil, inputErrorf(field+".scan", "point %d is not finite", i)
			}
		}
		if !validPose(fr.PoseSeed) {
			return nil, inputErrorf(field+".pose_seed", "not finite")
		}

		pf := preparedFrame{name: fr.Name, scan: scan, poseSeed: fr.PoseSeed}
		if pf.poseSeed == nil {
			pf.poseSeed = req.PoseSeed
		}
		for i, lm := range fr.Landmarks {
			lfield := fmt.Sprintf("%s.landmarks[%d]", field, i)
			var v int
			switch {
			case lm.Name != "":
				idx, ok := b.Landmarks().Index(lm.Name)
				if !ok {
					return nil, inputErrorf(lfield, "unknown landmark %q", lm.Name)
				}
				v = idx
			case lm.Vertex != nil:
				v = *lm.Vertex
			default:
				return nil, inputErrorf(lfield, "needs a name or a vertex")
			}
			if v < 0 || v >= b.NumVertices() {
				return nil, inputErrorf(lfield, "vertex %d out of range [0,%d)", v, b.NumVertices())
			}
			if !geometry.Finite(lm.Position) {
				return nil, inputErrorf(lfield, "position is not finite")
			}
			if !(lm.Confidence >= 0 && lm.Confidence <= 1) {
				return nil, inputErrorf(lfield, "confidence %v outside [0,1]", lm.Confidence)
			}
			pf.landmarks = append(pf.landmarks, resolvedLandmark{
				vertex:     v,
				position:   lm.Position,
				is2D:       lm.Is2D,
				confidence: lm.Confidence,
			})
		}
		out[f] = pf
	}
	return out, nil
}
