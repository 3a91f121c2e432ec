// Package prior decodes the externally produced face analysis (initial shape estimate
// and per-frame landmarks) and turns it into fit inputs. Every accessor tolerates a
// nil *Analysis, which stands for "no analysis available".
package prior

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"facefit/internal/fitting"
	"facefit/pkg/geometry"
)

// DefaultConfidence is used for landmarks of frames without a quality score.
const DefaultConfidence = 0.5

// Pose is a head pose estimate in degrees.
type Pose struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// FrameEstimate is the analysis of one captured view.
type FrameEstimate struct {
	PoseName     string      `json:"pose_name"`
	Landmarks2D  [][]float64 `json:"landmarks_2d,omitempty"`
	Landmarks3D  [][]float64 `json:"landmarks_3d,omitempty"`
	Expression   []float64   `json:"expression,omitempty"`
	Pose         *Pose       `json:"pose,omitempty"`
	QualityScore *float64    `json:"quality_score,omitempty"`
}

// Validation is the analyzer's own verdict on the frames.
type Validation struct {
	AllFramesValid bool     `json:"all_frames_valid"`
	Warnings       []string `json:"warnings,omitempty"`
}

// Analysis is the decoded analyzer output.
type Analysis struct {
	InitialShapeParams []float64       `json:"initial_shape_params"`
	FrameEstimates     []FrameEstimate `json:"frame_estimates"`
	Validation         Validation      `json:"validation"`
}

var fence = []byte("```")

// Decode parses analyzer output. Markdown code fences and any text around the outermost
// JSON object are ignored.
func Decode(text []byte) (*Analysis, error) {
	body := bytes.TrimSpace(text)
	body = bytes.ReplaceAll(body, []byte("```json"), nil)
	body = bytes.ReplaceAll(body, fence, nil)

	start, end := bytes.IndexByte(body, '{'), bytes.LastIndexByte(body, '}')
	if start < 0 || end < start {
		return nil, errors.New("prior: no JSON object in analysis")
	}
	var a Analysis
	if err := json.Unmarshal(body[start:end+1], &a); err != nil {
		return nil, errors.Wrap(err, "prior: decoding analysis")
	}
	return &a, nil
}

// Load reads and decodes an analysis file.
func Load(path string) (*Analysis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "prior: reading %s", path)
	}
	a, err := Decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "prior: %s", path)
	}
	return a, nil
}

// ShapeParams returns the initial shape sized to dims, padding with zeros or truncating.
// A nil analysis, or one without shape params, yields nil (the mean face).
func (a *Analysis) ShapeParams(dims int) ([]float64, []string) {
	if a == nil || len(a.InitialShapeParams) == 0 {
		return nil, nil
	}
	var warnings []string
	if n := len(a.InitialShapeParams); n != dims {
		warnings = append(warnings, fmt.Sprintf("initial shape has %d values, expected %d", n, dims))
	}
	out := make([]float64, dims)
	copy(out, a.InitialShapeParams)
	return out, warnings
}

// Frame returns the estimate for a named pose.
func (a *Analysis) Frame(poseName string) (*FrameEstimate, bool) {
	if a == nil {
		return nil, false
	}
	for i := range a.FrameEstimates {
		if a.FrameEstimates[i].PoseName == poseName {
			return &a.FrameEstimates[i], true
		}
	}
	return nil, false
}

// Confidence is the frame quality score clamped to [0,1].
func (f *FrameEstimate) Confidence() float64 {
	if f == nil || f.QualityScore == nil {
		return DefaultConfidence
	}
	return clamp(*f.QualityScore)
}

func clamp(v float64) float64 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Landmarks maps the landmark arrays positionally onto names. 3D landmarks are
// preferred; 2D ones are used when no 3D array is present. Entries beyond len(names)
// or with the wrong number of coordinates are skipped.
func (f *FrameEstimate) Landmarks(names []string) []fitting.LandmarkObservation {
	if f == nil {
		return nil
	}
	points, dims := f.Landmarks3D, 3
	if len(points) == 0 {
		points, dims = f.Landmarks2D, 2
	}
	conf := f.Confidence()

	var out []fitting.LandmarkObservation
	for i, p := range points {
		if i >= len(names) || len(p) != dims {
			continue
		}
		obs := fitting.LandmarkObservation{
			Name:       names[i],
			Position:   r3.Vec{X: p[0], Y: p[1]},
			Is2D:       dims == 2,
			Confidence: conf,
		}
		if dims == 3 {
			obs.Position.Z = p[2]
		}
		out = append(out, obs)
	}
	return out
}

// PoseSeed returns the frame's pose estimate, if any.
func (f *FrameEstimate) PoseSeed() *geometry.EulerDegrees {
	if f == nil || f.Pose == nil {
		return nil
	}
	return &geometry.EulerDegrees{Yaw: f.Pose.Yaw, Pitch: f.Pose.Pitch, Roll: f.Pose.Roll}
}

// Apply fills the gaps of req from the analysis: the initial shape when req has none,
// and landmarks and pose seeds for frames whose Name matches a pose_name and that do
// not carry their own. It returns the warnings produced along the way.
func (a *Analysis) Apply(req *fitting.Request, shapeDims int, names []string) []string {
	if a == nil {
		return nil
	}
	var warnings []string
	if req.InitialShape == nil {
		shape, w := a.ShapeParams(shapeDims)
		req.InitialShape = shape
		warnings = append(warnings, w...)
	}
	for i := range req.Frames {
		fr := &req.Frames[i]
		est, ok := a.Frame(fr.Name)
		if !ok {
			continue
		}
		if len(fr.Landmarks) == 0 {
			fr.Landmarks = est.Landmarks(names)
		}
		if fr.PoseSeed == nil {
			fr.PoseSeed = est.PoseSeed()
		}
	}
	warnings = append(warnings, a.Validation.Warnings...)
	return warnings
}
