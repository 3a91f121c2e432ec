// Package capture provides capture file handling and persistence. A capture bundles
// the frames of one scanning session with an optional analysis file.
package capture

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"facefit/internal/basis"
	"facefit/internal/fitting"
	"facefit/internal/prior"
	"facefit/internal/units"
	"facefit/pkg/geometry"
)

// Version is the current capture file format.
const Version = 1

// File represents a capture file (.capture.json).
type File struct {
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	Created     time.Time `json:"created"`
	Modified    time.Time `json:"modified"`
	Description string    `json:"description,omitempty"`

	// Paths relative to the capture file
	AnalysisPath string `json:"analysis,omitempty"`
	ResultPath   string `json:"result,omitempty"`

	Units             units.Options          `json:"units,omitempty"`
	TemporallyOrdered bool                   `json:"temporally_ordered,omitempty"`
	PoseSeed          *geometry.EulerDegrees `json:"pose_seed,omitempty"`
	InitialShape      []float64              `json:"initial_shape,omitempty"`
	Frames            []Frame                `json:"frames"`

	// Ground truth, present for synthetic captures
	Truth *Truth `json:"truth,omitempty"`
}

// Frame is one view: its point cloud and any landmarks observed in it.
type Frame struct {
	Name      string                        `json:"name"`
	Points    [][3]float64                  `json:"points"`
	Landmarks []fitting.LandmarkObservation `json:"landmarks,omitempty"`
	PoseSeed  *geometry.EulerDegrees        `json:"pose_seed,omitempty"`
}

// Truth holds the parameters a synthetic capture was generated from.
type Truth struct {
	Shape      []float64   `json:"shape"`
	Expression [][]float64 `json:"expression,omitempty"`
}

// New creates an empty capture.
func New(name string) *File {
	now := time.Now()
	return &File{
		Version:  Version,
		Name:     name,
		Created:  now,
		Modified: now,
	}
}

// Load loads a capture file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "capture: reading %s", path)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "capture: decoding %s", path)
	}
	if f.Version != Version {
		return nil, errors.Errorf("capture: %s has version %d, want %d", path, f.Version, Version)
	}
	return &f, nil
}

// Save saves the capture to a file.
func (f *File) Save(path string) error {
	f.Modified = time.Now()

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return errors.Wrap(err, "capture: encoding")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0644), "capture: writing %s", path)
}

// AddFrame appends a frame.
func (f *File) AddFrame(name string, points []r3.Vec, landmarks []fitting.LandmarkObservation) {
	fr := Frame{Name: name, Points: make([][3]float64, len(points)), Landmarks: landmarks}
	for i, p := range points {
		fr.Points[i] = [3]float64{p.X, p.Y, p.Z}
	}
	f.Frames = append(f.Frames, fr)
	f.Modified = time.Now()
}

// SetAnalysis sets the analysis path (relative to the capture).
func (f *File) SetAnalysis(capturePath, analysisPath string) {
	rel, err := filepath.Rel(filepath.Dir(capturePath), analysisPath)
	if err != nil {
		f.AnalysisPath = analysisPath
	} else {
		f.AnalysisPath = rel
	}
	f.Modified = time.Now()
}

// GetAnalysisPath returns the absolute path to the analysis file, or "" when unset.
func (f *File) GetAnalysisPath(capturePath string) string {
	if f.AnalysisPath == "" {
		return ""
	}
	if filepath.IsAbs(f.AnalysisPath) {
		return f.AnalysisPath
	}
	return filepath.Join(filepath.Dir(capturePath), f.AnalysisPath)
}

// GetResultPath returns the absolute path the fit result is written to.
func (f *File) GetResultPath(capturePath string) string {
	if f.ResultPath == "" {
		// Default: name.capture.json -> name_fit.json
		base := capturePath[:len(capturePath)-len(filepath.Ext(capturePath))]
		base = base[:len(base)-len(filepath.Ext(base))]
		return base + "_fit.json"
	}
	if filepath.IsAbs(f.ResultPath) {
		return f.ResultPath
	}
	return filepath.Join(filepath.Dir(capturePath), f.ResultPath)
}

// Request builds the fit request for this capture. When an analysis file is referenced
// it is loaded and used to fill missing landmarks, pose seeds and the initial shape.
func (f *File) Request(capturePath string, b *basis.TemplateBasis) (fitting.Request, []string, error) {
	req := fitting.Request{
		InitialShape:      f.InitialShape,
		PoseSeed:          f.PoseSeed,
		TemporallyOrdered: f.TemporallyOrdered,
		Units:             f.Units,
		Frames:            make([]fitting.Frame, len(f.Frames)),
	}
	for i, fr := range f.Frames {
		points := make([]r3.Vec, len(fr.Points))
		for j, p := range fr.Points {
			points[j] = r3.Vec{X: p[0], Y: p[1], Z: p[2]}
		}
		req.Frames[i] = fitting.Frame{
			Name:      fr.Name,
			Scan:      points,
			Landmarks: append([]fitting.LandmarkObservation(nil), fr.Landmarks...),
			PoseSeed:  fr.PoseSeed,
		}
	}

	path := f.GetAnalysisPath(capturePath)
	if path == "" {
		return req, nil, nil
	}
	analysis, err := prior.Load(path)
	if err != nil {
		return req, nil, err
	}
	warnings := analysis.Apply(&req, b.ShapeDims(), basis.CanonicalOrder)
	return req, warnings, nil
}
