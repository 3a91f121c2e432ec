package main

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/spatial/r3"

	"facefit/internal/basis"
	"facefit/internal/capture"
	"facefit/internal/fitting"
	"facefit/internal/prior"
	"facefit/pkg/geometry"
)

// SynthOptions controls synthetic capture generation.
type SynthOptions struct {
	OutDir      string
	Count       int
	Frames      int
	NoiseMM     float64
	Seed        int64
	Millimeters bool
	Analysis    bool
	BasisOut    string
}

var synthOpts SynthOptions

var synthCmd = &cobra.Command{
	Use:   "synth",
	Short: "Write synthetic captures with known ground truth",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := loadBasis()
		if err != nil {
			return err
		}
		if synthOpts.BasisOut != "" {
			if err := b.Save(synthOpts.BasisOut); err != nil {
				return err
			}
		}
		return runSynth(b, synthOpts)
	},
}

func init() {
	synthCmd.Flags().StringVarP(&synthOpts.OutDir, "out", "o", "captures", "Output directory")
	synthCmd.Flags().IntVarP(&synthOpts.Count, "count", "n", 10, "Number of subjects")
	synthCmd.Flags().IntVar(&synthOpts.Frames, "frames", 1, "Views per subject (1-3: front, left, right)")
	synthCmd.Flags().Float64Var(&synthOpts.NoiseMM, "noise-mm", 0.5, "Gaussian point noise, millimeters")
	synthCmd.Flags().Int64Var(&synthOpts.Seed, "seed", 1, "Random seed")
	synthCmd.Flags().BoolVar(&synthOpts.Millimeters, "millimeters", false, "Write coordinates in millimeters")
	synthCmd.Flags().BoolVar(&synthOpts.Analysis, "analysis", false, "Also write a noisy face analysis per subject")
	synthCmd.Flags().StringVar(&synthOpts.BasisOut, "basis-out", "", "Write the basis used to this file")
	rootCmd.AddCommand(synthCmd)
}

var synthViews = []struct {
	name string
	yaw  float64
}{
	{"front", 0},
	{"left", 35},
	{"right", -35},
}

func runSynth(b *basis.TemplateBasis, opts SynthOptions) error {
	if opts.Frames < 1 || opts.Frames > len(synthViews) {
		return errors.Errorf("--frames must be between 1 and %d", len(synthViews))
	}
	if err := os.MkdirAll(opts.OutDir, 0755); err != nil {
		return errors.Wrapf(err, "creating %s", opts.OutDir)
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	unit := 1.0
	if opts.Millimeters {
		unit = 1000
	}

	for i := 0; i < opts.Count; i++ {
		name := fmt.Sprintf("subject_%03d", i)
		path := filepath.Join(opts.OutDir, name+".capture.json")
		c := capture.New(name)
		c.Truth = &capture.Truth{Shape: gaussian(rng, b.ShapeDims(), 0.7)}

		baseYaw := (rng.Float64() - 0.5) * 30
		offset := r3.Vec{X: (rng.Float64() - 0.5) * 0.02, Y: (rng.Float64() - 0.5) * 0.02, Z: 0.45}
		analysis := &prior.Analysis{
			InitialShapeParams: perturb(rng, c.Truth.Shape, 0.3),
			Validation:         prior.Validation{AllFramesValid: true},
		}

		for f := 0; f < opts.Frames; f++ {
			view := synthViews[f]
			expr := gaussian(rng, b.ExprDims(), 0.5)
			c.Truth.Expression = append(c.Truth.Expression, expr)
			pose := geometry.EulerDegrees{Yaw: baseYaw + view.yaw, Pitch: (rng.Float64() - 0.5) * 10}
			points, landmarks, err := renderView(b, c.Truth.Shape, expr, pose, offset, opts.NoiseMM/1000, rng)
			if err != nil {
				return err
			}
			for j := range points {
				points[j] = r3.Scale(unit, points[j])
			}
			for j := range landmarks {
				landmarks[j].Position = r3.Scale(unit, landmarks[j].Position)
			}
			c.AddFrame(view.name, points, landmarks)

			score := 0.85
			analysis.FrameEstimates = append(analysis.FrameEstimates, prior.FrameEstimate{
				PoseName:     view.name,
				Pose:         &prior.Pose{Yaw: pose.Yaw + rng.NormFloat64()*3, Pitch: pose.Pitch, Roll: pose.Roll},
				QualityScore: &score,
			})
		}

		if opts.Analysis {
			analysisPath := filepath.Join(opts.OutDir, name+".analysis.json")
			if err := writeAnalysis(analysisPath, analysis); err != nil {
				return err
			}
			c.SetAnalysis(path, analysisPath)
		}
		if err := c.Save(path); err != nil {
			return err
		}
	}

	log.WithFields(log.Fields{
		"count":  opts.Count,
		"frames": opts.Frames,
		"dir":    opts.OutDir,
	}).Info("[Synth] captures written")
	return nil
}

// renderView poses the deformed basis and keeps what a +Z camera sees, with noise.
func renderView(b *basis.TemplateBasis, shape, expr []float64, pose geometry.EulerDegrees, offset r3.Vec, sigma float64, rng *rand.Rand) ([]r3.Vec, []fitting.LandmarkObservation, error) {
	verts, err := b.Deform(shape, expr)
	if err != nil {
		return nil, nil, err
	}
	rot := pose.Matrix()
	visible := func(v int) bool { return rot.MulVec(r3.Unit(b.MeanVertex(v))).Z > 0.2 }
	noisy := func(v int) r3.Vec {
		p := r3.Add(rot.MulVec(verts[v]), offset)
		return r3.Add(p, r3.Vec{X: rng.NormFloat64() * sigma, Y: rng.NormFloat64() * sigma, Z: rng.NormFloat64() * sigma})
	}

	var points []r3.Vec
	for v := range verts {
		if visible(v) {
			points = append(points, noisy(v))
		}
	}
	var landmarks []fitting.LandmarkObservation
	for _, name := range basis.CanonicalOrder {
		v, ok := b.Landmarks().Index(name)
		if !ok || !visible(v) {
			continue
		}
		landmarks = append(landmarks, fitting.LandmarkObservation{Name: name, Position: noisy(v), Confidence: 0.9})
	}
	return points, landmarks, nil
}

func gaussian(rng *rand.Rand, n int, sigma float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Max(-2, math.Min(2, rng.NormFloat64()*sigma))
	}
	return out
}

func perturb(rng *rand.Rand, v []float64, sigma float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x + rng.NormFloat64()*sigma
	}
	return out
}

// writeAnalysis writes the analysis the way the analyzer returns it, inside a fence.
func writeAnalysis(path string, a *prior.Analysis) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding analysis")
	}
	text := "```json\n" + string(data) + "\n```\n"
	return errors.Wrapf(os.WriteFile(path, []byte(text), 0644), "writing %s", path)
}
