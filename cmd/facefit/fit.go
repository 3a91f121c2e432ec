package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"facefit/internal/basis"
	"facefit/internal/capture"
	"facefit/internal/fitting"
)

var fitOpts struct {
	Out        string
	Timeout    time.Duration
	NoVertices bool
}

var fitCmd = &cobra.Command{
	Use:   "fit <capture>",
	Short: "Fit one capture and write JSON diagnostics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := loadBasis()
		if err != nil {
			return err
		}
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}

		path := args[0]
		report, err := fitCapture(cmd.Context(), b, cfg, path, fitOpts.Timeout)
		if err != nil {
			return err
		}
		if fitOpts.NoVertices {
			report.Result.Vertices = nil
			report.Result.Faces = nil
		}

		out := fitOpts.Out
		if out == "" {
			out = report.resultPath
		}
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return errors.Wrap(err, "encoding result")
		}
		if err := os.WriteFile(out, data, 0644); err != nil {
			return errors.Wrapf(err, "writing %s", out)
		}

		res := report.Result
		fmt.Printf("=== %s ===\n", path)
		fmt.Printf("Quality:     %.3f (pass=%v)\n", res.Quality, res.Pass)
		fmt.Printf("Iterations:  %d (converged=%v)\n", res.Iterations, res.Converged)
		fmt.Printf("Mean/P95:    %.3f / %.3f mm\n", res.Metrics.Surface.MeanMM, res.Metrics.Surface.P95MM)
		fmt.Printf("Landmarks:   %.3f mm RMS\n", res.Metrics.LandmarkRMSMM)
		if report.ShapeError != nil {
			fmt.Printf("Shape error: %.4f RMS\n", *report.ShapeError)
		}
		for _, w := range append(report.AnalysisWarnings, res.Warnings...) {
			fmt.Printf("Warning:     %s\n", w)
		}
		fmt.Printf("Wrote %s\n", out)
		return nil
	},
}

func init() {
	fitCmd.Flags().StringVarP(&fitOpts.Out, "out", "o", "", "Output JSON (default <capture>_fit.json)")
	fitCmd.Flags().DurationVar(&fitOpts.Timeout, "timeout", 0, "Fit deadline; the best parameters so far are kept (0 = none)")
	fitCmd.Flags().BoolVar(&fitOpts.NoVertices, "no-vertices", false, "Omit the fitted mesh from the output")
	rootCmd.AddCommand(fitCmd)
}

// FitReport is the JSON document written by the fit command.
type FitReport struct {
	Capture          string          `json:"capture"`
	AnalysisWarnings []string        `json:"analysis_warnings,omitempty"`
	ShapeError       *float64        `json:"shape_error_rms,omitempty"`
	Result           *fitting.Result `json:"result"`

	resultPath string
}

// fitCapture loads a capture and fits it.
func fitCapture(ctx context.Context, b *basis.TemplateBasis, cfg fitting.Config, path string, timeout time.Duration) (*FitReport, error) {
	c, err := capture.Load(path)
	if err != nil {
		return nil, err
	}
	req, warnings, err := c.Request(path, b)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := fitting.Fit(ctx, b, req, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "fitting %s", path)
	}
	log.WithFields(log.Fields{
		"capture":  c.Name,
		"elapsed":  time.Since(start).Round(time.Millisecond),
		"quality":  res.Quality,
		"warnings": len(res.Warnings),
	}).Debug("[CLI] capture fitted")

	report := &FitReport{
		Capture:          c.Name,
		AnalysisWarnings: warnings,
		Result:           res,
		resultPath:       c.GetResultPath(path),
	}
	if c.Truth != nil && len(c.Truth.Shape) == len(res.Params.Shape) {
		e := shapeRMSError(res.Params.Shape, c.Truth.Shape)
		report.ShapeError = &e
	}
	return report, nil
}

func shapeRMSError(got, want []float64) float64 {
	if len(want) == 0 {
		return 0
	}
	var sum float64
	for i := range want {
		d := got[i] - want[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(want)))
}
