package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var evalOpts struct {
	CSV     string
	Workers int
	Timeout time.Duration
}

var evalCmd = &cobra.Command{
	Use:   "eval <dir>",
	Short: "Fit every capture in a directory and write a CSV of metrics",
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

		paths, err := filepath.Glob(filepath.Join(args[0], "*.capture.json"))
		if err != nil {
			return errors.Wrap(err, "listing captures")
		}
		if len(paths) == 0 {
			return errors.Errorf("no captures in %s", args[0])
		}
		sort.Strings(paths)

		bar := progressbar.NewOptions(len(paths),
			progressbar.OptionSetDescription("Fitting"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
		)

		// Fits share the read-only basis; each worker writes only its own row.
		workers := evalOpts.Workers
		if workers < 1 {
			workers = 1
		}
		rows := make([][]string, len(paths))
		g := new(errgroup.Group)
		g.SetLimit(workers)
		for i, path := range paths {
			i, path := i, path
			g.Go(func() error {
				report, err := fitCapture(cmd.Context(), b, cfg, path, evalOpts.Timeout)
				if err != nil {
					log.WithError(err).Warnf("[Eval] %s failed", filepath.Base(path))
				}
				rows[i] = evalRow(filepath.Base(path), report, err)
				_ = bar.Add(1)
				return nil
			})
		}
		_ = g.Wait()
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)

		if err := writeCSV(evalOpts.CSV, rows); err != nil {
			return err
		}
		passed := 0
		for _, row := range rows {
			if row[8] == "true" {
				passed++
			}
		}
		fmt.Printf("Passed %d/%d captures, metrics in %s\n", passed, len(rows), evalOpts.CSV)
		return nil
	},
}

func init() {
	evalCmd.Flags().StringVar(&evalOpts.CSV, "csv", "eval.csv", "Output CSV")
	evalCmd.Flags().IntVarP(&evalOpts.Workers, "workers", "w", runtime.NumCPU(), "Concurrent fits")
	evalCmd.Flags().DurationVar(&evalOpts.Timeout, "timeout", 0, "Per-capture fit deadline (0 = none)")
	rootCmd.AddCommand(evalCmd)
}

var evalHeader = []string{
	"capture", "frames", "iterations", "converged", "mean_mm", "p95_mm",
	"landmark_rms_mm", "quality", "pass", "shape_error_rms", "warnings", "error",
}

func evalRow(name string, report *FitReport, err error) []string {
	if err != nil || report == nil {
		row := make([]string, len(evalHeader))
		row[0] = name
		row[8] = "false"
		if err != nil {
			row[len(row)-1] = err.Error()
		}
		return row
	}
	res := report.Result
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }
	shapeErr := ""
	if report.ShapeError != nil {
		shapeErr = f(*report.ShapeError)
	}
	return []string{
		name,
		strconv.Itoa(len(res.Params.Pose)),
		strconv.Itoa(res.Iterations),
		strconv.FormatBool(res.Converged),
		f(res.Metrics.Surface.MeanMM),
		f(res.Metrics.Surface.P95MM),
		f(res.Metrics.LandmarkRMSMM),
		f(res.Quality),
		strconv.FormatBool(res.Pass),
		shapeErr,
		strings.Join(append(append([]string(nil), report.AnalysisWarnings...), res.Warnings...), "; "),
		"",
	}
}

func writeCSV(path string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}

	w := csv.NewWriter(file)
	if err := w.Write(evalHeader); err != nil {
		file.Close()
		return errors.Wrap(err, "writing CSV header")
	}
	if err := w.WriteAll(rows); err != nil {
		file.Close()
		return errors.Wrapf(err, "writing %s", path)
	}
	return errors.Wrapf(file.Close(), "closing %s", path)
}
