package main

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"facefit/internal/basis"
	"facefit/internal/capture"
	"facefit/internal/fitting"
)

func TestLoadConfigOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	if err := os.WriteFile(path, []byte(`{"max_iterations": 7, "weights": {"dense": 0.2}, "quality": {"pass_threshold": 0.8}}`), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	def := fitting.DefaultConfig()
	if cfg.MaxIterations != 7 || cfg.Weights.Dense != 0.2 || cfg.Quality.PassThreshold != 0.8 {
		t.Errorf("overlay not applied: %+v", cfg)
	}
	if cfg.Weights.Landmark != def.Weights.Landmark || cfg.Tolerance != def.Tolerance {
		t.Errorf("defaults lost: %+v", cfg)
	}

	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing config")
	}
}

func TestEvalRow(t *testing.T) {
	failed := evalRow("a.capture.json", nil, errors.New("boom"))
	if len(failed) != len(evalHeader) || failed[8] != "false" || failed[len(failed)-1] != "boom" {
		t.Errorf("failed row %v", failed)
	}

	shapeErr := 0.25
	report := &FitReport{
		ShapeError:       &shapeErr,
		AnalysisWarnings: []string{"initial shape has 3 values, expected 4"},
		Result: &fitting.Result{
			Params:     fitting.Params{Pose: make([]fitting.FramePose, 2)},
			Iterations: 12,
			Converged:  true,
			Quality:    0.9,
			Pass:       true,
			Warnings:   []string{"landmark mismatch"},
		},
	}
	row := evalRow("b.capture.json", report, nil)
	want := map[int]string{1: "2", 2: "12", 3: "true", 7: "0.9000", 8: "true", 9: "0.2500",
		10: "initial shape has 3 values, expected 4; landmark mismatch"}
	for i, v := range want {
		if row[i] != v {
			t.Errorf("column %s = %q, want %q", evalHeader[i], row[i], v)
		}
	}
}

func TestWriteCSVReportsErrors(t *testing.T) {
	rows := [][]string{evalRow("a.capture.json", nil, errors.New("boom"))}
	tests := []struct {
		name string
		path string
	}{
		{"missing directory", filepath.Join(t.TempDir(), "nope", "eval.csv")},
		{"full device", "/dev/full"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.path == "/dev/full" {
				if _, err := os.Stat(tt.path); err != nil {
					t.Skip("no /dev/full on this system")
				}
			}
			if err := writeCSV(tt.path, rows); err == nil {
				t.Errorf("writeCSV(%s) error = nil", tt.path)
			}
		})
	}

	ok := filepath.Join(t.TempDir(), "eval.csv")
	if err := writeCSV(ok, rows); err != nil {
		t.Fatalf("writeCSV: %v", err)
	}
}

func TestSynthThenFit(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end fit in short mode")
	}
	b, err := basis.Synthetic(basis.DefaultSyntheticOptions().WithDims(8, 4))
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	opts := SynthOptions{OutDir: dir, Count: 2, Frames: 2, NoiseMM: 0.2, Seed: 3, Millimeters: true, Analysis: true}
	if err := runSynth(b, opts); err != nil {
		t.Fatalf("runSynth: %v", err)
	}

	path := filepath.Join(dir, "subject_001.capture.json")
	c, err := capture.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(c.Frames) != 2 || c.AnalysisPath != "subject_001.analysis.json" || c.Truth == nil {
		t.Fatalf("unexpected capture %+v", c)
	}

	report, err := fitCapture(context.Background(), b, fitting.DefaultConfig(), path, 0)
	if err != nil {
		t.Fatalf("fitCapture: %v", err)
	}
	if report.Result.Metrics.Units != "millimeters" {
		t.Errorf("units %q", report.Result.Metrics.Units)
	}
	if report.ShapeError == nil {
		t.Fatal("missing shape error")
	}
	if report.Result.Metrics.Surface.MeanMM > 2 {
		t.Errorf("mean residual %vmm", report.Result.Metrics.Surface.MeanMM)
	}

	csvPath := filepath.Join(dir, "eval.csv")
	if err := writeCSV(csvPath, [][]string{evalRow("subject_001", report, nil)}); err != nil {
		t.Fatalf("writeCSV: %v", err)
	}
	f, err := os.Open(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil || len(records) != 2 || len(records[1]) != len(evalHeader) {
		t.Errorf("csv records %v, err %v", records, err)
	}
}
