package quality

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// SurfaceMetrics summarizes scan-to-model distances in millimeters.
type SurfaceMetrics struct {
	Points       int     `json:"points"`
	MeanMM       float64 `json:"mean_mm"`
	MedianMM     float64 `json:"median_mm"`
	P95MM        float64 `json:"p95_mm"`
	MaxMM        float64 `json:"max_mm"`
	OutlierRatio float64 `json:"outlier_ratio"`
}

// ComputeSurface summarizes distances given in meters. Distances above outlierMM count
// toward OutlierRatio.
func ComputeSurface(distances []float64, outlierMM float64) SurfaceMetrics {
	if len(distances) == 0 {
		return SurfaceMetrics{}
	}
	mm := make([]float64, len(distances))
	var outliers int
	for i, d := range distances {
		mm[i] = d * 1000
		if mm[i] > outlierMM {
			outliers++
		}
	}
	sort.Float64s(mm)
	return SurfaceMetrics{
		Points:       len(mm),
		MeanMM:       stat.Mean(mm, nil),
		MedianMM:     stat.Quantile(0.5, stat.Empirical, mm, nil),
		P95MM:        stat.Quantile(0.95, stat.Empirical, mm, nil),
		MaxMM:        mm[len(mm)-1],
		OutlierRatio: float64(outliers) / float64(len(mm)),
	}
}

// RMS returns the root mean square of values, or 0 for an empty slice.
func RMS(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(values)))
}
