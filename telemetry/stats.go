package telemetry

import (
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// WindowStats holds aggregated solver statistics for a window of frames.
type WindowStats struct {
	WindowStartFrame int32   `csv:"-"`
	WindowEndFrame   int32   `csv:"window_end"`
	SimTimeSec       float64 `csv:"sim_time"`

	Particles int `csv:"particles"`
	Substeps  int `csv:"substeps"` // Sub-steps run during the window

	// Density distribution (sampled at window end)
	DensityMean float64 `csv:"density_mean"`
	DensityStd  float64 `csv:"density_std"`
	DensityP10  float64 `csv:"density_p10"`
	DensityP50  float64 `csv:"density_p50"`
	DensityP90  float64 `csv:"density_p90"`
	DensityMax  float64 `csv:"density_max"`

	// Speed distribution (sampled at window end)
	SpeedMean float64 `csv:"speed_mean"`
	SpeedP90  float64 `csv:"speed_p90"`
	SpeedMax  float64 `csv:"speed_max"`

	KineticEnergy float64 `csv:"kinetic_energy"` // 0.5 * m * sum |v|^2 at window end

	// Constraint error over the window: mean |C| before the first and
	// after the last solver iteration, averaged over sub-steps
	ConstraintFirst float64 `csv:"constraint_first"`
	ConstraintLast  float64 `csv:"constraint_last"`

	// Events during window
	NonFinite      int `csv:"non_finite"`      // Corrections discarded as NaN/Inf
	BoundaryClamps int `csv:"boundary_clamps"` // Coordinates clamped to the box
}

// Percentile calculates the p-th percentile of a sorted slice.
// p should be in [0, 1]. Returns 0 if slice is empty.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}

	// Linear interpolation
	idx := p * float64(n-1)
	lo := int(idx)
	hi := lo + 1
	if hi >= n {
		return sorted[n-1]
	}

	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// DistStats summarizes a sample distribution.
type DistStats struct {
	Mean, Std     float64
	P10, P50, P90 float64
	Max           float64
}

// ComputeDistStats calculates mean, population std, percentiles and max.
// values is not modified.
func ComputeDistStats(values []float64) DistStats {
	n := len(values)
	if n == 0 {
		return DistStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	mean, variance := stat.PopMeanVariance(sorted, nil)
	std := 0.0
	if variance > 0 {
		std = math.Sqrt(variance)
	}

	return DistStats{
		Mean: mean,
		Std:  std,
		P10:  Percentile(sorted, 0.10),
		P50:  Percentile(sorted, 0.50),
		P90:  Percentile(sorted, 0.90),
		Max:  sorted[n-1],
	}
}

// ComputeDensityStats is ComputeDistStats over float32 solver densities.
func ComputeDensityStats(densities []float32) DistStats {
	values := make([]float64, len(densities))
	for i, d := range densities {
		values[i] = float64(d)
	}
	return ComputeDistStats(values)
}

// LogValue implements slog.LogValuer for structured logging.
func (s WindowStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("window_start", int(s.WindowStartFrame)),
		slog.Int("window_end", int(s.WindowEndFrame)),
		slog.Float64("sim_time", s.SimTimeSec),
		slog.Int("particles", s.Particles),
		slog.Int("substeps", s.Substeps),
		slog.Float64("density_mean", s.DensityMean),
		slog.Float64("density_std", s.DensityStd),
		slog.Float64("density_p10", s.DensityP10),
		slog.Float64("density_p50", s.DensityP50),
		slog.Float64("density_p90", s.DensityP90),
		slog.Float64("density_max", s.DensityMax),
		slog.Float64("speed_mean", s.SpeedMean),
		slog.Float64("speed_p90", s.SpeedP90),
		slog.Float64("speed_max", s.SpeedMax),
		slog.Float64("kinetic_energy", s.KineticEnergy),
		slog.Float64("constraint_first", s.ConstraintFirst),
		slog.Float64("constraint_last", s.ConstraintLast),
		slog.Int("non_finite", s.NonFinite),
		slog.Int("boundary_clamps", s.BoundaryClamps),
	)
}

// LogStats logs the window stats using slog.
func (s WindowStats) LogStats() {
	slog.Info("stats",
		"window_end", s.WindowEndFrame,
		"sim_time", s.SimTimeSec,
		"particles", s.Particles,
		"density_mean", s.DensityMean,
		"density_p90", s.DensityP90,
		"density_max", s.DensityMax,
		"speed_max", s.SpeedMax,
		"kinetic_energy", s.KineticEnergy,
		"constraint_first", s.ConstraintFirst,
		"constraint_last", s.ConstraintLast,
		"non_finite", s.NonFinite,
		"boundary_clamps", s.BoundaryClamps,
	)
}
