package fluid

import (
	"log/slog"
	"time"

	"github.com/pthm-cable/pbf/telemetry"
)

// StepStats describes the last Step.
type StepStats struct {
	Substeps   int
	Iterations int

	// Mean |C| at each solver iteration of the last sub-step, measured
	// before that iteration's correction is applied.
	History []float32

	// First and last History entries averaged over the frame's sub-steps
	ConstraintFirst float64
	ConstraintLast  float64

	NonFinite      int // corrections discarded as NaN/Inf
	BoundaryClamps int // coordinates clamped to the box

	Elapsed time.Duration
}

// Sample converts the stats into a telemetry frame sample.
func (s StepStats) Sample() telemetry.FrameSample {
	return telemetry.FrameSample{
		Substeps:        s.Substeps,
		ConstraintFirst: s.ConstraintFirst,
		ConstraintLast:  s.ConstraintLast,
		NonFinite:       s.NonFinite,
		BoundaryClamps:  s.BoundaryClamps,
	}
}

// LogValue implements slog.LogValuer for structured logging.
func (s StepStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("substeps", s.Substeps),
		slog.Int("iterations", s.Iterations),
		slog.Float64("constraint_first", s.ConstraintFirst),
		slog.Float64("constraint_last", s.ConstraintLast),
		slog.Int("non_finite", s.NonFinite),
		slog.Int("boundary_clamps", s.BoundaryClamps),
		slog.Int64("elapsed_us", s.Elapsed.Microseconds()),
	)
}
