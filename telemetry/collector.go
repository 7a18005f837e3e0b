package telemetry

// FrameSample is the solver's report for one frame.
type FrameSample struct {
	Substeps        int
	ConstraintFirst float64 // mean |C| at the first solver iteration, averaged over sub-steps
	ConstraintLast  float64 // mean |C| at the last solver iteration, averaged over sub-steps
	NonFinite       int
	BoundaryClamps  int
}

// ParticleState is the read-only particle view sampled at window end.
type ParticleState struct {
	Densities []float32
	Speeds    []float64
	Mass      float64
}

// Collector accumulates frame samples within windows and produces WindowStats.
type Collector struct {
	windowFrames int32
	frameDT      float64

	// Current window tracking
	windowStartFrame int32

	// Counters for current window
	frames          int
	substeps        int
	constraintFirst float64
	constraintLast  float64
	nonFinite       int
	boundaryClamps  int
}

// NewCollector creates a new stats collector.
// windowFrames: frames per stats window
// frameDT: simulated seconds per frame (used for frame-to-time conversion)
func NewCollector(windowFrames int, frameDT float64) *Collector {
	if windowFrames < 1 {
		windowFrames = 1
	}
	return &Collector{
		windowFrames: int32(windowFrames),
		frameDT:      frameDT,
	}
}

// Record adds one frame's solver report to the current window.
func (c *Collector) Record(s FrameSample) {
	c.frames++
	c.substeps += s.Substeps
	c.constraintFirst += s.ConstraintFirst
	c.constraintLast += s.ConstraintLast
	c.nonFinite += s.NonFinite
	c.boundaryClamps += s.BoundaryClamps
}

// ShouldFlush returns true if enough frames have passed to flush the window.
func (c *Collector) ShouldFlush(currentFrame int32) bool {
	return currentFrame-c.windowStartFrame >= c.windowFrames
}

// Flush produces a WindowStats and resets counters for the next window.
func (c *Collector) Flush(currentFrame int32, state ParticleState) WindowStats {
	density := ComputeDensityStats(state.Densities)
	speed := ComputeDistStats(state.Speeds)

	var ke float64
	for _, v := range state.Speeds {
		ke += v * v
	}
	ke *= 0.5 * state.Mass

	stats := WindowStats{
		WindowStartFrame: c.windowStartFrame,
		WindowEndFrame:   currentFrame,
		SimTimeSec:       float64(currentFrame) * c.frameDT,

		Particles: len(state.Densities),
		Substeps:  c.substeps,

		DensityMean: density.Mean,
		DensityStd:  density.Std,
		DensityP10:  density.P10,
		DensityP50:  density.P50,
		DensityP90:  density.P90,
		DensityMax:  density.Max,

		SpeedMean: speed.Mean,
		SpeedP90:  speed.P90,
		SpeedMax:  speed.Max,

		KineticEnergy: ke,

		NonFinite:      c.nonFinite,
		BoundaryClamps: c.boundaryClamps,
	}
	if c.frames > 0 {
		stats.ConstraintFirst = c.constraintFirst / float64(c.frames)
		stats.ConstraintLast = c.constraintLast / float64(c.frames)
	}

	// Reset for next window
	c.windowStartFrame = currentFrame
	c.frames = 0
	c.substeps = 0
	c.constraintFirst = 0
	c.constraintLast = 0
	c.nonFinite = 0
	c.boundaryClamps = 0

	return stats
}

// WindowFrames returns the number of frames per window.
func (c *Collector) WindowFrames() int32 {
	return c.windowFrames
}
