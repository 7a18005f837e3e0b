// Package fluid implements a Position-Based Fluids solver on top of the
// sorted spatial hash.
//
// One sub-step runs
//
//	Predict -> BuildHash -> Reorder -> k x (lambda, delta, apply) -> RestoreOrder -> Finalize
//
// followed by the optional vorticity and viscosity post-pass. Every stage
// is a full barrier over the worker pool. A frame is split into a fixed
// number of equal sub-steps.
package fluid

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/pthm-cable/pbf/config"
	"github.com/pthm-cable/pbf/parallel"
	"github.com/pthm-cable/pbf/particles"
	"github.com/pthm-cable/pbf/radix"
	"github.com/pthm-cable/pbf/spatial"
	"github.com/pthm-cable/pbf/telemetry"
)

var (
	// ErrNotInitialized is returned by Step before Initialize or after Shutdown.
	ErrNotInitialized = errors.New("fluid: solver not initialized")
	// ErrStaleBuffers is returned when a buffer is sized for a different particle count.
	ErrStaleBuffers = errors.New("fluid: buffers sized for a different particle count")
	// ErrInvalidRadius is returned for a non-positive smoothing radius.
	ErrInvalidRadius = errors.New("fluid: smoothing radius must be positive")
	// ErrInvalidDelta is returned by Step for a NaN or infinite frame delta.
	ErrInvalidDelta = errors.New("fluid: frame delta must be finite")
)

// params is the float32 working copy of the configuration.
type params struct {
	gravity    float32
	h          float32
	rho0       float32
	mass       float32
	damping    float32
	viscosity  float32
	vorticity  float32
	lambdaEps  float32
	deltaQFrac float32
	scorrK     float32
	scorrN     float32
	unilateral bool

	substeps   int
	iterations int
	timeScale  float64
	slowScale  float64
	maxFrameDT float64

	bounds    Bounds
	tableSize uint32

	// Optional kernels, resolved once at initialization
	useViscosity bool
	useVorticity bool
}

func paramsFromConfig(cfg *config.Config) params {
	vec := func(a [3]float64) particles.Vec3 {
		return particles.V3(float32(a[0]), float32(a[1]), float32(a[2]))
	}
	return params{
		gravity:      float32(cfg.Fluid.Gravity),
		h:            float32(cfg.Fluid.SmoothingRadius),
		rho0:         float32(cfg.Fluid.TargetDensity),
		mass:         float32(cfg.Fluid.ParticleMass),
		damping:      float32(cfg.Fluid.CollisionDamping),
		viscosity:    float32(cfg.Fluid.ViscosityStrength),
		vorticity:    float32(cfg.Fluid.VorticityStrength),
		lambdaEps:    float32(cfg.Solver.LambdaEpsilon),
		deltaQFrac:   float32(cfg.Solver.ScorrDeltaQ),
		scorrK:       float32(cfg.Solver.ScorrK),
		scorrN:       float32(cfg.Solver.ScorrN),
		unilateral:   cfg.Solver.Unilateral,
		substeps:     cfg.Simulation.Substeps,
		iterations:   cfg.Simulation.SolverIterations,
		timeScale:    cfg.Simulation.TimeScale,
		slowScale:    cfg.Simulation.SlowTimeScale,
		maxFrameDT:   cfg.Derived.MaxFrameDT,
		bounds:       NewBounds(vec(cfg.Bounds.Center), vec(cfg.Bounds.Size)),
		tableSize:    uint32(cfg.Hash.TableSize),
		useViscosity: cfg.Features.Viscosity && cfg.Fluid.ViscosityStrength != 0,
		useVorticity: cfg.Features.Vorticity && cfg.Fluid.VorticityStrength != 0,
	}
}

// workerCounts is per-worker event tallies, padded to its own cache line.
type workerCounts struct {
	nonFinite int
	clamps    int
	_         [48]byte
}

// Solver owns the particle set, the spatial hash and the kernel constants
// for the lifetime of a simulation.
//
// A Solver is not safe for concurrent use.
type Solver struct {
	p      params
	consts Constants
	constH float32 // radius the constants were built for
	constR float32 // rest density the constants were built for

	pool    *parallel.Pool
	sorter  *radix.Sorter
	hash    *spatial.Hash
	set     *particles.Set
	reorder *particles.Reorderer
	perf    *telemetry.PerfCollector

	n           int
	initialized bool
	simTime     float64

	counts []workerCounts
	stats  StepStats
}

// New creates an uninitialized solver. perf may be nil.
func New(perf *telemetry.PerfCollector) *Solver {
	return &Solver{perf: perf}
}

// Initialize allocates every buffer for len(positions) particles and loads
// the initial state. velocities may be nil.
func (s *Solver) Initialize(cfg *config.Config, positions, velocities []particles.Vec3) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.ComputeDerived()

	if s.initialized {
		s.Shutdown()
	}

	s.p = paramsFromConfig(cfg)
	s.pool = parallel.NewPool(cfg.Parallel.Workers)
	sorter, err := radix.NewSorter(radix.Options{
		BlockSize: cfg.Sort.BlockSize,
		DigitBits: cfg.Sort.DigitBits,
		KeyBits:   cfg.Sort.KeyBits,
	}, s.pool)
	if err != nil {
		s.pool.Stop()
		return fmt.Errorf("creating sorter: %w", err)
	}
	s.sorter = sorter
	s.counts = make([]workerCounts, s.pool.Workers())
	s.reorder = particles.NewReorderer(s.pool)
	s.set = particles.NewSet(0)
	s.hash = spatial.NewHash(0, s.p.tableSize, s.sorter, s.pool)
	s.refreshConstants()

	s.initialized = true
	if err := s.Resize(positions, velocities); err != nil {
		s.Shutdown()
		return err
	}

	slog.Info("fluid solver initialized",
		"particles", s.n,
		"workers", s.pool.Workers(),
		"table_size", s.hash.TableSize(),
		"sort_passes", s.sorter.PassesFor(s.hash.TableSize()-1),
		"smoothing_radius", s.p.h,
		"viscosity", s.p.useViscosity,
		"vorticity", s.p.useVorticity,
	)
	return nil
}

// Resize reallocates every per-particle and per-sort buffer for
// len(positions) particles and loads the new state.
func (s *Solver) Resize(positions, velocities []particles.Vec3) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	n := len(positions)
	s.set.Resize(n)
	if err := s.set.Load(positions, velocities); err != nil {
		return err
	}
	s.hash.Resize(n, s.p.tableSize)
	s.n = n
	s.simTime = 0
	s.stats = StepStats{}

	slog.Debug("fluid buffers resized", "particles", n, "table_size", s.hash.TableSize())
	return s.RefreshNeighbors()
}

// Reset reloads particle state without reallocating. The particle count
// must not change; use Resize for that.
func (s *Solver) Reset(positions, velocities []particles.Vec3) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	if err := s.set.Load(positions, velocities); err != nil {
		return err
	}
	s.simTime = 0
	s.stats = StepStats{}
	return s.RefreshNeighbors()
}

// Shutdown stops the worker pool and releases all buffers.
func (s *Solver) Shutdown() {
	if s.pool != nil {
		s.pool.Stop()
	}
	if s.initialized {
		slog.Debug("fluid solver shut down", "particles", s.n)
	}
	s.pool = nil
	s.sorter = nil
	s.hash = nil
	s.set = nil
	s.reorder = nil
	s.n = 0
	s.initialized = false
}

// SetSmoothingRadius changes h. Kernel constants and the hash cell size
// follow on the next sub-step.
func (s *Solver) SetSmoothingRadius(h float32) error {
	if !(h > 0) || math.IsInf(float64(h), 0) {
		return fmt.Errorf("%w: %v", ErrInvalidRadius, h)
	}
	s.p.h = h
	return nil
}

// SetTargetDensity changes the rest density.
func (s *Solver) SetTargetDensity(rho0 float32) error {
	if !(rho0 > 0) {
		return fmt.Errorf("%w: target density %v must be positive", config.ErrInvalid, rho0)
	}
	s.p.rho0 = rho0
	return nil
}

// SetGravity changes the Y acceleration.
func (s *Solver) SetGravity(g float32) { s.p.gravity = g }

// Constants returns the kernel constants for the current radius.
func (s *Solver) Constants() Constants {
	s.refreshConstants()
	return s.consts
}

func (s *Solver) refreshConstants() {
	if s.p.h == s.constH && s.p.rho0 == s.constR {
		return
	}
	s.consts = NewConstants(s.p.h, s.p.rho0, s.p.mass, s.p.deltaQFrac*s.p.h, s.p.scorrK, s.p.scorrN)
	s.constH = s.p.h
	s.constR = s.p.rho0
}

// FrameDelta converts elapsed wall time into a frame delta: scaled by the
// normal or slow time scale, then clamped to the max-timestep limit so a
// slow host runs the simulation slower instead of less stably.
func (s *Solver) FrameDelta(elapsed float64, slow bool) float64 {
	scale := s.p.timeScale
	if slow {
		scale = s.p.slowScale
	}
	return math.Min(elapsed*scale, s.p.maxFrameDT)
}

// checkBuffers guards against running a sub-step on buffers sized for a
// different N.
func (s *Solver) checkBuffers() error {
	if s.set.Len() != s.n || s.hash.Len() != s.n {
		return fmt.Errorf("%w: set %d, hash %d, solver %d", ErrStaleBuffers, s.set.Len(), s.hash.Len(), s.n)
	}
	if err := s.set.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrStaleBuffers, err)
	}
	return nil
}

// Step advances the simulation by one frame of frameDelta seconds, split
// into equal sub-steps. A zero delta only refreshes densities.
func (s *Solver) Step(frameDelta float64) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	if math.IsNaN(frameDelta) || math.IsInf(frameDelta, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidDelta, frameDelta)
	}
	if err := s.checkBuffers(); err != nil {
		return err
	}
	s.refreshConstants()

	start := time.Now()
	s.stats = StepStats{Iterations: s.p.iterations}

	if frameDelta <= 0 || s.n == 0 {
		err := s.RefreshNeighbors()
		if err == nil {
			s.computeDensities()
		}
		s.stats.Elapsed = time.Since(start)
		return err
	}

	dt := float32(frameDelta / float64(s.p.substeps))
	for i := 0; i < s.p.substeps; i++ {
		if err := s.substep(dt); err != nil {
			return err
		}
		s.simTime += float64(dt)
	}

	s.stats.ConstraintFirst /= float64(s.p.substeps)
	s.stats.ConstraintLast /= float64(s.p.substeps)
	s.stats.Elapsed = time.Since(start)
	return nil
}

func (s *Solver) substep(dt float32) error {
	s.perf.StartPhase(telemetry.PhasePredict)
	s.predict(dt)

	s.perf.StartPhase(telemetry.PhaseHash)
	if err := s.hash.Build(s.set.Predicted(), s.p.h); err != nil {
		return fmt.Errorf("building spatial hash: %w", err)
	}

	s.perf.StartPhase(telemetry.PhaseReorder)
	perm := s.hash.SortedIndices()
	if err := s.reorder.Reorder(s.set, perm); err != nil {
		return fmt.Errorf("reordering particles: %w", err)
	}

	s.perf.StartPhase(telemetry.PhaseSolve)
	history := s.stats.History[:0]
	for k := 0; k < s.p.iterations; k++ {
		s.computeLambda()
		history = append(history, s.meanConstraint())
		s.computeDelta()
		s.applyDelta()
	}
	s.stats.History = history
	if len(history) > 0 {
		s.stats.ConstraintFirst += float64(history[0])
		s.stats.ConstraintLast += float64(history[len(history)-1])
	}

	s.perf.StartPhase(telemetry.PhaseRestore)
	if err := s.reorder.RestoreOrder(s.set, perm); err != nil {
		return fmt.Errorf("restoring particle order: %w", err)
	}

	s.perf.StartPhase(telemetry.PhaseFinalize)
	s.finalize(dt)

	if s.p.useVorticity || s.p.useViscosity {
		s.perf.StartPhase(telemetry.PhasePost)
		if s.p.useVorticity {
			s.vorticityConfinement(dt)
		}
		if s.p.useViscosity {
			s.xsphViscosity()
		}
	}

	s.stats.Substeps++
	s.collectCounts()
	return nil
}

// RefreshNeighbors rebuilds the spatial hash on the current positions so
// ForEachNeighbor reflects them.
func (s *Solver) RefreshNeighbors() error {
	if !s.initialized {
		return ErrNotInitialized
	}
	s.refreshConstants()
	if err := s.hash.Build(s.set.Position(), s.p.h); err != nil {
		return fmt.Errorf("building spatial hash: %w", err)
	}
	return nil
}

// ForEachNeighbor calls fn for every particle j within the smoothing radius
// of particle i (including i itself), with the squared distance. Neighbors
// come from the most recent hash build.
func (s *Solver) ForEachNeighbor(i int, fn func(j int, r2 float32)) {
	if !s.initialized || i < 0 || i >= s.n {
		return
	}
	pos := s.set.Position()
	pi := pos[i]
	h2 := s.p.h * s.p.h
	s.hash.ForEachNeighbor(pi, func(j int) {
		r2 := pos[j].Sub(pi).LenSq()
		if r2 < h2 {
			fn(j, r2)
		}
	})
}

// Positions returns the particle positions in original particle order.
// The slice is owned by the solver and valid until the next Step.
func (s *Solver) Positions() []particles.Vec3 {
	if s.set == nil {
		return nil
	}
	return s.set.Position()
}

// Velocities returns the particle velocities in original particle order.
func (s *Solver) Velocities() []particles.Vec3 {
	if s.set == nil {
		return nil
	}
	return s.set.Velocity()
}

// Densities returns the densities from the last solver iteration.
func (s *Solver) Densities() []float32 {
	if s.set == nil {
		return nil
	}
	return s.set.Density()
}

// ActiveCount returns the particle count.
func (s *Solver) ActiveCount() int { return s.n }

// SimTime returns the simulated seconds since the last load.
func (s *Solver) SimTime() float64 { return s.simTime }

// Stats returns statistics from the last Step.
func (s *Solver) Stats() StepStats { return s.stats }

// Workers returns the worker pool size.
func (s *Solver) Workers() int { return s.pool.Workers() }

// SortPasses returns the digit passes per hash build.
func (s *Solver) SortPasses() int {
	if s.hash == nil {
		return 0
	}
	return s.sorter.PassesFor(s.hash.TableSize() - 1)
}

// TableSize returns the spatial hash key domain.
func (s *Solver) TableSize() int {
	if s.hash == nil {
		return 0
	}
	return int(s.hash.TableSize())
}

func (s *Solver) resetCounts() {
	for i := range s.counts {
		s.counts[i] = workerCounts{}
	}
}

func (s *Solver) collectCounts() {
	for i := range s.counts {
		s.stats.NonFinite += s.counts[i].nonFinite
		s.stats.BoundaryClamps += s.counts[i].clamps
	}
	s.resetCounts()
}
