// Package sim drives a headless fluid run: it spawns the scene, steps the
// solver at a fixed frame rate and feeds telemetry, bookmarks and snapshots
// to the output directory.
package sim

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pthm-cable/pbf/config"
	"github.com/pthm-cable/pbf/fluid"
	"github.com/pthm-cable/pbf/particles"
	"github.com/pthm-cable/pbf/scene"
	"github.com/pthm-cable/pbf/telemetry"
)

// Options configures a run.
type Options struct {
	Config *config.Config // nil = config.Cfg()
	Seed   int64          // 0 = spawn seed from config

	LogStats           bool
	StatsWindow        int    // frames per stats window, 0 = config
	OutputDir          string // CSV logs, config copy, summary
	SnapshotDir        string // bookmark snapshots when OutputDir is empty
	SnapshotOnBookmark bool
	Restore            string // snapshot to resume from

	// StatsCallback is called with each flushed stats window.
	StatsCallback func(telemetry.WindowStats)
}

// Sim is one headless run.
type Sim struct {
	cfg    *config.Config
	seed   int64
	solver *fluid.Solver

	perf      *telemetry.PerfCollector
	collector *telemetry.Collector
	detector  *telemetry.BookmarkDetector
	output    *telemetry.OutputManager

	logStats           bool
	snapshotDir        string
	snapshotOnBookmark bool
	statsCallback      func(telemetry.WindowStats)

	frame     int32
	started   time.Time
	speeds    []float64
	lastStats telemetry.WindowStats
	bookmarks []telemetry.Bookmark
}

// New spawns the scene (or loads the restore snapshot) and initializes the
// solver.
func New(opts Options) (*Sim, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Cfg()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ComputeDerived()

	seed := opts.Seed
	if seed == 0 {
		seed = cfg.Spawn.Seed
	}

	window := cfg.Telemetry.StatsWindow
	if opts.StatsWindow > 0 {
		window = opts.StatsWindow
	}

	s := &Sim{
		cfg:                cfg,
		seed:               seed,
		perf:               telemetry.NewPerfCollector(cfg.Telemetry.PerfCollectorWindow),
		collector:          telemetry.NewCollector(window, cfg.Simulation.FrameDT),
		detector:           telemetry.NewBookmarkDetector(10),
		logStats:           opts.LogStats,
		snapshotDir:        opts.SnapshotDir,
		snapshotOnBookmark: opts.SnapshotOnBookmark,
		statsCallback:      opts.StatsCallback,
		started:            time.Now(),
	}

	positions, velocities, snap, err := s.initialState(opts.Restore)
	if err != nil {
		return nil, err
	}

	s.solver = fluid.New(s.perf)
	if err := s.solver.Initialize(cfg, positions, velocities); err != nil {
		return nil, fmt.Errorf("initializing solver: %w", err)
	}
	if snap != nil {
		s.frame = snap.Frame
		if err := s.applySnapshotParams(snap); err != nil {
			s.solver.Shutdown()
			return nil, err
		}
	}
	// Zero-length frame so densities are valid before the first step
	if err := s.solver.Step(0); err != nil {
		s.solver.Shutdown()
		return nil, err
	}

	out, err := telemetry.NewOutputManager(opts.OutputDir)
	if err != nil {
		s.solver.Shutdown()
		return nil, err
	}
	s.output = out
	if err := s.output.WriteConfig(cfg); err != nil {
		slog.Error("failed to write config", "error", err)
	}

	slog.Info("simulation ready",
		"particles", s.solver.ActiveCount(),
		"seed", seed,
		"frame", s.frame,
		"stats_window", window,
		"output_dir", s.output.Dir(),
	)
	return s, nil
}

func (s *Sim) initialState(restore string) (pos, vel []particles.Vec3, snap *telemetry.Snapshot, err error) {
	if restore != "" {
		snap, err = telemetry.LoadSnapshot(restore)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("restoring %s: %w", restore, err)
		}
		slog.Info("restored snapshot", "path", restore, "frame", snap.Frame, "particles", len(snap.Positions))
		s.seed = snap.Seed
		return snap.Positions, snap.Velocities, snap, nil
	}

	cfg := s.cfg.Clone()
	cfg.Spawn.Seed = s.seed
	sc, err := scene.FromConfig(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	pos, vel = sc.Spawn()
	return pos, vel, nil, nil
}

func (s *Sim) applySnapshotParams(snap *telemetry.Snapshot) error {
	if snap.SmoothingRadius > 0 {
		if err := s.solver.SetSmoothingRadius(snap.SmoothingRadius); err != nil {
			return err
		}
	}
	if snap.TargetDensity > 0 {
		if err := s.solver.SetTargetDensity(snap.TargetDensity); err != nil {
			return err
		}
	}
	return nil
}

// Update advances one frame.
func (s *Sim) Update() error {
	s.perf.StartTick()

	dt := s.solver.FrameDelta(s.cfg.Simulation.FrameDT, false)
	if err := s.solver.Step(dt); err != nil {
		return fmt.Errorf("frame %d: %w", s.frame, err)
	}
	s.collector.Record(s.solver.Stats().Sample())
	s.frame++

	s.perf.StartPhase(telemetry.PhaseOutput)
	s.flushTelemetry()
	s.perf.EndTick()
	return nil
}

// Run advances the given number of frames.
func (s *Sim) Run(frames int) error {
	for i := 0; i < frames; i++ {
		if err := s.Update(); err != nil {
			return err
		}
	}
	return nil
}

// Frame returns the number of frames stepped, including restored ones.
func (s *Sim) Frame() int32 { return s.frame }

// Seed returns the spawn seed in use.
func (s *Sim) Seed() int64 { return s.seed }

// Solver exposes the underlying solver.
func (s *Sim) Solver() *fluid.Solver { return s.solver }

// LastStats returns the most recently flushed window.
func (s *Sim) LastStats() telemetry.WindowStats { return s.lastStats }

// Bookmarks returns every bookmark raised so far.
func (s *Sim) Bookmarks() []telemetry.Bookmark { return s.bookmarks }

// Summary describes the run so far.
func (s *Sim) Summary() telemetry.RunSummary {
	return telemetry.RunSummary{
		Particles:     s.solver.ActiveCount(),
		Frames:        s.frame,
		SimTimeSec:    s.solver.SimTime(),
		WallTimeSec:   time.Since(s.started).Seconds(),
		Substeps:      s.cfg.Simulation.Substeps,
		Iterations:    s.cfg.Simulation.SolverIterations,
		Workers:       s.solver.Workers(),
		SortPasses:    s.solver.SortPasses(),
		HashTableSize: s.solver.TableSize(),
		Final:         s.lastStats,
		Bookmarks:     s.bookmarks,
	}
}

// Close writes the run summary, closes output files and stops the solver.
func (s *Sim) Close() error {
	summary := s.Summary()
	err := s.output.WriteSummary(summary)
	if cerr := s.output.Close(); err == nil {
		err = cerr
	}
	s.solver.Shutdown()

	slog.Info("simulation finished",
		"frames", summary.Frames,
		"sim_time", summary.SimTimeSec,
		"wall_time", summary.WallTimeSec,
		"bookmarks", len(summary.Bookmarks),
	)
	return err
}
