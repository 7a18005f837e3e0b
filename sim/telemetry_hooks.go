package sim

import (
	"log/slog"

	"github.com/pthm-cable/pbf/particles"
	"github.com/pthm-cable/pbf/telemetry"
)

// flushTelemetry checks if the stats window should be flushed and handles bookmarks.
func (s *Sim) flushTelemetry() {
	if !s.collector.ShouldFlush(s.frame) {
		return
	}

	stats := s.collector.Flush(s.frame, s.sampleParticles())
	perfStats := s.perf.Stats(s.solver.ActiveCount())
	s.lastStats = stats

	if s.statsCallback != nil {
		s.statsCallback(stats)
	}

	if s.logStats {
		stats.LogStats()
		perfStats.LogStats()
	}

	if s.output != nil {
		if err := s.output.WriteTelemetry(stats); err != nil {
			slog.Error("failed to write telemetry", "error", err)
		}
		if err := s.output.WritePerf(perfStats, stats.WindowEndFrame); err != nil {
			slog.Error("failed to write perf", "error", err)
		}
	}

	for _, bm := range s.detector.Check(stats) {
		s.bookmarks = append(s.bookmarks, bm)
		if s.logStats {
			bm.LogBookmark()
		}

		if s.output != nil {
			if err := s.output.WriteBookmark(bm); err != nil {
				slog.Error("failed to write bookmark", "error", err)
			}
		}

		if s.snapshotOnBookmark {
			s.saveSnapshot(&bm)
		}
	}
}

// sampleParticles builds the per-particle view for window statistics.
func (s *Sim) sampleParticles() telemetry.ParticleState {
	vel := s.solver.Velocities()
	if cap(s.speeds) < len(vel) {
		s.speeds = make([]float64, len(vel))
	}
	s.speeds = s.speeds[:len(vel)]
	for i, v := range vel {
		s.speeds[i] = float64(v.Len())
	}
	return telemetry.ParticleState{
		Densities: s.solver.Densities(),
		Speeds:    s.speeds,
		Mass:      s.cfg.Fluid.ParticleMass,
	}
}

// saveSnapshot writes a snapshot to the output directory, or to the
// snapshot directory when output is disabled.
func (s *Sim) saveSnapshot(bookmark *telemetry.Bookmark) {
	snapshot := s.Snapshot(bookmark)

	var (
		path string
		err  error
	)
	switch {
	case s.output != nil:
		path, err = s.output.WriteSnapshot(snapshot)
	case s.snapshotDir != "":
		path, err = telemetry.SaveSnapshot(snapshot, s.snapshotDir)
	default:
		return
	}
	if err != nil {
		slog.Error("failed to save snapshot", "error", err)
		return
	}

	slog.Info("snapshot saved", "path", path, "frame", s.frame)
}

// Snapshot copies the current particle state. bookmark may be nil.
func (s *Sim) Snapshot(bookmark *telemetry.Bookmark) *telemetry.Snapshot {
	c := s.solver.Constants()
	return &telemetry.Snapshot{
		Version:         telemetry.SnapshotVersion,
		Seed:            s.seed,
		Frame:           s.frame,
		SimTime:         s.solver.SimTime(),
		SmoothingRadius: c.H,
		TargetDensity:   c.Rho0,
		Positions:       append([]particles.Vec3(nil), s.solver.Positions()...),
		Velocities:      append([]particles.Vec3(nil), s.solver.Velocities()...),
		Bookmark:        bookmark,
	}
}
