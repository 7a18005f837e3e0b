package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sugawarayuuta/sonnet"

	"github.com/pthm-cable/pbf/config"
)

func TestOutputManager_Disabled(t *testing.T) {
	om, err := NewOutputManager("")
	if err != nil || om != nil {
		t.Fatalf("expected nil manager for empty dir, got %v, %v", om, err)
	}

	// Every method is a no-op on a nil manager
	if err := om.WriteTelemetry(WindowStats{}); err != nil {
		t.Error(err)
	}
	if err := om.WriteSummary(RunSummary{}); err != nil {
		t.Error(err)
	}
	if err := om.Close(); err != nil {
		t.Error(err)
	}
}

func TestOutputManager_Files(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	om, err := NewOutputManager(dir)
	if err != nil {
		t.Fatalf("NewOutputManager failed: %v", err)
	}

	if err := om.WriteConfig(config.Default()); err != nil {
		t.Fatalf("WriteConfig failed: %v", err)
	}
	for i := int32(1); i <= 3; i++ {
		if err := om.WriteTelemetry(WindowStats{WindowEndFrame: i * 60, Particles: 100}); err != nil {
			t.Fatalf("WriteTelemetry failed: %v", err)
		}
	}
	if err := om.WritePerf(PerfStats{PhasePct: map[string]float64{PhaseSolve: 50}}, 60); err != nil {
		t.Fatalf("WritePerf failed: %v", err)
	}
	if err := om.WriteBookmark(Bookmark{Type: BookmarkSettled, Frame: 180}); err != nil {
		t.Fatalf("WriteBookmark failed: %v", err)
	}
	if err := om.WriteSummary(RunSummary{Particles: 100, Frames: 180}); err != nil {
		t.Fatalf("WriteSummary failed: %v", err)
	}
	if err := om.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "telemetry.csv"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 {
		t.Errorf("expected header + 3 rows, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "window_end,") {
		t.Errorf("unexpected header %q", lines[0])
	}

	data, err = os.ReadFile(filepath.Join(dir, "summary.json"))
	if err != nil {
		t.Fatal(err)
	}
	var summary RunSummary
	if err := sonnet.Unmarshal(data, &summary); err != nil {
		t.Fatalf("summary.json is not valid JSON: %v", err)
	}
	if summary.Particles != 100 || summary.Frames != 180 {
		t.Errorf("summary mismatch: %+v", summary)
	}

	if _, err := config.Load(filepath.Join(dir, "config.yaml")); err != nil {
		t.Errorf("config.yaml does not load back: %v", err)
	}
}

func TestCollector_Flush(t *testing.T) {
	c := NewCollector(2, 0.5)

	c.Record(FrameSample{Substeps: 3, ConstraintFirst: 0.4, ConstraintLast: 0.2, BoundaryClamps: 1})
	if c.ShouldFlush(1) {
		t.Error("window should not flush after one frame")
	}
	c.Record(FrameSample{Substeps: 3, ConstraintFirst: 0.2, ConstraintLast: 0.1, NonFinite: 2})
	if !c.ShouldFlush(2) {
		t.Fatal("window should flush after two frames")
	}

	stats := c.Flush(2, ParticleState{
		Densities: []float32{600, 650},
		Speeds:    []float64{1, 3},
		Mass:      2,
	})

	if stats.Substeps != 6 || stats.NonFinite != 2 || stats.BoundaryClamps != 1 {
		t.Errorf("unexpected counters %+v", stats)
	}
	if stats.SimTimeSec != 1.0 {
		t.Errorf("sim time = %v, want 1.0", stats.SimTimeSec)
	}
	if diff := stats.ConstraintFirst - 0.3; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("constraint_first = %v, want 0.3", stats.ConstraintFirst)
	}
	// 0.5 * 2 * (1 + 9)
	if stats.KineticEnergy != 10 {
		t.Errorf("kinetic energy = %v, want 10", stats.KineticEnergy)
	}
	if stats.DensityMax != 650 || stats.Particles != 2 {
		t.Errorf("unexpected density stats %+v", stats)
	}

	// Counters reset for the next window
	next := c.Flush(4, ParticleState{})
	if next.Substeps != 0 || next.WindowStartFrame != 2 {
		t.Errorf("collector did not reset: %+v", next)
	}
}
