package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/pthm-cable/pbf/config"
	"github.com/pthm-cable/pbf/sim"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to config.yaml (empty = use defaults)")
	logStats := flag.Bool("log-stats", false, "Output stats via slog")
	statsWindow := flag.Int("stats-window", 0, "Stats window size in frames (0 = use config)")
	snapshotDir := flag.String("snapshot-dir", "", "Directory for snapshot files when no output dir is set")
	snapshotOnBookmark := flag.Bool("snapshot-on-bookmark", false, "Save a particle snapshot whenever a bookmark fires")
	outputDir := flag.String("output-dir", "", "Output directory for CSV logs, config copy and summary")
	restore := flag.String("restore", "", "Resume from a snapshot file")
	seed := flag.Int64("seed", 0, "Spawn seed (0 = use config)")
	frames := flag.Int("frames", 600, "Number of frames to simulate")
	debug := flag.Bool("debug", false, "Enable debug logging")

	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Initialize config before anything else
	if err := config.Init(*configPath); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	s, err := sim.New(sim.Options{
		Config:             config.Cfg(),
		Seed:               *seed,
		LogStats:           *logStats,
		StatsWindow:        *statsWindow,
		OutputDir:          *outputDir,
		SnapshotDir:        *snapshotDir,
		SnapshotOnBookmark: *snapshotOnBookmark,
		Restore:            *restore,
	})
	if err != nil {
		slog.Error("failed to start simulation", "error", err)
		os.Exit(1)
	}

	slog.Info("starting headless simulation", "frames", *frames)

	runErr := s.Run(*frames)
	if err := s.Close(); err != nil {
		slog.Error("failed to close output", "error", err)
	}
	if runErr != nil {
		slog.Error("simulation failed", "error", runErr)
		os.Exit(1)
	}
}
