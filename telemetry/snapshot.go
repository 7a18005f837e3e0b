package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sugawarayuuta/sonnet"

	"github.com/pthm-cable/pbf/particles"
)

// SnapshotVersion is incremented when the format changes.
const SnapshotVersion = 1

// Snapshot holds the particle state needed to resume or replay a run.
type Snapshot struct {
	Version int   `json:"version"`
	Seed    int64 `json:"seed"`

	Frame   int32   `json:"frame"`
	SimTime float64 `json:"sim_time"`

	SmoothingRadius float32 `json:"smoothing_radius"`
	TargetDensity   float32 `json:"target_density"`

	Positions  []particles.Vec3 `json:"positions"`
	Velocities []particles.Vec3 `json:"velocities"`

	Bookmark *Bookmark `json:"bookmark,omitempty"`
}

// Validate checks that the particle arrays agree in length.
func (s *Snapshot) Validate() error {
	if len(s.Positions) != len(s.Velocities) {
		return fmt.Errorf("%w: snapshot has %d positions, %d velocities",
			particles.ErrLengthMismatch, len(s.Positions), len(s.Velocities))
	}
	return nil
}

// SaveSnapshot writes a snapshot to disk.
// Returns the filepath where it was saved.
func SaveSnapshot(snapshot *Snapshot, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	// Build filename
	name := fmt.Sprintf("snapshot_%d", snapshot.Frame)
	if snapshot.Bookmark != nil {
		// Sanitize bookmark type for filename
		sanitized := strings.ReplaceAll(string(snapshot.Bookmark.Type), " ", "_")
		name = fmt.Sprintf("snapshot_%d_%s", snapshot.Frame, sanitized)
	}
	name += ".json"

	path := filepath.Join(dir, name)

	data, err := sonnet.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}

	return path, nil
}

// LoadSnapshot reads a snapshot from disk.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snapshot Snapshot
	if err := sonnet.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}

	return &snapshot, nil
}
