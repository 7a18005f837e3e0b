package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, -10.0, cfg.Fluid.Gravity)
	assert.Equal(t, 0.2, cfg.Fluid.SmoothingRadius)
	assert.Equal(t, 630.0, cfg.Fluid.TargetDensity)
	assert.Equal(t, 0.95, cfg.Fluid.CollisionDamping)
	assert.Equal(t, 3, cfg.Simulation.Substeps)
	assert.Equal(t, 3, cfg.Simulation.SolverIterations)
	assert.Equal(t, 1000.0, cfg.Solver.LambdaEpsilon)
	assert.Equal(t, 4.0, cfg.Solver.ScorrN)
	assert.NotEmpty(t, cfg.Spawn.Regions)

	assert.Equal(t, float32(0.2), cfg.Derived.CellSize)
	assert.InDelta(t, 0.02, cfg.Derived.DeltaQ, 1e-6)
	assert.Equal(t, 8, cfg.Derived.Passes)
	assert.Equal(t, 16, cfg.Derived.Buckets)
	assert.InDelta(t, 1.0/60, cfg.Derived.MaxFrameDT, 1e-9)
}

func TestLoadOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "override.yaml")
	data := []byte("fluid:\n  smoothing_radius: 0.5\nsimulation:\n  max_timestep_fps: 0\n")
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.5, cfg.Fluid.SmoothingRadius)
	// Untouched keys keep their defaults.
	assert.Equal(t, 630.0, cfg.Fluid.TargetDensity)
	assert.Equal(t, float32(0.5), cfg.Derived.CellSize)
	assert.True(t, math.IsInf(cfg.Derived.MaxFrameDT, 1))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero radius", func(c *Config) { c.Fluid.SmoothingRadius = 0 }},
		{"negative radius", func(c *Config) { c.Fluid.SmoothingRadius = -0.2 }},
		{"nan radius", func(c *Config) { c.Fluid.SmoothingRadius = math.NaN() }},
		{"infinite radius", func(c *Config) { c.Fluid.SmoothingRadius = math.Inf(1) }},
		{"zero density", func(c *Config) { c.Fluid.TargetDensity = 0 }},
		{"zero substeps", func(c *Config) { c.Simulation.Substeps = 0 }},
		{"zero iterations", func(c *Config) { c.Simulation.SolverIterations = 0 }},
		{"digit bits too wide", func(c *Config) { c.Sort.DigitBits = 17 }},
		{"key bits below digit bits", func(c *Config) { c.Sort.KeyBits = 2 }},
		{"key bits too wide", func(c *Config) { c.Sort.KeyBits = 33 }},
		{"zero block", func(c *Config) { c.Sort.BlockSize = 0 }},
		{"flat bounds", func(c *Config) { c.Bounds.Size[1] = 0 }},
		{"zero spacing", func(c *Config) { c.Spawn.Regions[0].Spacing = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestWriteYAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Solver.ScorrK = 0.1
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, cfg.WriteYAML(path))

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Solver, back.Solver)
	assert.Equal(t, cfg.Spawn, back.Spawn)
}

func TestClone(t *testing.T) {
	cfg := Default()
	cp := cfg.Clone()
	require.Equal(t, cfg, cp)

	cp.Spawn.Regions[0].Spacing = 0.5
	cp.Fluid.Gravity = 0
	assert.Equal(t, 0.115, cfg.Spawn.Regions[0].Spacing)
	assert.Equal(t, -10.0, cfg.Fluid.Gravity)
}
