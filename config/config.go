// Package config provides configuration loading and access for the simulation.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrInvalid is returned by Validate for configurations the solver cannot run.
var ErrInvalid = errors.New("config: invalid configuration")

// Config holds all simulation configuration parameters.
type Config struct {
	Simulation SimulationConfig `yaml:"simulation"`
	Fluid      FluidConfig      `yaml:"fluid"`
	Solver     SolverConfig     `yaml:"solver"`
	Bounds     BoundsConfig     `yaml:"bounds"`
	Sort       SortConfig       `yaml:"sort"`
	Hash       HashConfig       `yaml:"hash"`
	Features   FeaturesConfig   `yaml:"features"`
	Parallel   ParallelConfig   `yaml:"parallel"`
	Spawn      SpawnConfig      `yaml:"spawn"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// SimulationConfig holds time stepping parameters.
type SimulationConfig struct {
	Substeps         int     `yaml:"substeps"`          // Sub-steps per frame, dt = frame / substeps
	SolverIterations int     `yaml:"solver_iterations"` // Density constraint iterations per sub-step
	TimeScale        float64 `yaml:"time_scale"`
	SlowTimeScale    float64 `yaml:"slow_time_scale"`
	MaxTimestepFPS   float64 `yaml:"max_timestep_fps"` // Frame delta is clamped to 1/this (0 = no clamp)
	FrameDT          float64 `yaml:"frame_dt"`         // Fixed frame delta for headless runs
}

// FluidConfig holds physical fluid parameters.
type FluidConfig struct {
	Gravity           float64 `yaml:"gravity"` // Acceleration along Y
	SmoothingRadius   float64 `yaml:"smoothing_radius"`
	TargetDensity     float64 `yaml:"target_density"`
	ParticleMass      float64 `yaml:"particle_mass"`
	CollisionDamping  float64 `yaml:"collision_damping"` // Velocity retained on a boundary bounce
	ViscosityStrength float64 `yaml:"viscosity_strength"`
	VorticityStrength float64 `yaml:"vorticity_strength"`
}

// SolverConfig holds PBF constraint parameters.
type SolverConfig struct {
	LambdaEpsilon float64 `yaml:"lambda_epsilon"` // Relaxation in the lambda denominator
	ScorrK        float64 `yaml:"scorr_k"`        // Tensile correction strength (0 = off)
	ScorrN        float64 `yaml:"scorr_n"`        // Tensile correction exponent
	ScorrDeltaQ   float64 `yaml:"scorr_delta_q"`  // Reference distance as a fraction of the smoothing radius
	Unilateral    bool    `yaml:"unilateral"`     // Clamp the density constraint to C >= 0; without it free-surface particles are pulled inward
}

// BoundsConfig describes the axis-aligned simulation box.
type BoundsConfig struct {
	Center [3]float64 `yaml:"center"`
	Size   [3]float64 `yaml:"size"`
}

// SortConfig holds radix sort geometry.
type SortConfig struct {
	BlockSize int `yaml:"block_size"`
	DigitBits int `yaml:"digit_bits"`
	KeyBits   int `yaml:"key_bits"`
}

// HashConfig holds spatial hash parameters.
type HashConfig struct {
	TableSize int `yaml:"table_size"` // 0 = particle count
}

// FeaturesConfig toggles optional post-pass kernels.
type FeaturesConfig struct {
	Viscosity bool `yaml:"viscosity"` // XSPH velocity smoothing
	Vorticity bool `yaml:"vorticity"` // Vorticity confinement
}

// ParallelConfig holds worker pool parameters.
type ParallelConfig struct {
	Workers int `yaml:"workers"` // 0 = GOMAXPROCS
}

// SpawnConfig holds initial particle placement.
type SpawnConfig struct {
	Seed    int64               `yaml:"seed"`
	Jitter  float64             `yaml:"jitter"` // Random offset as a fraction of spacing
	Regions []SpawnRegionConfig `yaml:"regions"`
}

// SpawnRegionConfig is a box filled with a particle lattice.
type SpawnRegionConfig struct {
	Name     string     `yaml:"name"`
	Center   [3]float64 `yaml:"center"`
	Size     [3]float64 `yaml:"size"`
	Spacing  float64    `yaml:"spacing"`
	Velocity [3]float64 `yaml:"velocity"`
}

// TelemetryConfig holds telemetry parameters.
type TelemetryConfig struct {
	StatsWindow         int `yaml:"stats_window"` // Frames per stats window
	PerfCollectorWindow int `yaml:"perf_collector_window"`
}

// DerivedConfig holds computed values derived from the loaded config.
type DerivedConfig struct {
	CellSize   float32 // Hash cell size, equal to the smoothing radius
	DeltaQ     float32 // ScorrDeltaQ * SmoothingRadius
	Passes     int     // ceil(KeyBits / DigitBits)
	Buckets    int     // 1 << DigitBits
	MaxFrameDT float64 // 1 / MaxTimestepFPS, +Inf when unclamped
	SubstepDT  float64 // FrameDT / Substeps
}

// global holds the loaded configuration.
var global *Config

// Init loads configuration from the given path, or uses embedded defaults if path is empty.
// Must be called before Cfg().
func Init(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	global = cfg
	return nil
}

// MustInit is like Init but panics on error.
func MustInit(path string) {
	if err := Init(path); err != nil {
		panic(fmt.Sprintf("config: failed to initialize: %v", err))
	}
}

// Cfg returns the global configuration. Panics if Init was not called.
func Cfg() *Config {
	if global == nil {
		panic("config: Cfg() called before Init()")
	}
	return global
}

// Default returns the embedded defaults.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults: %v", err))
	}
	return cfg
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Unmarshal into same struct - only overwrites fields present in file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ComputeDerived()
	return cfg, nil
}

// Validate checks the parameters that would make the solver undefined.
func (c *Config) Validate() error {
	switch {
	case !(c.Fluid.SmoothingRadius > 0) || math.IsInf(c.Fluid.SmoothingRadius, 0):
		return fmt.Errorf("%w: smoothing_radius %v must be > 0", ErrInvalid, c.Fluid.SmoothingRadius)
	case !(c.Fluid.TargetDensity > 0):
		return fmt.Errorf("%w: target_density %v must be > 0", ErrInvalid, c.Fluid.TargetDensity)
	case !(c.Fluid.ParticleMass > 0):
		return fmt.Errorf("%w: particle_mass %v must be > 0", ErrInvalid, c.Fluid.ParticleMass)
	case c.Simulation.Substeps < 1:
		return fmt.Errorf("%w: substeps %d must be >= 1", ErrInvalid, c.Simulation.Substeps)
	case c.Simulation.SolverIterations < 1:
		return fmt.Errorf("%w: solver_iterations %d must be >= 1", ErrInvalid, c.Simulation.SolverIterations)
	case c.Simulation.MaxTimestepFPS < 0:
		return fmt.Errorf("%w: max_timestep_fps %v must be >= 0", ErrInvalid, c.Simulation.MaxTimestepFPS)
	case c.Sort.BlockSize < 1:
		return fmt.Errorf("%w: block_size %d must be >= 1", ErrInvalid, c.Sort.BlockSize)
	case c.Sort.DigitBits < 1 || c.Sort.DigitBits > 16:
		return fmt.Errorf("%w: digit_bits %d not in [1, 16]", ErrInvalid, c.Sort.DigitBits)
	case c.Sort.KeyBits < c.Sort.DigitBits || c.Sort.KeyBits > 32:
		return fmt.Errorf("%w: key_bits %d not in [digit_bits, 32]", ErrInvalid, c.Sort.KeyBits)
	case c.Hash.TableSize < 0:
		return fmt.Errorf("%w: table_size %d must be >= 0", ErrInvalid, c.Hash.TableSize)
	case c.Solver.LambdaEpsilon < 0:
		return fmt.Errorf("%w: lambda_epsilon %v must be >= 0", ErrInvalid, c.Solver.LambdaEpsilon)
	}
	for axis, s := range c.Bounds.Size {
		if !(s > 0) {
			return fmt.Errorf("%w: bounds size[%d] %v must be > 0", ErrInvalid, axis, s)
		}
	}
	for i, r := range c.Spawn.Regions {
		if !(r.Spacing > 0) {
			return fmt.Errorf("%w: spawn region %d (%s) spacing %v must be > 0", ErrInvalid, i, r.Name, r.Spacing)
		}
	}
	return nil
}

// ComputeDerived recalculates Derived. Call it after changing fields by hand.
func (c *Config) ComputeDerived() {
	c.Derived.CellSize = float32(c.Fluid.SmoothingRadius)
	c.Derived.DeltaQ = float32(c.Solver.ScorrDeltaQ * c.Fluid.SmoothingRadius)
	if c.Sort.DigitBits > 0 {
		c.Derived.Passes = (c.Sort.KeyBits + c.Sort.DigitBits - 1) / c.Sort.DigitBits
		c.Derived.Buckets = 1 << c.Sort.DigitBits
	}
	c.Derived.MaxFrameDT = math.Inf(1)
	if c.Simulation.MaxTimestepFPS > 0 {
		c.Derived.MaxFrameDT = 1 / c.Simulation.MaxTimestepFPS
	}
	if c.Simulation.Substeps > 0 {
		c.Derived.SubstepDT = c.Simulation.FrameDT / float64(c.Simulation.Substeps)
	}
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Clone returns a copy that shares no slices with c.
func (c *Config) Clone() *Config {
	out := *c
	out.Spawn.Regions = append([]SpawnRegionConfig(nil), c.Spawn.Regions...)
	return &out
}
