package fluid

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm-cable/pbf/config"
	"github.com/pthm-cable/pbf/particles"
)

// lattice returns a cubic grid of n^3 points with the given spacing,
// centered on the origin.
func lattice(n int, spacing float32) []particles.Vec3 {
	out := make([]particles.Vec3, 0, n*n*n)
	off := float32(n-1) * spacing / 2
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				out = append(out, particles.V3(
					float32(x)*spacing-off,
					float32(y)*spacing-off,
					float32(z)*spacing-off,
				))
			}
		}
	}
	return out
}

// weightlessConfig returns defaults with no gravity, no post-pass and a box
// far larger than the test lattices.
func weightlessConfig() *config.Config {
	cfg := config.Default()
	cfg.Fluid.Gravity = 0
	cfg.Features.Viscosity = false
	cfg.Features.Vorticity = false
	cfg.Bounds.Size = [3]float64{10, 10, 10}
	cfg.Simulation.Substeps = 1
	cfg.Parallel.Workers = 2
	cfg.ComputeDerived()
	return cfg
}

func newSolver(t *testing.T, cfg *config.Config, pos []particles.Vec3) *Solver {
	t.Helper()
	s := New(nil)
	require.NoError(t, s.Initialize(cfg, pos, nil))
	t.Cleanup(s.Shutdown)
	return s
}

func maxOf(v []float32) float32 {
	m := float32(math.Inf(-1))
	for _, x := range v {
		m = max(m, x)
	}
	return m
}

func meanOf(v []float32) float32 {
	var sum float32
	for _, x := range v {
		sum += x
	}
	return sum / float32(len(v))
}

func requireNonIncreasing(t *testing.T, history []float32) {
	t.Helper()
	for k := 1; k < len(history); k++ {
		require.LessOrEqual(t, history[k], history[k-1]*(1+1e-6)+1e-9,
			"constraint error increased at iteration %d: %v", k, history)
	}
}

func TestStepNotInitialized(t *testing.T) {
	s := New(nil)
	assert.ErrorIs(t, s.Step(0.016), ErrNotInitialized)
	assert.ErrorIs(t, s.Resize(nil, nil), ErrNotInitialized)

	require.NoError(t, s.Initialize(weightlessConfig(), lattice(2, 0.1), nil))
	s.Shutdown()
	assert.ErrorIs(t, s.Step(0.016), ErrNotInitialized)
	assert.Nil(t, s.Positions())
}

func TestInitializeRejectsBadConfig(t *testing.T) {
	cfg := weightlessConfig()
	cfg.Fluid.SmoothingRadius = 0
	err := New(nil).Initialize(cfg, lattice(2, 0.1), nil)
	assert.ErrorIs(t, err, config.ErrInvalid)

	cfg = weightlessConfig()
	err = New(nil).Initialize(cfg, lattice(2, 0.1), make([]particles.Vec3, 3))
	assert.ErrorIs(t, err, particles.ErrLengthMismatch)
}

func TestStaleBuffers(t *testing.T) {
	pos := lattice(3, 0.1)
	s := newSolver(t, weightlessConfig(), pos)

	s.hash.Resize(len(pos)+1, 0)
	assert.ErrorIs(t, s.Step(0.01), ErrStaleBuffers)
}

func TestStepRejectsNonFiniteDelta(t *testing.T) {
	pos := lattice(3, 0.1)
	s := newSolver(t, weightlessConfig(), pos)

	for _, d := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		assert.ErrorIs(t, s.Step(d), ErrInvalidDelta, "delta %v", d)
	}
	assert.Equal(t, pos, s.Positions())
	assert.Zero(t, s.SimTime())
	require.NoError(t, s.Step(0.01))
}

// With the unilateral clamp, a lattice whose densities are all at or below
// rest density produces no corrections: the constraint error stays at zero
// and nothing drifts.
func TestUnilateralRestLatticeIdle(t *testing.T) {
	pos := lattice(8, 0.1)
	s := newSolver(t, weightlessConfig(), pos)

	require.NoError(t, s.Step(0))
	require.NoError(t, s.SetTargetDensity(maxOf(s.Densities())*1.001))

	dt := 1.0 / 180
	for step := 0; step < 1000; step++ {
		require.NoError(t, s.Step(dt))
		st := s.Stats()
		require.Len(t, st.History, s.p.iterations)
		requireNonIncreasing(t, st.History)
		require.Zero(t, st.NonFinite)
	}

	for i, p := range s.Positions() {
		require.True(t, p.IsFinite(), "particle %d not finite", i)
		require.InDelta(t, 0, p.Sub(pos[i]).Len(), 1e-5, "particle %d drifted", i)
	}
	assert.InDelta(t, 1000*dt, s.SimTime(), 1e-6)
}

// Without the clamp, free-surface particles sit below rest density and are
// pulled inward, so the lattice does not hold its shape. The corrections are
// pairwise antisymmetric though: every iteration still lowers |C|, the centre
// of mass stays put and the net momentum stays zero.
func TestSymmetricLatticeConservesMomentum(t *testing.T) {
	cfg := weightlessConfig()
	cfg.Solver.Unilateral = false
	cfg.Bounds.Size = [3]float64{20, 20, 20}
	pos := lattice(8, 0.1)
	s := newSolver(t, cfg, pos)

	require.NoError(t, s.Step(0))
	require.NoError(t, s.SetTargetDensity(maxOf(s.Densities())))
	com0 := centreOfMass(pos)

	dt := 1.0 / 180
	require.NoError(t, s.Step(dt))
	st := s.Stats()
	require.Greater(t, st.History[0], float32(0))
	requireNonIncreasing(t, st.History)

	var firstDrift float32
	for i, p := range s.Positions() {
		firstDrift = max(firstDrift, p.Sub(pos[i]).Len())
	}
	assert.Greater(t, firstDrift, float32(0))
	assert.Less(t, firstDrift, float32(0.05))

	for step := 1; step < 1000; step++ {
		require.NoError(t, s.Step(dt))
		st := s.Stats()
		require.Len(t, st.History, s.p.iterations)
		requireNonIncreasing(t, st.History)
		require.Zero(t, st.NonFinite)
	}

	box := s.p.bounds
	for i, p := range s.Positions() {
		require.True(t, p.IsFinite(), "particle %d not finite", i)
		require.True(t, box.Contains(p), "particle %d left the box: %v", i, p)
	}
	com := centreOfMass(s.Positions())
	assert.InDelta(t, 0, com.Sub(com0).Len(), 1e-3)
	assert.InDelta(t, 0, centreOfMass(s.Velocities()).Len(), 1e-2)
}

func centreOfMass(v []particles.Vec3) particles.Vec3 {
	var x, y, z float64
	for _, p := range v {
		x += float64(p.X)
		y += float64(p.Y)
		z += float64(p.Z)
	}
	n := float64(len(v))
	return particles.V3(float32(x/n), float32(y/n), float32(z/n))
}

// A compressed lattice relaxes: every iteration lowers the mean constraint
// error, and 1000 sub-steps later the state is finite and inside the box.
func TestCompressedLatticeConverges(t *testing.T) {
	cfg := weightlessConfig()
	cfg.Simulation.SolverIterations = 5
	pos := lattice(8, 0.1)
	s := newSolver(t, cfg, pos)

	require.NoError(t, s.Step(0))
	require.NoError(t, s.SetTargetDensity(meanOf(s.Densities())*0.5))

	require.NoError(t, s.Step(1.0/180))
	st := s.Stats()
	require.Len(t, st.History, 5)
	requireNonIncreasing(t, st.History)
	assert.Less(t, st.History[4], st.History[0])
	assert.Greater(t, st.History[0], float32(0))

	for step := 1; step < 1000; step++ {
		require.NoError(t, s.Step(1.0/180))
	}

	box := s.p.bounds
	for i, p := range s.Positions() {
		require.True(t, p.IsFinite(), "particle %d not finite", i)
		require.True(t, box.Contains(p), "particle %d left the box: %v", i, p)
		require.True(t, s.Velocities()[i].IsFinite())
	}
}

func TestDamBreak(t *testing.T) {
	cfg := config.Default()
	cfg.Parallel.Workers = 4
	cfg.Features.Vorticity = true
	cfg.Fluid.VorticityStrength = 0.1

	rng := rand.New(rand.NewSource(2))
	var pos []particles.Vec3
	for _, p := range lattice(10, 0.115) {
		jitter := particles.V3(rng.Float32(), rng.Float32(), rng.Float32()).Scale(0.002)
		pos = append(pos, p.Add(particles.V3(-1, -1, 0)).Add(jitter))
	}
	s := newSolver(t, cfg, pos)

	startY := meanY(s.Positions())
	for frame := 0; frame < 60; frame++ {
		require.NoError(t, s.Step(cfg.Simulation.FrameDT))
		require.Equal(t, 3, s.Stats().Substeps)
	}

	box := s.p.bounds
	for i, p := range s.Positions() {
		require.True(t, p.IsFinite(), "particle %d not finite", i)
		require.True(t, box.Contains(p), "particle %d left the box: %v", i, p)
	}
	assert.Less(t, meanY(s.Positions()), startY)
	assert.Equal(t, len(pos), s.ActiveCount())
}

func meanY(pos []particles.Vec3) float32 {
	var sum float32
	for _, p := range pos {
		sum += p.Y
	}
	return sum / float32(len(pos))
}

func TestZeroDeltaRefreshesDensities(t *testing.T) {
	pos := lattice(4, 0.1)
	s := newSolver(t, weightlessConfig(), pos)

	require.NoError(t, s.Step(0))
	assert.Equal(t, pos, s.Positions())
	for i, d := range s.Densities() {
		// At least the particle's own kernel weight
		require.GreaterOrEqual(t, d, s.Constants().W(0), "particle %d", i)
	}
}

func TestForEachNeighbor(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	pos := make([]particles.Vec3, 3000)
	for i := range pos {
		pos[i] = particles.V3(rng.Float32()*1.5, rng.Float32()*1.5, rng.Float32()*1.5)
	}
	cfg := weightlessConfig()
	cfg.Fluid.Gravity = -10
	s := newSolver(t, cfg, pos)

	require.NoError(t, s.Step(1.0/60))
	require.NoError(t, s.RefreshNeighbors())

	h2 := s.p.h * s.p.h
	cur := s.Positions()
	for q := 0; q < 100; q++ {
		i := rng.Intn(len(cur))
		got := make(map[int]bool)
		s.ForEachNeighbor(i, func(j int, r2 float32) {
			require.Less(t, r2, h2)
			got[j] = true
		})
		for j, p := range cur {
			if p.Sub(cur[i]).LenSq() < h2 {
				require.True(t, got[j], "query %d missed neighbor %d", i, j)
			}
		}
	}
}

func TestFrameDelta(t *testing.T) {
	s := newSolver(t, weightlessConfig(), lattice(2, 0.1))

	assert.InDelta(t, 0.01, s.FrameDelta(0.01, false), 1e-12)
	assert.InDelta(t, 1.0/60, s.FrameDelta(1.0, false), 1e-12)
	assert.InDelta(t, 0.001, s.FrameDelta(0.01, true), 1e-12)
}

func TestResizeAndReset(t *testing.T) {
	s := newSolver(t, weightlessConfig(), lattice(2, 0.1))
	require.Equal(t, 8, s.ActiveCount())

	bigger := lattice(3, 0.1)
	require.NoError(t, s.Resize(bigger, nil))
	assert.Equal(t, 27, s.ActiveCount())
	assert.Equal(t, 27, s.TableSize())
	require.NoError(t, s.Step(0.01))
	assert.Len(t, s.Densities(), 27)

	assert.ErrorIs(t, s.Reset(lattice(2, 0.1), nil), particles.ErrLengthMismatch)

	require.NoError(t, s.Reset(bigger, nil))
	assert.Equal(t, bigger, s.Positions())
	assert.Zero(t, s.SimTime())
}

func TestSetSmoothingRadius(t *testing.T) {
	s := newSolver(t, weightlessConfig(), lattice(2, 0.1))

	assert.ErrorIs(t, s.SetSmoothingRadius(0), ErrInvalidRadius)
	assert.ErrorIs(t, s.SetSmoothingRadius(float32(math.NaN())), ErrInvalidRadius)
	assert.ErrorIs(t, s.SetTargetDensity(-1), config.ErrInvalid)

	require.NoError(t, s.SetSmoothingRadius(0.3))
	c := s.Constants()
	assert.Equal(t, float32(0.3), c.H)
	assert.InDelta(t, 0.03, c.DeltaQ, 1e-6)
	require.NoError(t, s.Step(0.01))
}

func BenchmarkStep(b *testing.B) {
	cfg := config.Default()
	s := New(nil)
	if err := s.Initialize(cfg, lattice(24, 0.115), nil); err != nil {
		b.Fatal(err)
	}
	defer s.Shutdown()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := s.Step(cfg.Simulation.FrameDT); err != nil {
			b.Fatal(err)
		}
	}
}
