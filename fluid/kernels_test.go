package fluid

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pthm-cable/pbf/particles"
)

func TestNewConstants(t *testing.T) {
	c := NewConstants(0.2, 630, 1, 0.02, 0.1, 4)

	h := 0.2
	assert.InDelta(t, 315/(64*math.Pi*math.Pow(h, 9)), float64(c.Poly6), 1)
	assert.InDelta(t, 45/(math.Pi*math.Pow(h, 6)), float64(c.SpikyGrad), 1)
	assert.InDelta(t, 0.04, c.H2, 1e-7)
	assert.InDelta(t, 1.0/630, c.InvRho0, 1e-9)
	assert.Equal(t, c.W(0.02*0.02), c.WDeltaQ)
}

func TestPoly6(t *testing.T) {
	c := NewConstants(0.2, 630, 1, 0.02, 0, 4)

	w0 := float64(c.Poly6) * math.Pow(0.04, 3)
	assert.InDelta(t, w0, float64(c.W(0)), w0*1e-6)
	assert.Zero(t, c.W(c.H2))
	assert.Zero(t, c.W(1))

	// Monotone decreasing on [0, h)
	prev := c.W(0)
	for r := float32(0.01); r < 0.2; r += 0.01 {
		w := c.W(r * r)
		assert.Less(t, w, prev, "r=%v", r)
		prev = w
	}
}

func TestSpikyGradient(t *testing.T) {
	c := NewConstants(0.2, 630, 1, 0.02, 0, 4)

	assert.Equal(t, particles.Vec3{}, c.GradW(particles.Vec3{}, 0))
	assert.Equal(t, particles.Vec3{}, c.GradW(particles.V3(0.2, 0, 0), 0.2))
	assert.Equal(t, particles.Vec3{}, c.GradW(particles.V3(0.3, 0, 0), 0.3))

	// d = pi - pj along +x: the gradient points back towards j
	g := c.GradW(particles.V3(0.1, 0, 0), 0.1)
	want := -float64(c.SpikyGrad) * 0.1 * 0.1
	assert.InDelta(t, want, float64(g.X), math.Abs(want)*1e-5)
	assert.Zero(t, g.Y)
	assert.Zero(t, g.Z)

	// Antisymmetric in d
	g2 := c.GradW(particles.V3(-0.1, 0, 0), 0.1)
	assert.Equal(t, -g.X, g2.X)
}

func TestScorr(t *testing.T) {
	off := NewConstants(0.2, 630, 1, 0.02, 0, 4)
	assert.Zero(t, off.Scorr(0.0001))

	c := NewConstants(0.2, 630, 1, 0.02, 0.1, 4)
	assert.InDelta(t, -0.1, c.Scorr(0.02*0.02), 1e-6)
	assert.Zero(t, c.Scorr(c.H2))
	// Closer than dq repels harder
	assert.Less(t, c.Scorr(0.01*0.01), c.Scorr(0.02*0.02))
}

func BenchmarkGradW(b *testing.B) {
	c := NewConstants(0.2, 630, 1, 0.02, 0, 4)
	d := particles.V3(0.05, 0.07, -0.02)
	r := d.Len()
	var sum particles.Vec3
	for i := 0; i < b.N; i++ {
		sum = sum.Add(c.GradW(d, r))
	}
	_ = sum
}
