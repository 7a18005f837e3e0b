package fluid

import (
	"math"

	"github.com/pthm-cable/pbf/particles"
)

// Constants are the smoothing-kernel coefficients and solver scalars for one
// smoothing radius and rest density. They are recomputed together so they
// never disagree with the radius they were built for.
type Constants struct {
	H, H2 float32

	Poly6     float32 // 315 / (64 pi h^9)
	SpikyGrad float32 // 45 / (pi h^6)

	Rho0    float32
	InvRho0 float32
	Mass    float32

	DeltaQ  float32 // s_corr reference distance
	WDeltaQ float32 // poly6 at DeltaQ
	ScorrK  float32
	ScorrN  float32
}

// NewConstants derives the kernel coefficients. deltaQ is the absolute
// s_corr reference distance.
func NewConstants(h, rho0, mass, deltaQ, scorrK, scorrN float32) Constants {
	h64 := float64(h)
	c := Constants{
		H:         h,
		H2:        h * h,
		Poly6:     float32(315 / (64 * math.Pi * math.Pow(h64, 9))),
		SpikyGrad: float32(45 / (math.Pi * math.Pow(h64, 6))),
		Rho0:      rho0,
		InvRho0:   1 / rho0,
		Mass:      mass,
		DeltaQ:    deltaQ,
		ScorrK:    scorrK,
		ScorrN:    scorrN,
	}
	c.WDeltaQ = c.W(deltaQ * deltaQ)
	return c
}

// W is the poly6 kernel evaluated at squared distance r2.
func (c Constants) W(r2 float32) float32 {
	if r2 >= c.H2 {
		return 0
	}
	d := c.H2 - r2
	return c.Poly6 * d * d * d
}

// GradW is the spiky kernel gradient for offset d = pi - pj with |d| = r.
// It points from i towards j and is zero at r = 0 and r >= h.
func (c Constants) GradW(d particles.Vec3, r float32) particles.Vec3 {
	if r <= 0 || r >= c.H {
		return particles.Vec3{}
	}
	hr := c.H - r
	return d.Scale(-c.SpikyGrad * hr * hr / r)
}

// Scorr is the tensile-instability correction -k (W(r)/W(dq))^n.
func (c Constants) Scorr(r2 float32) float32 {
	if c.ScorrK == 0 || c.WDeltaQ == 0 {
		return 0
	}
	ratio := c.W(r2) / c.WDeltaQ
	return -c.ScorrK * float32(math.Pow(float64(ratio), float64(c.ScorrN)))
}

func sqrt32(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}
