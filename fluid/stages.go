package fluid

import (
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/pthm-cable/pbf/particles"
	"github.com/pthm-cable/pbf/spatial"
)

// vec3View wraps a Vec3 slice as a unit-stride BLAS vector of 3*len floats.
func vec3View(v []particles.Vec3) blas32.Vector {
	data := particles.Flat(v)
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}

func scalarView(v []float32) blas32.Vector {
	return blas32.Vector{N: len(v), Inc: 1, Data: v}
}

// predict applies gravity and integrates predicted positions:
// v += g dt, p* = p + v dt, then resolves boundary collisions on p*.
func (s *Solver) predict(dt float32) {
	pos := s.set.Position()
	pred := s.set.Predicted()
	vel := s.set.Velocity()
	g := particles.V3(0, s.p.gravity*dt, 0)
	b := s.p.bounds
	damping := s.p.damping

	s.pool.For(s.n, func(lo, hi, worker int) {
		clamps := 0
		for i := lo; i < hi; i++ {
			v := vel[i].Add(g)
			p := pos[i].Add(v.Scale(dt))
			clamps += b.Collide(&p, &v, damping)
			vel[i] = v
			pred[i] = p
		}
		s.counts[worker].clamps += clamps
	})
}

// computeLambda evaluates density, the density constraint and its Lagrange
// multiplier for every particle. It runs in sorted order: slot indices from
// the hash are particle indices in the reordered set.
func (s *Solver) computeLambda() {
	pred := s.set.Predicted()
	density := s.set.Density()
	constraint := s.set.Constraint()
	lambda := s.set.Lambda()
	c := &s.consts
	eps := s.p.lambdaEps
	unilateral := s.p.unilateral
	gradScale := c.Mass * c.InvRho0

	s.pool.For(s.n, func(lo, hi, _ int) {
		var ranges [27]spatial.SlotRange
		for i := lo; i < hi; i++ {
			pi := pred[i]
			var rho, sumGrad2 float32
			var gradI particles.Vec3

			nr := s.hash.NeighborRanges(pi, &ranges)
			for _, r := range ranges[:nr] {
				for j := r.Start; j < r.End; j++ {
					d := pi.Sub(pred[j])
					r2 := d.LenSq()
					if r2 >= c.H2 {
						continue
					}
					rho += c.Mass * c.W(r2)
					if j == i {
						continue
					}
					grad := c.GradW(d, sqrt32(r2)).Scale(gradScale)
					gradI = gradI.Add(grad)
					sumGrad2 += grad.LenSq()
				}
			}
			sumGrad2 += gradI.LenSq()

			C := rho*c.InvRho0 - 1
			if unilateral && C < 0 {
				C = 0
			}
			density[i] = rho
			constraint[i] = C
			lambda[i] = -C / (sumGrad2 + eps)
		}
	})
}

// meanConstraint returns mean |C| over the constraint buffer.
func (s *Solver) meanConstraint() float32 {
	if s.n == 0 {
		return 0
	}
	return blas32.Asum(scalarView(s.set.Constraint())) / float32(s.n)
}

// computeDelta accumulates the position correction
// dp_i = 1/rho0 * sum_j (lambda_i + lambda_j + s_corr) * m * gradW(p_i - p_j).
// Non-finite corrections are discarded.
func (s *Solver) computeDelta() {
	pred := s.set.Predicted()
	lambda := s.set.Lambda()
	delta := s.set.Delta()
	c := &s.consts
	scale := c.Mass * c.InvRho0

	s.pool.For(s.n, func(lo, hi, worker int) {
		var ranges [27]spatial.SlotRange
		bad := 0
		for i := lo; i < hi; i++ {
			pi := pred[i]
			li := lambda[i]
			var dp particles.Vec3

			nr := s.hash.NeighborRanges(pi, &ranges)
			for _, r := range ranges[:nr] {
				for j := r.Start; j < r.End; j++ {
					if j == i {
						continue
					}
					d := pi.Sub(pred[j])
					r2 := d.LenSq()
					if r2 >= c.H2 {
						continue
					}
					w := li + lambda[j] + c.Scorr(r2)
					dp = dp.Add(c.GradW(d, sqrt32(r2)).Scale(w))
				}
			}

			dp = dp.Scale(scale)
			if !dp.IsFinite() {
				dp = particles.Vec3{}
				bad++
			}
			delta[i] = dp
		}
		s.counts[worker].nonFinite += bad
	})
}

// applyDelta adds the corrections to the predicted positions and clamps
// them into the box.
func (s *Solver) applyDelta() {
	pred := s.set.Predicted()
	delta := s.set.Delta()
	b := s.p.bounds

	s.pool.For(s.n, func(lo, hi, worker int) {
		blas32.Axpy(1, vec3View(delta[lo:hi]), vec3View(pred[lo:hi]))
		clamps := 0
		for i := lo; i < hi; i++ {
			clamps += b.Clamp(&pred[i])
		}
		s.counts[worker].clamps += clamps
	})
}

// finalize sets v = (p* - p) / dt and p = p*.
func (s *Solver) finalize(dt float32) {
	pos := s.set.Position()
	pred := s.set.Predicted()
	vel := s.set.Velocity()
	inv := 1 / dt

	s.pool.For(s.n, func(lo, hi, _ int) {
		p, ps, v := vec3View(pos[lo:hi]), vec3View(pred[lo:hi]), vec3View(vel[lo:hi])
		blas32.Copy(ps, v)
		blas32.Axpy(-1, p, v)
		blas32.Scal(inv, v)
		blas32.Copy(ps, p)
	})
}

// computeDensities fills the density buffer from the current positions in
// original order. Used for zero-length frames.
func (s *Solver) computeDensities() {
	pos := s.set.Position()
	density := s.set.Density()
	c := &s.consts

	s.pool.For(s.n, func(lo, hi, _ int) {
		for i := lo; i < hi; i++ {
			pi := pos[i]
			var rho float32
			s.hash.ForEachNeighbor(pi, func(j int) {
				rho += c.Mass * c.W(pos[j].Sub(pi).LenSq())
			})
			density[i] = rho
		}
	})
}
