package fluid

import (
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/pthm-cable/pbf/particles"
)

// The post-pass runs after RestoreOrder, so neighbors are looked up by
// original particle index through the hash built for this sub-step.

// vorticityConfinement computes the curl of the velocity field, then adds
// f = eps (N x omega) dt with N the normalized gradient of |omega|.
func (s *Solver) vorticityConfinement(dt float32) {
	pos := s.set.Position()
	vel := s.set.Velocity()
	density := s.set.Density()
	omega := s.set.Vorticity()
	force := s.set.Delta()
	c := &s.consts
	eps := s.p.vorticity

	s.pool.For(s.n, func(lo, hi, _ int) {
		for i := lo; i < hi; i++ {
			pi, vi := pos[i], vel[i]
			var w particles.Vec3
			s.hash.ForEachNeighbor(pi, func(j int) {
				if j == i || density[j] <= 0 {
					return
				}
				d := pi.Sub(pos[j])
				r2 := d.LenSq()
				if r2 >= c.H2 {
					return
				}
				grad := c.GradW(d, sqrt32(r2))
				w = w.Add(vel[j].Sub(vi).Cross(grad).Scale(c.Mass / density[j]))
			})
			omega[i] = w
		}
	})

	s.pool.For(s.n, func(lo, hi, _ int) {
		for i := lo; i < hi; i++ {
			pi := pos[i]
			var eta particles.Vec3
			s.hash.ForEachNeighbor(pi, func(j int) {
				if j == i || density[j] <= 0 {
					return
				}
				d := pi.Sub(pos[j])
				r2 := d.LenSq()
				if r2 >= c.H2 {
					return
				}
				grad := c.GradW(d, sqrt32(r2))
				eta = eta.Add(grad.Scale(omega[j].Len() * c.Mass / density[j]))
			})
			f := eta.Normalize().Cross(omega[i]).Scale(eps * dt)
			if !f.IsFinite() {
				f = particles.Vec3{}
			}
			force[i] = f
		}
	})

	s.pool.For(s.n, func(lo, hi, _ int) {
		blas32.Axpy(1, vec3View(force[lo:hi]), vec3View(vel[lo:hi]))
	})
}

// xsphViscosity blends each velocity towards its neighbors':
// v_i += c * sum_j (m / rho_j) (v_j - v_i) W(p_i - p_j).
func (s *Solver) xsphViscosity() {
	pos := s.set.Position()
	vel := s.set.Velocity()
	density := s.set.Density()
	out := s.set.Delta()
	c := &s.consts
	strength := s.p.viscosity

	s.pool.For(s.n, func(lo, hi, _ int) {
		for i := lo; i < hi; i++ {
			pi, vi := pos[i], vel[i]
			var sum particles.Vec3
			s.hash.ForEachNeighbor(pi, func(j int) {
				if j == i || density[j] <= 0 {
					return
				}
				w := c.W(pos[j].Sub(pi).LenSq())
				if w == 0 {
					return
				}
				sum = sum.Add(vel[j].Sub(vi).Scale(w * c.Mass / density[j]))
			})
			v := vi.Add(sum.Scale(strength))
			if !v.IsFinite() {
				v = vi
			}
			out[i] = v
		}
	})

	s.pool.For(s.n, func(lo, hi, _ int) {
		blas32.Copy(vec3View(out[lo:hi]), vec3View(vel[lo:hi]))
	})
}
