package particles

import (
	"fmt"

	"github.com/pthm-cable/pbf/parallel"
)

// DefaultReorderBuffers are the roles permuted around the constraint solve.
// Densities travel too so the output buffer is in particle order afterwards.
var DefaultReorderBuffers = []BufferID{BufPosition, BufPredicted, BufVelocity, BufDensity}

// Gather writes dst[i] = src[perm[i]].
func Gather[T any](dst, src []T, perm []uint32) {
	for i, p := range perm {
		dst[i] = src[p]
	}
}

// Scatter writes dst[perm[i]] = src[i], the inverse of Gather.
func Scatter[T any](dst, src []T, perm []uint32) {
	for i, p := range perm {
		dst[p] = src[i]
	}
}

// Reorderer permutes a Set into sorted order and back. It owns one
// sort-target buffer per role; after each pass the target and the set's
// buffer trade places, so no two roles ever alias the same memory.
type Reorderer struct {
	pool   *parallel.Pool
	ids    []BufferID
	vec    [BufVorticity + 1][]Vec3
	scalar [numBuffers - BufDensity][]float32
	size   int
	sorted bool
}

// NewReorderer creates a reorder stage for the given roles
// (DefaultReorderBuffers when none are given).
func NewReorderer(pool *parallel.Pool, ids ...BufferID) *Reorderer {
	if len(ids) == 0 {
		ids = DefaultReorderBuffers
	}
	return &Reorderer{pool: pool, ids: append([]BufferID(nil), ids...)}
}

// Buffers returns the roles this stage permutes.
func (r *Reorderer) Buffers() []BufferID { return r.ids }

// Sorted reports whether the last call was Reorder without a matching RestoreOrder.
func (r *Reorderer) Sorted() bool { return r.sorted }

func (r *Reorderer) ensure(n int) {
	if r.size == n {
		return
	}
	for _, id := range r.ids {
		if id.IsVec3() {
			r.vec[id] = make([]Vec3, n)
		} else {
			r.scalar[id-BufDensity] = make([]float32, n)
		}
	}
	r.size = n
}

// Reorder permutes every role into sorted order: slot i receives the
// particle perm[i].
func (r *Reorderer) Reorder(s *Set, perm []uint32) error {
	if err := r.apply(s, perm, false); err != nil {
		return err
	}
	r.sorted = true
	return nil
}

// RestoreOrder undoes Reorder with the same permutation: particle perm[i]
// receives slot i.
func (r *Reorderer) RestoreOrder(s *Set, perm []uint32) error {
	if err := r.apply(s, perm, true); err != nil {
		return err
	}
	r.sorted = false
	return nil
}

func (r *Reorderer) apply(s *Set, perm []uint32, inverse bool) error {
	n := s.Len()
	if len(perm) != n {
		return fmt.Errorf("%w: permutation has %d entries for %d particles", ErrLengthMismatch, len(perm), n)
	}
	r.ensure(n)

	r.pool.For(n, func(lo, hi, _ int) {
		p := perm[lo:hi]
		for _, id := range r.ids {
			if id.IsVec3() {
				src, dst := s.Vec3(id), r.vec[id]
				if inverse {
					Scatter(dst, src[lo:hi], p)
				} else {
					Gather(dst[lo:hi], src, p)
				}
			} else {
				src, dst := s.Scalar(id), r.scalar[id-BufDensity]
				if inverse {
					Scatter(dst, src[lo:hi], p)
				} else {
					Gather(dst[lo:hi], src, p)
				}
			}
		}
	})

	// Ownership transfer: the filled target becomes the live buffer.
	for _, id := range r.ids {
		if id.IsVec3() {
			r.vec[id] = s.swapVec3(id, r.vec[id])
		} else {
			r.scalar[id-BufDensity] = s.swapScalar(id, r.scalar[id-BufDensity])
		}
	}
	return nil
}
