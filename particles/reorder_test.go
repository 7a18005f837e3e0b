package particles

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm-cable/pbf/parallel"
)

func randomSet(rng *rand.Rand, n int) *Set {
	s := NewSet(n)
	for _, id := range AllBuffers() {
		if id.IsVec3() {
			buf := s.Vec3(id)
			for i := range buf {
				buf[i] = V3(rng.Float32(), rng.Float32(), rng.Float32())
			}
		} else {
			buf := s.Scalar(id)
			for i := range buf {
				buf[i] = rng.Float32()
			}
		}
	}
	return s
}

func snapshot(s *Set) map[BufferID]any {
	out := make(map[BufferID]any)
	for _, id := range AllBuffers() {
		if id.IsVec3() {
			out[id] = append([]Vec3(nil), s.Vec3(id)...)
		} else {
			out[id] = append([]float32(nil), s.Scalar(id)...)
		}
	}
	return out
}

func TestGatherScatterRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for _, n := range []int{0, 1, 7, 1000} {
		perm := make([]uint32, n)
		for i, p := range rng.Perm(n) {
			perm[i] = uint32(p)
		}
		buf := make([]float32, n)
		for i := range buf {
			buf[i] = rng.Float32()
		}

		sorted := make([]float32, n)
		Gather(sorted, buf, perm)
		back := make([]float32, n)
		Scatter(back, sorted, perm)

		assert.Equal(t, buf, back, "n=%d", n)
	}
}

func TestReorderRestoreRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	pool := parallel.NewPool(4)
	defer pool.Stop()

	for _, n := range []int{1, 33, parallel.Threshold*3 + 1} {
		s := randomSet(rng, n)
		before := snapshot(s)

		perm := make([]uint32, n)
		for i, p := range rng.Perm(n) {
			perm[i] = uint32(p)
		}

		r := NewReorderer(pool, AllBuffers()...)
		require.NoError(t, r.Reorder(s, perm))
		assert.True(t, r.Sorted())

		// Slot i now holds particle perm[i].
		pos := before[BufPosition].([]Vec3)
		for i, p := range perm {
			require.Equal(t, pos[p], s.Position()[i])
		}

		require.NoError(t, r.RestoreOrder(s, perm))
		assert.False(t, r.Sorted())
		assert.Equal(t, before, snapshot(s), "n=%d", n)
		require.NoError(t, s.Validate())
	}
}

func TestReorderDoesNotAlias(t *testing.T) {
	s := NewSet(4)
	r := NewReorderer(nil)
	perm := []uint32{3, 2, 1, 0}

	require.NoError(t, r.Reorder(s, perm))
	s.Position()[0] = V3(9, 9, 9)
	assert.NotEqual(t, V3(9, 9, 9), s.Predicted()[0])
	assert.NotEqual(t, V3(9, 9, 9), s.Velocity()[0])
}

func TestReorderLengthMismatch(t *testing.T) {
	s := NewSet(3)
	r := NewReorderer(nil)
	err := r.Reorder(s, []uint32{0, 1})
	assert.ErrorIs(t, err, ErrLengthMismatch)
}
