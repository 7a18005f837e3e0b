// Package particles holds the per-particle state of a fluid simulation as
// index-aligned buffers, and the stage that permutes them into spatial order.
package particles

import (
	"errors"
	"fmt"
)

// ErrLengthMismatch is returned when per-particle buffers disagree on N.
var ErrLengthMismatch = errors.New("particles: buffer length mismatch")

// BufferID names a per-particle buffer role.
type BufferID uint8

const (
	BufPosition BufferID = iota
	BufPredicted
	BufVelocity
	BufDelta
	BufVorticity
	BufDensity
	BufLambda
	BufConstraint

	numBuffers
)

var bufferNames = [numBuffers]string{
	BufPosition:   "Positions",
	BufPredicted:  "PredictedPositions",
	BufVelocity:   "Velocities",
	BufDelta:      "DeltaPos",
	BufVorticity:  "Vorticity",
	BufDensity:    "Densities",
	BufLambda:     "LOperator",
	BufConstraint: "Constraint",
}

// String returns the debug name of the buffer.
func (id BufferID) String() string {
	if id < numBuffers {
		return bufferNames[id]
	}
	return fmt.Sprintf("BufferID(%d)", id)
}

// IsVec3 reports whether the buffer holds Vec3 elements (otherwise float32).
func (id BufferID) IsVec3() bool {
	return id <= BufVorticity
}

// AllBuffers lists every buffer role in declaration order.
func AllBuffers() []BufferID {
	ids := make([]BufferID, numBuffers)
	for i := range ids {
		ids[i] = BufferID(i)
	}
	return ids
}

// Set is the ParticleSet: N particles stored as parallel slices.
// Every slice has length N at all times.
type Set struct {
	vec    [BufVorticity + 1][]Vec3
	scalar [numBuffers - BufDensity][]float32
	n      int
}

// NewSet allocates a set of n particles with all fields zeroed.
func NewSet(n int) *Set {
	s := &Set{}
	s.Resize(n)
	return s
}

// Resize reallocates every buffer to n. Existing contents are discarded.
func (s *Set) Resize(n int) {
	if n < 0 {
		n = 0
	}
	for i := range s.vec {
		s.vec[i] = make([]Vec3, n)
	}
	for i := range s.scalar {
		s.scalar[i] = make([]float32, n)
	}
	s.n = n
}

// Len returns N.
func (s *Set) Len() int { return s.n }

// Vec3 returns the buffer for a Vec3 role. It panics on a scalar role.
func (s *Set) Vec3(id BufferID) []Vec3 {
	if !id.IsVec3() {
		panic(fmt.Sprintf("particles: %v is not a Vec3 buffer", id))
	}
	return s.vec[id]
}

// Scalar returns the buffer for a float32 role. It panics on a Vec3 role.
func (s *Set) Scalar(id BufferID) []float32 {
	if id.IsVec3() || id >= numBuffers {
		panic(fmt.Sprintf("particles: %v is not a scalar buffer", id))
	}
	return s.scalar[id-BufDensity]
}

// swapVec3 exchanges the slice held for id with buf and returns the old one.
func (s *Set) swapVec3(id BufferID, buf []Vec3) []Vec3 {
	old := s.vec[id]
	s.vec[id] = buf
	return old
}

func (s *Set) swapScalar(id BufferID, buf []float32) []float32 {
	old := s.scalar[id-BufDensity]
	s.scalar[id-BufDensity] = buf
	return old
}

// Convenience accessors for the hot buffers.
func (s *Set) Position() []Vec3 { return s.vec[BufPosition] }
func (s *Set) Predicted() []Vec3 { return s.vec[BufPredicted] }
func (s *Set) Velocity() []Vec3 { return s.vec[BufVelocity] }
func (s *Set) Delta() []Vec3 { return s.vec[BufDelta] }
func (s *Set) Vorticity() []Vec3 { return s.vec[BufVorticity] }
func (s *Set) Density() []float32 { return s.Scalar(BufDensity) }
func (s *Set) Lambda() []float32 { return s.Scalar(BufLambda) }
func (s *Set) Constraint() []float32 { return s.Scalar(BufConstraint) }

// Load copies initial positions and velocities into the set. Predicted
// positions start equal to positions and all derived fields are zeroed.
// velocities may be nil for a set at rest.
func (s *Set) Load(positions, velocities []Vec3) error {
	if len(positions) != s.n {
		return fmt.Errorf("%w: %d positions for %d particles", ErrLengthMismatch, len(positions), s.n)
	}
	if velocities != nil && len(velocities) != s.n {
		return fmt.Errorf("%w: %d velocities for %d particles", ErrLengthMismatch, len(velocities), s.n)
	}

	copy(s.Position(), positions)
	copy(s.Predicted(), positions)
	if velocities != nil {
		copy(s.Velocity(), velocities)
	} else {
		clear(s.Velocity())
	}
	clear(s.Delta())
	clear(s.Vorticity())
	for i := range s.scalar {
		clear(s.scalar[i])
	}
	return nil
}

// Validate checks the length invariant across all buffers.
func (s *Set) Validate() error {
	for _, id := range AllBuffers() {
		var l int
		if id.IsVec3() {
			l = len(s.Vec3(id))
		} else {
			l = len(s.Scalar(id))
		}
		if l != s.n {
			return fmt.Errorf("%w: %v has %d elements, want %d", ErrLengthMismatch, id, l, s.n)
		}
	}
	return nil
}
