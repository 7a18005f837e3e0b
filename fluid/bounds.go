package fluid

import "github.com/pthm-cable/pbf/particles"

// Bounds is the axis-aligned simulation box.
type Bounds struct {
	Min, Max particles.Vec3
}

// NewBounds builds a box from its center and full size.
func NewBounds(center, size particles.Vec3) Bounds {
	half := size.Scale(0.5)
	return Bounds{Min: center.Sub(half), Max: center.Add(half)}
}

// Contains reports whether p lies inside the box, faces included.
func (b Bounds) Contains(p particles.Vec3) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// Collide clamps p into the box. Each clamped axis reflects the matching
// velocity component scaled by damping. It returns the number of clamped axes.
func (b Bounds) Collide(p, v *particles.Vec3, damping float32) int {
	n := 0
	if collideAxis(&p.X, &v.X, b.Min.X, b.Max.X, damping) {
		n++
	}
	if collideAxis(&p.Y, &v.Y, b.Min.Y, b.Max.Y, damping) {
		n++
	}
	if collideAxis(&p.Z, &v.Z, b.Min.Z, b.Max.Z, damping) {
		n++
	}
	return n
}

// Clamp is Collide without a velocity response.
func (b Bounds) Clamp(p *particles.Vec3) int {
	var v particles.Vec3
	return b.Collide(p, &v, 0)
}

func collideAxis(p, v *float32, lo, hi, damping float32) bool {
	switch {
	case *p < lo:
		*p = lo
	case *p > hi:
		*p = hi
	default:
		return false
	}
	*v = -*v * damping
	return true
}
