// Package scene describes the initial fluid layout as spawn regions held in
// an ECS world, and turns them into particle positions and velocities.
package scene

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/mlange-42/ark/ecs"

	"github.com/pthm-cable/pbf/config"
	"github.com/pthm-cable/pbf/particles"
)

// ErrEmptyRegion is returned for a region that holds no lattice points.
var ErrEmptyRegion = errors.New("scene: region holds no particles")

// Region is a box filled with a cubic particle lattice.
type Region struct {
	Name    string
	Center  particles.Vec3
	Size    particles.Vec3
	Spacing float32
}

// Dims returns the lattice point count along each axis.
func (r Region) Dims() [3]int {
	axis := func(size float32) int {
		if !(r.Spacing > 0) || size < 0 {
			return 0
		}
		return max(1, int(math.Floor(float64(size/r.Spacing))))
	}
	return [3]int{axis(r.Size.X), axis(r.Size.Y), axis(r.Size.Z)}
}

// Count returns the number of particles the region spawns.
func (r Region) Count() int {
	d := r.Dims()
	return d[0] * d[1] * d[2]
}

// Motion is the initial velocity given to a region's particles.
type Motion struct {
	Velocity particles.Vec3
}

// Scene owns the spawn regions.
type Scene struct {
	world  *ecs.World
	mapper *ecs.Map2[Region, Motion]
	filter *ecs.Filter2[Region, Motion]
	region *ecs.Map1[Region]

	seed   int64
	jitter float32 // fraction of spacing
}

// New creates an empty scene. jitter is the random offset applied to each
// lattice point as a fraction of the region spacing.
func New(seed int64, jitter float32) *Scene {
	world := ecs.NewWorld()
	return &Scene{
		world:  world,
		mapper: ecs.NewMap2[Region, Motion](world),
		filter: ecs.NewFilter2[Region, Motion](world),
		region: ecs.NewMap1[Region](world),
		seed:   seed,
		jitter: jitter,
	}
}

// FromConfig builds a scene from the spawn section.
func FromConfig(cfg *config.Config) (*Scene, error) {
	vec := func(a [3]float64) particles.Vec3 {
		return particles.V3(float32(a[0]), float32(a[1]), float32(a[2]))
	}
	s := New(cfg.Spawn.Seed, float32(cfg.Spawn.Jitter))
	for _, rc := range cfg.Spawn.Regions {
		r := Region{
			Name:    rc.Name,
			Center:  vec(rc.Center),
			Size:    vec(rc.Size),
			Spacing: float32(rc.Spacing),
		}
		if _, err := s.AddRegion(r, Motion{Velocity: vec(rc.Velocity)}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AddRegion adds a spawn region.
func (s *Scene) AddRegion(r Region, m Motion) (ecs.Entity, error) {
	if r.Count() == 0 {
		return ecs.Entity{}, fmt.Errorf("%w: %q spacing %v size %v", ErrEmptyRegion, r.Name, r.Spacing, r.Size)
	}
	return s.mapper.NewEntity(&r, &m), nil
}

// Region returns the region stored on entity e.
func (s *Scene) Region(e ecs.Entity) Region {
	return *s.region.Get(e)
}

// Count returns the total number of particles Spawn produces.
func (s *Scene) Count() int {
	n := 0
	query := s.filter.Query()
	for query.Next() {
		r, _ := query.Get()
		n += r.Count()
	}
	return n
}

// Spawn generates positions and velocities for every region. The result is
// deterministic for a given seed and region order.
func (s *Scene) Spawn() (positions, velocities []particles.Vec3) {
	rng := rand.New(rand.NewSource(s.seed))
	n := s.Count()
	positions = make([]particles.Vec3, 0, n)
	velocities = make([]particles.Vec3, 0, n)

	query := s.filter.Query()
	for query.Next() {
		r, m := query.Get()
		amp := s.jitter * r.Spacing
		for _, p := range Lattice(r.Center, r.Dims(), r.Spacing) {
			if amp > 0 {
				p = p.Add(randomUnit(rng).Scale(amp))
			}
			positions = append(positions, p)
			velocities = append(velocities, m.Velocity)
		}
	}
	return positions, velocities
}

// Lattice returns dims[0]*dims[1]*dims[2] points spaced by spacing and
// centered on center, x varying fastest.
func Lattice(center particles.Vec3, dims [3]int, spacing float32) []particles.Vec3 {
	out := make([]particles.Vec3, 0, dims[0]*dims[1]*dims[2])
	origin := center.Sub(particles.V3(
		float32(dims[0]-1)*spacing/2,
		float32(dims[1]-1)*spacing/2,
		float32(dims[2]-1)*spacing/2,
	))
	for z := 0; z < dims[2]; z++ {
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[0]; x++ {
				out = append(out, origin.Add(particles.V3(
					float32(x)*spacing,
					float32(y)*spacing,
					float32(z)*spacing,
				)))
			}
		}
	}
	return out
}

// randomUnit returns a point in [-1, 1]^3.
func randomUnit(rng *rand.Rand) particles.Vec3 {
	return particles.V3(
		rng.Float32()*2-1,
		rng.Float32()*2-1,
		rng.Float32()*2-1,
	)
}
