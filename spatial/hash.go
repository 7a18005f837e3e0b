// Package spatial builds a sorted spatial hash over particle positions and
// answers 27-cell neighbor queries against it.
//
// After Build, particles are ordered by cell key: SortedKeys is
// non-decreasing, SortedIndices maps each sorted slot to its original
// particle, and Offsets maps a key to the first slot holding it.
package spatial

import (
	"errors"
	"fmt"
	"math"

	"github.com/pthm-cable/pbf/parallel"
	"github.com/pthm-cable/pbf/particles"
	"github.com/pthm-cable/pbf/radix"
)

var (
	// ErrInvalidCellSize is returned for a non-positive or non-finite cell size.
	ErrInvalidCellSize = errors.New("spatial: cell size must be positive")
	// ErrLengthMismatch is returned when the position count differs from the hash size.
	ErrLengthMismatch = errors.New("spatial: position count does not match hash size")
)

// Sentinel marks an offset-table entry whose key is absent.
const Sentinel = math.MaxUint32

// Hash mixing primes.
const (
	hashK1 = 15823
	hashK2 = 9737333
	hashK3 = 440817757
)

// CellCoord is an integer grid cell.
type CellCoord struct {
	X, Y, Z int32
}

// CellOf returns the cell containing p: floor(p / cellSize) per axis.
func CellOf(p particles.Vec3, cellSize float32) CellCoord {
	return CellCoord{
		X: int32(math.Floor(float64(p.X / cellSize))),
		Y: int32(math.Floor(float64(p.Y / cellSize))),
		Z: int32(math.Floor(float64(p.Z / cellSize))),
	}
}

// HashCell mixes a cell coordinate into an unsigned hash. Negative
// coordinates wrap through uint32 arithmetic.
func HashCell(c CellCoord) uint32 {
	return uint32(c.X)*hashK1 + uint32(c.Y)*hashK2 + uint32(c.Z)*hashK3
}

// KeyOf folds a hash into [0, tableSize).
func KeyOf(hash, tableSize uint32) uint32 {
	return hash % tableSize
}

// Hash owns the key, index and offset buffers for one particle count.
type Hash struct {
	pool   *parallel.Pool
	sorter *radix.Sorter

	n         int
	tableSize uint32
	cellSize  float32

	keys    []uint32 // sorted in place by Build
	indices []uint32
	offsets []uint32
}

// NewHash creates a hash for n particles. tableSize 0 uses n (minimum 1).
func NewHash(n int, tableSize uint32, sorter *radix.Sorter, pool *parallel.Pool) *Hash {
	h := &Hash{pool: pool, sorter: sorter}
	h.Resize(n, tableSize)
	return h
}

// Resize reallocates every buffer for a new particle count.
func (h *Hash) Resize(n int, tableSize uint32) {
	if tableSize == 0 {
		tableSize = uint32(max(n, 1))
	}
	h.n = n
	h.tableSize = tableSize
	h.keys = make([]uint32, n)
	h.indices = make([]uint32, n)
	h.offsets = make([]uint32, tableSize)
	fillSentinel(h.offsets)
}

// Len returns the particle count the hash is sized for.
func (h *Hash) Len() int { return h.n }

// TableSize returns the size of the key domain.
func (h *Hash) TableSize() uint32 { return h.tableSize }

// CellSize returns the cell size of the last Build.
func (h *Hash) CellSize() float32 { return h.cellSize }

// SortedKeys returns the keys in sorted order.
func (h *Hash) SortedKeys() []uint32 { return h.keys }

// SortedIndices returns the original particle index at each sorted slot.
func (h *Hash) SortedIndices() []uint32 { return h.indices }

// Offsets returns the offset table.
func (h *Hash) Offsets() []uint32 { return h.offsets }

// Key returns the table key for a position under the current cell size.
func (h *Hash) Key(p particles.Vec3) uint32 {
	return KeyOf(HashCell(CellOf(p, h.cellSize)), h.tableSize)
}

// Build computes cell keys for positions, sorts particle indices by key and
// derives the offset table.
func (h *Hash) Build(positions []particles.Vec3, cellSize float32) error {
	if !(cellSize > 0) || math.IsInf(float64(cellSize), 0) {
		return fmt.Errorf("%w: %v", ErrInvalidCellSize, cellSize)
	}
	if len(positions) != h.n {
		return fmt.Errorf("%w: %d positions, hash sized for %d", ErrLengthMismatch, len(positions), h.n)
	}
	h.cellSize = cellSize

	h.pool.For(h.n, func(lo, hi, _ int) {
		for i := lo; i < hi; i++ {
			h.keys[i] = KeyOf(HashCell(CellOf(positions[i], cellSize)), h.tableSize)
			h.indices[i] = uint32(i)
		}
	})

	if err := h.sorter.SortBounded(h.indices, h.keys, h.tableSize-1); err != nil {
		return fmt.Errorf("sorting cell keys: %w", err)
	}

	h.pool.For(len(h.offsets), func(lo, hi, _ int) {
		fillSentinel(h.offsets[lo:hi])
	})
	h.pool.For(h.n, func(lo, hi, _ int) {
		markRunStarts(h.keys, h.offsets, lo, hi)
	})
	return nil
}

// ComputeOffsets fills offsets from non-decreasing sortedKeys: the entry
// for each present key is its first slot, every other entry is Sentinel.
func ComputeOffsets(sortedKeys, offsets []uint32) {
	fillSentinel(offsets)
	markRunStarts(sortedKeys, offsets, 0, len(sortedKeys))
}

func fillSentinel(offsets []uint32) {
	for i := range offsets {
		offsets[i] = Sentinel
	}
}

// markRunStarts writes the run-start slots in [lo, hi). Each key has exactly
// one run start, so writes never collide.
func markRunStarts(keys, offsets []uint32, lo, hi int) {
	for i := lo; i < hi; i++ {
		k := keys[i]
		if i == 0 || k != keys[i-1] {
			offsets[k] = uint32(i)
		}
	}
}

// Run returns the sorted slot range [start, end) holding key, or an empty
// range if the key is absent.
func (h *Hash) Run(key uint32) (start, end int) {
	if key >= h.tableSize {
		return 0, 0
	}
	off := h.offsets[key]
	if off == Sentinel {
		return 0, 0
	}
	start = int(off)
	end = start
	for end < h.n && h.keys[end] == key {
		end++
	}
	return start, end
}

// SlotRange is a half-open range [Start, End) of sorted slots sharing a key.
type SlotRange struct {
	Start, End int
}

// NeighborRanges writes the non-empty slot ranges of the 3x3x3 block of
// cells around p into dst and returns how many it wrote. Keys shared by
// several of those cells (hash collisions) appear once. Callers filter by
// distance.
func (h *Hash) NeighborRanges(p particles.Vec3, dst *[27]SlotRange) int {
	if h.n == 0 {
		return 0
	}
	center := CellOf(p, h.cellSize)

	var visited [27]uint32
	nv, nr := 0, 0

	for dz := int32(-1); dz <= 1; dz++ {
		for dy := int32(-1); dy <= 1; dy++ {
			for dx := int32(-1); dx <= 1; dx++ {
				c := CellCoord{center.X + dx, center.Y + dy, center.Z + dz}
				key := KeyOf(HashCell(c), h.tableSize)

				dup := false
				for _, v := range visited[:nv] {
					if v == key {
						dup = true
						break
					}
				}
				if dup {
					continue
				}
				visited[nv] = key
				nv++

				slot := h.offsets[key]
				if slot == Sentinel {
					continue
				}
				end := int(slot)
				for end < h.n && h.keys[end] == key {
					end++
				}
				dst[nr] = SlotRange{Start: int(slot), End: end}
				nr++
			}
		}
	}
	return nr
}

// ForEachNeighborSlot calls fn for every slot NeighborRanges reports for p.
func (h *Hash) ForEachNeighborSlot(p particles.Vec3, fn func(slot int)) {
	var ranges [27]SlotRange
	n := h.NeighborRanges(p, &ranges)
	for _, r := range ranges[:n] {
		for s := r.Start; s < r.End; s++ {
			fn(s)
		}
	}
}

// ForEachNeighbor is ForEachNeighborSlot yielding original particle indices.
func (h *Hash) ForEachNeighbor(p particles.Vec3, fn func(index int)) {
	h.ForEachNeighborSlot(p, func(slot int) {
		fn(int(h.indices[slot]))
	})
}
