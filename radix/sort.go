// Package radix implements a block-parallel least-significant-digit radix
// sort over (value, key) pairs of uint32.
//
// Each digit pass runs three stages separated by barriers:
//
//  1. count: every block histograms the digit of its active elements
//  2. scan: one exclusive prefix sum over the bucket-major counter table
//  3. scatter: every element is written to its block/bucket base plus its
//     rank among same-digit elements earlier in its block
//
// The bucket-major counter layout ([bucket][block]) makes the single scan
// produce destinations that keep equal digits in input order, so every pass
// is stable and the LSD composition is a correct full sort.
package radix

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/pthm-cable/pbf/parallel"
)

var (
	// ErrLengthMismatch is returned when indices and keys differ in length.
	ErrLengthMismatch = errors.New("radix: indices and keys differ in length")
	// ErrInvalidOptions is returned for unusable block or digit sizes.
	ErrInvalidOptions = errors.New("radix: invalid options")
)

// Default sizing: 1024-element blocks, 4-bit digits, 32-bit keys.
const (
	DefaultBlockSize = 1024
	DefaultDigitBits = 4
	DefaultKeyBits   = 32
)

// Options configures the sort geometry.
type Options struct {
	BlockSize int // elements per block (work-group size)
	DigitBits int // bits per pass; buckets = 1 << DigitBits
	KeyBits   int // assumed key width
}

// DefaultOptions returns the canonical 1024 / 4 / 32 configuration.
func DefaultOptions() Options {
	return Options{
		BlockSize: DefaultBlockSize,
		DigitBits: DefaultDigitBits,
		KeyBits:   DefaultKeyBits,
	}
}

// Validate reports whether the options describe a usable sort.
func (o Options) Validate() error {
	switch {
	case o.BlockSize < 1:
		return fmt.Errorf("%w: block size %d", ErrInvalidOptions, o.BlockSize)
	case o.DigitBits < 1 || o.DigitBits > 16:
		return fmt.Errorf("%w: digit bits %d not in [1, 16]", ErrInvalidOptions, o.DigitBits)
	case o.KeyBits < o.DigitBits || o.KeyBits > 32:
		return fmt.Errorf("%w: key bits %d not in [%d, 32]", ErrInvalidOptions, o.KeyBits, o.DigitBits)
	}
	return nil
}

// Sorter owns the auxiliary buffers for radix sorting. Buffers are sized
// from the input length and reallocated when it changes.
//
// A Sorter is not safe for concurrent use.
type Sorter struct {
	opts    Options
	pool    *parallel.Pool
	buckets int
	passes  int
	mask    uint32

	// Two-slot ping-pong. Slot 0 aliases the caller's slices for the
	// duration of a sort; slot 1 is owned here.
	keys [2][]uint32
	vals [2][]uint32

	counts    []uint32 // bucket-major: counts[bucket*numBlocks+block]
	numBlocks int
	size      int

	// per-worker histogram / running offsets
	scratch [][]uint32
}

// NewSorter creates a sorter. A nil pool sorts single-threaded.
func NewSorter(opts Options, pool *parallel.Pool) (*Sorter, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	buckets := 1 << opts.DigitBits
	s := &Sorter{
		opts:    opts,
		pool:    pool,
		buckets: buckets,
		passes:  (opts.KeyBits + opts.DigitBits - 1) / opts.DigitBits,
		mask:    uint32(buckets - 1),
		scratch: make([][]uint32, pool.Workers()),
	}
	for i := range s.scratch {
		s.scratch[i] = make([]uint32, buckets)
	}
	return s, nil
}

// Passes returns the digit passes used for a full-width sort.
func (s *Sorter) Passes() int { return s.passes }

// Buckets returns the bucket count per pass.
func (s *Sorter) Buckets() int { return s.buckets }

// NumBlocks returns the block count for n elements.
func (s *Sorter) NumBlocks(n int) int {
	return (n + s.opts.BlockSize - 1) / s.opts.BlockSize
}

// PassesFor returns the passes needed to fully order keys no larger than maxKey.
func (s *Sorter) PassesFor(maxKey uint32) int {
	width := bits.Len32(maxKey)
	if width > s.opts.KeyBits {
		width = s.opts.KeyBits
	}
	if width == 0 {
		return 0
	}
	return (width + s.opts.DigitBits - 1) / s.opts.DigitBits
}

// Sort orders keys ascending and applies the same permutation to indices.
// Keys wider than KeyBits are a precondition violation; bits above the last
// digit pass do not take part in the ordering.
func (s *Sorter) Sort(indices, keys []uint32) error {
	return s.sort(indices, keys, s.passes)
}

// SortBounded is Sort for inputs whose keys are all <= maxKey. Only the
// digit passes that can differ are run.
func (s *Sorter) SortBounded(indices, keys []uint32, maxKey uint32) error {
	return s.sort(indices, keys, s.PassesFor(maxKey))
}

func (s *Sorter) sort(indices, keys []uint32, passes int) error {
	if len(indices) != len(keys) {
		return fmt.Errorf("%w: %d indices, %d keys", ErrLengthMismatch, len(indices), len(keys))
	}
	n := len(keys)
	if n <= 1 || passes == 0 {
		return nil
	}

	s.ensureCapacity(n)
	s.keys[0], s.vals[0] = keys, indices
	defer func() {
		s.keys[0], s.vals[0] = nil, nil
	}()

	cur := 0
	for pass := 0; pass < passes; pass++ {
		shift := uint(pass * s.opts.DigitBits)
		s.countPass(cur, n, shift)
		ScanExclusive(s.pool, s.counts)
		s.scatterPass(cur, n, shift)
		cur ^= 1
	}

	// Odd pass count leaves the result in the owned slot.
	if cur != 0 {
		copy(keys, s.keys[1][:n])
		copy(indices, s.vals[1][:n])
	}
	return nil
}

// ensureCapacity reallocates the owned buffers when n changes.
func (s *Sorter) ensureCapacity(n int) {
	if s.size == n {
		return
	}
	s.size = n
	s.numBlocks = s.NumBlocks(n)
	if cap(s.keys[1]) < n {
		s.keys[1] = make([]uint32, n)
		s.vals[1] = make([]uint32, n)
	}
	s.keys[1] = s.keys[1][:n]
	s.vals[1] = s.vals[1][:n]

	need := s.numBlocks * s.buckets
	if cap(s.counts) < need {
		s.counts = make([]uint32, need)
	}
	s.counts = s.counts[:need]
}

// countPass fills the bucket-major counter table for one digit.
// Only the active elements of the last block are counted.
func (s *Sorter) countPass(cur, n int, shift uint) {
	src := s.keys[cur]
	bs := s.opts.BlockSize
	nb := s.numBlocks

	s.pool.ForBlocks(nb, bs, func(lo, hi, worker int) {
		hist := s.scratch[worker]
		for b := lo; b < hi; b++ {
			clear(hist)
			start := b * bs
			end := min(start+bs, n)
			for _, k := range src[start:end] {
				hist[(k>>shift)&s.mask]++
			}
			for bucket, c := range hist {
				s.counts[bucket*nb+b] = c
			}
		}
	})
}

// scatterPass writes every element of the current slot to its destination
// in the other slot. Destinations are write-once, so blocks never conflict.
func (s *Sorter) scatterPass(cur, n int, shift uint) {
	srcK, srcV := s.keys[cur], s.vals[cur]
	dstK, dstV := s.keys[cur^1], s.vals[cur^1]
	bs := s.opts.BlockSize
	nb := s.numBlocks

	s.pool.ForBlocks(nb, bs, func(lo, hi, worker int) {
		offs := s.scratch[worker]
		for b := lo; b < hi; b++ {
			for bucket := range offs {
				offs[bucket] = s.counts[bucket*nb+b]
			}
			start := b * bs
			end := min(start+bs, n)
			for i := start; i < end; i++ {
				k := srcK[i]
				d := (k >> shift) & s.mask
				dst := offs[d]
				offs[d]++
				dstK[dst] = k
				dstV[dst] = srcV[i]
			}
		}
	})
}
