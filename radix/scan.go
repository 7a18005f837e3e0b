package radix

import "github.com/pthm-cable/pbf/parallel"

// scanChunk is the minimum chunk length for the two-level parallel scan.
const scanChunk = 4096

// ScanExclusive replaces data with its exclusive prefix sum and returns the
// total of the original values.
//
// Large inputs use the two-level scheme: each worker scans its own chunk,
// the chunk totals are scanned serially, and each chunk then adds its base.
func ScanExclusive(pool *parallel.Pool, data []uint32) uint32 {
	n := len(data)
	workers := pool.Workers()
	if n < scanChunk*2 || workers == 1 {
		return scanSerial(data)
	}

	numChunks := (n + scanChunk - 1) / scanChunk
	if numChunks > workers*4 {
		numChunks = workers * 4
	}
	chunkLen := (n + numChunks - 1) / numChunks
	numChunks = (n + chunkLen - 1) / chunkLen

	sums := make([]uint32, numChunks)

	// Pass 1: local exclusive scans
	pool.ForBlocks(numChunks, chunkLen, func(lo, hi, _ int) {
		for c := lo; c < hi; c++ {
			start := c * chunkLen
			end := min(start+chunkLen, n)
			sums[c] = scanSerial(data[start:end])
		}
	})

	// Pass 2: scan of chunk totals
	total := scanSerial(sums)

	// Pass 3: add chunk base
	pool.ForBlocks(numChunks, chunkLen, func(lo, hi, _ int) {
		for c := lo; c < hi; c++ {
			base := sums[c]
			if base == 0 {
				continue
			}
			start := c * chunkLen
			end := min(start+chunkLen, n)
			for i := start; i < end; i++ {
				data[i] += base
			}
		}
	})

	return total
}

// scanSerial is the single-threaded exclusive scan.
func scanSerial(data []uint32) uint32 {
	var acc uint32
	for i, v := range data {
		data[i] = acc
		acc += v
	}
	return acc
}
