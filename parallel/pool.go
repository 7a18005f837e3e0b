// Package parallel provides a persistent worker pool for data-parallel stages.
//
// Every dispatch is a full barrier: For returns only after every chunk of
// the range has been processed, so a stage's output may be consumed by the
// next stage immediately.
package parallel

import (
	"runtime"
	"sync"
)

// Threshold is the minimum item count to use the worker pool.
// Below this, single-threaded is faster due to goroutine overhead.
const Threshold = 2048

// Func processes items [lo, hi) on the given worker.
type Func func(lo, hi, worker int)

// workChunk represents a range of items for a worker to process.
type workChunk struct {
	start, end int
	fn         Func
}

// Pool holds persistent worker goroutines.
type Pool struct {
	numWorkers int

	// Worker pool channels
	workChan chan workChunk // sends work to workers
	doneChan chan struct{}  // workers signal completion
	stopChan chan struct{}  // signals workers to exit
	wg       sync.WaitGroup // tracks active workers
	running  bool           // true if workers are running

	mu sync.Mutex // serializes dispatches from different goroutines
}

// NewPool creates a pool with the given worker count (0 = GOMAXPROCS).
// Workers are started lazily on the first parallel dispatch.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Pool{numWorkers: workers}
}

// Workers returns the number of workers. Per-worker scratch should be sized by this.
func (p *Pool) Workers() int {
	if p == nil {
		return 1
	}
	return p.numWorkers
}

// Start launches persistent worker goroutines.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.start()
}

func (p *Pool) start() {
	if p.running {
		return
	}

	p.workChan = make(chan workChunk, p.numWorkers)
	p.doneChan = make(chan struct{}, p.numWorkers)
	p.stopChan = make(chan struct{})
	p.running = true

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop signals all workers to exit and waits for them.
func (p *Pool) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}

	close(p.stopChan)
	p.wg.Wait()
	close(p.workChan)
	close(p.doneChan)
	p.running = false
}

// worker runs in a goroutine, processing chunks until stopped.
func (p *Pool) worker(workerID int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case chunk, ok := <-p.workChan:
			if !ok {
				return
			}
			chunk.fn(chunk.start, chunk.end, workerID)
			p.doneChan <- struct{}{}
		}
	}
}

// For splits [0, n) into one contiguous chunk per worker and blocks until
// all chunks are done. A nil pool runs everything inline as worker 0.
func (p *Pool) For(n int, fn Func) {
	if n <= 0 {
		return
	}
	if p == nil || p.numWorkers == 1 || n < Threshold {
		fn(0, n, 0)
		return
	}
	p.dispatch(n, (n+p.numWorkers-1)/p.numWorkers, fn)
}

// ForBlocks dispatches numBlocks independent blocks. Each block is a unit of
// work (e.g. a sort block), so the threshold applies to the block count
// weighted by blockCost items per block.
func (p *Pool) ForBlocks(numBlocks, blockCost int, fn Func) {
	if numBlocks <= 0 {
		return
	}
	if p == nil || p.numWorkers == 1 || numBlocks == 1 || numBlocks*blockCost < Threshold {
		fn(0, numBlocks, 0)
		return
	}
	p.dispatch(numBlocks, (numBlocks+p.numWorkers-1)/p.numWorkers, fn)
}

// dispatch sends chunks of chunkSize to the workers and waits for all of them.
func (p *Pool) dispatch(n, chunkSize int, fn Func) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Ensure workers are running
	if !p.running {
		p.start()
	}

	chunksDispatched := 0
	for start := 0; start < n; start += chunkSize {
		end := start + chunkSize
		if end > n {
			end = n
		}
		p.workChan <- workChunk{start: start, end: end, fn: fn}
		chunksDispatched++
	}

	// Wait for all chunks to complete
	for i := 0; i < chunksDispatched; i++ {
		<-p.doneChan
	}
}
