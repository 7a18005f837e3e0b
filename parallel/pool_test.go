package parallel

import (
	"sync/atomic"
	"testing"
)

func TestPoolForCoversRange(t *testing.T) {
	tests := []struct {
		name    string
		workers int
		n       int
	}{
		{"empty", 4, 0},
		{"below threshold", 4, 100},
		{"exact multiple", 4, Threshold * 4},
		{"ragged", 3, Threshold*3 + 7},
		{"single worker", 1, Threshold * 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPool(tt.workers)
			defer p.Stop()

			hits := make([]int32, tt.n)
			p.For(tt.n, func(lo, hi, worker int) {
				if worker < 0 || worker >= p.Workers() {
					t.Errorf("worker id %d out of range", worker)
				}
				for i := lo; i < hi; i++ {
					atomic.AddInt32(&hits[i], 1)
				}
			})

			for i, h := range hits {
				if h != 1 {
					t.Fatalf("item %d visited %d times, want 1", i, h)
				}
			}
		})
	}
}

func TestPoolForBlocks(t *testing.T) {
	p := NewPool(4)
	defer p.Stop()

	const blocks = 37
	var seen [blocks]int32
	p.ForBlocks(blocks, 1024, func(lo, hi, _ int) {
		for b := lo; b < hi; b++ {
			atomic.AddInt32(&seen[b], 1)
		}
	})
	for b, s := range seen {
		if s != 1 {
			t.Errorf("block %d visited %d times", b, s)
		}
	}
}

func TestPoolReusableAfterStop(t *testing.T) {
	p := NewPool(2)
	var total int64
	run := func() {
		p.For(Threshold*2, func(lo, hi, _ int) {
			atomic.AddInt64(&total, int64(hi-lo))
		})
	}

	run()
	p.Stop()
	run()
	p.Stop()

	if total != Threshold*4 {
		t.Errorf("total = %d, want %d", total, Threshold*4)
	}
}

func TestNilPoolRunsInline(t *testing.T) {
	var p *Pool
	calls := 0
	p.For(10, func(lo, hi, worker int) {
		calls++
		if lo != 0 || hi != 10 || worker != 0 {
			t.Errorf("got (%d, %d, %d), want (0, 10, 0)", lo, hi, worker)
		}
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if p.Workers() != 1 {
		t.Errorf("Workers() = %d, want 1", p.Workers())
	}
}
