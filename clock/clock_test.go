package clock

import (
	"sync"
	"testing"
	"time"
)

func TestMonotonicStrictlyIncreasing(t *testing.T) {
	c := NewMonotonic()
	prev := c.Now()
	for i := 0; i < 10000; i++ {
		n := c.Now()
		if n <= prev {
			t.Fatalf("clock went backwards or stalled: prev=%d now=%d", prev, n)
		}
		prev = n
	}
}

func TestMonotonicConcurrentUnique(t *testing.T) {
	c := NewMonotonic()
	const workers, per = 8, 2000

	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*per)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			local := make([]int64, 0, per)
			for i := 0; i < per; i++ {
				local = append(local, c.Now())
			}
			mu.Lock()
			for _, v := range local {
				seen[v] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != workers*per {
		t.Fatalf("duplicate timestamps: got %d unique, want %d", len(seen), workers*per)
	}
}

func TestManual(t *testing.T) {
	c := NewManual(100)
	if c.Now() != 100 {
		t.Fatalf("start: got %d", c.Now())
	}
	if got := c.Tick(); got != 101 {
		t.Fatalf("tick: got %d", got)
	}
	if got := c.Advance(time.Microsecond); got != 1101 {
		t.Fatalf("advance: got %d", got)
	}
}
