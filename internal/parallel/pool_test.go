package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// KeyedPool Creation Tests
// =============================================================================

func TestKeyedPool_Create(t *testing.T) {
	pool := NewKeyedPool(4)
	defer pool.Close()

	if len(pool.queues) != 4 {
		t.Errorf("%d workers, want 4", len(pool.queues))
	}

	if !pool.running.Load() {
		t.Error("Pool should be running after creation")
	}
}

func TestKeyedPool_CreateZeroWorkers(t *testing.T) {
	pool := NewKeyedPool(0)
	defer pool.Close()

	expected := runtime.GOMAXPROCS(0)
	if len(pool.queues) != expected {
		t.Errorf("%d workers, want %d (GOMAXPROCS)", len(pool.queues), expected)
	}
}

func TestKeyedPool_CreateNegativeWorkers(t *testing.T) {
	pool := NewKeyedPool(-5)
	defer pool.Close()

	expected := runtime.GOMAXPROCS(0)
	if len(pool.queues) != expected {
		t.Errorf("%d workers, want %d (GOMAXPROCS)", len(pool.queues), expected)
	}
}

// =============================================================================
// Ordering Tests
// =============================================================================

func TestKeyedPool_SameKeyRunsInOrder(t *testing.T) {
	pool := NewKeyedPool(4)
	defer pool.Close()

	const keys = 8
	const perKey = 200

	var mu sync.Mutex
	results := make(map[uint64][]int)

	for i := range perKey {
		for k := range uint64(keys) {
			idx := i
			key := k
			pool.Submit(key, func() {
				mu.Lock()
				results[key] = append(results[key], idx)
				mu.Unlock()
			})
		}
	}
	pool.Close()

	for k := range uint64(keys) {
		got := results[k]
		if len(got) != perKey {
			t.Fatalf("key %d: %d results, want %d", k, len(got), perKey)
		}
		for i, v := range got {
			if v != i {
				t.Fatalf("key %d: result[%d] = %d, out of order", k, i, v)
			}
		}
	}
}

func TestKeyedPool_SlowKeyDoesNotBlockOthers(t *testing.T) {
	pool := NewKeyedPool(4)
	defer pool.Close()

	// Find a key that lands on a different worker than key 0.
	other := uint64(1)
	for pool.shard(other) == pool.shard(0) {
		other++
	}

	release := make(chan struct{})
	pool.Submit(0, func() { <-release })

	done := make(chan struct{})
	pool.Submit(other, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("work on an idle worker waited behind a blocked key")
	}
	close(release)
}

func TestKeyedPool_PendingCountsRunningWork(t *testing.T) {
	pool := NewKeyedPool(1)
	defer pool.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	pool.Submit(0, func() {
		close(started)
		<-release
	})
	pool.Submit(0, func() {})
	<-started

	if got := pool.Pending(); got != 2 {
		t.Errorf("Pending() = %d, want 2", got)
	}
	close(release)
}

func TestKeyedPool_SubmitNil(t *testing.T) {
	pool := NewKeyedPool(2)
	defer pool.Close()

	if pool.Submit(0, nil) {
		t.Error("Submit(nil) = true")
	}
}

// =============================================================================
// Close Tests
// =============================================================================

func TestKeyedPool_CloseIdempotent(t *testing.T) {
	pool := NewKeyedPool(4)

	pool.Close()
	pool.Close()
	pool.Close()

	if pool.running.Load() {
		t.Error("Pool should not be running after Close")
	}
}

func TestKeyedPool_CloseDrainsPendingWork(t *testing.T) {
	pool := NewKeyedPool(2)

	var counter atomic.Int64
	for i := range 100 {
		pool.Submit(uint64(i), func() {
			counter.Add(1)
		})
	}
	pool.Close()

	if counter.Load() != 100 {
		t.Errorf("counter = %d after Close, want 100", counter.Load())
	}
	if pool.Pending() != 0 {
		t.Errorf("Pending() = %d after Close, want 0", pool.Pending())
	}
}

func TestKeyedPool_OperationsAfterClose(t *testing.T) {
	pool := NewKeyedPool(4)
	pool.Close()

	var executed atomic.Bool

	if pool.Submit(0, func() { executed.Store(true) }) {
		t.Error("Submit after Close = true")
	}

	if executed.Load() {
		t.Error("Work was executed on closed pool")
	}
}

// =============================================================================
// Concurrency Tests
// =============================================================================

func TestKeyedPool_ConcurrentSubmitAndClose(t *testing.T) {
	pool := NewKeyedPool(4)

	var submitted, executed atomic.Int64
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func(key uint64) {
			defer wg.Done()
			for range 100 {
				if pool.Submit(key, func() { executed.Add(1) }) {
					submitted.Add(1)
				}
			}
		}(uint64(g))
	}

	time.Sleep(time.Millisecond)
	pool.Close()
	wg.Wait()

	if executed.Load() != submitted.Load() {
		t.Errorf("executed %d of %d accepted items", executed.Load(), submitted.Load())
	}
}

func TestKeyedPool_NoGoroutineLeak(t *testing.T) {
	// Get baseline goroutine count
	runtime.GC()
	time.Sleep(50 * time.Millisecond)
	baseline := runtime.NumGoroutine()

	for i := 0; i < 5; i++ {
		pool := NewKeyedPool(4)

		for range 100 {
			pool.Submit(uint64(i), func() {})
		}

		pool.Close()
	}

	// Allow goroutines to clean up
	runtime.GC()
	time.Sleep(100 * time.Millisecond)

	final := runtime.NumGoroutine()

	// Allow for some variance (test framework goroutines, etc.)
	if final > baseline+2 {
		t.Errorf("goroutine count: baseline=%d, final=%d (leak detected)", baseline, final)
	}
}
