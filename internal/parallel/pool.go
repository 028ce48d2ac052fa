// Package parallel provides the keyed worker pool behind the fence-wait
// service.
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// KeyedPool is a pool of goroutines where every submission carries a key.
//
// Each worker owns one queue and submissions with the same key always land
// on the same worker, so work for one key runs in submission order while
// different keys proceed in parallel. There is no work stealing: a stolen
// item could overtake an earlier item with the same key.
//
// Thread safety: KeyedPool is safe for concurrent use.
type KeyedPool struct {
	// workers is the number of worker goroutines.
	workers int

	// queues holds per-worker work queues.
	queues []chan func()

	// mu orders Submit against Close. Submit holds it shared while
	// sending, Close exclusively while closing the queues.
	mu sync.RWMutex

	// wg waits for all workers to finish.
	wg sync.WaitGroup

	// running indicates whether the pool is accepting work.
	running atomic.Bool

	// pending counts submitted work that has not finished.
	pending atomic.Int64
}

// NewKeyedPool creates a pool with the specified number of workers.
// If workers is 0 or negative, GOMAXPROCS is used.
// The pool starts immediately and workers begin waiting for work.
func NewKeyedPool(workers int) *KeyedPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	queueSize := workers * 4
	if queueSize < 8 {
		queueSize = 8
	}

	p := &KeyedPool{
		workers: workers,
		queues:  make([]chan func(), workers),
	}
	for i := range workers {
		p.queues[i] = make(chan func(), queueSize)
	}

	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}

	return p
}

// worker runs its queue until Close closes it, draining what is left.
func (p *KeyedPool) worker(id int) {
	defer p.wg.Done()
	for work := range p.queues[id] {
		work()
		p.pending.Add(-1)
	}
}

// shard maps a key to a worker. Keys are mixed first so that sequential
// keys spread across workers.
func (p *KeyedPool) shard(key uint64) int {
	key ^= key >> 33
	key *= 0xff51afd7ed558ccd
	key ^= key >> 33
	return int(key % uint64(p.workers))
}

// Submit queues fn on the worker owning key. It blocks while that worker's
// queue is full and reports false, without running fn, once the pool is
// closed.
func (p *KeyedPool) Submit(key uint64, fn func()) bool {
	if fn == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running.Load() {
		return false
	}
	p.pending.Add(1)
	p.queues[p.shard(key)] <- fn
	return true
}

// Close stops accepting work, waits for all queued work to complete and
// then stops all workers.
// Close is safe to call multiple times.
func (p *KeyedPool) Close() {
	p.mu.Lock()
	if !p.running.CompareAndSwap(true, false) {
		p.mu.Unlock()
		return
	}
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// Pending returns the number of submitted items that have not finished,
// including the ones executing.
func (p *KeyedPool) Pending() int {
	return int(p.pending.Load())
}
