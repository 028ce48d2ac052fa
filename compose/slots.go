// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package compose

import (
	"sync"
	"time"

	"github.com/gogpu/vgpu/fatal"
)

// slot is one frame slot. Its frame is created on first use.
type slot struct {
	index int
	frame Frame
}

// slotPool bounds the compositions in flight. A slot is owned by exactly
// one composition from acquire until its fence has signaled.
type slotPool struct {
	backend Backend

	mu       sync.Mutex
	cond     *sync.Cond
	maxCap   int
	slots    []*slot
	free     []*slot
	inFlight map[int]struct{}
}

func newSlotPool(backend Backend, capacity int) *slotPool {
	p := &slotPool{
		backend:  backend,
		maxCap:   max(capacity, 1),
		inFlight: make(map[int]struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// acquire returns a free slot, creating its frame when the pool has not
// reached capacity yet. It waits up to timeout for a slot, retries once,
// and aborts with fatal.CodeDeviceLost when none frees up.
func (p *slotPool) acquire(timeout time.Duration) *slot {
	for attempt := 1; attempt <= 2; attempt++ {
		if s := p.tryAcquireWithin(timeout); s != nil {
			return s
		}
	}
	fatal.Abortf(fatal.CodeDeviceLost, "compose: no frame slot freed within %v, twice", timeout)
	return nil
}

func (p *slotPool) tryAcquireWithin(timeout time.Duration) *slot {
	deadline := time.Now().Add(timeout)
	wake := time.AfterFunc(timeout, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer wake.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if s := p.takeLocked(); s != nil {
			return s
		}
		if !time.Now().Before(deadline) {
			return nil
		}
		p.cond.Wait()
	}
}

func (p *slotPool) takeLocked() *slot {
	if n := len(p.free); n > 0 {
		s := p.free[n-1]
		p.free = p.free[:n-1]
		p.inFlight[s.index] = struct{}{}
		return s
	}
	if len(p.slots) >= p.maxCap {
		return nil
	}
	s := &slot{index: len(p.slots)}
	f, err := p.backend.NewFrame(s.index)
	fatal.Check(err, "compose: create frame")
	s.frame = f
	p.slots = append(p.slots, s)
	p.inFlight[s.index] = struct{}{}
	return s
}

// release returns s to the free list.
func (p *slotPool) release(s *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, held := p.inFlight[s.index]; !held {
		fatal.Abortf(fatal.CodeInvariant, "compose: release of free frame slot %d", s.index)
	}
	delete(p.inFlight, s.index)
	p.free = append(p.free, s)
	p.cond.Broadcast()
}

// grow raises the capacity to at least n. Capacity never shrinks.
func (p *slotPool) grow(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > p.maxCap {
		p.maxCap = n
		p.cond.Broadcast()
	}
}

func (p *slotPool) capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxCap
}

func (p *slotPool) current() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

// waitIdle blocks until no slot is in flight or timeout elapses.
func (p *slotPool) waitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	wake := time.AfterFunc(timeout, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer wake.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.inFlight) > 0 {
		if !time.Now().Before(deadline) {
			return false
		}
		p.cond.Wait()
	}
	return true
}

// destroy releases every frame. The pool must be idle.
func (p *slotPool) destroy() {
	p.mu.Lock()
	slots := p.slots
	p.slots, p.free = nil, nil
	p.mu.Unlock()

	for _, s := range slots {
		s.frame.Destroy()
	}
}
