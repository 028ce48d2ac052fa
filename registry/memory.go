// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package registry

import "fmt"

// memoryAccount tracks the bytes held by registered resources. Guarded by
// the coarse lock.
type memoryAccount struct {
	colorBufferBytes uint64
	bufferBytes      uint64
}

func (m *memoryAccount) used() uint64 { return m.colorBufferBytes + m.bufferBytes }

// fits reports whether n more bytes stay within budget. A zero budget is
// unlimited.
func (m *memoryAccount) fits(budget, n uint64) bool {
	return budget == 0 || m.used()+n <= budget
}

// Stats is a snapshot of registry contents.
type Stats struct {
	ColorBuffers   int
	Buffers        int
	Contexts       int
	WindowSurfaces int

	// PendingClose is the number of zero-refcount color buffers waiting
	// out their grace period.
	PendingClose int

	// Pinned is the number of color buffers currently borrowed.
	Pinned int

	// Processes is the number of guest processes with tracked resources.
	Processes int

	// ColorBufferBytes and BufferBytes are the accounted sizes of live
	// resources.
	ColorBufferBytes uint64
	BufferBytes      uint64

	// BudgetBytes is the configured budget, zero when unlimited.
	BudgetBytes uint64

	// Destroyed is the total number of resources destroyed so far.
	Destroyed uint64
}

// UsedBytes returns the accounted bytes of all live resources.
func (s Stats) UsedBytes() uint64 { return s.ColorBufferBytes + s.BufferBytes }

// Live returns the number of live resources of every kind.
func (s Stats) Live() int { return s.ColorBuffers + s.Buffers + s.Contexts + s.WindowSurfaces }

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Registry[%d color buffers (%d pending close, %d pinned), %d buffers, %d contexts, %d surfaces, %d KB, %d processes]",
		s.ColorBuffers, s.PendingClose, s.Pinned, s.Buffers, s.Contexts, s.WindowSurfaces,
		s.UsedBytes()/1024, s.Processes)
}

// Stats returns a snapshot of the registry contents.
func (r *Registry) Stats() Stats {
	c := r.lockCoarse()
	defer c.unlock()

	s := Stats{
		PendingClose:     len(r.delayed),
		Processes:        len(r.procs),
		ColorBufferBytes: r.memory.colorBufferBytes,
		BufferBytes:      r.memory.bufferBytes,
		BudgetBytes:      r.memoryBudget,
		Destroyed:        r.destroyed.Load(),
	}
	c.tables(func(t *tables) {
		s.ColorBuffers = len(t.colorBuffers)
		s.Buffers = len(t.buffers)
		s.Contexts = len(t.contexts)
		s.WindowSurfaces = len(t.surfaces)
		for _, ref := range t.colorBuffers {
			if ref.pins > 0 {
				s.Pinned++
			}
		}
	})
	return s
}
