// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package registry

import (
	"cmp"
	"maps"
	"slices"
)

// processResources is what one guest process created or opened.
// Guarded by the coarse lock.
type processResources struct {
	// colorBuffers counts references: one per create or open.
	colorBuffers map[Handle]int
	buffers      map[Handle]struct{}
	contexts     map[Handle]struct{}
	surfaces     map[Handle]struct{}
	cleanups     map[string]func()
}

func (c coarseHeld) process(pid ProcessID) *processResources {
	p, ok := c.r.procs[pid]
	if !ok {
		p = &processResources{
			colorBuffers: make(map[Handle]int),
			buffers:      make(map[Handle]struct{}),
			contexts:     make(map[Handle]struct{}),
			surfaces:     make(map[Handle]struct{}),
			cleanups:     make(map[string]func()),
		}
		c.r.procs[pid] = p
	}
	return p
}

func (c coarseHeld) dropProcessColorBuffer(pid ProcessID, h Handle) {
	p, ok := c.r.procs[pid]
	if !ok {
		return
	}
	if n := p.colorBuffers[h]; n > 1 {
		p.colorBuffers[h] = n - 1
	} else {
		delete(p.colorBuffers, h)
	}
}

func (c coarseHeld) referenced(h Handle) bool {
	n := 0
	c.tables(func(t *tables) {
		if ref, ok := t.colorBuffers[h]; ok {
			n = ref.refcount
		}
	})
	return n > 0
}

// RegisterCleanup registers fn to run when process pid is cleaned up.
// Registering the same key again replaces the previous callback.
func (r *Registry) RegisterCleanup(pid ProcessID, key string, fn func()) {
	r.mutate(func(c coarseHeld) []Resource {
		c.process(pid).cleanups[key] = fn
		return nil
	})
}

// UnregisterCleanup removes a cleanup callback.
func (r *Registry) UnregisterCleanup(pid ProcessID, key string) {
	r.mutate(func(c coarseHeld) []Resource {
		p, ok := r.procs[pid]
		if !ok {
			r.logger().Warn("registry: unregister cleanup for unknown process", "process", pid, "key", key)
			return nil
		}
		if _, ok := p.cleanups[key]; !ok {
			r.logger().Warn("registry: unregister of unknown cleanup", "process", pid, "key", key)
		}
		delete(p.cleanups, key)
		return nil
	})
}

// CleanupProcess releases everything process pid still holds, as after
// a guest crash or exit. Window surfaces are destroyed first, dropping the
// references they hold on bound color buffers; then every color buffer
// reference the process took is closed once per create or open; then its
// contexts and buffers are destroyed. Cleanup callbacks run last, in key
// order, outside the registry locks.
func (r *Registry) CleanupProcess(pid ProcessID) {
	var callbacks []func()
	r.mutate(func(c coarseHeld) []Resource {
		p, ok := r.procs[pid]
		if !ok {
			return nil
		}
		delete(r.procs, pid)

		var (
			doomed []Resource
			bound  []Handle
		)
		c.tables(func(t *tables) {
			for h := range p.surfaces {
				if e, ok := t.surfaces[h]; ok {
					if e.bound != 0 {
						bound = append(bound, e.bound)
					}
					delete(t.surfaces, h)
					doomed = append(doomed, e.res)
				}
			}
			for h := range p.contexts {
				if e, ok := t.contexts[h]; ok {
					delete(t.contexts, h)
					doomed = append(doomed, e.res)
				}
			}
			for h := range p.buffers {
				if e, ok := t.buffers[h]; ok {
					delete(t.buffers, h)
					r.memory.bufferBytes -= e.size
					doomed = append(doomed, e.res)
				}
			}
		})
		for _, h := range bound {
			doomed, _ = c.closeColorBufferLocked(h, false, doomed)
		}
		for _, h := range slices.Sorted(maps.Keys(p.colorBuffers)) {
			for range p.colorBuffers[h] {
				// Another process may have dropped references this one took.
				if !c.referenced(h) {
					break
				}
				doomed, _ = c.closeColorBufferLocked(h, false, doomed)
			}
		}
		for _, key := range slices.Sorted(maps.Keys(p.cleanups)) {
			callbacks = append(callbacks, p.cleanups[key])
		}

		r.logger().Info("registry: process cleaned up",
			"process", pid,
			"surfaces", len(p.surfaces),
			"colorbuffers", len(p.colorBuffers),
			"contexts", len(p.contexts),
			"buffers", len(p.buffers))
		return c.sweep(doomed)
	})

	for _, fn := range callbacks {
		fn()
	}
}

// Entry is one live resource reported by Walk.
type Entry struct {
	Kind     Kind
	Handle   Handle
	Resource Resource

	// RefCount is the color buffer refcount; zero for other kinds.
	RefCount int
}

// Walk calls fn for every live resource in handle order, stopping at the
// first error. The registry is not locked while fn runs; callers that need
// a consistent view freeze the workers first.
func (r *Registry) Walk(fn func(Entry) error) error {
	var entries []Entry
	r.lookup(func(t *tables) {
		for h, ref := range t.colorBuffers {
			entries = append(entries, Entry{Kind: KindColorBuffer, Handle: h, Resource: ref.res, RefCount: ref.refcount})
		}
		for h, e := range t.buffers {
			entries = append(entries, Entry{Kind: KindBuffer, Handle: h, Resource: e.res})
		}
		for h, e := range t.contexts {
			entries = append(entries, Entry{Kind: KindContext, Handle: h, Resource: e.res})
		}
		for h, e := range t.surfaces {
			entries = append(entries, Entry{Kind: KindWindowSurface, Handle: h, Resource: e.res})
		}
	})
	slices.SortFunc(entries, func(a, b Entry) int { return cmp.Compare(a.Handle, b.Handle) })
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Close destroys every resource regardless of references. Pinned color
// buffers are destroyed when their pins are released. Using the registry
// after Close aborts.
func (r *Registry) Close() {
	var (
		doomed    []Resource
		collected []Handle
	)
	func() {
		c := r.lockCoarse()
		defer c.unlock()
		if r.closed {
			return
		}
		r.closed = true
		c.tables(func(t *tables) {
			for h, ref := range t.colorBuffers {
				doomed = append(doomed, c.erase(t, h, ref))
			}
			for h, e := range t.buffers {
				delete(t.buffers, h)
				doomed = append(doomed, e.res)
			}
			for h, e := range t.contexts {
				delete(t.contexts, h)
				doomed = append(doomed, e.res)
			}
			for h, e := range t.surfaces {
				delete(t.surfaces, h)
				doomed = append(doomed, e.res)
			}
		})
		collected = c.takeCollected()
		r.memory = memoryAccount{}
		r.delayed = nil
		r.reserved = make(map[Handle]struct{})
		r.procs = make(map[ProcessID]*processResources)
	}()
	r.destroyAll(doomed)
	r.notifyCollected(collected)
}
