// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package registry

import (
	"math"

	"github.com/gogpu/vgpu/fatal"
)

// mutate runs fn under the coarse lock and destroys the resources fn
// collected once the lock is released. Aborts raised inside fn unwind
// through the deferred unlocks.
func (r *Registry) mutate(fn func(c coarseHeld) []Resource) {
	var (
		doomed    []Resource
		collected []Handle
	)
	func() {
		c := r.lockCoarse()
		defer c.unlock()
		if r.closed {
			fatal.Abort(fatal.CodeInvariant, "registry: used after Close")
		}
		doomed = fn(c)
		collected = c.takeCollected()
	}()
	r.destroyAll(doomed)
	r.notifyCollected(collected)
}

// Allocate reserves a fresh handle. The handle collides with no live or
// reserved handle of any kind and stays reserved until a resource is
// registered under it with one of the WithHandle calls.
func (r *Registry) Allocate() Handle {
	var h Handle
	r.mutate(func(c coarseHeld) []Resource {
		h = c.genHandle()
		r.reserved[h] = struct{}{}
		return c.sweep(nil)
	})
	return h
}

// Release drops a reservation made by Allocate that was never used.
func (r *Registry) Release(h Handle) {
	c := r.lockCoarse()
	defer c.unlock()
	delete(r.reserved, h)
}

// genHandle returns the next handle that is neither zero, reserved nor
// live. Handles wrap around; exhausting the whole space aborts.
func (c coarseHeld) genHandle() Handle {
	r := c.r
	var h Handle
	c.tables(func(t *tables) {
		for range uint64(math.MaxUint32) {
			r.next++
			if r.next == 0 {
				continue
			}
			if _, ok := r.reserved[r.next]; ok {
				continue
			}
			if t.live(r.next) {
				continue
			}
			h = r.next
			return
		}
	})
	if h == 0 {
		fatal.Abort(fatal.CodeInvariant, "registry: handle space exhausted")
	}
	return h
}

// claim prepares h for an explicit-handle registration. A live collision
// is a protocol violation and aborts; a reservation made by Allocate is
// consumed.
func (c coarseHeld) claim(h Handle, t *tables) {
	if h == 0 {
		fatal.Abort(fatal.CodeProtocol, "registry: explicit handle 0")
	}
	if t.live(h) {
		fatal.Abortf(fatal.CodeProtocol, "registry: handle %d already in use", h)
	}
	delete(c.r.reserved, h)
}

// Kind returns the kind of the live resource under h.
func (r *Registry) Kind(h Handle) (Kind, bool) {
	var k Kind
	r.lookup(func(t *tables) {
		switch {
		case t.colorBuffers[h] != nil:
			k = KindColorBuffer
		case t.buffers[h] != nil:
			k = KindBuffer
		case t.contexts[h] != nil:
			k = KindContext
		case t.surfaces[h] != nil:
			k = KindWindowSurface
		}
	})
	return k, k != 0
}
