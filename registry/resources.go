// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package registry

import "fmt"

// =============================================================================
// Buffers
// =============================================================================

// CreateBuffer registers an exclusively owned linear buffer of size bytes.
func (r *Registry) CreateBuffer(pid ProcessID, res Resource, size uint64) (Handle, error) {
	var (
		h   Handle
		err error
	)
	r.mutate(func(c coarseHeld) []Resource {
		if !r.memory.fits(r.memoryBudget, size) {
			err = fmt.Errorf("registry: buffer of %d bytes: %w", size, ErrMemoryBudgetExceeded)
			return nil
		}
		h = c.genHandle()
		c.tables(func(t *tables) {
			c.insertBuffer(t, pid, h, res, size)
		})
		return c.sweep(nil)
	})
	return h, err
}

// CreateBufferWithHandle registers a buffer under an agreed handle. A live
// collision aborts.
func (r *Registry) CreateBufferWithHandle(pid ProcessID, h Handle, res Resource, size uint64) error {
	var err error
	r.mutate(func(c coarseHeld) []Resource {
		if !r.memory.fits(r.memoryBudget, size) {
			err = fmt.Errorf("registry: buffer %d: %w", h, ErrMemoryBudgetExceeded)
			return nil
		}
		c.tables(func(t *tables) {
			c.claim(h, t)
			c.insertBuffer(t, pid, h, res, size)
		})
		return nil
	})
	return err
}

func (c coarseHeld) insertBuffer(t *tables, pid ProcessID, h Handle, res Resource, size uint64) {
	t.buffers[h] = &bufferEntry{res: res, size: size, owner: pid}
	c.r.memory.bufferBytes += size
	if pid != 0 {
		c.process(pid).buffers[h] = struct{}{}
	}
}

// Buffer returns the buffer registered under h.
func (r *Registry) Buffer(h Handle) (Resource, bool) {
	var res Resource
	r.lookup(func(t *tables) {
		if e, ok := t.buffers[h]; ok {
			res = e.res
		}
	})
	return res, res != nil
}

// CloseBuffer destroys buffer h. It reports false for unknown handles.
func (r *Registry) CloseBuffer(h Handle) bool {
	known := false
	r.mutate(func(c coarseHeld) []Resource {
		var doomed []Resource
		c.tables(func(t *tables) {
			e, ok := t.buffers[h]
			if !ok {
				return
			}
			known = true
			doomed = append(doomed, c.eraseBuffer(t, h, e))
		})
		if !known {
			r.logger().Warn("registry: close of unknown buffer", "handle", h)
		}
		return c.sweep(doomed)
	})
	return known
}

func (c coarseHeld) eraseBuffer(t *tables, h Handle, e *bufferEntry) Resource {
	delete(t.buffers, h)
	c.r.memory.bufferBytes -= e.size
	if p, ok := c.r.procs[e.owner]; ok {
		delete(p.buffers, h)
	}
	return e.res
}

// =============================================================================
// Contexts
// =============================================================================

// CreateContext registers an exclusively owned rendering context.
func (r *Registry) CreateContext(pid ProcessID, res Resource) Handle {
	var h Handle
	r.mutate(func(c coarseHeld) []Resource {
		h = c.genHandle()
		c.tables(func(t *tables) {
			t.contexts[h] = &contextEntry{res: res, owner: pid}
		})
		if pid != 0 {
			c.process(pid).contexts[h] = struct{}{}
		}
		return nil
	})
	return h
}

// Context returns the context registered under h.
func (r *Registry) Context(h Handle) (Resource, bool) {
	var res Resource
	r.lookup(func(t *tables) {
		if e, ok := t.contexts[h]; ok {
			res = e.res
		}
	})
	return res, res != nil
}

// DestroyContext destroys context h. It reports false for unknown handles.
func (r *Registry) DestroyContext(h Handle) bool {
	known := false
	r.mutate(func(c coarseHeld) []Resource {
		var doomed []Resource
		c.tables(func(t *tables) {
			e, ok := t.contexts[h]
			if !ok {
				return
			}
			known = true
			doomed = append(doomed, c.eraseContext(t, h, e))
		})
		if !known {
			r.logger().Warn("registry: destroy of unknown context", "handle", h)
		}
		return doomed
	})
	return known
}

func (c coarseHeld) eraseContext(t *tables, h Handle, e *contextEntry) Resource {
	delete(t.contexts, h)
	if p, ok := c.r.procs[e.owner]; ok {
		delete(p.contexts, h)
	}
	return e.res
}

// =============================================================================
// Window surfaces
// =============================================================================

// CreateWindowSurface registers an exclusively owned window surface.
func (r *Registry) CreateWindowSurface(pid ProcessID, res Resource) Handle {
	var h Handle
	r.mutate(func(c coarseHeld) []Resource {
		h = c.genHandle()
		c.tables(func(t *tables) {
			t.surfaces[h] = &surfaceEntry{res: res, owner: pid}
		})
		if pid != 0 {
			c.process(pid).surfaces[h] = struct{}{}
		}
		return nil
	})
	return h
}

// WindowSurface returns window surface h and the color buffer bound to it,
// zero when none is bound.
func (r *Registry) WindowSurface(h Handle) (Resource, Handle, bool) {
	var (
		res   Resource
		bound Handle
	)
	r.lookup(func(t *tables) {
		if e, ok := t.surfaces[h]; ok {
			res, bound = e.res, e.bound
		}
	})
	return res, bound, res != nil
}

// BindWindowSurface makes color buffer cb the render target of window
// surface ws. The surface takes a reference on cb and drops the one it held
// on the previously bound buffer. It reports false when either handle is
// unknown.
func (r *Registry) BindWindowSurface(ws, cb Handle) bool {
	ok := false
	r.mutate(func(c coarseHeld) []Resource {
		var prev Handle
		c.tables(func(t *tables) {
			e, found := t.surfaces[ws]
			if !found {
				return
			}
			if _, found := t.colorBuffers[cb]; !found {
				return
			}
			ok = true
			if e.bound == cb {
				return
			}
			c.openColorBuffer(t, cb)
			prev, e.bound = e.bound, cb
		})
		if !ok {
			r.logger().Warn("registry: bind of unknown surface or color buffer", "surface", ws, "colorbuffer", cb)
			return nil
		}
		if prev == 0 {
			return nil
		}
		doomed, _ := c.closeColorBufferLocked(prev, false, nil)
		return c.sweep(doomed)
	})
	return ok
}

// DestroyWindowSurface destroys window surface h and drops its reference
// on the bound color buffer. It reports false for unknown handles.
func (r *Registry) DestroyWindowSurface(h Handle) bool {
	known := false
	r.mutate(func(c coarseHeld) []Resource {
		var (
			doomed []Resource
			bound  Handle
		)
		c.tables(func(t *tables) {
			e, ok := t.surfaces[h]
			if !ok {
				return
			}
			known = true
			bound = e.bound
			doomed = append(doomed, c.eraseSurface(t, h, e))
		})
		if !known {
			r.logger().Warn("registry: destroy of unknown window surface", "handle", h)
			return nil
		}
		if bound != 0 {
			doomed, _ = c.closeColorBufferLocked(bound, false, doomed)
		}
		return c.sweep(doomed)
	})
	return known
}

func (c coarseHeld) eraseSurface(t *tables, h Handle, e *surfaceEntry) Resource {
	delete(t.surfaces, h)
	if p, ok := c.r.procs[e.owner]; ok {
		delete(p.surfaces, h)
	}
	return e.res
}
