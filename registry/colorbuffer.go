// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package registry

import (
	"fmt"
	"time"

	"github.com/gogpu/vgpu/fatal"
)

// CreateColorBuffer registers res under a fresh handle. The creating
// process holds the initial reference, so the refcount starts at one.
func (r *Registry) CreateColorBuffer(pid ProcessID, res ColorBuffer, desc ColorBufferDesc) (Handle, error) {
	var (
		h   Handle
		err error
	)
	r.mutate(func(c coarseHeld) []Resource {
		if !r.memory.fits(r.memoryBudget, desc.Bytes()) {
			err = fmt.Errorf("registry: color buffer %dx%d: %w", desc.Width, desc.Height, ErrMemoryBudgetExceeded)
			return nil
		}
		h = c.genHandle()
		c.tables(func(t *tables) {
			c.insertColorBuffer(t, pid, h, res, desc)
		})
		return c.sweep(nil)
	})
	return h, err
}

// CreateColorBufferWithHandle registers res under a handle agreed with
// another process. The handle must not be live; a collision is a protocol
// violation and aborts.
func (r *Registry) CreateColorBufferWithHandle(pid ProcessID, h Handle, res ColorBuffer, desc ColorBufferDesc) error {
	var err error
	r.mutate(func(c coarseHeld) []Resource {
		if !r.memory.fits(r.memoryBudget, desc.Bytes()) {
			err = fmt.Errorf("registry: color buffer %d: %w", h, ErrMemoryBudgetExceeded)
			return nil
		}
		c.tables(func(t *tables) {
			c.claim(h, t)
			c.insertColorBuffer(t, pid, h, res, desc)
		})
		return c.sweep(nil)
	})
	return err
}

func (c coarseHeld) insertColorBuffer(t *tables, pid ProcessID, h Handle, res ColorBuffer, desc ColorBufferDesc) {
	t.colorBuffers[h] = &colorBufferRef{res: res, desc: desc, refcount: 1}
	c.r.memory.colorBufferBytes += desc.Bytes()
	if pid != 0 {
		c.process(pid).colorBuffers[h]++
	}
	c.r.logger().Debug("registry: color buffer created",
		"handle", h, "width", desc.Width, "height", desc.Height, "process", pid)
}

// OpenColorBuffer takes a reference on h for pid and cancels any pending
// delayed close. It reports false for unknown handles.
func (r *Registry) OpenColorBuffer(pid ProcessID, h Handle) bool {
	known := false
	r.mutate(func(c coarseHeld) []Resource {
		c.tables(func(t *tables) {
			known = c.openColorBuffer(t, h)
		})
		if !known {
			r.logger().Warn("registry: open of unknown color buffer", "handle", h, "process", pid)
			return nil
		}
		if pid != 0 {
			c.process(pid).colorBuffers[h]++
		}
		return nil
	})
	return known
}

func (c coarseHeld) openColorBuffer(t *tables, h Handle) bool {
	ref, ok := t.colorBuffers[h]
	if !ok {
		return false
	}
	ref.refcount++
	ref.opened = true
	ref.closedAt = time.Time{}
	c.cancelDelayed(h)
	return true
}

// CloseColorBuffer drops one reference held by pid. At refcount zero the
// buffer is queued for delayed destruction, or destroyed at once when
// delayed close is disabled. It reports false for unknown handles.
func (r *Registry) CloseColorBuffer(pid ProcessID, h Handle) bool {
	return r.closeColorBuffer(pid, h, false)
}

// CloseColorBufferForced drops one reference held by pid and destroys the
// buffer immediately if that was the last one.
func (r *Registry) CloseColorBufferForced(pid ProcessID, h Handle) bool {
	return r.closeColorBuffer(pid, h, true)
}

func (r *Registry) closeColorBuffer(pid ProcessID, h Handle, forced bool) bool {
	known := false
	r.mutate(func(c coarseHeld) []Resource {
		var doomed []Resource
		doomed, known = c.closeColorBufferLocked(h, forced, nil)
		if !known {
			r.logger().Warn("registry: close of unknown color buffer", "handle", h, "process", pid)
			return nil
		}
		if pid != 0 {
			c.dropProcessColorBuffer(pid, h)
		}
		return c.sweep(doomed)
	})
	return known
}

// closeColorBufferLocked drops one reference on h and appends whatever must
// be destroyed to doomed.
func (c coarseHeld) closeColorBufferLocked(h Handle, forced bool, doomed []Resource) ([]Resource, bool) {
	known := false
	c.tables(func(t *tables) {
		ref, ok := t.colorBuffers[h]
		if !ok {
			return
		}
		known = true
		forced = forced || c.r.forceClose

		if ref.refcount == 0 {
			if !forced {
				fatal.Abortf(fatal.CodeInvariant, "registry: color buffer %d closed with zero references", h)
			}
			// Forced close of an entry already waiting out its grace period.
			c.cancelDelayed(h)
			doomed = append(doomed, c.erase(t, h, ref))
			return
		}

		ref.refcount--
		if ref.refcount > 0 {
			return
		}
		if forced {
			doomed = append(doomed, c.erase(t, h, ref))
			return
		}
		ref.closedAt = c.r.now()
		c.r.delayed = append(c.r.delayed, delayedClose{handle: h, closedAt: ref.closedAt})
	})
	return doomed, known
}

// erase removes a color buffer from the table. The resource is returned for
// destruction unless it is pinned, in which case the last Unpin destroys it.
func (c coarseHeld) erase(t *tables, h Handle, ref *colorBufferRef) Resource {
	delete(t.colorBuffers, h)
	c.r.memory.colorBufferBytes -= ref.desc.Bytes()
	c.r.collected = append(c.r.collected, h)
	c.r.logger().Debug("registry: color buffer collected", "handle", h, "pinned", ref.pins > 0)
	if ref.pins > 0 {
		ref.dead = true
		return nil
	}
	return ref.res
}

func (c coarseHeld) cancelDelayed(h Handle) {
	d := c.r.delayed
	for i := range d {
		if d[i].handle == h {
			c.r.delayed = append(d[:i], d[i+1:]...)
			return
		}
	}
}

// sweep collects delayed-close entries whose grace period has elapsed.
func (c coarseHeld) sweep(doomed []Resource) []Resource {
	r := c.r
	if len(r.delayed) == 0 {
		return doomed
	}
	now := r.now()
	kept := r.delayed[:0]
	c.tables(func(t *tables) {
		for _, d := range r.delayed {
			if now.Before(d.closedAt.Add(r.closeDelay)) {
				kept = append(kept, d)
				continue
			}
			ref, ok := t.colorBuffers[d.handle]
			if !ok || ref.refcount != 0 || !ref.closedAt.Equal(d.closedAt) {
				continue
			}
			doomed = append(doomed, c.erase(t, d.handle, ref))
		}
	})
	clear(r.delayed[len(kept):])
	r.delayed = kept
	return doomed
}

// Sweep collects color buffers whose delayed-close grace period has
// elapsed. It also runs on every allocate, create and close.
func (r *Registry) Sweep() {
	r.mutate(func(c coarseHeld) []Resource {
		return c.sweep(nil)
	})
}

// ColorBuffer returns the color buffer registered under h.
func (r *Registry) ColorBuffer(h Handle) (ColorBuffer, bool) {
	var res ColorBuffer
	r.lookup(func(t *tables) {
		if ref, ok := t.colorBuffers[h]; ok {
			res = ref.res
		}
	})
	return res, res != nil
}

// RefCount returns the reference count of color buffer h.
func (r *Registry) RefCount(h Handle) (int, bool) {
	n, ok := 0, false
	r.lookup(func(t *tables) {
		if ref, found := t.colorBuffers[h]; found {
			n, ok = ref.refcount, true
		}
	})
	return n, ok
}

// Pin is a short-lived hold on a color buffer. A pinned buffer that gets
// collected is destroyed only once the pin is released. Pins do not count
// as references.
type Pin struct {
	Handle Handle
	Buffer ColorBuffer

	r   *Registry
	ref *colorBufferRef
}

// Pin holds color buffer h for the duration of an operation such as a
// composition or a readback. It reports false for unknown handles.
func (r *Registry) Pin(h Handle) (*Pin, bool) {
	var p *Pin
	r.lookup(func(t *tables) {
		if ref, ok := t.colorBuffers[h]; ok {
			ref.pins++
			p = &Pin{Handle: h, Buffer: ref.res, r: r, ref: ref}
		}
	})
	return p, p != nil
}

// Release ends the pin. Release is idempotent.
func (p *Pin) Release() {
	if p == nil || p.ref == nil {
		return
	}
	ref := p.ref
	p.ref = nil

	var doomed Resource
	p.r.lookup(func(t *tables) {
		ref.pins--
		if ref.dead && ref.pins == 0 {
			doomed = ref.res
		}
	})
	if doomed != nil {
		p.r.destroyAll([]Resource{doomed})
	}
}

// ReadColorBuffer reads back a rectangle of color buffer h into dst.
// It reports false for unknown handles and buffers without read support.
func (r *Registry) ReadColorBuffer(h Handle, x, y, width, height int, dst []byte) (bool, error) {
	p, ok := r.Pin(h)
	if !ok {
		r.logger().Warn("registry: read of unknown color buffer", "handle", h)
		return false, nil
	}
	defer p.Release()
	pr, ok := p.Buffer.(PixelReader)
	if !ok {
		return false, nil
	}
	return true, pr.ReadPixels(x, y, width, height, dst)
}

// UpdateColorBuffer replaces a rectangle of color buffer h with src.
// It reports false for unknown handles and buffers without write support.
func (r *Registry) UpdateColorBuffer(h Handle, x, y, width, height int, src []byte) (bool, error) {
	p, ok := r.Pin(h)
	if !ok {
		r.logger().Warn("registry: update of unknown color buffer", "handle", h)
		return false, nil
	}
	defer p.Release()
	pw, ok := p.Buffer.(PixelWriter)
	if !ok {
		return false, nil
	}
	return true, pw.UpdatePixels(x, y, width, height, src)
}
