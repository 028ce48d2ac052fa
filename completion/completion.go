// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package completion provides one-shot completion handles.
//
// A Handle resolves exactly once, optionally with an error. Holders may wait
// for it or abandon it; there is no cancellation. Handles are chained by
// registering OnDone callbacks, so no goroutine is spent per link.
package completion

import (
	"context"
	"sync"
	"time"
)

// Handle is a one-shot completion signal.
//
// The zero value is not usable; create handles with New, Resolved or Failed.
type Handle struct {
	mu        sync.Mutex
	done      chan struct{}
	err       error
	resolved  bool
	callbacks []func(error)
}

// New returns an unresolved handle and the func that resolves it.
// Only the first call to resolve has an effect.
func New() (*Handle, func(error)) {
	h := &Handle{done: make(chan struct{})}
	return h, h.resolve
}

// Resolved returns a handle that has already completed successfully.
func Resolved() *Handle {
	h, resolve := New()
	resolve(nil)
	return h
}

// Failed returns a handle that has already completed with err.
func Failed(err error) *Handle {
	h, resolve := New()
	resolve(err)
	return h
}

func (h *Handle) resolve(err error) {
	h.mu.Lock()
	if h.resolved {
		h.mu.Unlock()
		return
	}
	h.resolved = true
	h.err = err
	cbs := h.callbacks
	h.callbacks = nil
	close(h.done)
	h.mu.Unlock()

	for _, cb := range cbs {
		cb(err)
	}
}

// Done returns a channel closed when the handle resolves.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Ready reports whether the handle has resolved.
func (h *Handle) Ready() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Err returns the resolution error. It is nil while the handle is pending.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the handle resolves or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout blocks up to d. It reports whether the handle resolved.
func (h *Handle) WaitTimeout(d time.Duration) (bool, error) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.done:
		return true, h.Err()
	case <-t.C:
		return false, nil
	}
}

// OnDone registers fn to run with the resolution error. If the handle has
// already resolved, fn runs immediately on the calling goroutine; otherwise
// it runs on the goroutine that resolves the handle.
func (h *Handle) OnDone(fn func(error)) {
	h.mu.Lock()
	if !h.resolved {
		h.callbacks = append(h.callbacks, fn)
		h.mu.Unlock()
		return
	}
	err := h.err
	h.mu.Unlock()
	fn(err)
}

// Forward returns a handle that resolves when src resolves, with the same
// error. A nil src counts as already resolved.
func Forward(src *Handle) *Handle {
	if src == nil {
		return Resolved()
	}
	h, resolve := New()
	src.OnDone(resolve)
	return h
}
