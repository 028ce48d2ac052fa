// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package fencewait runs GPU fence waits off the submitting goroutine.
//
// Compositions submit their frame and hand the fence to a Waiter. The
// Waiter blocks on it with a bounded timeout, retrying once, then runs the
// completion callback. A fence that still has not signaled after the retry
// means the device is lost and the process aborts.
package fencewait

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gogpu/vgpu/fatal"
	"github.com/gogpu/vgpu/health"
	"github.com/gogpu/vgpu/internal/logging"
	"github.com/gogpu/vgpu/internal/parallel"
	"github.com/gogpu/vgpu/metrics"
)

// DefaultTimeout bounds one fence wait attempt.
const DefaultTimeout = 5 * time.Second

// ErrClosed is returned by Watch and Trigger after Close.
var ErrClosed = errors.New("fencewait: closed")

// Waitable is a GPU fence or anything else that can be waited on with a
// timeout. Wait reports false when the timeout expired first.
type Waitable interface {
	Wait(timeout time.Duration) (bool, error)
}

// WaitFunc adapts a function to Waitable.
type WaitFunc func(timeout time.Duration) (bool, error)

// Wait implements Waitable.
func (f WaitFunc) Wait(timeout time.Duration) (bool, error) { return f(timeout) }

// Config configures a Waiter.
type Config struct {
	// Workers is the number of wait goroutines. Defaults to 1.
	Workers int

	// Timeout bounds each wait attempt. Defaults to DefaultTimeout.
	Timeout time.Duration

	// Monitor, when set, watches every wait.
	Monitor *health.Monitor

	// Logger overrides the shared vgpu logger.
	Logger *slog.Logger
}

// Waiter is the fence-wait service.
type Waiter struct {
	timeout time.Duration
	monitor *health.Monitor
	log     *slog.Logger
	pool    *parallel.KeyedPool
}

// New starts a Waiter.
func New(cfg Config) *Waiter {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Waiter{
		timeout: cfg.Timeout,
		monitor: cfg.Monitor,
		log:     cfg.Logger,
		pool:    parallel.NewKeyedPool(cfg.Workers),
	}
}

// Timeout returns the per-attempt wait timeout.
func (w *Waiter) Timeout() time.Duration { return w.timeout }

// Watch waits for f on the service and then runs fn. Waits with the same
// key complete in submission order.
func (w *Waiter) Watch(key uint64, f Waitable, fn func()) error {
	ok := w.pool.Submit(key, func() {
		wd := health.Watch(w.monitor, metrics.Metadata{
			Name: "fence-wait",
			Data: map[string]string{"key": fmt.Sprint(key)},
		}, health.WithTimeout(3*w.timeout))
		defer wd.Stop()

		Wait(f, w.timeout, logging.Or(w.log))
		if fn != nil {
			fn()
		}
	})
	if !ok {
		return ErrClosed
	}
	return nil
}

// Trigger runs fn on the service, ordered after earlier work for key.
func (w *Waiter) Trigger(key uint64, fn func()) error {
	if !w.pool.Submit(key, fn) {
		return ErrClosed
	}
	return nil
}

// Pending returns the number of waits and triggers not yet finished.
func (w *Waiter) Pending() int { return w.pool.Pending() }

// Close runs every queued wait to completion and stops the service.
func (w *Waiter) Close() {
	w.pool.Close()
}

// Wait blocks on f for up to timeout, retrying once. A wait error aborts
// with fatal.CodeBackend and a second timeout with fatal.CodeDeviceLost.
func Wait(f Waitable, timeout time.Duration, log *slog.Logger) {
	for attempt := 1; ; attempt++ {
		ok, err := f.Wait(timeout)
		if err != nil {
			fatal.Abortf(fatal.CodeBackend, "fencewait: wait failed: %v", err)
		}
		if ok {
			return
		}
		if attempt == 2 {
			fatal.Abortf(fatal.CodeDeviceLost, "fencewait: fence did not signal within %v, twice", timeout)
		}
		log.Warn("fencewait: fence wait timed out, retrying", "timeout", timeout)
	}
}
