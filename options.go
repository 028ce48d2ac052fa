// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package vgpu

import (
	"log/slog"
	"time"

	"github.com/gogpu/vgpu/display"
	"github.com/gogpu/vgpu/metrics"
)

// Option configures a Renderer during creation.
//
// Example:
//
//	r, err := vgpu.New(dev,
//	    vgpu.WithMaxFramesInFlight(3),
//	    vgpu.WithMetrics(metrics.NewSlog(slog.Default())),
//	)
type Option func(*options)

// options holds optional configuration for Renderer creation. Zero values
// select each component's default.
type options struct {
	maxFramesInFlight   int
	disableDelayedClose bool
	closeDelay          time.Duration
	memoryBudget        uint64
	healthInterval      time.Duration
	manualHealth        bool
	sink                metrics.Logger
	skipIdentical       bool
	surfaceRetries      int
	fenceTimeout        time.Duration
	fenceWaiters        int
	logger              *slog.Logger
	now                 func() time.Time
	surface             *surfaceChoice
}

// surfaceChoice names the surface backend New creates and binds.
type surfaceChoice struct {
	backend string
	opts    display.Options
}

// defaultOptions returns the default renderer options.
func defaultOptions() options {
	return options{
		sink: metrics.Nop{},
	}
}

// WithMaxFramesInFlight sets the initial frame slot pool capacity. Binding
// a surface raises it to the swapchain image count plus one.
func WithMaxFramesInFlight(n int) Option {
	return func(o *options) {
		o.maxFramesInFlight = n
	}
}

// WithDelayedClose enables or disables the grace period between a color
// buffer's last close and its destruction. It is enabled by default.
func WithDelayedClose(enabled bool) Option {
	return func(o *options) {
		o.disableDelayedClose = !enabled
	}
}

// WithCloseDelay sets the delayed-close grace period.
func WithCloseDelay(d time.Duration) Option {
	return func(o *options) {
		o.closeDelay = d
	}
}

// WithMemoryBudget limits the accounted bytes of color buffers and
// buffers. Zero means unlimited.
func WithMemoryBudget(bytes uint64) Option {
	return func(o *options) {
		o.memoryBudget = bytes
	}
}

// WithHealthInterval sets the health monitor tick period.
func WithHealthInterval(d time.Duration) Option {
	return func(o *options) {
		o.healthInterval = d
	}
}

// WithManualHealth stops the health monitor's ticker. Ticks then happen
// only through Monitor().Poll, which tests drive with a fake clock.
func WithManualHealth() Option {
	return func(o *options) {
		o.manualHealth = true
	}
}

// WithMetrics sets the sink receiving hang, unhang and abort events.
// Nil restores the default no-op sink.
func WithMetrics(sink metrics.Logger) Option {
	return func(o *options) {
		o.sink = metrics.OrNop(sink)
	}
}

// WithSkipIdenticalCompositions makes a composition that repeats the last
// one on the same target return the previous completion instead of
// rendering again.
func WithSkipIdenticalCompositions(enabled bool) Option {
	return func(o *options) {
		o.skipIdentical = enabled
	}
}

// WithSurfaceRetries bounds both the present attempts of one post and the
// swapchain recreate retries.
func WithSurfaceRetries(n int) Option {
	return func(o *options) {
		o.surfaceRetries = n
	}
}

// WithFenceTimeout bounds each fence wait attempt. A fence still pending
// after two attempts is treated as device loss.
func WithFenceTimeout(d time.Duration) Option {
	return func(o *options) {
		o.fenceTimeout = d
	}
}

// WithFenceWaiters sets the number of fence wait goroutines. Fences of the
// same target are always waited in submission order.
func WithFenceWaiters(n int) Option {
	return func(o *options) {
		o.fenceWaiters = n
	}
}

// WithLogger sets the logger of this renderer's components, overriding the
// package logger set with SetLogger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithClock sets the time source of the registry's delayed close and the
// health monitor.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithSurfaceBackend makes New create a surface through the display
// backend registry and bind it at opts.Width x opts.Height. An empty name
// picks the best available backend. The renderer destroys the surface on
// Close.
func WithSurfaceBackend(name string, opts display.Options) Option {
	return func(o *options) {
		o.surface = &surfaceChoice{backend: name, opts: opts}
	}
}
