// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package vgpu

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/gogpu/vgpu/compose"
	"github.com/gogpu/vgpu/dispatch"
	"github.com/gogpu/vgpu/display"
	"github.com/gogpu/vgpu/fatal"
	"github.com/gogpu/vgpu/fencewait"
	"github.com/gogpu/vgpu/health"
	"github.com/gogpu/vgpu/internal/logging"
	"github.com/gogpu/vgpu/metrics"
	"github.com/gogpu/vgpu/registry"
	"github.com/gogpu/vgpu/snapshot"
	"github.com/gogpu/vgpu/timeline"
)

// Renderer owns one virtual GPU's registry, timelines, health monitor,
// fence waiter and composition scheduler.
//
// Renderer is safe for concurrent use.
type Renderer struct {
	id   uuid.UUID
	log  *slog.Logger
	sink metrics.Logger

	registry  *registry.Registry
	timelines *timeline.Timelines
	monitor   *health.Monitor
	waiter    *fencewait.Waiter
	scheduler *compose.Scheduler

	surfaceMu sync.Mutex
	surface   display.Surface // owned, from WithSurfaceBackend

	restoreFatal func()
	closed       atomic.Bool
	closeOnce    sync.Once
}

// New builds a Renderer compositing with backend.
//
// When a metrics sink is configured, the renderer wraps the fatal handler
// so every abort is reported as a metrics.AbortEvent before the previous
// handler runs. Close restores the previous handler.
func New(backend compose.Backend, opts ...Option) (*Renderer, error) {
	if backend == nil {
		return nil, ErrNilBackend
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	r := &Renderer{
		id:   uuid.New(),
		sink: o.sink,
	}
	r.log = logging.Or(o.logger).With("renderer", r.id.String())

	r.registry = registry.New(registry.Config{
		CloseDelay:          o.closeDelay,
		DisableDelayedClose: o.disableDelayedClose,
		MemoryBudget:        o.memoryBudget,
		Now:                 o.now,
		Logger:              r.log,
	})
	r.timelines = timeline.New(r.log)
	r.monitor = health.NewMonitor(health.Config{
		Interval: o.healthInterval,
		Sink:     o.sink,
		Now:      o.now,
		Manual:   o.manualHealth,
		Logger:   r.log,
	})
	r.waiter = fencewait.New(fencewait.Config{
		Workers: o.fenceWaiters,
		Timeout: o.fenceTimeout,
		Monitor: r.monitor,
		Logger:  r.log,
	})
	disp := display.New(display.Config{
		PresentAttempts: o.surfaceRetries,
		RecreateRetries: o.surfaceRetries,
		Logger:          r.log,
	})

	if _, nop := o.sink.(metrics.Nop); !nop {
		sink, next := o.sink, fatal.CurrentHandler()
		r.restoreFatal = fatal.SetHandler(func(e *fatal.Error) {
			sink.LogMetricEvent(metrics.AbortEvent{
				Code:     e.Code.String(),
				File:     e.File,
				Function: e.Function,
				Line:     e.Line,
				Message:  e.Message,
			})
			next(e)
		})
	}

	s, err := compose.New(compose.Config{
		Registry:          r.registry,
		Backend:           backend,
		Display:           disp,
		Waiter:            r.waiter,
		Monitor:           r.monitor,
		Timelines:         r.timelines,
		MaxFramesInFlight: o.maxFramesInFlight,
		SkipIdentical:     o.skipIdentical,
		Logger:            r.log,
	})
	if err != nil {
		r.waiter.Close()
		r.monitor.Close()
		r.registry.Close()
		if r.restoreFatal != nil {
			r.restoreFatal()
		}
		return nil, err
	}
	r.scheduler = s

	if o.surface != nil {
		if err := r.bindSurfaceBackend(o.surface); err != nil {
			r.Close()
			return nil, err
		}
	}

	r.log.Info("vgpu: renderer started")
	return r, nil
}

func (r *Renderer) bindSurfaceBackend(c *surfaceChoice) error {
	var (
		surf display.Surface
		err  error
	)
	if c.backend == "" {
		surf, err = display.NewSurface(c.opts)
	} else {
		surf, err = display.NewSurfaceByName(c.backend, c.opts)
	}
	if err != nil {
		return fmt.Errorf("vgpu: surface: %w", err)
	}
	if err := r.scheduler.BindSurface(surf, c.opts.Width, c.opts.Height); err != nil {
		surf.Destroy()
		return fmt.Errorf("vgpu: bind surface: %w", err)
	}
	r.surfaceMu.Lock()
	r.surface = surf
	r.surfaceMu.Unlock()
	r.log.Info("vgpu: surface bound", "backend", c.backend, "width", c.opts.Width, "height", c.opts.Height)
	return nil
}

// ID returns the renderer instance ID. It tags every log record and
// snapshot of this renderer.
func (r *Renderer) ID() uuid.UUID { return r.id }

// Registry returns the handle registry.
func (r *Renderer) Registry() *registry.Registry { return r.registry }

// Timelines returns the timeline orderer.
func (r *Renderer) Timelines() *timeline.Timelines { return r.timelines }

// Monitor returns the health monitor.
func (r *Renderer) Monitor() *health.Monitor { return r.monitor }

// Waiter returns the fence waiter.
func (r *Renderer) Waiter() *fencewait.Waiter { return r.waiter }

// Scheduler returns the composition scheduler.
func (r *Renderer) Scheduler() *compose.Scheduler { return r.scheduler }

// Display returns the display posted buffers are presented on.
func (r *Renderer) Display() *display.Display { return r.scheduler.Display() }

// Surface returns the surface created by WithSurfaceBackend, or nil once
// it has been unbound.
func (r *Renderer) Surface() display.Surface {
	r.surfaceMu.Lock()
	defer r.surfaceMu.Unlock()
	return r.surface
}

// Compose queues a composition of layers into target.
func (r *Renderer) Compose(target registry.Handle, layers []compose.Layer) (*dispatch.Ticket, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	return r.scheduler.Compose(target, layers)
}

// ComposeOn queues a composition ordered on ring: fences enqueued on ring
// through Timelines afterwards fire only once it has finished on the GPU.
func (r *Renderer) ComposeOn(ring timeline.Ring, target registry.Handle, layers []compose.Layer) (*dispatch.Ticket, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	return r.scheduler.ComposeOn(ring, target, layers)
}

// Post queues presentation of color buffer h.
func (r *Renderer) Post(h registry.Handle) (*dispatch.Ticket, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	return r.scheduler.Post(h)
}

// Screenshot queues a readback of color buffer h into dst.
func (r *Renderer) Screenshot(h registry.Handle, dst *image.RGBA) (*dispatch.Ticket, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	return r.scheduler.Screenshot(h, dst)
}

// BindSurface makes surface the presentation target.
func (r *Renderer) BindSurface(surface display.Surface, width, height int) error {
	if r.closed.Load() {
		return ErrClosed
	}
	return r.scheduler.BindSurface(surface, width, height)
}

// UnbindSurface detaches the bound surface and returns it.
func (r *Renderer) UnbindSurface() (display.Surface, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	prev, err := r.scheduler.UnbindSurface()
	if err == nil && prev != nil {
		// The caller owns an unbound surface.
		r.surfaceMu.Lock()
		if r.surface == prev {
			r.surface = nil
		}
		r.surfaceMu.Unlock()
	}
	return prev, err
}

// CleanupProcess releases everything guest process pid still holds.
func (r *Renderer) CleanupProcess(pid registry.ProcessID) {
	r.registry.CleanupProcess(pid)
}

// Snapshot parks the compositor, saves every registry entry into sink and
// resumes. Extra blockers, such as guest render workers, are parked too.
func (r *Renderer) Snapshot(ctx context.Context, sink snapshot.Sink, blockers ...snapshot.Blocker) (snapshot.Session, error) {
	if r.closed.Load() {
		return snapshot.Session{}, ErrClosed
	}
	all := append([]snapshot.Blocker{r.scheduler}, blockers...)
	return snapshot.TakeWithLogger(ctx, r.log, r.registry, sink, all...)
}

// Close stops the scheduler after the commands already queued, drains the
// fence waiter and the health monitor, then destroys every registry entry.
// Close is safe to call multiple times.
func (r *Renderer) Close() {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.scheduler.Close()
		if surf := r.Surface(); surf != nil {
			surf.Destroy()
		}
		r.waiter.Close()
		r.monitor.Close()
		r.registry.Close()
		if r.restoreFatal != nil {
			r.restoreFatal()
		}
		r.log.Info("vgpu: renderer closed")
	})
}
