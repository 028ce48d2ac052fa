// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package compose

import (
	"fmt"
	"image"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/vgpu/completion"
	"github.com/gogpu/vgpu/dispatch"
	"github.com/gogpu/vgpu/display"
	"github.com/gogpu/vgpu/fatal"
	"github.com/gogpu/vgpu/fencewait"
	"github.com/gogpu/vgpu/gpu"
	"github.com/gogpu/vgpu/health"
	"github.com/gogpu/vgpu/internal/logging"
	"github.com/gogpu/vgpu/registry"
	"github.com/gogpu/vgpu/timeline"
)

// DefaultMaxFramesInFlight is the default frame slot pool capacity.
const DefaultMaxFramesInFlight = 2

// Config configures a Scheduler.
type Config struct {
	// Registry resolves color buffer handles. Required.
	Registry *registry.Registry

	// Backend records and submits compositions. Required.
	Backend Backend

	// Display presents posted buffers. Defaults to a new unbound display.
	Display *display.Display

	// Waiter waits on frame fences. When nil the scheduler starts and
	// owns one.
	Waiter *fencewait.Waiter

	// Monitor, when set, watches every compositor command.
	Monitor *health.Monitor

	// Timelines orders ComposeOn tasks against fences. Defaults to a new
	// orderer.
	Timelines *timeline.Timelines

	// MaxFramesInFlight is the initial slot pool capacity. Defaults to
	// DefaultMaxFramesInFlight. Binding a surface raises it to the
	// swapchain image count plus one.
	MaxFramesInFlight int

	// SkipIdentical returns the previous completion for a composition that
	// repeats the last one on the same target.
	SkipIdentical bool

	// Logger overrides the shared vgpu logger.
	Logger *slog.Logger
}

// Stats counts scheduler activity.
type Stats struct {
	Composed       uint64
	Skipped        uint64
	Posted         uint64
	Screenshots    uint64
	UnknownSources uint64
	SlotsInFlight  int
	SlotCapacity   int

	// Tracked is the number of live targets with composition state.
	Tracked int
}

// request is the skip cache entry of one target.
type request struct {
	layers  []Layer
	sources []registry.ColorBuffer
}

func (r *request) equal(o *request) bool {
	return r != nil && o != nil &&
		slices.Equal(r.layers, o.layers) &&
		slices.Equal(r.sources, o.sources)
}

// Scheduler is the composition scheduler. All GPU work runs on its
// compositor worker; methods may be called from any goroutine.
type Scheduler struct {
	reg        *registry.Registry
	display    *display.Display
	waiter     *fencewait.Waiter
	ownsWaiter bool
	worker     *dispatch.Worker
	pool       *slotPool
	timelines  *timeline.Timelines
	skip       bool
	log        *slog.Logger
	unwatch    func()

	// Written by the worker goroutine; collected targets are dropped by
	// the registry's collect hook.
	mu      sync.Mutex
	latest  map[registry.Handle]*completion.Handle
	lastReq map[registry.Handle]*request

	composed       atomic.Uint64
	skipped        atomic.Uint64
	posted         atomic.Uint64
	screenshots    atomic.Uint64
	unknownSources atomic.Uint64
}

// New starts a scheduler and its compositor worker.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Registry == nil || cfg.Backend == nil {
		return nil, fmt.Errorf("%w: registry and backend are required", ErrInvalidConfig)
	}
	if cfg.MaxFramesInFlight <= 0 {
		cfg.MaxFramesInFlight = DefaultMaxFramesInFlight
	}
	if cfg.Display == nil {
		cfg.Display = display.New(display.Config{Logger: cfg.Logger})
	}
	if cfg.Timelines == nil {
		cfg.Timelines = timeline.New(cfg.Logger)
	}
	s := &Scheduler{
		reg:       cfg.Registry,
		display:   cfg.Display,
		waiter:    cfg.Waiter,
		pool:      newSlotPool(cfg.Backend, cfg.MaxFramesInFlight),
		timelines: cfg.Timelines,
		skip:      cfg.SkipIdentical,
		log:       cfg.Logger,
		latest:    make(map[registry.Handle]*completion.Handle),
		lastReq:   make(map[registry.Handle]*request),
	}
	s.unwatch = s.reg.OnCollect(s.forget)
	if s.waiter == nil {
		s.waiter = fencewait.New(fencewait.Config{Monitor: cfg.Monitor, Logger: cfg.Logger})
		s.ownsWaiter = true
	}
	s.worker = dispatch.New("compositor", dispatch.Config{Monitor: cfg.Monitor, Logger: cfg.Logger})
	return s, nil
}

func (s *Scheduler) logger() *slog.Logger { return logging.Or(s.log) }

// Worker returns the compositor worker.
func (s *Scheduler) Worker() *dispatch.Worker { return s.worker }

// Display returns the display posted buffers are presented on.
func (s *Scheduler) Display() *display.Display { return s.display }

// Timelines returns the orderer ComposeOn tasks are queued on.
func (s *Scheduler) Timelines() *timeline.Timelines { return s.timelines }

// Compose queues a composition of layers into target. The ticket's Done
// handle resolves once the GPU has finished, or fails with
// ErrUnknownTarget.
func (s *Scheduler) Compose(target registry.Handle, layers []Layer) (*dispatch.Ticket, error) {
	layers = slices.Clone(layers)
	return s.worker.Enqueue(dispatch.Command{
		Op:   dispatch.OpCompose,
		Name: fmt.Sprintf("target-%d", target),
		Run:  func() *completion.Handle { return s.compose(target, layers) },
	})
}

// ComposeOn is Compose ordered on ring. A task is queued on ring before
// the command is enqueued and completes when the ticket's Done handle
// resolves, so a fence enqueued on ring afterwards fires only once the
// composition's GPU work has finished.
func (s *Scheduler) ComposeOn(ring timeline.Ring, target registry.Handle, layers []Layer) (*dispatch.Ticket, error) {
	id := s.timelines.EnqueueTask(ring)
	layers = slices.Clone(layers)
	tk, err := s.worker.Enqueue(dispatch.Command{
		Op:   dispatch.OpCompose,
		Name: fmt.Sprintf("target-%d", target),
		Run: func() *completion.Handle {
			done := s.compose(target, layers)
			done.OnDone(func(error) { s.timelines.NotifyTaskCompletion(id) })
			return done
		},
	})
	if err != nil {
		s.timelines.NotifyTaskCompletion(id)
		return nil, err
	}
	return tk, nil
}

func (s *Scheduler) compose(target registry.Handle, layers []Layer) *completion.Handle {
	log := s.logger()
	timeout := s.waiter.Timeout()

	if prev := s.latestFor(target); prev != nil && !prev.Ready() {
		log.Warn("compose: last composition on target has not completed", "target", target)
		fencewait.Wait(fencewait.WaitFunc(prev.WaitTimeout), timeout, log)
	}

	targetPin, ok := s.reg.Pin(target)
	if !ok {
		log.Warn("compose: unknown target", "target", target)
		return completion.Failed(fmt.Errorf("compose: target %d: %w", target, ErrUnknownTarget))
	}
	pins := []*registry.Pin{targetPin}
	releasePins := func() {
		for _, p := range pins {
			p.Release()
		}
	}

	// Resolve sources before borrowing, so the skip check sees exactly
	// what would be drawn.
	type source struct {
		layer Layer
		pin   *registry.Pin
	}
	var sources []source
	pinned := map[registry.Handle]*registry.Pin{target: targetPin}
	req := &request{layers: layers}
	for _, l := range layers {
		if l.Source == 0 {
			continue
		}
		if l.Source == target {
			log.Warn("compose: layer samples its own target, skipped", "target", target)
			continue
		}
		p, ok := pinned[l.Source]
		if !ok {
			p, ok = s.reg.Pin(l.Source)
			if !ok {
				s.unknownSources.Add(1)
				log.Warn("compose: unknown layer source, skipped", "target", target, "source", l.Source)
				continue
			}
			pinned[l.Source] = p
			pins = append(pins, p)
		}
		sources = append(sources, source{layer: l, pin: p})
		req.sources = append(req.sources, p.Buffer)
	}

	if s.skip {
		s.mu.Lock()
		prev, last := s.latest[target], s.lastReq[target]
		s.mu.Unlock()
		if prev != nil && req.equal(last) {
			releasePins()
			s.skipped.Add(1)
			log.Debug("compose: identical composition skipped", "target", target)
			return prev
		}
	}

	comp := &Composition{Target: borrow(targetPin, gpu.UsageRenderTarget)}
	comp.Borrowed = append(comp.Borrowed, comp.Target)
	borrowed := map[registry.Handle]*gpu.Borrowed{}
	for _, src := range sources {
		b, ok := borrowed[src.pin.Handle]
		if !ok {
			b = borrow(src.pin, gpu.UsageSampled)
			borrowed[src.pin.Handle] = b
			comp.Borrowed = append(comp.Borrowed, b)
		}
		comp.Layers = append(comp.Layers, BoundLayer{Layer: src.layer, Image: b})
	}

	sl := s.pool.acquire(timeout)
	if err := sl.frame.Encode(comp); err != nil {
		fatal.Abortf(fatal.CodeBackend, "compose: encode into slot %d: %v", sl.index, err)
	}
	if err := sl.frame.Submit(); err != nil {
		fatal.Abortf(fatal.CodeBackend, "compose: submit slot %d: %v", sl.index, err)
	}
	for _, b := range comp.Borrowed {
		b.Return()
	}

	done, resolve := completion.New()
	err := s.waiter.Watch(uint64(target), sl.frame, func() {
		releasePins()
		s.pool.release(sl)
		resolve(nil)
	})
	if err != nil {
		fatal.Abortf(fatal.CodeInvariant, "compose: fence waiter: %v", err)
	}

	s.remember(target, done, req)
	s.composed.Add(1)
	log.Debug("compose: submitted", "target", target, "layers", len(comp.Layers), "slot", sl.index)
	return done
}

// borrow lends the pinned buffer for usage. The buffer is pinned, so a
// failing borrow means its owner broke the borrow protocol.
func borrow(p *registry.Pin, usage gpu.Usage) *gpu.Borrowed {
	b, err := p.Buffer.Borrow(usage)
	if err != nil {
		fatal.Abortf(fatal.CodeInvariant, "compose: borrow color buffer %d as %s: %v", p.Handle, usage, err)
	}
	return b
}

func (s *Scheduler) latestFor(h registry.Handle) *completion.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest[h]
}

// remember records done as the latest composition into target. A target
// or source collected while the composition was being recorded is
// forgotten again; its collect notification may already have run.
func (s *Scheduler) remember(target registry.Handle, done *completion.Handle, req *request) {
	s.mu.Lock()
	s.latest[target] = done
	if s.skip {
		s.lastReq[target] = req
	}
	s.mu.Unlock()
	if _, ok := s.reg.ColorBuffer(target); !ok {
		s.forget(target)
	}
	if s.skip {
		for _, l := range req.layers {
			if _, ok := s.reg.ColorBuffer(l.Source); l.Source != 0 && !ok {
				s.forget(l.Source)
			}
		}
	}
}

// forget drops the composition state of a collected color buffer, and
// every cached request that sampled it.
func (s *Scheduler) forget(h registry.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, h)
	delete(s.lastReq, h)
	for target, req := range s.lastReq {
		if slices.ContainsFunc(req.layers, func(l Layer) bool { return l.Source == h }) {
			delete(s.lastReq, target)
		}
	}
}

// waitLatest waits for the last composition into h, if any.
func (s *Scheduler) waitLatest(h registry.Handle) {
	if prev := s.latestFor(h); prev != nil && !prev.Ready() {
		fencewait.Wait(fencewait.WaitFunc(prev.WaitTimeout), s.waiter.Timeout(), s.logger())
	}
}

// Post queues presentation of color buffer h on the bound display. Without
// a bound surface the post completes without presenting.
func (s *Scheduler) Post(h registry.Handle) (*dispatch.Ticket, error) {
	return s.worker.Enqueue(dispatch.Command{
		Op:   dispatch.OpPost,
		Name: fmt.Sprintf("colorbuffer-%d", h),
		Run: func() *completion.Handle {
			s.waitLatest(h)
			pin, ok := s.reg.Pin(h)
			if !ok {
				s.logger().Warn("compose: post of unknown color buffer", "handle", h)
				return completion.Failed(fmt.Errorf("compose: post %d: %w", h, ErrUnknownColorBuffer))
			}
			defer pin.Release()
			b := borrow(pin, gpu.UsagePresent)
			s.display.Post(b.Image)
			b.Return()
			s.posted.Add(1)
			return nil
		},
	})
}

// Viewport queues a display resize.
func (s *Scheduler) Viewport(width, height int) (*dispatch.Ticket, error) {
	return s.worker.Enqueue(dispatch.Command{
		Op: dispatch.OpViewport,
		Run: func() *completion.Handle {
			s.display.Resize(width, height)
			return nil
		},
	})
}

// Clear queues presentation of a cleared frame.
func (s *Scheduler) Clear() (*dispatch.Ticket, error) {
	return s.worker.Enqueue(dispatch.Command{
		Op: dispatch.OpClear,
		Run: func() *completion.Handle {
			w, h := s.display.Size()
			s.display.Post(clearImage{width: w, height: h})
			return nil
		},
	})
}

// Screenshot queues a readback of color buffer h into dst. The region
// read is the intersection of dst's size and the buffer's.
func (s *Scheduler) Screenshot(h registry.Handle, dst *image.RGBA) (*dispatch.Ticket, error) {
	return s.worker.Enqueue(dispatch.Command{
		Op:   dispatch.OpScreenshot,
		Name: fmt.Sprintf("colorbuffer-%d", h),
		Run: func() *completion.Handle {
			s.waitLatest(h)
			pin, ok := s.reg.Pin(h)
			if !ok {
				s.logger().Warn("compose: screenshot of unknown color buffer", "handle", h)
				return completion.Failed(fmt.Errorf("compose: screenshot %d: %w", h, ErrUnknownColorBuffer))
			}
			defer pin.Release()
			pr, ok := pin.Buffer.(registry.PixelReader)
			img, isImage := pin.Buffer.(gpu.Image)
			if !ok || !isImage {
				return completion.Failed(fmt.Errorf("compose: screenshot %d: %w", h, ErrNotReadable))
			}
			b := dst.Bounds()
			w, hh := min(b.Dx(), img.Width()), min(b.Dy(), img.Height())
			buf := make([]byte, w*hh*4)
			if err := pr.ReadPixels(0, 0, w, hh, buf); err != nil {
				return completion.Failed(fmt.Errorf("compose: screenshot %d: %w", h, err))
			}
			for y := range hh {
				off := dst.PixOffset(b.Min.X, b.Min.Y+y)
				copy(dst.Pix[off:off+w*4], buf[y*w*4:(y+1)*w*4])
			}
			s.screenshots.Add(1)
			return nil
		},
	})
}

// Block parks the compositor worker until cont is closed. The returned
// handle resolves once every command queued before it has run.
func (s *Scheduler) Block(cont <-chan struct{}) (*completion.Handle, error) {
	return s.worker.Block(cont)
}

// quiesce runs fn on the caller's goroutine while the worker is parked.
func (s *Scheduler) quiesce(fn func()) error {
	cont := make(chan struct{})
	scheduled, err := s.worker.Block(cont)
	if err != nil {
		return err
	}
	defer close(cont)
	<-scheduled.Done()
	fn()
	return nil
}

// BindSurface makes surface the presentation target at the given size.
// The swap happens while the worker is parked, so no command in flight
// sees a half-bound display. The slot pool grows to the swapchain image
// count plus one.
func (s *Scheduler) BindSurface(surface display.Surface, width, height int) error {
	return s.quiesce(func() {
		n := s.display.Bind(surface, width, height)
		s.pool.grow(n + 1)
	})
}

// UnbindSurface detaches the bound surface and returns it.
func (s *Scheduler) UnbindSurface() (display.Surface, error) {
	var prev display.Surface
	err := s.quiesce(func() { prev = s.display.Unbind() })
	return prev, err
}

// Stats returns scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	tracked := len(s.latest)
	s.mu.Unlock()
	return Stats{
		Composed:       s.composed.Load(),
		Skipped:        s.skipped.Load(),
		Posted:         s.posted.Load(),
		Screenshots:    s.screenshots.Load(),
		UnknownSources: s.unknownSources.Load(),
		SlotsInFlight:  s.pool.current(),
		SlotCapacity:   s.pool.capacity(),
		Tracked:        tracked,
	}
}

// Close stops the worker after the commands already queued, waits for
// every in-flight frame and destroys the frame slots.
func (s *Scheduler) Close() {
	s.worker.Exit()
	s.unwatch()
	if s.ownsWaiter {
		s.waiter.Close()
	}
	if !s.pool.waitIdle(2 * s.waiter.Timeout()) {
		fatal.Abort(fatal.CodeDeviceLost, "compose: frames still in flight at close")
	}
	s.pool.destroy()
}

// clearImage is a transparent image of the display size.
type clearImage struct {
	width, height int
}

func (c clearImage) Width() int                     { return c.width }
func (c clearImage) Height() int                    { return c.height }
func (c clearImage) Format() gputypes.TextureFormat { return gputypes.TextureFormatRGBA8Unorm }

func (c clearImage) ReadPixels(x, y, width, height int, dst []byte) error {
	clear(dst)
	return nil
}
