// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package vgpu

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gogpu/vgpu/compose"
	"github.com/gogpu/vgpu/display"
	"github.com/gogpu/vgpu/fatal"
	"github.com/gogpu/vgpu/gpu/soft"
	"github.com/gogpu/vgpu/metrics"
	"github.com/gogpu/vgpu/registry"
	"github.com/gogpu/vgpu/timeline"
)

const testPID registry.ProcessID = 7

func newTestRenderer(t *testing.T, opts ...Option) (*Renderer, *soft.Device) {
	t.Helper()
	dev := soft.NewDevice()
	r, err := New(dev, opts...)
	if err != nil {
		dev.Close()
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		r.Close()
		dev.Close()
	})
	return r, dev
}

func colorBuffer(t *testing.T, r *Renderer, dev *soft.Device, w, h int, c color.Color) (registry.Handle, *soft.Image) {
	t.Helper()
	img := dev.NewColorBuffer(w, h)
	if c != nil {
		img.Fill(c)
	}
	handle, err := r.Registry().CreateColorBuffer(testPID, img, registry.ColorBufferDesc{Width: w, Height: h})
	if err != nil {
		t.Fatal(err)
	}
	return handle, img
}

func waitDone(t *testing.T, h interface {
	WaitTimeout(time.Duration) (bool, error)
}) error {
	t.Helper()
	ok, err := h.WaitTimeout(2 * time.Second)
	if !ok {
		t.Fatal("timed out")
	}
	return err
}

// near reports whether a and b differ by at most 2 in every channel.
func near(a, b color.RGBA) bool {
	d := func(x, y uint8) bool { return max(x, y)-min(x, y) <= 2 }
	return d(a.R, b.R) && d(a.G, b.G) && d(a.B, b.B) && d(a.A, b.A)
}

// =============================================================================
// Construction
// =============================================================================

func TestNewNilBackend(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrNilBackend) {
		t.Errorf("New(nil) = %v, want ErrNilBackend", err)
	}
}

func TestRendererAccessors(t *testing.T) {
	r, _ := newTestRenderer(t)
	if r.ID() == uuid.Nil {
		t.Error("renderer has no ID")
	}
	if r.Registry() == nil || r.Timelines() == nil || r.Monitor() == nil ||
		r.Waiter() == nil || r.Scheduler() == nil || r.Display() == nil {
		t.Error("nil component")
	}
	other, _ := newTestRenderer(t)
	if other.ID() == r.ID() || other.Registry() == r.Registry() {
		t.Error("renderers share state")
	}
}

// =============================================================================
// End to end
// =============================================================================

func TestComposeEndToEnd(t *testing.T) {
	r, dev := newTestRenderer(t, WithMaxFramesInFlight(2))
	red := color.RGBA{R: 255, A: 255}
	blue := color.RGBA{B: 255, A: 255}

	target, _ := colorBuffer(t, r, dev, 8, 8, nil)
	left, _ := colorBuffer(t, r, dev, 2, 2, red)
	right, _ := colorBuffer(t, r, dev, 2, 2, blue)

	tk, err := r.Compose(target, []compose.Layer{
		{Source: left, Dst: image.Rect(0, 0, 4, 8)},
		{Source: right, Dst: image.Rect(4, 0, 8, 8)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := waitDone(t, tk.Done); err != nil {
		t.Fatalf("Done = %v", err)
	}
	if n, _ := r.Registry().RefCount(target); n != 1 {
		t.Errorf("target refcount = %d, want 1", n)
	}

	shot := image.NewRGBA(image.Rect(0, 0, 8, 8))
	st, _ := r.Screenshot(target, shot)
	if err := waitDone(t, st.Done); err != nil {
		t.Fatal(err)
	}
	if got := shot.RGBAAt(1, 4); !near(got, red) {
		t.Errorf("left pixel = %v, want red", got)
	}
	if got := shot.RGBAAt(6, 4); !near(got, blue) {
		t.Errorf("right pixel = %v, want blue", got)
	}
	if dev.Submitted() != 1 {
		t.Errorf("Submitted = %d, want 1", dev.Submitted())
	}
}

func TestConsecutiveCompositionsShareSource(t *testing.T) {
	r, dev := newTestRenderer(t)
	src, _ := colorBuffer(t, r, dev, 4, 4, color.RGBA{G: 255, A: 255})
	a, _ := colorBuffer(t, r, dev, 4, 4, nil)
	b, _ := colorBuffer(t, r, dev, 4, 4, nil)

	dev.Hold()
	ta, _ := r.Compose(a, []compose.Layer{{Source: src}})
	tb, _ := r.Compose(b, []compose.Layer{{Source: src}})
	waitDone(t, ta.Issued)
	waitDone(t, tb.Issued)
	dev.Resume()

	if err := waitDone(t, ta.Done); err != nil {
		t.Fatal(err)
	}
	if err := waitDone(t, tb.Done); err != nil {
		t.Fatal(err)
	}
	if got := r.Registry().Stats().Pinned; got != 0 {
		t.Errorf("Pinned = %d, want 0", got)
	}
}

func TestPostPresents(t *testing.T) {
	r, dev := newTestRenderer(t)
	h, _ := colorBuffer(t, r, dev, 4, 4, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	surface := display.NewOffscreen(display.Options{Width: 4, Height: 4})
	if err := r.BindSurface(surface, 4, 4); err != nil {
		t.Fatal(err)
	}
	tk, _ := r.Post(h)
	if err := waitDone(t, tk.Done); err != nil {
		t.Fatal(err)
	}
	if got := surface.Frame().RGBAAt(2, 2); got != (color.RGBA{R: 10, G: 20, B: 30, A: 255}) {
		t.Errorf("presented pixel = %v", got)
	}
	if prev, _ := r.UnbindSurface(); prev != display.Surface(surface) {
		t.Error("UnbindSurface returned a different surface")
	}
}

func TestCleanupProcess(t *testing.T) {
	r, dev := newTestRenderer(t, WithDelayedClose(false))
	_, img := colorBuffer(t, r, dev, 2, 2, nil)

	cleaned := false
	r.Registry().RegisterCleanup(testPID, "ctx", func() { cleaned = true })
	r.CleanupProcess(testPID)

	if !img.Destroyed() {
		t.Error("color buffer of the process not destroyed")
	}
	if !cleaned {
		t.Error("cleanup callback not run")
	}
}

func TestCleanupProcessForgetsComposedTargets(t *testing.T) {
	r, dev := newTestRenderer(t, WithDelayedClose(false))
	for range 5 {
		target, _ := colorBuffer(t, r, dev, 2, 2, nil)
		src, _ := colorBuffer(t, r, dev, 1, 1, color.RGBA{A: 255})
		tk, _ := r.Compose(target, []compose.Layer{{Source: src}})
		waitDone(t, tk.Issued)
		if err := waitDone(t, tk.Done); err != nil {
			t.Fatal(err)
		}
	}
	if got := r.Scheduler().Stats().Tracked; got != 5 {
		t.Fatalf("Tracked = %d, want 5", got)
	}

	r.CleanupProcess(testPID)
	if got := r.Scheduler().Stats().Tracked; got != 0 {
		t.Errorf("Tracked = %d after process cleanup, want 0", got)
	}
}

func TestComposeOnOrdersContextFence(t *testing.T) {
	r, dev := newTestRenderer(t)
	target, _ := colorBuffer(t, r, dev, 4, 4, nil)
	src, _ := colorBuffer(t, r, dev, 4, 4, color.RGBA{R: 255, A: 255})
	ring := timeline.ContextRing(1, 0)

	dev.Hold()
	tk, err := r.ComposeOn(ring, target, []compose.Layer{{Source: src}})
	if err != nil {
		t.Fatal(err)
	}
	fired := make(chan struct{})
	r.Timelines().EnqueueFence(ring, 1, func() { close(fired) })
	waitDone(t, tk.Issued)

	select {
	case <-fired:
		t.Fatal("fence fired while the frame was still on the GPU")
	case <-time.After(30 * time.Millisecond):
	}

	dev.Resume()
	if err := waitDone(t, tk.Done); err != nil {
		t.Fatal(err)
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("fence did not fire after the composition finished")
	}
}

func TestSurfaceBackend(t *testing.T) {
	r, dev := newTestRenderer(t, WithSurfaceBackend("offscreen", display.Options{Width: 4, Height: 4}))
	off, ok := r.Surface().(*display.Offscreen)
	if !ok {
		t.Fatalf("Surface() = %T, want *display.Offscreen", r.Surface())
	}
	if off.Configured() != 1 {
		t.Errorf("Configured = %d, want 1", off.Configured())
	}

	h, _ := colorBuffer(t, r, dev, 4, 4, color.RGBA{G: 200, A: 255})
	tk, _ := r.Post(h)
	if err := waitDone(t, tk.Done); err != nil {
		t.Fatal(err)
	}
	if off.Presented() != 1 {
		t.Errorf("Presented = %d, want 1", off.Presented())
	}

	r.Close()
	if !off.Destroyed() {
		t.Error("owned surface not destroyed on Close")
	}
}

func TestSurfaceBackendUnbindTransfersOwnership(t *testing.T) {
	r, _ := newTestRenderer(t, WithSurfaceBackend("", display.Options{Width: 2, Height: 2}))
	prev, err := r.UnbindSurface()
	if err != nil {
		t.Fatal(err)
	}
	if r.Surface() != nil {
		t.Error("unbound surface still owned by the renderer")
	}
	r.Close()
	if prev.(*display.Offscreen).Destroyed() {
		t.Error("renderer destroyed a surface it no longer owns")
	}
}

func TestSurfaceBackendUnknown(t *testing.T) {
	dev := soft.NewDevice()
	defer dev.Close()
	_, err := New(dev, WithSurfaceBackend("no-such-backend", display.Options{Width: 1, Height: 1}))
	var nf *display.BackendNotFoundError
	if !errors.As(err, &nf) || nf.Name != "no-such-backend" {
		t.Errorf("New = %v, want BackendNotFoundError", err)
	}
}

func TestSnapshot(t *testing.T) {
	r, dev := newTestRenderer(t)
	colorBuffer(t, r, dev, 2, 2, nil)
	colorBuffer(t, r, dev, 2, 2, nil)

	var saved int
	s, err := r.Snapshot(context.Background(), snapshotSink(func() { saved++ }))
	if err != nil {
		t.Fatal(err)
	}
	if s.Resources != 2 || saved != 2 {
		t.Errorf("Resources = %d, saved = %d; want 2, 2", s.Resources, saved)
	}
}

type snapshotSink func()

func (f snapshotSink) Save(registry.Kind, registry.Handle, registry.Resource) error {
	f()
	return nil
}

// =============================================================================
// Abort metrics and close
// =============================================================================

func TestAbortEmitsMetric(t *testing.T) {
	rec := &metrics.Recorder{}
	r, _ := newTestRenderer(t, WithMetrics(rec))

	err := fatal.Catch(func() { fatal.Abort(fatal.CodeDeviceLost, "fence lost") })
	if err == nil {
		t.Fatal("Abort did not panic")
	}
	events := rec.Events()
	if len(events) != 1 {
		t.Fatalf("%d events, want 1", len(events))
	}
	ae, ok := events[0].(metrics.AbortEvent)
	if !ok || ae.Code != fatal.CodeDeviceLost.String() || ae.Message != "fence lost" {
		t.Errorf("event = %+v", events[0])
	}

	r.Close()
	fatal.Catch(func() { fatal.Abort(fatal.CodeBackend, "after close") })
	if n := len(rec.Events()); n != 1 {
		t.Errorf("%d events after Close, want 1", n)
	}
}

func TestCloseIdempotent(t *testing.T) {
	r, dev := newTestRenderer(t)
	_, img := colorBuffer(t, r, dev, 2, 2, nil)

	r.Close()
	r.Close()
	if !img.Destroyed() {
		t.Error("registry entries not destroyed by Close")
	}
	if _, err := r.Compose(1, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Compose after Close = %v, want ErrClosed", err)
	}
	if err := r.BindSurface(display.NewOffscreen(display.Options{}), 1, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("BindSurface after Close = %v, want ErrClosed", err)
	}
}
