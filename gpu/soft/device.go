// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package soft is a CPU reference backend for the compositor.
//
// Color buffers are RGBA images in host memory. Frames record a
// composition and the device queue, a single goroutine, executes
// submissions in order with golang.org/x/image/draw: each layer's crop is
// mapped onto its destination by an affine transform, sampled bilinearly
// and blended with its alpha. It is slow and exact enough for tests and
// headless runs.
package soft

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/gogpu/vgpu/compose"
	"github.com/gogpu/vgpu/gpu"
)

// Errors.
var (
	// ErrDeviceClosed is returned when submitting after Close.
	ErrDeviceClosed = errors.New("soft: device closed")

	// ErrFrameBusy is returned when encoding into a frame whose previous
	// submission has not finished.
	ErrFrameBusy = errors.New("soft: frame still in flight")

	// ErrForeignImage is returned when a composition references an image
	// this backend did not create.
	ErrForeignImage = errors.New("soft: image not created by this backend")
)

// Device is the CPU compositor. It implements compose.Backend.
type Device struct {
	queue chan func()

	// hold gates the queue goroutine between submissions.
	hold sync.Mutex

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	submitted atomic.Uint64
	executed  atomic.Uint64
}

// NewDevice starts a device and its queue goroutine.
func NewDevice() *Device {
	d := &Device{
		queue: make(chan func(), 16),
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Device) run() {
	defer close(d.done)
	for job := range d.queue {
		d.hold.Lock()
		job()
		d.hold.Unlock()
		d.executed.Add(1)
	}
}

// NewColorBuffer returns a new color buffer for this device.
func (d *Device) NewColorBuffer(width, height int) *Image {
	return NewColorBuffer(width, height)
}

// Hold stalls the queue before its next submission until Resume.
func (d *Device) Hold() { d.hold.Lock() }

// Resume releases a Hold.
func (d *Device) Resume() { d.hold.Unlock() }

// Submitted returns the number of submissions.
func (d *Device) Submitted() uint64 { return d.submitted.Load() }

// Executed returns the number of submissions the queue has run.
func (d *Device) Executed() uint64 { return d.executed.Load() }

func (d *Device) submit(job func()) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDeviceClosed
	}
	d.submitted.Add(1)
	d.queue <- job
	return nil
}

// Close runs every pending submission and stops the queue.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
}

// NewFrame implements compose.Backend.
func (d *Device) NewFrame(index int) (compose.Frame, error) {
	return &Frame{dev: d, index: index}, nil
}

// draw is one recorded layer draw.
type draw struct {
	src   *Image
	crop  image.Rectangle
	dst   image.Rectangle
	s2d   f64.Aff3
	op    xdraw.Op
	alpha float32
	nrgba bool
}

// Frame is one frame slot of a Device.
type Frame struct {
	dev   *Device
	index int

	target   *Image
	draws    []draw
	barriers []gpu.Barrier

	// fence is closed when the last submission has executed.
	fence chan struct{}
}

// Index returns the slot index.
func (f *Frame) Index() int { return f.index }

// Barriers returns the barriers recorded by the last Encode: one acquire
// per borrowed image followed by one release per borrowed image.
func (f *Frame) Barriers() []gpu.Barrier { return f.barriers }

func (f *Frame) busy() bool {
	if f.fence == nil {
		return false
	}
	select {
	case <-f.fence:
		return false
	default:
		return true
	}
}

// Encode implements compose.Frame.
func (f *Frame) Encode(c *compose.Composition) error {
	if f.busy() {
		return ErrFrameBusy
	}
	target, ok := c.Target.Image.(*Image)
	if !ok {
		return fmt.Errorf("%w: target %T", ErrForeignImage, c.Target.Image)
	}
	f.target = target
	f.draws = f.draws[:0]
	f.barriers = f.barriers[:0]

	for _, b := range c.Borrowed {
		f.barriers = append(f.barriers, b.Acquire)
	}
	bounds := c.Bounds()
	for _, l := range c.Layers {
		src, ok := l.Image.Image.(*Image)
		if !ok {
			return fmt.Errorf("%w: source %T", ErrForeignImage, l.Image.Image)
		}
		crop := l.Crop
		if crop.Empty() {
			crop = src.rgba.Rect
		}
		crop = crop.Intersect(src.rgba.Rect)
		dst := l.Dst
		if dst.Empty() {
			dst = bounds
		}
		if crop.Empty() || dst.Empty() {
			continue
		}
		f.draws = append(f.draws, draw{
			src:   src,
			crop:  crop,
			dst:   dst,
			s2d:   layerTransform(crop, dst, l.Transform),
			op:    blendOp(l.Blend),
			alpha: l.EffectiveAlpha(),
			nrgba: l.Blend == compose.BlendCoverage,
		})
	}
	for _, b := range c.Borrowed {
		f.barriers = append(f.barriers, b.Release)
	}
	return nil
}

// Submit implements compose.Frame.
func (f *Frame) Submit() error {
	fence := make(chan struct{})
	target := f.target
	draws := append([]draw(nil), f.draws...)
	err := f.dev.submit(func() {
		defer close(fence)
		execute(target, draws)
	})
	if err != nil {
		return err
	}
	f.fence = fence
	return nil
}

// Wait implements compose.Frame.
func (f *Frame) Wait(timeout time.Duration) (bool, error) {
	if f.fence == nil {
		return true, nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-f.fence:
		return true, nil
	case <-t.C:
		return false, nil
	}
}

// Destroy implements compose.Frame.
func (f *Frame) Destroy() {
	f.target = nil
	f.draws = nil
}

func blendOp(b compose.Blend) xdraw.Op {
	if b == compose.BlendNone {
		return xdraw.Src
	}
	return xdraw.Over
}

// layerTransform maps the crop rectangle onto dst with orientation t.
// Source points are normalized to the unit square, oriented, then scaled
// into dst.
func layerTransform(crop, dst image.Rectangle, t compose.Transform) f64.Aff3 {
	// Orientation in unit coordinates: u' = m00 u + m01 v + m02,
	// v' = m10 u + m11 v + m12.
	var m [6]float64
	switch t {
	case compose.TransformFlipH:
		m = [6]float64{-1, 0, 1, 0, 1, 0}
	case compose.TransformFlipV:
		m = [6]float64{1, 0, 0, 0, -1, 1}
	case compose.TransformRot90:
		m = [6]float64{0, -1, 1, 1, 0, 0}
	case compose.TransformRot180:
		m = [6]float64{-1, 0, 1, 0, -1, 1}
	case compose.TransformRot270:
		m = [6]float64{0, 1, 0, -1, 0, 1}
	default:
		m = [6]float64{1, 0, 0, 0, 1, 0}
	}

	cx, cy := float64(crop.Min.X), float64(crop.Min.Y)
	cw, ch := float64(crop.Dx()), float64(crop.Dy())
	dx, dy := float64(dst.Min.X), float64(dst.Min.Y)
	dw, dh := float64(dst.Dx()), float64(dst.Dy())

	return f64.Aff3{
		dw * m[0] / cw, dw * m[1] / ch, dx + dw*(m[2]-m[0]*cx/cw-m[1]*cy/ch),
		dh * m[3] / cw, dh * m[4] / ch, dy + dh*(m[5]-m[3]*cx/cw-m[4]*cy/ch),
	}
}

// execute runs one composition on the queue goroutine: clear the target,
// then draw every layer in order.
func execute(target *Image, draws []draw) {
	if target == nil {
		return
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	if target.destroyed {
		return
	}
	clear(target.rgba.Pix)

	for _, d := range draws {
		d.src.mu.Lock()
		if !d.src.destroyed {
			var src image.Image = d.src.rgba
			if d.nrgba {
				src = &image.NRGBA{Pix: d.src.rgba.Pix, Stride: d.src.rgba.Stride, Rect: d.src.rgba.Rect}
			}
			var opts *xdraw.Options
			if d.alpha < 1 {
				opts = &xdraw.Options{SrcMask: image.NewUniform(color.Alpha16{A: uint16(d.alpha * 0xffff)})}
			}
			xdraw.BiLinear.Transform(target.rgba, d.s2d, src, d.crop, d.op, opts)
		}
		d.src.mu.Unlock()
	}
}
