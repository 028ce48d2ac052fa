// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package display

import (
	"errors"
	"image"
	"sync"

	"github.com/gogpu/vgpu/gpu"
)

// DefaultImageCount is the swapchain image count of an Offscreen surface.
const DefaultImageCount = 3

// ErrInjected is the error returned by injected Configure failures.
var ErrInjected = errors.New("display: injected failure")

// Offscreen is a Surface that presents into an in-memory RGBA image. It is
// the surface of headless runs and tests; faults can be injected to
// exercise the recreate paths.
type Offscreen struct {
	mu         sync.Mutex
	imageCount int
	label      string
	frame      *image.RGBA
	presented  int
	configured int
	destroyed  bool

	// Fault injection.
	failConfigure int
	statuses      []Status
}

// NewOffscreen returns an offscreen surface of the given options.
func NewOffscreen(opts Options) *Offscreen {
	if opts.ImageCount <= 0 {
		opts.ImageCount = DefaultImageCount
	}
	return &Offscreen{
		imageCount: opts.ImageCount,
		label:      opts.Label,
		frame:      image.NewRGBA(image.Rect(0, 0, max(opts.Width, 1), max(opts.Height, 1))),
	}
}

// Configure implements Surface.
func (o *Offscreen) Configure(width, height int) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.failConfigure > 0 {
		o.failConfigure--
		return 0, ErrInjected
	}
	if b := o.frame.Bounds(); b.Dx() != width || b.Dy() != height {
		o.frame = image.NewRGBA(image.Rect(0, 0, max(width, 1), max(height, 1)))
	}
	o.configured++
	return o.imageCount, nil
}

// Present implements Surface. The image is copied when it implements
// PixelReader; otherwise only the presentation is counted.
func (o *Offscreen) Present(img gpu.Image) (Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := StatusOK
	if len(o.statuses) > 0 {
		status = o.statuses[0]
		o.statuses = o.statuses[1:]
	}
	if status == StatusOutOfDate {
		return status, nil
	}
	if err := o.copyFrom(img); err != nil {
		return StatusOK, err
	}
	o.presented++
	return status, nil
}

func (o *Offscreen) copyFrom(img gpu.Image) error {
	pr, ok := img.(PixelReader)
	if !ok {
		return nil
	}
	b := o.frame.Bounds()
	w, h := min(b.Dx(), img.Width()), min(b.Dy(), img.Height())
	if w <= 0 || h <= 0 {
		return nil
	}
	buf := make([]byte, w*h*4)
	if err := pr.ReadPixels(0, 0, w, h, buf); err != nil {
		return err
	}
	for y := range h {
		copy(o.frame.Pix[y*o.frame.Stride:y*o.frame.Stride+w*4], buf[y*w*4:(y+1)*w*4])
	}
	return nil
}

// Destroy implements Surface.
func (o *Offscreen) Destroy() {
	o.mu.Lock()
	o.destroyed = true
	o.mu.Unlock()
}

// FailConfigure makes the next n Configure calls fail.
func (o *Offscreen) FailConfigure(n int) {
	o.mu.Lock()
	o.failConfigure = n
	o.mu.Unlock()
}

// InjectStatus queues statuses returned by the next presentations.
func (o *Offscreen) InjectStatus(statuses ...Status) {
	o.mu.Lock()
	o.statuses = append(o.statuses, statuses...)
	o.mu.Unlock()
}

// Frame returns a copy of the last presented frame.
func (o *Offscreen) Frame() *image.RGBA {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := image.NewRGBA(o.frame.Bounds())
	copy(cp.Pix, o.frame.Pix)
	return cp
}

// Presented returns the number of successful presentations.
func (o *Offscreen) Presented() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.presented
}

// Configured returns the number of successful configurations.
func (o *Offscreen) Configured() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.configured
}

// Destroyed reports whether Destroy was called.
func (o *Offscreen) Destroyed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.destroyed
}
