// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package compose schedules compositions and presentation on a dedicated
// compositor worker.
//
// A composition draws a list of layers, each a color buffer with geometry,
// blend mode and alpha, into a target color buffer. The Scheduler borrows
// the images from their owners for the duration of the GPU work, records
// the work into a frame slot from a bounded pool, submits it, and hands the
// fence to the fence-wait service. The caller gets a ticket whose Done
// handle resolves when the GPU has finished.
//
// Backends implement Backend and Frame; see gpu/soft and gpu/halgpu.
package compose

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/gogpu/vgpu/gpu"
	"github.com/gogpu/vgpu/registry"
)

// Errors.
var (
	// ErrUnknownTarget is returned through the ticket when the composition
	// target is not a live color buffer.
	ErrUnknownTarget = errors.New("compose: unknown target")

	// ErrUnknownColorBuffer is returned through the ticket when a post or
	// screenshot names a color buffer that is not live.
	ErrUnknownColorBuffer = errors.New("compose: unknown color buffer")

	// ErrNotReadable is returned when a screenshot source cannot be read
	// back.
	ErrNotReadable = errors.New("compose: color buffer not readable")

	// ErrInvalidConfig is returned by New for a missing registry or backend.
	ErrInvalidConfig = errors.New("compose: invalid config")
)

// Blend is the blend mode of a layer.
type Blend uint8

const (
	// BlendNone replaces the destination.
	BlendNone Blend = iota

	// BlendPremultiplied composites premultiplied source over destination.
	BlendPremultiplied

	// BlendCoverage composites non-premultiplied source over destination.
	BlendCoverage
)

// String returns the blend mode name.
func (b Blend) String() string {
	switch b {
	case BlendNone:
		return "none"
	case BlendPremultiplied:
		return "premultiplied"
	case BlendCoverage:
		return "coverage"
	default:
		return fmt.Sprintf("blend(%d)", uint8(b))
	}
}

// Transform is the orientation applied to a layer source.
type Transform uint8

const (
	TransformNone Transform = iota
	TransformFlipH
	TransformFlipV
	TransformRot90
	TransformRot180
	TransformRot270
)

// Layer is one source of a composition.
type Layer struct {
	// Source is the color buffer to draw. Zero marks an empty layer that
	// contributes nothing.
	Source registry.Handle

	// Crop selects the source region. The zero rectangle selects the
	// whole source.
	Crop image.Rectangle

	// Dst is the target region the crop is scaled into. The zero
	// rectangle covers the whole target.
	Dst image.Rectangle

	Blend Blend

	// Alpha multiplies the source. Values outside (0, 1] are treated as 1.
	Alpha float32

	Transform Transform
}

// EffectiveAlpha returns the alpha the layer is drawn with.
func (l Layer) EffectiveAlpha() float32 {
	if l.Alpha <= 0 || l.Alpha > 1 {
		return 1
	}
	return l.Alpha
}

// BoundLayer is a layer whose source has been borrowed.
type BoundLayer struct {
	Layer
	Image *gpu.Borrowed
}

// Composition is one recorded composition handed to a Frame.
type Composition struct {
	// Target is the borrowed target image.
	Target *gpu.Borrowed

	// Layers are the layers to draw, in order, empty and unknown sources
	// already removed.
	Layers []BoundLayer

	// Borrowed lists every borrowed image once, target first. Frames
	// record an acquire and a release barrier for each of them.
	Borrowed []*gpu.Borrowed
}

// Bounds returns the target rectangle.
func (c *Composition) Bounds() image.Rectangle {
	return image.Rect(0, 0, c.Target.Image.Width(), c.Target.Image.Height())
}

// Backend creates frame slot resources.
type Backend interface {
	// NewFrame creates the resources of frame slot index: a command
	// recorder, a fence and whatever else one in-flight composition needs.
	NewFrame(index int) (Frame, error)
}

// Frame is the per-slot recording state of one in-flight composition.
// Frames are reused: Encode starts a new recording after the previous
// submission has completed.
type Frame interface {
	// Encode records c.
	Encode(c *Composition) error

	// Submit submits the recording and arms the fence.
	Submit() error

	// Wait blocks until the submitted work finishes or timeout elapses,
	// reporting false on timeout.
	Wait(timeout time.Duration) (bool, error)

	// Destroy releases the frame resources.
	Destroy()
}
