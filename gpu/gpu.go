// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package gpu defines the vocabulary shared by registry resources and the
// compositor backends: images, borrow usages and the barriers that hand an
// image from its owner to a compositor and back.
//
// Borrowing is a handshake, not a copy. The Acquire barrier moves the image
// into the usage the compositor needs; the Release barrier restores the
// usage and queue ownership it had before. Backends record both barriers
// for every borrowed image, whether or not the image ends up contributing
// to the composition.
package gpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
)

// Errors.
var (
	// ErrAlreadyBorrowed is returned when an image is borrowed again before
	// the previous borrow was released.
	ErrAlreadyBorrowed = errors.New("gpu: image already borrowed")

	// ErrNotBorrowed is returned when releasing an image that is not
	// borrowed.
	ErrNotBorrowed = errors.New("gpu: image not borrowed")

	// ErrDestroyed is returned when using an image after Destroy.
	ErrDestroyed = errors.New("gpu: image destroyed")
)

// Image is a GPU image a compositor can sample from or render into.
type Image interface {
	Width() int
	Height() int
	Format() gputypes.TextureFormat
}

// Usage names the role an image plays while borrowed.
type Usage uint8

const (
	// UsageSampled borrows an image as a composition layer source.
	UsageSampled Usage = iota + 1

	// UsageRenderTarget borrows an image as a composition target.
	UsageRenderTarget

	// UsagePresent borrows an image for presentation.
	UsagePresent
)

// String returns the usage name.
func (u Usage) String() string {
	switch u {
	case UsageSampled:
		return "sampled"
	case UsageRenderTarget:
		return "render-target"
	case UsagePresent:
		return "present"
	default:
		return fmt.Sprintf("usage(%d)", uint8(u))
	}
}

// TextureUsage returns the texture usage flag matching u.
func (u Usage) TextureUsage() gputypes.TextureUsage {
	switch u {
	case UsageRenderTarget:
		return gputypes.TextureUsageRenderAttachment
	case UsagePresent:
		return gputypes.TextureUsageCopySrc
	default:
		return gputypes.TextureUsageTextureBinding
	}
}

// Queue identifies the queue that owns an image. Two barriers with equal
// source and destination queues perform no ownership transfer.
type Queue uint8

const (
	// QueueGraphics is the queue guest rendering runs on.
	QueueGraphics Queue = iota

	// QueueCompositor is the queue composition and presentation run on.
	QueueCompositor

	// QueueExternal marks images owned outside the device, such as images
	// imported from another process.
	QueueExternal
)

// Barrier is one usage transition and ownership transfer of an image.
type Barrier struct {
	Image    Image
	OldUsage gputypes.TextureUsage
	NewUsage gputypes.TextureUsage
	SrcQueue Queue
	DstQueue Queue
}

// TransfersOwnership reports whether the barrier moves the image between
// queues.
func (b Barrier) TransfersOwnership() bool { return b.SrcQueue != b.DstQueue }

// Inverse returns the barrier undoing b.
func (b Barrier) Inverse() Barrier {
	return Barrier{
		Image:    b.Image,
		OldUsage: b.NewUsage,
		NewUsage: b.OldUsage,
		SrcQueue: b.DstQueue,
		DstQueue: b.SrcQueue,
	}
}

// Borrowed is an image lent to a compositor for one composition.
type Borrowed struct {
	Image   Image
	Usage   Usage
	Acquire Barrier
	Release Barrier

	release func()
}

// NewBorrowed builds a Borrowed whose Release barrier is the inverse of
// acquire. done runs when the compositor returns the image.
func NewBorrowed(img Image, usage Usage, acquire Barrier, done func()) *Borrowed {
	return &Borrowed{
		Image:   img,
		Usage:   usage,
		Acquire: acquire,
		Release: acquire.Inverse(),
		release: done,
	}
}

// Return hands the image back to its owner once the compositor's GPU work
// using it has been submitted with the Release barrier. Return is
// idempotent.
func (b *Borrowed) Return() {
	if b.release != nil {
		fn := b.release
		b.release = nil
		fn()
	}
}

// Borrower is implemented by resources that can lend their image to a
// compositor. The backend resource decides the barriers.
type Borrower interface {
	Borrow(usage Usage) (*Borrowed, error)
}

// BytesPerPixel returns the storage size of one texel of format, or 4 for
// formats it does not know.
func BytesPerPixel(format gputypes.TextureFormat) int {
	switch format {
	case gputypes.TextureFormatR8Unorm:
		return 1
	default:
		return 4
	}
}
