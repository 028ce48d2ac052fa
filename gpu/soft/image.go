// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package soft

import (
	"errors"
	"image"
	"image/color"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/vgpu/gpu"
)

// ErrOutOfBounds is returned for pixel rectangles outside the image.
var ErrOutOfBounds = errors.New("soft: rectangle out of bounds")

// restingUsage is the usage an Image has while its owner holds it.
const restingUsage = gputypes.TextureUsageTextureBinding

// Image is a CPU color buffer backed by an *image.RGBA with premultiplied
// pixels. It implements registry.ColorBuffer, registry.PixelReader and
// registry.PixelWriter.
type Image struct {
	mu        sync.Mutex
	rgba      *image.RGBA
	borrowed  gpu.Usage
	borrows   uint64
	destroyed bool
}

// NewColorBuffer returns a transparent width×height image.
func NewColorBuffer(width, height int) *Image {
	return &Image{rgba: image.NewRGBA(image.Rect(0, 0, max(width, 1), max(height, 1)))}
}

// Width returns the image width.
func (i *Image) Width() int { return i.rgba.Rect.Dx() }

// Height returns the image height.
func (i *Image) Height() int { return i.rgba.Rect.Dy() }

// Format returns gputypes.TextureFormatRGBA8Unorm.
func (i *Image) Format() gputypes.TextureFormat { return gputypes.TextureFormatRGBA8Unorm }

// Borrow lends the image to a compositor. An image is lent to one borrower
// at a time.
func (i *Image) Borrow(usage gpu.Usage) (*gpu.Borrowed, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.destroyed {
		return nil, gpu.ErrDestroyed
	}
	if i.borrowed != 0 {
		return nil, gpu.ErrAlreadyBorrowed
	}
	i.borrowed = usage
	i.borrows++
	acquire := gpu.Barrier{
		Image:    i,
		OldUsage: restingUsage,
		NewUsage: usage.TextureUsage(),
		SrcQueue: gpu.QueueGraphics,
		DstQueue: gpu.QueueCompositor,
	}
	return gpu.NewBorrowed(i, usage, acquire, i.giveBack), nil
}

func (i *Image) giveBack() {
	i.mu.Lock()
	i.borrowed = 0
	i.mu.Unlock()
}

// BorrowedAs returns the usage of the current borrow, zero when the owner
// holds the image.
func (i *Image) BorrowedAs() gpu.Usage {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.borrowed
}

// Borrows returns the total number of borrows.
func (i *Image) Borrows() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.borrows
}

func (i *Image) rect(x, y, width, height, n int) (image.Rectangle, error) {
	r := image.Rect(x, y, x+width, y+height)
	if width < 0 || height < 0 || !r.In(i.rgba.Rect) {
		return r, ErrOutOfBounds
	}
	if n < width*height*4 {
		return r, errors.New("soft: pixel buffer too small")
	}
	return r, nil
}

// ReadPixels copies a rectangle into dst as tightly packed RGBA rows.
func (i *Image) ReadPixels(x, y, width, height int, dst []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.destroyed {
		return gpu.ErrDestroyed
	}
	r, err := i.rect(x, y, width, height, len(dst))
	if err != nil {
		return err
	}
	row := width * 4
	for yy := r.Min.Y; yy < r.Max.Y; yy++ {
		off := i.rgba.PixOffset(r.Min.X, yy)
		copy(dst[(yy-r.Min.Y)*row:], i.rgba.Pix[off:off+row])
	}
	return nil
}

// UpdatePixels replaces a rectangle with tightly packed RGBA rows.
func (i *Image) UpdatePixels(x, y, width, height int, src []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.destroyed {
		return gpu.ErrDestroyed
	}
	r, err := i.rect(x, y, width, height, len(src))
	if err != nil {
		return err
	}
	row := width * 4
	for yy := r.Min.Y; yy < r.Max.Y; yy++ {
		off := i.rgba.PixOffset(r.Min.X, yy)
		copy(i.rgba.Pix[off:off+row], src[(yy-r.Min.Y)*row:])
	}
	return nil
}

// Fill sets every pixel to c.
func (i *Image) Fill(c color.Color) {
	i.mu.Lock()
	defer i.mu.Unlock()

	rgba := color.RGBAModel.Convert(c).(color.RGBA)
	px := []byte{rgba.R, rgba.G, rgba.B, rgba.A}
	for off := 0; off < len(i.rgba.Pix); off += 4 {
		copy(i.rgba.Pix[off:off+4], px)
	}
}

// Snapshot returns a copy of the pixels.
func (i *Image) Snapshot() *image.RGBA {
	i.mu.Lock()
	defer i.mu.Unlock()

	cp := image.NewRGBA(i.rgba.Rect)
	copy(cp.Pix, i.rgba.Pix)
	return cp
}

// Destroy releases the image. Later borrows and pixel access fail with
// gpu.ErrDestroyed.
func (i *Image) Destroy() {
	i.mu.Lock()
	i.destroyed = true
	i.mu.Unlock()
}

// Destroyed reports whether Destroy was called.
func (i *Image) Destroyed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.destroyed
}
