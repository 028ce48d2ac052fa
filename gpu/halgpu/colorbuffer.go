// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build !nogpu

package halgpu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/vgpu/gpu"
)

// ErrOutOfBounds is returned for pixel rectangles outside the buffer.
var ErrOutOfBounds = errors.New("halgpu: rectangle out of bounds")

// restingUsage is the usage a color buffer has while its owner holds it.
const restingUsage = gputypes.TextureUsageTextureBinding

// ColorBuffer is a hal texture with a view. It implements
// registry.ColorBuffer, registry.PixelReader and registry.PixelWriter.
type ColorBuffer struct {
	dev    *Device
	tex    hal.Texture
	view   hal.TextureView
	width  int
	height int
	format gputypes.TextureFormat

	mu        sync.Mutex
	borrowed  gpu.Usage
	destroyed bool
}

// Width returns the buffer width.
func (c *ColorBuffer) Width() int { return c.width }

// Height returns the buffer height.
func (c *ColorBuffer) Height() int { return c.height }

// Format returns the texture format.
func (c *ColorBuffer) Format() gputypes.TextureFormat { return c.format }

// Texture returns the hal texture.
func (c *ColorBuffer) Texture() hal.Texture { return c.tex }

// View returns the hal texture view.
func (c *ColorBuffer) View() hal.TextureView { return c.view }

// Borrow lends the buffer to a compositor, one borrower at a time.
func (c *ColorBuffer) Borrow(usage gpu.Usage) (*gpu.Borrowed, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return nil, gpu.ErrDestroyed
	}
	if c.borrowed != 0 {
		return nil, gpu.ErrAlreadyBorrowed
	}
	c.borrowed = usage
	acquire := gpu.Barrier{
		Image:    c,
		OldUsage: restingUsage,
		NewUsage: usage.TextureUsage(),
		SrcQueue: gpu.QueueGraphics,
		DstQueue: gpu.QueueCompositor,
	}
	return gpu.NewBorrowed(c, usage, acquire, func() {
		c.mu.Lock()
		c.borrowed = 0
		c.mu.Unlock()
	}), nil
}

// BorrowedAs returns the usage of the current borrow, zero when the owner
// holds the buffer.
func (c *ColorBuffer) BorrowedAs() gpu.Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.borrowed
}

func (c *ColorBuffer) checkRect(x, y, width, height, n int) error {
	if x < 0 || y < 0 || width <= 0 || height <= 0 || x+width > c.width || y+height > c.height {
		return fmt.Errorf("%w: %d,%d %dx%d in %dx%d", ErrOutOfBounds, x, y, width, height, c.width, c.height)
	}
	if n < width*height*gpu.BytesPerPixel(c.format) {
		return fmt.Errorf("halgpu: buffer of %d bytes too small for %dx%d", n, width, height)
	}
	return nil
}

// UpdatePixels uploads tightly packed rows into the rectangle through the
// queue.
func (c *ColorBuffer) UpdatePixels(x, y, width, height int, src []byte) error {
	if err := c.checkRect(x, y, width, height, len(src)); err != nil {
		return err
	}
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return gpu.ErrDestroyed
	}

	bpp := gpu.BytesPerPixel(c.format)
	c.dev.queueMu.Lock()
	defer c.dev.queueMu.Unlock()
	c.dev.queue.WriteTexture(
		&hal.ImageCopyTexture{
			Texture:  c.tex,
			MipLevel: 0,
			Origin:   hal.Origin3D{X: uint32(x), Y: uint32(y), Z: 0},
		},
		src[:width*height*bpp],
		&hal.ImageDataLayout{
			Offset:       0,
			BytesPerRow:  uint32(width * bpp),
			RowsPerImage: uint32(height),
		},
		&hal.Extent3D{Width: uint32(width), Height: uint32(height), DepthOrArrayLayers: 1},
	)
	return nil
}

// ReadPixels copies the rectangle into a staging buffer, waits for the
// copy and strips the row padding into dst.
func (c *ColorBuffer) ReadPixels(x, y, width, height int, dst []byte) error {
	if err := c.checkRect(x, y, width, height, len(dst)); err != nil {
		return err
	}
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return gpu.ErrDestroyed
	}

	d := c.dev.device
	bytesPerRow := uint32(width * gpu.BytesPerPixel(c.format))
	alignedBytesPerRow := (bytesPerRow + copyPitchAlignment - 1) &^ (copyPitchAlignment - 1)
	stagingSize := uint64(alignedBytesPerRow) * uint64(height)

	staging, err := d.CreateBuffer(&hal.BufferDescriptor{
		Label: "vgpu_readback_staging",
		Size:  stagingSize,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create staging buffer: %w", err)
	}
	defer d.DestroyBuffer(staging)

	encoder, err := d.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "vgpu_readback"})
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("vgpu_readback"); err != nil {
		return fmt.Errorf("begin encoding: %w", err)
	}
	encoder.TransitionTextures([]hal.TextureBarrier{{
		Texture: c.tex,
		Usage: hal.TextureUsageTransition{
			OldUsage: restingUsage,
			NewUsage: gputypes.TextureUsageCopySrc,
		},
	}})
	encoder.CopyTextureToBuffer(c.tex, staging, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{Offset: 0, BytesPerRow: alignedBytesPerRow, RowsPerImage: uint32(height)},
		TextureBase: hal.ImageCopyTexture{
			Texture:  c.tex,
			MipLevel: 0,
			Origin:   hal.Origin3D{X: uint32(x), Y: uint32(y), Z: 0},
		},
		Size: hal.Extent3D{Width: uint32(width), Height: uint32(height), DepthOrArrayLayers: 1},
	}})
	encoder.TransitionTextures([]hal.TextureBarrier{{
		Texture: c.tex,
		Usage: hal.TextureUsageTransition{
			OldUsage: gputypes.TextureUsageCopySrc,
			NewUsage: restingUsage,
		},
	}})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("end encoding: %w", err)
	}
	defer d.FreeCommandBuffer(cmdBuf)

	if err := c.dev.submitAndWait(cmdBuf); err != nil {
		return err
	}

	readback := make([]byte, stagingSize)
	c.dev.queueMu.Lock()
	err = c.dev.queue.ReadBuffer(staging, 0, readback)
	c.dev.queueMu.Unlock()
	if err != nil {
		return fmt.Errorf("readback: %w", err)
	}
	if alignedBytesPerRow == bytesPerRow {
		copy(dst, readback)
		return nil
	}
	for row := range height {
		srcOff := row * int(alignedBytesPerRow)
		dstOff := row * int(bytesPerRow)
		copy(dst[dstOff:dstOff+int(bytesPerRow)], readback[srcOff:srcOff+int(bytesPerRow)])
	}
	return nil
}

// Destroy releases the view and texture. It is idempotent.
func (c *ColorBuffer) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()

	c.dev.device.DestroyTextureView(c.view)
	c.dev.device.DestroyTexture(c.tex)
}

// Destroyed reports whether Destroy has been called.
func (c *ColorBuffer) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}
