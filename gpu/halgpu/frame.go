// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build !nogpu

package halgpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/vgpu/compose"
	"github.com/gogpu/vgpu/gpu"
)

// Frame is one compositor frame slot. Its fence is signalled with a new,
// increasing value on every submission.
type Frame struct {
	dev   *Device
	index int
	fence hal.Fence

	mu       sync.Mutex
	value    uint64
	encoded  hal.CommandBuffer
	inFlight hal.CommandBuffer
	barriers []gpu.Barrier
}

// Index returns the slot index.
func (f *Frame) Index() int { return f.index }

// FenceValue returns the value the last submission signals.
func (f *Frame) FenceValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// Barriers returns the barriers recorded by the last Encode.
func (f *Frame) Barriers() []gpu.Barrier {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gpu.Barrier(nil), f.barriers...)
}

// Encode implements compose.Frame.
func (f *Frame) Encode(c *compose.Composition) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.inFlight != nil || f.encoded != nil {
		return ErrFrameBusy
	}
	target, ok := c.Target.Image.(*ColorBuffer)
	if !ok || target.dev != f.dev {
		return ErrForeignImage
	}
	acquire := make([]hal.TextureBarrier, 0, len(c.Borrowed))
	release := make([]hal.TextureBarrier, 0, len(c.Borrowed))
	f.barriers = f.barriers[:0]
	for _, b := range c.Borrowed {
		cb, ok := b.Image.(*ColorBuffer)
		if !ok || cb.dev != f.dev {
			return ErrForeignImage
		}
		acquire = append(acquire, textureBarrier(cb, b.Acquire))
		release = append(release, textureBarrier(cb, b.Release))
		f.barriers = append(f.barriers, b.Acquire)
	}
	for _, b := range c.Borrowed {
		f.barriers = append(f.barriers, b.Release)
	}

	d := f.dev.device
	encoder, err := d.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: fmt.Sprintf("vgpu_compose_%d", f.index),
	})
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("vgpu_compose"); err != nil {
		return fmt.Errorf("begin encoding: %w", err)
	}

	encoder.TransitionTextures(acquire)
	rp := encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label: "vgpu_compose_pass",
		ColorAttachments: []hal.RenderPassColorAttachment{{
			View:       target.view,
			LoadOp:     gputypes.LoadOpClear,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: gputypes.Color{R: 0, G: 0, B: 0, A: 0},
		}},
	})
	if drawer := f.dev.layerDrawer(); drawer != nil && len(c.Layers) > 0 {
		drawer.DrawLayers(rp, target, c.Layers)
	}
	rp.End()
	encoder.TransitionTextures(release)

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("end encoding: %w", err)
	}
	f.encoded = cmdBuf
	return nil
}

// textureBarrier converts a borrow barrier. Queue ownership is implicit on
// a single hal queue, so only the usage transition is recorded.
func textureBarrier(cb *ColorBuffer, b gpu.Barrier) hal.TextureBarrier {
	return hal.TextureBarrier{
		Texture: cb.tex,
		Usage: hal.TextureUsageTransition{
			OldUsage: b.OldUsage,
			NewUsage: b.NewUsage,
		},
	}
}

// Submit implements compose.Frame.
func (f *Frame) Submit() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.encoded == nil {
		return ErrNotEncoded
	}
	if f.dev.isClosed() {
		return ErrDeviceClosed
	}
	cmdBuf := f.encoded
	f.encoded = nil

	f.dev.queueMu.Lock()
	err := f.dev.queue.Submit([]hal.CommandBuffer{cmdBuf}, f.fence, f.value+1)
	f.dev.queueMu.Unlock()
	if err != nil {
		f.dev.device.FreeCommandBuffer(cmdBuf)
		return fmt.Errorf("submit: %w", err)
	}
	f.value++
	f.inFlight = cmdBuf
	return nil
}

// Wait implements compose.Frame. The submitted command buffer is freed
// once the fence reaches the submission's value.
func (f *Frame) Wait(timeout time.Duration) (bool, error) {
	f.mu.Lock()
	cmdBuf, value := f.inFlight, f.value
	f.mu.Unlock()
	if cmdBuf == nil {
		return true, nil
	}

	ok, err := f.dev.device.Wait(f.fence, value, timeout)
	if err != nil || !ok {
		return ok, err
	}
	f.mu.Lock()
	if f.inFlight == cmdBuf {
		f.inFlight = nil
		f.dev.device.FreeCommandBuffer(cmdBuf)
	}
	f.mu.Unlock()
	return true, nil
}

// Destroy waits for the last submission and releases the fence.
func (f *Frame) Destroy() {
	if ok, err := f.Wait(readbackTimeout); err != nil || !ok {
		f.dev.logger().Warn("halgpu: frame destroyed while in flight", "slot", f.index, "err", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.encoded != nil {
		f.dev.device.FreeCommandBuffer(f.encoded)
		f.encoded = nil
	}
	if f.fence != nil {
		f.dev.device.DestroyFence(f.fence)
		f.fence = nil
	}
}
