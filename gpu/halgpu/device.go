// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build !nogpu

// Package halgpu is a compositor backend over the wgpu hardware
// abstraction layer. Color buffers are hal textures; frames record
// barriers and a clear pass into hal command buffers and signal a hal fence.
//
// Per-layer drawing needs a pipeline and shaders this package does not
// own. A LayerDrawer installed with SetLayerDrawer records those draws
// inside each frame's render pass; without one a composition clears its
// target.
package halgpu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/vgpu/compose"
	"github.com/gogpu/vgpu/internal/logging"
)

// readbackTimeout bounds the fence wait of a pixel readback.
const readbackTimeout = 5 * time.Second

// copyPitchAlignment is the row alignment buffer copies require.
const copyPitchAlignment = 256

// Errors.
var (
	ErrNilDevice     = errors.New("halgpu: nil device or queue")
	ErrNoHALProvider = errors.New("halgpu: provider does not expose HAL types")
	ErrDeviceClosed  = errors.New("halgpu: device closed")
	ErrForeignImage  = errors.New("halgpu: image does not belong to this device")
	ErrFrameBusy     = errors.New("halgpu: frame still in flight")
	ErrNotEncoded    = errors.New("halgpu: nothing encoded")
)

// DeviceHandle is the host GPU device a Device is built on.
type DeviceHandle = gpucontext.DeviceProvider

// LayerDrawer records the draws of bound layers into a frame's render
// pass. The target has already been cleared.
type LayerDrawer interface {
	DrawLayers(rp hal.RenderPassEncoder, target *ColorBuffer, layers []compose.BoundLayer)
}

// Device creates color buffers and frames on one hal device and queue.
type Device struct {
	device hal.Device
	queue  hal.Queue

	// queueMu serializes submissions and readbacks on the queue.
	queueMu sync.Mutex

	mu     sync.RWMutex
	drawer LayerDrawer
	closed bool
	log    *slog.Logger
}

// New returns a Device over device and queue. The caller keeps ownership
// of both; Close does not destroy them.
func New(device hal.Device, queue hal.Queue) (*Device, error) {
	if device == nil || queue == nil {
		return nil, ErrNilDevice
	}
	return &Device{device: device, queue: queue}, nil
}

// NewFromProvider returns a Device over the hal device and queue of a host
// provider. The provider must implement HalDevice() any and HalQueue() any
// returning hal.Device and hal.Queue.
func NewFromProvider(provider DeviceHandle) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHALProvider
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoHALProvider)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNoHALProvider)
	}
	return New(device, queue)
}

// SetLogger overrides the shared vgpu logger for this device.
func (d *Device) SetLogger(l *slog.Logger) {
	d.mu.Lock()
	d.log = l
	d.mu.Unlock()
}

// SetLayerDrawer installs the layer drawer used by frames encoded after
// the call. A nil drawer restores clear-only compositions.
func (d *Device) SetLayerDrawer(drawer LayerDrawer) {
	d.mu.Lock()
	d.drawer = drawer
	d.mu.Unlock()
}

func (d *Device) layerDrawer() LayerDrawer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.drawer
}

func (d *Device) logger() *slog.Logger {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return logging.Or(d.log)
}

func (d *Device) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

// HAL returns the underlying hal device and queue.
func (d *Device) HAL() (hal.Device, hal.Queue) { return d.device, d.queue }

// NewColorBuffer creates a width×height texture of format with a view.
// A zero format means gputypes.TextureFormatRGBA8Unorm.
func (d *Device) NewColorBuffer(width, height int, format gputypes.TextureFormat) (*ColorBuffer, error) {
	if d.isClosed() {
		return nil, ErrDeviceClosed
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("halgpu: invalid color buffer size %dx%d", width, height)
	}
	if format == gputypes.TextureFormatUndefined {
		format = gputypes.TextureFormatRGBA8Unorm
	}
	tex, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label: "vgpu_color_buffer",
		Size: hal.Extent3D{
			Width:              uint32(width),
			Height:             uint32(height),
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        format,
		Usage: gputypes.TextureUsageTextureBinding | gputypes.TextureUsageRenderAttachment |
			gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("create color buffer texture: %w", err)
	}
	view, err := d.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label: "vgpu_color_buffer_view",
	})
	if err != nil {
		d.device.DestroyTexture(tex)
		return nil, fmt.Errorf("create color buffer view: %w", err)
	}
	return &ColorBuffer{
		dev:    d,
		tex:    tex,
		view:   view,
		width:  width,
		height: height,
		format: format,
	}, nil
}

// NewFrame implements compose.Backend.
func (d *Device) NewFrame(index int) (compose.Frame, error) {
	if d.isClosed() {
		return nil, ErrDeviceClosed
	}
	fence, err := d.device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("create frame fence: %w", err)
	}
	d.logger().Debug("halgpu: frame created", "slot", index)
	return &Frame{dev: d, index: index, fence: fence}, nil
}

// Close marks the device closed. Color buffers and frames created earlier
// must be destroyed by their owners.
func (d *Device) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

// submitAndWait submits cmdBuf on a fresh fence and waits for it.
func (d *Device) submitAndWait(cmdBuf hal.CommandBuffer) error {
	fence, err := d.device.CreateFence()
	if err != nil {
		return fmt.Errorf("create fence: %w", err)
	}
	defer d.device.DestroyFence(fence)

	d.queueMu.Lock()
	err = d.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1)
	d.queueMu.Unlock()
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	ok, err := d.device.Wait(fence, 1, readbackTimeout)
	if err != nil || !ok {
		return fmt.Errorf("wait for GPU: ok=%v err=%w", ok, err)
	}
	return nil
}

var _ compose.Backend = (*Device)(nil)
