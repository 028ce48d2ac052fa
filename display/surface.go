// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package display

import (
	"fmt"

	"github.com/gogpu/vgpu/gpu"
)

// Status is the outcome of one presentation.
type Status uint8

const (
	// StatusOK means the image was presented.
	StatusOK Status = iota

	// StatusSuboptimal means the image was presented but the surface no
	// longer matches the swapchain and should be recreated.
	StatusSuboptimal

	// StatusOutOfDate means the image was not presented and the swapchain
	// must be recreated first.
	StatusOutOfDate
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusSuboptimal:
		return "suboptimal"
	case StatusOutOfDate:
		return "out-of-date"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Surface is a presentation target: a window swapchain, a remote display
// encoder or an offscreen image.
//
// A Display calls a Surface from one goroutine at a time.
type Surface interface {
	// Configure (re)creates the swapchain for the given size and returns
	// its image count.
	Configure(width, height int) (imageCount int, err error)

	// Present shows img. Images are read through PixelReader when the
	// surface needs their contents on the host.
	Present(img gpu.Image) (Status, error)

	// Destroy releases the surface.
	Destroy()
}

// PixelReader is implemented by images whose contents can be read back.
// Pixels are tightly packed RGBA rows.
type PixelReader interface {
	ReadPixels(x, y, width, height int, dst []byte) error
}
