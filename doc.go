// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package vgpu is the host-side core of a virtual GPU: the resource
// registry guest processes share, the compositor that turns their color
// buffers into frames, and the watchdogs that notice when either stalls.
//
// # Overview
//
// A Renderer owns every component. Nothing is a package-level singleton
// except the logger and the fatal handler:
//
//   - registry: reference-counted handles for color buffers, buffers,
//     contexts and window surfaces, with delayed close and per-process
//     cleanup
//   - timeline: per-ring ordering of guest tasks and fences
//   - health: a hang detector watching every worker command and fence wait
//   - fencewait: the goroutines that wait on GPU fences
//   - compose: the composition scheduler, its frame slot pool and display
//
// # Quick Start
//
//	dev := soft.NewDevice()
//	defer dev.Close()
//
//	r, err := vgpu.New(dev, vgpu.WithMaxFramesInFlight(3))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer r.Close()
//
//	target, _ := r.Registry().CreateColorBuffer(pid, dev.NewColorBuffer(640, 480), desc)
//	tk, _ := r.Compose(target, []compose.Layer{{Source: layer}})
//	_ = tk.Done.Wait(ctx)
//
// # Backends
//
// Compositions are recorded by a compose.Backend. gpu/soft composites on
// the CPU with golang.org/x/image/draw; gpu/halgpu records into hal
// command buffers of a gogpu/wgpu device.
//
// # Errors
//
// Guest mistakes such as unknown handles are reported as false or an error
// and never abort. Broken invariants, GPU loss and surfaces that cannot be
// recreated go through package fatal, whose handler is replaceable.
package vgpu

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0
)
