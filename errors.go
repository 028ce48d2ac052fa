// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package vgpu

import "errors"

// Errors.
var (
	// ErrNilBackend is returned by New without a compositor backend.
	ErrNilBackend = errors.New("vgpu: nil backend")

	// ErrClosed is returned by Renderer methods after Close.
	ErrClosed = errors.New("vgpu: renderer closed")
)
