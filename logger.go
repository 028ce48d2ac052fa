// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package vgpu

import (
	"log/slog"

	"github.com/gogpu/vgpu/internal/logging"
)

// SetLogger configures the logger for vgpu and all its sub-packages.
// By default, vgpu produces no log output. Call SetLogger to enable logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by vgpu:
//   - [slog.LevelDebug]: per-command diagnostics (submissions, frame slots)
//   - [slog.LevelInfo]: lifecycle events (workers started, surfaces bound,
//     process cleanup)
//   - [slog.LevelWarn]: guest mistakes and recoverable stalls (unknown
//     handles, fence wait retries, out-of-date swapchains)
//   - [slog.LevelError]: immediately before a fatal abort
//
// A Renderer built WithLogger uses its own logger instead.
//
// Example:
//
//	vgpu.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	logging.Set(l)
}

// Logger returns the current logger used by vgpu.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return logging.Logger()
}
