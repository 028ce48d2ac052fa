// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package vgpu

import (
	"log/slog"
	"testing"
	"time"

	"github.com/gogpu/vgpu/metrics"
)

func TestDefaultOptions(t *testing.T) {
	o := defaultOptions()
	if _, ok := o.sink.(metrics.Nop); !ok {
		t.Errorf("default sink = %T, want metrics.Nop", o.sink)
	}
	if o.disableDelayedClose || o.skipIdentical || o.manualHealth {
		t.Errorf("defaults enable optional behavior: %+v", o)
	}
	if o.logger != nil || o.now != nil {
		t.Error("default logger or clock set")
	}
}

func TestOptionsApply(t *testing.T) {
	rec := &metrics.Recorder{}
	logger := slog.Default()
	clock := func() time.Time { return time.Unix(42, 0) }

	o := defaultOptions()
	for _, opt := range []Option{
		WithMaxFramesInFlight(3),
		WithDelayedClose(false),
		WithCloseDelay(2 * time.Second),
		WithMemoryBudget(1 << 20),
		WithHealthInterval(50 * time.Millisecond),
		WithManualHealth(),
		WithMetrics(rec),
		WithSkipIdenticalCompositions(true),
		WithSurfaceRetries(4),
		WithFenceTimeout(time.Second),
		WithFenceWaiters(2),
		WithLogger(logger),
		WithClock(clock),
	} {
		opt(&o)
	}

	tests := []struct {
		name string
		ok   bool
	}{
		{"maxFramesInFlight", o.maxFramesInFlight == 3},
		{"disableDelayedClose", o.disableDelayedClose},
		{"closeDelay", o.closeDelay == 2*time.Second},
		{"memoryBudget", o.memoryBudget == 1<<20},
		{"healthInterval", o.healthInterval == 50*time.Millisecond},
		{"manualHealth", o.manualHealth},
		{"sink", o.sink == metrics.Logger(rec)},
		{"skipIdentical", o.skipIdentical},
		{"surfaceRetries", o.surfaceRetries == 4},
		{"fenceTimeout", o.fenceTimeout == time.Second},
		{"fenceWaiters", o.fenceWaiters == 2},
		{"logger", o.logger == logger},
		{"clock", o.now != nil && o.now().Equal(time.Unix(42, 0))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.ok {
				t.Errorf("option %s not applied", tt.name)
			}
		})
	}
}

func TestWithMetricsNilRestoresNop(t *testing.T) {
	o := defaultOptions()
	WithMetrics(&metrics.Recorder{})(&o)
	WithMetrics(nil)(&o)
	if _, ok := o.sink.(metrics.Nop); !ok {
		t.Errorf("sink = %T after WithMetrics(nil), want metrics.Nop", o.sink)
	}
}

func TestWithDelayedCloseToggles(t *testing.T) {
	o := defaultOptions()
	WithDelayedClose(false)(&o)
	WithDelayedClose(true)(&o)
	if o.disableDelayedClose {
		t.Error("WithDelayedClose(true) did not re-enable delayed close")
	}
}
