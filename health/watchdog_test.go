// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package health

import (
	"testing"

	"github.com/gogpu/vgpu/metrics"
)

func TestWatchdogNilMonitorIsInert(t *testing.T) {
	wd := Watch(nil, metrics.Metadata{Name: "x"})
	if wd.ID() != 0 {
		t.Errorf("ID() = %d, want 0", wd.ID())
	}
	wd.Touch()
	wd.Child(metrics.Metadata{}).Stop()
	wd.Stop()
}

func TestWatchdogRecordsCallSite(t *testing.T) {
	h := newHarness(t)
	wd := Watch(h.m, metrics.Metadata{Name: "post"}, WithTimeout(h.ticks(2)))
	h.step(3)
	wd.Stop()
	h.flush()

	hangs := h.rec.Hangs()
	if len(hangs) != 1 {
		t.Fatalf("got %d hangs, want 1", len(hangs))
	}
	md := hangs[0].Metadata
	if md.File != "watchdog_test.go" || md.Line == 0 {
		t.Errorf("call site = %s:%d, want watchdog_test.go", md.File, md.Line)
	}
	if len(h.rec.Unhangs()) != 1 {
		t.Error("Stop did not report the unhang")
	}

	// Stop twice is harmless.
	wd.Stop()
}

func TestWatchdogChildTouchesParent(t *testing.T) {
	h := newHarness(t)
	parent := Watch(h.m, metrics.Metadata{Name: "worker"}, WithTimeout(h.ticks(3)))
	child := parent.Child(metrics.Metadata{Name: "command"}, WithTimeout(h.ticks(20)),
		WithAnnotations(func() map[string]string { return map[string]string{"op": "compose"} }))

	for range 3 {
		h.step(2)
		child.Touch()
	}
	child.Stop()
	parent.Stop()
	h.flush()

	if got := len(h.rec.Events()); got != 0 {
		t.Errorf("got %d events, want 0", got)
	}
}
