// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package health

import (
	"sync"
	"testing"
	"time"

	"github.com/gogpu/vgpu/metrics"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t     *testing.T
	m     *Monitor
	clock *fakeClock
	rec   *metrics.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newFakeClock()
	rec := &metrics.Recorder{}
	m := NewMonitor(Config{Sink: rec, Now: clock.Now, Manual: true})
	t.Cleanup(m.Close)
	return &harness{t: t, m: m, clock: clock, rec: rec}
}

// step advances the clock by n intervals, ticking after each.
func (h *harness) step(n int) {
	for range n {
		h.clock.Advance(h.m.Interval())
		<-h.m.Poll()
	}
}

// flush waits for queued events without advancing time.
func (h *harness) flush() { <-h.m.Poll() }

func (h *harness) ticks(n int) time.Duration { return time.Duration(n) * h.m.Interval() }

// =============================================================================
// Defaults
// =============================================================================

func TestMonitorDefaults(t *testing.T) {
	m := NewMonitor(Config{Manual: true})
	defer m.Close()
	if m.Interval() != DefaultInterval {
		t.Errorf("Interval() = %v, want %v", m.Interval(), DefaultInterval)
	}
}

// =============================================================================
// Single task
// =============================================================================

func TestSingleTaskHangsAtThreshold(t *testing.T) {
	h := newHarness(t)
	const n = 5

	id := h.m.Start(metrics.Metadata{Name: "compose"}, h.ticks(n), nil, 0)

	h.step(n - 1)
	if got := len(h.rec.Events()); got != 0 {
		t.Fatalf("after %d ticks got %d events, want 0", n-1, got)
	}

	h.step(1)
	hangs := h.rec.Hangs()
	if len(hangs) != 1 {
		t.Fatalf("at tick %d got %d hangs, want 1", n, len(hangs))
	}
	if hangs[0].TaskID != uint64(id) {
		t.Errorf("hang task = %d, want %d", hangs[0].TaskID, id)
	}
	if hangs[0].OtherHungTasks != 0 {
		t.Errorf("OtherHungTasks = %d, want 0", hangs[0].OtherHungTasks)
	}
	if hangs[0].Metadata.Name != "compose" {
		t.Errorf("hang metadata name = %q", hangs[0].Metadata.Name)
	}

	// Staying hung emits nothing further.
	const hungTicks = 3
	h.step(hungTicks)
	if got := len(h.rec.Events()); got != 1 {
		t.Fatalf("hung task re-reported: %d events", got)
	}

	h.m.Touch(id)
	h.flush()

	unhangs := h.rec.Unhangs()
	if len(unhangs) != 1 {
		t.Fatalf("got %d unhangs, want 1", len(unhangs))
	}
	want := h.ticks(hungTicks)
	if d := unhangs[0].HungDuration; d < want-h.ticks(1) || d > want+h.ticks(1) {
		t.Errorf("HungDuration = %v, want %v ± 1 tick", d, want)
	}

	// The touch restored the task; it hangs again only after a full timeout.
	h.step(n - 1)
	if got := len(h.rec.Hangs()); got != 1 {
		t.Errorf("task hung again %d ticks after touch", n-1)
	}
}

func TestTouchKeepsTaskHealthy(t *testing.T) {
	h := newHarness(t)
	id := h.m.Start(metrics.Metadata{}, 0, nil, 0)
	defaultTicks := int(DefaultTimeout / h.m.Interval())

	h.step(defaultTicks - 1)
	h.m.Touch(id)
	h.step(defaultTicks - 1)
	h.m.Stop(id)
	h.flush()

	if got := len(h.rec.Events()); got != 0 {
		t.Errorf("got %d events, want 0", got)
	}
}

func TestStopNeverHungEmitsNothing(t *testing.T) {
	h := newHarness(t)
	id := h.m.Start(metrics.Metadata{}, h.ticks(3), nil, 0)
	h.step(1)
	h.m.Stop(id)
	h.step(10)
	if got := len(h.rec.Events()); got != 0 {
		t.Errorf("got %d events, want 0", got)
	}
}

func TestStopHungTaskEmitsUnhang(t *testing.T) {
	h := newHarness(t)
	id := h.m.Start(metrics.Metadata{}, h.ticks(2), nil, 0)
	h.step(4)
	h.m.Stop(id)
	h.flush()

	events := h.rec.Events()
	if len(events) != 2 {
		t.Fatalf("got %d events, want hang + unhang", len(events))
	}
	if events[0].Kind() != "hang" || events[1].Kind() != "unhang" {
		t.Errorf("event kinds = %s, %s", events[0].Kind(), events[1].Kind())
	}
	if d := h.rec.Unhangs()[0].HungDuration; d != h.ticks(2) {
		t.Errorf("HungDuration = %v, want %v", d, h.ticks(2))
	}

	// The task is gone; later ticks and touches are silent.
	h.m.Touch(id)
	h.step(5)
	if got := len(h.rec.Events()); got != 2 {
		t.Errorf("stopped task produced more events: %d", got)
	}
}

func TestShortTimeoutIsRaisedToTwoIntervals(t *testing.T) {
	h := newHarness(t)
	id := h.m.Start(metrics.Metadata{}, time.Millisecond, nil, 0)

	h.step(1)
	if got := len(h.rec.Hangs()); got != 0 {
		t.Fatalf("1ms timeout hung after one tick")
	}
	h.step(1)
	if got := len(h.rec.Hangs()); got != 1 {
		t.Fatalf("got %d hangs after two ticks, want 1", got)
	}

	const hungTicks = 5
	h.step(hungTicks)
	h.m.Stop(id)
	h.flush()
	if d := h.rec.Unhangs()[0].HungDuration; d < h.ticks(hungTicks-1) || d > h.ticks(hungTicks+1) {
		t.Errorf("HungDuration = %v, want %v ± 1 tick", d, h.ticks(hungTicks))
	}
}

// =============================================================================
// Multiple tasks
// =============================================================================

func TestMultipleHangsCountOthers(t *testing.T) {
	h := newHarness(t)
	var ids []TaskID
	for range 4 {
		ids = append(ids, h.m.Start(metrics.Metadata{}, h.ticks(2), nil, 0))
	}

	h.step(3)
	hangs := h.rec.Hangs()
	if len(hangs) != 4 {
		t.Fatalf("got %d hangs, want 4", len(hangs))
	}
	for i, hg := range hangs {
		if hg.TaskID != uint64(ids[i]) {
			t.Errorf("hang[%d] task = %d, want %d", i, hg.TaskID, ids[i])
		}
		if hg.OtherHungTasks != i {
			t.Errorf("hang[%d].OtherHungTasks = %d, want %d", i, hg.OtherHungTasks, i)
		}
	}
}

func TestHungCountExcludesRecoveredTasks(t *testing.T) {
	h := newHarness(t)
	a := h.m.Start(metrics.Metadata{}, h.ticks(2), nil, 0)
	h.step(2)
	h.m.Touch(a)
	h.flush()

	h.m.Start(metrics.Metadata{}, h.ticks(2), nil, 0)
	h.step(2)

	hangs := h.rec.Hangs()
	if len(hangs) != 3 {
		t.Fatalf("got %d hangs, want 3", len(hangs))
	}
	// a hung again together with b; neither sees a stale count.
	if hangs[1].OtherHungTasks != 0 || hangs[2].OtherHungTasks != 1 {
		t.Errorf("OtherHungTasks = %d, %d; want 0, 1", hangs[1].OtherHungTasks, hangs[2].OtherHungTasks)
	}
}

// =============================================================================
// Annotations
// =============================================================================

func TestAnnotationsAreLazy(t *testing.T) {
	h := newHarness(t)
	calls := 0
	annotate := func() map[string]string {
		calls++
		return map[string]string{"key1": "value1", "key2": "value2"}
	}

	healthy := h.m.Start(metrics.Metadata{}, h.ticks(5), annotate, 0)
	h.step(2)
	h.m.Stop(healthy)
	h.flush()
	if calls != 0 {
		t.Fatalf("annotator ran %d times on healthy path", calls)
	}

	h.m.Start(metrics.Metadata{Data: map[string]string{"base": "x"}}, h.ticks(2), annotate, 0)
	h.step(5)
	if calls != 1 {
		t.Fatalf("annotator ran %d times, want 1", calls)
	}
	data := h.rec.Hangs()[0].Metadata.Data
	for k, want := range map[string]string{"base": "x", "key1": "value1", "key2": "value2"} {
		if data[k] != want {
			t.Errorf("hang data[%q] = %q, want %q", k, data[k], want)
		}
	}
}

// =============================================================================
// Parents
// =============================================================================

func TestChildKeepsParentHealthy(t *testing.T) {
	h := newHarness(t)
	parent := h.m.Start(metrics.Metadata{Name: "parent"}, h.ticks(3), nil, 0)
	child := h.m.Start(metrics.Metadata{Name: "child"}, h.ticks(10), nil, parent)

	for range 4 {
		h.step(2)
		h.m.Touch(child)
	}
	h.flush()
	if got := len(h.rec.Events()); got != 0 {
		t.Fatalf("got %d events while child was active, want 0", got)
	}

	h.m.Stop(child)
	h.step(3)
	hangs := h.rec.Hangs()
	if len(hangs) != 1 || hangs[0].TaskID != uint64(parent) {
		t.Fatalf("hangs = %+v, want only the parent", hangs)
	}
}

func TestThreeChainOfHungTasks(t *testing.T) {
	h := newHarness(t)
	a := h.m.Start(metrics.Metadata{}, h.ticks(2), nil, 0)
	b := h.m.Start(metrics.Metadata{}, h.ticks(2), nil, a)
	c := h.m.Start(metrics.Metadata{}, h.ticks(2), nil, b)

	h.step(3)
	if got := len(h.rec.Hangs()); got != 3 {
		t.Fatalf("got %d hangs, want 3", got)
	}

	// Touching the innermost task recovers the whole chain.
	h.m.Touch(c)
	h.flush()
	unhung := map[uint64]bool{}
	for _, u := range h.rec.Unhangs() {
		unhung[u.TaskID] = true
	}
	for _, id := range []TaskID{a, b, c} {
		if !unhung[uint64(id)] {
			t.Errorf("task %d not reported unhung", id)
		}
	}
}

func TestParentStopDoesNotCascade(t *testing.T) {
	h := newHarness(t)
	parent := h.m.Start(metrics.Metadata{}, h.ticks(5), nil, 0)
	child := h.m.Start(metrics.Metadata{}, h.ticks(2), nil, parent)

	h.m.Stop(parent)
	h.step(3)

	hangs := h.rec.Hangs()
	if len(hangs) != 1 || hangs[0].TaskID != uint64(child) {
		t.Fatalf("hangs = %+v, want the orphaned child", hangs)
	}

	// The child's touch reaches an unknown parent and is tolerated.
	h.m.Touch(child)
	h.m.Stop(child)
	h.flush()
	if got := len(h.rec.Unhangs()); got != 1 {
		t.Errorf("got %d unhangs, want 1", got)
	}
}

func TestSiblingsHangParentStillHealthy(t *testing.T) {
	h := newHarness(t)
	parent := h.m.Start(metrics.Metadata{}, h.ticks(4), nil, 0)
	s1 := h.m.Start(metrics.Metadata{}, h.ticks(2), nil, parent)
	h.step(3)
	h.m.Stop(s1)
	s2 := h.m.Start(metrics.Metadata{}, h.ticks(2), nil, parent)
	h.step(3)
	h.m.Stop(s2)
	h.flush()

	for _, hg := range h.rec.Hangs() {
		if hg.TaskID == uint64(parent) {
			t.Fatal("parent hung while its children kept touching it")
		}
	}
	if got := len(h.rec.Hangs()); got != 2 {
		t.Errorf("got %d hangs, want one per sibling", got)
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestCloseDrainsAndIsIdempotent(t *testing.T) {
	rec := &metrics.Recorder{}
	m := NewMonitor(Config{Sink: rec, Manual: true})
	id := m.Start(metrics.Metadata{}, time.Second, nil, 0)
	m.Stop(id)
	m.Close()
	m.Close()

	select {
	case <-m.Poll():
	case <-time.After(time.Second):
		t.Fatal("Poll after Close did not return a closed channel")
	}
	m.Touch(id) // ignored
}

func TestTickerDetectsHang(t *testing.T) {
	rec := &metrics.Recorder{}
	m := NewMonitor(Config{Sink: rec, Interval: 5 * time.Millisecond})
	defer m.Close()

	m.Start(metrics.Metadata{Name: "stuck"}, 10*time.Millisecond, nil, 0)

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.Hangs()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("ticker never reported the hang")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
