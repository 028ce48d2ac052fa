// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package health detects stuck operations in long-running workers.
//
// A Monitor tracks tasks that must be touched or stopped before their
// timeout elapses. A periodic tick scans the tasks; a task past its deadline
// becomes hung and a hang event is sent to the metrics sink. Touching or
// stopping a hung task sends an unhang event with the time spent hung.
//
// All mutations and ticks travel through one event queue consumed by a
// single goroutine, so scanning and mutation never race.
package health

import (
	"cmp"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/vgpu/internal/logging"
	"github.com/gogpu/vgpu/metrics"
)

// Defaults.
const (
	// DefaultInterval is the tick interval.
	DefaultInterval = time.Second

	// DefaultTimeout is the timeout used when Start is given zero.
	DefaultTimeout = 5 * time.Second
)

// TaskID identifies a monitored task. Zero means "no task".
type TaskID uint64

// Annotator produces extra diagnostics for a hung task. It is only invoked
// once the task is found hung, never on the healthy path.
type Annotator func() map[string]string

// Config configures a Monitor.
type Config struct {
	// Interval is the tick period. Defaults to DefaultInterval.
	Interval time.Duration

	// Sink receives hang and unhang events. Defaults to metrics.Nop.
	Sink metrics.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Manual disables the internal ticker. Ticks happen only through Poll.
	Manual bool

	// Logger overrides the shared vgpu logger.
	Logger *slog.Logger
}

type eventKind uint8

const (
	evStart eventKind = iota + 1
	evTouch
	evStop
	evPoll
	evExit
)

type event struct {
	kind     eventKind
	id       TaskID
	at       time.Time
	metadata metrics.Metadata
	annotate Annotator
	timeout  time.Duration
	parent   TaskID
	done     chan struct{}
}

type task struct {
	id        TaskID
	deadline  time.Time
	timeout   time.Duration
	hungSince *time.Time
	metadata  metrics.Metadata
	annotate  Annotator
	parent    TaskID
}

// Monitor is the health monitor. Create it with NewMonitor and release it
// with Close.
type Monitor struct {
	interval time.Duration
	sink     metrics.Logger
	now      func() time.Time
	log      *slog.Logger

	nextID atomic.Uint64

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []event
	closed bool

	// tasks is owned by the loop goroutine.
	tasks map[TaskID]*task

	stopTicker chan struct{}
	wg         sync.WaitGroup
}

// NewMonitor starts a monitor. Unless cfg.Manual is set, a ticker goroutine
// polls every cfg.Interval.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Monitor{
		interval:   cfg.Interval,
		sink:       metrics.OrNop(cfg.Sink),
		now:        cfg.Now,
		log:        cfg.Logger,
		tasks:      make(map[TaskID]*task),
		stopTicker: make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)

	m.wg.Add(1)
	go m.loop()

	if !cfg.Manual {
		m.wg.Add(1)
		go m.tick()
	}
	return m
}

// Interval returns the tick period.
func (m *Monitor) Interval() time.Duration { return m.interval }

// Start begins monitoring a task and returns its id. A zero timeout uses
// DefaultTimeout. Timeouts shorter than two intervals are raised to two
// intervals, since a shorter one cannot be observed between ticks.
// A non-zero parent is touched whenever this task starts, is touched or
// stops; it is a lookup key only.
func (m *Monitor) Start(md metrics.Metadata, timeout time.Duration, annotate Annotator, parent TaskID) TaskID {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if minTimeout := 2 * m.interval; timeout < minTimeout {
		timeout = minTimeout
	}
	id := TaskID(m.nextID.Add(1))
	m.push(event{
		kind:     evStart,
		id:       id,
		at:       m.now(),
		metadata: md,
		annotate: annotate,
		timeout:  timeout,
		parent:   parent,
	})
	return id
}

// Touch pushes the task's deadline forward by its timeout.
func (m *Monitor) Touch(id TaskID) {
	m.push(event{kind: evTouch, id: id, at: m.now()})
}

// Stop ends monitoring of the task.
func (m *Monitor) Stop(id TaskID) {
	m.push(event{kind: evStop, id: id, at: m.now()})
}

// Poll queues a tick and returns a channel closed once the tick and every
// event queued before it have been processed.
func (m *Monitor) Poll() <-chan struct{} {
	done := make(chan struct{})
	if !m.push(event{kind: evPoll, done: done}) {
		close(done)
	}
	return done
}

// Close stops the ticker and blocks until the event queue drains.
// Close is safe to call multiple times.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, event{kind: evExit})
	m.closed = true
	m.cond.Signal()
	m.mu.Unlock()

	close(m.stopTicker)
	m.wg.Wait()
}

func (m *Monitor) push(e event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.queue = append(m.queue, e)
	m.cond.Signal()
	return true
}

func (m *Monitor) tick() {
	defer m.wg.Done()
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-m.stopTicker:
			return
		case <-t.C:
			m.Poll()
		}
	}
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		for len(m.queue) == 0 {
			m.cond.Wait()
		}
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()

		for _, e := range batch {
			switch e.kind {
			case evStart:
				m.onStart(e)
			case evTouch:
				m.onTouch(e.id, e.at)
			case evStop:
				m.onStop(e.id, e.at)
			case evPoll:
				m.scan()
				close(e.done)
			case evExit:
				return
			}
		}
	}
}

func (m *Monitor) onStart(e event) {
	t := &task{
		id:       e.id,
		deadline: e.at.Add(e.timeout),
		timeout:  e.timeout,
		metadata: e.metadata,
		annotate: e.annotate,
		parent:   e.parent,
	}
	m.tasks[t.id] = t
	m.touchParent(t, e.at)
}

func (m *Monitor) onTouch(id TaskID, at time.Time) {
	t, ok := m.tasks[id]
	if !ok {
		logging.Or(m.log).Debug("health: touch of unknown task", "task", id)
		return
	}
	if t.hungSince != nil {
		m.unhang(t, at)
	}
	t.deadline = at.Add(t.timeout)
	m.touchParent(t, at)
}

func (m *Monitor) onStop(id TaskID, at time.Time) {
	t, ok := m.tasks[id]
	if !ok {
		logging.Or(m.log).Debug("health: stop of unknown task", "task", id)
		return
	}
	if t.hungSince != nil {
		m.unhang(t, at)
	}
	delete(m.tasks, id)
	m.touchParent(t, at)
}

// touchParent keeps a parent healthy while its child makes progress.
// Unknown parents are dropped from the child.
func (m *Monitor) touchParent(t *task, at time.Time) {
	if t.parent == 0 {
		return
	}
	if _, ok := m.tasks[t.parent]; !ok {
		logging.Or(m.log).Warn("health: unknown parent task", "task", t.id, "parent", t.parent)
		t.parent = 0
		return
	}
	m.onTouch(t.parent, at)
}

func (m *Monitor) unhang(t *task, at time.Time) {
	d := at.Sub(*t.hungSince)
	t.hungSince = nil
	m.sink.LogMetricEvent(metrics.UnhangEvent{
		TaskID:       uint64(t.id),
		Metadata:     t.metadata.Clone(),
		HungDuration: d,
	})
}

// scan marks every task past its deadline as hung, in deadline order.
func (m *Monitor) scan() {
	now := m.now()

	hung := 0
	for _, t := range m.tasks {
		if t.hungSince != nil {
			hung++
		}
	}

	pending := slices.SortedFunc(maps.Values(m.tasks), func(a, b *task) int {
		if c := a.deadline.Compare(b.deadline); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	for _, t := range pending {
		if t.hungSince != nil || now.Before(t.deadline) {
			continue
		}
		since := t.deadline
		t.hungSince = &since

		md := t.metadata.Clone()
		if t.annotate != nil {
			if extra := t.annotate(); len(extra) > 0 {
				if md.Data == nil {
					md.Data = make(map[string]string, len(extra))
				}
				maps.Copy(md.Data, extra)
			}
		}
		m.sink.LogMetricEvent(metrics.HangEvent{
			TaskID:         uint64(t.id),
			Metadata:       md,
			OtherHungTasks: hung,
		})
		hung++
	}
}
