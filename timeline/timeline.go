// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package timeline orders asynchronous GPU tasks and the fences that wait
// on them.
//
// Each Ring holds a FIFO of entries. A Task entry completes when its work
// signals; a Fence entry fires as soon as every Task queued before it on the
// same ring has completed. Fences never wait on Tasks queued after them.
package timeline

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/vgpu/fatal"
	"github.com/gogpu/vgpu/internal/logging"
)

// TaskID identifies a task across all rings. IDs are process-wide and
// monotonic.
type TaskID uint64

// Ring names one ordered queue. The zero value is the global ring.
type Ring struct {
	// Global is true for the ring shared by all contexts.
	Global bool

	// Context and Index select a context-specific ring. Ignored for the
	// global ring.
	Context uint32
	Index   uint8
}

// GlobalRing returns the ring shared by all contexts.
func GlobalRing() Ring { return Ring{Global: true} }

// ContextRing returns ring idx of context ctx.
func ContextRing(ctx uint32, idx uint8) Ring { return Ring{Context: ctx, Index: idx} }

func (r Ring) key() Ring {
	if r.Global {
		return Ring{Global: true}
	}
	return r
}

// String implements fmt.Stringer.
func (r Ring) String() string {
	if r.Global {
		return "global"
	}
	return fmt.Sprintf("ctx%d/ring%d", r.Context, r.Index)
}

type task struct {
	id        TaskID
	ring      Ring
	completed bool
}

type fence struct {
	id         uint64
	onComplete func()
}

// entry is either a task or a fence.
type entry struct {
	task  *task
	fence *fence
}

// Timelines is the timeline orderer.
//
// Timelines is safe for concurrent use. Fence callbacks run on the goroutine
// that made them ready, with the orderer's lock held: they must not call
// back into Timelines.
type Timelines struct {
	mu     sync.Mutex
	nextID TaskID
	tasks  map[TaskID]*task
	queues map[Ring][]entry
	log    *slog.Logger
}

// New returns an empty orderer. A nil logger uses the shared vgpu logger.
func New(log *slog.Logger) *Timelines {
	return &Timelines{
		tasks:  make(map[TaskID]*task),
		queues: make(map[Ring][]entry),
		log:    log,
	}
}

// EnqueueTask appends a new incomplete task to ring and returns its id.
func (t *Timelines) EnqueueTask(ring Ring) TaskID {
	ring = ring.key()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	tk := &task{id: t.nextID, ring: ring}
	t.tasks[tk.id] = tk
	t.queues[ring] = append(t.queues[ring], entry{task: tk})

	logging.Or(t.log).Debug("timeline: task enqueued", "task", tk.id, "ring", ring.String())
	return tk.id
}

// EnqueueFence appends a fence to ring and polls the ring immediately, so a
// fence on an idle ring fires before EnqueueFence returns.
func (t *Timelines) EnqueueFence(ring Ring, fenceID uint64, onComplete func()) {
	ring = ring.key()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.queues[ring] = append(t.queues[ring], entry{fence: &fence{id: fenceID, onComplete: onComplete}})
	t.pollLocked(ring)
}

// NotifyTaskCompletion marks a task complete and polls its ring.
// Completing an unknown or already completed task is an invariant
// violation and aborts.
func (t *Timelines) NotifyTaskCompletion(id TaskID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tk, ok := t.tasks[id]
	if !ok {
		fatal.Abortf(fatal.CodeInvariant, "timeline: completion of unknown task %d", id)
	}
	if tk.completed {
		fatal.Abortf(fatal.CodeInvariant, "timeline: task %d completed twice", id)
	}
	tk.completed = true
	t.pollLocked(tk.ring)
}

// Poll releases whatever became ready on ring.
func (t *Timelines) Poll(ring Ring) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pollLocked(ring.key())
}

// PollAll polls every ring.
func (t *Timelines) PollAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ring := range t.queues {
		t.pollLocked(ring)
	}
}

// Pending returns the number of entries still queued on ring.
func (t *Timelines) Pending(ring Ring) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues[ring.key()])
}

// pollLocked scans the ring from the front. Completed tasks are dropped,
// fences fire, and the first incomplete task stops the scan.
func (t *Timelines) pollLocked(ring Ring) {
	q := t.queues[ring]
	i := 0
	for ; i < len(q); i++ {
		e := q[i]
		if e.task != nil {
			if !e.task.completed {
				break
			}
			delete(t.tasks, e.task.id)
			continue
		}
		logging.Or(t.log).Debug("timeline: fence signaled", "fence", e.fence.id, "ring", ring.String())
		if e.fence.onComplete != nil {
			e.fence.onComplete()
		}
	}

	if i == len(q) {
		delete(t.queues, ring)
		return
	}
	clear(q[:i])
	t.queues[ring] = q[i:]
}
