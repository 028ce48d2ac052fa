// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package metrics

import "sync"

// Recorder keeps every event it receives. It is meant for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// LogMetricEvent implements Logger.
func (r *Recorder) LogMetricEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events in arrival order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Hangs returns the recorded hang events.
func (r *Recorder) Hangs() []HangEvent {
	var out []HangEvent
	for _, e := range r.Events() {
		if h, ok := e.(HangEvent); ok {
			out = append(out, h)
		}
	}
	return out
}

// Unhangs returns the recorded unhang events.
func (r *Recorder) Unhangs() []UnhangEvent {
	var out []UnhangEvent
	for _, e := range r.Events() {
		if u, ok := e.(UnhangEvent); ok {
			out = append(out, u)
		}
	}
	return out
}

// Reset discards recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
