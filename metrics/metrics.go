// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package metrics defines the sink through which vgpu reports health events.
//
// The health monitor emits exactly two event kinds, hang and unhang. The
// renderer additionally reports fatal aborts. Sinks are plain values that
// implement Logger; this package ships slog, zap and Prometheus sinks, a
// fan-out and a recorder for tests.
package metrics

import (
	"maps"
	"time"
)

// Metadata describes a monitored operation.
type Metadata struct {
	// Name is a short operation label, for example "post-worker/compose".
	Name string

	// File, Function and Line locate the code that started monitoring.
	File     string
	Function string
	Line     int

	// Data carries free-form key/value diagnostics. Hang annotations are
	// merged into it.
	Data map[string]string
}

// Clone returns a copy of m whose Data map is not shared.
func (m Metadata) Clone() Metadata {
	m.Data = maps.Clone(m.Data)
	return m
}

// Event is one metric event.
type Event interface {
	// Kind returns the event kind name: "hang", "unhang" or "abort".
	Kind() string
}

// HangEvent reports a task that exceeded its timeout.
type HangEvent struct {
	TaskID   uint64
	Metadata Metadata

	// OtherHungTasks is the number of other tasks hung when this one was
	// detected.
	OtherHungTasks int
}

// Kind implements Event.
func (HangEvent) Kind() string { return "hang" }

// UnhangEvent reports a hung task that was touched or stopped.
type UnhangEvent struct {
	TaskID       uint64
	Metadata     Metadata
	HungDuration time.Duration
}

// Kind implements Event.
func (UnhangEvent) Kind() string { return "unhang" }

// AbortEvent reports a process-fatal condition.
type AbortEvent struct {
	Code     string
	File     string
	Function string
	Line     int
	Message  string
}

// Kind implements Event.
func (AbortEvent) Kind() string { return "abort" }

// Logger receives metric events. Implementations must be safe for
// concurrent use and must not block for long: the health monitor calls
// them from its event loop.
type Logger interface {
	LogMetricEvent(Event)
}

// Nop discards all events.
type Nop struct{}

// LogMetricEvent implements Logger.
func (Nop) LogMetricEvent(Event) {}

// Multi fans events out to several sinks in order.
type Multi []Logger

// LogMetricEvent implements Logger.
func (m Multi) LogMetricEvent(e Event) {
	for _, l := range m {
		if l != nil {
			l.LogMetricEvent(e)
		}
	}
}

// OrNop returns l, or Nop when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop{}
	}
	return l
}
