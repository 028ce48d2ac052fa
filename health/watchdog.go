// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package health

import (
	"path"
	"runtime"
	"time"

	"github.com/gogpu/vgpu/metrics"
)

// WatchOption configures a Watchdog.
type WatchOption func(*watchOptions)

type watchOptions struct {
	timeout  time.Duration
	annotate Annotator
	parent   TaskID
}

// WithTimeout sets the watchdog timeout. Zero uses DefaultTimeout.
func WithTimeout(d time.Duration) WatchOption {
	return func(o *watchOptions) { o.timeout = d }
}

// WithAnnotations sets the lazily evaluated hang annotations.
func WithAnnotations(fn Annotator) WatchOption {
	return func(o *watchOptions) { o.annotate = fn }
}

// WithParent links the watchdog to a parent task.
func WithParent(id TaskID) WatchOption {
	return func(o *watchOptions) { o.parent = id }
}

// Watchdog monitors one scoped operation. The zero value and watchdogs
// created on a nil Monitor are inert.
//
//	wd := health.Watch(m, metrics.Metadata{Name: "post-worker/compose"})
//	defer wd.Stop()
type Watchdog struct {
	m  *Monitor
	id TaskID
}

// Watch starts monitoring an operation on m. When md carries no file,
// the caller's location is recorded.
func Watch(m *Monitor, md metrics.Metadata, opts ...WatchOption) *Watchdog {
	return watch(m, md, 2, opts)
}

func watch(m *Monitor, md metrics.Metadata, skip int, opts []WatchOption) *Watchdog {
	if m == nil {
		return &Watchdog{}
	}
	var o watchOptions
	for _, opt := range opts {
		opt(&o)
	}
	if md.File == "" {
		if pc, file, line, ok := runtime.Caller(skip); ok {
			md.File = path.Base(file)
			md.Line = line
			if fn := runtime.FuncForPC(pc); fn != nil {
				md.Function = fn.Name()
			}
		}
	}
	return &Watchdog{m: m, id: m.Start(md, o.timeout, o.annotate, o.parent)}
}

// Child starts a watchdog whose parent is w.
func (w *Watchdog) Child(md metrics.Metadata, opts ...WatchOption) *Watchdog {
	if w.m == nil {
		return &Watchdog{}
	}
	return watch(w.m, md, 2, append(opts, WithParent(w.id)))
}

// ID returns the monitored task id, or zero for an inert watchdog.
func (w *Watchdog) ID() TaskID { return w.id }

// Touch reports progress.
func (w *Watchdog) Touch() {
	if w.m != nil {
		w.m.Touch(w.id)
	}
}

// Stop ends monitoring. Further calls are no-ops.
func (w *Watchdog) Stop() {
	if w.m != nil {
		w.m.Stop(w.id)
		w.m = nil
	}
}
