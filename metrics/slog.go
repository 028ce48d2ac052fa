// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package metrics

import (
	"context"
	"log/slog"
)

// Slog writes metric events to a slog.Logger. Hangs are logged at Warn,
// unhangs at Info and aborts at Error.
type Slog struct {
	l *slog.Logger
}

// NewSlog returns a sink writing to l.
func NewSlog(l *slog.Logger) *Slog {
	return &Slog{l: l}
}

// LogMetricEvent implements Logger.
func (s *Slog) LogMetricEvent(e Event) {
	switch ev := e.(type) {
	case HangEvent:
		s.l.LogAttrs(context.Background(), slog.LevelWarn, "vgpu: task hung",
			slog.Uint64("task", ev.TaskID),
			slog.Int("other_hung", ev.OtherHungTasks),
			metadataAttr(ev.Metadata))
	case UnhangEvent:
		s.l.LogAttrs(context.Background(), slog.LevelInfo, "vgpu: task recovered",
			slog.Uint64("task", ev.TaskID),
			slog.Duration("hung", ev.HungDuration),
			metadataAttr(ev.Metadata))
	case AbortEvent:
		s.l.LogAttrs(context.Background(), slog.LevelError, "vgpu: abort",
			slog.String("code", ev.Code),
			slog.String("file", ev.File),
			slog.Int("line", ev.Line),
			slog.String("function", ev.Function),
			slog.String("msg", ev.Message))
	}
}

func metadataAttr(m Metadata) slog.Attr {
	attrs := []any{
		slog.String("name", m.Name),
		slog.String("file", m.File),
		slog.Int("line", m.Line),
	}
	for k, v := range m.Data {
		attrs = append(attrs, slog.String(k, v))
	}
	return slog.Group("meta", attrs...)
}
