// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package metrics

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Zap writes metric events to a zap.Logger.
type Zap struct {
	l *zap.Logger
}

// NewZap returns a sink writing to l. A nil logger discards events.
func NewZap(l *zap.Logger) *Zap {
	if l == nil {
		l = zap.NewNop()
	}
	return &Zap{l: l.Named("metrics")}
}

// LogMetricEvent implements Logger.
func (z *Zap) LogMetricEvent(e Event) {
	switch ev := e.(type) {
	case HangEvent:
		z.l.Warn("task hung",
			zap.Uint64("task", ev.TaskID),
			zap.Int("other_hung", ev.OtherHungTasks),
			zap.Object("meta", zapMetadata(ev.Metadata)))
	case UnhangEvent:
		z.l.Info("task recovered",
			zap.Uint64("task", ev.TaskID),
			zap.Duration("hung", ev.HungDuration),
			zap.Object("meta", zapMetadata(ev.Metadata)))
	case AbortEvent:
		z.l.Error("abort",
			zap.String("code", ev.Code),
			zap.String("file", ev.File),
			zap.Int("line", ev.Line),
			zap.String("function", ev.Function),
			zap.String("msg", ev.Message))
	}
}

type zapMetadata Metadata

func (m zapMetadata) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("name", m.Name)
	enc.AddString("file", m.File)
	enc.AddInt("line", m.Line)
	for k, v := range m.Data {
		enc.AddString(k, v)
	}
	return nil
}
