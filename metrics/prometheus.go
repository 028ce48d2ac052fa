// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus exports metric events as Prometheus series.
//
//   - vgpu_task_hangs_total{task}        counter
//   - vgpu_task_unhangs_total{task}      counter
//   - vgpu_task_hung_seconds{task}       histogram of hung durations
//   - vgpu_tasks_hung                    gauge of currently hung tasks
//   - vgpu_aborts_total{code}            counter
//
// The task label is the metadata name, never the numeric id, to keep
// cardinality bounded.
type Prometheus struct {
	hangs   *prometheus.CounterVec
	unhangs *prometheus.CounterVec
	hung    *prometheus.HistogramVec
	current prometheus.Gauge
	aborts  *prometheus.CounterVec
}

// NewPrometheus registers the vgpu series with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Prometheus{
		hangs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vgpu_task_hangs_total",
			Help: "Monitored tasks that exceeded their timeout, by task name",
		}, []string{"task"}),
		unhangs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vgpu_task_unhangs_total",
			Help: "Hung tasks that recovered or stopped, by task name",
		}, []string{"task"}),
		hung: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vgpu_task_hung_seconds",
			Help:    "Time monitored tasks spent hung",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"task"}),
		current: f.NewGauge(prometheus.GaugeOpts{
			Name: "vgpu_tasks_hung",
			Help: "Monitored tasks currently hung",
		}),
		aborts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vgpu_aborts_total",
			Help: "Process-fatal aborts by reason code",
		}, []string{"code"}),
	}
}

// LogMetricEvent implements Logger.
func (p *Prometheus) LogMetricEvent(e Event) {
	switch ev := e.(type) {
	case HangEvent:
		p.hangs.WithLabelValues(taskLabel(ev.Metadata)).Inc()
		p.current.Inc()
	case UnhangEvent:
		p.unhangs.WithLabelValues(taskLabel(ev.Metadata)).Inc()
		p.hung.WithLabelValues(taskLabel(ev.Metadata)).Observe(ev.HungDuration.Seconds())
		p.current.Dec()
	case AbortEvent:
		p.aborts.WithLabelValues(ev.Code).Inc()
	}
}

func taskLabel(m Metadata) string {
	if m.Name == "" {
		return "unnamed"
	}
	return m.Name
}
