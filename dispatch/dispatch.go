// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package dispatch runs GPU-affecting commands on a dedicated worker.
//
// A Worker owns one goroutine and a queue of depth one: at most one command
// waits behind the one executing, and Enqueue blocks beyond that. Commands
// run in arrival order. Each command may return a completion handle for GPU
// work it submitted; the ticket's Done handle follows it, so callers can
// wait for the GPU without holding up the worker.
package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/vgpu/completion"
	"github.com/gogpu/vgpu/health"
	"github.com/gogpu/vgpu/internal/logging"
	"github.com/gogpu/vgpu/metrics"
)

// DefaultTimeout is the health timeout of one command.
const DefaultTimeout = 5 * time.Second

// ErrWorkerClosed is returned by Enqueue and Block after Exit.
var ErrWorkerClosed = errors.New("dispatch: worker closed")

// Op is a worker command opcode.
type Op uint8

const (
	OpRun Op = iota
	OpPost
	OpViewport
	OpCompose
	OpClear
	OpScreenshot
	OpExit
	OpBlock
)

var opNames = [...]string{
	OpRun:        "run",
	OpPost:       "post",
	OpViewport:   "viewport",
	OpCompose:    "compose",
	OpClear:      "clear",
	OpScreenshot: "screenshot",
	OpExit:       "exit",
	OpBlock:      "block",
}

// String returns the opcode name.
func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Command is one unit of work for a Worker.
type Command struct {
	Op Op

	// Name is an optional label added to health metadata.
	Name string

	// Run executes on the worker goroutine. It returns the completion of the
	// GPU work it submitted, or nil when the command finished synchronously.
	Run func() *completion.Handle
}

// Ticket tracks an enqueued command.
type Ticket struct {
	// Issued resolves once the worker has run the command.
	Issued *completion.Handle

	// Done resolves once the GPU work of the command has completed.
	Done *completion.Handle
}

// Config configures a Worker.
type Config struct {
	// Monitor, when set, watches every command.
	Monitor *health.Monitor

	// Timeout is the health timeout of one command. Defaults to
	// DefaultTimeout.
	Timeout time.Duration

	// Logger overrides the shared vgpu logger.
	Logger *slog.Logger
}

type job struct {
	cmd     Command
	issued  func(error)
	done    func(error)
	control bool
}

// Worker is a single-goroutine command executor.
type Worker struct {
	name    string
	monitor *health.Monitor
	timeout time.Duration
	log     *slog.Logger

	queue chan job

	// mu orders Enqueue against Exit.
	mu      sync.RWMutex
	closed  bool
	stopped chan struct{}

	executed atomic.Uint64
}

// New starts a worker named name.
func New(name string, cfg Config) *Worker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	w := &Worker{
		name:    name,
		monitor: cfg.Monitor,
		timeout: cfg.Timeout,
		log:     cfg.Logger,
		queue:   make(chan job, 1),
		stopped: make(chan struct{}),
	}
	go w.loop()
	logging.Or(w.log).Info("dispatch: worker started", "worker", name)
	return w
}

// Name returns the worker name.
func (w *Worker) Name() string { return w.name }

// Executed returns the number of commands run so far.
func (w *Worker) Executed() uint64 { return w.executed.Load() }

// Enqueue queues cmd. It blocks while another command is already waiting.
func (w *Worker) Enqueue(cmd Command) (*Ticket, error) {
	if cmd.Run == nil {
		return nil, fmt.Errorf("dispatch: %s command without Run", cmd.Op)
	}
	issued, resolveIssued := completion.New()
	done, resolveDone := completion.New()
	j := job{cmd: cmd, issued: resolveIssued, done: resolveDone}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return nil, ErrWorkerClosed
	}
	w.queue <- j
	return &Ticket{Issued: issued, Done: done}, nil
}

// Block queues a command that parks the worker until cont is closed. The
// returned handle resolves when the worker reaches the block, which
// guarantees every command queued before it has run.
func (w *Worker) Block(cont <-chan struct{}) (*completion.Handle, error) {
	scheduled, resolve := completion.New()
	_, err := w.Enqueue(Command{
		Op: OpBlock,
		Run: func() *completion.Handle {
			resolve(nil)
			<-cont
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return scheduled, nil
}

// Exit runs every command queued so far, then stops the worker and waits
// for its goroutine to return. Exit is safe to call multiple times.
func (w *Worker) Exit() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.stopped
		return
	}
	w.closed = true
	w.mu.Unlock()

	w.queue <- job{cmd: Command{Op: OpExit}, control: true}
	<-w.stopped
	logging.Or(w.log).Info("dispatch: worker stopped", "worker", w.name, "executed", w.executed.Load())
}

func (w *Worker) loop() {
	defer close(w.stopped)
	for j := range w.queue {
		if j.control {
			return
		}
		w.run(j)
	}
}

func (w *Worker) run(j job) {
	log := logging.Or(w.log)
	log.Debug("dispatch: command", "worker", w.name, "op", j.cmd.Op.String(), "name", j.cmd.Name)

	var wd *health.Watchdog
	if j.cmd.Op != OpBlock {
		md := metrics.Metadata{
			Name: w.name + "/" + j.cmd.Op.String(),
			Data: map[string]string{"op": j.cmd.Op.String()},
		}
		if j.cmd.Name != "" {
			md.Data["name"] = j.cmd.Name
		}
		wd = health.Watch(w.monitor, md, health.WithTimeout(w.timeout))
	}

	h := j.cmd.Run()
	w.executed.Add(1)
	if wd != nil {
		wd.Stop()
	}

	j.issued(nil)
	if h == nil {
		j.done(nil)
		return
	}
	h.OnDone(j.done)
}
