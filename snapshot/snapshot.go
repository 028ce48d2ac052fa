// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package snapshot coordinates a consistent save of renderer state: every
// worker is parked at a command boundary, the registry is enumerated into
// a sink, and the workers resume.
//
// Serializing resources is the sink's business. This package only
// guarantees nothing runs on the blocked workers while the sink sees the
// registry.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/vgpu/completion"
	"github.com/gogpu/vgpu/internal/logging"
	"github.com/gogpu/vgpu/registry"
)

// Blocker is a worker that can be parked until a channel closes.
// dispatch.Worker and compose.Scheduler implement it.
type Blocker interface {
	Block(cont <-chan struct{}) (*completion.Handle, error)
}

// Enumerator walks registry entries. *registry.Registry implements it.
type Enumerator interface {
	Walk(fn func(registry.Entry) error) error
}

// Sink receives every registry entry of a snapshot.
type Sink interface {
	Save(kind registry.Kind, handle registry.Handle, res registry.Resource) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(kind registry.Kind, handle registry.Handle, res registry.Resource) error

// Save implements Sink.
func (f SinkFunc) Save(kind registry.Kind, handle registry.Handle, res registry.Resource) error {
	return f(kind, handle, res)
}

// Session describes one completed snapshot.
type Session struct {
	ID        uuid.UUID
	Started   time.Time
	Finished  time.Time
	Resources int
}

// Duration returns how long the workers were frozen.
func (s Session) Duration() time.Duration { return s.Finished.Sub(s.Started) }

// Freeze parks every blocker and waits until each has reached its block.
// The returned thaw resumes them and is safe to call more than once. On
// error every blocker already parked is resumed before Freeze returns.
func Freeze(ctx context.Context, blockers ...Blocker) (thaw func(), err error) {
	conts := make([]chan struct{}, len(blockers))
	for i := range conts {
		conts[i] = make(chan struct{})
	}
	var once sync.Once
	thaw = func() {
		once.Do(func() {
			for _, c := range conts {
				close(c)
			}
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, b := range blockers {
		g.Go(func() error {
			scheduled, err := b.Block(conts[i])
			if err != nil {
				return fmt.Errorf("snapshot: block worker %d: %w", i, err)
			}
			if err := scheduled.Wait(gctx); err != nil {
				return fmt.Errorf("snapshot: worker %d did not park: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		thaw()
		return nil, err
	}
	return thaw, nil
}

// Take freezes blockers, saves every entry of reg into sink and thaws.
func Take(ctx context.Context, reg Enumerator, sink Sink, blockers ...Blocker) (Session, error) {
	return TakeWithLogger(ctx, nil, reg, sink, blockers...)
}

// TakeWithLogger is Take logging to log instead of the shared vgpu logger.
func TakeWithLogger(ctx context.Context, log *slog.Logger, reg Enumerator, sink Sink, blockers ...Blocker) (Session, error) {
	s := Session{ID: uuid.New(), Started: time.Now()}
	log = logging.Or(log).With("snapshot", s.ID.String())

	thaw, err := Freeze(ctx, blockers...)
	if err != nil {
		log.Warn("snapshot: freeze failed", "err", err)
		return s, err
	}
	defer thaw()

	err = reg.Walk(func(e registry.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sink.Save(e.Kind, e.Handle, e.Resource); err != nil {
			return fmt.Errorf("snapshot: save %s %d: %w", e.Kind, e.Handle, err)
		}
		s.Resources++
		return nil
	})
	s.Finished = time.Now()
	if err != nil {
		log.Warn("snapshot: aborted", "saved", s.Resources, "err", err)
		return s, err
	}
	log.Info("snapshot: taken", "resources", s.Resources, "duration", s.Duration())
	return s, nil
}
