// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package display presents composed frames on a bound Surface.
//
// A Display tracks one surface through the states Unbound, Bound and
// NeedsRecreate. Binding, resizing and a suboptimal or out-of-date
// presentation move it to NeedsRecreate; it returns to Bound only once
// Surface.Configure succeeds. Presentation retries a bounded number of
// times and a surface that cannot be brought back aborts the process.
package display

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gogpu/vgpu/fatal"
	"github.com/gogpu/vgpu/gpu"
	"github.com/gogpu/vgpu/internal/logging"
)

// Defaults.
const (
	// DefaultPresentAttempts bounds the attempts of one Post.
	DefaultPresentAttempts = 8

	// DefaultRecreateRetries bounds the retries of one swapchain recreate.
	DefaultRecreateRetries = 8

	// DefaultRecreateInterval is the pause between recreate retries.
	DefaultRecreateInterval = time.Millisecond
)

// State is the presentation state of a Display.
type State uint8

const (
	StateUnbound State = iota
	StateBound
	StateNeedsRecreate
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateNeedsRecreate:
		return "needs-recreate"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Config configures a Display.
type Config struct {
	// PresentAttempts bounds the attempts of one Post. Defaults to
	// DefaultPresentAttempts.
	PresentAttempts int

	// RecreateRetries bounds the retries of one recreate. Defaults to
	// DefaultRecreateRetries.
	RecreateRetries int

	// RecreateInterval is the pause between recreate retries. Defaults to
	// DefaultRecreateInterval.
	RecreateInterval time.Duration

	// Logger overrides the shared vgpu logger.
	Logger *slog.Logger
}

// Stats counts presentation activity.
type Stats struct {
	Presented  uint64
	Recreated  uint64
	OutOfDate  uint64
	Suboptimal uint64
}

// Display drives one bound surface. Post, Bind, Unbind and Resize are
// meant to be called from the compositor worker; State and Stats may be
// called from anywhere.
type Display struct {
	attempts         int
	recreateRetries  uint64
	recreateInterval time.Duration
	log              *slog.Logger

	mu         sync.Mutex
	surface    Surface
	state      State
	width      int
	height     int
	imageCount int
	stats      Stats
}

// New returns an unbound Display.
func New(cfg Config) *Display {
	if cfg.PresentAttempts <= 0 {
		cfg.PresentAttempts = DefaultPresentAttempts
	}
	if cfg.RecreateRetries <= 0 {
		cfg.RecreateRetries = DefaultRecreateRetries
	}
	if cfg.RecreateInterval <= 0 {
		cfg.RecreateInterval = DefaultRecreateInterval
	}
	return &Display{
		attempts:         cfg.PresentAttempts,
		recreateRetries:  uint64(cfg.RecreateRetries),
		recreateInterval: cfg.RecreateInterval,
		log:              cfg.Logger,
	}
}

// Bind makes s the presentation target at the given size and configures
// it. It returns the swapchain image count. Any previously bound surface
// is unbound, not destroyed.
func (d *Display) Bind(s Surface, width, height int) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.surface = s
	d.width, d.height = width, height
	d.state = StateNeedsRecreate
	d.recreateLocked()
	logging.Or(d.log).Info("display: surface bound",
		"width", width, "height", height, "images", d.imageCount)
	return d.imageCount
}

// Unbind detaches the bound surface and returns it, or nil.
func (d *Display) Unbind() Surface {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.surface
	d.surface = nil
	d.state = StateUnbound
	d.imageCount = 0
	if s != nil {
		logging.Or(d.log).Info("display: surface unbound")
	}
	return s
}

// Resize records a new surface size. The swapchain is recreated before
// the next presentation.
func (d *Display) Resize(width, height int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.width, d.height = width, height
	if d.surface != nil {
		d.state = StateNeedsRecreate
	}
}

// Post presents img on the bound surface. Without a surface it does
// nothing. Every attempt recreates the swapchain first when needed; running
// out of attempts aborts with fatal.CodeSurfaceLost.
func (d *Display) Post(img gpu.Image) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.surface == nil {
		return
	}
	for attempt := 1; attempt <= d.attempts; attempt++ {
		if d.state == StateNeedsRecreate {
			d.recreateLocked()
		}
		status, err := d.surface.Present(img)
		if err != nil {
			fatal.Abortf(fatal.CodeBackend, "display: present: %v", err)
		}
		switch status {
		case StatusOK:
			d.stats.Presented++
			return
		case StatusSuboptimal:
			d.stats.Presented++
			d.stats.Suboptimal++
			d.state = StateNeedsRecreate
			return
		default:
			d.stats.OutOfDate++
			d.state = StateNeedsRecreate
			logging.Or(d.log).Warn("display: swapchain out of date", "attempt", attempt)
		}
	}
	fatal.Abortf(fatal.CodeSurfaceLost, "display: no successful present after %d attempts", d.attempts)
}

func (d *Display) recreateLocked() {
	op := func() error {
		n, err := d.surface.Configure(d.width, d.height)
		if err != nil {
			logging.Or(d.log).Debug("display: configure failed", "err", err)
			return err
		}
		d.imageCount = n
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(d.recreateInterval), d.recreateRetries)
	if err := backoff.Retry(op, policy); err != nil {
		fatal.Abortf(fatal.CodeSurfaceLost, "display: recreate %dx%d: %v", d.width, d.height, err)
	}
	d.state = StateBound
	d.stats.Recreated++
}

// State returns the presentation state.
func (d *Display) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ImageCount returns the image count of the bound swapchain, zero when
// unbound.
func (d *Display) ImageCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.imageCount
}

// Size returns the configured surface size.
func (d *Display) Size() (width, height int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.width, d.height
}

// Stats returns presentation counters.
func (d *Display) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
