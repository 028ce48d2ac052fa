// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package registry owns every addressable GPU-backed resource of the
// virtual GPU: color buffers, linear buffers, rendering contexts and window
// surfaces.
//
// The registry hands out handles that are unique across all kinds at once,
// reference-counts color buffers with a short delayed-close grace period,
// and records which guest process created or opened what, so that a crashed
// process can be reaped in one call.
//
// Unknown handles are not errors. A guest may legitimately hold a stale
// handle to a resource the host already collected, so lookups, opens and
// closes of unknown handles log a warning and report false.
//
// # Locking
//
// Two mutexes guard the registry. The coarse lock covers bookkeeping that
// is not a GPU resource: the handle counter, reservations, process-owned
// sets, the delayed-close list and cleanup callbacks. The fine lock covers
// only the handle to resource tables. The fine lock may be taken while the
// coarse lock is held, never the reverse. The ordering is carried by types:
// the fine lock is reachable either through a coarseHeld token, which only
// lockCoarse produces, or through lookup, whose callback receives the tables
// alone and has no path back to the coarse state.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/vgpu/gpu"
	"github.com/gogpu/vgpu/internal/logging"
)

// DefaultCloseDelay is the grace period a zero-refcount color buffer stays
// alive in case the guest references it again.
const DefaultCloseDelay = time.Second

// Errors.
var (
	// ErrMemoryBudgetExceeded is returned when registering a resource would
	// exceed the configured memory budget.
	ErrMemoryBudgetExceeded = errors.New("registry: memory budget exceeded")
)

// Handle is an opaque, non-zero resource identifier.
type Handle uint32

// ProcessID identifies a guest process. Zero means "no owning process".
type ProcessID uint64

// Kind is the kind of resource a handle refers to.
type Kind uint8

const (
	KindColorBuffer Kind = iota + 1
	KindBuffer
	KindContext
	KindWindowSurface
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindColorBuffer:
		return "color-buffer"
	case KindBuffer:
		return "buffer"
	case KindContext:
		return "context"
	case KindWindowSurface:
		return "window-surface"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Resource is a backend GPU object owned by a registry entry. Destroy is
// called exactly once, outside the registry locks, when the entry is
// collected.
type Resource interface {
	Destroy()
}

// ColorBuffer is a shared, reference-counted image resource.
type ColorBuffer interface {
	Resource
	gpu.Borrower
}

// PixelReader is implemented by color buffers whose contents can be read
// back. Pixels are tightly packed rows of the buffer's format.
type PixelReader interface {
	ReadPixels(x, y, width, height int, dst []byte) error
}

// PixelWriter is implemented by color buffers whose contents can be
// replaced from host memory.
type PixelWriter interface {
	UpdatePixels(x, y, width, height int, src []byte) error
}

// ColorBufferDesc describes a color buffer for accounting.
type ColorBufferDesc struct {
	Width  int
	Height int
	Format gputypes.TextureFormat
}

// Bytes returns the accounted size of the buffer.
func (d ColorBufferDesc) Bytes() uint64 {
	if d.Width <= 0 || d.Height <= 0 {
		return 0
	}
	return uint64(d.Width) * uint64(d.Height) * uint64(gpu.BytesPerPixel(d.Format))
}

// Config configures a Registry.
type Config struct {
	// CloseDelay is the delayed-close grace period. Defaults to
	// DefaultCloseDelay.
	CloseDelay time.Duration

	// DisableDelayedClose destroys color buffers as soon as their refcount
	// reaches zero, as if every close were forced.
	DisableDelayedClose bool

	// MemoryBudget limits the accounted bytes of color buffers and buffers.
	// Zero means unlimited.
	MemoryBudget uint64

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger overrides the shared vgpu logger.
	Logger *slog.Logger
}

type colorBufferRef struct {
	res      ColorBuffer
	desc     ColorBufferDesc
	refcount int
	opened   bool
	closedAt time.Time

	// pins counts in-flight users such as compositions and readbacks.
	// A collected entry is destroyed once its last pin is released.
	pins int
	dead bool
}

type bufferEntry struct {
	res   Resource
	size  uint64
	owner ProcessID
}

type contextEntry struct {
	res   Resource
	owner ProcessID
}

type surfaceEntry struct {
	res   Resource
	bound Handle
	owner ProcessID
}

// tables is the handle to resource map guarded by the fine lock.
type tables struct {
	mu           sync.Mutex
	colorBuffers map[Handle]*colorBufferRef
	buffers      map[Handle]*bufferEntry
	contexts     map[Handle]*contextEntry
	surfaces     map[Handle]*surfaceEntry
}

func (t *tables) live(h Handle) bool {
	if _, ok := t.colorBuffers[h]; ok {
		return true
	}
	if _, ok := t.buffers[h]; ok {
		return true
	}
	if _, ok := t.contexts[h]; ok {
		return true
	}
	_, ok := t.surfaces[h]
	return ok
}

type delayedClose struct {
	handle   Handle
	closedAt time.Time
}

// Registry is the handle registry. It is safe for concurrent use.
type Registry struct {
	closeDelay   time.Duration
	forceClose   bool
	now          func() time.Time
	log          *slog.Logger
	memoryBudget uint64

	// Coarse state, guarded by mu.
	mu       sync.Mutex
	next     Handle
	reserved map[Handle]struct{}
	procs    map[ProcessID]*processResources
	delayed  []delayedClose
	memory   memoryAccount
	closed   bool

	// collected holds color buffers erased since the last notification.
	collected []Handle

	// Fine state.
	res tables

	destroyed atomic.Uint64

	listenMu     sync.Mutex
	listeners    map[int]func(Handle)
	nextListener int
}

// New returns an empty registry.
func New(cfg Config) *Registry {
	if cfg.CloseDelay <= 0 {
		cfg.CloseDelay = DefaultCloseDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		closeDelay:   cfg.CloseDelay,
		forceClose:   cfg.DisableDelayedClose,
		now:          cfg.Now,
		log:          cfg.Logger,
		memoryBudget: cfg.MemoryBudget,
		reserved:     make(map[Handle]struct{}),
		procs:        make(map[ProcessID]*processResources),
		res: tables{
			colorBuffers: make(map[Handle]*colorBufferRef),
			buffers:      make(map[Handle]*bufferEntry),
			contexts:     make(map[Handle]*contextEntry),
			surfaces:     make(map[Handle]*surfaceEntry),
		},
	}
}

func (r *Registry) logger() *slog.Logger { return logging.Or(r.log) }

// coarseHeld proves the coarse lock is held. Only lockCoarse creates one.
type coarseHeld struct {
	r *Registry
}

func (r *Registry) lockCoarse() coarseHeld {
	r.mu.Lock()
	return coarseHeld{r: r}
}

func (c coarseHeld) unlock() { c.r.mu.Unlock() }

// tables runs fn with the fine lock held inside the coarse lock.
func (c coarseHeld) tables(fn func(t *tables)) {
	c.r.res.mu.Lock()
	defer c.r.res.mu.Unlock()
	fn(&c.r.res)
}

// lookup runs fn with only the fine lock held. fn sees the tables and
// nothing else.
func (r *Registry) lookup(fn func(t *tables)) {
	r.res.mu.Lock()
	defer r.res.mu.Unlock()
	fn(&r.res)
}

// destroyAll runs Destroy hooks collected under the locks.
func (r *Registry) destroyAll(doomed []Resource) {
	for _, res := range doomed {
		if res != nil {
			res.Destroy()
			r.destroyed.Add(1)
		}
	}
}

// OnCollect registers fn to be called with the handle of every color
// buffer removed from the registry, whether by forced close, delayed-close
// sweep, process cleanup or Close. fn runs outside the registry locks on
// the goroutine that collected the buffer, after its Destroy hook. The
// returned func unregisters fn.
func (r *Registry) OnCollect(fn func(Handle)) (remove func()) {
	r.listenMu.Lock()
	defer r.listenMu.Unlock()
	if r.listeners == nil {
		r.listeners = make(map[int]func(Handle))
	}
	id := r.nextListener
	r.nextListener++
	r.listeners[id] = fn
	return func() {
		r.listenMu.Lock()
		defer r.listenMu.Unlock()
		delete(r.listeners, id)
	}
}

func (c coarseHeld) takeCollected() []Handle {
	hs := c.r.collected
	c.r.collected = nil
	return hs
}

func (r *Registry) notifyCollected(hs []Handle) {
	if len(hs) == 0 {
		return
	}
	r.listenMu.Lock()
	fns := make([]func(Handle), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.listenMu.Unlock()
	for _, h := range hs {
		for _, fn := range fns {
			fn(h)
		}
	}
}
