// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package app holds the application context shared by the chat relay and the
// hot-reload controller: the live module registry plus the bookkeeping needed
// to rebuild it. Dispatches and installs are serialized by a single guard
// that is only ever held for one dispatch or one install. Read-only
// accessors never wait on that guard.
package app

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/trinity/internal/dispatch"
	"github.com/holomush/trinity/internal/plugin"
	pluginpkg "github.com/holomush/trinity/pkg/plugin"
)

// DefaultWorkers is the number of dispatch workers when none is configured.
const DefaultWorkers = 4

// Error codes.
const (
	CodeDispatchPanic   = "DISPATCH_PANIC"
	CodeNotReady        = "NOT_READY"
	CodeCallerCancelled = "CALLER_CANCELLED"
)

var (
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("app closed")
	// ErrNotReady is returned by Dispatch before a registry is installed.
	ErrNotReady = errors.New("no module registry installed")
)

// Config is the module configuration keyed by module name.
type Config map[string]map[string]string

// Lookup returns the configuration of one module, never nil.
func (c Config) Lookup(name string) map[string]string {
	if m, ok := c[name]; ok && m != nil {
		return maps.Clone(m)
	}
	return map[string]string{}
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = maps.Clone(v)
	}
	return out
}

type result struct {
	actions []pluginpkg.Action
	err     error
}

type job struct {
	ctx    context.Context
	msg    dispatch.Message
	result chan result
}

// App is the application context.
type App struct {
	engine  *dispatch.Engine
	logger  *slog.Logger
	workers int

	// mu is the dispatch guard. live is only stored while it is held.
	mu   sync.Mutex
	live atomic.Pointer[plugin.Registry]

	stateMu sync.Mutex
	paths   []string
	config  Config
	pending bool

	jobs      chan job
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures an App.
type Option func(*App)

// WithEngine sets the dispatch engine.
func WithEngine(e *dispatch.Engine) Option {
	return func(a *App) {
		a.engine = e
	}
}

// WithWorkers sets the size of the dispatch worker pool.
func WithWorkers(n int) Option {
	return func(a *App) {
		if n > 0 {
			a.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		a.logger = l
	}
}

// WithModules sets the module search paths and per-module configuration used
// for rebuilds.
func WithModules(paths []string, cfg Config) Option {
	return func(a *App) {
		a.paths = slices.Clone(paths)
		a.config = cfg.Clone()
	}
}

// WithRegistry installs an initial registry.
func WithRegistry(reg *plugin.Registry) Option {
	return func(a *App) {
		a.live.Store(reg)
	}
}

// New creates an App and starts its dispatch workers.
func New(opts ...Option) *App {
	a := &App{
		logger:  slog.Default(),
		workers: DefaultWorkers,
		config:  Config{},
		jobs:    make(chan job),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.engine == nil {
		a.engine = dispatch.NewEngine(dispatch.WithLogger(a.logger))
	}

	a.wg.Add(a.workers)
	for range a.workers {
		go a.work()
	}
	return a
}

func (a *App) work() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case j := <-a.jobs:
			j.result <- a.run(j)
		}
	}
}

// run performs one dispatch under the guard. A panicking module releases the
// guard and is reported to the caller. A job whose caller already gave up is
// dropped without touching any module.
func (a *App) run(j job) (res result) {
	if err := j.ctx.Err(); err != nil {
		return result{err: oops.In("app").Code(CodeCallerCancelled).Wrapf(err, "caller gave up before dispatch")}
	}

	defer func() {
		if r := recover(); r != nil {
			err := oops.In("app").
				Code(CodeDispatchPanic).
				With("sender", j.msg.Sender).
				With("room", j.msg.Room).
				Errorf("dispatch panicked: %v", r)
			a.logger.Error("dispatch panicked", "error", err)
			res = result{err: err}
		}
	}()

	a.mu.Lock()
	defer a.mu.Unlock()

	reg := a.live.Load()
	if reg == nil {
		return result{err: oops.In("app").Code(CodeNotReady).Wrap(ErrNotReady)}
	}
	return result{actions: a.engine.Dispatch(j.ctx, reg, j.msg)}
}

// Dispatch runs msg through the dispatch engine on a worker and waits for the
// result or for ctx to end.
func (a *App) Dispatch(ctx context.Context, msg dispatch.Message) ([]pluginpkg.Action, error) {
	j := job{ctx: ctx, msg: msg, result: make(chan result, 1)}

	select {
	case <-a.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, oops.In("app").Wrapf(ctx.Err(), "waiting for a dispatch worker")
	case a.jobs <- j:
	}

	select {
	case r := <-j.result:
		return r.actions, r.err
	case <-ctx.Done():
		return nil, oops.In("app").Wrapf(ctx.Err(), "waiting for dispatch result")
	}
}

// Install replaces the live registry and clears the pending flag. The
// previous generation is closed after the guard is released.
func (a *App) Install(ctx context.Context, reg *plugin.Registry) error {
	a.mu.Lock()
	old := a.live.Swap(reg)
	a.stateMu.Lock()
	a.pending = false
	a.stateMu.Unlock()
	a.mu.Unlock()

	a.logger.Info("module registry installed",
		"generation", reg.Generation().String(),
		"modules", reg.Names())

	if old == nil || old == reg {
		return nil
	}
	if err := old.Close(ctx); err != nil {
		return oops.In("app").
			With("generation", old.Generation().String()).
			Wrapf(err, "close previous registry")
	}
	return nil
}

// MarkPending sets the reload-pending flag. It returns false when a rebuild
// was already pending.
func (a *App) MarkPending() bool {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if a.pending {
		return false
	}
	a.pending = true
	return true
}

// ClearPending clears the reload-pending flag.
func (a *App) ClearPending() {
	a.stateMu.Lock()
	a.pending = false
	a.stateMu.Unlock()
}

// Pending reports whether a rebuild is pending.
func (a *App) Pending() bool {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.pending
}

// Snapshot returns copies of the module paths and configuration for a
// rebuild.
func (a *App) Snapshot() ([]string, Config) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return slices.Clone(a.paths), a.config.Clone()
}

// Generation returns the live registry generation.
func (a *App) Generation() (ulid.ULID, bool) {
	reg := a.live.Load()
	if reg == nil {
		return ulid.ULID{}, false
	}
	return reg.Generation(), true
}

// Changed reports whether the files behind the live registry changed on disk.
func (a *App) Changed() bool {
	reg := a.live.Load()
	if reg == nil {
		return false
	}
	return reg.Changed()
}

// Modules returns the module names of the live registry in dispatch order.
func (a *App) Modules() []string {
	reg := a.live.Load()
	if reg == nil {
		return nil
	}
	return reg.Names()
}

// Ready reports whether a registry is installed and the app is open.
func (a *App) Ready() bool {
	select {
	case <-a.done:
		return false
	default:
	}
	_, ok := a.Generation()
	return ok
}

// Close stops the workers and closes the live registry.
func (a *App) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		close(a.done)
		a.wg.Wait()

		a.mu.Lock()
		reg := a.live.Swap(nil)
		a.mu.Unlock()

		if reg != nil {
			err = reg.Close(ctx)
		}
	})
	return err
}
