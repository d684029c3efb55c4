// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package reload watches module search paths and rebuilds the module registry
// when bytecode files change.
package reload

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/statekit"
	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/holomush/trinity/internal/app"
	"github.com/holomush/trinity/internal/plugin"
	"github.com/holomush/trinity/pkg/errutil"
)

// DefaultDebounce is the quiet interval between the first change and the
// rebuild.
const DefaultDebounce = time.Second

// Target is the application context a controller installs into.
type Target interface {
	MarkPending() bool
	ClearPending()
	Snapshot() ([]string, app.Config)
	Install(ctx context.Context, reg *plugin.Registry) error
	Changed() bool
}

var _ Target = (*app.App)(nil)

// BuildFunc builds a fresh registry generation.
type BuildFunc func(ctx context.Context, paths []string, cfg app.Config) (*plugin.Registry, error)

type buildResult struct {
	reg *plugin.Registry
	err error
}

// Controller is the hot-reload controller.
type Controller struct {
	target   Target
	build    BuildFunc
	patterns []glob.Glob
	debounce time.Duration
	logger   *slog.Logger

	interp *statekit.Interpreter[machineContext]

	mu    sync.Mutex
	state State

	// rearm records a change absorbed while rebuilding.
	rearm   bool
	trigger chan struct{}
	results chan buildResult
	builds  sync.WaitGroup
	done    chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithDebounce sets the quiet interval.
func WithDebounce(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// New creates a controller that reacts to files carrying one of extensions.
func New(target Target, build BuildFunc, extensions []string, opts ...Option) (*Controller, error) {
	c := &Controller{
		target:   target,
		build:    build,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		state:    StateIdle,
		trigger:  make(chan struct{}, 1),
		results:  make(chan buildResult, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, ext := range extensions {
		g, err := glob.Compile("*" + strings.ToLower(ext))
		if err != nil {
			return nil, oops.In("reload").With("extension", ext).Wrap(err)
		}
		c.patterns = append(c.patterns, g)
	}

	interp, err := newMachine()
	if err != nil {
		return nil, err
	}
	c.interp = interp
	return c, nil
}

// Relevant reports whether path names a recognised bytecode file.
func (c *Controller) Relevant(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	for _, p := range c.patterns {
		if p.Match(name) {
			return true
		}
	}
	return false
}

// State returns the current controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the controller loop has exited.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Trigger requests a rebuild as if a module file had changed.
func (c *Controller) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Start watches paths recursively and runs the controller loop until ctx is
// cancelled.
func (c *Controller) Start(ctx context.Context, paths []string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return oops.In("reload").Hint("failed to create filesystem watcher").Wrap(err)
	}
	for _, p := range paths {
		if err := c.watchTree(watcher, p); err != nil {
			_ = watcher.Close()
			return err
		}
	}

	c.interp.Start()
	go c.loop(ctx, watcher)
	return nil
}

// watchTree adds root and every directory below it.
func (c *Controller) watchTree(w *fsnotify.Watcher, root string) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.Add(path)
	})
	if err != nil {
		return oops.In("reload").With("path", root).Hint("failed to watch module path").Wrap(err)
	}
	return nil
}

func (c *Controller) loop(ctx context.Context, w *fsnotify.Watcher) {
	defer close(c.done)
	defer c.interp.Stop()
	defer c.drain()
	defer func() {
		if err := w.Close(); err != nil {
			c.logger.Warn("failed to close watcher", "error", err)
		}
	}()

	quiet := time.NewTimer(c.debounce)
	quiet.Stop()
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			c.handleEvent(w, ev, quiet)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			c.logger.Warn("filesystem watcher error", "error", err)

		case <-c.trigger:
			c.change(quiet)

		case <-quiet.C:
			c.startRebuild(ctx)

		case res := <-c.results:
			c.finishRebuild(ctx, res, quiet)
		}
	}
}

func (c *Controller) handleEvent(w *fsnotify.Watcher, ev fsnotify.Event, quiet *time.Timer) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := c.watchTree(w, ev.Name); err != nil {
				c.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
			}
			return
		}
	}
	if !c.Relevant(ev.Name) {
		return
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
		!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	c.logger.Debug("module file changed", "path", ev.Name, "op", ev.Op.String())
	c.change(quiet)
}

// change moves idle to pending and arms the quiet timer. Changes in any
// other state are absorbed; during a rebuild they re-arm a follow-up.
func (c *Controller) change(quiet *time.Timer) {
	switch c.State() {
	case StatePending:
		return
	case StateRebuilding:
		c.rearm = true
		return
	}
	if !c.target.MarkPending() {
		return
	}
	c.send(EventChange)
	quiet.Reset(c.debounce)
}

func (c *Controller) startRebuild(ctx context.Context) {
	if c.State() != StatePending {
		return
	}
	c.send(EventQuiet)

	paths, cfg := c.target.Snapshot()
	c.logger.Info("rebuilding module registry", "paths", paths)

	c.builds.Add(1)
	go func() {
		defer c.builds.Done()
		reg, err := c.build(ctx, paths, cfg)
		c.results <- buildResult{reg: reg, err: err}
	}()
}

func (c *Controller) finishRebuild(ctx context.Context, res buildResult, quiet *time.Timer) {
	ok := false
	switch {
	case res.err != nil:
		ReloadsTotal.WithLabelValues(ResultFailure).Inc()
		errutil.LogError(c.logger, "module registry rebuild failed, keeping previous registry", res.err)
		c.target.ClearPending()
	default:
		if err := c.target.Install(ctx, res.reg); err != nil {
			c.logger.Warn("previous registry did not close cleanly", "error", err)
		}
		ReloadsTotal.WithLabelValues(ResultSuccess).Inc()
		ok = true
	}
	c.send(EventDone)

	rearm := c.rearm
	c.rearm = false
	if !rearm && ok && c.target.Changed() {
		c.logger.Debug("module files changed during rebuild")
		rearm = true
	}
	if rearm {
		c.change(quiet)
	}
}

// drain waits for an in-flight rebuild and releases a registry that will
// never be installed.
func (c *Controller) drain() {
	c.builds.Wait()
	select {
	case res := <-c.results:
		if res.reg != nil {
			_ = res.reg.Close(context.Background())
		}
	default:
	}
	c.target.ClearPending()
}

func (c *Controller) send(event string) {
	c.interp.Send(statekit.Event{Type: statekit.EventType(event)})
	next := State(c.interp.State().Value)

	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()

	if prev != next {
		c.logger.Debug("reload state changed", "from", prev, "to", next)
	}
}
