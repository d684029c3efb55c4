// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package plugin loads sandboxed guest modules and groups them into registry
// generations.
package plugin

import (
	"context"
	"log/slog"
	"time"

	"github.com/holomush/trinity/internal/plugin/hostfunc"
	pluginpkg "github.com/holomush/trinity/pkg/plugin"
)

// DefaultCallTimeout bounds a single guest entry point call.
const DefaultCallTimeout = 5 * time.Second

// Module is one loaded guest. Its name is declared by the guest itself.
type Module interface {
	// Name returns the module's self-declared name.
	Name() string

	// Handle offers a chat message to the module.
	Handle(ctx context.Context, text, sender, room string) ([]pluginpkg.Action, error)

	// Help returns the module description when topic is nil, or help on a
	// specific topic otherwise.
	Help(ctx context.Context, topic *string) (string, error)

	// Admin runs an administrator command against the target room.
	Admin(ctx context.Context, command, sender, targetRoom string) ([]pluginpkg.Action, error)
}

// ConfigLookup returns the configuration for the module with the given
// name. Unknown modules get an empty, non-nil map.
type ConfigLookup func(name string) map[string]string

// Runtime is the execution context one sandbox technology shares between
// every module of a registry generation.
type Runtime interface {
	// Load compiles and initialises the guest at path.
	Load(ctx context.Context, path string, config ConfigLookup) (Module, error)

	// Close releases the runtime and every module loaded into it.
	Close(ctx context.Context) error
}

// Loader creates runtimes for the file extensions it recognises.
type Loader interface {
	// Extensions lists recognised file extensions including the dot.
	Extensions() []string

	// NewRuntime creates a fresh execution context for one generation.
	NewRuntime(ctx context.Context, env Env) (Runtime, error)
}

// Env carries host resources into a runtime.
type Env struct {
	// Host exposes log/kv host functions to guests. May be nil.
	Host *hostfunc.Functions
	// CallTimeout bounds each entry point call. Zero uses DefaultCallTimeout.
	CallTimeout time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Timeout returns the effective call timeout.
func (e Env) Timeout() time.Duration {
	if e.CallTimeout <= 0 {
		return DefaultCallTimeout
	}
	return e.CallTimeout
}

// Log returns the effective logger.
func (e Env) Log() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}
