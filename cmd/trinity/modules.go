// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/holomush/trinity/internal/app"
	"github.com/holomush/trinity/internal/plugin"
	"github.com/holomush/trinity/internal/plugin/hostfunc"
	pluginlua "github.com/holomush/trinity/internal/plugin/lua"
	pluginwasm "github.com/holomush/trinity/internal/plugin/wasm"
	"github.com/holomush/trinity/internal/reload"
)

// moduleBuilder builds registry generations with a fixed set of loaders and
// host functions.
type moduleBuilder struct {
	loaders []plugin.Loader
	env     plugin.Env
}

func newModuleBuilder(kv hostfunc.KVStore, callTimeout time.Duration, logger *slog.Logger) *moduleBuilder {
	return &moduleBuilder{
		loaders: []plugin.Loader{pluginwasm.NewLoader(), pluginlua.NewLoader()},
		env: plugin.Env{
			Host:        hostfunc.New(kv, hostfunc.WithLogger(logger.With("component", "guest"))),
			CallTimeout: callTimeout,
			Logger:      logger.With("component", "plugin"),
		},
	}
}

// Extensions lists the file extensions the builder loads.
func (b *moduleBuilder) Extensions() []string {
	return plugin.Extensions(b.loaders)
}

// Build implements reload.BuildFunc.
func (b *moduleBuilder) Build(ctx context.Context, paths []string, cfg app.Config) (*plugin.Registry, error) {
	//nolint:wrapcheck // registry errors carry their own oops context
	return plugin.Build(ctx, plugin.BuildOptions{
		Paths:   paths,
		Config:  cfg,
		Loaders: b.loaders,
		Env:     b.env,
	})
}

var _ reload.BuildFunc = (*moduleBuilder)(nil).Build
