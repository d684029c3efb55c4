// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"

	"maunium.net/go/mautrix"

	"github.com/holomush/trinity/internal/matrix"
	"github.com/holomush/trinity/internal/observability"
	"github.com/holomush/trinity/internal/store"
)

// RunDeps contains injectable dependencies for the run command.
// All fields with nil values will use their default implementations.
type RunDeps struct {
	// StoreOpener opens the key/value store.
	// Default: store.Open
	StoreOpener func(ctx context.Context, url string) (store.Store, error)

	// Connector logs in to the homeserver.
	// Default: matrix.Connect
	Connector func(ctx context.Context, creds matrix.Credentials, kv matrix.KV, logger *slog.Logger) (*mautrix.Client, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker, opts ...observability.Option) ObservabilityServer
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}

func (d *RunDeps) withDefaults() *RunDeps {
	out := RunDeps{}
	if d != nil {
		out = *d
	}
	if out.StoreOpener == nil {
		out.StoreOpener = store.Open
	}
	if out.Connector == nil {
		out.Connector = matrix.Connect
	}
	if out.ObservabilityServerFactory == nil {
		out.ObservabilityServerFactory = func(addr string, ready observability.ReadinessChecker, opts ...observability.Option) ObservabilityServer {
			return observability.NewServer(addr, ready, opts...)
		}
	}
	return &out
}
