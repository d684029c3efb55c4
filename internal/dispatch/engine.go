// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package dispatch routes an incoming chat message to the administrator
// command path, the built-in help path, or the loaded guest modules.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/trinity/internal/plugin"
	pluginpkg "github.com/holomush/trinity/pkg/plugin"
)

var tracer = otel.Tracer("trinity/dispatch")

// Markers recognised at the start of a message.
const (
	AdminMarker = "!admin"
	HelpMarker  = "!help"
)

// Message is one inbound chat message.
type Message struct {
	Sender string
	Room   string
	Text   string
}

// RoomResolver turns a room reference typed by a user into a room id.
type RoomResolver interface {
	// Resolve returns the room id and true when ref names a room.
	Resolve(ctx context.Context, ref string) (string, bool, error)
}

// Engine applies the dispatch priority policy.
type Engine struct {
	admin    string
	resolver RoomResolver
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithAdmin sets the administrator identity. Without one the admin path is
// never taken.
func WithAdmin(userID string) Option {
	return func(e *Engine) {
		e.admin = userID
	}
}

// WithResolver sets the room reference resolver used by admin commands.
func WithResolver(r RoomResolver) Option {
	return func(e *Engine) {
		e.resolver = r
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates a dispatch engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Admin returns the administrator identity.
func (e *Engine) Admin() string {
	return e.admin
}

// Dispatch evaluates, in order, the admin path, the help path and the module
// path against reg. The first applicable result wins. The caller must hold
// exclusive access to reg for the duration of the call.
func (e *Engine) Dispatch(ctx context.Context, reg *plugin.Registry, msg Message) []pluginpkg.Action {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("dispatch.sender", msg.Sender),
			attribute.String("dispatch.room", msg.Room),
			attribute.String("dispatch.generation", reg.Generation().String()),
		))
	defer span.End()

	path := PathNone
	defer func() {
		span.SetAttributes(attribute.String("dispatch.path", path))
		recordDispatch(path, time.Since(start))
	}()

	if e.admin != "" && msg.Sender == e.admin {
		if actions, ok := e.tryAdmin(ctx, reg, msg); ok {
			path = PathAdmin
			return actions
		}
	}

	if action, ok := e.tryHelp(ctx, reg, msg); ok {
		path = PathHelp
		return []pluginpkg.Action{action}
	}

	for _, m := range reg.Modules() {
		actions, err := m.Handle(ctx, msg.Text, msg.Sender, msg.Room)
		if err != nil {
			e.moduleError(ctx, m.Name(), "handle", err)
			continue
		}
		if len(actions) > 0 {
			path = PathModule
			span.SetAttributes(attribute.String("dispatch.module", m.Name()))
			e.logger.DebugContext(ctx, "module produced a response", "module", m.Name())
			return actions
		}
	}

	return nil
}

func (e *Engine) moduleError(ctx context.Context, module, entry string, err error) {
	recordModuleError(module, entry)
	trace.SpanFromContext(ctx).AddEvent("module_error", trace.WithAttributes(
		attribute.String("module", module),
		attribute.String("entry", entry),
		attribute.String("error", err.Error()),
	))
	e.logger.WarnContext(ctx, "module entry point failed",
		"module", module,
		"entry", entry,
		"error", err)
}
