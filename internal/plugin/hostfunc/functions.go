// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package hostfunc provides host functions to guest modules.
//
// Host functions expose bot capabilities to guests in a controlled way. Every
// call is scoped to the calling module: key/value access is namespaced under
// the module's name and configuration lookups only see the module's own map.
package hostfunc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// defaultKVTimeout bounds a single key/value operation made by a guest.
const defaultKVTimeout = 2 * time.Second

// ErrNoStore is returned when no key/value store is configured.
var ErrNoStore = errors.New("kv store not available")

// KVStore provides key-value storage.
type KVStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Functions provides host functions to guest modules.
type Functions struct {
	kvStore KVStore
	logger  *slog.Logger
}

// Option configures Functions.
type Option func(*Functions)

// WithLogger sets the logger guest log lines are written to.
func WithLogger(l *slog.Logger) Option {
	return func(f *Functions) {
		f.logger = l
	}
}

// New creates host functions backed by kv. A nil kv disables storage.
func New(kv KVStore, opts ...Option) *Functions {
	f := &Functions{kvStore: kv, logger: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// KVKey returns the store key a module's key is saved under.
func KVKey(module, key string) string {
	return "module/" + module + "/" + key
}

// Scope binds host functions to one module. The module name may be assigned
// after creation, since guests declare their own name once loaded.
type Scope struct {
	fns *Functions

	mu     sync.RWMutex
	module string
	config map[string]string
}

// Scope creates a scope for a module.
func (f *Functions) Scope(module string, config map[string]string) *Scope {
	if config == nil {
		config = map[string]string{}
	}
	return &Scope{fns: f, module: module, config: config}
}

// Module returns the module the scope is bound to.
func (s *Scope) Module() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.module
}

// Bind assigns the module name and configuration.
func (s *Scope) Bind(module string, config map[string]string) {
	if config == nil {
		config = map[string]string{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.module = module
	s.config = config
}

// Log writes a guest log line. Unknown levels are rejected so authors
// notice typos.
func (s *Scope) Log(ctx context.Context, level, message string) error {
	logger := s.fns.logger.With("module", s.Module())
	switch level {
	case "debug":
		logger.DebugContext(ctx, message)
	case "info":
		logger.InfoContext(ctx, message)
	case "warn":
		logger.WarnContext(ctx, message)
	case "error":
		logger.ErrorContext(ctx, message)
	default:
		return oops.In("hostfunc").With("level", level).Errorf("invalid log level %q: use debug, info, warn, or error", level)
	}
	return nil
}

// NewRequestID returns a fresh ULID string.
func (s *Scope) NewRequestID() string {
	return ulid.Make().String()
}

// Config looks up a key in the module's configuration.
func (s *Scope) Config(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.config[key]
	return v, ok
}

// KVGet reads a key from the module's namespace.
func (s *Scope) KVGet(ctx context.Context, key string) (string, bool, error) {
	if s.fns.kvStore == nil {
		return "", false, ErrNoStore
	}
	ctx, cancel := context.WithTimeout(ctx, defaultKVTimeout)
	defer cancel()
	v, ok, err := s.fns.kvStore.Get(ctx, KVKey(s.Module(), key))
	if err != nil {
		return "", false, errors.New(sanitizeKVErrorForPlugin(s.Module(), "get", key, err))
	}
	return v, ok, nil
}

// KVSet writes a key into the module's namespace.
func (s *Scope) KVSet(ctx context.Context, key, value string) error {
	if s.fns.kvStore == nil {
		return ErrNoStore
	}
	ctx, cancel := context.WithTimeout(ctx, defaultKVTimeout)
	defer cancel()
	if err := s.fns.kvStore.Set(ctx, KVKey(s.Module(), key), value); err != nil {
		return errors.New(sanitizeKVErrorForPlugin(s.Module(), "set", key, err))
	}
	return nil
}

// KVDelete removes a key from the module's namespace.
func (s *Scope) KVDelete(ctx context.Context, key string) error {
	if s.fns.kvStore == nil {
		return ErrNoStore
	}
	ctx, cancel := context.WithTimeout(ctx, defaultKVTimeout)
	defer cancel()
	if err := s.fns.kvStore.Delete(ctx, KVKey(s.Module(), key)); err != nil {
		return errors.New(sanitizeKVErrorForPlugin(s.Module(), "delete", key, err))
	}
	return nil
}

// sanitizeKVErrorForPlugin converts a store error into a message safe to hand
// to guest code. Internal details are logged with a correlation id and only
// the id is returned.
func sanitizeKVErrorForPlugin(module, op, key string, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("guest kv operation timed out",
			"module", module, "op", op, "key", key)
		return "operation timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "operation cancelled"
	}
	ref := ulid.Make().String()
	slog.Error("guest kv operation failed",
		"module", module, "op", op, "key", key, "error_id", ref, "error", err)
	return "internal error (ref: " + ref + ")"
}
