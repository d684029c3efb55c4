// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package wasm

import (
	"context"
	"log/slog"

	"github.com/tetratelabs/wazero/api"

	pluginpkg "github.com/holomush/trinity/pkg/plugin"
)

// HostModule is the import module name guests use for host functions.
const HostModule = "trinity"

// Host function status codes returned to guests.
const (
	statusOK    uint32 = 0
	statusError uint32 = 1
)

// instantiateHostModule exports log, kv_get, kv_set, kv_delete, config and
// new_request_id. Each call resolves the caller's scope by instance name.
func (r *Runtime) instantiateHostModule(ctx context.Context) error {
	builder := r.runtime.NewHostModuleBuilder(HostModule)

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
			level := readString(m, levelPtr, levelLen)
			msg := readString(m, msgPtr, msgLen)
			scope := r.scope(m.Name())
			if scope == nil {
				r.env.Log().Info(msg, "instance", m.Name(), "level", level)
				return
			}
			if err := scope.Log(ctx, level, msg); err != nil {
				r.env.Log().Warn("guest log rejected", "module", scope.Module(), "error", err)
			}
		}).
		Export("log")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen uint32) uint64 {
			scope := r.scope(m.Name())
			if scope == nil {
				return 0
			}
			value, ok, err := scope.KVGet(ctx, readString(m, keyPtr, keyLen))
			if err != nil {
				r.env.Log().Warn("guest kv_get failed", "module", scope.Module(), "error", err)
				return 0
			}
			if !ok {
				return 0
			}
			return writeString(ctx, m, value)
		}).
		Export("kv_get")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen, valPtr, valLen uint32) uint32 {
			scope := r.scope(m.Name())
			if scope == nil {
				return statusError
			}
			key := readString(m, keyPtr, keyLen)
			if err := scope.KVSet(ctx, key, readString(m, valPtr, valLen)); err != nil {
				r.env.Log().Warn("guest kv_set failed", "module", scope.Module(), "error", err)
				return statusError
			}
			return statusOK
		}).
		Export("kv_set")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen uint32) uint32 {
			scope := r.scope(m.Name())
			if scope == nil {
				return statusError
			}
			if err := scope.KVDelete(ctx, readString(m, keyPtr, keyLen)); err != nil {
				r.env.Log().Warn("guest kv_delete failed", "module", scope.Module(), "error", err)
				return statusError
			}
			return statusOK
		}).
		Export("kv_delete")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen uint32) uint64 {
			scope := r.scope(m.Name())
			if scope == nil {
				return 0
			}
			value, ok := scope.Config(readString(m, keyPtr, keyLen))
			if !ok {
				return 0
			}
			return writeString(ctx, m, value)
		}).
		Export("config")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module) uint64 {
			scope := r.scope(m.Name())
			if scope == nil {
				return 0
			}
			return writeString(ctx, m, scope.NewRequestID())
		}).
		Export("new_request_id")

	_, err := builder.Instantiate(ctx)
	return err
}

// readString reads a string from guest memory.
func readString(m api.Module, ptr, length uint32) string {
	if m == nil || length == 0 {
		return ""
	}
	mem := m.Memory()
	if mem == nil {
		return ""
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return ""
	}
	return string(data)
}

// writeString copies s into guest memory and returns it packed, or 0 when
// the guest cannot take it.
func writeString(ctx context.Context, m api.Module, s string) uint64 {
	if s == "" {
		return 0
	}
	ptr, err := writeGuest(ctx, m, nil, []byte(s))
	if err != nil {
		slog.Warn("failed to hand value to guest", "instance", m.Name(), "error", err)
		return 0
	}
	return pluginpkg.Pack(ptr, uint32(len(s)))
}
