// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package wasm binds guest modules compiled to WebAssembly to the plugin
// registry using wazero.
//
// Guests export memory, alloc(size) -> ptr, name() -> packed, and the
// handle, help and admin entry points taking a JSON request (ptr, len) and
// returning a packed pointer to a JSON response. init(ptr, len) is optional
// and receives the module configuration.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/samber/oops"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/holomush/trinity/internal/plugin"
	"github.com/holomush/trinity/internal/plugin/hostfunc"
)

// Compile-time interface checks.
var (
	_ plugin.Loader  = (*Loader)(nil)
	_ plugin.Runtime = (*Runtime)(nil)
)

// Extension is the file extension of WebAssembly guests.
const Extension = ".wasm"

// Sentinel errors.
var (
	ErrClosed        = errors.New("wasm runtime is closed")
	ErrMissingExport = errors.New("missing required export")
	ErrNoOutput      = errors.New("guest returned no output")
)

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// export describes a guest export and its expected signature.
type export struct {
	name     string
	params   []api.ValueType
	results  []api.ValueType
	optional bool
}

var guestExports = []export{
	{name: "alloc", params: []api.ValueType{i32}, results: []api.ValueType{i32}},
	{name: "name", results: []api.ValueType{i64}},
	{name: "handle", params: []api.ValueType{i32, i32}, results: []api.ValueType{i64}},
	{name: "help", params: []api.ValueType{i32, i32}, results: []api.ValueType{i64}},
	{name: "admin", params: []api.ValueType{i32, i32}, results: []api.ValueType{i64}},
	{name: "init", params: []api.ValueType{i32, i32}, results: []api.ValueType{i64}, optional: true},
}

// Loader creates wazero runtimes.
type Loader struct{}

// NewLoader creates a WebAssembly loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Extensions implements plugin.Loader.
func (l *Loader) Extensions() []string {
	return []string{Extension}
}

// NewRuntime creates one wazero runtime shared by every WebAssembly module of
// a generation, with WASI and the host module instantiated.
func (l *Loader) NewRuntime(ctx context.Context, env plugin.Env) (plugin.Runtime, error) {
	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true)

	r := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, oops.In("wasm").With("operation", "new_runtime").Hint("failed to instantiate WASI").Wrap(err)
	}

	rt := &Runtime{
		runtime: r,
		env:     env,
		scopes:  make(map[string]*hostfunc.Scope),
	}

	if err := rt.instantiateHostModule(ctx); err != nil {
		_ = r.Close(ctx)
		return nil, oops.In("wasm").With("operation", "new_runtime").Hint("failed to instantiate host module").Wrap(err)
	}

	return rt, nil
}

// Runtime is a generation's wazero execution context.
type Runtime struct {
	runtime wazero.Runtime
	env     plugin.Env

	mu     sync.Mutex
	scopes map[string]*hostfunc.Scope
	seq    int
	closed bool
}

// Load compiles and instantiates the guest at path and binds its exports.
func (r *Runtime) Load(ctx context.Context, path string, config plugin.ConfigLookup) (plugin.Module, error) {
	code, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, oops.In("wasm").With("path", path).With("operation", "load").Hint("failed to read module file").Wrap(err)
	}

	instanceName, scope, err := r.register(path)
	if err != nil {
		return nil, err
	}

	m, err := r.instantiate(ctx, path, instanceName, code)
	if err != nil {
		r.unregister(instanceName)
		return nil, err
	}

	name, err := m.readName(ctx)
	if err != nil {
		_ = m.instance.Close(ctx)
		r.unregister(instanceName)
		return nil, oops.In("wasm").With("path", path).With("operation", "name").Wrap(err)
	}
	m.name = name

	cfg := config(name)
	if scope != nil {
		scope.Bind(name, cfg)
	}

	if m.init != nil {
		if err := m.initialize(ctx, cfg); err != nil {
			_ = m.instance.Close(ctx)
			r.unregister(instanceName)
			return nil, oops.In("wasm").With("path", path).With("module", name).With("operation", "init").Wrap(err)
		}
	}

	r.env.Log().Debug("wasm module loaded", "module", name, "path", path, "instance", instanceName)
	return m, nil
}

func (r *Runtime) instantiate(ctx context.Context, path, instanceName string, code []byte) (*Module, error) {
	compiled, err := r.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, oops.In("wasm").With("path", path).With("operation", "compile").Hint("failed to compile module").Wrap(err)
	}

	modCfg := wazero.NewModuleConfig().
		WithName(instanceName).
		WithStartFunctions("_initialize")

	instance, err := r.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, oops.In("wasm").With("path", path).With("operation", "instantiate").Hint("failed to instantiate module").Wrap(err)
	}

	m := &Module{
		rt:       r,
		path:     path,
		instance: instance,
		compiled: compiled,
	}

	if instance.ExportedMemory("memory") == nil {
		_ = instance.Close(ctx)
		return nil, oops.In("wasm").With("path", path).With("export", "memory").Wrap(ErrMissingExport)
	}

	fns := map[string]*api.Function{
		"alloc":  &m.alloc,
		"name":   &m.nameFn,
		"handle": &m.handle,
		"help":   &m.help,
		"admin":  &m.admin,
		"init":   &m.init,
	}
	for _, exp := range guestExports {
		fn := instance.ExportedFunction(exp.name)
		if fn == nil {
			if exp.optional {
				continue
			}
			_ = instance.Close(ctx)
			return nil, oops.In("wasm").With("path", path).With("export", exp.name).Wrap(ErrMissingExport)
		}
		def := fn.Definition()
		if !slices.Equal(def.ParamTypes(), exp.params) || !slices.Equal(def.ResultTypes(), exp.results) {
			_ = instance.Close(ctx)
			return nil, oops.In("wasm").With("path", path).With("export", exp.name).
				Errorf("export %s has signature %v -> %v", exp.name, def.ParamTypes(), def.ResultTypes())
		}
		*fns[exp.name] = fn
	}

	return m, nil
}

func (r *Runtime) register(path string) (string, *hostfunc.Scope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", nil, ErrClosed
	}
	r.seq++
	instanceName := fmt.Sprintf("%s#%d", filepath.Base(path), r.seq)
	var scope *hostfunc.Scope
	if r.env.Host != nil {
		scope = r.env.Host.Scope("", nil)
		r.scopes[instanceName] = scope
	}
	return instanceName, scope, nil
}

func (r *Runtime) unregister(instanceName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.scopes, instanceName)
}

func (r *Runtime) scope(instanceName string) *hostfunc.Scope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scopes[instanceName]
}

// Close releases the runtime and every module instantiated in it.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.scopes = nil
	r.mu.Unlock()

	if err := r.runtime.Close(ctx); err != nil {
		return oops.In("wasm").With("operation", "close").Wrap(err)
	}
	return nil
}

func (r *Runtime) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
