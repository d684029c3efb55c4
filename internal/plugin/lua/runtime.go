// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//nolint:gocritic // captLocal: L is the idiomatic name for lua.LState
package lua

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/trinity/internal/plugin"
	"github.com/holomush/trinity/internal/plugin/hostfunc"
	pluginpkg "github.com/holomush/trinity/pkg/plugin"
)

// Compile-time interface checks.
var (
	_ plugin.Loader  = (*Loader)(nil)
	_ plugin.Runtime = (*Runtime)(nil)
	_ plugin.Module  = (*Module)(nil)
)

// ErrClosed is returned by calls into a runtime that has been closed.
var ErrClosed = errors.New("lua runtime is closed")

// Extension is the file extension of Lua guests.
const Extension = ".lua"

// Loader creates Lua runtimes.
type Loader struct {
	factory *StateFactory
}

// NewLoader creates a Lua loader with the default sandbox.
func NewLoader() *Loader {
	return &Loader{factory: NewStateFactory()}
}

// Extensions implements plugin.Loader.
func (l *Loader) Extensions() []string {
	return []string{Extension}
}

// NewRuntime creates one sandboxed state shared by every Lua module of a
// generation.
func (l *Loader) NewRuntime(ctx context.Context, env plugin.Env) (plugin.Runtime, error) {
	L, err := l.factory.NewState(ctx)
	if err != nil {
		return nil, oops.In("lua").With("operation", "new_runtime").Wrap(err)
	}
	L.RemoveContext()
	return &Runtime{L: L, env: env}, nil
}

// Runtime is a generation's Lua execution context. Calls are serialised
// because an LState is not safe for concurrent use.
type Runtime struct {
	mu     sync.Mutex
	L      *lua.LState
	env    plugin.Env
	closed bool
}

// Load runs the chunk at path in a private environment and binds its entry
// points.
func (r *Runtime) Load(ctx context.Context, path string, config plugin.ConfigLookup) (plugin.Module, error) {
	code, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, oops.In("lua").With("path", path).With("operation", "load").Hint("failed to read module file").Wrap(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	L := r.L
	chunk, err := L.LoadString(string(code))
	if err != nil {
		return nil, oops.In("lua").With("path", path).With("operation", "load").Hint("syntax error").Wrap(err)
	}

	env := NewEnv(L)
	var scope *hostfunc.Scope
	if r.env.Host != nil {
		scope = r.env.Host.Scope("", nil)
		L.SetField(env, hostfunc.LuaGlobal, scope.LuaTable(L))
	}
	L.SetFEnv(chunk, env)

	if _, err := r.callLocked(ctx, chunk, 0); err != nil {
		return nil, oops.In("lua").With("path", path).With("operation", "load").Hint("module chunk failed").Wrap(err)
	}

	name, ok := env.RawGetString("name").(lua.LString)
	if !ok || name == "" {
		return nil, oops.In("lua").With("path", path).With("operation", "load").New("module does not declare a name")
	}

	m := &Module{name: string(name), path: path, rt: r}
	for entry, dst := range map[string]**lua.LFunction{"handle": &m.handle, "help": &m.help, "admin": &m.admin} {
		fn, ok := env.RawGetString(entry).(*lua.LFunction)
		if !ok {
			return nil, oops.In("lua").With("path", path).With("module", m.name).With("operation", "load").
				Errorf("module does not define %s()", entry)
		}
		*dst = fn
	}

	cfg := config(m.name)
	if scope != nil {
		scope.Bind(m.name, cfg)
	}

	if initFn, ok := env.RawGetString("init").(*lua.LFunction); ok {
		rets, err := r.callLocked(ctx, initFn, 2, configTable(L, cfg))
		if err != nil {
			return nil, oops.In("lua").With("module", m.name).With("operation", "init").Wrap(err)
		}
		if msg := guestError(rets); msg != "" {
			return nil, oops.In("lua").With("module", m.name).With("operation", "init").Errorf("init failed: %s", msg)
		}
	}

	r.env.Log().Debug("lua module loaded", "module", m.name, "path", path)
	return m, nil
}

// Close releases the state. Later calls fail with ErrClosed.
func (r *Runtime) Close(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.L.Close()
	return nil
}

func (r *Runtime) call(ctx context.Context, fn *lua.LFunction, nret int, args ...lua.LValue) ([]lua.LValue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	return r.callLocked(ctx, fn, nret, args...)
}

func (r *Runtime) callLocked(ctx context.Context, fn *lua.LFunction, nret int, args ...lua.LValue) ([]lua.LValue, error) {
	L := r.L
	ctx, cancel := context.WithTimeout(ctx, r.env.Timeout())
	defer cancel()
	L.SetContext(ctx)
	defer L.RemoveContext()

	top := L.GetTop()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: nret, Protect: true}, args...); err != nil {
		L.SetTop(top)
		return nil, err
	}
	rets := make([]lua.LValue, nret)
	for i := range nret {
		rets[i] = L.Get(top + 1 + i)
	}
	L.SetTop(top)
	return rets, nil
}

// Module is a loaded Lua guest.
type Module struct {
	name   string
	path   string
	rt     *Runtime
	handle *lua.LFunction
	help   *lua.LFunction
	admin  *lua.LFunction
}

// Name implements plugin.Module.
func (m *Module) Name() string {
	return m.name
}

// Handle implements plugin.Module.
func (m *Module) Handle(ctx context.Context, text, sender, room string) ([]pluginpkg.Action, error) {
	rets, err := m.rt.call(ctx, m.handle, 2, lua.LString(text), lua.LString(sender), lua.LString(room))
	if err != nil {
		return nil, oops.In("lua").With("module", m.name).With("operation", "handle").Wrap(err)
	}
	return m.actions("handle", rets)
}

// Help implements plugin.Module.
func (m *Module) Help(ctx context.Context, topic *string) (string, error) {
	var arg lua.LValue = lua.LNil
	if topic != nil {
		arg = lua.LString(*topic)
	}
	rets, err := m.rt.call(ctx, m.help, 2, arg)
	if err != nil {
		return "", oops.In("lua").With("module", m.name).With("operation", "help").Wrap(err)
	}
	if msg := guestError(rets); msg != "" {
		return "", oops.In("lua").With("module", m.name).With("operation", "help").New(msg)
	}
	if rets[0] == lua.LNil {
		return "", nil
	}
	return lua.LVAsString(rets[0]), nil
}

// Admin implements plugin.Module.
func (m *Module) Admin(ctx context.Context, command, sender, targetRoom string) ([]pluginpkg.Action, error) {
	rets, err := m.rt.call(ctx, m.admin, 2, lua.LString(command), lua.LString(sender), lua.LString(targetRoom))
	if err != nil {
		return nil, oops.In("lua").With("module", m.name).With("operation", "admin").Wrap(err)
	}
	return m.actions("admin", rets)
}

func (m *Module) actions(entry string, rets []lua.LValue) ([]pluginpkg.Action, error) {
	if msg := guestError(rets); msg != "" {
		return nil, oops.In("lua").With("module", m.name).With("operation", entry).New(msg)
	}
	actions, validationErrs := parseActions(rets[0])
	if len(validationErrs) > 0 {
		m.rt.env.Log().Warn("module action validation errors",
			"module", m.name,
			"entry", entry,
			"error_count", len(validationErrs),
			"errors", validationErrs)
	}
	return actions, nil
}

// guestError extracts the conventional (nil, "message") error return.
func guestError(rets []lua.LValue) string {
	if len(rets) < 2 {
		return ""
	}
	if s, ok := rets[1].(lua.LString); ok && rets[0] == lua.LNil {
		return string(s)
	}
	return ""
}

func configTable(L *lua.LState, cfg map[string]string) *lua.LTable {
	t := L.NewTable()
	for k, v := range cfg {
		L.SetField(t, k, lua.LString(v))
	}
	return t
}

// parseActions converts a returned list of action tables. Invalid entries
// are skipped and reported.
func parseActions(ret lua.LValue) (actions []pluginpkg.Action, validationErrs []string) {
	if ret.Type() == lua.LTNil {
		return nil, nil
	}

	table, ok := ret.(*lua.LTable)
	if !ok {
		return nil, []string{"returned non-table value: " + ret.Type().String()}
	}

	table.ForEach(func(k, v lua.LValue) {
		entry, ok := v.(*lua.LTable)
		if !ok {
			validationErrs = append(validationErrs,
				fmt.Sprintf("entry[%s]: expected table, got %s", k.String(), v.Type().String()))
			return
		}

		var action pluginpkg.Action
		if react, ok := entry.RawGetString("react").(lua.LString); ok {
			action = pluginpkg.React(string(react))
		} else {
			action = pluginpkg.Respond(
				stringField(entry, "respond"),
				stringField(entry, "html"),
				stringField(entry, "to"))
		}
		if err := action.Validate(); err != nil {
			validationErrs = append(validationErrs, fmt.Sprintf("entry[%s]: %s", k.String(), err))
			return
		}
		actions = append(actions, action)
	})

	return actions, validationErrs
}

func stringField(t *lua.LTable, name string) string {
	if s, ok := t.RawGetString(name).(lua.LString); ok {
		return string(s)
	}
	return ""
}
