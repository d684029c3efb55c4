// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//nolint:gocritic // captLocal: L is the idiomatic name for lua.LState
package hostfunc

import (
	"context"

	lua "github.com/yuin/gopher-lua"
)

// LuaGlobal is the name guests reach host functions under.
const LuaGlobal = "trinity"

// LuaTable builds the host function table for a Lua guest.
func (s *Scope) LuaTable(L *lua.LState) *lua.LTable {
	mod := L.NewTable()
	L.SetField(mod, "log", L.NewFunction(s.luaLog))
	L.SetField(mod, "new_request_id", L.NewFunction(s.luaNewRequestID))
	L.SetField(mod, "config", L.NewFunction(s.luaConfig))
	L.SetField(mod, "kv_get", L.NewFunction(s.luaKVGet))
	L.SetField(mod, "kv_set", L.NewFunction(s.luaKVSet))
	L.SetField(mod, "kv_delete", L.NewFunction(s.luaKVDelete))
	return mod
}

// Register installs the host function table as a global of L.
func (s *Scope) Register(L *lua.LState) {
	L.SetGlobal(LuaGlobal, s.LuaTable(L))
}

func luaContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// pushError pushes nil followed by an error string and returns 2.
func pushError(L *lua.LState, errMsg string) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(errMsg))
	return 2
}

// pushSuccess pushes a value followed by nil (no error) and returns 2.
func pushSuccess(L *lua.LState, value lua.LValue) int {
	L.Push(value)
	L.Push(lua.LNil)
	return 2
}

func (s *Scope) luaLog(L *lua.LState) int {
	level := L.CheckString(1)
	message := L.CheckString(2)
	if err := s.Log(luaContext(L), level, message); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

func (s *Scope) luaNewRequestID(L *lua.LState) int {
	L.Push(lua.LString(s.NewRequestID()))
	return 1
}

func (s *Scope) luaConfig(L *lua.LState) int {
	v, ok := s.Config(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(v))
	return 1
}

func (s *Scope) luaKVGet(L *lua.LState) int {
	key := L.CheckString(1)
	value, ok, err := s.KVGet(luaContext(L), key)
	if err != nil {
		return pushError(L, err.Error())
	}
	if !ok {
		return pushSuccess(L, lua.LNil)
	}
	return pushSuccess(L, lua.LString(value))
}

func (s *Scope) luaKVSet(L *lua.LState) int {
	key := L.CheckString(1)
	value := L.CheckString(2)
	if err := s.KVSet(luaContext(L), key, value); err != nil {
		L.Push(lua.LString(err.Error()))
		return 1
	}
	return 0
}

func (s *Scope) luaKVDelete(L *lua.LState) int {
	key := L.CheckString(1)
	if err := s.KVDelete(luaContext(L), key); err != nil {
		L.Push(lua.LString(err.Error()))
		return 1
	}
	return 0
}
