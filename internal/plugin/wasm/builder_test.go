// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package wasm_test

import (
	pluginpkg "github.com/holomush/trinity/pkg/plugin"
)

// Minimal WebAssembly binary assembler for test guests. Only the handful of
// sections and instructions the fixtures need are supported.

const (
	valI32 byte = 0x7f
	valI64 byte = 0x7e

	exportFunc byte = 0x00
	exportMem  byte = 0x02

	dataBase uint32 = 16
	allocPtr int32  = 4096
)

type funcType struct {
	params  []byte
	results []byte
}

type wasmImport struct {
	module, name string
	typ          uint32
}

type wasmFunc struct {
	typ  uint32
	body []byte
}

type wasmExport struct {
	name string
	kind byte
	idx  uint32
}

type wasmBuilder struct {
	types   []funcType
	imports []wasmImport
	funcs   []wasmFunc
	exports []wasmExport
	memory  bool
	data    []byte
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}

func wname(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func vec(items [][]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func section(id byte, content []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint64(len(content)))...)
	return append(out, content...)
}

func i32Const(v int32) []byte { return append([]byte{0x41}, sleb(int64(v))...) }

func i64Const(v uint64) []byte { return append([]byte{0x42}, sleb(int64(v))...) }

func call(idx uint32) []byte { return append([]byte{0x10}, uleb(uint64(idx))...) }

var (
	opDrop        = []byte{0x1a}
	opSpinForever = []byte{0x03, 0x40, 0x0c, 0x00, 0x0b}
)

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func (b *wasmBuilder) typeIndex(params, results []byte) uint32 {
	for i, t := range b.types {
		if string(t.params) == string(params) && string(t.results) == string(results) {
			return uint32(i)
		}
	}
	b.types = append(b.types, funcType{params: params, results: results})
	return uint32(len(b.types) - 1)
}

// str places s in the data segment and returns it packed.
func (b *wasmBuilder) str(s string) uint64 {
	if s == "" {
		return 0
	}
	ptr := dataBase + uint32(len(b.data))
	b.data = append(b.data, s...)
	return pluginpkg.Pack(ptr, uint32(len(s)))
}

// strPtr places s in the data segment and returns pointer and length.
func (b *wasmBuilder) strPtr(s string) (int32, int32) {
	ptr, length := pluginpkg.Unpack(b.str(s))
	return int32(ptr), int32(length)
}

func (b *wasmBuilder) importFunc(module, field string, params, results []byte) uint32 {
	b.imports = append(b.imports, wasmImport{module: module, name: field, typ: b.typeIndex(params, results)})
	return uint32(len(b.imports) - 1)
}

func (b *wasmBuilder) export(exportName string, params, results []byte, body []byte) {
	b.funcs = append(b.funcs, wasmFunc{typ: b.typeIndex(params, results), body: body})
	idx := uint32(len(b.imports) + len(b.funcs) - 1)
	b.exports = append(b.exports, wasmExport{name: exportName, kind: exportFunc, idx: idx})
}

func (b *wasmBuilder) bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	var types [][]byte
	for _, t := range b.types {
		types = append(types, concat([]byte{0x60}, uleb(uint64(len(t.params))), t.params, uleb(uint64(len(t.results))), t.results))
	}
	out = append(out, section(0x01, vec(types))...)

	if len(b.imports) > 0 {
		var imports [][]byte
		for _, im := range b.imports {
			imports = append(imports, concat(wname(im.module), wname(im.name), []byte{0x00}, uleb(uint64(im.typ))))
		}
		out = append(out, section(0x02, vec(imports))...)
	}

	var funcs [][]byte
	for _, f := range b.funcs {
		funcs = append(funcs, uleb(uint64(f.typ)))
	}
	out = append(out, section(0x03, vec(funcs))...)

	if b.memory {
		out = append(out, section(0x05, vec([][]byte{{0x00, 0x01}}))...)
	}

	var exports [][]byte
	for _, e := range b.exports {
		exports = append(exports, concat(wname(e.name), []byte{e.kind}, uleb(uint64(e.idx))))
	}
	out = append(out, section(0x07, vec(exports))...)

	var code [][]byte
	for _, f := range b.funcs {
		body := concat([]byte{0x00}, f.body, []byte{0x0b})
		code = append(code, concat(uleb(uint64(len(body))), body))
	}
	out = append(out, section(0x0a, vec(code))...)

	if len(b.data) > 0 {
		seg := concat([]byte{0x00}, i32Const(int32(dataBase)), []byte{0x0b}, uleb(uint64(len(b.data))), b.data)
		out = append(out, section(0x0b, vec([][]byte{seg}))...)
	}

	return out
}

// guestSpec describes an ABI guest whose entry points return fixed
// responses. Empty responses mean "no output".
type guestSpec struct {
	name   string
	handle string
	help   string
	admin  string
	init   *string
	// omit drops an export to produce an invalid guest.
	omit string
	// handleBody replaces the handle body when set.
	handleBody func(b *wasmBuilder) []byte
}

func (g guestSpec) build() []byte {
	b := &wasmBuilder{memory: true}
	entry := []byte{valI32, valI32}
	ret := []byte{valI64}

	if g.omit != "memory" {
		b.exports = append(b.exports, wasmExport{name: "memory", kind: exportMem, idx: 0})
	}

	var handleBody []byte
	if g.handleBody != nil {
		handleBody = g.handleBody(b)
	}

	add := func(exportName string, params []byte, body []byte) {
		if g.omit == exportName {
			return
		}
		b.export(exportName, params, ret, body)
	}

	if g.omit != "alloc" {
		b.export("alloc", []byte{valI32}, []byte{valI32}, i32Const(allocPtr))
	}
	add("name", nil, i64Const(b.str(g.name)))
	if handleBody == nil {
		handleBody = i64Const(b.str(g.handle))
	}
	add("handle", entry, handleBody)
	add("help", entry, i64Const(b.str(g.help)))
	add("admin", entry, i64Const(b.str(g.admin)))
	if g.init != nil {
		add("init", entry, i64Const(b.str(*g.init)))
	}
	return b.bytes()
}
