// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build tinygo.wasm || wasip1

// Package main implements the echo module for trinity.
// It answers "!echo <text>" with <text> and counts how often it has done so.
//
// Build with TinyGo:
//
//	tinygo build -o echo.wasm -target=wasi ./plugins/echo
//
// The module exports:
//   - alloc(size i32) -> ptr i32: Allocate memory for host to write data
//   - name() -> packed i64: The module name
//   - handle, help, admin (ptr i32, len i32) -> packed i64: JSON entry points
//   - init(ptr i32, len i32) -> packed i64: Receive the module configuration
//
// Packed values carry the pointer in the upper 32 bits and the length in the
// lower 32 bits. Zero means no output.
package main

import (
	"encoding/json"
	"strconv"
	"strings"
	"unsafe"
)

const prefix = "!echo "

// Action matches the plugin.Action structure.
type Action struct {
	Kind  string `json:"kind"`
	Text  string `json:"text,omitempty"`
	To    string `json:"to,omitempty"`
	Emoji string `json:"emoji,omitempty"`
}

// ActionsResponse matches plugin.ActionsResponse.
type ActionsResponse struct {
	Actions []Action `json:"actions,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// HandleRequest matches plugin.HandleRequest.
type HandleRequest struct {
	Text   string `json:"text"`
	Sender string `json:"sender"`
	Room   string `json:"room"`
}

// HelpRequest matches plugin.HelpRequest.
type HelpRequest struct {
	Topic *string `json:"topic,omitempty"`
}

// HelpResponse matches plugin.HelpResponse.
type HelpResponse struct {
	Text string `json:"text,omitempty"`
}

//go:wasmimport trinity kv_get
func kvGet(keyPtr, keyLen uint32) uint64

//go:wasmimport trinity kv_set
func kvSet(keyPtr, keyLen, valPtr, valLen uint32) uint32

//go:wasmimport trinity config
func configGet(keyPtr, keyLen uint32) uint64

//go:wasmimport trinity log
func hostLog(levelPtr, levelLen, msgPtr, msgLen uint32)

// buffers keeps allocations reachable until the next call.
var buffers = map[uint32][]byte{}

//export alloc
func alloc(size uint32) uint32 {
	if size == 0 {
		size = 1
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	buffers[ptr] = buf
	return ptr
}

func read(ptr, length uint32) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length)
}

func release(ptr uint32) {
	delete(buffers, ptr)
}

// lastOut is the previous response, released once the host has read it.
var lastOut uint32

func pack(data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	release(lastOut)
	ptr := alloc(uint32(len(data)))
	lastOut = ptr
	copy(buffers[ptr], data)
	return uint64(ptr)<<32 | uint64(len(data))
}

func unpackString(packed uint64) string {
	if packed == 0 {
		return ""
	}
	ptr, length := uint32(packed>>32), uint32(packed)
	s := string(read(ptr, length))
	release(ptr)
	return s
}

func stringArg(s string) (uint32, uint32) {
	if s == "" {
		return 0, 0
	}
	b := []byte(s)
	return uint32(uintptr(unsafe.Pointer(&b[0]))), uint32(len(b))
}

func logInfo(msg string) {
	lp, ll := stringArg("info")
	mp, ml := stringArg(msg)
	hostLog(lp, ll, mp, ml)
}

func get(key string) string {
	kp, kl := stringArg(key)
	return unpackString(kvGet(kp, kl))
}

func set(key, value string) {
	kp, kl := stringArg(key)
	vp, vl := stringArg(value)
	kvSet(kp, kl, vp, vl)
}

func config(key string) string {
	kp, kl := stringArg(key)
	return unpackString(configGet(kp, kl))
}

func respond(v any) uint64 {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return pack(data)
}

//export name
func name() uint64 {
	return pack([]byte("echo"))
}

//export init
func initModule(ptr, length uint32) uint64 {
	release(ptr)
	logInfo("echo module ready")
	return 0
}

//export handle
func handle(ptr, length uint32) uint64 {
	var req HandleRequest
	err := json.Unmarshal(read(ptr, length), &req)
	release(ptr)
	if err != nil {
		return respond(ActionsResponse{Error: err.Error()})
	}

	text, ok := strings.CutPrefix(req.Text, prefix)
	if !ok || strings.TrimSpace(text) == "" {
		return 0
	}

	count, _ := strconv.Atoi(get("count"))
	count++
	set("count", strconv.Itoa(count))

	if greeting := config("greeting"); greeting != "" {
		text = greeting + " " + text
	}
	return respond(ActionsResponse{Actions: []Action{{Kind: "respond", Text: text, To: req.Sender}}})
}

//export help
func help(ptr, length uint32) uint64 {
	var req HelpRequest
	_ = json.Unmarshal(read(ptr, length), &req)
	release(ptr)
	if req.Topic == nil {
		return respond(HelpResponse{Text: "repeats what you say"})
	}
	return respond(HelpResponse{Text: "!echo <text>: replies with <text>"})
}

//export admin
func admin(ptr, length uint32) uint64 {
	release(ptr)
	count := get("count")
	if count == "" {
		count = "0"
	}
	return respond(ActionsResponse{Actions: []Action{{Kind: "respond", Text: "echoed " + count + " message(s)"}}})
}

func main() {}
