// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/samber/oops"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/holomush/trinity/internal/plugin"
	pluginpkg "github.com/holomush/trinity/pkg/plugin"
)

var _ plugin.Module = (*Module)(nil)

// Module is a loaded WebAssembly guest. Calls into one instance are
// serialised.
type Module struct {
	rt       *Runtime
	name     string
	path     string
	instance api.Module
	compiled wazero.CompiledModule

	alloc  api.Function
	nameFn api.Function
	handle api.Function
	help   api.Function
	admin  api.Function
	init   api.Function

	mu sync.Mutex
}

// Name implements plugin.Module.
func (m *Module) Name() string {
	return m.name
}

// Handle implements plugin.Module.
func (m *Module) Handle(ctx context.Context, text, sender, room string) ([]pluginpkg.Action, error) {
	req := pluginpkg.HandleRequest{Text: text, Sender: sender, Room: room}
	actions, err := m.callActions(ctx, "handle", m.handle, req)
	if err != nil {
		return nil, oops.In("wasm").With("module", m.name).With("operation", "handle").Wrap(err)
	}
	return actions, nil
}

// Help implements plugin.Module.
func (m *Module) Help(ctx context.Context, topic *string) (string, error) {
	data, err := m.call(ctx, m.help, pluginpkg.HelpRequest{Topic: topic})
	if err != nil {
		return "", oops.In("wasm").With("module", m.name).With("operation", "help").Wrap(err)
	}
	if data == nil {
		return "", nil
	}
	if err := pluginpkg.ValidateResponse(pluginpkg.SchemaHelp, data); err != nil {
		return "", oops.In("wasm").With("module", m.name).With("operation", "help").Wrap(err)
	}
	var resp pluginpkg.HelpResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", oops.In("wasm").With("module", m.name).With("operation", "help").Wrap(err)
	}
	if resp.Error != "" {
		return "", oops.In("wasm").With("module", m.name).With("operation", "help").New(resp.Error)
	}
	return resp.Text, nil
}

// Admin implements plugin.Module.
func (m *Module) Admin(ctx context.Context, command, sender, targetRoom string) ([]pluginpkg.Action, error) {
	req := pluginpkg.AdminRequest{Command: command, Sender: sender, Room: targetRoom}
	actions, err := m.callActions(ctx, "admin", m.admin, req)
	if err != nil {
		return nil, oops.In("wasm").With("module", m.name).With("operation", "admin").Wrap(err)
	}
	return actions, nil
}

func (m *Module) initialize(ctx context.Context, config map[string]string) error {
	_, err := m.callActions(ctx, "init", m.init, pluginpkg.InitRequest{Config: config})
	return err
}

func (m *Module) readName(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.rt.env.Timeout())
	defer cancel()

	results, err := m.nameFn.Call(ctx)
	if err != nil {
		return "", err
	}
	data, err := m.readPacked(results[0])
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("name(): %w", ErrNoOutput)
	}
	return string(data), nil
}

func (m *Module) callActions(ctx context.Context, entry string, fn api.Function, req any) ([]pluginpkg.Action, error) {
	data, err := m.call(ctx, fn, req)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	if err := pluginpkg.ValidateResponse(pluginpkg.SchemaActions, data); err != nil {
		return nil, err
	}
	var resp pluginpkg.ActionsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, oops.New(resp.Error)
	}

	actions := make([]pluginpkg.Action, 0, len(resp.Actions))
	for i, a := range resp.Actions {
		if err := a.Validate(); err != nil {
			m.rt.env.Log().Warn("module action validation error",
				"module", m.name,
				"entry", entry,
				"index", i,
				"error", err)
			continue
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// call encodes req into guest memory, invokes fn and returns the raw
// response, or nil when the guest produced no output.
func (m *Module) call(ctx context.Context, fn api.Function, req any) ([]byte, error) {
	if m.rt.isClosed() {
		return nil, ErrClosed
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.rt.env.Timeout())
	defer cancel()

	ptr, err := writeGuest(ctx, m.instance, m.alloc, payload)
	if err != nil {
		return nil, err
	}

	results, err := fn.Call(ctx, uint64(ptr), uint64(len(payload)))
	if err != nil {
		return nil, err
	}
	return m.readPacked(results[0])
}

func (m *Module) readPacked(packed uint64) ([]byte, error) {
	if packed == 0 {
		return nil, nil
	}
	ptr, length := pluginpkg.Unpack(packed)
	data, ok := m.instance.Memory().Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("response out of range: ptr=%d len=%d", ptr, length)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// writeGuest copies data into memory obtained from the guest's allocator.
func writeGuest(ctx context.Context, mod api.Module, alloc api.Function, data []byte) (uint32, error) {
	if alloc == nil {
		alloc = mod.ExportedFunction("alloc")
		if alloc == nil {
			return 0, fmt.Errorf("alloc: %w", ErrMissingExport)
		}
	}
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("alloc: %w", err)
	}
	ptr := uint32(results[0])
	if len(data) > 0 && !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("alloc returned out of range pointer %d for %d bytes", ptr, len(data))
	}
	return ptr, nil
}
