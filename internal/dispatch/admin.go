// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package dispatch

import (
	"context"
	"strings"

	"github.com/holomush/trinity/internal/plugin"
	pluginpkg "github.com/holomush/trinity/pkg/plugin"
)

// Diagnostic replies for malformed admin commands.
const (
	MsgMissingModuleAndCommand = "missing module and command"
	MsgMissingCommand          = "missing command"
)

// AdminCommand is a parsed "!admin <module> [room] <command>" message.
type AdminCommand struct {
	Module string
	// RoomRef is the first token after the module. It only becomes the
	// target room when it resolves.
	RoomRef string
	// Rest is the text after RoomRef, trimmed.
	Rest string
}

// ParseAdmin parses an admin message. ok is false when text does not carry
// the admin marker. A non-empty diag means the command was malformed and
// diag is the reply to send back.
func ParseAdmin(text string) (cmd AdminCommand, diag string, ok bool) {
	rest, found := strings.CutPrefix(text, AdminMarker)
	if !found {
		return AdminCommand{}, "", false
	}
	if !strings.HasPrefix(rest, " ") {
		return AdminCommand{}, MsgMissingModuleAndCommand, true
	}

	module, rest, found := strings.Cut(strings.TrimSpace(rest), " ")
	if !found {
		return AdminCommand{}, MsgMissingCommand, true
	}

	ref, tail, _ := strings.Cut(strings.TrimSpace(rest), " ")
	return AdminCommand{Module: module, RoomRef: ref, Rest: strings.TrimSpace(tail)}, "", true
}

// target picks the room and command body for cmd. A RoomRef that does not
// resolve is treated as the first word of the command.
func (e *Engine) target(ctx context.Context, cmd AdminCommand, room string) (string, string) {
	if e.resolver != nil && cmd.RoomRef != "" {
		resolved, ok, err := e.resolver.Resolve(ctx, cmd.RoomRef)
		switch {
		case err != nil:
			e.logger.DebugContext(ctx, "room reference did not resolve",
				"ref", cmd.RoomRef,
				"error", err)
		case ok:
			return resolved, cmd.Rest
		}
	}
	return room, strings.TrimSpace(cmd.RoomRef + " " + cmd.Rest)
}

// tryAdmin runs the admin path. ok is false when dispatch should fall
// through to the help and module paths.
func (e *Engine) tryAdmin(ctx context.Context, reg *plugin.Registry, msg Message) ([]pluginpkg.Action, bool) {
	cmd, diag, ok := ParseAdmin(msg.Text)
	if !ok {
		return nil, false
	}
	if diag != "" {
		return []pluginpkg.Action{pluginpkg.Respond(diag, "", msg.Sender)}, true
	}

	mod, found := reg.Lookup(cmd.Module)
	if !found {
		e.logger.DebugContext(ctx, "admin command for unknown module", "module", cmd.Module)
		return nil, false
	}

	room, body := e.target(ctx, cmd, msg.Room)
	actions, err := mod.Admin(ctx, body, msg.Sender, room)
	if err != nil {
		e.moduleError(ctx, cmd.Module, "admin", err)
		return nil, false
	}
	return actions, true
}
