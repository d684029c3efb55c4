// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package plugin defines the wire types exchanged with guest modules.
//
// Requests and responses cross the sandbox boundary as JSON. WASM guests
// return a packed uint64 (pointer in the upper 32 bits, length in the lower
// 32 bits) pointing at the encoded response; zero means no output.
package plugin

import "fmt"

// ActionKind identifies what a reply Action does.
type ActionKind string

// Action kinds understood by the relay.
const (
	ActionRespond ActionKind = "respond"
	ActionReact   ActionKind = "react"
)

// Action is a reply instruction produced by a guest module.
//
// A respond action carries Text, an optional HTML rendering, and the
// recipient it was addressed to. A react action carries the Emoji to attach
// to the triggering event; the relay fills in the target event id.
type Action struct {
	Kind  ActionKind `json:"kind" jsonschema:"enum=respond,enum=react"`
	Text  string     `json:"text,omitempty"`
	HTML  string     `json:"html,omitempty"`
	To    string     `json:"to,omitempty"`
	Emoji string     `json:"emoji,omitempty"`
}

// Respond builds a respond action.
func Respond(text, html, to string) Action {
	return Action{Kind: ActionRespond, Text: text, HTML: html, To: to}
}

// React builds a react action.
func React(emoji string) Action {
	return Action{Kind: ActionReact, Emoji: emoji}
}

// Validate reports whether the action is well formed.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionRespond:
		if a.Text == "" && a.HTML == "" {
			return fmt.Errorf("respond action has no text")
		}
	case ActionReact:
		if a.Emoji == "" {
			return fmt.Errorf("react action has no emoji")
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// InitRequest is passed to a guest's optional init entry point.
type InitRequest struct {
	Config map[string]string `json:"config"`
}

// HandleRequest is passed to a guest's handle entry point.
type HandleRequest struct {
	Text   string `json:"text"`
	Sender string `json:"sender"`
	Room   string `json:"room"`
}

// HelpRequest is passed to a guest's help entry point. A nil Topic asks for
// the one-line module description.
type HelpRequest struct {
	Topic *string `json:"topic,omitempty"`
}

// AdminRequest is passed to a guest's admin entry point.
type AdminRequest struct {
	Command string `json:"command"`
	Sender  string `json:"sender"`
	Room    string `json:"room"`
}

// ActionsResponse is returned by handle, admin and init. A non-empty Error
// reports a guest-side failure.
type ActionsResponse struct {
	Actions []Action `json:"actions,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// HelpResponse is returned by help.
type HelpResponse struct {
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// Pack combines a guest memory pointer and length into a single return value.
func Pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// Unpack splits a packed return value into pointer and length.
func Unpack(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed)
}
