// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package dispatch

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/holomush/trinity/internal/plugin"
	pluginpkg "github.com/holomush/trinity/pkg/plugin"
)

// missingHelp stands in for a module whose help entry point failed.
const missingHelp = "<missing>"

// HelpRequest is a parsed "!help [module [topic]]" message.
type HelpRequest struct {
	// Module is empty for the module listing.
	Module string
	Topic  *string
}

// ParseHelp parses a help message. ok is false when text is not a help
// request, including words that merely start with the marker.
func ParseHelp(text string) (HelpRequest, bool) {
	rest, found := strings.CutPrefix(text, HelpMarker)
	if !found {
		return HelpRequest{}, false
	}
	if strings.TrimSpace(rest) == "" {
		return HelpRequest{}, true
	}
	if !strings.HasPrefix(rest, " ") {
		return HelpRequest{}, false
	}

	module, topic, hasTopic := strings.Cut(strings.TrimSpace(rest), " ")
	req := HelpRequest{Module: module}
	if hasTopic {
		t := strings.TrimSpace(topic)
		req.Topic = &t
	}
	return req, true
}

func (e *Engine) tryHelp(ctx context.Context, reg *plugin.Registry, msg Message) (pluginpkg.Action, bool) {
	req, ok := ParseHelp(msg.Text)
	if !ok {
		return pluginpkg.Action{}, false
	}
	if req.Module == "" {
		text, markup := e.listing(ctx, reg)
		return pluginpkg.Respond(text, markup, msg.Sender), true
	}

	text := fmt.Sprintf("module %s not found", req.Module)
	if mod, found := reg.Lookup(req.Module); found {
		desc, err := mod.Help(ctx, req.Topic)
		if err != nil {
			e.moduleError(ctx, req.Module, "help", err)
		} else {
			text = desc
		}
	}
	return pluginpkg.Respond(text, html.EscapeString(text), msg.Sender), true
}

// listing renders every module with its short description in plain text and
// HTML.
func (e *Engine) listing(ctx context.Context, reg *plugin.Registry) (string, string) {
	var text, markup strings.Builder
	text.WriteString("Available modules:")
	markup.WriteString("Available modules: <ul>")

	for _, m := range reg.Modules() {
		desc, err := m.Help(ctx, nil)
		if err != nil {
			e.moduleError(ctx, m.Name(), "help", err)
			desc = missingHelp
		}
		fmt.Fprintf(&text, "\n- %s: %s", m.Name(), desc)
		fmt.Fprintf(&markup, "<li><b>%s</b>: %s</li>",
			html.EscapeString(m.Name()), html.EscapeString(desc))
	}

	markup.WriteString("</ul>")
	return text.String(), markup.String()
}
